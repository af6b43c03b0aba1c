package diskqueue

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testCheckpoint() *checkpoint {
	return &checkpoint{
		writeFile: 3,
		writePos:  1 << 21,
		txID:      42,
		live: map[uint32][]byteRange{
			0: {{start: 0, length: 16}, {start: 64, length: 128}},
			3: {{start: 512, length: 1}},
		},
	}
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	t.Parallel()

	want := testCheckpoint()

	var buf bytes.Buffer

	err := want.writeTo(&buf)
	if err != nil {
		t.Fatalf("writeTo failed: %v", err)
	}

	got, err := readCheckpointPayload(&buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if diff := cmp.Diff(want, got, cmp.AllowUnexported(checkpoint{}, byteRange{})); diff != "" {
		t.Errorf("checkpoint mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckpoint_DeterministicBytes(t *testing.T) {
	t.Parallel()

	var first, second bytes.Buffer

	err := testCheckpoint().writeTo(&first)
	if err != nil {
		t.Fatal(err)
	}

	err = testCheckpoint().writeTo(&second)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("identical states must serialize identically")
	}
}

func TestCheckpoint_StoreAndLoad(t *testing.T) {
	t.Parallel()

	d := testDriver(t, nil)
	path := filepath.Join(t.TempDir(), metaFileName)

	want := testCheckpoint()

	err := storeCheckpoint(d, path, want)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}

	got := loadCheckpoint(d, path, 4096)
	if got == nil {
		t.Fatal("load returned nil for a valid checkpoint")
	}

	if !got.equalState(want) {
		t.Errorf("loaded state differs: %+v vs %+v", got, want)
	}
}

func TestCheckpoint_MissingIsNil(t *testing.T) {
	t.Parallel()

	d := testDriver(t, nil)

	got := loadCheckpoint(d, filepath.Join(t.TempDir(), metaFileName), 4096)
	if got != nil {
		t.Errorf("want nil for missing checkpoint, got %+v", got)
	}
}

func TestCheckpoint_CorruptIsNil(t *testing.T) {
	t.Parallel()

	d := testDriver(t, nil)
	path := filepath.Join(t.TempDir(), metaFileName)

	writeErr := os.WriteFile(path, []byte("not a checkpoint"), 0o644)
	if writeErr != nil {
		t.Fatal(writeErr)
	}

	got := loadCheckpoint(d, path, 4096)
	if got != nil {
		t.Errorf("want nil for corrupt checkpoint, got %+v", got)
	}
}

func TestCheckpoint_EqualState(t *testing.T) {
	t.Parallel()

	base := testCheckpoint()

	if !base.equalState(testCheckpoint()) {
		t.Error("identical checkpoints must compare equal")
	}

	if base.equalState(nil) {
		t.Error("nil never compares equal")
	}

	lagging := testCheckpoint()
	lagging.txID--

	if base.equalState(lagging) {
		t.Error("different txID must compare unequal")
	}

	drained := testCheckpoint()
	delete(drained.live, 0)

	if base.equalState(drained) {
		t.Error("different live sets must compare unequal")
	}
}
