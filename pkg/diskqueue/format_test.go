package diskqueue

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFormat_RoundTrip(t *testing.T) {
	t.Parallel()

	txs := [][]operation{
		{
			{kind: opEnqueue, file: 0, start: 0, length: 4},
			{kind: opEnqueue, file: 0, start: 4, length: 0},
		},
		{
			{kind: opDequeue, file: 0, start: 0, length: 4},
		},
		{
			{kind: opEnqueue, file: 3, start: 1<<40 + 7, length: 1 << 20},
		},
	}

	var buf []byte
	for _, ops := range txs {
		buf = encodeTransaction(buf, ops)
	}

	lr := newLogReader(bytes.NewReader(buf))

	var got [][]operation

	for {
		ops, err := lr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}

		got = append(got, ops)
	}

	if diff := cmp.Diff(txs, got, cmp.AllowUnexported(operation{})); diff != "" {
		t.Errorf("transactions mismatch (-want +got):\n%s", diff)
	}

	if lr.Count() != len(txs) {
		t.Errorf("Count = %d, want %d", lr.Count(), len(txs))
	}

	if lr.GoodOffset() != int64(len(buf)) {
		t.Errorf("GoodOffset = %d, want %d", lr.GoodOffset(), len(buf))
	}
}

func TestFormat_EmptyTransaction(t *testing.T) {
	t.Parallel()

	buf := encodeTransaction(nil, nil)

	lr := newLogReader(bytes.NewReader(buf))

	ops, err := lr.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	if len(ops) != 0 {
		t.Errorf("got %d ops, want 0", len(ops))
	}
}

func TestFormat_TruncatedTail(t *testing.T) {
	t.Parallel()

	good := encodeTransaction(nil, []operation{{kind: opEnqueue, file: 0, start: 0, length: 9}})
	goodLen := int64(len(good))

	// A second record cut off partway through its operations.
	full := encodeTransaction(good, []operation{{kind: opEnqueue, file: 0, start: 9, length: 9}})
	torn := full[:len(full)-20]

	lr := newLogReader(bytes.NewReader(torn))

	_, err := lr.Next()
	if err != nil {
		t.Fatalf("first record should parse: %v", err)
	}

	_, err = lr.Next()
	if !errors.Is(err, errBadRecord) {
		t.Fatalf("want errBadRecord, got %v", err)
	}

	if lr.GoodOffset() != goodLen {
		t.Errorf("GoodOffset = %d, want %d", lr.GoodOffset(), goodLen)
	}

	if lr.Count() != 1 {
		t.Errorf("Count = %d, want 1", lr.Count())
	}
}

func TestFormat_CorruptEndMarker(t *testing.T) {
	t.Parallel()

	buf := encodeTransaction(nil, []operation{{kind: opEnqueue, file: 0, start: 0, length: 1}})
	buf[len(buf)-1] ^= 0xFF

	lr := newLogReader(bytes.NewReader(buf))

	_, err := lr.Next()
	if !errors.Is(err, errBadRecord) {
		t.Fatalf("want errBadRecord, got %v", err)
	}

	if lr.GoodOffset() != 0 {
		t.Errorf("GoodOffset = %d, want 0", lr.GoodOffset())
	}
}

func TestFormat_GarbageInsteadOfMarker(t *testing.T) {
	t.Parallel()

	lr := newLogReader(bytes.NewReader(bytes.Repeat([]byte{0xAB}, 64)))

	_, err := lr.Next()
	if !errors.Is(err, errBadRecord) {
		t.Fatalf("want errBadRecord, got %v", err)
	}
}

func TestFormat_UnknownOpKind(t *testing.T) {
	t.Parallel()

	buf := encodeTransaction(nil, []operation{{kind: opEnqueue, file: 1, start: 2, length: 3}})

	// Flip the kind byte, which sits right after marker + count.
	buf[txMarkerSize+4] = 0x7E

	lr := newLogReader(bytes.NewReader(buf))

	_, err := lr.Next()
	if !errors.Is(err, errBadRecord) {
		t.Fatalf("want errBadRecord, got %v", err)
	}
}

func TestFormat_ImplausibleOpCount(t *testing.T) {
	t.Parallel()

	buf := append([]byte{}, txStartMarker[:]...)
	buf = append(buf, 0xFF, 0xFF, 0xFF, 0xFF)

	lr := newLogReader(bytes.NewReader(buf))

	_, err := lr.Next()
	if !errors.Is(err, errBadRecord) {
		t.Fatalf("want errBadRecord, got %v", err)
	}
}
