package fs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReal_WriteFileAtomicReplaces(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	path := filepath.Join(t.TempDir(), "state.bin")

	err := fsys.WriteFileAtomic(path, []byte("one"), 0o644)
	if err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}

	err = fsys.WriteFileAtomic(path, []byte("two"), 0o644)
	if err != nil {
		t.Fatalf("second WriteFileAtomic failed: %v", err)
	}

	got, err := fsys.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if string(got) != "two" {
		t.Errorf("got %q, want %q", got, "two")
	}

	// No temp file debris.
	entries, err := fsys.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 1 {
		t.Errorf("want 1 entry, got %d", len(entries))
	}
}

func TestReal_Exists(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "present")

	ok, err := fsys.Exists(path)
	if err != nil || ok {
		t.Fatalf("Exists = %v, %v; want false, nil", ok, err)
	}

	writeErr := os.WriteFile(path, nil, 0o644)
	if writeErr != nil {
		t.Fatal(writeErr)
	}

	ok, err = fsys.Exists(path)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true, nil", ok, err)
	}
}

func TestReal_OpenFileExclusiveCreate(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	path := filepath.Join(t.TempDir(), "lock")

	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("exclusive create failed: %v", err)
	}

	closeErr := f.Close()
	if closeErr != nil {
		t.Fatal(closeErr)
	}

	_, err = fsys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if !os.IsExist(err) {
		t.Fatalf("want exist error, got %v", err)
	}
}
