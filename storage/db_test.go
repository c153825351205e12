package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.Put([]byte("p/b"), []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Put([]byte("p/a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Put([]byte("q/a"), []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	var seen []string
	if err := db.Iterate([]byte("p/"), func(key, value []byte) error {
		seen = append(seen, string(key)+"="+string(value))
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(seen) != 2 || seen[0] != "p/a=1" || seen[1] != "p/b=2" {
		t.Fatalf("unexpected iteration %v", seen)
	}

	batch := db.NewBatch()
	batch.Delete([]byte("p/a"))
	batch.Put([]byte("p/c"), []byte("3"))
	if batch.Len() != 2 {
		t.Fatalf("expected 2 batched ops, got %d", batch.Len())
	}
	if _, err := db.Get([]byte("p/c")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("batch applied before Write")
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if _, err := db.Get([]byte("p/a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected p/a deleted, got %v", err)
	}
	value, err := db.Get([]byte("p/c"))
	if err != nil || string(value) != "3" {
		t.Fatalf("unexpected p/c: %q %v", value, err)
	}
	if err := db.Delete([]byte("q/a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("q/a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected q/a deleted, got %v", err)
	}
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "positions"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestBoltDB(t *testing.T) {
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "positions.bolt"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{BackendMemory, BackendLevelDB, "BOLT", ""} {
		db, err := Open(backend, filepath.Join(dir, "db-"+backend))
		if err != nil {
			t.Fatalf("open %q: %v", backend, err)
		}
		if err := db.Put([]byte("k"), []byte("v")); err != nil {
			t.Fatalf("put on %q: %v", backend, err)
		}
		db.Close()
	}
	if _, err := Open("rocksdb", dir); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestIterateStopsOnError(t *testing.T) {
	db := NewMemDB()
	_ = db.Put([]byte("k1"), []byte("a"))
	_ = db.Put([]byte("k2"), []byte("b"))
	stop := errors.New("stop")
	calls := 0
	err := db.Iterate([]byte("k"), func(key, value []byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected walk to stop after first key, calls=%d err=%v", calls, err)
	}
}
