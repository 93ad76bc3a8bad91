package store

import (
	"os"
	"path/filepath"
	"testing"
)

func defaults() map[int]int {
	return map[int]int{2: 20, 4: 40, 11: 110}
}

func TestOpenInitializesFromDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(defaults(), dir, "site_1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if v := s.Read(2); v != 20 {
		t.Fatalf("expected default 20, got %d", v)
	}
	if _, err := os.Stat(filepath.Join(dir, "site_1.dat")); err != nil {
		t.Fatalf("expected primary data file to be created: %v", err)
	}
}

func TestBatchWriteAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(defaults(), dir, "site_1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	err = s.BatchWrite([]Write{{Variable: 2, Value: 99}, {Variable: 999, Value: 1}})
	if err == nil {
		t.Fatal("expected rejection for unknown variable")
	}
	if v := s.Read(2); v != 20 {
		t.Fatalf("batch write must not have partially applied, got %d", v)
	}

	if err := s.BatchWrite([]Write{{Variable: 2, Value: 99}, {Variable: 4, Value: 44}}); err != nil {
		t.Fatalf("BatchWrite: %v", err)
	}
	if v := s.Read(2); v != 99 {
		t.Fatalf("expected 99, got %d", v)
	}
	if v := s.Read(4); v != 44 {
		t.Fatalf("expected 44, got %d", v)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(defaults(), dir, "site_1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	snap := s.Snapshot()
	snap[2] = 12345

	if v := s.Read(2); v != 20 {
		t.Fatalf("mutating snapshot must not affect store, got %d", v)
	}
}

func TestRecoversFromPrimaryAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(defaults(), dir, "site_1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.BatchWrite([]Write{{Variable: 11, Value: 777}}); err != nil {
		t.Fatalf("BatchWrite: %v", err)
	}

	s2, err := Open(defaults(), dir, "site_1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if v := s2.Read(11); v != 777 {
		t.Fatalf("expected recovered value 777, got %d", v)
	}
}

func TestRecoversFromTmpWhenPrimaryMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(defaults(), dir, "site_1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.BatchWrite([]Write{{Variable: 11, Value: 500}}); err != nil {
		t.Fatalf("BatchWrite: %v", err)
	}

	// Simulate a crash between the rename and the rewrite: primary
	// absent, tmp holds the last-good copy.
	primary := filepath.Join(dir, "site_1.dat")
	tmp := filepath.Join(dir, "site_1.tmp")
	if err := os.Rename(primary, tmp); err != nil {
		t.Fatalf("simulate crash: %v", err)
	}

	s2, err := Open(defaults(), dir, "site_1")
	if err != nil {
		t.Fatalf("reopen from tmp: %v", err)
	}
	if v := s2.Read(11); v != 500 {
		t.Fatalf("expected recovered value 500 from tmp, got %d", v)
	}
	if _, err := os.Stat(primary); err != nil {
		t.Fatalf("expected primary to be restored: %v", err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatalf("expected tmp file to be removed after recovery")
	}
}

func TestReadUnknownVariablePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic reading unmanaged variable")
		}
	}()
	dir := t.TempDir()
	s, _ := Open(defaults(), dir, "site_1")
	s.Read(999)
}
