package cache

import (
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T, path string, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(path, ttl)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	return s
}

func TestStore_PutGetRoundtrip(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "cache.db"), 0)
	defer s.Close()

	s.Put("fp1", "value1")
	got, ok := s.Get("fp1")
	if !ok || got != "value1" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("Get returned hit for missing fingerprint")
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	s := openStore(t, path, 0)
	s.Put("fp1", "persisted")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := openStore(t, path, 0)
	defer s2.Close()
	got, ok := s2.Get("fp1")
	if !ok || got != "persisted" {
		t.Fatalf("after reopen: Get = %q, %v", got, ok)
	}
}

func TestStore_TTLExpiresEntries(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "cache.db"), time.Nanosecond)
	defer s.Close()

	s.Put("fp1", "v")
	time.Sleep(time.Millisecond)
	if _, ok := s.Get("fp1"); ok {
		t.Error("expired entry still served")
	}
}

func TestStore_Purge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s := openStore(t, path, 0)

	s.Put("keep", "a")
	s.Put("drop", "b")
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := s.Purge([]string{"drop"}); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, ok := s.Get("drop"); ok {
		t.Error("purged entry still in memory")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := openStore(t, path, 0)
	defer s2.Close()
	if _, ok := s2.Get("drop"); ok {
		t.Error("purged entry survived on disk")
	}
	if _, ok := s2.Get("keep"); !ok {
		t.Error("unpurged entry lost")
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	msgs := []map[string]string{{"role": "user", "content": "q"}}

	a, err := Fingerprint("p", "m", msgs, 0.1, 256)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	b, err := Fingerprint("p", "m", msgs, 0.1, 256)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if a != b {
		t.Errorf("identical inputs produced %q and %q", a, b)
	}

	c, err := Fingerprint("p", "m", msgs, 0.2, 256)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if a == c {
		t.Error("different temperature produced identical fingerprint")
	}
}
