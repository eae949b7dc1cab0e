package httpcache

import (
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryTTL(t *testing.T) {
	c := NewMemory(time.Minute, 0)
	defer c.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	body := []byte("page")
	c.Set("k", body)
	body[0] = 'P'

	got, ok := c.Get("k")
	if !ok || string(got) != "page" {
		t.Fatalf("expected cached copy %q, got %q (%v)", "page", got, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to expire")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be dropped, got %d entries", c.Len())
	}
}

func TestMemoryCleanup(t *testing.T) {
	c := NewMemory(time.Minute, 0)
	defer c.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))

	now = now.Add(time.Hour)
	c.Set("c", []byte("3"))
	c.cleanup()

	if c.Len() != 1 {
		t.Fatalf("expected only the fresh entry to remain, got %d", c.Len())
	}
}

func TestBolt(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "responses.db")
	c, err := OpenBolt(fname, time.Minute)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if _, ok := c.Get("missing"); ok {
		t.Fatal("unexpected hit")
	}
	c.Set("k", []byte(`{"feeds":[]}`))
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Entries survive a reopen.
	c, err = OpenBolt(fname, time.Minute)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	c.now = func() time.Time { return now }

	got, ok := c.Get("k")
	if !ok || string(got) != `{"feeds":[]}` {
		t.Fatalf("expected persisted body, got %q (%v)", got, ok)
	}

	now = now.Add(time.Hour)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to expire")
	}
}
