package memory

import (
	"os"
	"path/filepath"
	"testing"
)

func TestL1EvictsLeastRecentlyUsed(t *testing.T) {
	c := newL1Cache(2)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))

	// Touch a so b becomes the eviction victim.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a missing before eviction")
	}
	c.Put("c", []byte("3"))

	if _, ok := c.Get("b"); ok {
		t.Error("b survived eviction")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("a was evicted despite recent use")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("c missing after insert")
	}
}

func TestL1PutUpdatesExisting(t *testing.T) {
	c := newL1Cache(2)
	c.Put("a", []byte("old"))
	c.Put("a", []byte("new"))

	got, ok := c.Get("a")
	if !ok || string(got) != "new" {
		t.Errorf("Get(a) = %q, %v; want new, true", got, ok)
	}
}

func TestL1HitRatio(t *testing.T) {
	c := newL1Cache(10)
	if r := c.HitRatio(); r != 0 {
		t.Errorf("initial hit ratio = %v, want 0", r)
	}
	c.Put("a", []byte("1"))
	c.Get("a")
	c.Get("missing")
	if r := c.HitRatio(); r != 0.5 {
		t.Errorf("hit ratio = %v, want 0.5", r)
	}
}

func TestL2RoundTripAndEviction(t *testing.T) {
	dir := t.TempDir()
	c, err := newL2Cache(dir, 2)
	if err != nil {
		t.Fatal(err)
	}

	type payload struct {
		Value string `json:"value"`
	}
	c.Put("aaa", payload{Value: "1"})

	var got payload
	if !c.Get("aaa", &got) || got.Value != "1" {
		t.Fatalf("Get(aaa) = %+v, want value 1", got)
	}

	c.Put("bbb", payload{Value: "2"})
	c.Put("ccc", payload{Value: "3"})

	names, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Errorf("cache holds %d files, want 2 after eviction", len(names))
	}
}

func TestL2DropsTornEntries(t *testing.T) {
	dir := t.TempDir()
	c, err := newL2Cache(dir, 10)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "torn"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	var v struct{}
	if c.Get("torn", &v) {
		t.Error("torn entry served as a hit")
	}
	if _, err := os.Stat(filepath.Join(dir, "torn")); !os.IsNotExist(err) {
		t.Error("torn entry not removed")
	}
}

func TestL2RehydratesIndexAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	c1, err := newL2Cache(dir, 10)
	if err != nil {
		t.Fatal(err)
	}
	c1.Put("persisted", map[string]string{"k": "v"})

	c2, err := newL2Cache(dir, 10)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if !c2.Get("persisted", &got) || got["k"] != "v" {
		t.Errorf("entry lost across restart: %+v", got)
	}
}
