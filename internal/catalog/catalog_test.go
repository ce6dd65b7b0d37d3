package catalog

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/rzbill/jot/internal/journal"
)

func seedDir(t *testing.T, files map[string]int) string {
	t.Helper()
	dir := t.TempDir()
	rt := uint64(1000000)
	for name, n := range files {
		f, err := journal.Open(filepath.Join(dir, name), journal.Options{
			Writable: true,
			Create:   true,
			Metrics:  journal.Metrics{MaxSize: 16 << 20, KeepFree: 1},
		})
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		for i := 0; i < n; i++ {
			if _, _, err := f.AppendWithTime(rt, uint64(i+1), [][]byte{[]byte("MESSAGE=x")}); err != nil {
				t.Fatalf("append: %v", err)
			}
			rt += 1000
		}
		if err := f.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	return dir
}

func openCatalog(t *testing.T, dir string) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(dir, ".catalog"), nil)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRescanAndList(t *testing.T) {
	dir := seedDir(t, map[string]int{"a.journal": 3, "b.journal": 2})
	c := openCatalog(t, dir)

	if err := c.Rescan(dir); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	entries, err := c.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}

	e, err := c.Get("a.journal")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Entries != 3 {
		t.Fatalf("want 3 entries in a.journal, got %d", e.Entries)
	}
	if e.HeadSeqnum != 1 || e.TailSeqnum != 3 {
		t.Fatalf("seqnum range %d..%d", e.HeadSeqnum, e.TailSeqnum)
	}
}

func TestRescanDropsVanishedFiles(t *testing.T) {
	dir := seedDir(t, map[string]int{"a.journal": 1})
	c := openCatalog(t, dir)

	if err := c.Put(Entry{Name: "gone.journal", Path: "gone"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Rescan(dir); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if _, err := c.Get("gone.journal"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := c.Get("a.journal"); err != nil {
		t.Fatalf("real file dropped: %v", err)
	}
}

func TestCovering(t *testing.T) {
	dir := seedDir(t, map[string]int{"a.journal": 3})
	c := openCatalog(t, dir)
	if err := c.Rescan(dir); err != nil {
		t.Fatalf("rescan: %v", err)
	}

	// a.journal spans 1000000..1002000 and is active (open-ended).
	hits, err := c.Covering(1001000)
	if err != nil || len(hits) != 1 {
		t.Fatalf("want 1 covering file, got %v (%v)", hits, err)
	}
	hits, err = c.Covering(999)
	if err != nil || len(hits) != 0 {
		t.Fatalf("want none before head, got %v (%v)", hits, err)
	}
}
