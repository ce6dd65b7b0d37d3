package journal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func tempMapped(t *testing.T, size int64, writable bool) *mapper {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "m"), os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })

	m := newMapper(f, writable)
	t.Cleanup(func() { _ = m.close() })
	return m
}

func TestMapperWriteThrough(t *testing.T) {
	m := tempMapped(t, 4096, true)

	b, err := m.get(mapHeader, true, 0, 64)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	copy(b, "written through the mapping")

	if err := m.sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	raw := make([]byte, 27)
	if _, err := m.f.ReadAt(raw, 0); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(raw, []byte("written through the mapping")) {
		t.Fatalf("got %q", raw)
	}
}

func TestMapperReusesWindows(t *testing.T) {
	m := tempMapped(t, 1<<20, false)

	if _, err := m.get(mapEntry, false, 0, 128); err != nil {
		t.Fatalf("get: %v", err)
	}
	// A second request inside the same window must not map again.
	if _, err := m.get(mapEntry, false, 4096, 128); err != nil {
		t.Fatalf("get: %v", err)
	}
	hit, miss, windows := m.stats()
	if windows != 1 {
		t.Fatalf("want 1 window, got %d", windows)
	}
	if hit != 1 || miss != 1 {
		t.Fatalf("want 1 hit 1 miss, got %d/%d", hit, miss)
	}
}

func TestMapperRefusesBeyondFileSize(t *testing.T) {
	m := tempMapped(t, 4096, false)

	if _, err := m.get(mapData, false, 4000, 200); !errors.Is(err, ErrBadMessage) {
		t.Fatalf("want ErrBadMessage, got %v", err)
	}
}

func TestMapperSeesGrowthAfterInvalidate(t *testing.T) {
	m := tempMapped(t, 4096, true)

	if _, err := m.get(mapData, false, 0, 4096); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := m.f.Truncate(1 << 20); err != nil {
		t.Fatalf("grow: %v", err)
	}
	m.invalidateSize()

	if _, err := m.get(mapData, false, 8192, 4096); err != nil {
		t.Fatalf("get after growth: %v", err)
	}
}
