package journal

import "testing"

func TestDeriveDefaults(t *testing.T) {
	m := Metrics{}.Derive(t.TempDir())

	if m.MaxUse == 0 || m.MaxSize == 0 || m.MinSize == 0 || m.KeepFree == 0 {
		t.Fatalf("unset limits not derived: %+v", m)
	}
	if m.MaxSize < fileSizeMin {
		t.Fatalf("max size %d below floor", m.MaxSize)
	}
	if m.MaxSize > defaultMaxSizeUpper {
		t.Fatalf("max size %d above ceiling", m.MaxSize)
	}
	if m.MinSize > m.MaxSize {
		t.Fatalf("min size %d above max size %d", m.MinSize, m.MaxSize)
	}
	if m.MaxSize*2 > m.MaxUse {
		t.Fatalf("max use %d cannot hold two files of %d", m.MaxUse, m.MaxSize)
	}
	if m.MaxFiles != defaultMaxFiles {
		t.Fatalf("want %d max files, got %d", defaultMaxFiles, m.MaxFiles)
	}
}

func TestDeriveRespectsExplicitLimits(t *testing.T) {
	m := Metrics{MaxSize: 1 << 20, KeepFree: 42}.Derive(t.TempDir())

	if m.MaxSize != 1<<20 {
		t.Fatalf("explicit max size changed to %d", m.MaxSize)
	}
	if m.KeepFree != 42 {
		t.Fatalf("explicit keep free changed to %d", m.KeepFree)
	}
	if m.MaxUse < m.MaxSize*2 {
		t.Fatalf("max use %d below twice max size", m.MaxUse)
	}
}

func TestDeriveClampsTinyMaxSize(t *testing.T) {
	m := Metrics{MaxSize: 1}.Derive(t.TempDir())
	if m.MaxSize != fileSizeMin {
		t.Fatalf("want %d, got %d", uint64(fileSizeMin), m.MaxSize)
	}
}
