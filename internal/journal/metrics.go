package journal

import "golang.org/x/sys/unix"

// Size policy limits. Zero values mean "derive a default from the backing
// filesystem", the way Derive does it.
type Metrics struct {
	// MaxUse caps the total disk usage of all journal files in a
	// directory.
	MaxUse uint64
	// MinUse is the usage level vacuuming will not shrink below.
	MinUse uint64
	// MaxSize caps a single file; appends past it fail and suggest
	// rotation.
	MaxSize uint64
	// MinSize is the smallest a file is allowed to be capped to.
	MinSize uint64
	// KeepFree is disk headroom never given to the journal.
	KeepFree uint64
	// MaxFiles caps how many archived files are kept around.
	MaxFiles uint64
}

const (
	fileSizeIncrease = 8 << 20 // growth granularity for allocate

	fileSizeMin = 512 << 10 // minimum sensible per-file cap

	defaultMaxUseLower  = 1 << 20
	defaultMaxUseUpper  = 4 << 30
	defaultMinUse       = 1 << 20
	defaultMaxSizeUpper = 128 << 20
	defaultKeepFree     = 1 << 20
	defaultKeepFreeUpper = 4 << 30
	defaultMaxFiles     = 100
)

func clamp64(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func pageAlign(v uint64) uint64 {
	p := uint64(4096)
	return (v + p - 1) &^ (p - 1)
}

// Derive fills unset limits from the size of the filesystem holding path.
// The defaults follow the usual journal sizing: a tenth of the disk for
// total use, an eighth of that per file, and fifteen percent of the disk
// kept free, each clamped to sane absolute bounds.
func (m Metrics) Derive(path string) Metrics {
	var fsSize uint64
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err == nil {
		fsSize = st.Blocks * uint64(st.Bsize)
	}

	if m.MaxUse == 0 {
		if fsSize > 0 {
			m.MaxUse = clamp64(pageAlign(fsSize/10), defaultMaxUseLower, defaultMaxUseUpper)
		} else {
			m.MaxUse = defaultMaxUseLower
		}
	} else {
		m.MaxUse = pageAlign(m.MaxUse)
		if m.MaxUse < fileSizeIncrease*2 {
			m.MaxUse = fileSizeIncrease * 2
		}
	}

	if m.MinUse == 0 {
		m.MinUse = defaultMinUse
	}
	if m.MinUse > m.MaxUse {
		m.MinUse = m.MaxUse
	}

	if m.MaxSize == 0 {
		m.MaxSize = clamp64(pageAlign(m.MaxUse/8), fileSizeMin, defaultMaxSizeUpper)
	} else {
		m.MaxSize = pageAlign(m.MaxSize)
		if m.MaxSize < fileSizeMin {
			m.MaxSize = fileSizeMin
		}
	}
	if m.MaxSize*2 > m.MaxUse {
		m.MaxUse = m.MaxSize * 2
	}

	if m.MinSize == 0 {
		m.MinSize = fileSizeMin
	} else {
		m.MinSize = clamp64(pageAlign(m.MinSize), fileSizeMin, m.MaxSize)
	}

	if m.KeepFree == 0 {
		if fsSize > 0 {
			m.KeepFree = pageAlign(fsSize * 3 / 20)
			if m.KeepFree > defaultKeepFreeUpper {
				m.KeepFree = defaultKeepFreeUpper
			}
		} else {
			m.KeepFree = defaultKeepFree
		}
	}

	if m.MaxFiles == 0 {
		m.MaxFiles = defaultMaxFiles
	}

	return m
}
