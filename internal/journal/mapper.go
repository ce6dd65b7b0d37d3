package journal

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// windowSize is the granularity the mapper maps at. Large enough that
// sequential appends and bisection walks rarely leave the current window,
// small enough that sparse access over a large archive does not pin the
// whole file.
const windowSize = 8 << 20

// mapCategory selects the preferred-window slot a request consults first.
// Each object type gets its own slot so an entry walk and a data lookup do
// not evict each other's locality hint; one extra slot pins the header.
type mapCategory int

const (
	mapHeader mapCategory = iota
	mapData
	mapField
	mapEntry
	mapDataHashTable
	mapFieldHashTable
	mapEntryArray
	mapTag

	mapCategories
)

func categoryFor(t ObjectType) mapCategory {
	switch t {
	case ObjectData:
		return mapData
	case ObjectField:
		return mapField
	case ObjectEntry:
		return mapEntry
	case ObjectDataHashTable:
		return mapDataHashTable
	case ObjectFieldHashTable:
		return mapFieldHashTable
	case ObjectEntryArray:
		return mapEntryArray
	case ObjectTag:
		return mapTag
	default:
		return mapHeader
	}
}

type window struct {
	offset uint64
	size   uint64
	b      []byte

	keepAlways bool
}

func (w *window) contains(offset, size uint64) bool {
	return offset >= w.offset && offset+size <= w.offset+w.size
}

// mapper hands out byte views of one journal file by memory-mapping it in
// page-aligned windows. Windows are never unmapped before Close: views
// returned earlier alias the mappings, and Go gives no way to revoke a
// slice, so reclaiming address space early would turn a stale view into a
// crash. A file holds at most a few windows in practice.
//
// Any syscall failure while mapping, and any stat that shows the file was
// deleted under us, latches the fault flag; from then on every request
// fails with ErrFault until the file is reopened.
type mapper struct {
	mu sync.Mutex

	f        *os.File
	writable bool
	pageSize uint64

	windows   []*window
	preferred [mapCategories]*window

	sizeConfirmed uint64
	faulted       bool

	nHit  uint64
	nMiss uint64
}

func newMapper(f *os.File, writable bool) *mapper {
	return &mapper{
		f:        f,
		writable: writable,
		pageSize: uint64(os.Getpagesize()),
	}
}

// get returns a view of [offset, offset+size). The slice aliases the
// mapping: writes to it (on a writable mapper) go straight to the page
// cache. The view stays valid until close.
func (m *mapper) get(c mapCategory, keepAlways bool, offset, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, errors.Wrap(ErrInvalid, "mapper: empty request")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.faulted {
		return nil, ErrFault
	}

	// Preferred window for the category first, then all windows.
	if w := m.preferred[c]; w != nil && w.contains(offset, size) {
		m.nHit++
		w.keepAlways = w.keepAlways || keepAlways
		return w.b[offset-w.offset : offset-w.offset+size], nil
	}
	for _, w := range m.windows {
		if w.contains(offset, size) {
			m.nHit++
			w.keepAlways = w.keepAlways || keepAlways
			m.preferred[c] = w
			return w.b[offset-w.offset : offset-w.offset+size], nil
		}
	}

	m.nMiss++
	w, err := m.addWindow(offset, size)
	if err != nil {
		return nil, err
	}
	w.keepAlways = keepAlways
	m.preferred[c] = w
	return w.b[offset-w.offset : offset-w.offset+size], nil
}

func (m *mapper) addWindow(offset, size uint64) (*window, error) {
	fileSize, err := m.confirmSizeLocked(offset + size)
	if err != nil {
		return nil, err
	}
	if offset+size > fileSize {
		return nil, badMessage("mapper: request %d+%d beyond file size %d", offset, size, fileSize)
	}

	woff := offset &^ (m.pageSize - 1)
	wsize := size + (offset - woff)
	if wsize < windowSize {
		wsize = windowSize
	}
	wsize = (wsize + m.pageSize - 1) &^ (m.pageSize - 1)
	if woff+wsize > fileSize {
		wsize = fileSize - woff
	}

	prot := unix.PROT_READ
	if m.writable {
		prot |= unix.PROT_WRITE
	}
	b, err := unix.Mmap(int(m.f.Fd()), int64(woff), int(wsize), prot, unix.MAP_SHARED)
	if err != nil {
		m.faulted = true
		return nil, errors.Wrap(err, "mapper: mmap")
	}

	w := &window{offset: woff, size: wsize, b: b}
	m.windows = append(m.windows, w)
	return w, nil
}

// confirmSizeLocked re-stats the file when the requested extent is past
// the last size we saw. Mapping beyond the real end of the file would make
// later access fault, and a deleted backing file means every page we have
// not touched yet may be gone too.
func (m *mapper) confirmSizeLocked(need uint64) (uint64, error) {
	if need <= m.sizeConfirmed {
		return m.sizeConfirmed, nil
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(m.f.Fd()), &st); err != nil {
		m.faulted = true
		return 0, errors.Wrap(err, "mapper: fstat")
	}
	if st.Nlink == 0 {
		m.faulted = true
		return 0, errors.Wrap(ErrFault, "mapper: file deleted")
	}
	m.sizeConfirmed = uint64(st.Size)
	return m.sizeConfirmed, nil
}

// invalidateSize forgets the confirmed size so the next request re-stats.
// Called after the file is grown.
func (m *mapper) invalidateSize() {
	m.mu.Lock()
	m.sizeConfirmed = 0
	m.mu.Unlock()
}

// fault reports whether an earlier I/O error poisoned the mapping.
func (m *mapper) fault() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.faulted
}

// setFault latches the fault flag from outside the mapper, for write
// syscalls (fallocate, msync) that failed on the same backing file.
func (m *mapper) setFault() {
	m.mu.Lock()
	m.faulted = true
	m.mu.Unlock()
}

// sync flushes all writable windows to disk.
func (m *mapper) sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.writable {
		return nil
	}
	for _, w := range m.windows {
		if err := unix.Msync(w.b, unix.MS_SYNC); err != nil {
			m.faulted = true
			return errors.Wrap(err, "mapper: msync")
		}
	}
	return nil
}

// stats returns window cache hit/miss counters and the mapped window count.
func (m *mapper) stats() (hit, miss uint64, windows int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nHit, m.nMiss, len(m.windows)
}

// close unmaps every window. No view handed out earlier may be used after
// this returns.
func (m *mapper) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, w := range m.windows {
		if err := unix.Munmap(w.b); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "mapper: munmap")
		}
	}
	m.windows = nil
	for i := range m.preferred {
		m.preferred[i] = nil
	}
	return firstErr
}
