package journal

import (
	"github.com/pkg/errors"

	"github.com/rzbill/jot/pkg/id"
)

// Direction orients queries and iteration: Down walks from oldest to
// newest, Up from newest to oldest. Seeks resolve to the nearest entry in
// the given direction when the needle does not match exactly.
type Direction int

const (
	DirectionDown Direction = iota
	DirectionUp
)

type testResult int

const (
	testFound testResult = iota
	testLeft             // object lies before the needle
	testRight            // object lies after the needle
)

// testFunc orders the entry at offset p against a needle.
type testFunc func(f *File, p, needle uint64) (testResult, error)

const noIndex = ^uint64(0)

// chainCache remembers, per entry array chain, how far along the chain the
// last lookup got. Chains are only ever walked forward, so a later lookup
// that lands past the cached point can skip straight to it instead of
// re-walking the head of the chain. Bounded; the oldest chain is evicted.
const chainCacheMax = 20

type chainCacheItem struct {
	first     uint64 // chain head, the cache key
	array     uint64 // cached array within the chain
	begin     uint64 // first entry offset in the cached array
	total     uint64 // entries in all arrays before the cached one
	lastIndex uint64 // last in-array index looked at
}

type chainCache struct {
	m     map[uint64]*chainCacheItem
	order []uint64 // insertion order, oldest first
}

func newChainCache() *chainCache {
	return &chainCache{m: make(map[uint64]*chainCacheItem)}
}

func (c *chainCache) get(first uint64) *chainCacheItem { return c.m[first] }

func (c *chainCache) put(ci *chainCacheItem, first, array, begin, total, lastIndex uint64) {
	if ci == nil {
		// Caching the head of the chain saves nothing.
		if array == first {
			return
		}
		if len(c.m) >= chainCacheMax {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.m, oldest)
		}
		ci = &chainCacheItem{first: first}
		c.m[first] = ci
		c.order = append(c.order, first)
	}
	ci.array = array
	ci.begin = begin
	ci.total = total
	ci.lastIndex = lastIndex
}

// genericArrayGet returns the entry offset at logical index i of an entry
// array chain. ok is false when i is past the end of the chain.
func (f *File) genericArrayGet(first, i uint64) (p uint64, ok bool, err error) {
	a := first
	t := uint64(0)

	ci := f.chains.get(first)
	if ci != nil && i > ci.total {
		a = ci.array
		i -= ci.total
		t = ci.total
	}

	for a > 0 {
		o, err := f.moveToObject(ObjectEntryArray, a)
		if err != nil {
			return 0, false, err
		}
		if k := o.entryArrayNItems(); i < k {
			p = o.entryArrayItem(i)
			f.chains.put(ci, first, a, o.entryArrayItem(0), t, i)

			if _, err := f.moveToObject(ObjectEntry, p); err != nil {
				return 0, false, err
			}
			return p, true, nil
		} else {
			i -= k
			t += k
		}
		a = o.entryArrayNext()
	}
	return 0, false, nil
}

// genericArrayGetPlusOne is genericArrayGet over a chain whose logical
// index 0 lives inline outside the chain (the data object's first-entry
// slot).
func (f *File) genericArrayGetPlusOne(extra, first, i uint64) (uint64, bool, error) {
	if i == 0 {
		if _, err := f.moveToObject(ObjectEntry, extra); err != nil {
			return 0, false, err
		}
		return extra, true, nil
	}
	return f.genericArrayGet(first, i-1)
}

// genericArrayBisect finds, among the n entries of an array chain, the
// entry nearest the needle in the given direction. A corrupt slot shrinks
// the search range and the bisection continues over what is readable
// instead of failing the query.
func (f *File) genericArrayBisect(first, n, needle uint64, test testFunc, direction Direction) (offset, idx uint64, ok bool, err error) {
	var (
		a           = first
		t           = uint64(0)
		i           = uint64(0)
		lastP       = uint64(0)
		lastIndex   = noIndex
		subtractOne = false
		array       Object
	)

	ci := f.chains.get(first)
	if ci != nil && n > ci.total {
		// The cache can only skip forward in the chain, so make sure the
		// needle is not before the cached array.
		r, err := test(f, ci.begin, needle)
		if err != nil {
			return 0, 0, false, err
		}
		if r == testLeft {
			a = ci.array
			n -= ci.total
			t = ci.total
			lastIndex = ci.lastIndex
		}
	}

	for a > 0 {
		o, err := f.moveToObject(ObjectEntryArray, a)
		if err != nil {
			return 0, 0, false, err
		}
		array = o

		k := o.entryArrayNItems()
		right := k
		if right > n {
			right = n
		}
		if right == 0 {
			return 0, 0, false, nil
		}

		i = right - 1
		lp := o.entryArrayItem(i)
		p := lp

		var r testResult
		if p == 0 {
			err = badMessage("nil entry array slot at %d[%d]", a, i)
		} else {
			r, err = test(f, p, needle)
		}
		if errors.Is(err, ErrBadMessage) {
			f.log.WithError(err).Debug("invalid entry while bisecting, cutting range short")
			n = i
			continue
		}
		if err != nil {
			return 0, 0, false, err
		}

		if r == testFound {
			if direction == DirectionDown {
				r = testRight
			} else {
				r = testLeft
			}
		}

		if r == testRight {
			left := uint64(0)
			right--

			// Try the neighbors of the last index we looked at first;
			// sequential readers bisect for adjacent needles and this
			// keeps them from jumping across the whole array every time.
			if lastIndex != noIndex && lastIndex <= right {
				if lastIndex > 0 {
					x := lastIndex - 1
					p = o.entryArrayItem(x)
					if p == 0 {
						return 0, 0, false, badMessage("nil entry array slot at %d[%d]", a, x)
					}
					r, err = test(f, p, needle)
					if err != nil {
						return 0, 0, false, err
					}
					if r == testFound {
						if direction == DirectionDown {
							r = testRight
						} else {
							r = testLeft
						}
					}
					if r == testRight {
						right = x
					} else {
						left = x + 1
					}
				}

				if lastIndex < right {
					y := lastIndex + 1
					p = o.entryArrayItem(y)
					if p == 0 {
						return 0, 0, false, badMessage("nil entry array slot at %d[%d]", a, y)
					}
					r, err = test(f, p, needle)
					if err != nil {
						return 0, 0, false, err
					}
					if r == testFound {
						if direction == DirectionDown {
							r = testRight
						} else {
							r = testLeft
						}
					}
					if r == testRight {
						right = y
					} else {
						left = y + 1
					}
				}
			}

			for {
				if left == right {
					if direction == DirectionUp {
						subtractOne = true
					}
					i = left
					goto found
				}

				i = (left + right) / 2
				p = o.entryArrayItem(i)

				if p == 0 {
					err = badMessage("nil entry array slot at %d[%d]", a, i)
				} else {
					r, err = test(f, p, needle)
				}
				if errors.Is(err, ErrBadMessage) {
					f.log.WithError(err).Debug("invalid entry while bisecting, cutting range short")
					right = i
					n = i
					continue
				}
				if err != nil {
					return 0, 0, false, err
				}

				if r == testFound {
					if direction == DirectionDown {
						r = testRight
					} else {
						r = testLeft
					}
				}
				if r == testRight {
					right = i
				} else {
					left = i + 1
				}
			}
		}

		if k >= n {
			if direction == DirectionUp {
				i = n
				subtractOne = true
				goto found
			}
			return 0, 0, false, nil
		}

		lastP = lp
		n -= k
		t += k
		lastIndex = noIndex
		a = o.entryArrayNext()
	}
	return 0, 0, false, nil

found:
	if subtractOne && t == 0 && i == 0 {
		return 0, 0, false, nil
	}

	cachedIndex := i
	if subtractOne {
		if i > 0 {
			cachedIndex = i - 1
		} else {
			cachedIndex = noIndex
		}
	}
	f.chains.put(ci, first, a, array.entryArrayItem(0), t, cachedIndex)

	var p uint64
	switch {
	case subtractOne && i == 0:
		p = lastP
	case subtractOne:
		p = array.entryArrayItem(i - 1)
	default:
		p = array.entryArrayItem(i)
	}

	if _, err := f.moveToObject(ObjectEntry, p); err != nil {
		return 0, 0, false, err
	}

	idx = t + i
	if subtractOne {
		idx--
	}
	return p, idx, true, nil
}

// genericArrayBisectPlusOne runs genericArrayBisect over a plus-one chain:
// the inline extra entry is logical index 0, the chain holds the rest.
func (f *File) genericArrayBisectPlusOne(extra, first, n, needle uint64, test testFunc, direction Direction) (offset, idx uint64, ok bool, err error) {
	if n == 0 {
		return 0, 0, false, nil
	}

	stepBack := false

	r, err := test(f, extra, needle)
	if err != nil {
		return 0, 0, false, err
	}
	if r == testFound {
		if direction == DirectionDown {
			r = testRight
		} else {
			r = testLeft
		}
	}

	// Going up, the extra entry is the answer only if nothing in the
	// chain proper matches; remember it for that case.
	if r == testLeft {
		stepBack = direction == DirectionUp
	}

	if r == testRight {
		if direction == DirectionDown {
			goto found
		}
		return 0, 0, false, nil
	}

	offset, idx, ok, err = f.genericArrayBisect(first, n-1, needle, test, direction)
	if err != nil {
		return 0, 0, false, err
	}
	if !ok && stepBack {
		goto found
	}
	if ok {
		idx++
	}
	return offset, idx, ok, nil

found:
	if _, err := f.moveToObject(ObjectEntry, extra); err != nil {
		return 0, 0, false, err
	}
	return extra, 0, true, nil
}

func testObjectOffset(f *File, p, needle uint64) (testResult, error) {
	switch {
	case p == needle:
		return testFound, nil
	case p < needle:
		return testLeft, nil
	default:
		return testRight, nil
	}
}

func testObjectSeqnum(f *File, p, needle uint64) (testResult, error) {
	o, err := f.moveToObject(ObjectEntry, p)
	if err != nil {
		return 0, err
	}
	switch sq := o.entrySeqnum(); {
	case sq == needle:
		return testFound, nil
	case sq < needle:
		return testLeft, nil
	default:
		return testRight, nil
	}
}

func testObjectRealtime(f *File, p, needle uint64) (testResult, error) {
	o, err := f.moveToObject(ObjectEntry, p)
	if err != nil {
		return 0, err
	}
	switch rt := o.entryRealtime(); {
	case rt == needle:
		return testFound, nil
	case rt < needle:
		return testLeft, nil
	default:
		return testRight, nil
	}
}

func testObjectMonotonic(f *File, p, needle uint64) (testResult, error) {
	o, err := f.moveToObject(ObjectEntry, p)
	if err != nil {
		return 0, err
	}
	switch mt := o.entryMonotonic(); {
	case mt == needle:
		return testFound, nil
	case mt < needle:
		return testLeft, nil
	default:
		return testRight, nil
	}
}

// SeekSeqnum returns the entry nearest the given sequence number in the
// given direction, or ErrNotFound.
func (f *File) SeekSeqnum(seqnum uint64, direction Direction) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, _, ok, err := f.genericArrayBisect(
		f.hdr.u64(hdrEntryArrayOffset), f.hdr.u64(hdrNEntries),
		seqnum, testObjectSeqnum, direction)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return f.readEntry(p)
}

// SeekRealtime returns the entry nearest the given wall clock timestamp
// (microseconds since the epoch) in the given direction.
func (f *File) SeekRealtime(usec uint64, direction Direction) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, _, ok, err := f.genericArrayBisect(
		f.hdr.u64(hdrEntryArrayOffset), f.hdr.u64(hdrNEntries),
		usec, testObjectRealtime, direction)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return f.readEntry(p)
}

// SeekMonotonic returns the entry nearest the given boot clock timestamp
// within one boot. The boot clock only orders entries of the same boot, so
// the bisection runs over the entries carrying that boot id.
func (f *File) SeekMonotonic(bootID id.ID128, usec uint64, direction Direction) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, err := f.findDataObject([]byte("_BOOT_ID=" + bootID.String()))
	if err != nil {
		return nil, err
	}

	p, _, ok, err := f.genericArrayBisectPlusOne(
		d.dataEntryOffset(), d.dataEntryArray(), d.dataNEntries(),
		usec, testObjectMonotonic, direction)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return f.readEntry(p)
}

// SeekHead returns the first entry, SeekTail the last.
func (f *File) SeekHead() (*Entry, error) { return f.Next(0, DirectionDown) }
func (f *File) SeekTail() (*Entry, error) { return f.Next(0, DirectionUp) }

func bumpArrayIndex(i *uint64, direction Direction, n uint64) bool {
	if direction == DirectionDown {
		if *i >= n-1 {
			return false
		}
		*i++
	} else {
		if *i == 0 {
			return false
		}
		*i--
	}
	return true
}

func properlyOrdered(newOffset, oldOffset uint64, direction Direction) bool {
	if oldOffset == 0 || newOffset == 0 {
		return false
	}
	if direction == DirectionDown {
		return newOffset > oldOffset
	}
	return newOffset < oldOffset
}

// Next returns the entry following (or preceding, for DirectionUp) the
// entry at offset p. With p == 0 it returns the first entry in that
// direction. Returns ErrNotFound at the end of the file. Corrupt entries
// in between are skipped; a chain that stops being monotonic in file
// offsets is reported as corruption instead of looping.
func (f *File) Next(p uint64, direction Direction) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ofs, err := f.nextEntryOffset(p, direction)
	if err != nil {
		return nil, err
	}
	return f.readEntry(ofs)
}

func (f *File) nextEntryOffset(p uint64, direction Direction) (uint64, error) {
	n := f.hdr.u64(hdrNEntries)
	if n == 0 {
		return 0, ErrNotFound
	}

	var i uint64
	if p == 0 {
		if direction == DirectionDown {
			i = 0
		} else {
			i = n - 1
		}
	} else {
		_, idx, ok, err := f.genericArrayBisect(
			f.hdr.u64(hdrEntryArrayOffset), n,
			p, testObjectOffset, DirectionDown)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrNotFound
		}
		i = idx
		if !bumpArrayIndex(&i, direction, n) {
			return 0, ErrNotFound
		}
	}

	for {
		ofs, ok, err := f.genericArrayGet(f.hdr.u64(hdrEntryArrayOffset), i)
		if err == nil && !ok {
			return 0, ErrNotFound
		}
		if err == nil {
			if p > 0 && !properlyOrdered(ofs, p, direction) {
				return 0, badMessage("entry array not properly ordered at index %d", i)
			}
			return ofs, nil
		}
		if !errors.Is(err, ErrBadMessage) {
			return 0, err
		}

		// Likely a torn write at the tail; see whether a neighbor works.
		corruptSkips.Inc()
		f.log.WithError(err).WithField("index", i).Warn("bad entry, skipping over it")
		if !bumpArrayIndex(&i, direction, n) {
			return 0, ErrNotFound
		}
	}
}

// NextForData is Next restricted to entries referencing the data object
// with the given FIELD=value payload.
func (f *File) NextForData(payload []byte, p uint64, direction Direction) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, err := f.findDataObject(payload)
	if err != nil {
		return nil, err
	}

	n := d.dataNEntries()
	if n == 0 {
		return nil, ErrNotFound
	}

	var i uint64
	if p == 0 {
		if direction == DirectionDown {
			i = 0
		} else {
			i = n - 1
		}
	} else {
		_, idx, ok, err := f.genericArrayBisectPlusOne(
			d.dataEntryOffset(), d.dataEntryArray(), n,
			p, testObjectOffset, DirectionDown)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
		i = idx
		if !bumpArrayIndex(&i, direction, n) {
			return nil, ErrNotFound
		}
	}

	for {
		ofs, ok, err := f.genericArrayGetPlusOne(d.dataEntryOffset(), d.dataEntryArray(), i)
		if err == nil && !ok {
			return nil, ErrNotFound
		}
		if err == nil {
			if p > 0 && !properlyOrdered(ofs, p, direction) {
				return nil, badMessage("data entry array not properly ordered at index %d", i)
			}
			return f.readEntry(ofs)
		}
		if !errors.Is(err, ErrBadMessage) {
			return nil, err
		}

		corruptSkips.Inc()
		f.log.WithError(err).WithField("index", i).Warn("bad data entry, skipping over it")
		if !bumpArrayIndex(&i, direction, n) {
			return nil, ErrNotFound
		}
	}
}

// SeekSeqnumForData and SeekRealtimeForData are the data-scoped variants
// of the global seeks, bisecting only entries that carry the payload.
func (f *File) SeekSeqnumForData(payload []byte, seqnum uint64, direction Direction) (*Entry, error) {
	return f.seekForData(payload, seqnum, testObjectSeqnum, direction)
}

func (f *File) SeekRealtimeForData(payload []byte, usec uint64, direction Direction) (*Entry, error) {
	return f.seekForData(payload, usec, testObjectRealtime, direction)
}

func (f *File) seekForData(payload []byte, needle uint64, test testFunc, direction Direction) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, err := f.findDataObject(payload)
	if err != nil {
		return nil, err
	}

	p, _, ok, err := f.genericArrayBisectPlusOne(
		d.dataEntryOffset(), d.dataEntryArray(), d.dataNEntries(),
		needle, test, direction)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return f.readEntry(p)
}
