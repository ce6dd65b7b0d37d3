package journal

import (
	"bytes"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/rzbill/jot/pkg/id"
)

// Entry is one decoded log entry.
type Entry struct {
	Offset uint64

	Seqnum    uint64
	Realtime  uint64 // microseconds since the epoch
	Monotonic uint64 // microseconds on the boot clock
	BootID    id.ID128
	XORHash   uint64

	// Items are the FIELD=value payloads, decompressed.
	Items [][]byte
}

// Time returns the wall clock timestamp of the entry.
func (e *Entry) Time() time.Time { return time.UnixMicro(int64(e.Realtime)) }

// Append writes one entry with the given FIELD=value items, stamped with
// the current clocks. It returns the assigned sequence number and the
// entry's offset.
func (f *File) Append(items [][]byte) (seqnum, offset uint64, err error) {
	return f.AppendWithTime(nowRealtime(), nowMonotonic(), items)
}

// AppendWithTime is Append with caller-provided clock values, for feeding
// entries that carry their own timestamps.
func (f *File) AppendWithTime(realtime, monotonic uint64, items [][]byte) (seqnum, offset uint64, err error) {
	if len(items) == 0 {
		return 0, 0, errors.Wrap(ErrInvalid, "entry without items")
	}
	if realtime == 0 {
		return 0, 0, errors.Wrap(ErrInvalid, "zero timestamp")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, 0, errors.Wrap(ErrInvalid, "file closed")
	}

	bootID, _ := id.BootID()

	// Monotonic seeks bisect the entries of one boot through the
	// _BOOT_ID= data object, so every entry carries it.
	hasBoot := false
	for _, item := range items {
		if bytes.HasPrefix(item, []byte("_BOOT_ID=")) {
			hasBoot = true
			break
		}
	}
	if !hasBoot {
		items = append(items[:len(items):len(items)], []byte("_BOOT_ID="+bootID.String()))
	}

	// The monotonic clock going backwards within one boot means entries
	// would no longer bisect; refuse rather than write a file that lies.
	if f.hdr.u64(hdrNEntries) > 0 &&
		f.hdr.bootID() == bootID &&
		monotonic < f.lastMonotonic {
		return 0, 0, errors.Wrapf(ErrInvalid, "monotonic clock went backwards (%d < %d)", monotonic, f.lastMonotonic)
	}

	// Store every payload first. Duplicates collapse onto existing
	// objects; the entry only carries references.
	entItems := make([]entryItem, 0, len(items))
	var xorHash uint64
	for _, item := range items {
		o, err := f.appendData(item)
		if err != nil {
			return 0, 0, err
		}
		h := hashPayload(item)
		xorHash ^= h
		entItems = append(entItems, entryItem{ObjectOffset: o.Offset, Hash: h})
	}

	// Items are stored sorted by object offset and deduplicated, which
	// makes entries with the same item set bitwise comparable.
	sort.Slice(entItems, func(i, j int) bool {
		return entItems[i].ObjectOffset < entItems[j].ObjectOffset
	})
	uniq := entItems[:1]
	for _, it := range entItems[1:] {
		if it.ObjectOffset != uniq[len(uniq)-1].ObjectOffset {
			uniq = append(uniq, it)
		}
	}
	entItems = uniq

	seqnum = f.hdr.u64(hdrTailEntrySeqnum) + 1

	o, err := f.appendObject(ObjectEntry, entryItems+uint64(len(entItems))*entryItemSize)
	if err != nil {
		return 0, 0, err
	}
	o.setEntrySeqnum(seqnum)
	o.setEntryRealtime(realtime)
	o.setEntryMonotonic(monotonic)
	o.setEntryBootID(bootID)
	o.setEntryXORHash(xorHash)
	for i, it := range entItems {
		o.setEntryItem(uint64(i), it)
	}

	if err := f.linkEntry(o, entItems); err != nil {
		return 0, 0, err
	}

	f.lastRealtime = realtime
	f.lastMonotonic = monotonic
	entriesAppended.Inc()

	return seqnum, o.Offset, nil
}

// linkEntry threads a freshly appended entry into the global entry array
// chain, the per-data chains of each referenced data object, and the
// header counters. Only after this the entry is findable.
func (f *File) linkEntry(o Object, items []entryItem) error {
	nEntries := f.hdr.u64(hdrNEntries)

	err := f.linkEntryIntoArray(
		func() uint64 { return f.hdr.u64(hdrEntryArrayOffset) },
		func(v uint64) { f.hdr.setU64(hdrEntryArrayOffset, v) },
		nEntries, o.Offset)
	if err != nil {
		return err
	}

	for _, it := range items {
		if err := f.linkEntryItem(o.Offset, it.ObjectOffset); err != nil {
			return err
		}
	}

	h := f.hdr
	if nEntries == 0 {
		h.setU64(hdrHeadEntrySeqnum, o.entrySeqnum())
		h.setU64(hdrHeadEntryRealtime, o.entryRealtime())
	}
	h.setU64(hdrNEntries, nEntries+1)
	h.setU64(hdrTailEntrySeqnum, o.entrySeqnum())
	h.setU64(hdrTailEntryRealtime, o.entryRealtime())
	h.setU64(hdrTailEntryMonotonic, o.entryMonotonic())

	return nil
}

// linkEntryItem records in a data object that entry entryOffset references
// it. The first referencing entry is stored inline in the data object;
// later ones go to the data object's own entry array chain.
func (f *File) linkEntryItem(entryOffset, dataOffset uint64) error {
	d, err := f.moveToObject(ObjectData, dataOffset)
	if err != nil {
		return err
	}

	n := d.dataNEntries()
	if n == 0 {
		d.setDataEntryOffset(entryOffset)
	} else {
		err := f.linkEntryIntoArray(
			func() uint64 { return d.dataEntryArray() },
			func(v uint64) { d.setDataEntryArray(v) },
			n-1, entryOffset)
		if err != nil {
			return err
		}
	}
	d.setDataNEntries(n + 1)
	return nil
}

// linkEntryIntoArray puts entry offset p at logical index i of an entry
// array chain. Arrays double in capacity as the chain grows, so a chain of
// length n is O(log n) arrays deep.
func (f *File) linkEntryIntoArray(head func() uint64, setHead func(uint64), i, p uint64) error {
	var prev Object
	havePrev := false

	rest := i
	a := head()
	for a != 0 {
		o, err := f.moveToObject(ObjectEntryArray, a)
		if err != nil {
			return err
		}
		if n := o.entryArrayNItems(); rest < n {
			if o.entryArrayItem(rest) != 0 {
				return badMessage("entry array slot %d at %d already linked", rest, a)
			}
			o.setEntryArrayItem(rest, p)
			return nil
		}
		rest -= o.entryArrayNItems()
		prev, havePrev = o, true
		a = o.entryArrayNext()
	}

	n := 2 * i
	if n < 4 {
		n = 4
	}
	o, err := f.appendObject(ObjectEntryArray, entryArrayItems+n*8)
	if err != nil {
		return err
	}
	o.setEntryArrayItem(rest, p)

	if havePrev {
		prev.setEntryArrayNext(o.Offset)
	} else {
		setHead(o.Offset)
	}
	if f.hdr.contains(hdrNEntryArrays) {
		f.hdr.setU64(hdrNEntryArrays, f.hdr.u64(hdrNEntryArrays)+1)
	}
	return nil
}

// readEntry decodes the entry object at offset, resolving every item to
// its payload.
func (f *File) readEntry(offset uint64) (*Entry, error) {
	o, err := f.moveToObject(ObjectEntry, offset)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		Offset:    offset,
		Seqnum:    o.entrySeqnum(),
		Realtime:  o.entryRealtime(),
		Monotonic: o.entryMonotonic(),
		BootID:    o.entryBootID(),
		XORHash:   o.entryXORHash(),
		Items:     make([][]byte, 0, o.entryNItems()),
	}
	for i := uint64(0); i < o.entryNItems(); i++ {
		it := o.entryItem(i)
		d, err := f.moveToObject(ObjectData, it.ObjectOffset)
		if err != nil {
			return nil, errors.WithMessagef(err, "entry at %d, item %d", offset, i)
		}
		payload, err := decompressPayload(d, d.dataPayloadBytes())
		if err != nil {
			return nil, err
		}
		// Copy out: the caller must not hold references into the mapping.
		cp := make([]byte, len(payload))
		copy(cp, payload)
		e.Items = append(e.Items, cp)
	}
	return e, nil
}

// ReadEntry returns the decoded entry at the given offset, as previously
// returned by an append or a query.
func (f *File) ReadEntry(offset uint64) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readEntry(offset)
}

// NEntries returns the number of entries in the file.
func (f *File) NEntries() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hdr.u64(hdrNEntries)
}

// Fields lists all field names ever used in the file.
func (f *File) Fields() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, err := f.fieldHashTable()
	if err != nil {
		return nil, err
	}

	var out []string
	for b := uint64(0); b < t.nBuckets(); b++ {
		depth := f.hdr.u64(hdrNObjects)
		for p := t.head(b); p != 0; {
			if depth == 0 {
				return nil, badMessage("field hash chain cycle at %d", p)
			}
			depth--

			o, err := f.moveToObject(ObjectField, p)
			if err != nil {
				return nil, err
			}
			out = append(out, string(o.fieldPayloadBytes()))
			p = o.fieldNextHash()
		}
	}
	sort.Strings(out)
	return out, nil
}
