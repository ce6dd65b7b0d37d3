package journal

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"

	"github.com/rzbill/jot/internal/journal/compress"
)

// The two hash tables are fixed-size bucket arrays appended right after
// the header of a fresh file. Each bucket holds head and tail offsets of a
// chain threaded through the objects themselves (next_hash links), so
// inserting at the tail never rewrites the chain.

const (
	defaultDataHashTableItems  = 2047
	defaultFieldHashTableItems = 333
)

func hashPayload(p []byte) uint64 { return murmur3.Sum64(p) }

// setupHashTables sizes and appends the two tables on a fresh file. The
// data table gets roughly one bucket per 768 bytes of eventual file size;
// a table too small degrades every lookup to a chain walk long before the
// file is full.
func (f *File) setupHashTables() error {
	items := f.metrics.MaxSize * 4 / 768 / hashItemSize
	if items < defaultDataHashTableItems {
		items = defaultDataHashTableItems
	}

	o, err := f.appendObject(ObjectDataHashTable, hashTableItems+items*hashItemSize)
	if err != nil {
		return errors.WithMessage(err, "data hash table")
	}
	f.hdr.setU64(hdrDataHashTableOff, o.Offset+hashTableItems)
	f.hdr.setU64(hdrDataHashTableSize, items*hashItemSize)

	o, err = f.appendObject(ObjectFieldHashTable, hashTableItems+defaultFieldHashTableItems*hashItemSize)
	if err != nil {
		return errors.WithMessage(err, "field hash table")
	}
	f.hdr.setU64(hdrFieldHashTableOff, o.Offset+hashTableItems)
	f.hdr.setU64(hdrFieldHashTableSize, defaultFieldHashTableItems*hashItemSize)

	return nil
}

func (f *File) dataHashTable() (hashTable, error) {
	off := f.hdr.u64(hdrDataHashTableOff)
	size := f.hdr.u64(hdrDataHashTableSize)
	if off == 0 || size == 0 || size%hashItemSize != 0 {
		return hashTable{}, badMessage("missing data hash table")
	}
	b, err := f.m.get(mapDataHashTable, true, off, size)
	if err != nil {
		return hashTable{}, err
	}
	return hashTable{b: b}, nil
}

func (f *File) fieldHashTable() (hashTable, error) {
	off := f.hdr.u64(hdrFieldHashTableOff)
	size := f.hdr.u64(hdrFieldHashTableSize)
	if off == 0 || size == 0 || size%hashItemSize != 0 {
		return hashTable{}, badMessage("missing field hash table")
	}
	b, err := f.m.get(mapFieldHashTable, true, off, size)
	if err != nil {
		return hashTable{}, err
	}
	return hashTable{b: b}, nil
}

// findDataObject looks up a data object by payload. Returns ErrNotFound
// when absent.
func (f *File) findDataObject(payload []byte) (Object, error) {
	return f.findDataObjectWithHash(payload, hashPayload(payload))
}

func (f *File) findDataObjectWithHash(payload []byte, hash uint64) (Object, error) {
	t, err := f.dataHashTable()
	if err != nil {
		return Object{}, err
	}

	// A cycle in a corrupt chain must not hang us; no valid chain is
	// longer than the object count.
	depth := f.hdr.u64(hdrNObjects)

	p := t.head(hash % t.nBuckets())
	for p != 0 {
		if depth == 0 {
			return Object{}, badMessage("data hash chain cycle at %d", p)
		}
		depth--

		o, err := f.moveToObject(ObjectData, p)
		if err != nil {
			return Object{}, err
		}
		if o.dataHash() == hash {
			stored, err := decompressPayload(o, o.dataPayloadBytes())
			if err != nil {
				return Object{}, err
			}
			if bytes.Equal(stored, payload) {
				return o, nil
			}
		}
		p = o.dataNextHash()
	}
	return Object{}, ErrNotFound
}

// appendData returns the data object for payload, creating and linking it
// if this payload has never been seen. This is the dedup point: a payload
// repeated across a million entries is stored once.
func (f *File) appendData(payload []byte) (Object, error) {
	eq := bytes.IndexByte(payload, '=')
	if eq <= 0 {
		return Object{}, errors.Wrapf(ErrInvalid, "data %q has no field name", truncateForErr(payload))
	}

	hash := hashPayload(payload)
	if o, err := f.findDataObjectWithHash(payload, hash); err == nil {
		return o, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Object{}, err
	}

	stored := payload
	var compressed bool
	if f.compress && uint64(len(payload)) >= f.compressThreshold {
		if c, ok := compress.Compress(payload); ok {
			stored = c
			compressed = true
		}
	}

	o, err := f.appendObject(ObjectData, dataPayload+uint64(len(stored)))
	if err != nil {
		return Object{}, err
	}
	copy(o.b[dataPayload:], stored)
	o.setDataHash(hash)
	if compressed {
		o.setFlags(o.Flags() | objectCompressedBzip2)
	}

	if err := f.linkData(o, hash); err != nil {
		return Object{}, err
	}

	// Thread the data object into its field's list so field-scoped
	// enumeration does not touch unrelated objects.
	fo, err := f.appendField(payload[:eq])
	if err != nil {
		return Object{}, err
	}
	o.setDataNextField(fo.fieldHeadData())
	fo.setFieldHeadData(o.Offset)

	dataObjects.Inc()
	return o, nil
}

func (f *File) linkData(o Object, hash uint64) error {
	t, err := f.dataHashTable()
	if err != nil {
		return err
	}
	b := hash % t.nBuckets()

	if tail := t.tail(b); tail != 0 {
		prev, err := f.moveToObject(ObjectData, tail)
		if err != nil {
			return err
		}
		prev.setDataNextHash(o.Offset)
	} else {
		t.setHead(b, o.Offset)
	}
	t.setTail(b, o.Offset)

	if f.hdr.contains(hdrNData) {
		f.hdr.setU64(hdrNData, f.hdr.u64(hdrNData)+1)
	}
	return nil
}

// findFieldObject looks up a field object by name (no '=').
func (f *File) findFieldObject(name []byte) (Object, error) {
	return f.findFieldObjectWithHash(name, hashPayload(name))
}

func (f *File) findFieldObjectWithHash(name []byte, hash uint64) (Object, error) {
	t, err := f.fieldHashTable()
	if err != nil {
		return Object{}, err
	}

	depth := f.hdr.u64(hdrNObjects)

	p := t.head(hash % t.nBuckets())
	for p != 0 {
		if depth == 0 {
			return Object{}, badMessage("field hash chain cycle at %d", p)
		}
		depth--

		o, err := f.moveToObject(ObjectField, p)
		if err != nil {
			return Object{}, err
		}
		if o.fieldHash() == hash && bytes.Equal(o.fieldPayloadBytes(), name) {
			return o, nil
		}
		p = o.fieldNextHash()
	}
	return Object{}, ErrNotFound
}

// appendField returns the field object for name, creating it on first use.
func (f *File) appendField(name []byte) (Object, error) {
	if len(name) == 0 || bytes.IndexByte(name, '=') >= 0 {
		return Object{}, errors.Wrapf(ErrInvalid, "bad field name %q", truncateForErr(name))
	}

	hash := hashPayload(name)
	if o, err := f.findFieldObjectWithHash(name, hash); err == nil {
		return o, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Object{}, err
	}

	o, err := f.appendObject(ObjectField, fieldPayload+uint64(len(name)))
	if err != nil {
		return Object{}, err
	}
	copy(o.b[fieldPayload:], name)
	o.setFieldHash(hash)

	t, err := f.fieldHashTable()
	if err != nil {
		return Object{}, err
	}
	b := hash % t.nBuckets()
	if tail := t.tail(b); tail != 0 {
		prev, err := f.moveToObject(ObjectField, tail)
		if err != nil {
			return Object{}, err
		}
		prev.setFieldNextHash(o.Offset)
	} else {
		t.setHead(b, o.Offset)
	}
	t.setTail(b, o.Offset)

	if f.hdr.contains(hdrNFields) {
		f.hdr.setU64(hdrNFields, f.hdr.u64(hdrNFields)+1)
	}
	return o, nil
}

func truncateForErr(b []byte) []byte {
	if len(b) > 64 {
		return b[:64]
	}
	return b
}
