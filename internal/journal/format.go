package journal

import (
	"encoding/binary"

	"github.com/rzbill/jot/pkg/id"
)

// The on-disk format is little-endian throughout. One flat file holds a
// fixed-position header followed by an arena of self-describing objects,
// all addressed by byte offset from the start of the file. Offsets are
// always multiples of 8; offset 0 means "no object".

// Magic signature at offset 0 of every journal file.
var signature = [8]byte{'J', 'O', 'T', 'J', 'R', 'N', 'L', '1'}

// ObjectType tags every object in the arena.
type ObjectType uint8

const (
	ObjectUnused ObjectType = iota
	ObjectData
	ObjectField
	ObjectEntry
	ObjectDataHashTable
	ObjectFieldHashTable
	ObjectEntryArray
	ObjectTag

	objectTypeMax
)

func (t ObjectType) String() string {
	switch t {
	case ObjectUnused:
		return "unused"
	case ObjectData:
		return "data"
	case ObjectField:
		return "field"
	case ObjectEntry:
		return "entry"
	case ObjectDataHashTable:
		return "data-hash-table"
	case ObjectFieldHashTable:
		return "field-hash-table"
	case ObjectEntryArray:
		return "entry-array"
	case ObjectTag:
		return "tag"
	default:
		return "unknown"
	}
}

// File lifecycle states stored in the header.
const (
	StateOffline uint8 = iota
	StateOnline
	StateArchived

	stateMax
)

// Header compatible feature flags. Readers that do not understand one may
// still read the file.
const headerCompatibleSealed uint32 = 1 << 0

const headerCompatibleSupported = headerCompatibleSealed

// Header incompatible feature flags. Readers that do not understand one
// must refuse the file.
const headerIncompatibleCompressedBzip2 uint32 = 1 << 0

const headerIncompatibleSupported = headerIncompatibleCompressedBzip2

// Object header flags.
const objectCompressedBzip2 uint8 = 1 << 0

const objectCompressionMask = objectCompressedBzip2

// Header field offsets. Fields from hdrNData onward are optional: their
// presence is detected by comparing the stored header size against the
// field offset, which lets the format grow new counters without breaking
// old files.
const (
	hdrSignature          = 0
	hdrCompatibleFlags    = 8
	hdrIncompatibleFlags  = 12
	hdrState              = 16
	hdrFileID             = 24
	hdrMachineID          = 40
	hdrBootID             = 56
	hdrSeqnumID           = 72
	hdrHeaderSize         = 88
	hdrArenaSize          = 96
	hdrDataHashTableOff   = 104
	hdrDataHashTableSize  = 112
	hdrFieldHashTableOff  = 120
	hdrFieldHashTableSize = 128
	hdrTailObjectOffset   = 136
	hdrNObjects           = 144
	hdrNEntries           = 152
	hdrTailEntrySeqnum    = 160
	hdrHeadEntrySeqnum    = 168
	hdrEntryArrayOffset   = 176
	hdrHeadEntryRealtime  = 184
	hdrTailEntryRealtime  = 192
	hdrTailEntryMonotonic = 200
	hdrNData              = 208
	hdrNFields            = 216
	hdrNTags              = 224
	hdrNEntryArrays       = 232

	headerSizeFull = 240

	// The data object counter was the first field added after the initial
	// format, so any valid header is at least this large.
	headerSizeMin = hdrNData
)

// Object layout constants. Offsets are relative to the object start; the
// generic object header comes first in every object.
const (
	objType = 0
	objFlags = 1
	objSize = 8

	objectHeaderSize = 16

	dataHash        = 16
	dataNextHash    = 24
	dataNextField   = 32
	dataEntryOffset = 40
	dataEntryArray  = 48
	dataNEntries    = 56
	dataPayload     = 64

	fieldHash     = 16
	fieldNextHash = 24
	fieldHeadData = 32
	fieldPayload  = 40

	entrySeqnum   = 16
	entryRealtime = 24
	entryMonotonic = 32
	entryBootID   = 40
	entryXORHash  = 56
	entryItems    = 64

	entryItemSize = 16 // object offset + cached hash

	hashTableItems = 16
	hashItemSize   = 16 // bucket head offset + bucket tail offset

	entryArrayNext  = 16
	entryArrayItems = 24

	tagSeqnum = 16
	tagEpoch  = 24
	tagTag    = 32

	tagObjectSize = 64 // fixed: header + seqnum + epoch + 32-byte tag
)

func align64(n uint64) uint64 { return (n + 7) &^ 7 }

func valid64(n uint64) bool { return n&7 == 0 }

// header is a typed view over the mapped header bytes. Setters write
// straight through to the mapping; the Region Mapper keeps the header
// window pinned for the lifetime of the file.
type header struct {
	b []byte
}

func (h header) u64(off int) uint64     { return binary.LittleEndian.Uint64(h.b[off:]) }
func (h header) setU64(off int, v uint64) { binary.LittleEndian.PutUint64(h.b[off:], v) }
func (h header) u32(off int) uint32     { return binary.LittleEndian.Uint32(h.b[off:]) }
func (h header) setU32(off int, v uint32) { binary.LittleEndian.PutUint32(h.b[off:], v) }

func (h header) id(off int) id.ID128 {
	var out id.ID128
	copy(out[:], h.b[off:off+16])
	return out
}

func (h header) setID(off int, v id.ID128) { copy(h.b[off:off+16], v[:]) }

func (h header) signatureOK() bool {
	for i := range signature {
		if h.b[hdrSignature+i] != signature[i] {
			return false
		}
	}
	return true
}

func (h header) compatibleFlags() uint32   { return h.u32(hdrCompatibleFlags) }
func (h header) incompatibleFlags() uint32 { return h.u32(hdrIncompatibleFlags) }
func (h header) state() uint8              { return h.b[hdrState] }
func (h header) setState(s uint8)          { h.b[hdrState] = s }

func (h header) fileID() id.ID128    { return h.id(hdrFileID) }
func (h header) machineID() id.ID128 { return h.id(hdrMachineID) }
func (h header) bootID() id.ID128    { return h.id(hdrBootID) }
func (h header) seqnumID() id.ID128  { return h.id(hdrSeqnumID) }

func (h header) headerSize() uint64 { return h.u64(hdrHeaderSize) }
func (h header) arenaSize() uint64  { return h.u64(hdrArenaSize) }

// contains reports whether the header on disk is large enough to include
// the optional field at the given offset. Bounded by the mapped slice as
// well, since short headers are mapped at their actual size.
func (h header) contains(fieldOff int) bool {
	return h.headerSize() >= uint64(fieldOff)+8 && len(h.b) >= fieldOff+8
}

// entryItem is one (data object offset, cached content hash) pair inside
// an entry object.
type entryItem struct {
	ObjectOffset uint64
	Hash         uint64
}

// Object is a validated, typed view of one object in the mapped arena.
// The byte slice aliases the mapping directly; it stays valid until the
// file is closed. Appending other objects may move the preferred window
// for a type, so long-lived code re-resolves views after linking, the same
// way the on-disk chains are re-read after mutation.
type Object struct {
	Type   ObjectType
	Offset uint64

	b []byte
}

func (o Object) u64(off int) uint64        { return binary.LittleEndian.Uint64(o.b[off:]) }
func (o Object) setU64(off int, v uint64)  { binary.LittleEndian.PutUint64(o.b[off:], v) }

// Size returns the total object size in bytes, including the header.
func (o Object) Size() uint64 { return o.u64(objSize) }

// Flags returns the object flag bitset.
func (o Object) Flags() uint8 { return o.b[objFlags] }

func (o Object) setFlags(f uint8) { o.b[objFlags] = f }

// IsCompressed reports whether the payload carries a compression flag.
func (o Object) IsCompressed() bool { return o.Flags()&objectCompressionMask != 0 }

// Data object accessors.

func (o Object) dataHash() uint64            { return o.u64(dataHash) }
func (o Object) setDataHash(v uint64)        { o.setU64(dataHash, v) }
func (o Object) dataNextHash() uint64        { return o.u64(dataNextHash) }
func (o Object) setDataNextHash(v uint64)    { o.setU64(dataNextHash, v) }
func (o Object) dataNextField() uint64       { return o.u64(dataNextField) }
func (o Object) setDataNextField(v uint64)   { o.setU64(dataNextField, v) }
func (o Object) dataEntryOffset() uint64     { return o.u64(dataEntryOffset) }
func (o Object) setDataEntryOffset(v uint64) { o.setU64(dataEntryOffset, v) }
func (o Object) dataEntryArray() uint64      { return o.u64(dataEntryArray) }
func (o Object) setDataEntryArray(v uint64)  { o.setU64(dataEntryArray, v) }
func (o Object) dataNEntries() uint64        { return o.u64(dataNEntries) }
func (o Object) setDataNEntries(v uint64)    { o.setU64(dataNEntries, v) }

// dataPayload returns the stored (possibly compressed) payload bytes.
func (o Object) dataPayloadBytes() []byte { return o.b[dataPayload:o.Size()] }

// Field object accessors.

func (o Object) fieldHash() uint64          { return o.u64(fieldHash) }
func (o Object) setFieldHash(v uint64)      { o.setU64(fieldHash, v) }
func (o Object) fieldNextHash() uint64      { return o.u64(fieldNextHash) }
func (o Object) setFieldNextHash(v uint64)  { o.setU64(fieldNextHash, v) }
func (o Object) fieldHeadData() uint64      { return o.u64(fieldHeadData) }
func (o Object) setFieldHeadData(v uint64)  { o.setU64(fieldHeadData, v) }

func (o Object) fieldPayloadBytes() []byte { return o.b[fieldPayload:o.Size()] }

// Entry object accessors.

func (o Object) entrySeqnum() uint64       { return o.u64(entrySeqnum) }
func (o Object) setEntrySeqnum(v uint64)   { o.setU64(entrySeqnum, v) }
func (o Object) entryRealtime() uint64     { return o.u64(entryRealtime) }
func (o Object) setEntryRealtime(v uint64) { o.setU64(entryRealtime, v) }
func (o Object) entryMonotonic() uint64    { return o.u64(entryMonotonic) }
func (o Object) setEntryMonotonic(v uint64) { o.setU64(entryMonotonic, v) }
func (o Object) entryXORHash() uint64      { return o.u64(entryXORHash) }
func (o Object) setEntryXORHash(v uint64)  { o.setU64(entryXORHash, v) }

func (o Object) entryBootID() id.ID128 {
	var out id.ID128
	copy(out[:], o.b[entryBootID:entryBootID+16])
	return out
}

func (o Object) setEntryBootID(v id.ID128) { copy(o.b[entryBootID:entryBootID+16], v[:]) }

// entryNItems returns the number of items in an entry object.
func (o Object) entryNItems() uint64 {
	if o.Type != ObjectEntry {
		return 0
	}
	return (o.Size() - entryItems) / entryItemSize
}

func (o Object) entryItem(i uint64) entryItem {
	base := entryItems + int(i)*entryItemSize
	return entryItem{
		ObjectOffset: o.u64(base),
		Hash:         o.u64(base + 8),
	}
}

func (o Object) setEntryItem(i uint64, it entryItem) {
	base := entryItems + int(i)*entryItemSize
	o.setU64(base, it.ObjectOffset)
	o.setU64(base+8, it.Hash)
}

// Entry array object accessors.

func (o Object) entryArrayNext() uint64     { return o.u64(entryArrayNext) }
func (o Object) setEntryArrayNext(v uint64) { o.setU64(entryArrayNext, v) }

// entryArrayNItems returns the slot capacity of an entry array object.
func (o Object) entryArrayNItems() uint64 {
	if o.Type != ObjectEntryArray {
		return 0
	}
	return (o.Size() - entryArrayItems) / 8
}

func (o Object) entryArrayItem(i uint64) uint64 {
	return o.u64(entryArrayItems + int(i)*8)
}

func (o Object) setEntryArrayItem(i uint64, v uint64) {
	o.setU64(entryArrayItems+int(i)*8, v)
}

// Hash table object accessors: the table body is addressed separately via
// the header's table offset/size, so only the capacity helper lives here.
func (o Object) hashTableNItems() uint64 {
	if o.Type != ObjectDataHashTable && o.Type != ObjectFieldHashTable {
		return 0
	}
	return (o.Size() - hashTableItems) / hashItemSize
}

// Tag object accessors.

func (o Object) tagSeqnum() uint64     { return o.u64(tagSeqnum) }
func (o Object) setTagSeqnum(v uint64) { o.setU64(tagSeqnum, v) }
func (o Object) tagEpoch() uint64      { return o.u64(tagEpoch) }
func (o Object) setTagEpoch(v uint64)  { o.setU64(tagEpoch, v) }

func (o Object) tagBytes() []byte { return o.b[tagTag : tagTag+32] }

// minimumObjectSize returns the smallest valid size for a type, so that a
// typed view never reads past a truncated object.
func minimumObjectSize(t ObjectType) uint64 {
	switch t {
	case ObjectData:
		return dataPayload
	case ObjectField:
		return fieldPayload
	case ObjectEntry:
		return entryItems
	case ObjectDataHashTable, ObjectFieldHashTable:
		return hashTableItems
	case ObjectEntryArray:
		return entryArrayItems
	case ObjectTag:
		return tagObjectSize
	default:
		return objectHeaderSize
	}
}

// hashTable is a view over a mapped bucket region: an array of
// (head offset, tail offset) pairs.
type hashTable struct {
	b []byte
}

func (t hashTable) nBuckets() uint64 { return uint64(len(t.b)) / hashItemSize }

func (t hashTable) head(i uint64) uint64 {
	return binary.LittleEndian.Uint64(t.b[i*hashItemSize:])
}

func (t hashTable) setHead(i uint64, v uint64) {
	binary.LittleEndian.PutUint64(t.b[i*hashItemSize:], v)
}

func (t hashTable) tail(i uint64) uint64 {
	return binary.LittleEndian.Uint64(t.b[i*hashItemSize+8:])
}

func (t hashTable) setTail(i uint64, v uint64) {
	binary.LittleEndian.PutUint64(t.b[i*hashItemSize+8:], v)
}
