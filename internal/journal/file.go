package journal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/rzbill/jot/internal/journal/compress"
	"github.com/rzbill/jot/internal/journal/seal"
	"github.com/rzbill/jot/pkg/id"
	"github.com/rzbill/jot/pkg/log"
)

// Options controls how a journal file is opened or created.
type Options struct {
	// Writable opens the file for appending. Read-only opens never touch
	// the file, not even its state byte.
	Writable bool
	// Create makes the file if it does not exist. Only valid with
	// Writable.
	Create bool

	// Compress enables payload compression for data objects at or above
	// CompressThreshold bytes.
	Compress          bool
	CompressThreshold uint64

	// Sealer, when set, appends tag objects over entry ranges so later
	// verification can detect tampering.
	Sealer seal.Sealer

	// Metrics is the size policy. Zero fields are derived from the
	// filesystem on open.
	Metrics Metrics

	// SeqnumID and Seqnum seed the sequence number domain when creating a
	// file, so a directory of rotated files continues one numbering line.
	SeqnumID id.ID128
	Seqnum   uint64

	Logger log.Logger
}

// File is one open journal file: a memory-mapped header plus an arena of
// append-only objects. A File is safe for concurrent readers; writers must
// serialize through its methods, which take the file lock.
type File struct {
	mu sync.Mutex

	path     string
	f        *os.File
	writable bool
	m        *mapper
	log      log.Logger

	metrics Metrics
	sealer  seal.Sealer

	compress          bool
	compressThreshold uint64

	hdr     header
	stateMu sync.Mutex // guards the header state byte against the offline worker

	// archive makes the next offline transition land on StateArchived
	// instead of StateOffline. Set by rotation; read by the offline
	// worker without the file lock.
	archive atomic.Bool

	// Offline state machine, see lifecycle.go.
	offlineState atomic.Uint32
	offlineDone  chan struct{}

	// Last appended entry clock values, to enforce ordering without
	// re-reading the tail entry.
	lastRealtime  uint64
	lastMonotonic uint64

	// Tail seqnum at the time of the last tag, so a seal covers only
	// what was appended since.
	lastSealedSeqnum uint64

	chains *chainCache

	closed bool
}

const defaultCompressThreshold = 512

// Open opens or creates a journal file at path.
func Open(path string, opts Options) (*File, error) {
	if opts.Create && !opts.Writable {
		return nil, errors.Wrap(ErrInvalid, "create requires writable")
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.CompressThreshold == 0 {
		opts.CompressThreshold = defaultCompressThreshold
	}

	flags := os.O_RDONLY
	if opts.Writable {
		flags = os.O_RDWR
	}
	if opts.Create {
		flags |= os.O_CREATE
	}
	fd, err := os.OpenFile(path, flags, 0o640)
	if err != nil {
		return nil, errors.Wrap(err, "journal: open")
	}

	f := &File{
		path:              path,
		f:                 fd,
		writable:          opts.Writable,
		m:                 newMapper(fd, opts.Writable),
		log:               log.WithComponent(opts.Logger, "journal"),
		metrics:           opts.Metrics.Derive(filepath.Dir(path)),
		sealer:            opts.Sealer,
		compress:          opts.Compress,
		compressThreshold: opts.CompressThreshold,
		chains:            newChainCache(),
	}

	st, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, errors.Wrap(err, "journal: stat")
	}

	fresh := st.Size() == 0
	if fresh {
		if !opts.Writable || !opts.Create {
			fd.Close()
			return nil, errors.Wrap(ErrDataErr, path)
		}
		if err := f.initHeader(opts); err != nil {
			fd.Close()
			return nil, err
		}
	} else if st.Size() < headerSizeMin {
		fd.Close()
		return nil, errors.Wrap(ErrDataErr, path)
	}

	hb, err := f.m.get(mapHeader, true, 0, headerSizeFull)
	if err != nil {
		// Old files may stop at the minimum header; retry with that.
		hb, err = f.m.get(mapHeader, true, 0, headerSizeMin)
		if err != nil {
			fd.Close()
			return nil, err
		}
	}
	f.hdr = header{b: hb}

	if err := f.verifyHeader(); err != nil {
		fd.Close()
		return nil, errors.Wrap(err, path)
	}

	if fresh {
		if err := f.setupHashTables(); err != nil {
			fd.Close()
			return nil, err
		}
	}

	f.lastRealtime = f.hdr.u64(hdrTailEntryRealtime)
	f.lastMonotonic = f.hdr.u64(hdrTailEntryMonotonic)
	// Entries already present cannot be re-sealed trustworthily, only
	// verified; new tags start at the current tail.
	f.lastSealedSeqnum = f.hdr.u64(hdrTailEntrySeqnum)

	f.log.WithFields(map[string]interface{}{
		"path":    path,
		"entries": f.hdr.u64(hdrNEntries),
		"objects": f.hdr.u64(hdrNObjects),
	}).Debug("opened journal file")

	return f, nil
}

// initHeader writes the initial header of a fresh file with plain pwrite,
// before any mapping exists.
func (f *File) initHeader(opts Options) error {
	machineID, err := id.MachineID()
	if err != nil {
		f.log.WithError(err).Debug("no machine id, using nil")
		machineID = id.Nil
	}
	bootID, err := id.BootID()
	if err != nil {
		bootID = id.Nil
	}

	seqnumID := opts.SeqnumID
	if seqnumID.IsNil() {
		seqnumID = id.NewRandom()
	}

	buf := make([]byte, headerSizeFull)
	h := header{b: buf}
	copy(buf[hdrSignature:], signature[:])
	var compat, incompat uint32
	if f.sealer != nil {
		compat |= headerCompatibleSealed
	}
	if f.compress {
		incompat |= headerIncompatibleCompressedBzip2
	}
	h.setU32(hdrCompatibleFlags, compat)
	h.setU32(hdrIncompatibleFlags, incompat)
	h.setState(StateOffline)
	h.setID(hdrFileID, id.NewRandom())
	h.setID(hdrMachineID, machineID)
	h.setID(hdrBootID, bootID)
	h.setID(hdrSeqnumID, seqnumID)
	h.setU64(hdrHeaderSize, headerSizeFull)
	h.setU64(hdrTailEntrySeqnum, opts.Seqnum)

	if _, err := f.f.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "journal: write header")
	}
	// The new name must survive a crash, not just the bytes.
	return syncDirectory(filepath.Dir(f.path))
}

func syncDirectory(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "journal: open directory")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrap(err, "journal: sync directory")
	}
	return nil
}

// verifyHeader validates everything reachable from the fixed header before
// any object is trusted.
func (f *File) verifyHeader() error {
	h := f.hdr

	if !h.signatureOK() {
		return ErrProtocol
	}
	if h.incompatibleFlags()&^headerIncompatibleSupported != 0 {
		return errors.Wrapf(ErrNotSupported, "incompatible flags %#x", h.incompatibleFlags())
	}
	if f.writable && h.compatibleFlags()&^headerCompatibleSupported != 0 {
		return errors.Wrapf(ErrNotSupported, "compatible flags %#x", h.compatibleFlags())
	}

	hs := h.headerSize()
	if hs < headerSizeMin || !valid64(hs) {
		return badMessage("header size %d", hs)
	}

	st, err := f.f.Stat()
	if err != nil {
		return errors.Wrap(err, "journal: stat")
	}
	fileSize := uint64(st.Size())
	if hs > fileSize {
		return ErrDataErr
	}
	arena := h.arenaSize()
	if hs+arena > fileSize {
		return badMessage("arena %d+%d beyond file size %d", hs, arena, fileSize)
	}

	if s := h.state(); s >= stateMax {
		return badMessage("state %d", s)
	}

	for _, off := range []uint64{
		h.u64(hdrDataHashTableOff),
		h.u64(hdrFieldHashTableOff),
		h.u64(hdrTailObjectOffset),
		h.u64(hdrEntryArrayOffset),
	} {
		if !valid64(off) {
			return badMessage("unaligned header offset %d", off)
		}
		if off != 0 && (off < hs || off > fileSize) {
			return badMessage("header offset %d outside file", off)
		}
	}
	if !valid64(h.u64(hdrDataHashTableSize)) || !valid64(h.u64(hdrFieldHashTableSize)) {
		return badMessage("hash table size")
	}

	nObjects := h.u64(hdrNObjects)
	if nObjects > (hs+arena)/objectHeaderSize {
		return badMessage("object count %d", nObjects)
	}
	if h.u64(hdrNEntries) > nObjects {
		return badMessage("entry count exceeds object count")
	}
	if h.u64(hdrNEntries) > 0 && h.u64(hdrEntryArrayOffset) == 0 {
		return badMessage("entries without entry array")
	}

	if f.writable {
		if h.state() == StateOnline {
			return ErrBusy
		}
		mid, err := id.MachineID()
		if err == nil && !mid.IsNil() && !h.machineID().IsNil() && h.machineID() != mid {
			return errors.Wrapf(ErrInvalid, "machine id mismatch: file has %s", h.machineID())
		}
	}

	return nil
}

// allocate makes sure [offset, offset+size) is backed by allocated file
// space, growing the file in fixed increments when needed and refusing to
// grow past the size cap or into the keep-free headroom.
func (f *File) allocate(offset, size uint64) error {
	end := offset + size
	hs := f.hdr.headerSize()

	oldSize := hs + f.hdr.arenaSize()
	if end <= oldSize {
		return nil
	}

	if f.metrics.MaxSize > 0 && end > f.metrics.MaxSize {
		return errors.Wrapf(ErrNoSpace, "need %d, cap %d", end, f.metrics.MaxSize)
	}

	newSize := pageAlign(end)
	if newSize < oldSize+fileSizeIncrease {
		newSize = oldSize + fileSizeIncrease
	}
	if f.metrics.MaxSize > 0 && newSize > f.metrics.MaxSize {
		newSize = f.metrics.MaxSize
	}
	if newSize < end {
		return errors.Wrapf(ErrNoSpace, "need %d, cap %d", end, newSize)
	}

	// Leave the keep-free headroom to the rest of the system.
	var st unix.Statfs_t
	if err := unix.Statfs(f.path, &st); err == nil {
		available := st.Bavail * uint64(st.Bsize)
		if available > f.metrics.KeepFree {
			available -= f.metrics.KeepFree
		} else {
			available = 0
		}
		if grow := newSize - oldSize; grow > available {
			if oldSize+available < end {
				return errors.Wrapf(ErrNoSpace, "disk headroom exhausted")
			}
			newSize = pageAlign(oldSize + available)
			if newSize < end {
				newSize = pageAlign(end)
			}
		}
	}

	if err := unix.Fallocate(int(f.f.Fd()), 0, 0, int64(newSize)); err != nil {
		if err != unix.EOPNOTSUPP && err != unix.ENOSYS {
			f.m.setFault()
			return errors.Wrap(err, "journal: fallocate")
		}
		if err := f.f.Truncate(int64(newSize)); err != nil {
			f.m.setFault()
			return errors.Wrap(err, "journal: truncate")
		}
	}

	f.hdr.setU64(hdrArenaSize, newSize-hs)
	f.m.invalidateSize()
	allocatedBytes.Add(float64(newSize - oldSize))
	return nil
}

// appendObject reserves a new object of the given type and size at the
// tail of the arena and returns a writable view of it. It is the only way
// objects come into existence. The caller fills in the type-specific
// fields; the object header and zeroing are done here.
func (f *File) appendObject(t ObjectType, size uint64) (Object, error) {
	if size < objectHeaderSize {
		return Object{}, errors.Wrap(ErrInvalid, "object too small")
	}
	if err := f.setOnline(); err != nil {
		return Object{}, err
	}

	var p uint64
	if tail := f.hdr.u64(hdrTailObjectOffset); tail == 0 {
		p = f.hdr.headerSize()
	} else {
		o, err := f.moveToObject(ObjectAny, tail)
		if err != nil {
			return Object{}, errors.WithMessage(err, "tail object")
		}
		p = tail + align64(o.Size())
	}

	if err := f.allocate(p, size); err != nil {
		return Object{}, err
	}

	b, err := f.m.get(categoryFor(t), false, p, size)
	if err != nil {
		return Object{}, err
	}
	for i := range b {
		b[i] = 0
	}
	b[objType] = byte(t)
	binary.LittleEndian.PutUint64(b[objSize:], size)

	f.hdr.setU64(hdrTailObjectOffset, p)
	f.hdr.setU64(hdrNObjects, f.hdr.u64(hdrNObjects)+1)

	return Object{Type: t, Offset: p, b: b}, nil
}

// ObjectAny matches any object type in moveToObject.
const ObjectAny ObjectType = 0xff

// moveToObject maps and validates the object at offset. Every pointer the
// engine follows goes through here, so a corrupt offset surfaces as
// ErrBadMessage instead of a wild read.
func (f *File) moveToObject(t ObjectType, offset uint64) (Object, error) {
	if offset == 0 {
		return Object{}, errors.Wrap(ErrInvalid, "nil object offset")
	}
	if !valid64(offset) {
		return Object{}, badMessage("unaligned object offset %d", offset)
	}
	if offset < f.hdr.headerSize() {
		return Object{}, badMessage("object offset %d inside header", offset)
	}

	c := categoryFor(t)
	hb, err := f.m.get(c, false, offset, objectHeaderSize)
	if err != nil {
		return Object{}, err
	}

	gotType := ObjectType(hb[objType])
	size := binary.LittleEndian.Uint64(hb[objSize:])

	if gotType == ObjectUnused || gotType >= objectTypeMax {
		return Object{}, badMessage("object at %d has type %d", offset, gotType)
	}
	if t != ObjectAny && gotType != t {
		return Object{}, badMessage("object at %d is %s, expected %s", offset, gotType, t)
	}
	if size < minimumObjectSize(gotType) {
		return Object{}, badMessage("%s object at %d truncated to %d bytes", gotType, offset, size)
	}
	if gotType == ObjectData && size <= dataPayload {
		return Object{}, badMessage("data object at %d has empty payload", offset)
	}

	b, err := f.m.get(c, false, offset, size)
	if err != nil {
		return Object{}, err
	}

	o := Object{Type: gotType, Offset: offset, b: b}
	if err := checkObject(o); err != nil {
		return Object{}, err
	}
	return o, nil
}

// checkObject runs the per-type structural checks on a freshly mapped
// object.
func checkObject(o Object) error {
	switch o.Type {
	case ObjectData:
		for _, off := range []uint64{o.dataNextHash(), o.dataNextField(), o.dataEntryOffset(), o.dataEntryArray()} {
			if !valid64(off) {
				return badMessage("data object at %d has unaligned link", o.Offset)
			}
		}

	case ObjectField:
		if !valid64(o.fieldNextHash()) || !valid64(o.fieldHeadData()) {
			return badMessage("field object at %d has unaligned link", o.Offset)
		}

	case ObjectEntry:
		if (o.Size()-entryItems)%entryItemSize != 0 {
			return badMessage("entry object at %d has ragged item area", o.Offset)
		}
		if o.entryNItems() == 0 {
			return badMessage("entry object at %d has no items", o.Offset)
		}
		if o.entrySeqnum() == 0 {
			return badMessage("entry object at %d has zero seqnum", o.Offset)
		}
		if o.entryRealtime() == 0 {
			return badMessage("entry object at %d has zero timestamp", o.Offset)
		}
		for i := uint64(0); i < o.entryNItems(); i++ {
			it := o.entryItem(i)
			if it.ObjectOffset == 0 || !valid64(it.ObjectOffset) {
				return badMessage("entry object at %d has bad item %d", o.Offset, i)
			}
		}

	case ObjectDataHashTable, ObjectFieldHashTable:
		if (o.Size()-hashTableItems)%hashItemSize != 0 || o.hashTableNItems() == 0 {
			return badMessage("hash table object at %d has bad size %d", o.Offset, o.Size())
		}

	case ObjectEntryArray:
		if (o.Size()-entryArrayItems)%8 != 0 || o.entryArrayNItems() == 0 {
			return badMessage("entry array object at %d has bad size %d", o.Offset, o.Size())
		}
		if next := o.entryArrayNext(); !valid64(next) || next == o.Offset {
			return badMessage("entry array object at %d has bad next link", o.Offset)
		}

	case ObjectTag:
		if o.Size() != tagObjectSize {
			return badMessage("tag object at %d has bad size %d", o.Offset, o.Size())
		}
	}
	return nil
}

// fsync flushes mapped pages and the file itself.
func (f *File) fsync() error {
	if err := f.m.sync(); err != nil {
		return err
	}
	if err := f.f.Sync(); err != nil {
		f.m.setFault()
		return errors.Wrap(err, "journal: fsync")
	}
	return nil
}

// Sync forces everything written so far to stable storage without taking
// the file offline.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fsync()
}

// Path returns the file path the journal was opened at.
func (f *File) Path() string { return f.path }

// Writable reports whether the file accepts appends.
func (f *File) Writable() bool { return f.writable }

// Close takes a writable file offline, joins any background offline
// worker, and unmaps everything. Views returned earlier become invalid.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	var firstErr error
	if f.writable {
		if err := f.setOfflineLocked(true); err != nil && !errors.Is(err, ErrFault) {
			firstErr = err
		}
	}
	if err := f.m.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := f.f.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "journal: close")
	}
	return firstErr
}

// Info is a point-in-time snapshot of the header counters.
type Info struct {
	Path     string
	FileID   id.ID128
	SeqnumID id.ID128
	State    uint8

	HeaderSize uint64
	ArenaSize  uint64

	NObjects     uint64
	NEntries     uint64
	NData        uint64
	NFields      uint64
	NTags        uint64
	NEntryArrays uint64

	HeadSeqnum   uint64
	TailSeqnum   uint64
	HeadRealtime time.Time
	TailRealtime time.Time
}

// Stat returns a snapshot of the header counters.
func (f *File) Stat() Info {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.hdr
	info := Info{
		Path:       f.path,
		FileID:     h.fileID(),
		SeqnumID:   h.seqnumID(),
		State:      f.state(),
		HeaderSize: h.headerSize(),
		ArenaSize:  h.arenaSize(),
		NObjects:   h.u64(hdrNObjects),
		NEntries:   h.u64(hdrNEntries),
		HeadSeqnum: h.u64(hdrHeadEntrySeqnum),
		TailSeqnum: h.u64(hdrTailEntrySeqnum),
	}
	if h.contains(hdrNData) {
		info.NData = h.u64(hdrNData)
	}
	if h.contains(hdrNFields) {
		info.NFields = h.u64(hdrNFields)
	}
	if h.contains(hdrNTags) {
		info.NTags = h.u64(hdrNTags)
	}
	if h.contains(hdrNEntryArrays) {
		info.NEntryArrays = h.u64(hdrNEntryArrays)
	}
	if rt := h.u64(hdrHeadEntryRealtime); rt > 0 {
		info.HeadRealtime = time.UnixMicro(int64(rt))
	}
	if rt := h.u64(hdrTailEntryRealtime); rt > 0 {
		info.TailRealtime = time.UnixMicro(int64(rt))
	}
	return info
}

// decompressPayload returns the logical payload of a data or field object,
// inflating it when the object carries a compression flag.
func decompressPayload(o Object, stored []byte) ([]byte, error) {
	if !o.IsCompressed() {
		return stored, nil
	}
	out, err := compress.Decompress(stored)
	if err != nil {
		return nil, badMessage("object at %d: %v", o.Offset, err)
	}
	return out, nil
}

// nowRealtime returns wall clock microseconds since the epoch.
func nowRealtime() uint64 { return uint64(time.Now().UnixMicro()) }

// nowMonotonic returns microseconds on the boot clock, which keeps
// counting across suspend and therefore matches the boot id stored next
// to it.
func nowMonotonic() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return uint64(time.Now().UnixNano() / 1000)
	}
	return uint64(ts.Sec)*1e6 + uint64(ts.Nsec)/1000
}
