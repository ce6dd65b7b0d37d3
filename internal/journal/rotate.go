package journal

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"lukechampine.com/blake3"
)

// Rotate archives the given writable file and returns a fresh one at the
// same path that continues its sequence numbering. The old file is renamed
// to its archive name and closed with the ARCHIVED state; readers holding
// it open keep working.
func Rotate(f *File, opts Options) (*File, error) {
	if !f.Writable() {
		return nil, ErrReadOnly
	}
	if !strings.HasSuffix(f.path, ".journal") {
		return nil, errors.Wrapf(ErrInvalid, "cannot rotate %q", f.path)
	}

	f.mu.Lock()

	if f.sealer != nil {
		if err := f.sealLocked(); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}

	archive := fmt.Sprintf("%s@%s-%016x-%016x.journal",
		strings.TrimSuffix(f.path, ".journal"),
		f.hdr.seqnumID(),
		f.hdr.u64(hdrHeadEntrySeqnum),
		f.hdr.u64(hdrHeadEntryRealtime))

	if err := os.Rename(f.path, archive); err != nil {
		f.mu.Unlock()
		return nil, errors.Wrap(err, "journal: rename to archive")
	}
	if err := syncDirectory(filepath.Dir(archive)); err != nil {
		f.log.WithError(err).Warn("archive rename not durably recorded")
	}

	// The archived state is written by the offline transition, so a
	// crash between rename and offline leaves an online archive that
	// recovery will refuse to append to. That is the safe side.
	f.archive.Store(true)
	seqnumID := f.hdr.seqnumID()
	seqnum := f.hdr.u64(hdrTailEntrySeqnum)
	path := f.path
	logger := f.log
	f.mu.Unlock()

	if err := f.Close(); err != nil {
		return nil, err
	}

	logger.WithField("archive", archive).Info("rotated journal file")
	rotations.Inc()

	opts.Writable = true
	opts.Create = true
	opts.SeqnumID = seqnumID
	opts.Seqnum = seqnum
	return Open(path, opts)
}

// OpenReliably opens a journal file for writing, and when the file turns
// out corrupt or left online by a dead writer, moves it out of the way
// once and starts a fresh one. The broken file keeps a "~" suffix so it is
// never mistaken for a healthy journal but stays around for salvage.
func OpenReliably(path string, opts Options) (*File, error) {
	f, err := Open(path, opts)
	if err == nil {
		return f, nil
	}

	if !opts.Writable || !opts.Create {
		return nil, err
	}
	if !errors.Is(err, ErrBadMessage) &&
		!errors.Is(err, ErrDataErr) &&
		!errors.Is(err, ErrProtocol) &&
		!errors.Is(err, ErrNotSupported) &&
		!errors.Is(err, ErrBusy) {
		return nil, err
	}
	if !strings.HasSuffix(path, ".journal") {
		return nil, err
	}

	aside := fmt.Sprintf("%s@%016x-%016x.journal~",
		strings.TrimSuffix(path, ".journal"),
		uint64(time.Now().UnixMicro()),
		rand.Uint64())
	if rerr := os.Rename(path, aside); rerr != nil {
		return nil, errors.Wrapf(err, "journal: moving broken file aside failed with %v", rerr)
	}

	if opts.Logger != nil {
		opts.Logger.WithFields(map[string]interface{}{
			"path":  path,
			"aside": aside,
		}).Warn("journal file unusable, moved aside and recreated")
	}

	return Open(path, opts)
}

// RotateSuggested reports whether the file should be rotated rather than
// appended to further: its format predates the current one, its data hash
// table is so full that lookups degrade, its counters are from a build
// that did not track fields, or its oldest entry exceeded maxFileAge.
func (f *File) RotateSuggested(maxFileAge time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.hdr

	if h.headerSize() < headerSizeFull {
		f.log.Debug("rotate suggested: old header layout")
		return true
	}

	// Past 75% fill the bucket chains grow long and every dedup lookup
	// pays for it.
	if h.contains(hdrNData) {
		buckets := h.u64(hdrDataHashTableSize) / hashItemSize
		if buckets > 0 && h.u64(hdrNData)*4 > buckets*3 {
			f.log.WithFields(map[string]interface{}{
				"data":    h.u64(hdrNData),
				"buckets": buckets,
			}).Debug("rotate suggested: data hash table over 75% full")
			return true
		}
	}

	if h.contains(hdrNData) && !h.contains(hdrNFields) {
		f.log.Debug("rotate suggested: file lacks field counters")
		return true
	}

	// A tail entry from the future means the clock jumped backwards since
	// it was written; a fresh file keeps the damage contained.
	if tail := h.u64(hdrTailEntryRealtime); tail > nowRealtime()+uint64(time.Hour/time.Microsecond) {
		f.log.Debug("rotate suggested: newest entry is in the future")
		return true
	}

	if maxFileAge > 0 {
		if head := h.u64(hdrHeadEntryRealtime); head > 0 {
			age := time.Since(time.UnixMicro(int64(head)))
			if age > maxFileAge {
				f.log.WithField("age", age).Debug("rotate suggested: file too old")
				return true
			}
		}
	}

	return false
}

// Seal appends a tag object authenticating all entries appended since the
// previous seal. A no-op without a sealer or new entries.
func (f *File) Seal() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sealLocked()
}

func (f *File) sealLocked() error {
	if f.sealer == nil {
		return errors.Wrap(ErrInvalid, "file has no sealer")
	}

	from := f.lastSealedSeqnum
	to := f.hdr.u64(hdrTailEntrySeqnum)
	if to <= from {
		return nil
	}

	digest, err := f.sealDigest(from, to)
	if err != nil {
		return err
	}
	tag := f.sealer.Seal(from, to, digest)

	o, err := f.appendObject(ObjectTag, tagObjectSize)
	if err != nil {
		return err
	}
	o.setTagSeqnum(to)
	o.setTagEpoch(from)
	copy(o.b[tagTag:], tag[:])

	if f.hdr.contains(hdrNTags) {
		f.hdr.setU64(hdrNTags, f.hdr.u64(hdrNTags)+1)
	}
	f.lastSealedSeqnum = to
	return nil
}

// sealDigest hashes the immutable core of every entry with a sequence
// number in (from, to]. Entry objects never change once linked, unlike
// data objects whose chain links are rewritten by later appends, so this
// is the part of the file a tag can vouch for.
func (f *File) sealDigest(from, to uint64) ([]byte, error) {
	h := blake3.New(32, nil)

	p, _, ok, err := f.genericArrayBisect(
		f.hdr.u64(hdrEntryArrayOffset), f.hdr.u64(hdrNEntries),
		from+1, testObjectSeqnum, DirectionDown)
	if err != nil {
		return nil, err
	}

	var buf [8]byte
	for ok && p != 0 {
		o, err := f.moveToObject(ObjectEntry, p)
		if err != nil {
			return nil, err
		}
		if o.entrySeqnum() > to {
			break
		}

		for _, v := range []uint64{o.entrySeqnum(), o.entryRealtime(), o.entryMonotonic(), o.entryXORHash()} {
			binary.LittleEndian.PutUint64(buf[:], v)
			h.Write(buf[:])
		}
		bootID := o.entryBootID()
		h.Write(bootID[:])

		next, err := f.nextEntryOffset(p, DirectionDown)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		p = next
	}

	return h.Sum(nil), nil
}
