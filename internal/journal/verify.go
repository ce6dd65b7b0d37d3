package journal

import (
	"github.com/pkg/errors"

	"github.com/rzbill/jot/internal/journal/seal"
)

// VerifyReport summarizes a full structural verification pass.
type VerifyReport struct {
	// Objects counts every object seen, by type.
	Objects map[ObjectType]uint64
	// Entries is the number of entry objects seen.
	Entries uint64
	// TagsChecked is the number of tag objects whose seal was verified.
	TagsChecked uint64
	// BytesUsed is the offset one past the last object.
	BytesUsed uint64
}

// Verify walks every object in the file front to back and checks what the
// incremental paths take on faith: object structure, data payload hashes,
// entry ordering, counter consistency and, given a sealer, the tags.
// The first inconsistency fails the pass with ErrBadMessage.
func (f *File) Verify(sealer seal.Sealer) (*VerifyReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rep := &VerifyReport{Objects: make(map[ObjectType]uint64)}

	tail := f.hdr.u64(hdrTailObjectOffset)
	if tail == 0 {
		return rep, nil
	}

	var (
		lastSeqnum uint64
		lastTagSeq uint64
	)

	p := f.hdr.headerSize()
	for {
		o, err := f.moveToObject(ObjectAny, p)
		if err != nil {
			return rep, errors.WithMessagef(err, "object at %d", p)
		}
		rep.Objects[o.Type]++

		switch o.Type {
		case ObjectData:
			payload, err := decompressPayload(o, o.dataPayloadBytes())
			if err != nil {
				return rep, err
			}
			if h := hashPayload(payload); h != o.dataHash() {
				return rep, badMessage("data object at %d: stored hash %#x, payload hashes to %#x", p, o.dataHash(), h)
			}

		case ObjectEntry:
			rep.Entries++
			if o.entrySeqnum() <= lastSeqnum {
				return rep, badMessage("entry at %d: seqnum %d not above predecessor %d", p, o.entrySeqnum(), lastSeqnum)
			}
			lastSeqnum = o.entrySeqnum()

		case ObjectTag:
			from, to := o.tagEpoch(), o.tagSeqnum()
			if from < lastTagSeq {
				return rep, badMessage("tag at %d: range (%d,%d] overlaps earlier tag", p, from, to)
			}
			if sealer != nil {
				digest, err := f.sealDigest(from, to)
				if err != nil {
					return rep, err
				}
				var tag [seal.TagSize]byte
				copy(tag[:], o.tagBytes())
				if err := sealer.Verify(from, to, digest, tag); err != nil {
					return rep, errors.Wrapf(err, "tag at %d covering (%d,%d]", p, from, to)
				}
				rep.TagsChecked++
			}
			lastTagSeq = to
		}

		if p == tail {
			rep.BytesUsed = p + align64(o.Size())
			break
		}
		p += align64(o.Size())
		if p > tail {
			return rep, badMessage("object walk ran past tail offset %d", tail)
		}
	}

	var total uint64
	for _, n := range rep.Objects {
		total += n
	}
	if want := f.hdr.u64(hdrNObjects); total != want {
		return rep, badMessage("header claims %d objects, found %d", want, total)
	}
	if want := f.hdr.u64(hdrNEntries); rep.Entries != want {
		return rep, badMessage("header claims %d entries, found %d", want, rep.Entries)
	}
	if f.hdr.contains(hdrNData) {
		if want := f.hdr.u64(hdrNData); rep.Objects[ObjectData] != want {
			return rep, badMessage("header claims %d data objects, found %d", want, rep.Objects[ObjectData])
		}
	}
	if f.hdr.contains(hdrNFields) {
		if want := f.hdr.u64(hdrNFields); rep.Objects[ObjectField] != want {
			return rep, badMessage("header claims %d field objects, found %d", want, rep.Objects[ObjectField])
		}
	}
	if f.hdr.contains(hdrNTags) {
		if want := f.hdr.u64(hdrNTags); rep.Objects[ObjectTag] != want {
			return rep, badMessage("header claims %d tags, found %d", want, rep.Objects[ObjectTag])
		}
	}
	if f.hdr.contains(hdrNEntryArrays) {
		if want := f.hdr.u64(hdrNEntryArrays); rep.Objects[ObjectEntryArray] != want {
			return rep, badMessage("header claims %d entry arrays, found %d", want, rep.Objects[ObjectEntryArray])
		}
	}
	if rep.Entries > 0 {
		if want := f.hdr.u64(hdrTailEntrySeqnum); lastSeqnum != want {
			return rep, badMessage("header claims tail seqnum %d, last entry has %d", want, lastSeqnum)
		}
	}

	return rep, nil
}
