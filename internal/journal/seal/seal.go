// Package seal produces and checks the authentication tags appended to
// journal files. A sealer is handed the header-level epoch and sequence
// number range a tag covers plus a digest of the sealed bytes, and returns
// the 32-byte tag stored in the tag object.
package seal

import (
	"crypto/subtle"
	"encoding/binary"

	"github.com/pkg/errors"
	"lukechampine.com/blake3"
)

// TagSize is the size of the tag stored in a tag object.
const TagSize = 32

// Sealer computes and verifies tags over sealed byte ranges.
type Sealer interface {
	// Seal returns the tag for the given epoch, tail seqnum and content
	// digest.
	Seal(epoch, seqnum uint64, digest []byte) [TagSize]byte
	// Verify checks a stored tag against a recomputed one.
	Verify(epoch, seqnum uint64, digest []byte, tag [TagSize]byte) error
}

// ErrBadTag is returned by Verify when the tag does not match.
var ErrBadTag = errors.New("seal: tag mismatch")

type keyed struct {
	key [32]byte
}

// NewKeyed returns a sealer keyed with secret. The secret is hashed down
// to the keyed-hash key size, so any length works.
func NewKeyed(secret []byte) Sealer {
	var s keyed
	s.key = blake3.Sum256(secret)
	return &s
}

func (s *keyed) tag(epoch, seqnum uint64, digest []byte) [TagSize]byte {
	h := blake3.New(TagSize, s.key[:])

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], epoch)
	binary.LittleEndian.PutUint64(buf[8:], seqnum)
	h.Write(buf[:])
	h.Write(digest)

	var out [TagSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (s *keyed) Seal(epoch, seqnum uint64, digest []byte) [TagSize]byte {
	return s.tag(epoch, seqnum, digest)
}

func (s *keyed) Verify(epoch, seqnum uint64, digest []byte, tag [TagSize]byte) error {
	want := s.tag(epoch, seqnum, digest)
	if subtle.ConstantTimeCompare(want[:], tag[:]) != 1 {
		return ErrBadTag
	}
	return nil
}
