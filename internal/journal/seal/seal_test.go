package seal

import "testing"

func TestSealVerify(t *testing.T) {
	s := NewKeyed([]byte("key material"))
	digest := []byte("digest of the sealed range")

	tag := s.Seal(3, 17, digest)
	if err := s.Verify(3, 17, digest, tag); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := NewKeyed([]byte("key material"))
	digest := []byte("digest")
	tag := s.Seal(3, 17, digest)

	if err := s.Verify(3, 18, digest, tag); err != ErrBadTag {
		t.Fatalf("seqnum tamper: want ErrBadTag, got %v", err)
	}
	if err := s.Verify(4, 17, digest, tag); err != ErrBadTag {
		t.Fatalf("epoch tamper: want ErrBadTag, got %v", err)
	}
	if err := s.Verify(3, 17, []byte("other"), tag); err != ErrBadTag {
		t.Fatalf("digest tamper: want ErrBadTag, got %v", err)
	}

	other := NewKeyed([]byte("different key"))
	if err := other.Verify(3, 17, digest, tag); err != ErrBadTag {
		t.Fatalf("key tamper: want ErrBadTag, got %v", err)
	}
}

func TestKeyHashingAcceptsAnyLength(t *testing.T) {
	short := NewKeyed([]byte("k"))
	long := NewKeyed(make([]byte, 1024))

	d := []byte("d")
	if short.Seal(1, 2, d) == long.Seal(1, 2, d) {
		t.Fatalf("different keys produced the same tag")
	}
}
