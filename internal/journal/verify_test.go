package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/rzbill/jot/internal/journal/seal"
)

func TestVerifyCleanFile(t *testing.T) {
	f, _ := seedFile(t, 20)

	rep, err := f.Verify(nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.Entries != 20 {
		t.Fatalf("want 20 entries, got %d", rep.Entries)
	}
	if rep.Objects[ObjectDataHashTable] != 1 || rep.Objects[ObjectFieldHashTable] != 1 {
		t.Fatalf("hash tables missing from walk: %v", rep.Objects)
	}
}

func TestVerifyDetectsFlippedPayloadByte(t *testing.T) {
	f, _ := seedFile(t, 3)
	path := f.Path()

	// Find a data object and flip one payload byte on disk.
	d, err := f.findDataObject([]byte("UNIT=test.service"))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	target := int64(d.Offset) + dataPayload
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := raw.WriteAt([]byte{'X'}, target); err != nil {
		t.Fatalf("flip: %v", err)
	}
	raw.Close()

	r, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close()

	if _, err := r.Verify(nil); !errors.Is(err, ErrBadMessage) {
		t.Fatalf("want ErrBadMessage, got %v", err)
	}
}

func TestVerifyDetectsCounterMismatch(t *testing.T) {
	f, _ := seedFile(t, 2)
	path := f.Path()
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Inflate the entry counter in the header.
	raw, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := raw.WriteAt([]byte{9, 0, 0, 0, 0, 0, 0, 0}, hdrNEntries); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw.Close()

	r, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close()

	if _, err := r.Verify(nil); !errors.Is(err, ErrBadMessage) {
		t.Fatalf("want ErrBadMessage, got %v", err)
	}
}

func TestSealAndVerifyTags(t *testing.T) {
	dir := t.TempDir()
	sealer := seal.NewKeyed([]byte("test key"))

	opts := testOptions()
	opts.Sealer = sealer
	f, err := Open(filepath.Join(dir, "sealed.journal"), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	for i := 0; i < 5; i++ {
		if _, _, err := f.AppendWithTime(uint64(1000000+i*1000), uint64(100+i*10),
			[][]byte{[]byte("MESSAGE=sealed")}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := f.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	// More entries and a second tag.
	for i := 5; i < 8; i++ {
		if _, _, err := f.AppendWithTime(uint64(1000000+i*1000), uint64(100+i*10),
			[][]byte{[]byte("MESSAGE=sealed")}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := f.Seal(); err != nil {
		t.Fatalf("second seal: %v", err)
	}
	// Sealing with nothing new appended is a no-op.
	if err := f.Seal(); err != nil {
		t.Fatalf("idle seal: %v", err)
	}

	rep, err := f.Verify(sealer)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.TagsChecked != 2 {
		t.Fatalf("want 2 tags checked, got %d", rep.TagsChecked)
	}

	// A different key must refuse the tags.
	if _, err := f.Verify(seal.NewKeyed([]byte("wrong key"))); !errors.Is(err, seal.ErrBadTag) {
		t.Fatalf("want ErrBadTag, got %v", err)
	}
}
