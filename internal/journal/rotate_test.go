package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestRotateArchivesAndContinuesSeqnums(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "active.journal")

	f, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := f.AppendWithTime(uint64(1000000+i*1000), uint64(100+i*10),
			[][]byte{[]byte(fmt.Sprintf("MESSAGE=%d", i))}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	oldInfo := f.Stat()

	f, err = Rotate(f, testOptions())
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	defer f.Close()

	// The archive sits next to the active file, named for its seqnum id
	// and head position.
	want := fmt.Sprintf("active@%s-%016x-%016x.journal",
		oldInfo.SeqnumID, oldInfo.HeadSeqnum, uint64(1000000))
	archive := filepath.Join(dir, want)
	if _, err := os.Stat(archive); err != nil {
		t.Fatalf("archive %s: %v", want, err)
	}

	// The archived file carries the ARCHIVED state.
	a, err := Open(archive, Options{})
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if s := a.Stat().State; s != StateArchived {
		t.Fatalf("want archived state, got %d", s)
	}
	a.Close()

	// The fresh file continues the numbering line.
	newInfo := f.Stat()
	if newInfo.SeqnumID != oldInfo.SeqnumID {
		t.Fatalf("seqnum id changed across rotation")
	}
	if newInfo.NEntries != 0 {
		t.Fatalf("fresh file has %d entries", newInfo.NEntries)
	}
	seq, _, err := f.AppendWithTime(2000000, 1000, [][]byte{[]byte("MESSAGE=after")})
	if err != nil {
		t.Fatalf("append after rotate: %v", err)
	}
	if seq != oldInfo.TailSeqnum+1 {
		t.Fatalf("want seqnum %d, got %d", oldInfo.TailSeqnum+1, seq)
	}
}

func TestRotateArchivesAlreadyOfflineFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idle.journal")

	f, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, err := f.AppendWithTime(1000000, 500, [][]byte{[]byte("MESSAGE=only")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// The file is fully offline before the rotation; no later transition
	// exists to carry the archived state for it.
	if err := f.SetOffline(true); err != nil {
		t.Fatalf("offline: %v", err)
	}

	f, err = Rotate(f, testOptions())
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	defer f.Close()

	archives, err := filepath.Glob(filepath.Join(dir, "idle@*.journal"))
	if err != nil || len(archives) != 1 {
		t.Fatalf("want one archive, got %v (%v)", archives, err)
	}
	a, err := Open(archives[0], Options{})
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer a.Close()
	if s := a.Stat().State; s != StateArchived {
		t.Fatalf("want archived state, got %d", s)
	}
}

func TestRotateDuringBackgroundOffline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busy.journal")

	f, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := f.AppendWithTime(uint64(1000000+i*1000), uint64(500+i*10),
			[][]byte{[]byte(fmt.Sprintf("MESSAGE=%d", i))}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Rotate while an offline transition is in flight; whichever side
	// writes the state byte last, the archive must end up ARCHIVED.
	if err := f.SetOffline(false); err != nil {
		t.Fatalf("offline: %v", err)
	}
	f, err = Rotate(f, testOptions())
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	defer f.Close()

	archives, err := filepath.Glob(filepath.Join(dir, "busy@*.journal"))
	if err != nil || len(archives) != 1 {
		t.Fatalf("want one archive, got %v (%v)", archives, err)
	}
	a, err := Open(archives[0], Options{})
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer a.Close()
	if s := a.Stat().State; s != StateArchived {
		t.Fatalf("want archived state, got %d", s)
	}
}

func TestRotateRefusedReadOnly(t *testing.T) {
	f, _ := seedFile(t, 1)
	path := f.Path()
	f.Close()

	r, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	if _, err := Rotate(r, Options{}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("want ErrReadOnly, got %v", err)
	}
}

func TestOpenReliablyRecoversFromGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.journal")
	if err := os.WriteFile(path, []byte("definitely not a journal file, padded out to something long enough to map"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := OpenReliably(path, testOptions())
	if err != nil {
		t.Fatalf("open reliably: %v", err)
	}
	defer f.Close()

	if _, _, err := f.Append([][]byte{[]byte("MESSAGE=fresh start")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// The broken file was moved aside, not destroyed.
	aside, err := filepath.Glob(filepath.Join(dir, "broken@*.journal~"))
	if err != nil || len(aside) != 1 {
		t.Fatalf("want one aside file, got %v (%v)", aside, err)
	}
}

func TestOpenReliablyDoesNotTouchHealthyFiles(t *testing.T) {
	f, _ := seedFile(t, 2)
	path := f.Path()
	f.Close()

	g, err := OpenReliably(path, testOptions())
	if err != nil {
		t.Fatalf("open reliably: %v", err)
	}
	defer g.Close()

	if n := g.NEntries(); n != 2 {
		t.Fatalf("want 2 entries preserved, got %d", n)
	}
}

func TestRotateSuggested(t *testing.T) {
	f, _ := seedFile(t, 1)

	if f.RotateSuggested(0) {
		t.Fatalf("fresh file should not suggest rotation")
	}
	// The head entry is from 1970; any age limit triggers.
	if !f.RotateSuggested(1) {
		t.Fatalf("ancient file should suggest rotation")
	}
}

func TestRotateSuggestedForFutureEntries(t *testing.T) {
	f, _ := seedFile(t, 1)

	future := uint64(time.Now().Add(48*time.Hour).UnixMicro())
	if _, _, err := f.AppendWithTime(future, 1000, [][]byte{[]byte("MESSAGE=tomorrow")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if !f.RotateSuggested(0) {
		t.Fatalf("file with future entries should suggest rotation")
	}
}
