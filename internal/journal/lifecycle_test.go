package journal

import (
	"testing"
)

func TestStateTransitions(t *testing.T) {
	f, _ := seedFile(t, 1)

	// Appending brought the file online.
	if s := f.Stat().State; s != StateOnline {
		t.Fatalf("want online after append, got %d", s)
	}

	if err := f.SetOffline(true); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if s := f.Stat().State; s != StateOffline {
		t.Fatalf("want offline, got %d", s)
	}

	// Offlining an offline file is a no-op.
	if err := f.SetOffline(true); err != nil {
		t.Fatalf("second offline: %v", err)
	}
	if s := f.Stat().State; s != StateOffline {
		t.Fatalf("want offline after no-op, got %d", s)
	}

	// The next append brings it back online.
	if _, _, err := f.Append([][]byte{[]byte("MESSAGE=again")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if s := f.Stat().State; s != StateOnline {
		t.Fatalf("want online after append, got %d", s)
	}
}

func TestAsyncOfflineCompletes(t *testing.T) {
	f, _ := seedFile(t, 3)

	if err := f.SetOffline(false); err != nil {
		t.Fatalf("offline: %v", err)
	}
	// A second non-waiting offline coalesces with the first; a waiting
	// one joins whatever is in flight.
	if err := f.SetOffline(false); err != nil {
		t.Fatalf("restart offline: %v", err)
	}
	if err := f.SetOffline(true); err != nil {
		t.Fatalf("join offline: %v", err)
	}
	if s := f.Stat().State; s != StateOffline {
		t.Fatalf("want offline, got %d", s)
	}
}

func TestAppendCancelsInflightOffline(t *testing.T) {
	f, _ := seedFile(t, 3)

	// Start a background offline and immediately append; whatever phase
	// the worker is in, the file must end up online with the entry in.
	if err := f.SetOffline(false); err != nil {
		t.Fatalf("offline: %v", err)
	}
	seq, _, err := f.Append([][]byte{[]byte("MESSAGE=while offlining")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 4 {
		t.Fatalf("want seqnum 4, got %d", seq)
	}
	if s := f.Stat().State; s != StateOnline {
		t.Fatalf("want online after append, got %d", s)
	}
}

func TestCloseTakesFileOffline(t *testing.T) {
	f, _ := seedFile(t, 2)
	path := f.Path()

	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close()
	if s := r.Stat().State; s != StateOffline {
		t.Fatalf("want offline after close, got %d", s)
	}
}

func TestReadOnlyFileRefusesLifecycle(t *testing.T) {
	f, _ := seedFile(t, 1)
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := Open(f.Path(), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	if err := r.SetOffline(true); err != ErrReadOnly {
		t.Fatalf("want ErrReadOnly, got %v", err)
	}
	if _, _, err := r.Append([][]byte{[]byte("MESSAGE=nope")}); err == nil {
		t.Fatalf("append on read-only file succeeded")
	}
}
