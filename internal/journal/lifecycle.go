package journal

import "github.com/pkg/errors"

// Taking a file offline means two fsyncs with a header state flip in
// between: first everything appended so far, then the state byte, so that
// an OFFLINE (or ARCHIVED) state on disk guarantees the rest of the file
// made it too. The work runs on a background goroutine so appends are not
// blocked behind disk flushes; the states below coordinate the worker with
// concurrent SetOnline/SetOffline calls using compare-and-swap only.
const (
	// offlineJoined: no worker exists (never started, or joined).
	offlineJoined uint32 = iota
	// offlineSyncing: worker is flushing the arena.
	offlineSyncing
	// offlineOfflining: worker flipped the state byte and is flushing it.
	offlineOfflining
	// offlineCancel: SetOnline asked the worker to stop before the flip.
	offlineCancel
	// offlineAgainFromSyncing / offlineAgainFromOfflining: another
	// SetOffline arrived mid-run; the worker restarts from the top
	// instead of a second goroutine being spawned.
	offlineAgainFromSyncing
	offlineAgainFromOfflining
	// offlineDone: worker finished and can be joined.
	offlineDone
)

// state reads the header state byte.
func (f *File) state() uint8 {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.hdr.state()
}

func (f *File) writeState(s uint8) {
	f.stateMu.Lock()
	f.hdr.setState(s)
	f.stateMu.Unlock()
}

func (f *File) isOfflining() bool {
	s := f.offlineState.Load()
	return s != offlineJoined && s != offlineDone
}

// offlineWorker is the body of the offline transition. It is also run
// inline on the caller's goroutine for synchronous offlines.
func (f *File) offlineWorker() {
	defer func() {
		if f.offlineDone != nil {
			close(f.offlineDone)
		}
	}()

	for {
		switch f.offlineState.Load() {
		case offlineCancel:
			if !f.offlineState.CompareAndSwap(offlineCancel, offlineDone) {
				continue
			}
			return

		case offlineAgainFromSyncing:
			if !f.offlineState.CompareAndSwap(offlineAgainFromSyncing, offlineSyncing) {
				continue
			}

		case offlineAgainFromOfflining:
			if !f.offlineState.CompareAndSwap(offlineAgainFromOfflining, offlineSyncing) {
				continue
			}

		case offlineSyncing:
			if err := f.fsync(); err != nil {
				f.log.WithError(err).Error("sync before offline failed")
			}
			if !f.offlineState.CompareAndSwap(offlineSyncing, offlineOfflining) {
				continue
			}

			target := StateOffline
			if f.archive.Load() {
				target = StateArchived
			}
			f.writeState(target)
			if err := f.fsync(); err != nil {
				f.log.WithError(err).Error("sync of state byte failed")
			}

		case offlineOfflining:
			if !f.offlineState.CompareAndSwap(offlineOfflining, offlineDone) {
				continue
			}
			return

		case offlineDone, offlineJoined:
			return
		}
	}
}

// joinOffline waits for a finished or canceled worker and reaps it.
func (f *File) joinOffline() {
	if f.offlineDone == nil {
		f.offlineState.Store(offlineJoined)
		return
	}
	<-f.offlineDone
	f.offlineDone = nil
	f.offlineState.Store(offlineJoined)
}

// tryRestartOffline folds a new offline request into a worker already in
// flight. Returns true if the in-flight worker will redo the transition.
func (f *File) tryRestartOffline() bool {
	for {
		switch s := f.offlineState.Load(); s {
		case offlineJoined, offlineDone:
			return false

		case offlineSyncing:
			if !f.offlineState.CompareAndSwap(offlineSyncing, offlineAgainFromSyncing) {
				continue
			}
			return true

		case offlineOfflining:
			if !f.offlineState.CompareAndSwap(offlineOfflining, offlineAgainFromOfflining) {
				continue
			}
			return true

		case offlineCancel:
			if !f.offlineState.CompareAndSwap(offlineCancel, offlineAgainFromSyncing) {
				continue
			}
			return true

		case offlineAgainFromSyncing, offlineAgainFromOfflining:
			return true
		}
	}
}

// SetOffline flushes the file and flips its state to OFFLINE (or ARCHIVED
// after rotation). With wait the transition completes before returning;
// without, it runs in the background and is coalesced with any transition
// already in flight. A no-op on files that are already offline, except
// that a pending archived state is still written.
func (f *File) SetOffline(wait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setOfflineLocked(wait)
}

func (f *File) setOfflineLocked(wait bool) error {
	if !f.writable {
		return ErrReadOnly
	}

	// An offlining worker may still flip the state byte, so only a file
	// that is both on-disk offline and worker-idle is truly done.
	if !f.isOfflining() && f.state() != StateOnline {
		f.joinOffline()
		// Rotating a file that already went offline still has to land
		// the ARCHIVED state on disk; there is no later transition to
		// carry it.
		if f.archive.Load() && f.state() == StateOffline {
			f.writeState(StateArchived)
			return f.fsync()
		}
		return nil
	}

	restarted := f.tryRestartOffline()
	if restarted && wait || !restarted {
		f.joinOffline()
	}
	if restarted {
		return nil
	}

	f.offlineState.Store(offlineSyncing)
	if wait {
		f.offlineDone = nil
		f.offlineWorker()
		f.offlineState.Store(offlineJoined)
		if f.m.fault() {
			return ErrFault
		}
		return nil
	}

	f.offlineDone = make(chan struct{})
	go f.offlineWorker()
	return nil
}

// setOnline marks the file ONLINE before the first mutation of an append.
// If an offline transition is in flight it is canceled or waited out, so
// the state byte can never flip to OFFLINE under a writer.
func (f *File) setOnline() error {
	if !f.writable {
		return ErrReadOnly
	}
	if f.m.fault() {
		return ErrFault
	}

loop:
	for {
		switch s := f.offlineState.Load(); s {
		case offlineJoined:
			break loop

		case offlineSyncing:
			if !f.offlineState.CompareAndSwap(offlineSyncing, offlineCancel) {
				continue
			}
			// Canceled before the state byte flipped; reap the worker.
			f.joinOffline()
			break loop

		case offlineAgainFromSyncing:
			if !f.offlineState.CompareAndSwap(offlineAgainFromSyncing, offlineCancel) {
				continue
			}
			f.joinOffline()
			break loop

		case offlineAgainFromOfflining:
			if !f.offlineState.CompareAndSwap(offlineAgainFromOfflining, offlineCancel) {
				continue
			}
			f.joinOffline()
			break loop

		case offlineCancel, offlineOfflining, offlineDone:
			f.joinOffline()
			break loop
		}
	}

	switch f.state() {
	case StateOnline:
		return nil
	case StateOffline:
		f.writeState(StateOnline)
		return f.fsync()
	default:
		return errors.Wrap(ErrReadOnly, "file is archived")
	}
}
