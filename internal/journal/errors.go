package journal

import "github.com/pkg/errors"

// Sentinel errors surfaced by the engine. Corruption is reported with
// ErrBadMessage wrapped with the offending offset so callers can decide
// whether to skip, stop, or rotate.
var (
	// ErrBadMessage marks structural corruption in the file.
	ErrBadMessage = errors.New("journal: corrupt object")

	// ErrNotSupported marks a file with incompatible feature flags this
	// build does not understand.
	ErrNotSupported = errors.New("journal: unsupported feature flags")

	// ErrProtocol marks a file whose header does not carry the journal
	// signature.
	ErrProtocol = errors.New("journal: not a journal file")

	// ErrDataErr marks a file truncated below its own header size.
	ErrDataErr = errors.New("journal: truncated file")

	// ErrBusy marks a file left online by a writer that is still alive, or
	// that crashed without offlining.
	ErrBusy = errors.New("journal: file is online")

	// ErrReadOnly marks a write attempted on a file opened for reading.
	ErrReadOnly = errors.New("journal: file is read-only")

	// ErrNoSpace marks an append that would exceed the configured maximum
	// file size.
	ErrNoSpace = errors.New("journal: maximum file size reached")

	// ErrFault marks a file whose mapping took an I/O fault earlier; all
	// further access is refused until the file is reopened.
	ErrFault = errors.New("journal: mapping fault")

	// ErrNotFound marks a lookup that matched nothing.
	ErrNotFound = errors.New("journal: not found")

	// ErrInvalid marks malformed caller input, like an unaligned offset or
	// an item without '='.
	ErrInvalid = errors.New("journal: invalid argument")
)

func badMessage(format string, args ...interface{}) error {
	return errors.Wrapf(ErrBadMessage, format, args...)
}
