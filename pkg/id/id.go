package id

import (
	"encoding/hex"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ID128 is a 128-bit identifier stored as 16 raw bytes. Journal files use
// four of them: the file id, the machine id, the boot id and the sequence
// number domain id.
type ID128 [16]byte

// Nil is the zero identifier.
var Nil ID128

// NewRandom returns a freshly generated random identifier.
func NewRandom() ID128 {
	return ID128(uuid.New())
}

// IsNil reports whether the identifier is all zeroes.
func (i ID128) IsNil() bool { return i == Nil }

// Bytes returns a copy of the raw 16-byte representation.
func (i ID128) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns the canonical 32-character lowercase hex form.
func (i ID128) String() string { return hex.EncodeToString(i[:]) }

// Parse decodes a 32-character hex identifier, tolerating the dashed UUID
// form found in machine-id style files written by other tools.
func Parse(s string) (ID128, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "-", ""))
	if len(s) != 32 {
		return Nil, errors.Errorf("id: malformed 128-bit id %q", s)
	}
	var out ID128
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return Nil, errors.Wrapf(err, "id: malformed 128-bit id %q", s)
	}
	return out, nil
}

var (
	machineOnce sync.Once
	machineID   ID128
	machineErr  error

	bootOnce sync.Once
	bootID   ID128
	bootErr  error
)

// MachineIDPath and BootIDPath are the identity sources consulted by
// MachineID and BootID. Overridable for tests.
var (
	MachineIDPath = "/etc/machine-id"
	BootIDPath    = "/proc/sys/kernel/random/boot_id"
)

// MachineID returns the stable machine identifier. The value is read once
// and cached for the lifetime of the process.
func MachineID() (ID128, error) {
	machineOnce.Do(func() {
		machineID, machineErr = readIDFile(MachineIDPath)
	})
	return machineID, machineErr
}

// BootID returns the identifier of the current boot.
func BootID() (ID128, error) {
	bootOnce.Do(func() {
		bootID, bootErr = readIDFile(BootIDPath)
	})
	return bootID, bootErr
}

func readIDFile(path string) (ID128, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Nil, errors.Wrapf(err, "id: read %s", path)
	}
	return Parse(string(b))
}
