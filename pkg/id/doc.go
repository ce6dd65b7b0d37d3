// Package id provides the 128-bit identifiers used throughout jot: random
// file ids, the machine id and the boot id, all in the same 16-byte wire
// representation the journal file format stores them in.
package id
