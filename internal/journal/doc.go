// Package journal implements the append-only, memory-mapped log file
// format at the core of jot.
//
// A file is a fixed header followed by an arena of typed objects. Payloads
// are stored once and content-addressed through a hash table; entries
// reference them and are threaded into offset-sorted entry arrays, which
// queries bisect by sequence number, wall clock or boot clock. Files move
// between ONLINE, OFFLINE and ARCHIVED states so that crash recovery can
// tell a cleanly closed file from one that needs to be rotated away.
package journal
