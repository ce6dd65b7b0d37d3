// Package catalog maintains a persistent index of the journal files in a
// directory, keyed by file name and carrying each file's sequence number
// and time range, so cross-file operations can pick candidate files
// without opening them all.
package catalog
