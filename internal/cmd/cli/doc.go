// Package cli builds the jot command tree: appending entries, reading
// them back with matches and filters, and maintaining the files with
// stat, ls, verify and rotate.
package cli
