// Package filter compiles CEL expressions into predicates over journal
// entries, used by the read CLI to narrow output beyond exact field
// matches.
package filter
