// Package broadcast implements the connection registry: the in-process index
// of open push connections, grouped by organization.
//
// The registry serialises its bookkeeping behind one mutex and never holds it
// while writing to a transport. Fan-out iterates a snapshot of the
// organization's connections, so evictions triggered by failed writes cannot
// skip or revisit entries. Transports are buffered and must not block.
package broadcast
