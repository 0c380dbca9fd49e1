package dispatch

import "time"

// ReapIdle terminates every non-XA session whose last activity is older
// than idleTimeout (spec.md §6's `connection.idle.timeout`), returning how
// many it closed. XA sessions are never reaped here: a branch left
// prepared-but-uncommitted past the idle window must drain through its
// own XA lifecycle, not be torn down underneath an in-doubt transaction.
func (d *Dispatcher) ReapIdle(idleTimeout time.Duration) int {
	cutoff := time.Now().Add(-idleTimeout)
	closed := 0
	for _, id := range d.sessions.IdleSince(cutoff) {
		sess, ok := d.sessions.Get(id)
		if !ok || sess.IsXA {
			continue
		}
		if err := d.TerminateSession(id); err == nil {
			closed++
		}
	}
	return closed
}
