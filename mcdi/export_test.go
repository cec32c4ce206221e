package mcdi

import "time"

// TimeoutFor exposes the timeout tier selection to tests.
func (t *Transport) TimeoutFor(op Opcode) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeoutLocked(op)
}
