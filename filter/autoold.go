package filter

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-nicctl"
)

// MarkOld flags the given address-list filters for the next SweepOld.
// Re-inserting a flagged filter at PriorityAuto clears the flag. It
// returns how many live filters were flagged.
func (t *Table) MarkOld(ids []nicctl.FilterID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, id := range ids {
		matchPri, slot, ok := t.decodeID(id)
		if !ok {
			continue
		}
		e := &t.entries[slot]
		if e.spec == nil || t.matchPri[e.spec.Match] != matchPri {
			continue
		}
		e.autoOld = true
		n++
	}
	return n
}

// SweepOld removes every AUTO filter still flagged by MarkOld. A
// flagged slot now held by a better filter only forgets the AUTO
// filter beneath it. It returns the number of filters removed.
func (t *Table) SweepOld(ctx context.Context) (int, error) {
	t.mu.Lock()
	var ids []nicctl.FilterID
	for i := range t.entries {
		if e := &t.entries[i]; e.spec != nil && e.autoOld {
			ids = append(ids, t.idLocked(i))
		}
	}
	t.mu.Unlock()

	removed := 0
	var errs []error
	for _, id := range ids {
		e, err := t.acquire(id)
		if err != nil {
			continue
		}
		t.mu.Lock()
		if !e.autoOld {
			// Renewed while we waited.
			e.busy = false
			t.cond.Broadcast()
			t.mu.Unlock()
			continue
		}
		e.autoOld = false
		if e.spec.Priority != nicctl.PriorityAuto {
			e.overAuto = nil
			e.busy = false
			t.cond.Broadcast()
			t.mu.Unlock()
			continue
		}
		r := t.removalLocked(e)
		t.mu.Unlock()

		handle, err := t.filterOp(ctx, r.op, r.handle, r.spec)
		err = ignoreGone(err)

		t.mu.Lock()
		t.finishRemovalLocked(e, r, handle, err)
		t.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep filter %s: %w", id, err))
			continue
		}
		removed++
	}
	t.metrics.Op("sweep", errors.Join(errs...))
	return removed, errors.Join(errs...)
}
