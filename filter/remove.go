package filter

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/mcdi"
)

// acquire waits until the slot named by id is idle and marks it BUSY.
// The slot is re-validated after every wake-up.
func (t *Table) acquire(id nicctl.FilterID) (*entry, error) {
	matchPri, slot, ok := t.decodeID(id)
	if !ok {
		return nil, nicctl.ErrFilterNotFound{ID: id}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		e := &t.entries[slot]
		if e.spec == nil || t.matchPri[e.spec.Match] != matchPri {
			return nil, nicctl.ErrFilterNotFound{ID: id}
		}
		if !e.busy {
			e.busy = true
			return e, nil
		}
		t.waitLocked()
	}
}

func (t *Table) releaseEntry(e *entry) {
	t.mu.Lock()
	e.busy = false
	t.cond.Broadcast()
	t.mu.Unlock()
}

// removal is a removal command for an acquired slot. A slot that holds
// a filter over an AUTO one is demoted to the AUTO spec instead.
type removal struct {
	op     mcdi.FilterOpCode
	handle uint64
	spec   nicctl.FilterSpec
	demote *nicctl.FilterSpec
}

func (t *Table) removalLocked(e *entry) removal {
	r := removal{op: removeOp(*e.spec), handle: e.handle, spec: *e.spec}
	if e.overAuto != nil {
		auto := *e.overAuto
		r.op, r.spec, r.demote = mcdi.FilterReplace, auto, &auto
	}
	return r
}

func (t *Table) finishRemovalLocked(e *entry, r removal, handle uint64, err error) {
	switch {
	case err != nil:
		e.busy = false
	case r.demote != nil:
		e.spec = r.demote
		e.handle = handle
		e.overAuto = nil
		e.busy = false
	default:
		t.freeLocked(e)
	}
	t.cond.Broadcast()
}

// Remove tears down the filter id. Removing an ID that no longer names
// a live filter returns an error matching nicctl.ErrNotFound.
func (t *Table) Remove(ctx context.Context, id nicctl.FilterID) error {
	err := t.remove(ctx, id)
	t.metrics.Op("remove", err)
	return err
}

func (t *Table) remove(ctx context.Context, id nicctl.FilterID) error {
	e, err := t.acquire(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	r := t.removalLocked(e)
	t.mu.Unlock()

	handle, err := t.filterOp(ctx, r.op, r.handle, r.spec)
	if r.demote == nil {
		err = ignoreGone(err)
	}

	t.mu.Lock()
	t.finishRemovalLocked(e, r, handle, err)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("remove filter %s: %w", id, err)
	}
	return nil
}

// Redirect changes where filter id delivers. A nil rss turns RSS off.
func (t *Table) Redirect(ctx context.Context, id nicctl.FilterID, queue uint16, rss *nicctl.RSSContextID) error {
	err := t.redirect(ctx, id, queue, rss)
	t.metrics.Op("redirect", err)
	return err
}

func (t *Table) redirect(ctx context.Context, id nicctl.FilterID, queue uint16, rss *nicctl.RSSContextID) error {
	e, err := t.acquire(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	spec, handle := *e.spec, e.handle
	t.mu.Unlock()

	spec.Queue = queue
	if rss != nil {
		spec.Flags |= nicctl.FlagRSS
		spec.RSSContext = *rss
	} else {
		spec.Flags &^= nicctl.FlagRSS
	}
	if err := spec.Validate(); err != nil {
		t.releaseEntry(e)
		return err
	}

	newHandle, err := t.filterOp(ctx, mcdi.FilterReplace, handle, spec)

	t.mu.Lock()
	if err == nil {
		e.spec = &spec
		e.handle = newHandle
	}
	e.busy = false
	t.cond.Broadcast()
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("redirect filter %s: %w", id, err)
	}
	return nil
}

// ClearPriority removes every filter at priority.
func (t *Table) ClearPriority(ctx context.Context, priority nicctl.Priority) error {
	var errs []error
	for _, id := range t.ListIDsByPriority(priority) {
		if _, err := t.Lookup(id, priority); err != nil {
			continue
		}
		if err := t.Remove(ctx, id); err != nil && !errors.Is(err, nicctl.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
