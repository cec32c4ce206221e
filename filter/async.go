package filter

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/mcdi"
)

// checkAsyncLocked reports whether spec may be installed without
// blocking. Only flow-steering priorities are allowed, and never
// multicast recipients, whose cascade needs several commands.
func (t *Table) checkAsyncLocked(spec nicctl.FilterSpec) error {
	if spec.Priority != nicctl.PriorityAuto && spec.Priority != nicctl.PriorityHint {
		return fmt.Errorf("async %s filter: %w", spec.Priority, nicctl.ErrNotSupported)
	}
	if spec.IsMulticastRecipient() {
		return fmt.Errorf("async multicast recipient: %w", nicctl.ErrNotSupported)
	}
	if spec.Flags&nicctl.FlagRSS != 0 && t.caps&mcdi.CapAsyncFilterRSS == 0 {
		return fmt.Errorf("async rss filter: %w", nicctl.ErrNotSupported)
	}
	return nil
}

// InsertAsync starts installing spec and returns without waiting for
// the controller. It never sleeps: a BUSY slot or a full async window
// fails with nicctl.ErrBusy. Unless InsertAsync returns an error, cb is
// called exactly once with cookie, possibly before InsertAsync
// returns.
func (t *Table) InsertAsync(ctx context.Context, spec nicctl.FilterSpec, replaceEqual bool, cookie uint64, cb func(cookie uint64, id nicctl.FilterID, err error)) error {
	err := t.insertAsync(ctx, spec, replaceEqual, cookie, cb)
	if err != nil {
		t.metrics.Op("insert_async", err)
	}
	return err
}

func (t *Table) insertAsync(ctx context.Context, spec nicctl.FilterSpec, replaceEqual bool, cookie uint64, cb func(uint64, nicctl.FilterID, error)) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	wire, err := t.wireSpec(spec)
	if err != nil {
		return err
	}
	if !t.async.TryAcquire(1) {
		return fmt.Errorf("async filter window full: %w", nicctl.ErrBusy)
	}
	start := t.probeStart(&spec)

	t.mu.Lock()
	matchPri, err := t.matchPriorityLocked(spec.Match)
	if err == nil {
		err = t.checkAsyncLocked(spec)
	}
	if err != nil {
		t.mu.Unlock()
		t.async.Release(1)
		return err
	}
	p, err := t.planLocked(&spec, start, replaceEqual)
	if errors.Is(err, errSlotBusy) {
		err = fmt.Errorf("filter slot has a mutation in flight: %w", nicctl.ErrBusy)
	}
	if err != nil {
		t.mu.Unlock()
		t.async.Release(1)
		return err
	}
	e := &t.entries[p.slot]
	id := t.makeID(matchPri, p.slot)
	if p.keep {
		t.keepLocked(e, spec)
		t.mu.Unlock()
		t.async.Release(1)
		t.metrics.Op("insert_async", nil)
		cb(cookie, id, nil)
		return nil
	}

	saved := e.spec
	e.busy = true
	op, handle := insertOp(spec), uint64(0)
	if saved != nil {
		op, handle = mcdi.FilterReplace, e.handle
	} else {
		e.spec = &spec
		t.used++
	}
	t.mu.Unlock()

	rollback := func() {
		if saved == nil {
			e.spec = nil
			t.used--
		}
		e.busy = false
		t.metrics.Occupied(t.used)
		t.cond.Broadcast()
	}

	var resp mcdi.FilterOpResponse
	req := mcdi.FilterOpRequest{Op: op, Handle: handle, Spec: wire}
	err = t.tr.CallAsync(ctx, mcdi.OpFilterOp, req, &resp, func(err error) {
		t.mu.Lock()
		if err != nil {
			rollback()
		} else {
			t.commitLocked(e, spec, saved, resp.Handle)
			t.cond.Broadcast()
		}
		t.mu.Unlock()
		t.async.Release(1)
		t.metrics.Op("insert_async", err)
		if err != nil {
			cb(cookie, nicctl.FilterIDInvalid, err)
			return
		}
		cb(cookie, id, nil)
	})
	if err != nil {
		t.mu.Lock()
		rollback()
		t.mu.Unlock()
		t.async.Release(1)
	}
	return err
}

// RemoveAsync starts removing the AUTO or HINT filter id. It fails with
// nicctl.ErrBusy rather than waiting. Unless RemoveAsync returns an
// error, cb is called exactly once with cookie.
func (t *Table) RemoveAsync(ctx context.Context, id nicctl.FilterID, cookie uint64, cb func(cookie uint64, err error)) error {
	err := t.removeAsync(ctx, id, cookie, cb)
	if err != nil {
		t.metrics.Op("remove_async", err)
	}
	return err
}

func (t *Table) removeAsync(ctx context.Context, id nicctl.FilterID, cookie uint64, cb func(uint64, error)) error {
	matchPri, slot, ok := t.decodeID(id)
	if !ok {
		return nicctl.ErrFilterNotFound{ID: id}
	}
	if !t.async.TryAcquire(1) {
		return fmt.Errorf("async filter window full: %w", nicctl.ErrBusy)
	}

	t.mu.Lock()
	e := &t.entries[slot]
	var err error
	switch {
	case e.spec == nil || t.matchPri[e.spec.Match] != matchPri:
		err = nicctl.ErrFilterNotFound{ID: id}
	case e.busy:
		err = fmt.Errorf("filter %s has a mutation in flight: %w", id, nicctl.ErrBusy)
	default:
		err = t.checkAsyncLocked(*e.spec)
	}
	if err != nil {
		t.mu.Unlock()
		t.async.Release(1)
		return err
	}
	e.busy = true
	r := t.removalLocked(e)
	t.mu.Unlock()

	wire, err := t.wireSpec(r.spec)
	if err != nil {
		t.releaseEntry(e)
		t.async.Release(1)
		return err
	}
	var resp mcdi.FilterOpResponse
	req := mcdi.FilterOpRequest{Op: r.op, Handle: r.handle, Spec: wire}
	err = t.tr.CallAsync(ctx, mcdi.OpFilterOp, req, &resp, func(err error) {
		if r.demote == nil {
			err = ignoreGone(err)
		}
		t.mu.Lock()
		t.finishRemovalLocked(e, r, resp.Handle, err)
		t.mu.Unlock()
		t.async.Release(1)
		t.metrics.Op("remove_async", err)
		cb(cookie, err)
	})
	if err != nil {
		t.releaseEntry(e)
		t.async.Release(1)
	}
	return err
}
