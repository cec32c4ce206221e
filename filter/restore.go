package filter

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-nicctl"
)

// Remap translates an RSS context ID from before a controller reboot
// to its replacement. It reports false for a context that could not be
// re-created.
type Remap func(nicctl.RSSContextID) (nicctl.RSSContextID, bool)

// Restore re-installs every live filter after a controller reboot
// wiped the hardware table. Filters the controller now refuses are
// dropped from the table and returned. Restore stops early, leaving
// the remaining filters in place, if the controller reboots again or
// the transport is disabled.
func (t *Table) Restore(ctx context.Context, remap Remap) (restored int, dropped []Entry, err error) {
	for slot := 0; slot < t.size; slot++ {
		t.mu.Lock()
		e := &t.entries[slot]
		for e.spec != nil && e.busy {
			t.waitLocked()
		}
		if e.spec == nil {
			t.mu.Unlock()
			continue
		}
		e.busy = true
		id := t.idLocked(slot)
		spec := *e.spec
		var auto *nicctl.FilterSpec
		if e.overAuto != nil {
			a := *e.overAuto
			auto = &a
		}
		t.mu.Unlock()

		var handle uint64
		err := remapSpec(&spec, remap)
		if err == nil && auto != nil {
			if remapSpec(auto, remap) != nil {
				auto = nil
			}
		}
		if err == nil {
			handle, err = t.filterOp(ctx, insertOp(spec), 0, spec)
		}

		t.mu.Lock()
		switch {
		case err == nil:
			e.spec = &spec
			e.handle = handle
			e.overAuto = auto
			e.busy = false
			restored++
		case errors.Is(err, nicctl.ErrControllerRebooted) || errors.Is(err, nicctl.ErrDisabled) || ctx.Err() != nil:
			e.busy = false
			t.cond.Broadcast()
			t.mu.Unlock()
			t.metrics.Op("restore", err)
			return restored, dropped, fmt.Errorf("restore filters: %w", err)
		default:
			dropped = append(dropped, Entry{ID: id, Spec: spec, Handle: e.handle})
			t.freeLocked(e)
			t.logger.Warn("dropping filter after controller reboot", "id", id, "spec", spec, "error", err)
		}
		t.cond.Broadcast()
		t.mu.Unlock()
	}
	t.metrics.Op("restore", nil)
	t.logger.Info("filters restored", "restored", restored, "dropped", len(dropped))
	return restored, dropped, nil
}

func remapSpec(spec *nicctl.FilterSpec, remap Remap) error {
	if remap == nil || spec.Flags&nicctl.FlagRSS == 0 || spec.RSSContext == nicctl.RSSContextDefault {
		return nil
	}
	id, ok := remap(spec.RSSContext)
	if !ok {
		return fmt.Errorf("rss context %d was not re-created: %w", spec.RSSContext, nicctl.ErrNotFound)
	}
	spec.RSSContext = id
	return nil
}

// Unload removes every live filter from the controller but keeps the
// table's view of them, so that a following Restore re-installs them.
// It is used when the controller's state is suspect but it did not
// reboot. Filters the controller has already forgotten are skipped.
func (t *Table) Unload(ctx context.Context) error {
	var errs []error
	for slot := 0; slot < t.size; slot++ {
		t.mu.Lock()
		e := &t.entries[slot]
		for e.spec != nil && e.busy {
			t.waitLocked()
		}
		if e.spec == nil || e.handle == 0 {
			t.mu.Unlock()
			continue
		}
		e.busy = true
		spec, handle := *e.spec, e.handle
		t.mu.Unlock()

		err := ignoreGone(t.filterOpRemove(ctx, spec, handle))

		t.mu.Lock()
		e.busy = false
		if err == nil {
			e.handle = 0
		}
		t.cond.Broadcast()
		t.mu.Unlock()

		if err != nil {
			if errors.Is(err, nicctl.ErrControllerRebooted) || errors.Is(err, nicctl.ErrDisabled) || ctx.Err() != nil {
				t.metrics.Op("unload", err)
				return fmt.Errorf("unload filters: %w", err)
			}
			errs = append(errs, fmt.Errorf("unload slot %d: %w", slot, err))
		}
	}
	err := errors.Join(errs...)
	t.metrics.Op("unload", err)
	return err
}
