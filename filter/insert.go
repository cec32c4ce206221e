package filter

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/mcdi"
)

// errSlotBusy means the probe reached a BUSY slot holding the same
// tuple; the caller waits or gives up.
var errSlotBusy = errors.New("slot busy")

// plan is the outcome of probing for an insert.
type plan struct {
	slot int
	// keep means an AUTO insert found an AUTO or better incumbent:
	// nothing is sent to the controller.
	keep bool
	// cascade lists lower-priority slots a multicast recipient
	// supersedes.
	cascade []int
}

// planLocked probes for spec. It never changes the table.
func (t *Table) planLocked(spec *nicctl.FilterSpec, start int, replaceEqual bool) (plan, error) {
	mcRecip := spec.IsMulticastRecipient()
	ins := -1
	var cascade []int

	for depth := 0; depth < t.depth; depth++ {
		i := (start + depth) % t.size
		e := &t.entries[i]
		if e.spec == nil {
			if ins < 0 {
				ins = i
			}
			continue
		}
		if !e.spec.SameTuple(*spec) {
			continue
		}
		if e.busy {
			return plan{}, errSlotBusy
		}

		inc := e.spec.Priority
		superseded := false
		switch {
		case spec.Priority == nicctl.PriorityAuto && !spec.Priority.Better(inc):
			// An address-list filter that already exists, or sits
			// under a better one: keep the incumbent.
			return plan{slot: i, keep: true}, nil
		case inc.Better(spec.Priority) && inc != nicctl.PriorityAuto:
			return plan{}, fmt.Errorf("%s filter exists for %s: %w", inc, spec.Tuple().Match, nicctl.ErrPermissionDenied)
		case inc.Better(spec.Priority):
			superseded = true
		case spec.Priority.Better(inc):
			superseded = true
		default:
			superseded = replaceEqual
		}

		if !mcRecip {
			if !superseded {
				return plan{}, fmt.Errorf("%s filter exists: %w", inc, nicctl.ErrAlreadyExists)
			}
			return plan{slot: i}, nil
		}
		// Multicast recipients share the tuple. Superseded ones are
		// replaced or removed; equal ones are fellow subscribers.
		if !superseded {
			continue
		}
		if ins < 0 {
			ins = i
		} else {
			cascade = append(cascade, i)
		}
	}

	if ins < 0 {
		if t.used >= t.size {
			return plan{}, fmt.Errorf("filter table full (%d slots): %w", t.size, nicctl.ErrOutOfSpace)
		}
		return plan{}, fmt.Errorf("no free slot within %d probes: %w", t.depth, nicctl.ErrBusy)
	}
	return plan{slot: ins, cascade: cascade}, nil
}

// Insert installs spec and returns its ID. If a filter with the same
// tuple exists, the better priority wins: a worse spec fails with
// nicctl.ErrPermissionDenied, an equal one with
// nicctl.ErrAlreadyExists unless replaceEqual is set. AUTO filters
// may always be superseded. Multicast recipients supersede every
// lower-priority subscriber along the probe path.
func (t *Table) Insert(ctx context.Context, spec nicctl.FilterSpec, replaceEqual bool) (nicctl.FilterID, error) {
	id, err := t.insert(ctx, spec, replaceEqual)
	t.metrics.Op("insert", err)
	if err != nil {
		t.logger.Debug("filter insert failed", "spec", spec, "error", err)
	}
	return id, err
}

func (t *Table) insert(ctx context.Context, spec nicctl.FilterSpec, replaceEqual bool) (nicctl.FilterID, error) {
	if err := spec.Validate(); err != nil {
		return nicctl.FilterIDInvalid, err
	}
	start := t.probeStart(&spec)

	t.mu.Lock()
	if _, err := t.matchPriorityLocked(spec.Match); err != nil {
		t.mu.Unlock()
		return nicctl.FilterIDInvalid, err
	}
	var p plan
	var err error
	for {
		p, err = t.planLocked(&spec, start, replaceEqual)
		if !errors.Is(err, errSlotBusy) {
			break
		}
		t.waitLocked()
	}
	if err != nil {
		t.mu.Unlock()
		return nicctl.FilterIDInvalid, err
	}

	e := &t.entries[p.slot]
	if p.keep {
		t.keepLocked(e, spec)
		id := t.idLocked(p.slot)
		t.mu.Unlock()
		return id, nil
	}

	saved := e.spec
	e.busy = true
	for _, i := range p.cascade {
		t.entries[i].busy = true
	}
	op, handle := insertOp(spec), uint64(0)
	if saved != nil {
		op, handle = mcdi.FilterReplace, e.handle
	} else {
		e.spec = &spec
		t.used++
	}
	t.mu.Unlock()

	newHandle, err := t.filterOp(ctx, op, handle, spec)

	t.mu.Lock()
	if err != nil {
		if saved == nil {
			e.spec = nil
			t.used--
		}
		e.busy = false
		for _, i := range p.cascade {
			t.entries[i].busy = false
		}
		t.metrics.Occupied(t.used)
		t.cond.Broadcast()
		t.mu.Unlock()
		return nicctl.FilterIDInvalid, err
	}
	t.commitLocked(e, spec, saved, newHandle)
	id := t.idLocked(p.slot)
	t.cond.Broadcast()
	t.mu.Unlock()

	if len(p.cascade) > 0 {
		t.removeCascade(ctx, p.cascade)
	}
	return id, nil
}

// keepLocked handles an AUTO insert that leaves the incumbent in
// place.
func (t *Table) keepLocked(e *entry, spec nicctl.FilterSpec) {
	if e.spec.Priority.Better(nicctl.PriorityAuto) {
		auto := spec
		e.overAuto = &auto
	}
	e.autoOld = false
}

func (t *Table) commitLocked(e *entry, spec nicctl.FilterSpec, saved *nicctl.FilterSpec, handle uint64) {
	if saved != nil {
		switch {
		case saved.Priority == nicctl.PriorityAuto && spec.Priority != nicctl.PriorityAuto:
			auto := *saved
			e.overAuto = &auto
		case spec.Priority == nicctl.PriorityAuto:
			e.overAuto = nil
		}
	}
	committed := spec
	e.spec = &committed
	e.handle = handle
	e.autoOld = false
	e.busy = false
	t.metrics.Occupied(t.used)
}

// removeCascade tears down superseded multicast subscribers. Each is
// its own command; they are unordered relative to each other.
func (t *Table) removeCascade(ctx context.Context, slots []int) {
	var g errgroup.Group
	for _, slot := range slots {
		g.Go(func() error {
			t.mu.Lock()
			e := &t.entries[slot]
			spec, handle := *e.spec, e.handle
			t.mu.Unlock()

			err := ignoreGone(t.filterOpRemove(ctx, spec, handle))

			t.mu.Lock()
			defer t.mu.Unlock()
			if err == nil {
				t.freeLocked(e)
			} else {
				e.busy = false
				t.logger.Warn("cascade removal failed", "slot", slot, "spec", spec, "error", err)
			}
			t.cond.Broadcast()
			return err
		})
	}
	err := g.Wait()
	t.metrics.Cascade(len(slots))
	t.metrics.Op("cascade", err)
}

func (t *Table) filterOpRemove(ctx context.Context, spec nicctl.FilterSpec, handle uint64) error {
	_, err := t.filterOp(ctx, removeOp(spec), handle, spec)
	return err
}

// freeLocked empties a slot after its filter was removed.
func (t *Table) freeLocked(e *entry) {
	e.spec = nil
	e.handle = 0
	e.busy = false
	e.autoOld = false
	e.overAuto = nil
	t.used--
	t.metrics.Occupied(t.used)
}
