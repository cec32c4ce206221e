// Package dispatcher drains the completion event ring.
//
// MCDI events go straight to the command transport. Every other event
// is offered to registered collaborators in priority order until one
// claims it. Collaborators are kept in a btree keyed by (priority,
// registration order); Close removes them in reverse order of
// registration.
package dispatcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/hw"
	"github.com/frobware/go-nicctl/logging"
	"github.com/frobware/go-nicctl/metrics"
)

// Handler is a collaborator that consumes non-MCDI events.
type Handler interface {
	// HandleEvent reports whether the event was consumed.
	HandleEvent(ev hw.Event) bool
	// OnRemove is called once when the collaborator is removed.
	OnRemove()
}

// HandlerFunc adapts a function to Handler with a no-op OnRemove.
type HandlerFunc func(ev hw.Event) bool

func (f HandlerFunc) HandleEvent(ev hw.Event) bool { return f(ev) }
func (f HandlerFunc) OnRemove()                    {}

// CommandCompleter receives MCDI events. *mcdi.Transport implements
// it.
type CommandCompleter interface {
	HandleEvent(ev hw.Event) bool
}

// Config controls polling.
type Config struct {
	// Budget is the most events one Poll drains.
	Budget int
	// PollInterval is how long Run sleeps when the ring is idle and no
	// notification arrives.
	PollInterval time.Duration
}

// ErrClosed is returned by Register after Close.
var ErrClosed = errors.New("dispatcher closed")

type entry struct {
	name     string
	priority int
	seq      uint64
	codes    uint16
	handler  Handler
}

func entryLess(a, b *entry) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records event metrics.
func WithMetrics(m *metrics.Dispatcher) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher routes completion events.
type Dispatcher struct {
	ring    *hw.EventRing
	mcdi    CommandCompleter
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Dispatcher

	// pollMu makes Poll the ring's single consumer.
	pollMu sync.Mutex

	mu      sync.RWMutex
	reg     *btree.BTreeG[*entry]
	nextSeq uint64
	closed  bool
}

// New creates a dispatcher for ring. MCDI events go to mcdi.
func New(ring *hw.EventRing, mcdi CommandCompleter, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.Budget <= 0 {
		cfg.Budget = 64
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	d := &Dispatcher{
		ring:   ring,
		mcdi:   mcdi,
		cfg:    cfg,
		logger: logger.With("component", "dispatcher"),
		reg:    btree.NewG(8, entryLess),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registration is a registered collaborator.
type Registration struct {
	d    *Dispatcher
	e    *entry
	once sync.Once
}

// Register adds h for the given event codes. Lower priorities are
// offered events first; equal priorities go in registration order.
func (d *Dispatcher) Register(name string, priority int, codes []hw.EventCode, h Handler) (*Registration, error) {
	var mask uint16
	for _, c := range codes {
		if c == hw.EventMCDI {
			return nil, fmt.Errorf("collaborator %q: mcdi events belong to the transport", name)
		}
		mask |= 1 << (c & 0xf)
	}
	if mask == 0 {
		return nil, fmt.Errorf("collaborator %q: no event codes", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	d.nextSeq++
	e := &entry{name: name, priority: priority, seq: d.nextSeq, codes: mask, handler: h}
	d.reg.ReplaceOrInsert(e)
	d.logger.Debug("collaborator registered", "name", name, "priority", priority)
	return &Registration{d: d, e: e}, nil
}

// Unregister removes the collaborator and calls its OnRemove. Further
// calls do nothing.
func (r *Registration) Unregister() {
	r.once.Do(func() {
		r.d.mu.Lock()
		_, found := r.d.reg.Delete(r.e)
		r.d.mu.Unlock()
		if found {
			r.d.logger.Debug("collaborator removed", "name", r.e.name)
			r.e.handler.OnRemove()
		}
	})
}

// Collaborators lists registered names in dispatch order.
func (d *Dispatcher) Collaborators() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, d.reg.Len())
	d.reg.Ascend(func(e *entry) bool {
		names = append(names, e.name)
		return true
	})
	return names
}

// Poll drains up to budget events and returns how many it handled. If
// the ring has overflowed nothing is drained and the error wraps
// nicctl.ErrEventQueueOverflow; the device must then be reset.
func (d *Dispatcher) Poll(budget int) (int, error) {
	if budget <= 0 {
		budget = d.cfg.Budget
	}
	d.pollMu.Lock()
	defer d.pollMu.Unlock()

	if d.ring.Overflowed() {
		d.metrics.Overflow()
		d.logger.Error("event queue overflow")
		return 0, fmt.Errorf("poll: %w", nicctl.ErrEventQueueOverflow)
	}
	n, idx := d.ring.Peek()
	if n > uint32(budget) {
		d.ring.Unpeek(n - uint32(budget))
		n = uint32(budget)
	}
	for i := uint32(0); i < n; i++ {
		d.dispatch(d.ring.Get(idx + i))
	}
	d.ring.Release(n)
	return int(n), nil
}

func (d *Dispatcher) dispatch(ev hw.Event) {
	code := ev.Code()
	d.metrics.Event(code.String())
	if code == hw.EventMCDI {
		d.mcdi.HandleEvent(ev)
		return
	}

	// Handlers run without the registry lock so they may unregister.
	var candidates []*entry
	d.mu.RLock()
	d.reg.Ascend(func(e *entry) bool {
		if e.codes&(1<<(code&0xf)) != 0 {
			candidates = append(candidates, e)
		}
		return true
	})
	d.mu.RUnlock()

	for _, e := range candidates {
		if e.handler.HandleEvent(ev) {
			return
		}
	}
	d.metrics.Unclaimed()
	d.logger.Log(context.Background(), logging.LevelTrace.ToSlog(), "unclaimed event", "event", ev)
}

// Run polls until ctx is done or the ring overflows. It returns nil
// when ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := d.Poll(d.cfg.Budget)
		if err != nil {
			return err
		}
		if n == d.cfg.Budget {
			// More may be pending; yield but do not sleep.
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-d.ring.Notify():
		case <-ticker.C:
		}
	}
}

// ResetRing discards pending events and clears the overflow flag after
// the device has been reset.
func (d *Dispatcher) ResetRing() {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()
	d.ring.Reset()
	d.logger.Info("event ring reset")
}

// Close removes every collaborator, newest first, calling OnRemove on
// each. Register fails afterwards.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	var entries []*entry
	d.reg.Ascend(func(e *entry) bool {
		entries = append(entries, e)
		return true
	})
	d.reg.Clear(false)
	d.mu.Unlock()

	// Reverse registration order regardless of priority.
	slices.SortFunc(entries, func(a, b *entry) int { return cmp.Compare(b.seq, a.seq) })
	for _, e := range entries {
		d.logger.Debug("collaborator removed", "name", e.name)
		e.handler.OnRemove()
	}
}
