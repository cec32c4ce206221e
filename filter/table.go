// Package filter mirrors the controller's receive filter table.
//
// The table is a fixed-size open-addressed hash of filter specs.
// Every mutation is a FILTER_OP command; while one is in flight its
// slot is BUSY and any other mutation that reaches the slot waits on
// the table's condition variable and then re-validates from scratch.
// The table lock is never held across a command.
package filter

import (
	"context"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/mcdi"
	"github.com/frobware/go-nicctl/metrics"
)

// Transport is the command channel the table drives.
// *mcdi.Transport implements it.
type Transport interface {
	Call(ctx context.Context, op mcdi.Opcode, in encoding.BinaryMarshaler, out encoding.BinaryUnmarshaler) error
	CallAsync(ctx context.Context, op mcdi.Opcode, in encoding.BinaryMarshaler, out encoding.BinaryUnmarshaler, cb func(error)) error
}

// Config sizes a table.
type Config struct {
	// Size is the number of slots.
	Size int
	// SearchLimit bounds the probe sequence.
	SearchLimit int
	// AsyncLimit bounds asynchronous operations in flight.
	AsyncLimit int
	// Matches is the controller's list of supported match-field
	// combinations, most specific first. A filter's index in this
	// list is its match priority.
	Matches []nicctl.MatchFields
	// Capabilities gate the asynchronous variants.
	Capabilities mcdi.CapFlags
}

// Option configures a Table.
type Option func(*Table)

// WithMetrics records table metrics.
func WithMetrics(m *metrics.Filter) Option {
	return func(t *Table) { t.metrics = m }
}

type entry struct {
	// spec is nil for a free slot. For an insert in flight it is
	// the speculative new spec.
	spec   *nicctl.FilterSpec
	handle uint64
	// busy is set for the duration of exactly one command touching
	// the slot.
	busy bool
	// autoOld marks an address-list filter for the next sweep.
	autoOld bool
	// overAuto is the AUTO spec a better filter superseded. Removing
	// the better filter demotes the slot back to it.
	overAuto *nicctl.FilterSpec
}

// Table is the software view of the controller's filter table.
type Table struct {
	tr      Transport
	logger  *slog.Logger
	metrics *metrics.Filter
	size    int
	depth   int
	caps    mcdi.CapFlags
	async   *semaphore.Weighted

	matches  []nicctl.MatchFields
	matchPri map[nicctl.MatchFields]int

	mu         sync.Mutex
	cond       *sync.Cond
	entries    []entry
	used       int
	defaultRSS nicctl.RSSContextID
}

// New creates an empty table.
func New(tr Transport, cfg Config, logger *slog.Logger, opts ...Option) (*Table, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("filter table size %d must be positive", cfg.Size)
	}
	if len(cfg.Matches) == 0 {
		return nil, fmt.Errorf("controller reported no supported match combinations: %w", nicctl.ErrNotSupported)
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 200
	}
	if cfg.AsyncLimit <= 0 {
		cfg.AsyncLimit = 64
	}
	t := &Table{
		tr:         tr,
		logger:     logger.With("component", "filter"),
		size:       cfg.Size,
		depth:      min(cfg.SearchLimit, cfg.Size),
		caps:       cfg.Capabilities,
		async:      semaphore.NewWeighted(int64(cfg.AsyncLimit)),
		matches:    append([]nicctl.MatchFields(nil), cfg.Matches...),
		matchPri:   indexMatches(cfg.Matches),
		entries:    make([]entry, cfg.Size),
		defaultRSS: nicctl.RSSContextDefault,
	}
	t.cond = sync.NewCond(&t.mu)
	for _, opt := range opts {
		opt(t)
	}
	t.logger.Debug("filter table created", "size", t.size, "depth", t.depth, "matches", len(t.matches))
	return t, nil
}

// Reconfigure installs the match list and capability flags the
// controller reported on a re-probe. Live filters whose match
// combination is no longer listed are dropped and returned with the
// IDs they had. The rest keep their slots, but a changed match list
// changes their match priority and so their FilterIDs.
func (t *Table) Reconfigure(matches []nicctl.MatchFields, caps mcdi.CapFlags) ([]Entry, error) {
	if len(matches) == 0 {
		return nil, fmt.Errorf("controller reported no supported match combinations: %w", nicctl.ErrNotSupported)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.caps != caps {
		t.logger.Info("controller capabilities changed", "old", t.caps, "new", caps)
		t.caps = caps
	}
	if slices.Equal(t.matches, matches) {
		return nil, nil
	}
	for t.anyBusyLocked() {
		t.waitLocked()
	}

	matchPri := indexMatches(matches)
	var dropped []Entry
	for slot := range t.entries {
		e := &t.entries[slot]
		if e.spec == nil {
			continue
		}
		if _, ok := matchPri[e.spec.Match]; ok {
			if e.overAuto != nil {
				if _, ok := matchPri[e.overAuto.Match]; !ok {
					e.overAuto = nil
				}
			}
			continue
		}
		dropped = append(dropped, Entry{ID: t.idLocked(slot), Spec: *e.spec, Handle: e.handle})
		t.freeLocked(e)
	}
	t.matches = slices.Clone(matches)
	t.matchPri = matchPri
	t.cond.Broadcast()
	t.logger.Warn("controller match list changed", "matches", len(matches), "dropped", len(dropped))
	return dropped, nil
}

// indexMatches maps each combination to its first index in matches.
func indexMatches(matches []nicctl.MatchFields) map[nicctl.MatchFields]int {
	pri := make(map[nicctl.MatchFields]int, len(matches))
	for i, m := range matches {
		if _, dup := pri[m]; !dup {
			pri[m] = i
		}
	}
	return pri
}

func (t *Table) anyBusyLocked() bool {
	for i := range t.entries {
		if t.entries[i].busy {
			return true
		}
	}
	return false
}

// Size returns the number of slots.
func (t *Table) Size() int { return t.size }

// Len returns the number of occupied slots, including inserts in
// flight.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// SetDefaultRSSContext names the context that specs using
// nicctl.RSSContextDefault spread over.
func (t *Table) SetDefaultRSSContext(id nicctl.RSSContextID) {
	t.mu.Lock()
	t.defaultRSS = id
	t.mu.Unlock()
}

// matchPriorityLocked returns the index of m in the controller's match
// list.
func (t *Table) matchPriorityLocked(m nicctl.MatchFields) (int, error) {
	if p, ok := t.matchPri[m]; ok {
		return p, nil
	}
	return 0, nicctl.ErrUnsupportedMatch{Match: m}
}

func (t *Table) makeID(matchPri, slot int) nicctl.FilterID {
	return nicctl.FilterID(matchPri*t.size*2 + slot)
}

func (t *Table) decodeID(id nicctl.FilterID) (matchPri, slot int, ok bool) {
	if id == nicctl.FilterIDInvalid {
		return 0, 0, false
	}
	span := t.size * 2
	slot = int(id) % span
	matchPri = int(id) / span
	return matchPri, slot, slot < t.size
}

// idLocked returns the ID of the live filter in slot.
func (t *Table) idLocked(slot int) nicctl.FilterID {
	return t.makeID(t.matchPri[t.entries[slot].spec.Match], slot)
}

// hashTuple hashes the match-relevant fields of a spec in a fixed
// layout.
func hashTuple(tu nicctl.Tuple) uint64 {
	var b [96]byte
	p := b[:0]
	p = binary.LittleEndian.AppendUint32(p, uint32(tu.Match))
	p = binary.LittleEndian.AppendUint16(p, uint16(tu.Direction))
	p = append(p, byte(tu.Encap))
	p = binary.LittleEndian.AppendUint32(p, tu.TunnelID)
	p = append(p, tu.LocalMAC[:]...)
	p = append(p, tu.RemoteMAC[:]...)
	l16 := tu.LocalIP.As16()
	r16 := tu.RemoteIP.As16()
	p = append(p, l16[:]...)
	p = append(p, r16[:]...)
	p = binary.LittleEndian.AppendUint16(p, tu.LocalPort)
	p = binary.LittleEndian.AppendUint16(p, tu.RemotePort)
	p = binary.LittleEndian.AppendUint16(p, tu.EtherType)
	p = append(p, tu.IPProto)
	p = binary.LittleEndian.AppendUint16(p, tu.InnerVID)
	p = binary.LittleEndian.AppendUint16(p, tu.OuterVID)
	return xxhash.Sum64(p)
}

func (t *Table) probeStart(spec *nicctl.FilterSpec) int {
	return int(hashTuple(spec.Tuple()) % uint64(t.size))
}

// wireSpec resolves the default RSS context for the controller.
func (t *Table) wireSpec(spec nicctl.FilterSpec) (nicctl.FilterSpec, error) {
	if spec.Flags&nicctl.FlagRSS != 0 && spec.RSSContext == nicctl.RSSContextDefault {
		t.mu.Lock()
		def := t.defaultRSS
		t.mu.Unlock()
		if def == nicctl.RSSContextDefault {
			return spec, fmt.Errorf("no default rss context: %w", nicctl.ErrNotSupported)
		}
		spec.RSSContext = def
	}
	return spec, nil
}

// insertOp picks the FILTER_OP that installs spec from scratch.
func insertOp(spec nicctl.FilterSpec) mcdi.FilterOpCode {
	if spec.IsExclusive() {
		return mcdi.FilterInsert
	}
	return mcdi.FilterSubscribe
}

// removeOp picks the FILTER_OP that drops this host's reference.
func removeOp(spec nicctl.FilterSpec) mcdi.FilterOpCode {
	if spec.IsExclusive() {
		return mcdi.FilterRemove
	}
	return mcdi.FilterUnsubscribe
}

func (t *Table) filterOp(ctx context.Context, op mcdi.FilterOpCode, handle uint64, spec nicctl.FilterSpec) (uint64, error) {
	wire, err := t.wireSpec(spec)
	if err != nil {
		return 0, err
	}
	var resp mcdi.FilterOpResponse
	if err := t.tr.Call(ctx, mcdi.OpFilterOp, mcdi.FilterOpRequest{Op: op, Handle: handle, Spec: wire}, &resp); err != nil {
		return 0, err
	}
	return resp.Handle, nil
}

// Lookup returns the spec of the filter id at priority.
func (t *Table) Lookup(id nicctl.FilterID, priority nicctl.Priority) (nicctl.FilterSpec, error) {
	spec, err := t.Get(id)
	if err != nil {
		return nicctl.FilterSpec{}, err
	}
	if spec.Priority != priority {
		return nicctl.FilterSpec{}, nicctl.ErrFilterNotFound{ID: id}
	}
	return spec, nil
}

// Get returns the spec of the filter id whatever its priority.
func (t *Table) Get(id nicctl.FilterID) (nicctl.FilterSpec, error) {
	matchPri, slot, ok := t.decodeID(id)
	if !ok {
		return nicctl.FilterSpec{}, nicctl.ErrFilterNotFound{ID: id}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[slot]
	if e.spec == nil || t.matchPri[e.spec.Match] != matchPri {
		return nicctl.FilterSpec{}, nicctl.ErrFilterNotFound{ID: id}
	}
	return *e.spec, nil
}

// CountByPriority returns the number of filters at priority.
func (t *Table) CountByPriority(priority nicctl.Priority) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.entries {
		if s := t.entries[i].spec; s != nil && s.Priority == priority {
			n++
		}
	}
	return n
}

// ListIDsByPriority returns the IDs of the filters at priority in slot
// order.
func (t *Table) ListIDsByPriority(priority nicctl.Priority) []nicctl.FilterID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []nicctl.FilterID
	for i := range t.entries {
		if s := t.entries[i].spec; s != nil && s.Priority == priority {
			ids = append(ids, t.idLocked(i))
		}
	}
	return ids
}

// Entry is a snapshot of one live filter.
type Entry struct {
	ID     nicctl.FilterID
	Spec   nicctl.FilterSpec
	Handle uint64
	Busy   bool
	// OverAuto is set when the filter superseded an AUTO filter that
	// comes back when this one is removed.
	OverAuto bool
}

// List returns every live filter ordered by ID.
func (t *Table) List() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Entry
	for i := range t.entries {
		e := &t.entries[i]
		if e.spec == nil {
			continue
		}
		out = append(out, Entry{
			ID:       t.idLocked(i),
			Spec:     *e.spec,
			Handle:   e.handle,
			Busy:     e.busy,
			OverAuto: e.overAuto != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UsesRSSContext reports whether a live filter spreads over id.
func (t *Table) UsesRSSContext(id nicctl.RSSContextID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		s := t.entries[i].spec
		if s == nil || s.Flags&nicctl.FlagRSS == 0 {
			continue
		}
		if s.RSSContext == id || (s.RSSContext == nicctl.RSSContextDefault && t.defaultRSS == id) {
			return true
		}
	}
	return false
}

// waitLocked sleeps until some slot's BUSY bit clears.
func (t *Table) waitLocked() {
	t.metrics.BusyWait()
	t.cond.Wait()
}

// ignoreGone treats a controller that no longer knows a filter as a
// successful removal.
func ignoreGone(err error) error {
	if errors.Is(err, nicctl.ErrNotFound) {
		return nil
	}
	return err
}
