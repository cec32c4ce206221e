// Package manager owns one controller for the lifetime of the daemon.
//
// # Lifecycle
//
// Probe waits for the controller, negotiates the protocol version,
// reads capabilities, licensing and the parser match list, allocates
// the default RSS context and creates the filter table. Everything the
// manager derives from the controller is rebuilt by Recover after a
// controller reboot:
//
//  1. Re-probe version, capabilities and match list
//  2. Re-create the default and user RSS contexts
//  3. Re-install every filter, remapping RSS context IDs
//  4. Clear the transport's re-probe flags
//
// # Atomic allocation
//
// Multi-step operations (allocating and programming an RSS context,
// creating a VLAN group) either complete or leave nothing behind: each
// completed controller-side step pushes its inverse onto an undo stack
// that is unwound on failure.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/config"
	"github.com/frobware/go-nicctl/dispatcher"
	"github.com/frobware/go-nicctl/filter"
	"github.com/frobware/go-nicctl/mcdi"
	"github.com/frobware/go-nicctl/metrics"
)

// errNotProbed is returned by every operation that needs the filter
// table before Probe has succeeded.
var errNotProbed = fmt.Errorf("controller not probed: %w", nicctl.ErrDisabled)

// Config tunes the manager.
type Config struct {
	// ProbeAttempts bounds the wait for the controller.
	ProbeAttempts int
	ProbeInterval time.Duration
	// ProtocolMajor must match the controller exactly; the
	// controller's minor version must be at least ProtocolMinor.
	ProtocolMajor uint16
	ProtocolMinor uint16

	TableSize   int
	SearchLimit int
	AsyncLimit  int
	// RSSQueues is the spread of the default RSS context.
	RSSQueues int
}

// ConfigFrom converts the daemon configuration.
func ConfigFrom(c config.Config) Config {
	return Config{
		ProbeAttempts: c.Transport.ProbeAttempts,
		ProbeInterval: c.Transport.ProbeInterval.Duration,
		ProtocolMajor: c.Transport.ProtocolMajor,
		ProtocolMinor: c.Transport.ProtocolMinor,
		TableSize:     c.Filter.TableSize,
		SearchLimit:   c.Filter.SearchLimit,
		AsyncLimit:    c.Filter.AsyncLimit,
		RSSQueues:     c.Filter.RSSQueues,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithDispatcher lets the manager register completion collaborators
// (datapath event counters and the self-test listener).
func WithDispatcher(d *dispatcher.Dispatcher) Option {
	return func(m *Manager) { m.disp = d }
}

// WithFilterMetrics records filter table metrics.
func WithFilterMetrics(fm *metrics.Filter) Option {
	return func(m *Manager) { m.filterMetrics = fm }
}

// Manager owns one controller.
type Manager struct {
	tr            *mcdi.Transport
	disp          *dispatcher.Dispatcher
	cfg           Config
	logger        *slog.Logger
	filterMetrics *metrics.Filter
	stats         *eventStats

	// mu serialises probe, recovery and every multi-step operation.
	mu         sync.Mutex
	version    mcdi.Version
	caps       mcdi.Capabilities
	license    mcdi.Licensing
	matches    []nicctl.MatchFields
	table      *filter.Table
	defaultRSS *rssContext
	rss        map[nicctl.RSSContextID]*rssContext
	vlans      map[uint16]*vlanGroup
	rxMode     RxMode
}

// New creates a manager for the controller behind tr. Call Probe
// before anything else.
func New(tr *mcdi.Transport, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeAttempts < 1 {
		cfg.ProbeAttempts = 1
	}
	if cfg.ProtocolMajor == 0 {
		cfg.ProtocolMajor = mcdi.ProtocolMajor
	}
	if cfg.RSSQueues < 1 {
		cfg.RSSQueues = 8
	}
	m := &Manager{
		tr:     tr,
		cfg:    cfg,
		logger: logger.With("component", "manager"),
		rss:    make(map[nicctl.RSSContextID]*rssContext),
		vlans:  make(map[uint16]*vlanGroup),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transport returns the command channel.
func (m *Manager) Transport() *mcdi.Transport { return m.tr }

// Probe brings up the controller: it waits for it to answer, checks
// the protocol version and capabilities, allocates the default RSS
// context and creates the filter table and the untagged VLAN group.
func (m *Manager) Probe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table != nil {
		return nil
	}

	if err := m.probeControllerLocked(ctx); err != nil {
		return err
	}

	var undo undoStack
	def, err := m.allocDefaultRSSLocked(ctx)
	if err != nil {
		return fmt.Errorf("default rss context: %w", err)
	}
	undo.push("default rss context", func() error { return m.rssFree(ctx, def.id) })

	table, err := filter.New(m.tr, filter.Config{
		Size:         m.cfg.TableSize,
		SearchLimit:  m.cfg.SearchLimit,
		AsyncLimit:   m.cfg.AsyncLimit,
		Matches:      m.matches,
		Capabilities: m.caps.Flags,
	}, m.logger, filter.WithMetrics(m.filterMetrics))
	if err != nil {
		return errors.Join(err, undo.rollback(m.logger))
	}
	table.SetDefaultRSSContext(def.id)
	m.table = table
	m.defaultRSS = def

	// The untagged group always exists.
	m.vlans[nicctl.VIDUnspec] = newVLANGroup(nicctl.VIDUnspec)

	if m.disp != nil && m.stats == nil {
		stats, err := registerEventStats(m.disp)
		if err != nil {
			m.logger.Warn("datapath event counters unavailable", "error", err)
		} else {
			m.stats = stats
		}
	}
	m.tr.ClearReprobe(mcdi.ReprobeAll)

	m.logger.Info("controller probed",
		"protocol", fmt.Sprintf("%d.%d", m.version.Major, m.version.Minor),
		"firmware", m.version.Firmware,
		"capabilities", m.caps.Flags,
		"filters", m.caps.MaxFilters,
		"table_size", table.Size(),
		"default_rss", def.id,
		"default_rss_exclusive", def.exclusive)
	return nil
}

// probeControllerLocked waits for the controller and reads everything
// the manager derives from it.
func (m *Manager) probeControllerLocked(ctx context.Context) error {
	version, err := m.waitForController(ctx)
	if err != nil {
		return err
	}
	if err := version.CheckMajor(m.cfg.ProtocolMajor); err != nil {
		return err
	}
	if err := m.tr.RequireMinor("nicctl", m.cfg.ProtocolMinor); err != nil {
		return err
	}

	var caps mcdi.Capabilities
	if err := m.tr.Call(ctx, mcdi.OpGetCapabilities, nil, &caps); err != nil {
		return fmt.Errorf("get capabilities: %w", err)
	}

	license, err := m.probeLicensing(ctx)
	switch {
	case err == nil:
	case errors.Is(err, nicctl.ErrControllerRebooted), errors.Is(err, nicctl.ErrDisabled):
		return err
	default:
		m.logger.Warn("licensing query failed; continuing unlicensed", "error", err)
	}

	var info mcdi.ParserDispInfo
	if err := m.tr.Call(ctx, mcdi.OpGetParserDispInfo, nil, &info); err != nil {
		return fmt.Errorf("get parser match list: %w", err)
	}
	if len(info.Matches) == 0 {
		return fmt.Errorf("controller reported an empty match list: %w", nicctl.ErrMalformedResponse)
	}

	m.version = version
	m.caps = caps
	m.license = license
	m.matches = info.Matches
	return nil
}

// waitForController retries GET_VERSION at a constant interval until
// the controller answers or the attempts run out.
func (m *Manager) waitForController(ctx context.Context) (mcdi.Version, error) {
	var version mcdi.Version
	attempt := 0
	op := func() error {
		attempt++
		v, err := m.tr.GetVersion(ctx)
		if err != nil {
			if !nicctl.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			m.logger.Debug("controller not ready", "attempt", attempt, "error", err)
			return err
		}
		version = v
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ProbeInterval), uint64(m.cfg.ProbeAttempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return mcdi.Version{}, fmt.Errorf("controller did not answer after %d attempts: %w", attempt, err)
	}
	return version, nil
}

// probeLicensing prefers LICENSING_V3 and falls back to the legacy
// query on firmware that lacks it.
func (m *Manager) probeLicensing(ctx context.Context) (mcdi.Licensing, error) {
	var lic mcdi.Licensing
	err := m.tr.CallQuiet(ctx, mcdi.OpLicensingV3, nil, &lic)
	if errors.Is(err, nicctl.ErrNotImplemented) {
		m.logger.Debug("licensing v3 not implemented, using legacy query")
		err = m.tr.Call(ctx, mcdi.OpLicensing, nil, &lic)
	}
	if err != nil {
		return mcdi.Licensing{}, err
	}
	return lic, nil
}

func (m *Manager) tableOrErr() (*filter.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table == nil {
		return nil, errNotProbed
	}
	return m.table, nil
}

// InsertFilter installs spec. See filter.Table.Insert.
func (m *Manager) InsertFilter(ctx context.Context, spec nicctl.FilterSpec, replaceEqual bool) (nicctl.FilterID, error) {
	t, err := m.tableOrErr()
	if err != nil {
		return nicctl.FilterIDInvalid, err
	}
	if spec.Match&nicctl.MatchOuterVID != 0 && m.Capabilities().Flags&mcdi.CapVLANFilters == 0 {
		return nicctl.FilterIDInvalid, fmt.Errorf("outer vlan match: %w", nicctl.ErrNotSupported)
	}
	return t.Insert(ctx, spec, replaceEqual)
}

// RemoveFilter removes filter id.
func (m *Manager) RemoveFilter(ctx context.Context, id nicctl.FilterID) error {
	t, err := m.tableOrErr()
	if err != nil {
		return err
	}
	return t.Remove(ctx, id)
}

// RedirectFilter changes where filter id delivers.
func (m *Manager) RedirectFilter(ctx context.Context, id nicctl.FilterID, queue uint16, rss *nicctl.RSSContextID) error {
	t, err := m.tableOrErr()
	if err != nil {
		return err
	}
	return t.Redirect(ctx, id, queue, rss)
}

// GetFilter returns filter id.
func (m *Manager) GetFilter(id nicctl.FilterID) (filter.Entry, error) {
	t, err := m.tableOrErr()
	if err != nil {
		return filter.Entry{}, err
	}
	spec, err := t.Get(id)
	if err != nil {
		return filter.Entry{}, err
	}
	for _, e := range t.List() {
		if e.ID == id {
			return e, nil
		}
	}
	return filter.Entry{ID: id, Spec: spec}, nil
}

// ListFilters returns every live filter, optionally only those at
// priority.
func (m *Manager) ListFilters(priority *nicctl.Priority) ([]filter.Entry, error) {
	t, err := m.tableOrErr()
	if err != nil {
		return nil, err
	}
	all := t.List()
	if priority == nil {
		return all, nil
	}
	out := all[:0]
	for _, e := range all {
		if e.Spec.Priority == *priority {
			out = append(out, e)
		}
	}
	return out, nil
}

// ClearFilters removes every filter at priority.
func (m *Manager) ClearFilters(ctx context.Context, priority nicctl.Priority) error {
	t, err := m.tableOrErr()
	if err != nil {
		return err
	}
	return t.ClearPriority(ctx, priority)
}

// Submit sends a raw command. It is an escape hatch for diagnostics.
func (m *Manager) Submit(ctx context.Context, cmd mcdi.Command) (mcdi.Response, error) {
	m.logger.InfoContext(ctx, "raw command", "opcode", cmd.Opcode, "len", len(cmd.Input))
	return m.tr.Submit(ctx, cmd)
}

// Capabilities returns the capabilities read at the last probe.
func (m *Manager) Capabilities() mcdi.Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

// Status is a snapshot of the controller as the manager sees it.
type Status struct {
	State        mcdi.State
	BootCount    uint32
	Epoch        uuid.UUID
	Reprobe      mcdi.Reprobe
	Version      mcdi.Version
	Capabilities mcdi.Capabilities
	Licensing    mcdi.Licensing
	Matches      []nicctl.MatchFields

	TableSize  int
	Filters    int
	DefaultRSS RSSContextInfo
	RSS        []RSSContextInfo
	VLANs      []uint16
	RxMode     RxMode

	RxEvents      uint64
	TxEvents      uint64
	Collaborators []string
}

// Status returns a snapshot. It does not talk to the controller.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		Version:      m.version,
		Capabilities: m.caps,
		Licensing:    m.license,
		Matches:      append([]nicctl.MatchFields(nil), m.matches...),
		RxMode:       m.rxMode.clone(),
	}
	if m.table != nil {
		st.TableSize = m.table.Size()
		st.Filters = m.table.Len()
	}
	if m.defaultRSS != nil {
		st.DefaultRSS = m.defaultRSS.info()
	}
	st.RSS = m.rssInfoLocked()
	for vid := range m.vlans {
		if vid != nicctl.VIDUnspec {
			st.VLANs = append(st.VLANs, vid)
		}
	}
	m.mu.Unlock()

	sort.Slice(st.VLANs, func(i, j int) bool { return st.VLANs[i] < st.VLANs[j] })
	st.State = m.tr.State()
	st.BootCount = m.tr.BootCount()
	st.Epoch = m.tr.Epoch()
	st.Reprobe = m.tr.Reprobe()
	if m.stats != nil {
		st.RxEvents, st.TxEvents = m.stats.counts()
	}
	if m.disp != nil {
		st.Collaborators = m.disp.Collaborators()
	}
	return st
}
