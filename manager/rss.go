package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/mcdi"
)

// defaultRSSKey is the Toeplitz key programmed into exclusive contexts
// that are not given one.
var defaultRSSKey = [nicctl.RSSKeySize]byte{
	0x6d, 0x5a, 0x56, 0xda, 0x25, 0x5b, 0x0e, 0xc2,
	0x41, 0x67, 0x25, 0x3d, 0x43, 0xa3, 0x8f, 0xb0,
	0xd0, 0xca, 0x2b, 0xcb, 0xae, 0x7b, 0x30, 0xb4,
	0x77, 0xcb, 0x2d, 0xa3, 0x80, 0x30, 0xf2, 0x0c,
	0x6a, 0x42, 0xb7, 0x3b, 0xbe, 0xac, 0x01, 0xfa,
}

type rssContext struct {
	id        nicctl.RSSContextID
	exclusive bool
	queues    int
	// cfg is only meaningful for exclusive contexts; shared contexts
	// use the controller's global key and table.
	cfg nicctl.RSSConfig
}

// RSSContextInfo describes an allocated RSS context.
type RSSContextInfo struct {
	ID        nicctl.RSSContextID
	Exclusive bool
	Queues    int
	Config    *nicctl.RSSConfig
}

func (c *rssContext) info() RSSContextInfo {
	info := RSSContextInfo{ID: c.id, Exclusive: c.exclusive, Queues: c.queues}
	if c.exclusive {
		cfg := c.cfg
		info.Config = &cfg
	}
	return info
}

func (m *Manager) rssInfoLocked() []RSSContextInfo {
	out := make([]RSSContextInfo, 0, len(m.rss))
	for _, c := range m.rss {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) rssAlloc(ctx context.Context, exclusive bool, queues int) (nicctl.RSSContextID, error) {
	var ref mcdi.RSSContextRef
	req := mcdi.RSSContextAllocRequest{Exclusive: exclusive, Queues: uint32(queues)}
	if err := m.tr.Call(ctx, mcdi.OpRSSContextAlloc, req, &ref); err != nil {
		return 0, err
	}
	return ref.ID, nil
}

func (m *Manager) rssFree(ctx context.Context, id nicctl.RSSContextID) error {
	return m.tr.Call(ctx, mcdi.OpRSSContextFree, mcdi.RSSContextRef{ID: id}, nil)
}

// programRSS writes the key and then the table. If the table write
// fails the previous key is put back.
func (m *Manager) programRSS(ctx context.Context, id nicctl.RSSContextID, old, cfg nicctl.RSSConfig) error {
	var undo undoStack
	if err := m.tr.Call(ctx, mcdi.OpRSSContextSetKey, mcdi.RSSContextSetKeyRequest{ID: id, Key: cfg.Key}, nil); err != nil {
		return fmt.Errorf("set rss key: %w", err)
	}
	undo.push("rss key "+id.String(), func() error {
		return m.tr.Call(ctx, mcdi.OpRSSContextSetKey, mcdi.RSSContextSetKeyRequest{ID: id, Key: old.Key}, nil)
	})
	if err := m.tr.Call(ctx, mcdi.OpRSSContextSetTable, mcdi.RSSContextSetTableRequest{ID: id, Indir: cfg.Indir}, nil); err != nil {
		return errors.Join(fmt.Errorf("set rss table: %w", err), undo.rollback(m.logger))
	}
	return nil
}

// newRSSContextLocked allocates a context and, if it is exclusive,
// programs cfg into it. Nothing is left allocated on failure.
func (m *Manager) newRSSContextLocked(ctx context.Context, exclusive bool, queues int, cfg *nicctl.RSSConfig) (*rssContext, error) {
	id, err := m.rssAlloc(ctx, exclusive, queues)
	if err != nil {
		return nil, err
	}
	c := &rssContext{id: id, exclusive: exclusive, queues: queues}
	if !exclusive {
		return c, nil
	}

	var undo undoStack
	undo.push("rss context "+id.String(), func() error { return m.rssFree(ctx, id) })
	c.cfg = nicctl.RSSConfig{Key: defaultRSSKey, Indir: nicctl.DefaultIndir(queues)}
	if cfg != nil {
		c.cfg = *cfg
	}
	if err := m.programRSS(ctx, id, nicctl.RSSConfig{}, c.cfg); err != nil {
		m.logger.Error("rss context setup failed, rolling back", "id", id, "error", err)
		return nil, errors.Join(err, undo.rollback(m.logger))
	}
	return c, nil
}

// allocDefaultRSSLocked allocates the default context, preferring an
// exclusive one and settling for a shared one when the controller has
// none left.
func (m *Manager) allocDefaultRSSLocked(ctx context.Context) (*rssContext, error) {
	queues := min(m.cfg.RSSQueues, int(m.caps.NumVIs))
	if queues < 1 {
		return nil, fmt.Errorf("controller reports no VIs: %w", nicctl.ErrNotSupported)
	}
	if m.caps.Flags&mcdi.CapRSSExclusive != 0 {
		c, err := m.newRSSContextLocked(ctx, true, queues, nil)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, nicctl.ErrOutOfSpace) {
			return nil, err
		}
		m.logger.Warn("no exclusive rss context left, falling back to a shared one", "error", err)
	}
	return m.newRSSContextLocked(ctx, false, queues, nil)
}

// AllocRSSContext allocates a context spreading over queues. An
// exclusive context is programmed with cfg, or with a default key and
// a round-robin table when cfg is nil.
func (m *Manager) AllocRSSContext(ctx context.Context, exclusive bool, queues int, cfg *nicctl.RSSConfig) (RSSContextInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table == nil {
		return RSSContextInfo{}, errNotProbed
	}
	if exclusive && m.caps.Flags&mcdi.CapRSSExclusive == 0 {
		return RSSContextInfo{}, fmt.Errorf("exclusive rss context: %w", nicctl.ErrNotSupported)
	}
	if queues < 1 || queues > int(m.caps.NumVIs) {
		return RSSContextInfo{}, fmt.Errorf("rss over %d queues, controller has %d: %w", queues, m.caps.NumVIs, nicctl.ErrNotSupported)
	}
	if cfg != nil {
		if !exclusive {
			return RSSContextInfo{}, fmt.Errorf("shared rss contexts use the global key and table: %w", nicctl.ErrNotSupported)
		}
		if err := cfg.Validate(queues); err != nil {
			return RSSContextInfo{}, err
		}
	}

	c, err := m.newRSSContextLocked(ctx, exclusive, queues, cfg)
	if err != nil {
		return RSSContextInfo{}, fmt.Errorf("alloc rss context: %w", err)
	}
	m.rss[c.id] = c
	m.logger.InfoContext(ctx, "allocated rss context", "id", c.id, "exclusive", exclusive, "queues", queues)
	return c.info(), nil
}

// lookupRSSLocked resolves id, accepting nicctl.RSSContextDefault.
func (m *Manager) lookupRSSLocked(id nicctl.RSSContextID) (*rssContext, error) {
	if id == nicctl.RSSContextDefault || (m.defaultRSS != nil && id == m.defaultRSS.id) {
		if m.defaultRSS == nil {
			return nil, errNotProbed
		}
		return m.defaultRSS, nil
	}
	c, ok := m.rss[id]
	if !ok {
		return nil, fmt.Errorf("rss context %s: %w", id, nicctl.ErrNotFound)
	}
	return c, nil
}

// SetRSSContext reprograms the key and table of an exclusive context.
func (m *Manager) SetRSSContext(ctx context.Context, id nicctl.RSSContextID, cfg nicctl.RSSConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookupRSSLocked(id)
	if err != nil {
		return err
	}
	if !c.exclusive {
		return fmt.Errorf("rss context %s is shared: %w", c.id, nicctl.ErrNotSupported)
	}
	if err := cfg.Validate(c.queues); err != nil {
		return err
	}
	if err := m.programRSS(ctx, c.id, c.cfg, cfg); err != nil {
		return err
	}
	c.cfg = cfg
	m.logger.InfoContext(ctx, "reprogrammed rss context", "id", c.id)
	return nil
}

// FreeRSSContext releases a context. It fails with an error matching
// nicctl.ErrBusy while filters still spread over it.
func (m *Manager) FreeRSSContext(ctx context.Context, id nicctl.RSSContextID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.defaultRSS != nil && (id == nicctl.RSSContextDefault || id == m.defaultRSS.id) {
		return fmt.Errorf("the default rss context cannot be freed: %w", nicctl.ErrPermissionDenied)
	}
	c, ok := m.rss[id]
	if !ok {
		return fmt.Errorf("rss context %s: %w", id, nicctl.ErrNotFound)
	}
	if m.table.UsesRSSContext(id) {
		return nicctl.ErrRSSContextInUse{ID: id}
	}
	// Filter inserts do not take m.mu, so one may reference the
	// context after the check above. The controller refuses the free
	// with EBUSY in that case.
	err := m.rssFree(ctx, c.id)
	var cmdErr *mcdi.CommandError
	switch {
	case err == nil, errors.Is(err, nicctl.ErrNotFound):
	case errors.As(err, &cmdErr) && cmdErr.Errno == mcdi.EBUSY:
		return nicctl.ErrRSSContextInUse{ID: id}
	default:
		return fmt.Errorf("free rss context %s: %w", id, err)
	}
	delete(m.rss, id)
	m.logger.InfoContext(ctx, "freed rss context", "id", id)
	return nil
}

// RSSContexts lists the contexts allocated through AllocRSSContext.
func (m *Manager) RSSContexts() []RSSContextInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rssInfoLocked()
}

// restoreRSSLocked re-creates every context after a reboot and returns
// the mapping from old to new IDs. Contexts that cannot be re-created
// are forgotten; filters that used them are dropped by the restore.
func (m *Manager) restoreRSSLocked(ctx context.Context) (map[nicctl.RSSContextID]nicctl.RSSContextID, error) {
	remap := make(map[nicctl.RSSContextID]nicctl.RSSContextID, len(m.rss)+1)

	old := m.defaultRSS
	def, err := m.allocDefaultRSSLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("re-create default rss context: %w", err)
	}
	if old != nil {
		remap[old.id] = def.id
		if old.exclusive && def.exclusive && old.cfg != def.cfg && old.cfg.Validate(def.queues) == nil {
			if err := m.programRSS(ctx, def.id, def.cfg, old.cfg); err != nil {
				return nil, err
			}
			def.cfg = old.cfg
		}
	}
	m.defaultRSS = def
	m.table.SetDefaultRSSContext(def.id)

	rebuilt := make(map[nicctl.RSSContextID]*rssContext, len(m.rss))
	for id, c := range m.rss {
		var cfg *nicctl.RSSConfig
		if c.exclusive {
			cfg = &c.cfg
		}
		nc, err := m.newRSSContextLocked(ctx, c.exclusive, c.queues, cfg)
		if err != nil {
			if errors.Is(err, nicctl.ErrControllerRebooted) || errors.Is(err, nicctl.ErrDisabled) {
				return nil, err
			}
			m.logger.Warn("dropping rss context after controller reboot", "id", id, "error", err)
			continue
		}
		remap[id] = nc.id
		rebuilt[nc.id] = nc
	}
	m.rss = rebuilt
	return remap, nil
}
