package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/cenkalti/backoff"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/mcdi"
)

// Recover rebuilds everything the manager derived from the controller
// after a reboot. While it runs, other submissions fail fast with
// nicctl.ErrControllerRebooted. If the controller reboots again
// Recover returns an error matching nicctl.ErrControllerRebooted and
// may be retried; any other failure disables the device.
func (m *Manager) Recover(ctx context.Context) error {
	return m.rebuild(ctx, nil)
}

// rebuild runs prepare, if set, and then recoverLocked under one
// transport recovery.
func (m *Manager) rebuild(ctx context.Context, prepare func(context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table == nil {
		return errNotProbed
	}
	return m.tr.Recover(ctx, func(ctx context.Context) error {
		if prepare != nil {
			if err := prepare(ctx); err != nil {
				return err
			}
		}
		return m.recoverLocked(ctx)
	})
}

func (m *Manager) recoverLocked(ctx context.Context) error {
	pending := m.tr.Reprobe()
	m.logger.InfoContext(ctx, "rebuilding controller state", "reprobe", pending, "epoch", m.tr.Epoch())

	oldMatches := m.matches
	if err := m.probeControllerLocked(ctx); err != nil {
		return fmt.Errorf("re-probe: %w", err)
	}
	// New firmware may list different match combinations. Filters
	// the controller no longer supports are dropped and the rest
	// take new IDs.
	unmatched, err := m.table.Reconfigure(m.matches, m.caps.Flags)
	if err != nil {
		return err
	}
	if !slices.Equal(oldMatches, m.matches) {
		m.logger.WarnContext(ctx, "controller match list changed across reboot", "old", len(oldMatches), "new", len(m.matches), "dropped", len(unmatched))
	}
	for _, e := range unmatched {
		m.logger.WarnContext(ctx, "filter match no longer supported", "id", e.ID, "spec", e.Spec)
	}
	m.tr.ClearReprobe(mcdi.ReprobeCapabilities | mcdi.ReprobeVIs | mcdi.ReprobePIO)

	remap, err := m.restoreRSSLocked(ctx)
	if err != nil {
		return err
	}
	m.tr.ClearReprobe(mcdi.ReprobeRSS)

	restored, dropped, err := m.table.Restore(ctx, func(id nicctl.RSSContextID) (nicctl.RSSContextID, bool) {
		nid, ok := remap[id]
		return nid, ok
	})
	if err != nil {
		return err
	}
	for _, e := range dropped {
		m.logger.WarnContext(ctx, "filter lost across reboot", "id", e.ID, "spec", e.Spec)
	}

	// Address lists are reconciled afresh: a dropped address filter
	// is put back if it can be, and the group maps are rebuilt.
	if err := m.syncAllLocked(ctx); err != nil {
		if fatal(err) {
			return err
		}
		m.logger.WarnContext(ctx, "rx mode not fully restored", "error", err)
	}
	m.tr.ClearReprobe(mcdi.ReprobeFilters)

	m.logger.InfoContext(ctx, "controller state rebuilt",
		"filters", restored,
		"dropped", len(dropped)+len(unmatched),
		"rss_contexts", len(m.rss),
		"boot_count", m.tr.BootCount())
	return nil
}

// Watch recovers the controller every time it reboots, until ctx ends
// or recovery disables the device. A reboot during recovery is retried
// at the probe interval.
func (m *Manager) Watch(ctx context.Context) error {
	reboots := make(chan mcdi.RebootInfo, 1)
	m.tr.OnReboot(func(info mcdi.RebootInfo) {
		select {
		case reboots <- info:
		default:
		}
	})
	// A reboot seen before the callback was registered left the
	// device recovering.
	if m.tr.State() == mcdi.Recovering {
		select {
		case reboots <- mcdi.RebootInfo{BootCount: m.tr.BootCount(), Epoch: m.tr.Epoch()}:
		default:
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case info := <-reboots:
			m.logger.Warn("controller reboot observed", "boot_count", info.BootCount, "epoch", info.Epoch)
			if err := m.recoverWithRetry(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Reset recovers after the event ring overflowed. Completions may
// have been lost, so the controller's filters and RSS contexts are
// released and everything is rebuilt as after a reboot. If the
// controller reboots meanwhile there is nothing left to release.
func (m *Manager) Reset(ctx context.Context, reason string) error {
	boot := m.tr.BootCount()
	m.tr.Invalidate(reason)
	err := m.rebuild(ctx, func(ctx context.Context) error {
		if m.tr.BootCount() != boot {
			return nil
		}
		return m.releaseLocked(ctx)
	})
	if errors.Is(err, nicctl.ErrControllerRebooted) {
		return m.recoverWithRetry(ctx)
	}
	return err
}

// releaseLocked frees everything the manager holds on a controller
// that did not reboot. Failures other than losing the controller are
// logged; the rebuild allocates afresh either way.
func (m *Manager) releaseLocked(ctx context.Context) error {
	if err := m.table.Unload(ctx); err != nil {
		if fatal(err) {
			return err
		}
		m.logger.WarnContext(ctx, "some filters were not released", "error", err)
	}
	ids := make([]nicctl.RSSContextID, 0, len(m.rss)+1)
	if m.defaultRSS != nil {
		ids = append(ids, m.defaultRSS.id)
	}
	for id := range m.rss {
		ids = append(ids, id)
	}
	for _, id := range ids {
		if err := m.rssFree(ctx, id); err != nil && !errors.Is(err, nicctl.ErrNotFound) {
			if fatal(err) {
				return err
			}
			m.logger.WarnContext(ctx, "rss context not released", "id", id, "error", err)
		}
	}
	return nil
}

func (m *Manager) recoverWithRetry(ctx context.Context) error {
	op := func() error {
		err := m.Recover(ctx)
		if err == nil || errors.Is(err, nicctl.ErrControllerRebooted) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ProbeInterval), uint64(m.cfg.ProbeAttempts)), ctx)
	return backoff.Retry(op, b)
}
