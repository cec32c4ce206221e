package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/frobware/go-nicctl"
)

// RxMode is the receive configuration of the host interface: the
// addresses it listens on and its promiscuity.
type RxMode struct {
	Unicast      []nicctl.MAC
	Multicast    []nicctl.MAC
	Promiscuous  bool
	AllMulticast bool
}

func (r RxMode) clone() RxMode {
	r.Unicast = slices.Clone(r.Unicast)
	r.Multicast = slices.Clone(r.Multicast)
	return r
}

// normalise sorts and de-duplicates the address lists and checks that
// each address is on the right list.
func (r RxMode) normalise() (RxMode, error) {
	out := RxMode{Promiscuous: r.Promiscuous, AllMulticast: r.AllMulticast}
	for _, mac := range r.Unicast {
		if mac.IsMulticast() || mac.IsZero() {
			return RxMode{}, fmt.Errorf("%s is not a unicast address: %w", mac, nicctl.ErrNotSupported)
		}
		out.Unicast = append(out.Unicast, mac)
	}
	for _, mac := range r.Multicast {
		if !mac.IsMulticast() {
			return RxMode{}, fmt.Errorf("%s is not a multicast address: %w", mac, nicctl.ErrNotSupported)
		}
		if mac == nicctl.BroadcastMAC {
			// Always installed.
			continue
		}
		out.Multicast = append(out.Multicast, mac)
	}
	cmp := func(a, b nicctl.MAC) int { return slices.Compare(a[:], b[:]) }
	slices.SortFunc(out.Unicast, cmp)
	slices.SortFunc(out.Multicast, cmp)
	out.Unicast = slices.Compact(out.Unicast)
	out.Multicast = slices.Compact(out.Multicast)
	return out, nil
}

// SyncRxMode makes the controller's address-list filters match mode on
// every VLAN group. Filters for addresses that are still wanted are
// renewed in place; the rest are swept.
func (m *Manager) SyncRxMode(ctx context.Context, mode RxMode) error {
	mode, err := mode.normalise()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table == nil {
		return errNotProbed
	}
	m.rxMode = mode
	err = m.syncAllLocked(ctx)
	m.logger.InfoContext(ctx, "rx mode synced",
		"unicast", len(mode.Unicast),
		"multicast", len(mode.Multicast),
		"promiscuous", mode.Promiscuous,
		"all_multicast", mode.AllMulticast,
		"vlans", len(m.vlans))
	return err
}

// RxMode returns the last synced rx mode.
func (m *Manager) RxMode() RxMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rxMode.clone()
}

func (m *Manager) syncAllLocked(ctx context.Context) error {
	vids := make([]uint16, 0, len(m.vlans))
	for vid := range m.vlans {
		vids = append(vids, vid)
	}
	slices.Sort(vids)

	var errs []error
	for _, vid := range vids {
		if err := m.syncGroupLocked(ctx, m.vlans[vid]); err != nil {
			if fatal(err) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
