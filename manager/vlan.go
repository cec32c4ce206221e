package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/filter"
	"github.com/frobware/go-nicctl/mcdi"
)

// MaxVID is the highest VLAN ID a group may use.
const MaxVID = 4094

// vlanGroup holds the address-list filters installed for one VLAN.
// The untagged group uses nicctl.VIDUnspec.
type vlanGroup struct {
	vid   uint16
	uc    map[nicctl.MAC]nicctl.FilterID
	mc    map[nicctl.MAC]nicctl.FilterID
	bcast nicctl.FilterID
	ucDef nicctl.FilterID
	mcDef nicctl.FilterID
}

func newVLANGroup(vid uint16) *vlanGroup {
	return &vlanGroup{
		vid:   vid,
		uc:    map[nicctl.MAC]nicctl.FilterID{},
		mc:    map[nicctl.MAC]nicctl.FilterID{},
		bcast: nicctl.FilterIDInvalid,
		ucDef: nicctl.FilterIDInvalid,
		mcDef: nicctl.FilterIDInvalid,
	}
}

func (g *vlanGroup) ids() []nicctl.FilterID {
	var ids []nicctl.FilterID
	for _, id := range g.uc {
		ids = append(ids, id)
	}
	for _, id := range g.mc {
		ids = append(ids, id)
	}
	for _, id := range []nicctl.FilterID{g.bcast, g.ucDef, g.mcDef} {
		if id != nicctl.FilterIDInvalid {
			ids = append(ids, id)
		}
	}
	return ids
}

// addrSpec is the AUTO filter that delivers mac on vid to the default
// RSS context.
func addrSpec(vid uint16, mac nicctl.MAC) nicctl.FilterSpec {
	spec := nicctl.NewRxSpec(nicctl.PriorityAuto, nicctl.FlagRSS, 0)
	spec.SetEthLocal(vid, mac)
	return spec
}

// defaultSpec is the AUTO filter that catches unmatched unicast or
// multicast traffic on vid.
func defaultSpec(vid uint16, multicast bool) nicctl.FilterSpec {
	spec := nicctl.NewRxSpec(nicctl.PriorityAuto, nicctl.FlagRSS, 0)
	if multicast {
		spec.SetMCDefault()
	} else {
		spec.SetUCDefault()
	}
	spec.SetOuterVID(vid)
	return spec
}

// fatal reports errors that end a reconciliation: the controller is
// gone and nothing further can succeed.
func fatal(err error) bool {
	return errors.Is(err, nicctl.ErrControllerRebooted) || errors.Is(err, nicctl.ErrDisabled)
}

// outOfRoom reports errors that make an address list fall back to a
// default filter.
func outOfRoom(err error) bool {
	return errors.Is(err, nicctl.ErrOutOfSpace) || errors.Is(err, nicctl.ErrBusy)
}

// syncGroupLocked reconciles g with the current rx mode. Every filter
// the group installed is marked old, the wanted filters are inserted
// (renewing the ones that already exist) and whatever is still marked
// is swept. An address list that does not fit is replaced by the
// group's default filter. In promiscuous mode no unicast filters are
// installed.
func (m *Manager) syncGroupLocked(ctx context.Context, g *vlanGroup) error {
	t := m.table
	mode := m.rxMode
	t.MarkOld(g.ids())

	var errs []error
	insert := func(spec nicctl.FilterSpec) (nicctl.FilterID, error) {
		id, err := t.Insert(ctx, spec, true)
		if err != nil && !fatal(err) && !outOfRoom(err) {
			errs = append(errs, fmt.Errorf("vlan %s: %w", vidString(g.vid), err))
		}
		return id, err
	}

	next := newVLANGroup(g.vid)
	// installList inserts one address list. If the list does not fit
	// the part already installed is swept to make room for the
	// default filter, and the caller falls back to it.
	installList := func(kind string, macs []nicctl.MAC, into map[nicctl.MAC]nicctl.FilterID) (bool, error) {
		for _, mac := range macs {
			id, err := insert(addrSpec(g.vid, mac))
			switch {
			case fatal(err):
				return false, err
			case outOfRoom(err):
				m.logger.WarnContext(ctx, kind+" list does not fit, falling back to default filter", "vlan", vidString(g.vid), "addresses", len(macs), "error", err)
				ids := make([]nicctl.FilterID, 0, len(into))
				for mac, id := range into {
					ids = append(ids, id)
					delete(into, mac)
				}
				t.MarkOld(ids)
				if _, err := t.SweepOld(ctx); fatal(err) {
					return false, err
				}
				return false, nil
			case err == nil:
				into[mac] = id
			}
		}
		return true, nil
	}

	ucPromisc := mode.Promiscuous
	if !ucPromisc {
		fits, err := installList("unicast", mode.Unicast, next.uc)
		if err != nil {
			return err
		}
		ucPromisc = !fits
	}
	mcPromisc := mode.Promiscuous || mode.AllMulticast
	if !mcPromisc {
		fits, err := installList("multicast", mode.Multicast, next.mc)
		if err != nil {
			return err
		}
		mcPromisc = !fits
	}

	var err error
	if next.bcast, err = insert(addrSpec(g.vid, nicctl.BroadcastMAC)); fatal(err) {
		return err
	}
	if ucPromisc {
		if next.ucDef, err = insert(defaultSpec(g.vid, false)); fatal(err) {
			return err
		}
	}
	if mcPromisc {
		if next.mcDef, err = insert(defaultSpec(g.vid, true)); fatal(err) {
			return err
		}
	}

	removed, err := t.SweepOld(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	*g = *next
	m.logger.DebugContext(ctx, "vlan group synced",
		"vlan", vidString(g.vid),
		"unicast", len(g.uc),
		"multicast", len(g.mc),
		"uc_promisc", ucPromisc,
		"mc_promisc", mcPromisc,
		"swept", removed)
	return errors.Join(errs...)
}

// dropGroupLocked removes the group's AUTO filters. Better filters a
// user installed over them are left alone.
func (m *Manager) dropGroupLocked(ctx context.Context, g *vlanGroup) error {
	m.table.MarkOld(g.ids())
	_, err := m.table.SweepOld(ctx)
	return err
}

func vidString(vid uint16) string {
	if vid == nicctl.VIDUnspec {
		return "untagged"
	}
	return fmt.Sprintf("%d", vid)
}

// AddVLAN creates the filter group for vid and installs the current
// rx mode on it.
func (m *Manager) AddVLAN(ctx context.Context, vid uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table == nil {
		return errNotProbed
	}
	if vid > MaxVID {
		return fmt.Errorf("vlan %d out of range [0,%d]: %w", vid, MaxVID, nicctl.ErrNotSupported)
	}
	if m.caps.Flags&mcdi.CapVLANFilters == 0 {
		return fmt.Errorf("vlan filters: %w", nicctl.ErrNotSupported)
	}
	if _, ok := m.vlans[vid]; ok {
		return fmt.Errorf("vlan %d: %w", vid, nicctl.ErrAlreadyExists)
	}

	g := newVLANGroup(vid)
	var undo undoStack
	undo.push("vlan "+vidString(vid)+" filters", func() error { return m.dropGroupLocked(ctx, g) })
	if err := m.syncGroupLocked(ctx, g); err != nil {
		m.logger.ErrorContext(ctx, "vlan group setup failed, rolling back", "vlan", vid, "error", err)
		return errors.Join(fmt.Errorf("add vlan %d: %w", vid, err), undo.rollback(m.logger))
	}
	m.vlans[vid] = g
	m.logger.InfoContext(ctx, "added vlan", "vlan", vid, "filters", len(g.ids()))
	return nil
}

// RemoveVLAN removes the filter group for vid.
func (m *Manager) RemoveVLAN(ctx context.Context, vid uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vid == nicctl.VIDUnspec {
		return fmt.Errorf("the untagged group cannot be removed: %w", nicctl.ErrPermissionDenied)
	}
	g, ok := m.vlans[vid]
	if !ok {
		return fmt.Errorf("vlan %d: %w", vid, nicctl.ErrNotFound)
	}
	if err := m.dropGroupLocked(ctx, g); err != nil {
		return fmt.Errorf("remove vlan %d: %w", vid, err)
	}
	delete(m.vlans, vid)
	m.logger.InfoContext(ctx, "removed vlan", "vlan", vid)
	return nil
}

// VLANs returns the tagged VLANs with a filter group.
func (m *Manager) VLANs() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint16
	for vid := range m.vlans {
		if vid != nicctl.VIDUnspec {
			out = append(out, vid)
		}
	}
	slices.Sort(out)
	return out
}

// VLANFilters returns the live filters of vid's group. Use
// nicctl.VIDUnspec for the untagged group.
func (m *Manager) VLANFilters(vid uint16) ([]filter.Entry, error) {
	m.mu.Lock()
	g, ok := m.vlans[vid]
	var ids []nicctl.FilterID
	if ok {
		ids = g.ids()
	}
	t := m.table
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("vlan %s: %w", vidString(vid), nicctl.ErrNotFound)
	}
	want := make(map[nicctl.FilterID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []filter.Entry
	for _, e := range t.List() {
		if want[e.ID] {
			out = append(out, e)
		}
	}
	return out, nil
}
