package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/server/api"
)

// RxModeCmd groups the rx mode commands.
type RxModeCmd struct {
	Sync RxModeSyncCmd `cmd:"" help:"Replace the receive address lists on every VLAN group."`
}

// RxModeSyncCmd installs a receive configuration.
type RxModeSyncCmd struct {
	Unicast      []MAC  `name:"unicast" short:"u" help:"Unicast address to receive (can be repeated)."`
	Multicast    []MAC  `name:"multicast" short:"m" help:"Multicast address to receive (can be repeated)."`
	Promiscuous  bool   `name:"promisc" help:"Receive all unicast traffic."`
	AllMulticast bool   `name:"allmulti" help:"Receive all multicast traffic."`
	FromLink     string `name:"from-link" help:"Take the address, promiscuity and VLANs of a host interface."`
}

// linkRxMode derives an rx mode from a host link: its hardware address,
// its promisc and allmulti flags and the IDs of VLAN links stacked on
// it.
func linkRxMode(link netlink.Link, all []netlink.Link) (api.RxMode, []uint16, error) {
	attrs := link.Attrs()
	mac, err := nicctl.MACFromHardwareAddr(attrs.HardwareAddr)
	if err != nil {
		return api.RxMode{}, nil, fmt.Errorf("link %s: %w", attrs.Name, err)
	}
	mode := api.RxMode{
		Unicast:      []nicctl.MAC{mac},
		Promiscuous:  attrs.RawFlags&unix.IFF_PROMISC != 0,
		AllMulticast: attrs.RawFlags&unix.IFF_ALLMULTI != 0,
	}
	var vids []uint16
	for _, l := range all {
		v, ok := l.(*netlink.Vlan)
		if !ok || v.Attrs().ParentIndex != attrs.Index {
			continue
		}
		vids = append(vids, uint16(v.VlanId))
	}
	return mode, vids, nil
}

// Mode merges the address flags with the link named by --from-link.
// The VLANs found on the link are returned separately.
func (c *RxModeSyncCmd) Mode() (api.RxMode, []uint16, error) {
	var mode api.RxMode
	var vids []uint16
	if c.FromLink != "" {
		link, err := netlink.LinkByName(c.FromLink)
		if err != nil {
			return api.RxMode{}, nil, fmt.Errorf("lookup link %s: %w", c.FromLink, err)
		}
		all, err := netlink.LinkList()
		if err != nil {
			return api.RxMode{}, nil, fmt.Errorf("list links: %w", err)
		}
		if mode, vids, err = linkRxMode(link, all); err != nil {
			return api.RxMode{}, nil, err
		}
	}
	for _, m := range c.Unicast {
		mode.Unicast = append(mode.Unicast, m.Value)
	}
	for _, m := range c.Multicast {
		mode.Multicast = append(mode.Multicast, m.Value)
	}
	mode.Promiscuous = mode.Promiscuous || c.Promiscuous
	mode.AllMulticast = mode.AllMulticast || c.AllMulticast
	return mode, vids, nil
}

// Run executes the rxmode sync command. VLANs found on --from-link get
// a filter group if they do not have one yet.
func (c *RxModeSyncCmd) Run(cli *CLI, ctx context.Context) error {
	mode, vids, err := c.Mode()
	if err != nil {
		return err
	}

	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	for _, vid := range vids {
		if err := b.AddVLAN(ctx, vid); err != nil && !errors.Is(err, nicctl.ErrAlreadyExists) {
			return fmt.Errorf("add vlan %d: %w", vid, err)
		}
	}
	return b.SyncRxMode(ctx, mode)
}
