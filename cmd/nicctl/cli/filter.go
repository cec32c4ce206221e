package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-nicctl"
)

// FilterCmd groups the filter table commands.
type FilterCmd struct {
	Insert   FilterInsertCmd   `cmd:"" help:"Insert a filter."`
	Remove   FilterRemoveCmd   `cmd:"" help:"Remove a filter."`
	Redirect FilterRedirectCmd `cmd:"" help:"Change where a filter delivers."`
	Get      FilterGetCmd      `cmd:"" help:"Show one filter."`
	List     FilterListCmd     `cmd:"" default:"withargs" help:"List filters."`
	Clear    FilterClearCmd    `cmd:"" help:"Remove every filter of a priority."`
}

// FilterInsertCmd inserts a filter built from match flags.
type FilterInsertCmd struct {
	Priority Priority `short:"p" help:"Priority: required, manual, auto or hint." default:"manual"`
	Replace  bool     `help:"Replace an existing filter of equal priority."`

	Queue      uint16  `short:"q" help:"Destination queue."`
	Drop       bool    `help:"Drop matching packets."`
	RSS        bool    `name:"rss" help:"Spread with the default RSS context."`
	RSSContext *uint32 `name:"rss-context" help:"Spread with this RSS context."`
	TX         bool    `name:"tx" help:"Match transmitted packets instead of received ones."`
	Loopback   bool    `help:"Loop matching transmitted packets back to receive."`

	MAC       *MAC      `name:"mac" help:"Local (destination) MAC address."`
	VLAN      *VID      `name:"vlan" help:"Outer VLAN ID."`
	Proto     string    `help:"IP protocol for address matches: tcp, udp or a number." default:"tcp"`
	Local     *Endpoint `help:"Local ADDR[:PORT]."`
	RemoteEnd *Endpoint `name:"remote-endpoint" help:"Remote ADDR[:PORT]; requires --local."`
	UCDefault bool      `name:"unknown-unicast" help:"Match unicast traffic no other filter claimed."`
	MCDefault bool      `name:"unknown-multicast" help:"Match multicast traffic no other filter claimed."`
	Encap     string    `help:"Match inside a tunnel: vxlan, nvgre or geneve."`
	VNI       uint32    `name:"vni" help:"Tunnel ID for --encap."`
}

// Spec builds the filter spec the flags describe.
func (c *FilterInsertCmd) Spec() (nicctl.FilterSpec, error) {
	var flags nicctl.FilterFlags
	if c.RSS || c.RSSContext != nil {
		flags |= nicctl.FlagRSS
	}
	spec := nicctl.NewRxSpec(c.Priority.Value, flags, c.Queue)
	if c.RSSContext != nil {
		spec.RSSContext = nicctl.RSSContextID(*c.RSSContext)
	}
	if c.TX {
		spec.Flags = nicctl.FlagTX | spec.Flags&^nicctl.FlagRX
		if c.Loopback {
			spec.Flags |= nicctl.FlagLoopback
		}
	}
	if c.Drop {
		spec.Queue = nicctl.QueueDrop
	}

	vid := nicctl.VIDUnspec
	if c.VLAN != nil {
		vid = c.VLAN.Value
	}
	if c.MAC != nil {
		spec.SetEthLocal(vid, c.MAC.Value)
	} else {
		spec.SetOuterVID(vid)
	}

	if c.RemoteEnd != nil && c.Local == nil {
		return nicctl.FilterSpec{}, fmt.Errorf("--remote-endpoint requires --local")
	}
	if c.Local != nil {
		proto, err := ParseProto(c.Proto)
		if err != nil {
			return nicctl.FilterSpec{}, err
		}
		if c.RemoteEnd != nil {
			spec.SetIPFull(proto, c.Local.Addr, c.Local.Port, c.RemoteEnd.Addr, c.RemoteEnd.Port)
		} else {
			spec.SetIPLocal(proto, c.Local.Addr, c.Local.Port)
		}
	}

	if c.UCDefault {
		spec.SetUCDefault()
	}
	if c.MCDefault {
		spec.SetMCDefault()
	}
	if c.Encap != "" {
		e, err := ParseEncap(c.Encap)
		if err != nil {
			return nicctl.FilterSpec{}, err
		}
		spec.SetEncap(e, c.VNI)
	}

	if err := spec.Validate(); err != nil {
		return nicctl.FilterSpec{}, err
	}
	return spec, nil
}

// Run executes the filter insert command.
func (c *FilterInsertCmd) Run(cli *CLI, ctx context.Context) error {
	spec, err := c.Spec()
	if err != nil {
		return err
	}

	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	id, err := b.InsertFilter(ctx, spec, c.Replace)
	if err != nil {
		return err
	}
	return cli.PrintOutf("%d\n", id)
}

// FilterRemoveCmd removes a filter.
type FilterRemoveCmd struct {
	ID FilterID `arg:"" help:"Filter ID (supports hex with 0x prefix)."`
}

// Run executes the filter remove command.
func (c *FilterRemoveCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	return b.RemoveFilter(ctx, c.ID.Value)
}

// FilterRedirectCmd moves a filter to another queue or RSS context.
type FilterRedirectCmd struct {
	ID         FilterID `arg:"" help:"Filter ID (supports hex with 0x prefix)."`
	Queue      uint16   `short:"q" help:"New destination queue." required:""`
	RSSContext *uint32  `name:"rss-context" help:"Spread with this RSS context. Omit to stop spreading."`
}

// Run executes the filter redirect command.
func (c *FilterRedirectCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	var rss *nicctl.RSSContextID
	if c.RSSContext != nil {
		id := nicctl.RSSContextID(*c.RSSContext)
		rss = &id
	}
	return b.RedirectFilter(ctx, c.ID.Value, c.Queue, rss)
}

// FilterGetCmd shows one filter.
type FilterGetCmd struct {
	OutputFlags
	ID FilterID `arg:"" help:"Filter ID (supports hex with 0x prefix)."`
}

// Run executes the filter get command.
func (c *FilterGetCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	f, err := b.GetFilter(ctx, c.ID.Value)
	if err != nil {
		return err
	}
	output, err := FormatFilter(f, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// FilterListCmd lists filters.
type FilterListCmd struct {
	OutputFlags
	Priority *Priority `short:"p" help:"Only list filters of this priority."`
}

// Run executes the filter list command.
func (c *FilterListCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	var prio *nicctl.Priority
	if c.Priority != nil {
		prio = &c.Priority.Value
	}
	filters, err := b.ListFilters(ctx, prio)
	if err != nil {
		return err
	}
	output, err := FormatFilters(filters, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// FilterClearCmd removes every filter of one priority.
type FilterClearCmd struct {
	Priority Priority `arg:"" help:"Priority to clear."`
}

// Run executes the filter clear command.
func (c *FilterClearCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	return b.ClearFilters(ctx, c.Priority.Value)
}
