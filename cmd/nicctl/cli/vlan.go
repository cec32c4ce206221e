package cli

import (
	"context"
	"fmt"
)

// VLANCmd groups the VLAN filter group commands.
type VLANCmd struct {
	Add    VLANAddCmd    `cmd:"" help:"Create the filter group for a VLAN."`
	Remove VLANRemoveCmd `cmd:"" help:"Remove the filter group for a VLAN."`
	List   VLANListCmd   `cmd:"" help:"List the filters of a VLAN group."`
}

// VLANAddCmd creates a VLAN group.
type VLANAddCmd struct {
	VID VID `arg:"" help:"VLAN ID."`
}

// Run executes the vlan add command.
func (c *VLANAddCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	return b.AddVLAN(ctx, c.VID.Value)
}

// VLANRemoveCmd removes a VLAN group.
type VLANRemoveCmd struct {
	VID VID `arg:"" help:"VLAN ID."`
}

// Run executes the vlan remove command.
func (c *VLANRemoveCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	return b.RemoveVLAN(ctx, c.VID.Value)
}

// VLANListCmd shows a group's filters.
type VLANListCmd struct {
	OutputFlags
	VID VID `arg:"" optional:"" help:"VLAN ID, or untagged." default:"untagged"`
}

// Run executes the vlan list command.
func (c *VLANListCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	filters, err := b.VLANFilters(ctx, c.VID.Value)
	if err != nil {
		return err
	}
	output, err := FormatFilters(filters, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}
