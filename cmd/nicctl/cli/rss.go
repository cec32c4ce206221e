package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-nicctl"
)

// RSSCmd groups the RSS context commands.
type RSSCmd struct {
	Alloc RSSAllocCmd `cmd:"" help:"Allocate an RSS context."`
	Set   RSSSetCmd   `cmd:"" help:"Program a context's key and indirection table."`
	Free  RSSFreeCmd  `cmd:"" help:"Free an RSS context."`
}

// RSSConfigFlags describe a hash key and indirection table.
type RSSConfigFlags struct {
	Key   *HexBytes `help:"Toeplitz key, 40 bytes in hex."`
	Indir []uint8   `help:"Indirection table entries, repeated to fill the table. Defaults to round-robin over the context's queues."`
}

// Config builds the configuration for a context spreading over queues.
// It returns nil when no flag was given.
func (f *RSSConfigFlags) Config(queues int) (*nicctl.RSSConfig, error) {
	if f.Key == nil && len(f.Indir) == 0 {
		return nil, nil
	}
	var cfg nicctl.RSSConfig
	if f.Key != nil {
		if len(f.Key.Value) != nicctl.RSSKeySize {
			return nil, fmt.Errorf("RSS key is %d bytes, want %d", len(f.Key.Value), nicctl.RSSKeySize)
		}
		copy(cfg.Key[:], f.Key.Value)
	}
	if len(f.Indir) == 0 {
		cfg.Indir = nicctl.DefaultIndir(queues)
	} else {
		for i := range cfg.Indir {
			cfg.Indir[i] = f.Indir[i%len(f.Indir)]
		}
	}
	if err := cfg.Validate(queues); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RSSAllocCmd allocates a context.
type RSSAllocCmd struct {
	OutputFlags
	RSSConfigFlags
	Queues    int  `short:"n" help:"Number of queues to spread over." default:"1"`
	Exclusive bool `help:"Allocate an exclusive context whose key and table can be programmed."`
}

// Run executes the rss alloc command.
func (c *RSSAllocCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := c.Config(c.Queues)
	if err != nil {
		return err
	}

	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	rss, err := b.AllocRSSContext(ctx, c.Exclusive, c.Queues, cfg)
	if err != nil {
		return err
	}
	output, err := FormatRSSContext(rss, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// RSSSetCmd programs an exclusive context.
type RSSSetCmd struct {
	RSSConfigFlags
	ID     uint32 `arg:"" help:"RSS context ID."`
	Queues int    `short:"n" help:"Number of queues the context spreads over." default:"1"`
}

// Run executes the rss set command.
func (c *RSSSetCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := c.Config(c.Queues)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("nothing to set: give --key or --indir")
	}

	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	return b.SetRSSContext(ctx, nicctl.RSSContextID(c.ID), *cfg)
}

// RSSFreeCmd frees a context.
type RSSFreeCmd struct {
	ID uint32 `arg:"" help:"RSS context ID."`
}

// Run executes the rss free command.
func (c *RSSFreeCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	return b.FreeRSSContext(ctx, nicctl.RSSContextID(c.ID))
}
