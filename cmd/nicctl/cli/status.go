package cli

import (
	"context"
	"fmt"
	"time"
)

// StatusCmd shows controller and driver state.
type StatusCmd struct {
	OutputFlags
}

// Run executes the status command.
func (c *StatusCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	st, err := b.Status(ctx)
	if err != nil {
		return err
	}
	output, err := FormatStatus(st, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// SelfTestCmd runs the self tests.
type SelfTestCmd struct {
	OutputFlags
	Poll time.Duration `help:"Interval between BIST status polls." default:"100ms"`
}

// Run executes the selftest command.
func (c *SelfTestCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	res, err := b.SelfTest(ctx, c.Poll)
	if err != nil {
		return err
	}
	output, err := FormatSelfTest(res, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}
