package cli

import (
	"context"
	"fmt"
)

// DoctorCmd checks that the driver's filter and RSS tables agree with
// the controller's.
type DoctorCmd struct {
	OutputFlags
	Repair bool `help:"Remove orphaned firmware filters and RSS contexts after checking."`
}

// Run executes the doctor command.
func (c *DoctorCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	report, err := b.Doctor(ctx)
	if err != nil {
		return fmt.Errorf("doctor: %w", err)
	}
	output, err := FormatDoctorReport(report, &c.OutputFlags)
	if err != nil {
		return err
	}
	if err := cli.PrintOut(output); err != nil {
		return err
	}
	if !c.Repair {
		return nil
	}

	res, err := b.Repair(ctx)
	if err != nil {
		return fmt.Errorf("repair: %w", err)
	}
	output, err = FormatRepair(res, &c.OutputFlags)
	if err != nil {
		return err
	}
	if err := cli.PrintOut(output); err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d repair step(s) failed", len(res.Errors))
	}
	return nil
}
