package cli

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/frobware/go-nicctl/mcdi"
)

// SubmitCmd sends one raw command and prints the response payload.
type SubmitCmd struct {
	Opcode string    `arg:"" help:"Opcode name (e.g. get_version) or number."`
	Input  *HexBytes `arg:"" optional:"" help:"Request payload in hex."`
	OutLen int       `name:"out-len" help:"Largest response payload to accept; 0 accepts anything that fits the buffer."`
}

// Run executes the submit command.
func (c *SubmitCmd) Run(cli *CLI, ctx context.Context) error {
	op, err := mcdi.ParseOpcode(c.Opcode)
	if err != nil {
		return err
	}
	var input []byte
	if c.Input != nil {
		input = c.Input.Value
	}

	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	data, err := b.Submit(ctx, uint8(op), input, c.OutLen)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return cli.PrintOut(hex.Dump(data))
}
