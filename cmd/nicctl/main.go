// nicctl manages the filter table, RSS contexts and address lists of a
// NIC management controller.
package main

import (
	"context"
	"os"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-nicctl/cmd/nicctl/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c, cli.KongOptions()...)
	ctx.BindTo(context.Background(), (*context.Context)(nil))
	if err := ctx.Run(&c); err != nil {
		ctx.Errorf("%v", err)
		os.Exit(1)
	}
}
