package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/frobware/go-nicctl/config"
	"github.com/frobware/go-nicctl/server"
)

// ServeCmd starts the gRPC daemon.
type ServeCmd struct {
	RuntimeDir   string `name:"runtime-dir" help:"Runtime directory holding the device lock, socket and firmware state." default:"${default_runtime_dir}"`
	TCPAddress   string `name:"tcp-address" help:"Optional TCP address for gRPC server (e.g. [::]:50051)."`
	PprofAddress string `name:"pprof-address" help:"Optional address for the pprof HTTP server."`
	Persist      bool   `help:"Keep emulated firmware state in the runtime directory across restarts."`
}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI) error {
	logger, err := cli.LoggerFromConfig()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	appConfig, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	dirs, err := config.NewRuntimeDirs(c.RuntimeDir)
	if err != nil {
		return fmt.Errorf("runtime directory: %w", err)
	}

	cfg := server.RunConfig{
		Dirs:         dirs,
		TCPAddress:   c.TCPAddress,
		PprofAddress: c.PprofAddress,
		Persist:      c.Persist,
		Logger:       logger,
		Config:       appConfig,
	}

	// Create context that cancels on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return server.Run(ctx, cfg)
}
