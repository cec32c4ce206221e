package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-nicctl/client"
	"github.com/frobware/go-nicctl/config"
	"github.com/frobware/go-nicctl/logging"
)

// CLI is the root command structure for nicctl.
type CLI struct {
	Config string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log    string `name:"log" help:"Log spec (e.g., 'info,manager=debug')." env:"NICCTL_LOG"`
	Remote string `name:"remote" short:"r" help:"Remote endpoint (unix:///path or host:port). Without it commands drive a private in-process controller."`

	// Out receives command output. Nil means os.Stdout.
	Out io.Writer `kong:"-"`

	Serve    ServeCmd    `cmd:"" help:"Start the gRPC daemon."`
	Filter   FilterCmd   `cmd:"" help:"Insert, inspect and remove hardware filters."`
	RSS      RSSCmd      `cmd:"" name:"rss" help:"Manage RSS contexts."`
	VLAN     VLANCmd     `cmd:"" name:"vlan" help:"Manage VLAN filter groups."`
	RxMode   RxModeCmd   `cmd:"" name:"rxmode" help:"Program the receive address lists."`
	Submit   SubmitCmd   `cmd:"" help:"Send a raw command to the controller."`
	Status   StatusCmd   `cmd:"" help:"Show controller and driver state."`
	SelfTest SelfTestCmd `cmd:"" name:"selftest" help:"Run the event loopback and built-in self tests."`
	Doctor   DoctorCmd   `cmd:"" help:"Check driver and controller tables agree."`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("nicctl"),
		kong.Description("Control plane for a NIC management controller."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(FilterID{}), filterIDMapper()),
		kong.TypeMapper(reflect.TypeOf(Priority{}), priorityMapper()),
		kong.TypeMapper(reflect.TypeOf(MAC{}), macMapper()),
		kong.TypeMapper(reflect.TypeOf(Endpoint{}), endpointMapper()),
		kong.TypeMapper(reflect.TypeOf(VID{}), vidMapper()),
		kong.TypeMapper(reflect.TypeOf(HexBytes{}), hexBytesMapper()),
		kong.Vars{
			"default_runtime_dir": "/run/nicctl",
			"default_config_path": "/etc/nicctl/nicctl.toml",
		},
	}
}

// LoadConfig loads the configuration from the config file path.
func (c *CLI) LoadConfig() (config.Config, error) {
	return config.Load(c.Config)
}

// Logger creates a logger for CLI commands.
// CLI commands default to WARN level for quieter output.
// Use LoggerFromConfig for long-running services like serve.
func (c *CLI) Logger() (*slog.Logger, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}

	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	spec := c.Log
	if spec == "" {
		spec = "warn"
	}

	return logging.New(logging.Options{
		CLISpec:    spec,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     os.Stderr,
	})
}

// LoggerFromConfig creates a logger using config file settings.
// Output goes to stdout for daemon log collection.
func (c *CLI) LoggerFromConfig() (*slog.Logger, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}

	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	return logging.New(logging.Options{
		CLISpec:    c.Log,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     os.Stdout,
	})
}

// Client returns a client appropriate for the configured transport.
// If --remote is set the client talks to that daemon. Otherwise it
// drives a private emulated controller that lives as long as the
// client, which is mostly useful for trying commands out.
// The returned client must be closed when no longer needed.
func (c *CLI) Client(_ context.Context) (client.Client, error) {
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}

	if c.Remote != "" {
		return client.Dial(c.Remote, client.WithLogger(logger))
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}
	return client.Open(client.WithLogger(logger), client.WithConfig(cfg))
}

func (c *CLI) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

// WriteOut writes b in full. A short write without an error is
// reported as io.ErrShortWrite.
func (c *CLI) WriteOut(b []byte) error {
	n, err := c.out().Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// PrintOut writes s to the command output.
func (c *CLI) PrintOut(s string) error {
	return c.WriteOut([]byte(s))
}

// PrintOutf formats to the command output.
func (c *CLI) PrintOutf(format string, args ...any) error {
	return c.PrintOut(fmt.Sprintf(format, args...))
}
