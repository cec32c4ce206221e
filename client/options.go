package client

import (
	"log/slog"

	"github.com/frobware/go-nicctl/config"
	"github.com/frobware/go-nicctl/logging"
)

// DefaultSocketPath is the daemon socket under the default runtime
// directory.
func DefaultSocketPath() string {
	return config.DefaultRuntimeDirs().SocketPath()
}

type options struct {
	logger *slog.Logger
	// runtimeDir is only read by Open. Empty keeps firmware state in
	// memory.
	runtimeDir string
	cfg        config.Config
}

func newOptions(opts []Option) options {
	o := options{logger: logging.Discard(), cfg: config.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures Dial and Open. Options that only make sense for
// an in-process controller are ignored by Dial.
type Option func(*options)

// WithLogger sets the client's logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRuntimeDir makes Open keep the emulated firmware state under
// path and own the device lock there while the client is open.
func WithRuntimeDir(path string) Option {
	return func(o *options) { o.runtimeDir = path }
}

// WithConfig replaces the built-in configuration used by Open.
func WithConfig(cfg config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// Dial connects to a nicctl daemon. address is host:port,
// unix:///path or a bare socket path:
//
//	c, err := client.Dial("localhost:50051")
//	c, err := client.Dial("/run/nicctl-sock/nicctl.sock")
//
// Close the client when done.
func Dial(address string, opts ...Option) (Client, error) {
	o := newOptions(opts)
	c, err := newRemote(address, o.logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Open starts an emulated controller in-process and returns a client
// for it. Requests go through an in-process gRPC server, so they take
// the same path as requests to a daemon.
//
//	c, err := client.Open()                                    // state in memory
//	c, err := client.Open(client.WithRuntimeDir("/tmp/nicctl")) // state on disk
//
// Close the client when done; that stops the controller.
func Open(opts ...Option) (Client, error) {
	o := newOptions(opts)
	var dirs *config.RuntimeDirs
	if o.runtimeDir != "" {
		d, err := config.NewRuntimeDirs(o.runtimeDir)
		if err != nil {
			return nil, err
		}
		dirs = &d
	}
	return newEphemeral(dirs, o.cfg, o.logger)
}
