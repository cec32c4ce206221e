package server_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/frobware/go-nicctl/config"
	"github.com/frobware/go-nicctl/server"
	"github.com/frobware/go-nicctl/server/api"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set NICCTL_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("NICCTL_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig is the built-in configuration with timeouts and sizes
// suited to tests.
func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Transport.ShortTimeout.Duration = 500 * time.Millisecond
	cfg.Transport.LongTimeout.Duration = time.Second
	cfg.Transport.PostResetTimeout.Duration = 500 * time.Millisecond
	cfg.Transport.ProbeAttempts = 3
	cfg.Transport.ProbeInterval.Duration = 10 * time.Millisecond
	cfg.Filter.TableSize = 256
	cfg.Filter.SearchLimit = 64
	cfg.Filter.RSSQueues = 4
	cfg.Dispatcher.RingSize = 256
	return cfg
}

// testFixture serves a started device over a unix socket.
type testFixture struct {
	Device *server.Device
	Client *api.ControllerClient
	t      *testing.T
}

// newTestFixture creates a complete test fixture with accessible components.
func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	ctx := context.Background()

	dev, err := server.OpenDevice(ctx, server.DeviceConfig{Config: testConfig(), Logger: testLogger()})
	require.NoError(t, err)
	stop, err := dev.Start(ctx)
	require.NoError(t, err)

	// Unix socket paths are short; t.TempDir() can exceed the limit.
	dir, err := os.MkdirTemp("", "nicctl")
	require.NoError(t, err)
	socketPath := filepath.Join(dir, "s.sock")
	l, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	gs := server.New(dev.Manager, testLogger(), server.WithInspector(dev.Inspector())).Register()
	go gs.Serve(l)

	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		gs.GracefulStop()
		stop()
		dev.Close()
		os.RemoveAll(dir)
	})
	return &testFixture{Device: dev, Client: api.NewControllerClient(conn), t: t}
}

// firmwareFilterCount returns how many filters the controller holds.
func (f *testFixture) firmwareFilterCount() int {
	f.t.Helper()
	filters, err := f.Device.Controller.Filters(context.Background())
	require.NoError(f.t, err)
	return len(filters)
}
