package manager_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/dispatcher"
	"github.com/frobware/go-nicctl/emulator"
	"github.com/frobware/go-nicctl/manager"
	"github.com/frobware/go-nicctl/mcdi"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set NICCTL_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("NICCTL_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testFixture wires a manager to an emulated controller.
type testFixture struct {
	Controller *emulator.Controller
	Transport  *mcdi.Transport
	Dispatcher *dispatcher.Dispatcher
	Manager    *manager.Manager
	t          *testing.T
}

type fixtureConfig struct {
	emulator emulator.Config
	manager  manager.Config
	// noProbe leaves probing to the test.
	noProbe bool
}

func newTestFixture(t *testing.T, mutate ...func(*fixtureConfig)) *testFixture {
	t.Helper()
	fc := fixtureConfig{emulator: emulator.DefaultConfig()}
	fc.emulator.RingSize = 256
	fc.manager = manager.Config{
		ProbeAttempts: 3,
		ProbeInterval: 10 * time.Millisecond,
		ProtocolMajor: mcdi.ProtocolMajor,
		TableSize:     256,
		SearchLimit:   64,
		AsyncLimit:    8,
		RSSQueues:     4,
	}
	for _, fn := range mutate {
		fn(&fc)
	}

	ctl, err := emulator.New(context.Background(), fc.emulator, testLogger())
	require.NoError(t, err)
	tr, err := mcdi.New(ctl, mcdi.Config{
		ShortTimeout:     300 * time.Millisecond,
		LongTimeout:      time.Second,
		PostResetTimeout: 500 * time.Millisecond,
		PollInterval:     100 * time.Microsecond,
	}, testLogger())
	require.NoError(t, err)

	d := dispatcher.New(ctl.Events(), tr, dispatcher.Config{Budget: 16, PollInterval: time.Millisecond}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		d.Close()
		ctl.Close()
	})

	mgr := manager.New(tr, fc.manager, testLogger(), manager.WithDispatcher(d))
	if !fc.noProbe {
		require.NoError(t, mgr.Probe(context.Background()))
	}
	return &testFixture{Controller: ctl, Transport: tr, Dispatcher: d, Manager: mgr, t: t}
}

func (f *testFixture) firmwareFilters() []emulator.Filter {
	f.t.Helper()
	filters, err := f.Controller.Filters(context.Background())
	require.NoError(f.t, err)
	return filters
}

func (f *testFixture) firmwareRSS() []emulator.RSSContext {
	f.t.Helper()
	contexts, err := f.Controller.RSSContexts(context.Background())
	require.NoError(f.t, err)
	return contexts
}

func mustMAC(t *testing.T, s string) nicctl.MAC {
	t.Helper()
	m, err := nicctl.ParseMAC(s)
	require.NoError(t, err)
	return m
}

// nthMAC returns distinct unicast addresses.
func nthMAC(t *testing.T, n int) nicctl.MAC {
	return mustMAC(t, fmt.Sprintf("00:0f:53:01:%02x:%02x", n>>8, n&0xff))
}

func ucSpec(t *testing.T, priority nicctl.Priority, mac string, queue uint16) nicctl.FilterSpec {
	t.Helper()
	spec := nicctl.NewRxSpec(priority, 0, queue)
	spec.SetEthLocal(nicctl.VIDUnspec, mustMAC(t, mac))
	return spec
}
