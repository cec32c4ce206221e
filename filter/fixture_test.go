package filter_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/dispatcher"
	"github.com/frobware/go-nicctl/emulator"
	"github.com/frobware/go-nicctl/filter"
	"github.com/frobware/go-nicctl/mcdi"
)

func testLogger() *slog.Logger {
	if os.Getenv("NICCTL_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testFixture struct {
	Controller *emulator.Controller
	Transport  *mcdi.Transport
	Table      *filter.Table
	t          *testing.T
}

type fixtureConfig struct {
	emulator emulator.Config
	table    filter.Config
}

func newTestFixture(t *testing.T, mutate ...func(*fixtureConfig)) *testFixture {
	t.Helper()
	fc := fixtureConfig{emulator: emulator.DefaultConfig()}
	fc.emulator.RingSize = 64
	fc.table = filter.Config{
		Size:         64,
		SearchLimit:  64,
		AsyncLimit:   8,
		Matches:      fc.emulator.Matches,
		Capabilities: fc.emulator.Capabilities,
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

	table, err := filter.New(tr, fc.table, testLogger())
	require.NoError(t, err)
	return &testFixture{Controller: ctl, Transport: tr, Table: table, t: t}
}

// firmwareFilters returns what the controller holds.
func (f *testFixture) firmwareFilters() []emulator.Filter {
	f.t.Helper()
	filters, err := f.Controller.Filters(context.Background())
	require.NoError(f.t, err)
	return filters
}

func macSpec(t *testing.T, priority nicctl.Priority, mac string, queue uint16) nicctl.FilterSpec {
	t.Helper()
	m, err := nicctl.ParseMAC(mac)
	require.NoError(t, err)
	spec := nicctl.NewRxSpec(priority, 0, queue)
	spec.SetEthLocal(nicctl.VIDUnspec, m)
	return spec
}

// nthMAC returns distinct unicast addresses.
func nthMAC(n int) string {
	return fmt.Sprintf("00:0f:53:00:%02x:%02x", n>>8, n&0xff)
}

func flowSpec(priority nicctl.Priority, port uint16, queue uint16) nicctl.FilterSpec {
	spec := nicctl.NewRxSpec(priority, 0, queue)
	spec.SetIPLocal(6, netip.MustParseAddr("192.0.2.10"), port)
	return spec
}
