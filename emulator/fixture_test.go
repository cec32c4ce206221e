package emulator_test

import (
	"context"
	"encoding"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frobware/go-nicctl/dispatcher"
	"github.com/frobware/go-nicctl/emulator"
	"github.com/frobware/go-nicctl/mcdi"
)

// testLogger discards output unless NICCTL_TEST_VERBOSE is set.
func testLogger() *slog.Logger {
	if os.Getenv("NICCTL_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testFixture struct {
	Controller *emulator.Controller
	Transport  *mcdi.Transport
	Dispatcher *dispatcher.Dispatcher
	t          *testing.T
}

func newTestFixture(t *testing.T, mutate ...func(*emulator.Config)) *testFixture {
	t.Helper()
	cfg := emulator.DefaultConfig()
	cfg.RingSize = 64
	for _, fn := range mutate {
		fn(&cfg)
	}
	ctl, err := emulator.New(context.Background(), cfg, testLogger())
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
	return &testFixture{Controller: ctl, Transport: tr, Dispatcher: d, t: t}
}

func (f *testFixture) call(op mcdi.Opcode, in encoding.BinaryMarshaler, out encoding.BinaryUnmarshaler) error {
	f.t.Helper()
	return f.Transport.Call(context.Background(), op, in, out)
}
