package mcdi_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frobware/go-nicctl/hw"
	"github.com/frobware/go-nicctl/mcdi"
)

func testLogger() *slog.Logger {
	if os.Getenv("NICCTL_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDevice is a scripted controller. Each doorbell runs handler on
// its own goroutine with a copy of the request.
type fakeDevice struct {
	buf  *hw.DMABuffer
	ring *hw.EventRing
	boot atomic.Uint32

	mu      sync.Mutex
	handler func(d *fakeDevice, h mcdi.Header, in []byte)

	doorbells atomic.Int32
	inflight  atomic.Int32
	overlap   atomic.Bool
}

func newFakeDevice(t *testing.T, handler func(d *fakeDevice, h mcdi.Header, in []byte)) *fakeDevice {
	t.Helper()
	buf, err := hw.NewDMABuffer(4096)
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })
	ring, err := hw.NewEventRing(64)
	require.NoError(t, err)
	return &fakeDevice{buf: buf, ring: ring, handler: handler}
}

func (d *fakeDevice) RingDoorbell(addr uint64) error {
	if addr != d.buf.Addr() {
		return errors.New("doorbell for unknown buffer")
	}
	d.doorbells.Add(1)
	if d.inflight.Add(1) > 1 {
		d.overlap.Store(true)
	}
	h := mcdi.Header(d.buf.Header())
	in := append([]byte(nil), d.buf.Payload()[:h.Len()]...)
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	go handler(d, h, in)
	return nil
}

func (d *fakeDevice) WarmBootCount() (uint32, error) { return d.boot.Load(), nil }
func (d *fakeDevice) Buffer() *hw.DMABuffer          { return d.buf }
func (d *fakeDevice) Events() *hw.EventRing          { return d.ring }

func (d *fakeDevice) setHandler(fn func(d *fakeDevice, h mcdi.Header, in []byte)) {
	d.mu.Lock()
	d.handler = fn
	d.mu.Unlock()
}

func (d *fakeDevice) respond(h mcdi.Header, out []byte) {
	d.inflight.Add(-1)
	copy(d.buf.Payload(), out)
	d.buf.SetHeader(uint32(mcdi.ResponseHeader(h.Opcode(), h.Seq(), len(out), false)))
	d.ring.Post(hw.NewCmdDoneEvent(h.Seq(), uint16(len(out)), 0))
}

func (d *fakeDevice) respondErr(h mcdi.Header, errno mcdi.Errno) {
	d.inflight.Add(-1)
	binary.LittleEndian.PutUint32(d.buf.Payload(), uint32(errno))
	d.buf.SetHeader(uint32(mcdi.ResponseHeader(h.Opcode(), h.Seq(), 4, true)))
	d.ring.Post(hw.NewCmdDoneEvent(h.Seq(), 4, uint32(errno)))
}

// drop abandons a request without responding.
func (d *fakeDevice) drop() { d.inflight.Add(-1) }

func echo(d *fakeDevice, h mcdi.Header, in []byte) { d.respond(h, in) }

// pump delivers ring events to tr until the test ends.
func pump(t *testing.T, d *fakeDevice, tr *mcdi.Transport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.Cleanup(func() {
		cancel()
		<-done
	})
	go func() {
		defer close(done)
		for {
			n, idx := d.ring.Peek()
			for i := uint32(0); i < n; i++ {
				tr.HandleEvent(d.ring.Get(idx + i))
			}
			d.ring.Release(n)
			select {
			case <-ctx.Done():
				return
			case <-d.ring.Notify():
			case <-time.After(time.Millisecond):
			}
		}
	}()
}

func testConfig() mcdi.Config {
	return mcdi.Config{
		ShortTimeout:     200 * time.Millisecond,
		LongTimeout:      time.Second,
		PostResetTimeout: 400 * time.Millisecond,
		PollInterval:     100 * time.Microsecond,
	}
}

func newTransport(t *testing.T, d *fakeDevice) *mcdi.Transport {
	t.Helper()
	tr, err := mcdi.New(d, testConfig(), testLogger())
	require.NoError(t, err)
	return tr
}
