package mcdi_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/hw"
	"github.com/frobware/go-nicctl/mcdi"
)

func TestSubmitReturnsResponse(t *testing.T) {
	d := newFakeDevice(t, echo)
	tr := newTransport(t, d)

	resp, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpDriverEvent, Input: []byte{1, 2, 3, 4}})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, resp.Data)
	assert.Equal(t, 4, resp.Len())
	assert.Equal(t, mcdi.Operational, tr.State())
}

func TestSubmitWokenByCompletionEvent(t *testing.T) {
	d := newFakeDevice(t, echo)
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	tr, err := mcdi.New(d, cfg, testLogger())
	require.NoError(t, err)
	pump(t, d, tr)

	_, err = tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion})
	require.NoError(t, err)
}

func TestErrorResponseMapsToTaxonomy(t *testing.T) {
	cases := []struct {
		errno mcdi.Errno
		want  error
	}{
		{mcdi.ENOENT, nicctl.ErrNotFound},
		{mcdi.EEXIST, nicctl.ErrAlreadyExists},
		{mcdi.EPERM, nicctl.ErrPermissionDenied},
		{mcdi.EACCES, nicctl.ErrPermissionDenied},
		{mcdi.EBUSY, nicctl.ErrBusy},
		{mcdi.ENOSPC, nicctl.ErrOutOfSpace},
		{mcdi.ENOSYS, nicctl.ErrNotImplemented},
		{mcdi.EINVAL, nicctl.ErrNotSupported},
	}
	for _, tc := range cases {
		t.Run(tc.errno.String(), func(t *testing.T) {
			d := newFakeDevice(t, func(d *fakeDevice, h mcdi.Header, _ []byte) { d.respondErr(h, tc.errno) })
			tr := newTransport(t, d)

			_, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpFilterOp})
			require.ErrorIs(t, err, tc.want)

			var cerr *mcdi.CommandError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, mcdi.OpFilterOp, cerr.Opcode)
			assert.Equal(t, tc.errno, cerr.Errno)
		})
	}
}

func TestUnknownErrnoHasNoSentinel(t *testing.T) {
	d := newFakeDevice(t, func(d *fakeDevice, h mcdi.Header, _ []byte) { d.respondErr(h, mcdi.Errno(99)) })
	tr := newTransport(t, d)
	_, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpFilterOp})
	var cerr *mcdi.CommandError
	require.ErrorAs(t, err, &cerr)
	assert.False(t, nicctl.IsRetryable(err))
	assert.NotErrorIs(t, err, nicctl.ErrNotFound)
}

func TestSubmitQuietStillReturnsError(t *testing.T) {
	d := newFakeDevice(t, func(d *fakeDevice, h mcdi.Header, _ []byte) { d.respondErr(h, mcdi.ENOSYS) })
	tr := newTransport(t, d)
	_, err := tr.SubmitQuiet(context.Background(), mcdi.Command{Opcode: mcdi.OpLicensingV3})
	require.ErrorIs(t, err, nicctl.ErrNotImplemented)
}

func TestTimeoutReleasesChannel(t *testing.T) {
	d := newFakeDevice(t, func(d *fakeDevice, _ mcdi.Header, _ []byte) { d.drop() })
	tr := newTransport(t, d)

	start := time.Now()
	_, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion})
	require.ErrorIs(t, err, nicctl.ErrProtocolTimeout)
	assert.True(t, nicctl.IsRetryable(err))
	assert.GreaterOrEqual(t, time.Since(start), testConfig().ShortTimeout)

	d.setHandler(echo)
	_, err = tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion})
	require.NoError(t, err)
	assert.Equal(t, mcdi.Operational, tr.State())
}

func TestTimeoutTiers(t *testing.T) {
	d := newFakeDevice(t, echo)
	tr := newTransport(t, d)
	cfg := testConfig()

	assert.Equal(t, cfg.ShortTimeout, tr.TimeoutFor(mcdi.OpFilterOp))
	for _, op := range []mcdi.Opcode{mcdi.OpNVRAMUpdateFinish, mcdi.OpStartBIST, mcdi.OpPollBIST, mcdi.OpLicensing, mcdi.OpLicensingV3} {
		assert.Equal(t, cfg.LongTimeout, tr.TimeoutFor(op), op.String())
	}

	// After a reset every command gets at least the grace period.
	d.boot.Add(1)
	_, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion})
	require.ErrorIs(t, err, nicctl.ErrControllerRebooted)
	assert.Equal(t, cfg.PostResetTimeout, tr.TimeoutFor(mcdi.OpFilterOp))
	assert.Equal(t, cfg.LongTimeout, tr.TimeoutFor(mcdi.OpStartBIST))
}

func TestRebootDuringRequestIsNotTrusted(t *testing.T) {
	// The controller restarts while the request is outstanding and
	// leaves a well-formed stale response behind.
	d := newFakeDevice(t, func(d *fakeDevice, h mcdi.Header, in []byte) {
		d.boot.Add(1)
		d.respond(h, []byte{0xde, 0xad})
	})
	tr := newTransport(t, d)
	epoch := tr.Epoch()

	var reboots atomic.Int32
	tr.OnReboot(func(info mcdi.RebootInfo) {
		reboots.Add(1)
		assert.Equal(t, uint32(1), info.BootCount)
	})

	_, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetCapabilities})
	require.ErrorIs(t, err, nicctl.ErrControllerRebooted)
	assert.True(t, nicctl.IsRetryable(err))

	assert.Equal(t, mcdi.Recovering, tr.State())
	assert.Equal(t, mcdi.ReprobeAll, tr.Reprobe())
	assert.NotEqual(t, epoch, tr.Epoch())
	assert.Equal(t, uint32(1), tr.BootCount())
	assert.Equal(t, int32(1), reboots.Load())
}

func TestRecoveringFailsFastOutsideRecovery(t *testing.T) {
	d := newFakeDevice(t, echo)
	tr := newTransport(t, d)

	d.boot.Add(1)
	_, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion})
	require.ErrorIs(t, err, nicctl.ErrControllerRebooted)
	doorbells := d.doorbells.Load()

	_, err = tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion})
	require.ErrorIs(t, err, nicctl.ErrControllerRebooted)
	assert.Equal(t, doorbells, d.doorbells.Load(), "nothing reaches the controller while recovering")

	err = tr.Recover(context.Background(), func(ctx context.Context) error {
		_, err := tr.Submit(ctx, mcdi.Command{Opcode: mcdi.OpGetVersion})
		if err != nil {
			return err
		}
		tr.ClearReprobe(mcdi.ReprobeAll)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, mcdi.Operational, tr.State())
	assert.Zero(t, tr.Reprobe())

	_, err = tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion})
	require.NoError(t, err)
}

func TestRecoveryFailureDisables(t *testing.T) {
	d := newFakeDevice(t, echo)
	tr := newTransport(t, d)

	err := tr.Recover(context.Background(), func(context.Context) error {
		return errors.New("re-probe failed")
	})
	require.Error(t, err)
	assert.Equal(t, mcdi.Disabled, tr.State())

	_, err = tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion})
	require.ErrorIs(t, err, nicctl.ErrDisabled)
	require.ErrorIs(t, tr.Recover(context.Background(), func(context.Context) error { return nil }), nicctl.ErrDisabled)
}

func TestRecoveryInterruptedByRebootStaysRecovering(t *testing.T) {
	d := newFakeDevice(t, echo)
	tr := newTransport(t, d)

	err := tr.Recover(context.Background(), func(ctx context.Context) error {
		d.boot.Add(1)
		_, err := tr.Submit(ctx, mcdi.Command{Opcode: mcdi.OpGetVersion})
		return err
	})
	require.ErrorIs(t, err, nicctl.ErrControllerRebooted)
	assert.Equal(t, mcdi.Recovering, tr.State())
}

func TestRebootEvent(t *testing.T) {
	d := newFakeDevice(t, echo)
	tr := newTransport(t, d)

	assert.True(t, tr.HandleEvent(hw.NewRebootEvent()))
	assert.Equal(t, mcdi.Recovering, tr.State())
	epoch := tr.Epoch()

	// A second notification for the same reboot is absorbed.
	tr.HandleEvent(hw.NewRebootEvent())
	assert.Equal(t, epoch, tr.Epoch())

	assert.False(t, tr.HandleEvent(hw.NewDriverEvent(1)))
}

func TestMalformedResponses(t *testing.T) {
	t.Run("longer than expected", func(t *testing.T) {
		d := newFakeDevice(t, func(d *fakeDevice, h mcdi.Header, _ []byte) { d.respond(h, make([]byte, 16)) })
		tr := newTransport(t, d)
		_, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion, OutLen: 8})
		require.ErrorIs(t, err, nicctl.ErrMalformedResponse)
		// Fatal for that request only.
		_, err = tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion})
		require.NoError(t, err)
	})
	t.Run("wrong opcode", func(t *testing.T) {
		d := newFakeDevice(t, func(d *fakeDevice, h mcdi.Header, _ []byte) {
			d.respond(mcdi.RequestHeader(mcdi.OpLicensing, h.Seq(), 0), nil)
		})
		tr := newTransport(t, d)
		_, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion})
		require.ErrorIs(t, err, nicctl.ErrMalformedResponse)
	})
	t.Run("short error payload", func(t *testing.T) {
		d := newFakeDevice(t, func(d *fakeDevice, h mcdi.Header, _ []byte) {
			d.inflight.Add(-1)
			d.buf.SetHeader(uint32(mcdi.ResponseHeader(h.Opcode(), h.Seq(), 2, true)))
		})
		tr := newTransport(t, d)
		_, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion})
		require.ErrorIs(t, err, nicctl.ErrMalformedResponse)
	})
}

func TestOversizedRequestRejectedLocally(t *testing.T) {
	d := newFakeDevice(t, echo)
	tr := newTransport(t, d)
	_, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpFilterOp, Input: make([]byte, 1<<20)})
	require.ErrorIs(t, err, nicctl.ErrNotSupported)
	assert.Zero(t, d.doorbells.Load())
}

func TestSingleOutstandingRequest(t *testing.T) {
	d := newFakeDevice(t, func(d *fakeDevice, h mcdi.Header, in []byte) {
		time.Sleep(200 * time.Microsecond)
		d.respond(h, in)
	})
	tr := newTransport(t, d)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpDriverEvent, Input: []byte{byte(i)}})
			assert.NoError(t, err)
			assert.Equal(t, []byte{byte(i)}, resp.Data)
		}()
	}
	wg.Wait()
	assert.False(t, d.overlap.Load(), "controller saw two outstanding requests")
	assert.Equal(t, int32(16), d.doorbells.Load())
}

func TestSubmitAsyncCompletesInOrder(t *testing.T) {
	d := newFakeDevice(t, func(d *fakeDevice, h mcdi.Header, in []byte) {
		time.Sleep(100 * time.Microsecond)
		d.respond(h, in)
	})
	tr := newTransport(t, d)
	pump(t, d, tr)

	var mu sync.Mutex
	var order []byte
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		err := tr.SubmitAsync(context.Background(), mcdi.Command{Opcode: mcdi.OpDriverEvent, Input: []byte{byte(i)}},
			func(resp mcdi.Response, err error) {
				defer wg.Done()
				assert.NoError(t, err)
				mu.Lock()
				order = append(order, resp.Data...)
				mu.Unlock()
			})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, []byte{0, 1, 2, 3, 4}, order)
	assert.False(t, d.overlap.Load())

	// The channel is free again for a synchronous caller.
	_, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion})
	require.NoError(t, err)
}

func TestSubmitAsyncTimeout(t *testing.T) {
	d := newFakeDevice(t, func(d *fakeDevice, _ mcdi.Header, _ []byte) { d.drop() })
	tr := newTransport(t, d)
	pump(t, d, tr)

	errc := make(chan error, 1)
	require.NoError(t, tr.SubmitAsync(context.Background(), mcdi.Command{Opcode: mcdi.OpFilterOp},
		func(_ mcdi.Response, err error) { errc <- err }))

	select {
	case err := <-errc:
		require.ErrorIs(t, err, nicctl.ErrProtocolTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("async callback never ran")
	}
}

func TestQueuedAsyncFailsOnReboot(t *testing.T) {
	release := make(chan struct{})
	d := newFakeDevice(t, func(d *fakeDevice, h mcdi.Header, in []byte) {
		<-release
		d.boot.Add(1)
		d.respond(h, in)
	})
	tr := newTransport(t, d)
	pump(t, d, tr)

	errs := make(chan error, 3)
	for range 3 {
		require.NoError(t, tr.SubmitAsync(context.Background(), mcdi.Command{Opcode: mcdi.OpFilterOp},
			func(_ mcdi.Response, err error) { errs <- err }))
	}
	close(release)
	for range 3 {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, nicctl.ErrControllerRebooted)
		case <-time.After(5 * time.Second):
			t.Fatal("queued request never completed")
		}
	}
	assert.Equal(t, int32(1), d.doorbells.Load())
}

func TestSubmitAsyncRejectedWhenDisabled(t *testing.T) {
	d := newFakeDevice(t, echo)
	tr := newTransport(t, d)
	tr.Disable("test")
	err := tr.SubmitAsync(context.Background(), mcdi.Command{Opcode: mcdi.OpFilterOp}, func(mcdi.Response, error) {
		t.Error("callback must not run")
	})
	require.ErrorIs(t, err, nicctl.ErrDisabled)
}

func TestInvalidateRequiresRecovery(t *testing.T) {
	d := newFakeDevice(t, echo)
	tr := newTransport(t, d)
	tr.Invalidate("event queue overflow")
	assert.Equal(t, mcdi.Recovering, tr.State())
	assert.Equal(t, mcdi.ReprobeAll, tr.Reprobe())
	_, err := tr.Submit(context.Background(), mcdi.Command{Opcode: mcdi.OpGetVersion})
	require.ErrorIs(t, err, nicctl.ErrControllerRebooted)
}
