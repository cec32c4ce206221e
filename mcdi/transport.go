// Package mcdi runs the command protocol between the host and the
// management controller.
//
// A command is written into the shared buffer and handed over with a
// doorbell write. The controller writes the response over the request,
// sets the response flag in the header and posts a CMDDONE event. The
// buffer holds one command at a time, so the transport owns a single
// channel token: synchronous callers take it in turn and asynchronous
// requests queue behind it in FIFO order.
//
// Before a response is trusted the warm boot counter is compared with
// the value seen when the request was sent. A change means the
// controller restarted underneath the request; the request fails with
// nicctl.ErrControllerRebooted, the device moves to Recovering and
// every piece of derived state is flagged for re-probe. The request is
// never retried here.
package mcdi

import (
	"context"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/hw"
	"github.com/frobware/go-nicctl/logging"
	"github.com/frobware/go-nicctl/metrics"
)

// Command is one request.
type Command struct {
	Opcode Opcode
	Input  []byte
	// OutLen bounds the response length. A longer response is
	// malformed. Zero means the buffer capacity.
	OutLen int
}

// Response is the payload of a successful command.
type Response struct {
	Data []byte
}

// Len is the response length.
func (r Response) Len() int { return len(r.Data) }

// Config holds the transport timing parameters.
type Config struct {
	// ShortTimeout applies to most commands.
	ShortTimeout time.Duration
	// LongTimeout applies to commands known to run long.
	LongTimeout time.Duration
	// PostResetTimeout is the minimum timeout for any command issued
	// within this long of a detected reset.
	PostResetTimeout time.Duration
	// PollInterval is how often a synchronous caller re-reads the
	// header while waiting.
	PollInterval time.Duration
}

// DefaultConfig returns the standard timeout tiers.
func DefaultConfig() Config {
	return Config{
		ShortTimeout:     10 * time.Second,
		LongTimeout:      60 * time.Second,
		PostResetTimeout: 30 * time.Second,
		PollInterval:     time.Millisecond,
	}
}

// RebootInfo describes a detected controller reboot.
type RebootInfo struct {
	BootCount uint32
	Epoch     uuid.UUID
}

// Option configures a Transport.
type Option func(*Transport)

// WithMetrics records command metrics.
func WithMetrics(m *metrics.Transport) Option {
	return func(t *Transport) { t.metrics = m }
}

// Transport submits commands to one controller.
type Transport struct {
	dev     hw.Device
	buf     *hw.DMABuffer
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Transport

	// token holds a value while the channel is free.
	token chan struct{}

	// recoverMu serialises Recover.
	recoverMu sync.Mutex

	mu        sync.Mutex
	seq       uint8
	cur       *request
	queue     []*request
	bootCount uint32
	lastReset time.Time
	state     State
	reprobe   Reprobe
	epoch     uuid.UUID
	version   Version
	onReboot  []func(RebootInfo)

	// post collects callbacks to run once mu is released.
	post []func()
}

type request struct {
	cmd      Command
	quiet    bool
	recovery bool
	seq      uint8
	boot     uint32
	start    time.Time
	timeout  time.Duration

	// done wakes a synchronous waiter early.
	done chan struct{}
	// cb completes an asynchronous request.
	cb    func(Response, error)
	timer *time.Timer

	finished bool
	resp     Response
	err      error
}

func (r *request) async() bool { return r.cb != nil }

// New creates a transport for dev and records the current warm boot
// count as the baseline.
func New(dev hw.Device, cfg Config, logger *slog.Logger, opts ...Option) (*Transport, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	boot, err := dev.WarmBootCount()
	if err != nil {
		return nil, fmt.Errorf("read warm boot count: %w", err)
	}
	t := &Transport{
		dev:       dev,
		buf:       dev.Buffer(),
		cfg:       cfg,
		logger:    logger.With("component", "transport"),
		token:     make(chan struct{}, 1),
		bootCount: boot,
		epoch:     uuid.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.token <- struct{}{}
	t.logger.Debug("transport ready", "boot_count", boot, "epoch", t.epoch)
	return t, nil
}

// Submit runs cmd and waits for its response.
func (t *Transport) Submit(ctx context.Context, cmd Command) (Response, error) {
	return t.submit(ctx, cmd, false)
}

// SubmitQuiet is Submit for probing calls: a NotImplemented or
// NotSupported failure is logged at debug only. The error is still
// returned.
func (t *Transport) SubmitQuiet(ctx context.Context, cmd Command) (Response, error) {
	return t.submit(ctx, cmd, true)
}

func (t *Transport) submit(ctx context.Context, cmd Command, quiet bool) (Response, error) {
	if err := t.check(ctx, cmd); err != nil {
		return Response{}, err
	}
	select {
	case <-t.token:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	req := &request{cmd: cmd, quiet: quiet, recovery: inRecovery(ctx, t), done: make(chan struct{}, 1)}
	t.mu.Lock()
	// The state may have changed while waiting for the channel.
	err := t.admitLocked(req.recovery)
	if err == nil {
		err = t.startLocked(req)
	}
	t.unlock()
	if err != nil {
		t.release()
		t.logResult(req, err)
		return Response{}, err
	}

	resp, err := t.wait(req)
	t.release()
	t.logResult(req, err)
	return resp, err
}

// SubmitAsync queues cmd and returns immediately. Unless SubmitAsync
// itself fails, cb is called exactly once, from whichever goroutine
// observed the completion.
func (t *Transport) SubmitAsync(ctx context.Context, cmd Command, cb func(Response, error)) error {
	if cb == nil {
		return errors.New("mcdi: async submit without callback")
	}
	if err := t.check(ctx, cmd); err != nil {
		return err
	}
	req := &request{cmd: cmd, cb: cb, recovery: inRecovery(ctx, t)}

	t.mu.Lock()
	select {
	case <-t.token:
		if err := t.startLocked(req); err != nil {
			t.failLocked(req, err)
			t.startNextLocked()
		}
	default:
		t.queue = append(t.queue, req)
	}
	t.unlock()
	return nil
}

// Call marshals in, submits op and unmarshals the response into out.
// Either may be nil.
func (t *Transport) Call(ctx context.Context, op Opcode, in encoding.BinaryMarshaler, out encoding.BinaryUnmarshaler) error {
	return t.call(ctx, op, in, out, false)
}

// CallQuiet is Call with SubmitQuiet logging.
func (t *Transport) CallQuiet(ctx context.Context, op Opcode, in encoding.BinaryMarshaler, out encoding.BinaryUnmarshaler) error {
	return t.call(ctx, op, in, out, true)
}

func (t *Transport) call(ctx context.Context, op Opcode, in encoding.BinaryMarshaler, out encoding.BinaryUnmarshaler, quiet bool) error {
	cmd, err := newCommand(op, in)
	if err != nil {
		return err
	}
	resp, err := t.submit(ctx, cmd, quiet)
	if err != nil {
		return err
	}
	return decodeInto(op, resp, out)
}

// CallAsync is the asynchronous form of Call. cb receives the decode
// result.
func (t *Transport) CallAsync(ctx context.Context, op Opcode, in encoding.BinaryMarshaler, out encoding.BinaryUnmarshaler, cb func(error)) error {
	cmd, err := newCommand(op, in)
	if err != nil {
		return err
	}
	return t.SubmitAsync(ctx, cmd, func(resp Response, err error) {
		if err == nil {
			err = decodeInto(op, resp, out)
		}
		cb(err)
	})
}

func newCommand(op Opcode, in encoding.BinaryMarshaler) (Command, error) {
	cmd := Command{Opcode: op}
	if in != nil {
		b, err := in.MarshalBinary()
		if err != nil {
			return Command{}, fmt.Errorf("mcdi %s: encode request: %w", op, err)
		}
		cmd.Input = b
	}
	return cmd, nil
}

func decodeInto(op Opcode, resp Response, out encoding.BinaryUnmarshaler) error {
	if out == nil {
		return nil
	}
	if err := out.UnmarshalBinary(resp.Data); err != nil {
		return fmt.Errorf("mcdi %s: decode response: %w", op, err)
	}
	return nil
}

func (t *Transport) check(ctx context.Context, cmd Command) error {
	if n := len(cmd.Input); n > t.buf.PayloadCap() || n > maxPayloadSize {
		return fmt.Errorf("mcdi %s: %d byte request exceeds buffer: %w", cmd.Opcode, n, nicctl.ErrNotSupported)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.admitLocked(inRecovery(ctx, t))
}

// admitLocked fails fast when the device state forbids submission.
func (t *Transport) admitLocked(recovery bool) error {
	switch t.state {
	case Recovering:
		if recovery {
			return nil
		}
		return fmt.Errorf("device is recovering: %w", nicctl.ErrControllerRebooted)
	case Disabled:
		return nicctl.ErrDisabled
	}
	return nil
}

// unlock releases mu and then runs the callbacks queued while it was
// held.
func (t *Transport) unlock() {
	post := t.post
	t.post = nil
	t.mu.Unlock()
	for _, fn := range post {
		fn()
	}
}

// startLocked writes req into the buffer and rings the doorbell. The
// caller holds the channel token and mu.
func (t *Transport) startLocked(req *request) error {
	boot, err := t.dev.WarmBootCount()
	if err != nil {
		return fmt.Errorf("read warm boot count: %w", err)
	}
	if boot != t.bootCount {
		// The controller restarted while the channel was idle.
		t.rebootLocked(boot, false)
		return fmt.Errorf("mcdi %s: %w", req.cmd.Opcode, nicctl.ErrControllerRebooted)
	}

	t.seq = (t.seq + 1) & hdrSeqMask
	req.seq = t.seq
	req.boot = boot
	req.start = time.Now()
	req.timeout = t.timeoutLocked(req.cmd.Opcode)

	copy(t.buf.Payload(), req.cmd.Input)
	t.buf.SetHeader(uint32(RequestHeader(req.cmd.Opcode, req.seq, len(req.cmd.Input))))
	t.cur = req

	if req.async() {
		req.timer = time.AfterFunc(req.timeout, func() { t.asyncExpired(req) })
	}
	if err := t.dev.RingDoorbell(t.buf.Addr()); err != nil {
		if req.timer != nil {
			req.timer.Stop()
		}
		t.cur = nil
		return fmt.Errorf("mcdi %s: doorbell: %w", req.cmd.Opcode, err)
	}
	t.logger.Log(context.Background(), logging.LevelTrace.ToSlog(), "command sent",
		"opcode", req.cmd.Opcode, "seq", req.seq, "len", len(req.cmd.Input), "timeout", req.timeout)
	return nil
}

// timeoutLocked picks the timeout tier for op.
func (t *Transport) timeoutLocked(op Opcode) time.Duration {
	d := t.cfg.ShortTimeout
	if op.LongRunning() {
		d = t.cfg.LongTimeout
	}
	if !t.lastReset.IsZero() && time.Since(t.lastReset) < t.cfg.PostResetTimeout {
		d = max(d, t.cfg.PostResetTimeout)
	}
	return d
}

// wait blocks a synchronous caller until req completes or times out.
func (t *Transport) wait(req *request) (Response, error) {
	deadline := time.NewTimer(req.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if done := t.poll(req, false); done {
			return req.resp, req.err
		}
		select {
		case <-req.done:
		case <-ticker.C:
		case <-deadline.C:
			t.poll(req, true)
			return req.resp, req.err
		}
	}
}

// poll checks whether the synchronous req has completed. When final
// is set a request without a response completes with a timeout.
func (t *Transport) poll(req *request, final bool) bool {
	t.mu.Lock()
	defer t.unlock()
	if req.finished {
		return true
	}
	resp, err, ok := t.checkLocked(req, final)
	if !ok {
		return false
	}
	t.completeLocked(req, resp, err)
	return true
}

// checkLocked inspects the buffer on behalf of req. The warm boot
// counter is read whenever the response is not ready, and again
// before trusting one that is.
func (t *Transport) checkLocked(req *request, final bool) (Response, error, bool) {
	h := Header(t.buf.Header())
	ready := h.IsResponse() && h.Seq() == req.seq

	boot, err := t.dev.WarmBootCount()
	if err != nil {
		if !ready && !final {
			return Response{}, nil, false
		}
		return Response{}, fmt.Errorf("read warm boot count: %w", err), true
	}
	if boot != req.boot {
		t.rebootLocked(boot, false)
		return Response{}, fmt.Errorf("mcdi %s: %w", req.cmd.Opcode, nicctl.ErrControllerRebooted), true
	}
	if !ready {
		if !final {
			return Response{}, nil, false
		}
		t.metrics.Timeout()
		return Response{}, fmt.Errorf("mcdi %s: no response after %s: %w", req.cmd.Opcode, req.timeout, nicctl.ErrProtocolTimeout), true
	}
	resp, err := t.readResponseLocked(req, h)
	return resp, err, true
}

func (t *Transport) readResponseLocked(req *request, h Header) (Response, error) {
	op := req.cmd.Opcode
	if h.Opcode() != op {
		return Response{}, fmt.Errorf("mcdi %s: response for %s: %w", op, h.Opcode(), nicctl.ErrMalformedResponse)
	}
	n := h.Len()
	if n > t.buf.PayloadCap() {
		return Response{}, fmt.Errorf("mcdi %s: response length %d exceeds buffer: %w", op, n, nicctl.ErrMalformedResponse)
	}
	payload := t.buf.Payload()[:n]
	if h.IsError() {
		if n < 4 {
			return Response{}, fmt.Errorf("mcdi %s: error response of %d bytes: %w", op, n, nicctl.ErrMalformedResponse)
		}
		return Response{}, &CommandError{Opcode: op, Errno: Errno(binary.LittleEndian.Uint32(payload))}
	}
	limit := req.cmd.OutLen
	if limit <= 0 {
		limit = t.buf.PayloadCap()
	}
	if n > limit {
		return Response{}, fmt.Errorf("mcdi %s: response length %d exceeds %d: %w", op, n, limit, nicctl.ErrMalformedResponse)
	}
	return Response{Data: append([]byte(nil), payload...)}, nil
}

// completeLocked records the outcome of req. An asynchronous request
// also frees the channel and queues its callback.
func (t *Transport) completeLocked(req *request, resp Response, err error) {
	if req.finished {
		return
	}
	req.finished = true
	req.resp = resp
	req.err = err
	if !req.async() {
		select {
		case req.done <- struct{}{}:
		default:
		}
		return
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	t.post = append(t.post, func() {
		t.logResult(req, err)
		req.cb(resp, err)
	})
	if t.cur == req {
		t.cur = nil
		t.startNextLocked()
	}
}

// failLocked completes an asynchronous request that never reached the
// controller.
func (t *Transport) failLocked(req *request, err error) {
	req.finished = true
	req.err = err
	t.post = append(t.post, func() {
		t.logResult(req, err)
		req.cb(Response{}, err)
	})
}

// startNextLocked hands the channel to the next queued asynchronous
// request, or frees it.
func (t *Transport) startNextLocked() {
	for len(t.queue) > 0 {
		next := t.queue[0]
		t.queue = t.queue[1:]
		err := t.admitLocked(next.recovery)
		if err == nil {
			err = t.startLocked(next)
		}
		if err == nil {
			return
		}
		t.failLocked(next, err)
	}
	select {
	case t.token <- struct{}{}:
	default:
	}
}

// release frees the channel after a synchronous request.
func (t *Transport) release() {
	t.mu.Lock()
	t.cur = nil
	t.startNextLocked()
	t.unlock()
}

func (t *Transport) asyncExpired(req *request) {
	t.mu.Lock()
	defer t.unlock()
	if req.finished || t.cur != req {
		return
	}
	resp, err, _ := t.checkLocked(req, true)
	t.completeLocked(req, resp, err)
}

// HandleEvent consumes an MCDI completion event. It reports whether
// ev was an MCDI event.
func (t *Transport) HandleEvent(ev hw.Event) bool {
	if ev.Code() != hw.EventMCDI {
		return false
	}
	switch ev.MCDISubcode() {
	case hw.MCDICmdDone:
		t.cmdDone(ev)
	case hw.MCDIReboot:
		t.rebootEvent()
	default:
		t.logger.Debug("unknown mcdi event", "event", ev)
	}
	return true
}

func (t *Transport) cmdDone(ev hw.Event) {
	t.mu.Lock()
	defer t.unlock()
	req := t.cur
	if req == nil || req.finished || ev.Seq() != req.seq {
		t.logger.Debug("stale completion", "event", ev)
		return
	}
	if !req.async() {
		select {
		case req.done <- struct{}{}:
		default:
		}
		return
	}
	resp, err, ok := t.checkLocked(req, false)
	if !ok {
		t.logger.Debug("completion before response was visible", "event", ev)
		return
	}
	t.completeLocked(req, resp, err)
}

func (t *Transport) rebootEvent() {
	boot, err := t.dev.WarmBootCount()
	if err != nil {
		t.logger.Warn("reboot event: read warm boot count failed", "error", err)
		return
	}
	t.mu.Lock()
	defer t.unlock()
	if boot == t.bootCount && !t.lastReset.IsZero() && time.Since(t.lastReset) < t.cfg.PostResetTimeout {
		// Already handled through the boot counter.
		return
	}
	t.rebootLocked(boot, true)
}

// rebootLocked handles a controller restart. Unless force is set it
// is a no-op when boot has already been observed.
func (t *Transport) rebootLocked(boot uint32, force bool) {
	if boot == t.bootCount && !force {
		return
	}
	old := t.bootCount
	t.bootCount = boot
	t.lastReset = time.Now()
	t.epoch = uuid.New()
	t.reprobe |= ReprobeAll
	if t.state != Disabled {
		t.state = Recovering
	}
	t.metrics.Reboot()
	t.logger.Warn("controller rebooted", "old_boot_count", old, "boot_count", boot, "epoch", t.epoch)

	if req := t.cur; req != nil && !req.finished {
		t.completeLocked(req, Response{}, fmt.Errorf("mcdi %s: %w", req.cmd.Opcode, nicctl.ErrControllerRebooted))
	}
	queued := t.queue
	t.queue = nil
	for _, req := range queued {
		t.failLocked(req, fmt.Errorf("mcdi %s: %w", req.cmd.Opcode, nicctl.ErrControllerRebooted))
	}
	info := RebootInfo{BootCount: boot, Epoch: t.epoch}
	for _, fn := range t.onReboot {
		t.post = append(t.post, func() { fn(info) })
	}
}

func (t *Transport) logResult(req *request, err error) {
	op := req.cmd.Opcode
	var d time.Duration
	if !req.start.IsZero() {
		d = time.Since(req.start)
	}
	t.metrics.Command(op.String(), resultLabel(err), d)
	switch {
	case err == nil:
		t.logger.Debug("command completed", "opcode", op, "seq", req.seq, "len", req.resp.Len(), "duration", d)
	case req.quiet && (errors.Is(err, nicctl.ErrNotImplemented) || errors.Is(err, nicctl.ErrNotSupported)):
		t.logger.Debug("command not supported", "opcode", op, "error", err)
	case errors.Is(err, nicctl.ErrProtocolTimeout):
		t.logger.Error("command timed out", "opcode", op, "seq", req.seq, "timeout", req.timeout)
	default:
		t.logger.Warn("command failed", "opcode", op, "seq", req.seq, "error", err)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, nicctl.ErrProtocolTimeout):
		return "timeout"
	case errors.Is(err, nicctl.ErrControllerRebooted):
		return "rebooted"
	case errors.Is(err, nicctl.ErrNotImplemented):
		return "not_implemented"
	case errors.Is(err, nicctl.ErrMalformedResponse):
		return "malformed"
	default:
		return "error"
	}
}

// OnReboot registers fn to run after each detected reboot. fn runs
// without transport locks held.
func (t *Transport) OnReboot(fn func(RebootInfo)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReboot = append(t.onReboot, fn)
}

// State returns the device state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Epoch identifies the current controller session. It changes at
// every detected reboot.
func (t *Transport) Epoch() uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// BootCount returns the last observed warm boot count.
func (t *Transport) BootCount() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bootCount
}

// Reprobe returns the derived state still awaiting re-probe.
func (t *Transport) Reprobe() Reprobe {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reprobe
}

// ClearReprobe marks f as rebuilt.
func (t *Transport) ClearReprobe(f Reprobe) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reprobe &^= f
}

// Invalidate moves the device to Recovering without a reboot, for
// example after the event ring overflowed.
func (t *Transport) Invalidate(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Disabled {
		return
	}
	t.state = Recovering
	t.reprobe |= ReprobeAll
	t.logger.Warn("device state invalidated", "reason", reason)
}

// Disable moves the device to Disabled. Queued asynchronous requests
// fail with nicctl.ErrDisabled.
func (t *Transport) Disable(reason string) {
	t.mu.Lock()
	defer t.unlock()
	t.state = Disabled
	queued := t.queue
	t.queue = nil
	for _, req := range queued {
		t.failLocked(req, nicctl.ErrDisabled)
	}
	t.logger.Error("device disabled", "reason", reason)
}

// Recover runs fn to rebuild derived state. While fn runs the device
// is Recovering and only submissions made with the context passed to
// fn are admitted. On success the device returns to Operational. If
// fn fails because the controller rebooted again the device stays
// Recovering so the caller can retry; any other failure disables the
// device.
func (t *Transport) Recover(ctx context.Context, fn func(context.Context) error) error {
	t.recoverMu.Lock()
	defer t.recoverMu.Unlock()

	t.mu.Lock()
	if t.state == Disabled {
		t.mu.Unlock()
		return nicctl.ErrDisabled
	}
	t.state = Recovering
	boot := t.bootCount
	t.mu.Unlock()

	t.logger.Info("recovery started", "boot_count", boot)
	err := fn(withRecovery(ctx, t))

	t.mu.Lock()
	switch {
	case err == nil && t.bootCount != boot:
		err = fmt.Errorf("controller rebooted during recovery: %w", nicctl.ErrControllerRebooted)
	case err == nil:
		t.state = Operational
	}
	epoch := t.epoch
	t.mu.Unlock()

	switch {
	case err == nil:
		t.logger.Info("recovery complete", "epoch", epoch)
		return nil
	case errors.Is(err, nicctl.ErrControllerRebooted):
		t.logger.Warn("recovery interrupted by reboot", "error", err)
		return err
	default:
		t.Disable(fmt.Sprintf("recovery failed: %v", err))
		return fmt.Errorf("recovery failed: %w", err)
	}
}
