// Package emulator is a software management controller. It implements
// hw.Device over an in-process DMA buffer and event ring, keeps its
// firmware state in SQLite, and can inject faults: error responses,
// hangs, reboots in the middle of a command and ring overflows.
//
// The daemon runs against it with "nicctl serve --emulate"; the
// filter and manager tests drive the real stack through it.
package emulator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/hw"
	"github.com/frobware/go-nicctl/logging"
	"github.com/frobware/go-nicctl/mcdi"
)

// AnyOpcode makes a fault apply to the next command whatever its
// opcode.
const AnyOpcode mcdi.Opcode = 0

type faultKind int

const (
	faultErrno faultKind = iota
	faultHang
	faultReboot
)

type fault struct {
	op    mcdi.Opcode
	kind  faultKind
	errno mcdi.Errno
}

// Controller is an emulated management controller.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	buf    *hw.DMABuffer
	ring   *hw.EventRing
	store  *firmwareStore
	boot   atomic.Uint32

	// mu serialises command execution.
	mu   sync.Mutex
	bist int

	fmu        sync.Mutex
	faults     []fault
	latency    time.Duration
	maxFilters int
	commands   map[mcdi.Opcode]int

	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ hw.Device = (*Controller)(nil)

// New starts a controller. Opening the firmware database counts as a
// boot, so a controller reopened on the same database reports a new
// boot count.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "emulator")
	if cfg.RingSize == 0 {
		cfg.RingSize = 1024
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 4096
	}

	store, err := openStore(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	boot, err := store.reboot(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("cold boot: %w", err)
	}
	ring, err := hw.NewEventRing(cfg.RingSize)
	if err != nil {
		store.Close()
		return nil, err
	}
	buf, err := hw.NewDMABuffer(cfg.BufferSize)
	if err != nil {
		store.Close()
		return nil, err
	}

	c := &Controller{
		cfg:        cfg,
		logger:     logger,
		buf:        buf,
		ring:       ring,
		store:      store,
		latency:    cfg.Latency,
		maxFilters: cfg.MaxFilters,
		commands:   make(map[mcdi.Opcode]int),
	}
	c.boot.Store(boot)
	logger.Info("controller started",
		"protocol", fmt.Sprintf("%d.%d", cfg.ProtocolMajor, cfg.ProtocolMinor),
		"firmware", cfg.FirmwareVersion,
		"boot_count", boot)
	return c, nil
}

// Close waits for commands in flight and releases the controller.
func (c *Controller) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.wg.Wait()
	return errors.Join(c.buf.Close(), c.store.Close())
}

// RingDoorbell starts the command in the shared buffer. The command
// runs on its own goroutine and completes by writing the response
// and posting a CMDDONE event.
func (c *Controller) RingDoorbell(addr uint64) error {
	if c.closed.Load() {
		return errors.New("controller closed")
	}
	if addr != c.buf.Addr() {
		return fmt.Errorf("doorbell for unknown buffer %#x", addr)
	}
	h := mcdi.Header(c.buf.Header())
	if h.IsResponse() {
		return fmt.Errorf("doorbell with a response in the buffer: %s", h)
	}
	if h.Len() > c.buf.PayloadCap() {
		return fmt.Errorf("request length %d exceeds buffer", h.Len())
	}
	in := append([]byte(nil), c.buf.Payload()[:h.Len()]...)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.process(h, in)
	}()
	return nil
}

func (c *Controller) WarmBootCount() (uint32, error) { return c.boot.Load(), nil }
func (c *Controller) Buffer() *hw.DMABuffer          { return c.buf }
func (c *Controller) Events() *hw.EventRing          { return c.ring }

func (c *Controller) process(h mcdi.Header, in []byte) {
	op := h.Opcode()
	f, faulted := c.takeFault(op)

	c.fmu.Lock()
	c.commands[op]++
	latency := c.latency
	c.fmu.Unlock()
	if latency > 0 {
		time.Sleep(latency)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := context.Background()

	if faulted {
		switch f.kind {
		case faultHang:
			c.logger.Debug("dropping command", "op", op)
			return
		case faultReboot:
			c.logger.Info("rebooting during command", "op", op)
			// The stale buffer still looks like a completed
			// response; only the boot counter gives it away.
			if err := c.rebootLocked(ctx); err != nil {
				c.logger.Error("reboot failed", "error", err)
			}
			c.respond(h, nil)
			c.ring.Post(hw.NewRebootEvent())
			return
		case faultErrno:
			c.logger.Debug("injecting error", "op", op, "errno", f.errno)
			c.respondErr(h, f.errno)
			return
		}
	}

	out, errno := c.execute(ctx, op, in)
	if errno != 0 {
		c.logger.Debug("command failed", "op", op, "errno", errno)
		c.respondErr(h, errno)
		return
	}
	c.logger.Log(ctx, logging.LevelTrace.ToSlog(), "command done", "op", op, "len", len(out))
	c.respond(h, out)
}

func (c *Controller) respond(h mcdi.Header, out []byte) {
	if len(out) > c.buf.PayloadCap() {
		c.respondErr(h, mcdi.EIO)
		return
	}
	copy(c.buf.Payload(), out)
	c.buf.SetHeader(uint32(mcdi.ResponseHeader(h.Opcode(), h.Seq(), len(out), false)))
	c.ring.Post(hw.NewCmdDoneEvent(h.Seq(), uint16(len(out)), 0))
}

func (c *Controller) respondErr(h mcdi.Header, errno mcdi.Errno) {
	binary.LittleEndian.PutUint32(c.buf.Payload(), uint32(errno))
	c.buf.SetHeader(uint32(mcdi.ResponseHeader(h.Opcode(), h.Seq(), 4, true)))
	c.ring.Post(hw.NewCmdDoneEvent(h.Seq(), 4, uint32(errno)))
}

func (c *Controller) rebootLocked(ctx context.Context) error {
	boot, err := c.store.reboot(ctx)
	if err != nil {
		return err
	}
	c.bist = 0
	c.boot.Store(boot)
	c.logger.Info("controller rebooted", "boot_count", boot)
	return nil
}

func (c *Controller) takeFault(op mcdi.Opcode) (fault, bool) {
	c.fmu.Lock()
	defer c.fmu.Unlock()
	for i, f := range c.faults {
		if f.op == AnyOpcode || f.op == op {
			c.faults = append(c.faults[:i], c.faults[i+1:]...)
			return f, true
		}
	}
	return fault{}, false
}

func (c *Controller) addFault(f fault) {
	c.fmu.Lock()
	c.faults = append(c.faults, f)
	c.fmu.Unlock()
}

// FailNext makes the next command with opcode op fail with errno.
func (c *Controller) FailNext(op mcdi.Opcode, errno mcdi.Errno) {
	c.addFault(fault{op: op, kind: faultErrno, errno: errno})
}

// HangNext makes the controller swallow the next command with opcode
// op without responding.
func (c *Controller) HangNext(op mcdi.Opcode) {
	c.addFault(fault{op: op, kind: faultHang})
}

// RebootDuringNext makes the controller reboot while executing the
// next command with opcode op, leaving a stale response behind.
func (c *Controller) RebootDuringNext(op mcdi.Opcode) {
	c.addFault(fault{op: op, kind: faultReboot})
}

// ClearFaults drops faults that have not fired.
func (c *Controller) ClearFaults() {
	c.fmu.Lock()
	c.faults = nil
	c.fmu.Unlock()
}

// Reboot restarts the controller between commands and posts a REBOOT
// event.
func (c *Controller) Reboot(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.rebootLocked(ctx); err != nil {
		return err
	}
	c.ring.Post(hw.NewRebootEvent())
	return nil
}

// Upgrade reboots the controller into firmware that reports matches
// and caps, as a firmware update would.
func (c *Controller) Upgrade(ctx context.Context, matches []nicctl.MatchFields, caps mcdi.CapFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Matches = slices.Clone(matches)
	c.cfg.Capabilities = caps
	if err := c.rebootLocked(ctx); err != nil {
		return err
	}
	c.ring.Post(hw.NewRebootEvent())
	c.logger.Info("firmware upgraded", "matches", len(matches), "capabilities", caps)
	return nil
}

// Overflow floods the event ring until it overflows.
func (c *Controller) Overflow() {
	for c.ring.Post(hw.NewDriverEvent(0)) {
	}
	c.logger.Info("event ring overflowed")
}

// PostEvent posts ev to the event ring, as datapath hardware would.
func (c *Controller) PostEvent(ev hw.Event) bool { return c.ring.Post(ev) }

// SetLatency delays every subsequent response by d.
func (c *Controller) SetLatency(d time.Duration) {
	c.fmu.Lock()
	c.latency = d
	c.fmu.Unlock()
}

// SetMaxFilters changes the firmware filter capacity.
func (c *Controller) SetMaxFilters(n int) {
	c.fmu.Lock()
	c.maxFilters = n
	c.fmu.Unlock()
}

// CommandCount reports how many commands with opcode op the
// controller has received.
func (c *Controller) CommandCount(op mcdi.Opcode) int {
	c.fmu.Lock()
	defer c.fmu.Unlock()
	return c.commands[op]
}

// Filters lists the firmware filter table.
func (c *Controller) Filters(ctx context.Context) ([]Filter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.listFilters(ctx)
}

// RSSContexts lists the firmware RSS contexts.
func (c *Controller) RSSContexts(ctx context.Context) ([]RSSContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.listRSS(ctx)
}
