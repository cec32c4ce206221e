package manager

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/dispatcher"
	"github.com/frobware/go-nicctl/hw"
	"github.com/frobware/go-nicctl/mcdi"
)

// Collaborator priorities. Lower runs first.
const (
	selfTestPriority = 10
	datapathPriority = 100
)

// eventStats counts datapath completions the dispatcher routes to the
// manager.
type eventStats struct {
	rx, tx atomic.Uint64
	reg    *dispatcher.Registration
}

func registerEventStats(d *dispatcher.Dispatcher) (*eventStats, error) {
	s := &eventStats{}
	reg, err := d.Register("datapath", datapathPriority, []hw.EventCode{hw.EventRX, hw.EventTX}, dispatcher.HandlerFunc(s.handle))
	if err != nil {
		return nil, err
	}
	s.reg = reg
	return s, nil
}

func (s *eventStats) handle(ev hw.Event) bool {
	switch ev.Code() {
	case hw.EventRX:
		s.rx.Add(1)
	case hw.EventTX:
		s.tx.Add(1)
	default:
		return false
	}
	return true
}

func (s *eventStats) counts() (rx, tx uint64) { return s.rx.Load(), s.tx.Load() }

// SelfTestResult reports a self test.
type SelfTestResult struct {
	// EventLoopback is how long a driver event took to come back
	// through the completion ring.
	EventLoopback time.Duration
	BIST          mcdi.BISTResult
}

// markerWaiter claims the driver event carrying one cookie.
type markerWaiter struct {
	cookie uint32
	seen   chan struct{}
	once   atomic.Bool
}

func (w *markerWaiter) HandleEvent(ev hw.Event) bool {
	if ev.Code() != hw.EventDriver || ev.Data() != w.cookie {
		return false
	}
	if w.once.CompareAndSwap(false, true) {
		close(w.seen)
	}
	return true
}

func (w *markerWaiter) OnRemove() {}

// SelfTest checks that the completion path and the controller work:
// it asks the controller to post a driver event and waits for the
// dispatcher to deliver it, then runs the built-in self test.
func (m *Manager) SelfTest(ctx context.Context, poll time.Duration) (SelfTestResult, error) {
	if m.disp == nil {
		return SelfTestResult{}, fmt.Errorf("self test needs a dispatcher: %w", nicctl.ErrNotSupported)
	}
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	var res SelfTestResult

	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return res, fmt.Errorf("self test cookie: %w", err)
	}
	w := &markerWaiter{cookie: binary.LittleEndian.Uint32(b[:]), seen: make(chan struct{})}
	reg, err := m.disp.Register("selftest", selfTestPriority, []hw.EventCode{hw.EventDriver}, w)
	if err != nil {
		return res, err
	}
	defer reg.Unregister()

	start := time.Now()
	if err := m.tr.Call(ctx, mcdi.OpDriverEvent, mcdi.DriverEventRequest{Data: w.cookie}, nil); err != nil {
		return res, fmt.Errorf("post driver event: %w", err)
	}
	select {
	case <-w.seen:
		res.EventLoopback = time.Since(start)
	case <-ctx.Done():
		return res, fmt.Errorf("driver event %#x never arrived: %w", w.cookie, ctx.Err())
	}

	if err := m.tr.Call(ctx, mcdi.OpStartBIST, nil, nil); err != nil {
		return res, fmt.Errorf("start bist: %w", err)
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if err := m.tr.Call(ctx, mcdi.OpPollBIST, nil, &res.BIST); err != nil {
			return res, fmt.Errorf("poll bist: %w", err)
		}
		if res.BIST != mcdi.BISTRunning {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
	m.logger.InfoContext(ctx, "self test complete", "loopback", res.EventLoopback, "bist", res.BIST)
	if res.BIST != mcdi.BISTPassed {
		return res, fmt.Errorf("built-in self test %s", res.BIST)
	}
	return res, nil
}
