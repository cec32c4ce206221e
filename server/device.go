package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/config"
	"github.com/frobware/go-nicctl/dispatcher"
	"github.com/frobware/go-nicctl/emulator"
	"github.com/frobware/go-nicctl/manager"
	"github.com/frobware/go-nicctl/mcdi"
	"github.com/frobware/go-nicctl/metrics"
)

// Device is one controller with the transport, dispatcher and manager
// that drive it.
type Device struct {
	Controller *emulator.Controller
	Transport  *mcdi.Transport
	Dispatcher *dispatcher.Dispatcher
	Manager    *manager.Manager
	// Registry holds the device's metrics.
	Registry *prometheus.Registry

	logger *slog.Logger
}

// DeviceConfig describes how to build a Device.
type DeviceConfig struct {
	Config config.Config
	// DBPath is the emulated controller's firmware database. Empty
	// keeps firmware state in memory.
	DBPath string
	Logger *slog.Logger
}

// TransportConfig converts the [transport] section.
func TransportConfig(c config.TransportConfig) mcdi.Config {
	return mcdi.Config{
		ShortTimeout:     c.ShortTimeout.Duration,
		LongTimeout:      c.LongTimeout.Duration,
		PostResetTimeout: c.PostResetTimeout.Duration,
		PollInterval:     c.PollInterval.Duration,
	}
}

// OpenDevice starts an emulated controller and wires the stack to it.
// The device is not probed; Start probes it.
func OpenDevice(ctx context.Context, dc DeviceConfig) (*Device, error) {
	logger := dc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := dc.Config

	ecfg, err := emulator.ConfigFrom(cfg.Emulator)
	if err != nil {
		return nil, err
	}
	ecfg.DBPath = dc.DBPath
	if cfg.Dispatcher.RingSize > 0 {
		ecfg.RingSize = cfg.Dispatcher.RingSize
	}
	ctl, err := emulator.New(ctx, ecfg, logger)
	if err != nil {
		return nil, fmt.Errorf("start emulated controller: %w", err)
	}

	reg := prometheus.NewRegistry()
	tr, err := mcdi.New(ctl, TransportConfig(cfg.Transport), logger, mcdi.WithMetrics(metrics.NewTransport(reg)))
	if err != nil {
		ctl.Close()
		return nil, err
	}
	disp := dispatcher.New(ctl.Events(), tr, dispatcher.Config{
		Budget:       cfg.Dispatcher.Budget,
		PollInterval: cfg.Dispatcher.PollInterval.Duration,
	}, logger, dispatcher.WithMetrics(metrics.NewDispatcher(reg)))
	mgr := manager.New(tr, manager.ConfigFrom(cfg), logger,
		manager.WithDispatcher(disp),
		manager.WithFilterMetrics(metrics.NewFilter(reg)))

	return &Device{
		Controller: ctl,
		Transport:  tr,
		Dispatcher: disp,
		Manager:    mgr,
		Registry:   reg,
		logger:     logger.With("component", "device"),
	}, nil
}

// Start runs the completion loop in the background and probes the
// controller. The probe's commands complete through the loop, so it
// must be running first. The returned function stops the loop and
// reports how it ended.
func (d *Device) Start(ctx context.Context) (stop func() error, err error) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.poll(gctx, g) })
	stop = func() error {
		cancel()
		return g.Wait()
	}
	if err := d.Manager.Probe(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("probe: %w", err), stop())
	}
	g.Go(func() error { return d.Manager.Watch(gctx) })
	return stop, nil
}

// poll runs the dispatcher until ctx ends. An overflowed ring is
// reset and the manager rebuilds the controller state, since
// completions may have been lost.
func (d *Device) poll(ctx context.Context, g *errgroup.Group) error {
	for {
		err := d.Dispatcher.Run(ctx)
		if err == nil || !errors.Is(err, nicctl.ErrEventQueueOverflow) {
			return err
		}
		d.logger.Error("event ring overflowed, resetting")
		d.Dispatcher.ResetRing()
		// Reset submits commands whose completions arrive through this
		// loop, so it cannot run here.
		g.Go(func() error {
			if err := d.Manager.Reset(ctx, "event ring overflow"); err != nil && ctx.Err() == nil {
				d.logger.Error("reset after overflow failed", "error", err)
			}
			return nil
		})
	}
}

// Close releases the dispatcher collaborators and the controller.
func (d *Device) Close() error {
	d.Dispatcher.Close()
	return d.Controller.Close()
}

// Inspector reads the emulated firmware's tables for Doctor and Repair.
func (d *Device) Inspector() manager.Inspector {
	return firmwareInspector{d.Controller}
}

type firmwareInspector struct {
	ctl *emulator.Controller
}

func (fi firmwareInspector) InspectFilters(ctx context.Context) ([]manager.FirmwareFilter, error) {
	filters, err := fi.ctl.Filters(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]manager.FirmwareFilter, 0, len(filters))
	for _, f := range filters {
		out = append(out, manager.FirmwareFilter{
			Handle: f.Handle,
			Shared: !f.Exclusive,
			Refs:   f.Refs,
			Spec:   f.Spec,
		})
	}
	return out, nil
}

func (fi firmwareInspector) InspectRSS(ctx context.Context) ([]manager.FirmwareRSS, error) {
	contexts, err := fi.ctl.RSSContexts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]manager.FirmwareRSS, 0, len(contexts))
	for _, c := range contexts {
		out = append(out, manager.FirmwareRSS{ID: c.ID, Exclusive: c.Exclusive, Queues: int(c.Queues)})
	}
	return out, nil
}
