package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/frobware/go-nicctl/config"
	"github.com/frobware/go-nicctl/lock"
	"github.com/frobware/go-nicctl/manager"
	"github.com/frobware/go-nicctl/server"
)

// ephemeralClient runs a private emulated controller and an in-process
// gRPC server for it, and connects to that server. This ensures CLI
// commands use the same code path as remote clients, making the gRPC
// handlers the canonical implementation.
type ephemeralClient struct {
	*remoteClient

	dev        *server.Device
	stopDevice func() error
	grpcServer *grpc.Server
	socketPath string // Cleaned up on Close
	unlock     func()
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// holdLock takes the device lock under dirs and keeps it until the
// returned function is called.
func holdLock(dirs config.RuntimeDirs) (func(), error) {
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- lock.TryRun(context.Background(), dirs.Lock(), func(context.Context, lock.OwnerScope) error {
			close(held)
			<-release
			return nil
		})
	}()
	select {
	case <-held:
		return func() {
			close(release)
			<-done
		}, nil
	case err := <-done:
		return nil, err
	}
}

// newEphemeral creates a Client that spawns an in-process gRPC server
// using a temporary Unix socket. With dirs set the firmware state is
// kept in dirs and the device lock there is held until Close.
func newEphemeral(dirs *config.RuntimeDirs, cfg config.Config, logger *slog.Logger) (Client, error) {
	logger = manager.WithOpIDHandler(logger)
	e := &ephemeralClient{logger: logger, unlock: func() {}}

	dc := server.DeviceConfig{Config: cfg, Logger: logger}
	if dirs != nil {
		if err := dirs.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("runtime directory setup failed: %w", err)
		}
		unlock, err := holdLock(*dirs)
		if err != nil {
			return nil, err
		}
		e.unlock = unlock
		dc.DBPath = dirs.EmulatorDBPath()
	}

	dev, err := server.OpenDevice(context.Background(), dc)
	if err != nil {
		e.unlock()
		return nil, err
	}
	e.dev = dev
	stop, err := dev.Start(context.Background())
	if err != nil {
		dev.Close()
		e.unlock()
		return nil, err
	}
	e.stopDevice = stop

	// Use a unique name based on time and PID to avoid conflicts.
	e.socketPath = fmt.Sprintf("/tmp/nicctl-ephemeral-%d-%d.sock", os.Getpid(), time.Now().UnixNano())
	listener, err := net.Listen("unix", e.socketPath)
	if err != nil {
		e.shutdown()
		return nil, fmt.Errorf("listen on socket %s: %w", e.socketPath, err)
	}

	e.grpcServer = server.New(dev.Manager, logger, server.WithInspector(dev.Inspector())).Register()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("ephemeral server failed", "error", err)
		}
	}()

	remote, err := newRemote(e.socketPath, logger)
	if err != nil {
		e.shutdown()
		return nil, fmt.Errorf("connect to ephemeral server: %w", err)
	}
	e.remoteClient = remote
	return e, nil
}

// shutdown stops whatever newEphemeral started, newest first.
func (e *ephemeralClient) shutdown() error {
	var errs []error
	if e.grpcServer != nil {
		e.grpcServer.GracefulStop()
		e.wg.Wait()
	}
	if e.socketPath != "" {
		if err := os.Remove(e.socketPath); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("failed to remove socket during close", "path", e.socketPath, "error", err)
		}
	}
	if e.stopDevice != nil {
		errs = append(errs, e.stopDevice())
	}
	if e.dev != nil {
		errs = append(errs, e.dev.Close())
	}
	e.unlock()
	return errors.Join(errs...)
}

// Close shuts down the ephemeral server and releases all resources.
func (e *ephemeralClient) Close() error {
	var errs []error
	if e.remoteClient != nil {
		errs = append(errs, e.remoteClient.Close())
	}
	errs = append(errs, e.shutdown())
	return errors.Join(errs...)
}
