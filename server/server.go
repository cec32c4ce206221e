// Package server implements the nicctl gRPC server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/frobware/go-nicctl/config"
	"github.com/frobware/go-nicctl/lock"
	"github.com/frobware/go-nicctl/manager"
	"github.com/frobware/go-nicctl/mcdi"
	"github.com/frobware/go-nicctl/metrics"
	"github.com/frobware/go-nicctl/server/api"
)

// RunConfig configures the server daemon.
type RunConfig struct {
	Dirs         config.RuntimeDirs
	TCPAddress   string // Optional TCP address (e.g., ":50051") for remote access
	PprofAddress string // Optional address for pprof HTTP server (e.g., "localhost:2026")
	// Persist keeps the emulated firmware state in the runtime
	// directory instead of in memory.
	Persist bool
	Logger  *slog.Logger
	Config  config.Config
}

// Run starts the nicctl daemon with the given configuration.
// This is the main entry point for the serve command. The daemon owns
// the device for its lifetime: a second daemon on the same runtime
// directory fails with lock.ErrLocked. Cancel ctx to shut down.
func Run(ctx context.Context, cfg RunConfig) error {
	dirs := cfg.Dirs

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	// Wrap with context-aware handler to extract op_id from context.
	// This must happen at the server level since op_id is generated here.
	logger = manager.WithOpIDHandler(logger)

	if err := dirs.EnsureDirectories(); err != nil {
		return fmt.Errorf("runtime directory setup failed: %w", err)
	}

	return lock.TryRun(ctx, dirs.Lock(), func(ctx context.Context, scope lock.OwnerScope) error {
		logger.Info("device lock held", "path", scope.Path(), "fd", scope.FD())

		dc := DeviceConfig{Config: cfg.Config, Logger: logger}
		if cfg.Persist {
			dc.DBPath = dirs.EmulatorDBPath()
		}
		dev, err := OpenDevice(ctx, dc)
		if err != nil {
			return err
		}
		defer dev.Close()

		stop, err := dev.Start(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := stop(); err != nil {
				logger.Error("device loop failed", "error", err)
			}
		}()

		if addr := cfg.Config.Server.MetricsAddress; addr != "" {
			if err := serveHTTP(ctx, logger, "metrics", addr, metrics.Handler(dev.Registry)); err != nil {
				return err
			}
		} else {
			logger.Info("metrics HTTP server disabled")
		}
		if cfg.PprofAddress != "" {
			if err := serveHTTP(ctx, logger, "pprof", cfg.PprofAddress, http.DefaultServeMux); err != nil {
				return err
			}
		} else {
			logger.Info("pprof HTTP server disabled")
		}

		srv := New(dev.Manager, logger, WithInspector(dev.Inspector()))
		return srv.serve(ctx, dirs.SocketPath(), cfg.TCPAddress)
	})
}

// serveHTTP serves h on addr until ctx ends.
func serveHTTP(ctx context.Context, logger *slog.Logger, name, addr string, h http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listen on %s: %w", name, addr, err)
	}
	hs := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	logger.Info(name+" HTTP server listening", "address", l.Addr().String())
	go func() {
		if err := hs.Serve(l); err != nil && err != http.ErrServerClosed {
			logger.Error(name+" HTTP server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	return nil
}

// Server implements the nicctl.v1.Controller service over a manager.
type Server struct {
	mgr       *manager.Manager
	insp      manager.Inspector
	logger    *slog.Logger
	opCounter atomic.Uint64
}

var _ api.ControllerServer = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithInspector lets Doctor and Repair read the firmware's tables.
// Without one they fail with Unimplemented.
func WithInspector(insp manager.Inspector) Option {
	return func(s *Server) { s.insp = insp }
}

// New creates a server for mgr. The logger should already be wrapped
// with manager.WithOpIDHandler.
func New(mgr *manager.Manager, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mgr:    mgr,
		logger: logger.With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the service and the logging interceptor to a new
// grpc.Server.
func (s *Server) Register(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.UnaryInterceptor(s.loggingInterceptor())}, opts...)
	gs := grpc.NewServer(opts...)
	api.RegisterControllerServer(gs, s)
	return gs
}

// serve starts the gRPC server on the given socket path and optionally on TCP.
func (s *Server) serve(ctx context.Context, socketPath, tcpAddr string) error {
	socketDir := filepath.Dir(socketPath)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// The lock is held, so a socket left here belongs to a dead daemon.
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	unixListener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer unixListener.Close()

	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	grpcServer := s.Register()

	errChan := make(chan error, 2)

	go func() {
		s.logger.InfoContext(ctx, "nicctl gRPC server listening", "socket", socketPath)
		if err := grpcServer.Serve(unixListener); err != nil {
			errChan <- fmt.Errorf("unix socket server: %w", err)
		}
	}()

	if tcpAddr != "" {
		tcpListener, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			grpcServer.GracefulStop()
			return fmt.Errorf("failed to listen on TCP %s: %w", tcpAddr, err)
		}

		go func() {
			s.logger.InfoContext(ctx, "nicctl gRPC server listening", "tcp", tcpAddr)
			if err := grpcServer.Serve(tcpListener); err != nil {
				errChan <- fmt.Errorf("tcp server: %w", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		s.logger.InfoContext(ctx, "shutting down gRPC server")
		grpcServer.GracefulStop()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// loggingInterceptor returns a gRPC unary interceptor that assigns a
// monotonic operation ID to each request, logs errors and converts
// them to status errors.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		opID := s.opCounter.Add(1)
		ctx = manager.ContextWithOpID(ctx, opID)
		resp, err := handler(ctx, req)
		if err != nil {
			s.logger.ErrorContext(ctx, "grpc error", "op_id", opID, "method", info.FullMethod, "error", err)
			return nil, api.ToStatus(err)
		}
		return resp, nil
	}
}

func (s *Server) InsertFilter(ctx context.Context, req *api.InsertFilterRequest) (*api.InsertFilterResponse, error) {
	id, err := s.mgr.InsertFilter(ctx, req.Spec, req.ReplaceEqual)
	if err != nil {
		return nil, err
	}
	return &api.InsertFilterResponse{ID: id}, nil
}

func (s *Server) RemoveFilter(ctx context.Context, req *api.FilterRef) (*api.Empty, error) {
	return &api.Empty{}, s.mgr.RemoveFilter(ctx, req.ID)
}

func (s *Server) RedirectFilter(ctx context.Context, req *api.RedirectFilterRequest) (*api.Empty, error) {
	return &api.Empty{}, s.mgr.RedirectFilter(ctx, req.ID, req.Queue, req.RSSContext)
}

func (s *Server) GetFilter(_ context.Context, req *api.FilterRef) (*api.Filter, error) {
	e, err := s.mgr.GetFilter(req.ID)
	if err != nil {
		return nil, err
	}
	f := filterToAPI(e)
	return &f, nil
}

func (s *Server) ListFilters(_ context.Context, req *api.ListFiltersRequest) (*api.ListFiltersResponse, error) {
	entries, err := s.mgr.ListFilters(req.Priority)
	if err != nil {
		return nil, err
	}
	return &api.ListFiltersResponse{Filters: filtersToAPI(entries)}, nil
}

func (s *Server) ClearFilters(ctx context.Context, req *api.ClearFiltersRequest) (*api.Empty, error) {
	return &api.Empty{}, s.mgr.ClearFilters(ctx, req.Priority)
}

func (s *Server) AllocRSSContext(ctx context.Context, req *api.AllocRSSContextRequest) (*api.RSSContext, error) {
	info, err := s.mgr.AllocRSSContext(ctx, req.Exclusive, req.Queues, req.Config)
	if err != nil {
		return nil, err
	}
	c := rssToAPI(info)
	return &c, nil
}

func (s *Server) SetRSSContext(ctx context.Context, req *api.SetRSSContextRequest) (*api.Empty, error) {
	return &api.Empty{}, s.mgr.SetRSSContext(ctx, req.ID, req.Config)
}

func (s *Server) FreeRSSContext(ctx context.Context, req *api.RSSContextRef) (*api.Empty, error) {
	return &api.Empty{}, s.mgr.FreeRSSContext(ctx, req.ID)
}

func (s *Server) AddVLAN(ctx context.Context, req *api.VLANRequest) (*api.Empty, error) {
	return &api.Empty{}, s.mgr.AddVLAN(ctx, req.VID)
}

func (s *Server) RemoveVLAN(ctx context.Context, req *api.VLANRequest) (*api.Empty, error) {
	return &api.Empty{}, s.mgr.RemoveVLAN(ctx, req.VID)
}

func (s *Server) VLANFilters(_ context.Context, req *api.VLANRequest) (*api.VLANFiltersResponse, error) {
	entries, err := s.mgr.VLANFilters(req.VID)
	if err != nil {
		return nil, err
	}
	return &api.VLANFiltersResponse{Filters: filtersToAPI(entries)}, nil
}

func (s *Server) SyncRxMode(ctx context.Context, req *api.RxMode) (*api.Empty, error) {
	return &api.Empty{}, s.mgr.SyncRxMode(ctx, rxModeFromAPI(req))
}

func (s *Server) Submit(ctx context.Context, req *api.SubmitRequest) (*api.SubmitResponse, error) {
	resp, err := s.mgr.Submit(ctx, mcdi.Command{
		Opcode: mcdi.Opcode(req.Opcode),
		Input:  req.Input,
		OutLen: req.OutLen,
	})
	if err != nil {
		return nil, err
	}
	return &api.SubmitResponse{Data: resp.Data}, nil
}

func (s *Server) Status(context.Context, *api.Empty) (*api.Status, error) {
	return statusToAPI(s.mgr.Status()), nil
}

func (s *Server) SelfTest(ctx context.Context, req *api.SelfTestRequest) (*api.SelfTestResponse, error) {
	poll := time.Duration(req.PollIntervalMillis) * time.Millisecond
	res, err := s.mgr.SelfTest(ctx, poll)
	if err != nil {
		return nil, err
	}
	return &api.SelfTestResponse{
		LoopbackNanos: res.EventLoopback.Nanoseconds(),
		BIST:          res.BIST.String(),
	}, nil
}

func (s *Server) Doctor(ctx context.Context, _ *api.Empty) (*api.DoctorReport, error) {
	report, err := s.mgr.Doctor(ctx, s.insp)
	if err != nil {
		return nil, err
	}
	return doctorToAPI(report), nil
}

func (s *Server) Repair(ctx context.Context, _ *api.Empty) (*api.RepairResponse, error) {
	res, err := s.mgr.Repair(ctx, s.insp)
	if err != nil {
		return nil, err
	}
	out := &api.RepairResponse{Applied: res.Applied}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, e.Error())
	}
	return out, nil
}
