package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/posync/internal/api"
	"github.com/matheus3301/posync/internal/bus"
	"github.com/matheus3301/posync/internal/status"
)

// MessagingService is the health service name that reports SERVING while
// the pub/sub session is usable.
const MessagingService = "posync.Messaging"

// Server runs the local HTTP API on the session's unix socket (and an
// optional TCP address) and a gRPC health service on a second socket.
type Server struct {
	http       *http.Server
	grpc       *grpc.Server
	health     *health.Server
	listeners  []net.Listener
	healthLis  net.Listener
	sockets    []string
	machine    *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger
	unsubState func()
	done       chan struct{}
}

// NewServer binds every listener so address errors fail startup.
func NewServer(p Params, h *api.Handler, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	s := &Server{
		http: &http.Server{
			Handler:           api.NewRouter(h, nil),
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpc:    grpc.NewServer(),
		health:  health.NewServer(),
		machine: machine,
		bus:     b,
		logger:  logger.Named("server"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	apiLis, err := listenUnix(p.socketPath())
	if err != nil {
		return nil, err
	}
	s.listeners = append(s.listeners, apiLis)
	s.sockets = append(s.sockets, p.socketPath())

	if p.Config.HTTPAddr != "" {
		tcp, err := net.Listen("tcp", p.Config.HTTPAddr)
		if err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("listen %s: %w", p.Config.HTTPAddr, err)
		}
		s.listeners = append(s.listeners, tcp)
	}

	s.healthLis, err = listenUnix(p.healthSocketPath())
	if err != nil {
		s.closeListeners()
		return nil, err
	}
	s.sockets = append(s.sockets, p.healthSocketPath())
	return s, nil
}

func listenUnix(path string) (net.Listener, error) {
	// Clean stale socket if it exists.
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return lis, nil
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		_ = l.Close()
	}
	if s.healthLis != nil {
		_ = s.healthLis.Close()
	}
}

// Start serves in the background and keeps the messaging health status in
// step with the state machine.
func (s *Server) Start() error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.setMessagingHealth(s.machine.Current())

	ch, unsub := s.bus.Subscribe(bus.KindStatusChanged, 16)
	s.unsubState = unsub
	s.done = make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					s.setMessagingHealth(change.To)
				}
			case <-s.done:
				return
			}
		}
	}()

	for _, l := range s.listeners {
		s.logger.Info("http server starting", zap.String("addr", l.Addr().String()))
		go func(l net.Listener) {
			if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server error", zap.Error(err))
			}
		}(l)
	}
	go func() {
		s.logger.Info("health server starting", zap.String("socket", s.healthLis.Addr().String()))
		if err := s.grpc.Serve(s.healthLis); err != nil {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) setMessagingHealth(st status.State) {
	code := healthpb.HealthCheckResponse_NOT_SERVING
	if st == status.Ready {
		code = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(MessagingService, code)
}

// Stop performs a graceful shutdown and removes the socket files.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("servers stopping")
	if s.unsubState != nil {
		s.unsubState()
		close(s.done)
	}
	s.health.Shutdown()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	s.grpc.GracefulStop()
	for _, path := range s.sockets {
		_ = os.Remove(path)
	}
}
