package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"tordnsd/pkg/config"
	"tordnsd/pkg/logging"

	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"
)

// Server is the DNS server
type Server struct {
	cfg       *config.ServerConfig
	handler   *Handler
	logger    *logging.Logger
	udpServer *dns.Server
	tcpServer *dns.Server
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	mu        sync.RWMutex
}

// NewServer creates a new DNS server
func NewServer(cfg *config.ServerConfig, handler *Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

// Listen binds the enabled transports without serving yet, so callers can
// read the bound addresses first.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.udpServer != nil || s.tcpServer != nil {
		return fmt.Errorf("server already listening")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.cfg.UDPEnabled {
		pc, err := net.ListenPacket("udp", s.cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("UDP listen on %s: %w", s.cfg.ListenAddress, err)
		}
		s.udpServer = &dns.Server{
			PacketConn: pc,
			Net:        "udp",
			Handler:    s.pool("udp", s.cfg.UDPWorkers),
		}
	}

	if s.cfg.TCPEnabled {
		// Share the UDP port when the configured one was ephemeral.
		addr := s.cfg.ListenAddress
		if s.udpServer != nil {
			addr = s.udpServer.PacketConn.LocalAddr().String()
		}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			if s.udpServer != nil {
				_ = s.udpServer.PacketConn.Close()
				s.udpServer = nil
			}
			return fmt.Errorf("TCP listen on %s: %w", addr, err)
		}
		s.tcpServer = &dns.Server{
			Listener: l,
			Net:      "tcp",
			Handler:  s.pool("tcp", s.cfg.TCPWorkers),
		}
	}

	return nil
}

// pool bounds concurrent handler invocations for one transport. Queries
// beyond the limit wait for a free worker.
func (s *Server) pool(network string, workers int) dns.Handler {
	sem := semaphore.NewWeighted(int64(max(workers, 1)))
	ctx := s.ctx

	return dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		if err := sem.Acquire(ctx, 1); err != nil {
			s.logger.Debug("Dropping query during shutdown", "net", network)
			return
		}
		defer sem.Release(1)
		s.handler.ServeDNS(ctx, w, r)
	})
}

// Serve answers queries on the listeners bound by Listen until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	if s.udpServer == nil && s.tcpServer == nil {
		s.mu.Unlock()
		return fmt.Errorf("server is not listening")
	}
	s.running = true
	udpSrv, tcpSrv := s.udpServer, s.tcpServer
	s.mu.Unlock()

	errChan := make(chan error, 2)

	if udpSrv != nil {
		go func() {
			s.logger.Info("Starting UDP DNS server", "address", udpSrv.PacketConn.LocalAddr().String())
			if err := udpSrv.ActivateAndServe(); err != nil {
				errChan <- fmt.Errorf("UDP server failed: %w", err)
			}
		}()
	}

	if tcpSrv != nil {
		go func() {
			s.logger.Info("Starting TCP DNS server", "address", tcpSrv.Listener.Addr().String())
			if err := tcpSrv.ActivateAndServe(); err != nil {
				errChan <- fmt.Errorf("TCP server failed: %w", err)
			}
		}()
	}

	s.logger.Info("DNS server started",
		"address", s.cfg.ListenAddress,
		"udp", udpSrv != nil,
		"tcp", tcpSrv != nil,
		"udp_workers", s.cfg.UDPWorkers,
		"tcp_workers", s.cfg.TCPWorkers,
	)

	select {
	case <-ctx.Done():
		s.logger.Info("DNS server shutting down")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.logger.Error("DNS server error", "error", err)
		_ = s.Shutdown(context.Background())
		return err
	}
}

// Start binds the listeners and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Shutdown gracefully shuts down the DNS server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	var errs []error

	if s.udpServer != nil {
		if s.running {
			if err := s.udpServer.ShutdownContext(ctx); err != nil {
				errs = append(errs, fmt.Errorf("UDP shutdown: %w", err))
			}
		} else {
			_ = s.udpServer.PacketConn.Close()
		}
		s.udpServer = nil
	}

	if s.tcpServer != nil {
		if s.running {
			if err := s.tcpServer.ShutdownContext(ctx); err != nil {
				errs = append(errs, fmt.Errorf("TCP shutdown: %w", err))
			}
		} else {
			_ = s.tcpServer.Listener.Close()
		}
		s.tcpServer = nil
	}

	if s.running {
		s.logger.Info("DNS server shut down")
	}
	s.running = false

	return errors.Join(errs...)
}

// UDPAddr returns the bound UDP address, or nil.
func (s *Server) UDPAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.udpServer == nil {
		return nil
	}
	return s.udpServer.PacketConn.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil.
func (s *Server) TCPAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tcpServer == nil {
		return nil
	}
	return s.tcpServer.Listener.Addr()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
