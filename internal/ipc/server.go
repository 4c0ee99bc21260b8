package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/internal/workerpool"
)

// ErrAlreadyRunning is returned by Listen when the port is taken, which in
// practice means another helper owns the session.
var ErrAlreadyRunning = errors.New("ipc: helper already running")

// Handler executes one authenticated request.
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) *Response

func (f HandlerFunc) Handle(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// ServerConfig holds the values loaded once at helper startup.
type ServerConfig struct {
	Addr           string
	Token          string
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server accepts one framed request per connection on a loopback port.
type Server struct {
	cfg     ServerConfig
	handler Handler
	pool    *workerpool.Pool

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	baseCtx  context.Context
	cancel   context.CancelFunc
}

func NewServer(cfg ServerConfig, handler Handler) *Server {
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = 8
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		pool:    workerpool.NewNamed("ipc", cfg.MaxConnections, cfg.MaxConnections),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrAlreadyRunning, s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Info("ipc server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("ipc: Serve called before Listen")
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.baseCtx.Done():
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			log.Warn("accept error", logging.KeyError, err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !s.pool.Submit(func() { s.handleConn(conn) }) {
			log.Warn("ipc connection dropped, helper busy", logging.KeyRemoteAddr, conn.RemoteAddr().String())
			conn.Close()
		}
	}
}

// ListenAndServe binds and serves.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Close stops the listener and cancels in-flight handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	s.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.pool.Shutdown(ctx)
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) handleConn(raw net.Conn) {
	conn := NewConn(raw)
	remote := raw.RemoteAddr().String()
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Error("ipc handler panicked", logging.KeyRemoteAddr, remote, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	conn.SetDeadline(time.Now().Add(s.cfg.ReadTimeout))
	var req Request
	if err := conn.ReadFrame(&req); err != nil {
		log.Warn("ipc read failed", logging.KeyRemoteAddr, remote, logging.KeyError, err)
		return
	}

	if !tokenMatches(s.cfg.Token, req.Token) {
		log.Warn("security: ipc request rejected",
			logging.KeyRemoteAddr, remote,
			"type", req.Type,
			"tokenPresent", req.Token != "",
			logging.KeyError, ErrAuthRejected,
		)
		return
	}
	req.Token = ""

	// Commands may run for the full execution timeout.
	conn.SetDeadline(time.Time{})
	start := time.Now()
	resp := s.handler.Handle(s.baseCtx, &req)
	if resp == nil {
		resp = &Response{Status: StatusError, Details: "no response from handler"}
	}

	conn.SetDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteFrame(resp); err != nil {
		log.Warn("ipc write failed", logging.KeyRemoteAddr, remote, logging.KeyError, err)
		return
	}
	log.Debug("ipc request handled",
		"type", req.Type,
		"status", resp.Status,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)
}
