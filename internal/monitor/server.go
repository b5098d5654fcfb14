package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canpipe/canpipe/internal/hub"
	"github.com/canpipe/canpipe/internal/logging"
	"github.com/canpipe/canpipe/internal/metrics"
)

var (
	ErrListen = errors.New("monitor: listen failed")
	ErrAccept = errors.New("monitor: accept failed")
)

const (
	defaultFlushInterval = 5 * time.Millisecond
	defaultBatchSize     = 64
	defaultOutBufSize    = 512
)

// Server accepts TCP monitor clients and streams every broadcast Event
// from its Hub to each of them. Write-only toward clients: it never reads
// from a client connection; a failed write is how it notices a client left.
type Server struct {
	mu   sync.RWMutex
	addr string
	Hub  *Hub

	flushInterval time.Duration
	batchSize     int
	outBufSize    int
	policy        hub.BackpressurePolicy
	maxClients    int

	readyOnce sync.Once
	readyCh   chan struct{}

	listener  net.Listener
	clientsMu sync.RWMutex
	clients   map[*hub.Client[Event]]net.Conn

	wg     sync.WaitGroup
	logger *slog.Logger

	totalAccepted     atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
}

// Option configures a Server at construction time.
type Option func(*Server)

func NewServer(opts ...Option) *Server {
	s := &Server{
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		outBufSize:    defaultOutBufSize,
		readyCh:       make(chan struct{}),
		clients:       make(map[*hub.Client[Event]]net.Conn),
		logger:        logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	if s.Hub == nil {
		s.Hub = NewHub()
	}
	s.Hub.Policy = s.policy
	s.Hub.OutBufSize = s.outBufSize
	return s
}

func WithListenAddr(a string) Option { return func(s *Server) { s.addr = a } }
func WithHub(h *Hub) Option          { return func(s *Server) { s.Hub = h } }
func WithFlushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}
func WithBatchSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}
func WithOutBufSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.outBufSize = n
		}
	}
}
func WithPolicy(p hub.BackpressurePolicy) Option { return func(s *Server) { s.policy = p } }
func WithMaxClients(n int) Option                { return func(s *Server) { s.maxClients = n } }
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Serve accepts monitor clients until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		s.logger.Error("monitor_listen_failed", "error", wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.listener = ln
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("monitor_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		s.logger.Warn("monitor_accept_failed", "error", wrap)
		return nil
	}
	s.totalAccepted.Add(1)
	connLogger := s.logger.With("remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if s.maxClients > 0 && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		connLogger.Warn("monitor_client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	client := &hub.Client[Event]{Out: make(chan Event, s.outBufSize), Closed: make(chan struct{})}
	s.Hub.Add(client)
	s.clientsMu.Lock()
	s.clients[client] = conn
	s.clientsMu.Unlock()
	s.totalConnected.Add(1)
	connLogger.Info("monitor_client_connected")
	s.startWriter(ctx.Done(), conn, client, connLogger)
	return nil
}

// startWriter launches the goroutine that batches and flushes broadcast
// events to one client connection. There is no reader: a closed or failed
// write is the only signal a client has disconnected.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client[Event], logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.Hub.Remove(cl)
			s.totalDisconnected.Add(1)
			logger.Info("monitor_client_disconnected")
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]byte, 0, s.batchSize*entrySize)
		pending := 0
		flush := func() error {
			if pending == 0 {
				return nil
			}
			if _, err := conn.Write(batch); err != nil {
				metrics.IncError(metrics.ErrMonitorWrite)
				return err
			}
			batch = batch[:0]
			pending = 0
			return nil
		}
		for {
			select {
			case ev := <-cl.Out:
				batch = Encode(batch, ev)
				pending++
				if pending >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-cl.Closed:
				_ = flush()
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}

// Shutdown closes the listener and every client connection, then waits for
// writer goroutines to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		s.Hub.Remove(cl)
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("monitor: shutdown timeout: %w", ctx.Err())
	case <-done:
		s.logger.Info("monitor_shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load())
		return nil
	}
}
