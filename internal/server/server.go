// Package server accepts SFP connections on any available transport and
// runs a handler per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/codewiresh/sfp/internal/connection"
	"github.com/codewiresh/sfp/internal/metrics"
	"github.com/codewiresh/sfp/internal/transport"
)

var (
	// ErrServerClosed is returned by Serve and Listen after Close.
	ErrServerClosed = errors.New("server: closed")
	// ErrNotListening is returned by Serve before Listen.
	ErrNotListening = errors.New("server: not listening")
)

// Handler serves one connection and returns when done with it. The server
// closes the connection afterwards. ctx carries a per-connection logger
// (zerolog.Ctx) and is cancelled when the server stops.
type Handler func(ctx context.Context, r *connection.Reader, w *connection.Writer) error

// Server owns a listener and hands every accepted connection to its
// Handler on a goroutine of its own.
type Server struct {
	desc         transport.Descriptor
	handler      Handler
	connOpts     connection.Options
	logger       zerolog.Logger
	closeTimeout time.Duration

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool

	ready     chan struct{}
	readyOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger the server and its handlers log through.
// zerolog.Nop() silences both.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithConnectionOptions sets the Reader/Writer options used for every
// accepted connection.
func WithConnectionOptions(o connection.Options) Option {
	return func(s *Server) { s.connOpts = o }
}

// WithCloseTimeout bounds how long the server waits for a connection's
// buffered frames to flush after its handler returns.
func WithCloseTimeout(d time.Duration) Option {
	return func(s *Server) { s.closeTimeout = d }
}

// New creates a server for d. Nothing is bound until Listen or Run.
func New(d transport.Descriptor, h Handler, opts ...Option) *Server {
	s := &Server{
		desc:         d,
		handler:      h,
		connOpts:     connection.DefaultOptions(),
		logger:       log.Logger,
		closeTimeout: 5 * time.Second,
		conns:        make(map[net.Conn]struct{}),
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromURI resolves uri and creates a server for it.
func FromURI(uri string, h Handler, opts ...Option) (*Server, error) {
	d, err := transport.Resolve(uri)
	if err != nil {
		return nil, err
	}
	return New(d, h, opts...), nil
}

// Descriptor returns the resolved address the server was created for.
func (s *Server) Descriptor() transport.Descriptor { return s.desc }

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Listen binds the server's address.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.ln != nil {
		return fmt.Errorf("server: already listening on %s", s.ln.Addr())
	}

	ln, err := transport.Listen(ctx, s.desc)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.desc, err)
	}
	s.ln = ln
	s.logger.Info().Str("uri", s.desc.String()).Str("addr", ln.Addr().String()).Msg("listening")
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

// Run binds the listener if needed and serves until ctx is cancelled, Close
// is called, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(ctx); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop on a bound listener. On return every active
// connection has been closed and every handler has finished.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	// Close the listener when ctx is cancelled so Accept unblocks.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.drainConnections()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if s.isClosed() {
				return ErrServerClosed
			}
			if !isTemporary(err) {
				return fmt.Errorf("accepting on %s: %w", s.desc, err)
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			s.logger.Error().Err(err).Dur("retry_in", delay).Msg("accept error")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		delay = 0

		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops the listener and makes Serve return ErrServerClosed.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	scheme := s.desc.Scheme
	logger := s.logger.With().
		Str("conn", uuid.NewString()).
		Str("scheme", scheme).
		Str("remote", remoteString(conn)).
		Logger()

	done := metrics.ConnectionOpened(scheme)
	defer done()

	r, w := connection.New(conn, s.connOpts)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), s.closeTimeout)
		defer cancel()
		_ = w.Close(closeCtx)
	}()
	defer func() {
		if p := recover(); p != nil {
			metrics.RecordHandlerError(scheme)
			logger.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("connection handler panicked")
		}
	}()

	logger.Debug().Msg("connection accepted")
	err := s.handler(withLogger(ctx, logger), r, w)
	switch {
	case err == nil, isDisconnect(err):
		logger.Debug().Msg("connection closed")
	default:
		metrics.RecordHandlerError(scheme)
		logger.Warn().Err(err).Msg("connection handler failed")
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// drainConnections closes every active connection and waits for handlers.
func (s *Server) drainConnections() {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// withLogger stores l in ctx for zerolog.Ctx. WithContext skips disabled
// loggers, which would let handlers fall through to the global default, so
// a disabled logger is swapped for one that discards everything.
func withLogger(ctx context.Context, l zerolog.Logger) context.Context {
	if l.GetLevel() == zerolog.Disabled {
		l = zerolog.New(io.Discard).Level(zerolog.NoLevel)
	}
	return l.WithContext(ctx)
}

// isTemporary reports accept errors worth retrying: timeouts, aborted
// handshakes and descriptor exhaustion.
func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE)
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}

func remoteString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}
