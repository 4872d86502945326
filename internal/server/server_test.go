package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/sfp/internal/connection"
	"github.com/codewiresh/sfp/internal/transport"
)

func echo(ctx context.Context, r *connection.Reader, w *connection.Writer) error {
	for {
		msg, err := r.Read(ctx)
		if err != nil {
			return err
		}
		if err := w.Write(msg); err != nil {
			return err
		}
		if err := w.Drain(ctx); err != nil {
			return err
		}
	}
}

// startServer binds uri and serves h in the background. The returned channel
// yields Serve's result.
func startServer(t *testing.T, ctx context.Context, uri string, h Handler) (*Server, <-chan error) {
	t.Helper()
	srv, err := FromURI(uri, h, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, srv.Listen(ctx))

	errCh := make(chan error, 1)
	served := make(chan struct{})
	go func() {
		defer close(served)
		errCh <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		srv.Close()
		<-served
	})
	return srv, errCh
}

func dialServer(t *testing.T, ctx context.Context, srv *Server) (*connection.Reader, *connection.Writer) {
	t.Helper()
	d := srv.Descriptor()
	if tcp, ok := srv.Addr().(*net.TCPAddr); ok {
		d.Port = tcp.Port
	}
	conn, err := transport.Dial(ctx, d)
	require.NoError(t, err)
	r, w := connection.New(conn, connection.DefaultOptions())
	t.Cleanup(func() { w.CloseNoWait() })
	return r, w
}

func roundTrip(ctx context.Context, r *connection.Reader, w *connection.Writer, msg []byte) ([]byte, error) {
	if err := w.Write(msg); err != nil {
		return nil, err
	}
	if err := w.Drain(ctx); err != nil {
		return nil, err
	}
	return r.Read(ctx)
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEchoTCP(t *testing.T) {
	ctx := testCtx(t)
	srv, _ := startServer(t, ctx, "tcp://127.0.0.1:0", echo)
	r, w := dialServer(t, ctx, srv)

	got, err := roundTrip(ctx, r, w, []byte("PING"))
	require.NoError(t, err)
	require.Equal(t, []byte("PING"), got)

	got, err = roundTrip(ctx, r, w, []byte{})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestEchoUnix(t *testing.T) {
	if !transport.IsAvailable("unix") {
		t.Skip("unix sockets not supported on this platform")
	}
	// unix://test.sock names a path relative to the working directory.
	t.Chdir(t.TempDir())

	ctx := testCtx(t)
	srv, _ := startServer(t, ctx, "unix://test.sock", echo)
	r, w := dialServer(t, ctx, srv)

	got, err := roundTrip(ctx, r, w, []byte("over unix"))
	require.NoError(t, err)
	require.Equal(t, []byte("over unix"), got)
}

func TestEchoWebSocket(t *testing.T) {
	ctx := testCtx(t)
	srv, _ := startServer(t, ctx, "ws://127.0.0.1:0/sfp", echo)
	r, w := dialServer(t, ctx, srv)

	got, err := roundTrip(ctx, r, w, []byte("over ws"))
	require.NoError(t, err)
	require.Equal(t, []byte("over ws"), got)
}

func TestConcurrentClientsAreIsolated(t *testing.T) {
	ctx := testCtx(t)
	srv, _ := startServer(t, ctx, "tcp://127.0.0.1:0", echo)

	g, gctx := errgroup.WithContext(ctx)
	for client := 0; client < 2; client++ {
		r, w := dialServer(t, ctx, srv)
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				want := fmt.Sprintf("client-%d-msg-%d", client, i)
				got, err := roundTrip(gctx, r, w, []byte(want))
				if err != nil {
					return err
				}
				if string(got) != want {
					return fmt.Errorf("client %d: got %q, want %q", client, got, want)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestHandlerFailureIsIsolated(t *testing.T) {
	ctx := testCtx(t)
	h := func(ctx context.Context, r *connection.Reader, w *connection.Writer) error {
		msg, err := r.Read(ctx)
		if err != nil {
			return err
		}
		switch string(msg) {
		case "panic":
			panic("handler exploded")
		case "fail":
			return errors.New("handler failed")
		}
		w.Write(msg)
		if err := w.Drain(ctx); err != nil {
			return err
		}
		return echo(ctx, r, w)
	}
	srv, _ := startServer(t, ctx, "tcp://127.0.0.1:0", h)

	healthyR, healthyW := dialServer(t, ctx, srv)
	got, err := roundTrip(ctx, healthyR, healthyW, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	for _, trigger := range []string{"panic", "fail"} {
		r, w := dialServer(t, ctx, srv)
		require.NoError(t, w.Write([]byte(trigger)))
		require.NoError(t, w.Drain(ctx))

		// The server closes the faulty connection.
		_, err := r.Read(ctx)
		require.Error(t, err, trigger)
	}

	// The healthy connection and the accept loop are unaffected.
	got, err = roundTrip(ctx, healthyR, healthyW, []byte("still here"))
	require.NoError(t, err)
	require.Equal(t, []byte("still here"), got)

	r, w := dialServer(t, ctx, srv)
	got, err = roundTrip(ctx, r, w, []byte("new client"))
	require.NoError(t, err)
	require.Equal(t, []byte("new client"), got)
}

func TestCancelStopsServerAndConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, errCh := startServer(t, ctx, "tcp://127.0.0.1:0", echo)

	readCtx := testCtx(t)
	r, w := dialServer(t, readCtx, srv)
	_, err := roundTrip(readCtx, r, w, []byte("up"))
	require.NoError(t, err)

	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	// The active connection was closed, not left running.
	_, err = r.Read(readCtx)
	require.Error(t, err)
}

func TestCloseReturnsErrServerClosed(t *testing.T) {
	ctx := testCtx(t)
	srv, errCh := startServer(t, ctx, "tcp://127.0.0.1:0", echo)
	require.NotNil(t, srv.Addr())

	select {
	case <-srv.Ready():
	default:
		t.Fatal("Ready not closed after Listen")
	}

	require.NoError(t, srv.Close())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	require.ErrorIs(t, srv.Listen(ctx), ErrServerClosed)
}

func TestServeBeforeListen(t *testing.T) {
	srv, err := FromURI("tcp://127.0.0.1:0", echo, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.Nil(t, srv.Addr())
	require.ErrorIs(t, srv.Serve(context.Background()), ErrNotListening)
}

func TestRunListensAndServes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, err := FromURI("tcp://127.0.0.1:0", echo, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}

	r, w := dialServer(t, testCtx(t), srv)
	got, err := roundTrip(ctx, r, w, []byte("run"))
	require.NoError(t, err)
	require.Equal(t, []byte("run"), got)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestFromURIErrors(t *testing.T) {
	_, err := FromURI("ftp://localhost", echo)
	require.ErrorIs(t, err, transport.ErrUnavailableScheme)

	_, err = FromURI("tcp://", echo)
	require.ErrorIs(t, err, transport.ErrInvalidURI)
}

func TestListenAddressInUse(t *testing.T) {
	ctx := testCtx(t)
	first, _ := startServer(t, ctx, "tcp://127.0.0.1:0", echo)
	port := first.Addr().(*net.TCPAddr).Port

	second, err := FromURI(fmt.Sprintf("tcp://127.0.0.1:%d", port), echo, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.Error(t, second.Listen(ctx))
}

// ---------------------------------------------------------------------------
// Accept errors
// ---------------------------------------------------------------------------

type timeoutError struct{}

func (timeoutError) Error() string   { return "accept timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// scriptedListener returns errs from Accept in order, then repeats the last.
type scriptedListener struct {
	errs  []error
	calls atomic.Int32
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	i := int(l.calls.Add(1)) - 1
	if i >= len(l.errs) {
		i = len(l.errs) - 1
	}
	return nil, l.errs[i]
}

func (l *scriptedListener) Close() error   { return nil }
func (l *scriptedListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func serveScripted(t *testing.T, ln net.Listener) error {
	t.Helper()
	srv, err := FromURI("tcp://127.0.0.1:0", echo, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	srv.ln = ln

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background()) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve kept running after the listener failed")
		return nil
	}
}

func TestServeReturnsOnListenerFailure(t *testing.T) {
	failure := errors.New("listener is gone")
	ln := &scriptedListener{errs: []error{failure}}

	err := serveScripted(t, ln)
	require.ErrorIs(t, err, failure)
	require.Equal(t, int32(1), ln.calls.Load())
}

func TestServeRetriesTemporaryErrors(t *testing.T) {
	failure := errors.New("listener is gone")
	ln := &scriptedListener{errs: []error{timeoutError{}, timeoutError{}, failure}}

	err := serveScripted(t, ln)
	require.ErrorIs(t, err, failure)
	require.Equal(t, int32(3), ln.calls.Load())
}

// ---------------------------------------------------------------------------
// Handler logger
// ---------------------------------------------------------------------------

// syncBuffer is a bytes.Buffer safe for the server goroutines to write.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func loggingEcho(ctx context.Context, r *connection.Reader, w *connection.Writer) error {
	msg, err := r.Read(ctx)
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("payload", string(msg)).Msg("handled")
	if err := w.Write(msg); err != nil {
		return err
	}
	return w.Drain(ctx)
}

func TestHandlerLoggerCarriesConnectionFields(t *testing.T) {
	ctx := testCtx(t)
	var out syncBuffer
	srv, err := FromURI("tcp://127.0.0.1:0", loggingEcho, WithLogger(zerolog.New(&out)))
	require.NoError(t, err)
	require.NoError(t, srv.Listen(ctx))
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		srv.Close()
		<-served
	})

	r, w := dialServer(t, ctx, srv)
	_, err = roundTrip(ctx, r, w, []byte("hi"))
	require.NoError(t, err)

	logged := out.String()
	require.Contains(t, logged, `"message":"handled"`)
	require.Contains(t, logged, `"scheme":"tcp"`)
	require.Contains(t, logged, `"conn":"`)
}

func TestDisabledLoggerIsNotReplacedByDefault(t *testing.T) {
	var global syncBuffer
	saved := zerolog.DefaultContextLogger
	fallback := zerolog.New(&global)
	zerolog.DefaultContextLogger = &fallback
	t.Cleanup(func() { zerolog.DefaultContextLogger = saved })

	ctx := testCtx(t)
	srv, _ := startServer(t, ctx, "tcp://127.0.0.1:0", loggingEcho)

	r, w := dialServer(t, ctx, srv)
	got, err := roundTrip(ctx, r, w, []byte("quiet"))
	require.NoError(t, err)
	require.Equal(t, []byte("quiet"), got)
	require.Empty(t, global.String())
}
