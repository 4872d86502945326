package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewiresh/sfp/internal/metrics"
	"github.com/codewiresh/sfp/internal/protocol"
)

// Writer buffers SFP frames and hands them to the connection on Drain.
type Writer struct {
	conn         net.Conn
	limit        uint32
	closeTimeout time.Duration

	mu      sync.Mutex
	pending []byte

	// flushMu serializes conn writes so buffered frames keep their order.
	flushMu sync.Mutex

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// NewWriter creates a Writer wrapping the given connection.
func NewWriter(conn net.Conn, opts Options) *Writer {
	timeout := opts.CloseTimeout
	if timeout <= 0 {
		timeout = DefaultOptions().CloseTimeout
	}
	return &Writer{
		conn:         conn,
		limit:        opts.MaxFrameSize,
		closeTimeout: timeout,
		done:         make(chan struct{}),
	}
}

// Write encodes payload and appends it to the outbound buffer. It never
// blocks on the network; call Drain to push buffered frames out.
func (w *Writer) Write(payload []byte) error {
	if w.limit > 0 && uint64(len(payload)) > uint64(w.limit) {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", protocol.ErrFrameTooLarge, len(payload), w.limit)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing.Load() {
		return ErrWriterClosed
	}
	buf, err := protocol.AppendFrame(w.pending, payload)
	if err != nil {
		return err
	}
	w.pending = buf
	metrics.RecordFrameWritten(len(payload))
	return nil
}

// Buffered returns the number of encoded bytes waiting for Drain.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Drain blocks until every buffered frame has been handed to the transport.
// If ctx ends first the unwritten remainder stays buffered and ctx.Err() is
// returned.
func (w *Writer) Drain(ctx context.Context) error {
	if w.closing.Load() {
		return ErrWriterClosed
	}
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	return w.flush(ctx)
}

// flush writes the pending buffer. Callers hold flushMu.
func (w *Writer) flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	buf := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(buf) == 0 {
		return nil
	}

	release := interruptOn(ctx, w.conn.SetWriteDeadline)
	n, err := w.conn.Write(buf)
	release()
	if err == nil {
		return nil
	}

	// Keep what did not go out ahead of anything queued meanwhile.
	rest := append([]byte(nil), buf[n:]...)
	w.mu.Lock()
	w.pending = append(rest, w.pending...)
	w.mu.Unlock()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("writing frames: %w", err)
}

// Close starts shutdown and waits for it to finish: buffered frames are
// flushed and the connection is closed. If ctx ends first the connection
// is closed immediately and ctx.Err() is returned.
func (w *Writer) Close(ctx context.Context) error {
	w.startShutdown()
	select {
	case <-w.done:
		return w.closeErr
	case <-ctx.Done():
		_ = w.conn.Close()
		<-w.done
		return ctx.Err()
	}
}

// CloseNoWait starts shutdown without waiting for it.
func (w *Writer) CloseNoWait() {
	w.startShutdown()
}

// IsClosing reports whether shutdown has been started. It does not mean the
// connection is closed yet.
func (w *Writer) IsClosing() bool {
	return w.closing.Load()
}

func (w *Writer) startShutdown() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closing.Store(true)
		w.mu.Unlock()

		go func() {
			defer close(w.done)

			ctx, cancel := context.WithTimeout(context.Background(), w.closeTimeout)
			w.flushMu.Lock()
			err := w.flush(ctx)
			w.flushMu.Unlock()
			cancel()

			if cerr := w.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
				err = cerr
			}
			w.closeErr = err
		}()
	})
}

// RemoteAddr returns the peer address of the underlying connection.
func (w *Writer) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

// Using runs fn and then closes w with Close(ctx). A close error is
// discarded, so fn's own error (or panic) is what propagates.
func Using(ctx context.Context, w *Writer, fn func() error) error {
	defer func() { _ = w.Close(ctx) }()
	return fn()
}

// UsingNoWait is Using with CloseNoWait on the way out.
func UsingNoWait(w *Writer, fn func() error) error {
	defer w.CloseNoWait()
	return fn()
}
