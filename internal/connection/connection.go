// Package connection wraps an established byte stream with an SFP frame
// Reader and Writer.
//
// A Reader and its Writer share one net.Conn. Closing the Writer closes the
// conn, which ends the Reader too. Neither type supports concurrent use of
// the same operation: at most one Read and one Write+Drain sequence at a time.
package connection

import (
	"context"
	"errors"
	"net"
	"time"
)

// ErrWriterClosed is returned by Write and Drain once shutdown has started.
var ErrWriterClosed = errors.New("connection: writer is closing")

// Options tune a Reader/Writer pair.
type Options struct {
	// MaxFrameSize caps payloads in both directions. Zero leaves only the
	// protocol ceiling of 2^32-1 bytes.
	MaxFrameSize uint32
	// ReadBufferSize sizes the Reader's byte buffer.
	ReadBufferSize int
	// CloseTimeout bounds how long shutdown spends flushing buffered frames
	// before the conn is closed anyway.
	CloseTimeout time.Duration
}

// DefaultOptions returns a 64 KiB read buffer, a 10s close timeout and no
// frame size cap.
func DefaultOptions() Options {
	return Options{
		ReadBufferSize: 64 * 1024,
		CloseTimeout:   10 * time.Second,
	}
}

// New wraps conn in a Reader/Writer pair.
func New(conn net.Conn, opts Options) (*Reader, *Writer) {
	return NewReader(conn, opts), NewWriter(conn, opts)
}

var aLongTimeAgo = time.Unix(1, 0)

// interruptOn arms setDeadline so a blocked conn operation returns once ctx
// is done. The returned func must be called after the operation; it clears
// the deadline again if cancellation raced with completion.
func interruptOn(ctx context.Context, setDeadline func(time.Time) error) (release func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = setDeadline(aLongTimeAgo)
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
			_ = setDeadline(time.Time{})
		}
	}
}
