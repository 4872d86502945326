package connection

import (
	"bufio"
	"context"
	"net"

	"github.com/codewiresh/sfp/internal/metrics"
	"github.com/codewiresh/sfp/internal/protocol"
)

// Reader reads SFP frames from a connection.
type Reader struct {
	conn  net.Conn
	br    *bufio.Reader
	limit uint32
}

// NewReader creates a Reader wrapping the given connection.
func NewReader(conn net.Conn, opts Options) *Reader {
	size := opts.ReadBufferSize
	if size <= 0 {
		size = DefaultOptions().ReadBufferSize
	}
	return &Reader{
		conn:  conn,
		br:    bufio.NewReaderSize(conn, size),
		limit: opts.MaxFrameSize,
	}
}

// Read blocks until one whole frame has arrived and returns its payload.
//
// A stream that ends before the frame is complete yields an error matching
// protocol.ErrIncompleteFrame; it also matches io.EOF when the peer closed
// cleanly between frames. When ctx ends first, Read returns ctx.Err() and
// the connection must be treated as unusable for reading.
func (r *Reader) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	release := interruptOn(ctx, r.conn.SetReadDeadline)
	payload, err := protocol.ReadFrame(r.br, r.limit)
	release()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	metrics.RecordFrameRead(len(payload))
	return payload, nil
}

// RemoteAddr returns the peer address of the underlying connection.
func (r *Reader) RemoteAddr() net.Addr { return r.conn.RemoteAddr() }
