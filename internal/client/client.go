package client

import (
	"context"
	"fmt"
	"time"

	"github.com/codewiresh/sfp/internal/connection"
	"github.com/codewiresh/sfp/internal/transport"
)

// Dialer opens client connections. The zero value is ready to use.
type Dialer struct {
	// Timeout bounds connection establishment. Zero means no limit beyond ctx.
	Timeout time.Duration
	Options connection.Options
}

// Connect establishes a connection to d and returns its Reader/Writer pair.
// Closing the Writer releases the connection. Transport errors (refused,
// unreachable, missing socket path, permission denied) stay matchable with
// errors.Is.
func (dl *Dialer) Connect(ctx context.Context, d transport.Descriptor) (*connection.Reader, *connection.Writer, error) {
	if dl.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dl.Timeout)
		defer cancel()
	}

	conn, err := transport.Dial(ctx, d)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", d, err)
	}
	r, w := connection.New(conn, dl.Options)
	return r, w, nil
}

// ConnectURI resolves uri and connects to it.
func (dl *Dialer) ConnectURI(ctx context.Context, uri string) (*connection.Reader, *connection.Writer, error) {
	d, err := transport.Resolve(uri)
	if err != nil {
		return nil, nil, err
	}
	return dl.Connect(ctx, d)
}

// Connect uses a zero Dialer with default connection options.
func Connect(ctx context.Context, d transport.Descriptor) (*connection.Reader, *connection.Writer, error) {
	dl := Dialer{Options: connection.DefaultOptions()}
	return dl.Connect(ctx, d)
}

// ConnectURI uses a zero Dialer with default connection options.
func ConnectURI(ctx context.Context, uri string) (*connection.Reader, *connection.Writer, error) {
	dl := Dialer{Options: connection.DefaultOptions()}
	return dl.ConnectURI(ctx, uri)
}
