package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// The ws transport carries the SFP byte stream inside binary WebSocket
// messages. Frame boundaries come from SFP headers, not message boundaries.

func (d Descriptor) wsURL() string {
	path := d.Path
	if path == "" {
		path = "/"
	}
	return "ws://" + d.Address() + path
}

func dialWS(ctx context.Context, d Descriptor) (net.Conn, error) {
	conn, _, err := websocket.Dial(ctx, d.wsURL(), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(-1)
	// The dial ctx may carry a timeout; it must not bound the conn's lifetime.
	return websocket.NetConn(context.WithoutCancel(ctx), conn, websocket.MessageBinary), nil
}

// wsListener adapts an HTTP upgrade endpoint to net.Listener.
type wsListener struct {
	ln    net.Listener
	srv   *http.Server
	conns chan net.Conn

	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.Mutex
	serveErr  error
}

func listenWS(ctx context.Context, d Descriptor) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", d.Address())
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		ln:     ln,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	path := d.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.upgrade)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := l.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.mu.Lock()
			l.serveErr = err
			l.mu.Unlock()
		}
		l.Close()
	}()
	return l, nil
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	c.SetReadLimit(-1)
	// Hijacked conns outlive the request, so they get their own context.
	conn := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	select {
	case l.conns <- conn:
	case <-l.closed:
		c.Close(websocket.StatusGoingAway, "listener closed")
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.serveErr != nil {
			return nil, l.serveErr
		}
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }
