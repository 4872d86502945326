package transport

import (
	"context"
	"net"
	"time"
)

func dialTCP(ctx context.Context, d Descriptor) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.Address())
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}

func listenTCP(ctx context.Context, d Descriptor) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", d.Address())
}
