package transport

import (
	"context"
	"net"
	"os"
	"time"
)

func dialUnix(ctx context.Context, d Descriptor) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", d.Path)
}

func listenUnix(ctx context.Context, d Descriptor) (net.Listener, error) {
	removeStaleSocket(d.Path)

	var lc net.ListenConfig
	return lc.Listen(ctx, "unix", d.Path)
}

// removeStaleSocket deletes a socket file left behind by a dead server.
// Regular files and sockets somebody still answers on are left alone, so
// Listen reports the conflict.
func removeStaleSocket(path string) {
	fi, err := os.Lstat(path)
	if err != nil || fi.Mode()&os.ModeSocket == 0 {
		return
	}
	if conn, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		conn.Close()
		return
	}
	_ = os.Remove(path)
}
