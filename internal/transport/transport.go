// Package transport maps URI schemes to the byte-stream transports SFP runs
// over, and resolves connection URIs into transport descriptors.
//
// The scheme table is fixed when the process starts. Transports the
// platform cannot provide stay in the table with Available unset, so they
// are invisible to Lookup and AvailableSchemes rather than failing later.
package transport

import (
	"context"
	"net"
	"sort"
	"strconv"
)

// DefaultTCPPort is used by host/port schemes when the URI has no port.
const DefaultTCPPort = 10000

// DialFunc opens an outbound byte stream for d.
type DialFunc func(ctx context.Context, d Descriptor) (net.Conn, error)

// ListenFunc binds a listener for d.
type ListenFunc func(ctx context.Context, d Descriptor) (net.Listener, error)

// Transport is one entry of the scheme table.
type Transport struct {
	Scheme    string
	Available bool
	// PathBased transports address a filesystem path built from the URI's
	// host and path instead of a host and port.
	PathBased   bool
	DefaultPort int
	Dial        DialFunc
	Listen      ListenFunc
}

// transports is filled in init: its Dial/Listen funcs reach Descriptor
// methods that read the table back.
var transports map[string]Transport

func init() {
	transports = map[string]Transport{
		"tcp": {
			Scheme:      "tcp",
			Available:   true,
			DefaultPort: DefaultTCPPort,
			Dial:        dialTCP,
			Listen:      listenTCP,
		},
		"unix": {
			Scheme:    "unix",
			Available: unixSupported,
			PathBased: true,
			Dial:      dialUnix,
			Listen:    listenUnix,
		},
		"ws": {
			Scheme:      "ws",
			Available:   true,
			DefaultPort: DefaultTCPPort,
			Dial:        dialWS,
			Listen:      listenWS,
		},
	}
}

// Lookup returns the transport for scheme if this platform provides it.
func Lookup(scheme string) (Transport, bool) {
	t, ok := transports[scheme]
	if !ok || !t.Available {
		return Transport{}, false
	}
	return t, true
}

// AvailableSchemes returns the sorted scheme names usable on this platform.
func AvailableSchemes() []string {
	schemes := make([]string, 0, len(transports))
	for name, t := range transports {
		if t.Available {
			schemes = append(schemes, name)
		}
	}
	sort.Strings(schemes)
	return schemes
}

// IsAvailable reports whether scheme is in AvailableSchemes.
func IsAvailable(scheme string) bool {
	_, ok := Lookup(scheme)
	return ok
}

// Descriptor is a resolved connection URI.
type Descriptor struct {
	Scheme string
	Host   string
	Port   int
	// Path is the socket path for path-based schemes and the request path
	// for ws.
	Path string
}

// Address is the dial/listen address understood by the scheme's transport.
func (d Descriptor) Address() string {
	if t, ok := transports[d.Scheme]; ok && t.PathBased {
		return d.Path
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// String formats d back into URI form.
func (d Descriptor) String() string {
	if t, ok := transports[d.Scheme]; ok && t.PathBased {
		return d.Scheme + "://" + d.Path
	}
	return d.Scheme + "://" + d.Address() + d.Path
}

// Dial opens a byte stream to d using its scheme's transport.
func Dial(ctx context.Context, d Descriptor) (net.Conn, error) {
	t, ok := Lookup(d.Scheme)
	if !ok {
		return nil, unavailable(d.Scheme)
	}
	return t.Dial(ctx, d)
}

// Listen binds a listener for d using its scheme's transport.
func Listen(ctx context.Context, d Descriptor) (net.Listener, error) {
	t, ok := Lookup(d.Scheme)
	if !ok {
		return nil, unavailable(d.Scheme)
	}
	return t.Listen(ctx, d)
}
