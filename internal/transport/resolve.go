package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

var (
	ErrInvalidURI        = errors.New("transport: invalid uri")
	ErrUnavailableScheme = errors.New("transport: unavailable uri scheme")
)

func unavailable(scheme string) error {
	return fmt.Errorf("%w: %q", ErrUnavailableScheme, scheme)
}

// Resolve parses uri into a Descriptor.
//
//	tcp://<host>[:<port>]          port defaults to 10000
//	unix://<host>[<path>]          socket path is host followed by path
//	ws://<host>[:<port>][<path>]   port defaults to 10000, path to "/"
//
// The unix form keeps an addressing quirk: the authority is part of the
// path, so unix://tmp/example.sock names the relative path tmp/example.sock
// and an empty authority (unix:///tmp/x.sock) is rejected.
func Resolve(uri string) (Descriptor, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	t, ok := Lookup(u.Scheme)
	if !ok {
		return Descriptor{}, unavailable(u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Descriptor{}, fmt.Errorf("%w: %q has no host", ErrInvalidURI, uri)
	}

	d := Descriptor{Scheme: t.Scheme, Host: host}
	if t.PathBased {
		d.Path = host + u.Path
		return d, nil
	}

	d.Port = t.DefaultPort
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port > 65535 {
			return Descriptor{}, fmt.Errorf("%w: %q has bad port %q", ErrInvalidURI, uri, p)
		}
		d.Port = port
	}
	d.Path = u.Path
	if t.Scheme == "ws" && d.Path == "" {
		d.Path = "/"
	}
	return d, nil
}
