package pathinfoservice

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedScheme is returned for URI schemes that validate but
// have no backend in this implementation (remote transports).
var ErrUnsupportedScheme = errors.New("unsupported scheme")

// FromAddr constructs a PathInfoService from an URI.
//
// The following schemes are supported:
//   - memory:// (MemoryPathInfoService)
//   - bbolt://[/path], also reachable as sled:// and redb:// (BboltPathInfoService)
//
// grpc+unix:// and grpc+http[s]:// are syntax-checked, then rejected
// with [ErrUnsupportedScheme].
func FromAddr(uri string) (PathInfoService, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("unable to parse url: %w", err)
	}

	switch scheme := u.Scheme; {
	case scheme == "memory":
		if u.Host != "" || u.Path != "" {
			return nil, fmt.Errorf("invalid url: %s", uri)
		}
		return NewMemoryPathInfoService(), nil

	case scheme == "bbolt" || scheme == "sled" || scheme == "redb":
		if u.Host != "" {
			return nil, fmt.Errorf("no host allowed: %s", u.Host)
		}
		if u.Path == "/" {
			return nil, fmt.Errorf("cowardly refusing to open /")
		}
		path := u.Path
		if path == "" {
			dir, err := os.MkdirTemp("", "tvix-store-*")
			if err != nil {
				return nil, fmt.Errorf("unable to create temporary directory: %w", err)
			}
			path = filepath.Join(dir, "db")
		}
		return NewBboltPathInfoService(path)

	case strings.HasPrefix(scheme, "grpc+"):
		switch scheme {
		case "grpc+unix":
			if u.Host != "" {
				return nil, fmt.Errorf("grpc+unix: host not allowed: %s", u.Host)
			}
			if u.Path == "" {
				return nil, fmt.Errorf("grpc+unix: path is required")
			}
		case "grpc+http", "grpc+https":
			if u.Host == "" {
				return nil, fmt.Errorf("%s: host is required", scheme)
			}
			if u.Path != "" {
				return nil, fmt.Errorf("%s: path not allowed: %s", scheme, u.Path)
			}
		default:
			return nil, fmt.Errorf("unknown scheme: %s", scheme)
		}
		return nil, fmt.Errorf("%s: %w", scheme, ErrUnsupportedScheme)

	default:
		return nil, fmt.Errorf("unknown scheme: %s", scheme)
	}
}
