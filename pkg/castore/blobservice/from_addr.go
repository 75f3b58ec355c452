package blobservice

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

// FromAddr constructs a BlobService from an URI.
//
// The following schemes are supported:
//   - memory:// (MemoryBlobService)
//   - bbolt://[/path], also reachable as sled:// and redb:// (BboltBlobService)
//   - objectstore+memory://, objectstore+file:///path (ObjectStoreBlobService)
//
// grpc+unix://, grpc+http[s]:// and remote objectstore URIs are
// syntax-checked, then rejected with [ErrUnsupportedScheme].
func FromAddr(uri string) (BlobService, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("unable to parse url: %w", err)
	}

	switch scheme := u.Scheme; {
	case scheme == "memory":
		// memory doesn't support host or path in the URL.
		if u.Host != "" || u.Path != "" {
			return nil, fmt.Errorf("invalid url: %s", uri)
		}
		return NewMemoryBlobService(), nil

	case scheme == "bbolt" || scheme == "sled" || scheme == "redb":
		path, err := embeddedDBPath(u)
		if err != nil {
			return nil, err
		}
		return NewBboltBlobService(path)

	case strings.HasPrefix(scheme, "grpc+"):
		if err := validateGRPCURL(u); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", scheme, ErrUnsupportedScheme)

	case strings.HasPrefix(scheme, "objectstore+"):
		store, err := objectStoreFromURL(u)
		if err != nil {
			return nil, err
		}
		return NewObjectStoreBlobService(store), nil

	default:
		return nil, fmt.Errorf("unknown scheme: %s", scheme)
	}
}

// embeddedDBPath validates an embedded key-value store URI and returns
// the database path. An empty path means temporary.
func embeddedDBPath(u *url.URL) (string, error) {
	if u.Host != "" {
		return "", fmt.Errorf("no host allowed: %s", u.Host)
	}
	if u.Path == "/" {
		return "", fmt.Errorf("cowardly refusing to open /")
	}
	if u.Path == "" {
		dir, err := os.MkdirTemp("", "tvix-store-*")
		if err != nil {
			return "", fmt.Errorf("unable to create temporary directory: %w", err)
		}
		return filepath.Join(dir, "db"), nil
	}
	return u.Path, nil
}

// validateGRPCURL checks grpc+unix and grpc+http[s] URI shapes.
// In the case of unix sockets, there must be a path, but no host.
// In the case of non-unix sockets, there must be a host, but no path.
func validateGRPCURL(u *url.URL) error {
	switch u.Scheme {
	case "grpc+unix":
		if u.Host != "" {
			return fmt.Errorf("grpc+unix: host not allowed: %s", u.Host)
		}
		if u.Path == "" {
			return fmt.Errorf("grpc+unix: path is required")
		}
	case "grpc+http", "grpc+https":
		if u.Host == "" {
			return fmt.Errorf("%s: host is required", u.Scheme)
		}
		if u.Path != "" {
			return fmt.Errorf("%s: path not allowed: %s", u.Scheme, u.Path)
		}
	default:
		return fmt.Errorf("unknown scheme: %s", u.Scheme)
	}
	return nil
}

// objectStoreFromURL resolves objectstore+* URIs.
func objectStoreFromURL(u *url.URL) (ObjectStore, error) {
	switch u.Scheme {
	case "objectstore+memory":
		if u.Host != "" || u.Path != "" {
			return nil, fmt.Errorf("invalid url: %s", u)
		}
		return NewMemoryObjectStore(), nil
	case "objectstore+file":
		if u.Host != "" {
			return nil, fmt.Errorf("objectstore+file: host not allowed: %s", u.Host)
		}
		if u.Path == "" || u.Path == "/" {
			return nil, fmt.Errorf("objectstore+file: path is required")
		}
		return NewFileObjectStore(u.Path)
	case "objectstore+s3", "objectstore+gs", "objectstore+https":
		if u.Host == "" {
			return nil, fmt.Errorf("%s: host is required", u.Scheme)
		}
		return nil, fmt.Errorf("%s: %w", u.Scheme, ErrUnsupportedScheme)
	default:
		return nil, fmt.Errorf("unknown scheme: %s", u.Scheme)
	}
}
