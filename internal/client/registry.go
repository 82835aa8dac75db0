package client

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/internal/parser"
)

// target is a parsed connection URL.
type target struct {
	// endpoint is the session URL: scheme, host, engine path and query.
	endpoint *url.URL
	// namespace is the path of the connection URL.
	namespace string
	// key identifies the server; channels sharing it may share a manager.
	key string
}

func parseTarget(rawURL, path string) (target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return target{}, fmt.Errorf("%s: %w", kephasio.ErrInvalidURL, err)
	}

	var defaultPort string
	switch u.Scheme {
	case "http", "ws":
		u.Scheme, defaultPort = "http", "80"
	case "https", "wss":
		u.Scheme, defaultPort = "https", "443"
	default:
		return target{}, fmt.Errorf("%s: unsupported scheme %q", kephasio.ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return target{}, fmt.Errorf("%s: missing host", kephasio.ErrInvalidURL)
	}

	if path == "" {
		path = "/socket.io"
	}
	endpoint := &url.URL{
		Scheme:   u.Scheme,
		User:     u.User,
		Host:     u.Host,
		Path:     strings.TrimSuffix(path, "/") + "/",
		RawQuery: u.RawQuery,
	}

	nsp := u.Path
	if nsp == "" {
		nsp = parser.DefaultNamespace
	}

	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	key := u.Scheme + "://" + net.JoinHostPort(u.Hostname(), port) + endpoint.Path

	return target{endpoint: endpoint, namespace: nsp, key: key}, nil
}

// Registry shares managers between channels opened against the same server
// with the same connection options. A shared manager is dropped from the
// registry once its last channel disconnects.
//
// Managers keep their loop goroutine until they are stopped. Close stops
// every manager the registry created that is still running.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
	owned    map[*Manager]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		managers: make(map[string]*Manager),
		owned:    make(map[*Manager]struct{}),
	}
}

// Lookup returns a channel for the namespace named by the path of rawURL.
//
// The channel gets a dedicated manager when opts.ForceNew is set, when
// opts.Multiplex is off, or when the shared manager already has a channel
// for that namespace; otherwise the manager for the server and options is
// reused.
func (r *Registry) Lookup(rawURL string, opts Options) (*Channel, error) {
	t, err := parseTarget(rawURL, opts.Path)
	if err != nil {
		return nil, err
	}
	key := t.key + "#" + opts.sharingKey(t.endpoint.RawQuery)

	r.mu.Lock()
	m, cached := r.managers[key]
	sameNamespace := cached && m.channel(t.namespace) != nil
	if opts.ForceNew || !opts.Multiplex || sameNamespace {
		m = r.newManager(t, opts)
	} else if !cached {
		m = r.newManager(t, opts)
		m.release = r.releaser(key)
		r.managers[key] = m
	}
	r.mu.Unlock()

	return m.Socket(t.namespace, opts.ChannelOptions), nil
}

// newManager creates a manager the registry stops on Close. r.mu is held.
func (r *Registry) newManager(t target, opts Options) *Manager {
	m := newManager(t.endpoint, opts)
	m.stopped = r.forget
	r.owned[m] = struct{}{}
	return m
}

// Len returns the number of shared managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// Close stops every running manager created by Lookup, shared or not, and
// empties the registry. Channels of those managers cannot be used
// afterwards. Close must not be called from a handler.
func (r *Registry) Close() {
	r.mu.Lock()
	owned := make([]*Manager, 0, len(r.owned))
	for m := range r.owned {
		owned = append(owned, m)
	}
	clear(r.managers)
	r.mu.Unlock()

	for _, m := range owned {
		m.Stop()
	}
}

func (r *Registry) releaser(key string) func(*Manager) {
	return func(m *Manager) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.managers[key] == m {
			delete(r.managers, key)
		}
	}
}

func (r *Registry) forget(m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owned, m)
	for key, shared := range r.managers {
		if shared == m {
			delete(r.managers, key)
		}
	}
}
