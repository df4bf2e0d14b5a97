// Package config defines the immutable startup configuration of
// spec.md §3.
package config

import (
	"fmt"
	"strings"

	"github.com/akulkarni/preforge/internal/appenv"
	"github.com/akulkarni/preforge/internal/logging"
)

// ListenAddr is the closed sum type for spec.md §3's `listen` option:
// either a TCP (host, port) pair or a filesystem path beginning with
// "/" for a Unix domain socket.
type ListenAddr struct {
	Host string
	Port int
	Path string
}

// IsUnix reports whether this address names a Unix domain socket path.
func (a ListenAddr) IsUnix() bool { return a.Path != "" }

func (a ListenAddr) String() string {
	if a.IsUnix() {
		return a.Path
	}
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// ParseListenAddr resolves addr the same way the original does:
// strings beginning with "/" are a Unix socket path, everything else is
// parsed as host:port for TCP, spec.md §3.
func ParseListenAddr(addr string) (ListenAddr, error) {
	if strings.HasPrefix(addr, "/") {
		return ListenAddr{Path: addr}, nil
	}
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok {
		return ListenAddr{}, fmt.Errorf("config: listen address %q is neither a unix path nor host:port", addr)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return ListenAddr{}, fmt.Errorf("config: invalid port in %q: %w", addr, err)
	}
	return ListenAddr{Host: host, Port: port}, nil
}

// Registry resolves a dotted name to an Application, the Go-idiomatic
// substitute for the original's import-and-walk get_app (spec.md §9,
// Design Notes): callers Register the applications they host under a
// name and Resolve a name before building a Config. Config.Application
// holds only an Application value, never a name.
type Registry struct {
	apps map[string]appenv.Application
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{apps: make(map[string]appenv.Application)}
}

// Register associates name with app.
func (r *Registry) Register(name string, app appenv.Application) {
	r.apps[name] = app
}

// Resolve looks up name, returning an error if it was never registered.
func (r *Registry) Resolve(name string) (appenv.Application, error) {
	app, ok := r.apps[name]
	if !ok {
		return nil, fmt.Errorf("config: no application registered under %q", name)
	}
	return app, nil
}

// Config is the immutable, already-resolved startup configuration of
// spec.md §3.
type Config struct {
	Listen          ListenAddr
	WorkerProcesses int
	Application     appenv.Application
	AccessLog       *logging.Sink
	ErrorLog        *logging.Sink
	RealIPHeader    string
}

// Validate checks the invariants spec.md §3 requires before the manager
// may start: a positive worker pool size and a non-nil application.
func (c Config) Validate() error {
	if c.WorkerProcesses <= 0 {
		return fmt.Errorf("config: worker_processes must be positive, got %d", c.WorkerProcesses)
	}
	if c.Application == nil {
		return fmt.Errorf("config: application is required")
	}
	return nil
}
