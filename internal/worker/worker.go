// Package worker implements the offline cache worker: it installs the
// application shell into a versioned cache, takes over open clients when
// activated, and answers intercepted GET requests from the cache first
// while refreshing entries from the network.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"offlinegate/internal/cache"
	"offlinegate/internal/logging"
	"offlinegate/internal/runtime"
	"offlinegate/internal/upstream"
)

var ErrInstallFailed = errors.New("worker: install failed")

type Options struct {
	Version      string
	CachePrefix  string
	Assets       []string
	Storage      cache.Storage
	Network      upstream.Fetcher
	MaxBodyBytes int64
	Logger       logging.Logger
}

type Worker struct {
	version     string
	cachePrefix string
	cacheName   string
	manifest    []cache.Identity
	storage     cache.Storage
	network     upstream.Fetcher
	maxBody     int64
	logger      logging.Logger

	mu    sync.Mutex
	state runtime.State
}

func New(opts Options) (*Worker, error) {
	if opts.Version == "" {
		return nil, errors.New("worker: version is required")
	}
	if opts.Storage == nil || opts.Network == nil {
		return nil, errors.New("worker: storage and network are required")
	}
	if opts.CachePrefix == "" {
		opts.CachePrefix = "orchestrator"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop{}
	}

	manifest := make([]cache.Identity, 0, len(opts.Assets))
	for _, a := range opts.Assets {
		id, err := cache.ParseIdentity(a)
		if err != nil {
			return nil, fmt.Errorf("worker: manifest: %w", err)
		}
		manifest = append(manifest, id)
	}

	name := cache.Name(opts.CachePrefix, opts.Version)
	return &Worker{
		version:     opts.Version,
		cachePrefix: opts.CachePrefix,
		cacheName:   name,
		manifest:    manifest,
		storage:     opts.Storage,
		network:     opts.Network,
		maxBody:     opts.MaxBodyBytes,
		logger:      opts.Logger.With("version", opts.Version, "cache", name),
		state:       runtime.StateInstalling,
	}, nil
}

// Factory returns a runtime.ScriptFactory building a fresh Worker per
// install attempt from base, with the version replaced.
func Factory(base Options) runtime.ScriptFactory {
	return func(version string) (runtime.Script, error) {
		opts := base
		opts.Version = version
		return New(opts)
	}
}

func (w *Worker) Version() string {
	return w.version
}

func (w *Worker) CacheName() string {
	return w.cacheName
}

func (w *Worker) Manifest() []cache.Identity {
	return append([]cache.Identity(nil), w.manifest...)
}

func (w *Worker) State() runtime.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s runtime.State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.logger.Debug("worker state changed", "from", string(prev), "to", string(s))
	}
}

func (w *Worker) Retire() {
	w.setState(runtime.StateRedundant)
}

func (w *Worker) Register(d *runtime.Dispatcher) {
	d.OnInstall(w.onInstall)
	d.OnActivate(w.onActivate)
	d.OnFetch(w.HandleFetch)
}

func (w *Worker) onInstall(ev *runtime.InstallEvent) {
	w.setState(runtime.StateInstalling)
	ev.WaitUntil(func(ctx context.Context) error {
		if err := w.Install(ctx); err != nil {
			w.setState(runtime.StateRedundant)
			return err
		}
		w.setState(runtime.StateInstalled)
		return nil
	})
}

func (w *Worker) onActivate(ev *runtime.ActivateEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		return w.Activate(ctx, ev.Clients)
	})
}

// Activate takes control of every open client and discards caches of
// superseded versions.
func (w *Worker) Activate(ctx context.Context, clients *runtime.Clients) error {
	w.setState(runtime.StateActivating)
	if clients != nil {
		claimed := clients.Claim(w.version)
		w.logger.Info("clients claimed", "count", claimed)
	}
	w.discardSuperseded(ctx)
	w.setState(runtime.StateActivated)
	return nil
}

// Resume reports whether every manifest entry is already in this
// version's cache, as after a restart with a persistent store.
func (w *Worker) Resume(ctx context.Context) (bool, error) {
	has, err := w.storage.Has(ctx, w.cacheName)
	if err != nil || !has {
		return false, err
	}
	c, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return false, err
	}
	for _, id := range w.manifest {
		_, ok, err := c.Match(ctx, id)
		if err != nil || !ok {
			return false, err
		}
	}
	w.setState(runtime.StateInstalled)
	return true, nil
}

// discardSuperseded deletes caches left by older versions sharing this
// worker's prefix. Failures are logged only.
func (w *Worker) discardSuperseded(ctx context.Context) {
	names, err := w.storage.Names(ctx)
	if err != nil {
		w.logger.Warn("list caches failed", "error", err)
		return
	}
	for _, name := range names {
		if name == w.cacheName || !strings.HasPrefix(name, w.cachePrefix+"-") {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.logger.Warn("delete superseded cache failed", "superseded", name, "error", err)
			continue
		}
		w.logger.Info("superseded cache deleted", "superseded", name)
	}
}

func isOK(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
