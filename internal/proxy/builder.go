package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"offlinegate/internal/cache"
	"offlinegate/internal/cache/sqlite"
	"offlinegate/internal/config"
	"offlinegate/internal/logging"
	"offlinegate/internal/metrics"
	"offlinegate/internal/middleware"
	"offlinegate/internal/runtime"
	"offlinegate/internal/upstream"
	"offlinegate/internal/worker"
)

// Gateway is everything a running offline gateway consists of.
type Gateway struct {
	Server  *http.Server
	TLS     config.TLSConfig
	Host    *runtime.Host
	Storage cache.Storage
	Origin  *upstream.Client
}

// Close releases the cache storage.
func (g *Gateway) Close() error {
	return g.Storage.Close()
}

type Builder struct {
	cfg    *config.Config
	logger logging.Logger
}

func NewBuilder(cfg *config.Config, logger logging.Logger) *Builder {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Builder{
		cfg:    cfg,
		logger: logger,
	}
}

func (b *Builder) Build(ctx context.Context) (*Gateway, error) {
	metrics.Init()

	origin, err := url.Parse(b.cfg.Origin.URL)
	if err != nil {
		return nil, fmt.Errorf("parse origin %q: %w", b.cfg.Origin.URL, err)
	}
	transport := upstream.NewTransport(upstream.TransportOptions{
		InsecureSkipVerify: b.cfg.Origin.InsecureSkipVerify,
	})
	client := upstream.NewClient(origin, transport, b.cfg.Origin.Timeout)

	storage, err := b.buildStorage(ctx)
	if err != nil {
		return nil, err
	}

	host := runtime.NewHost(worker.Factory(worker.Options{
		CachePrefix:  b.cfg.Worker.CachePrefix,
		Assets:       b.cfg.Worker.Assets,
		Storage:      storage,
		Network:      client,
		MaxBodyBytes: b.cfg.Worker.MaxBodyBytes,
		Logger:       b.logger.With("component", "worker"),
	}), runtime.Options{
		Network: client,
		Retry: runtime.RetryPolicy{
			MaxAttempts:     b.cfg.Install.MaxAttempts,
			InitialInterval: b.cfg.Install.InitialInterval,
			MaxElapsed:      b.cfg.Install.MaxElapsed,
		},
		SkipWaiting:      b.cfg.Worker.SkipWaiting,
		WaitUntilTimeout: b.cfg.Worker.WaitUntilTimeout,
		Logger:           b.logger,
	})

	handler, err := b.buildHandler(host)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	return &Gateway{
		Server: &http.Server{
			Addr:    b.cfg.Server.Address,
			Handler: handler,
		},
		TLS:     b.cfg.Server.TLS,
		Host:    host,
		Storage: storage,
		Origin:  client,
	}, nil
}

func (b *Builder) buildStorage(ctx context.Context) (cache.Storage, error) {
	switch b.cfg.Store.Driver {
	case config.StoreMemory:
		return cache.NewMemoryStorage(b.cfg.Store.MaxEntries), nil
	case config.StoreSQLite:
		store, err := sqlite.Open(ctx, b.cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open cache store: %w", err)
		}
		return store, nil
	}
	return nil, errors.New("unknown store driver " + b.cfg.Store.Driver)
}

func (b *Builder) buildHandler(host *runtime.Host) (http.Handler, error) {
	engine := NewEngine(NewScopeDirector(b.cfg.Worker.Scope), host, b.logger.With("component", "engine"))

	appHandler := middleware.Chain(engine,
		middleware.ClientID(b.cfg.Clients.CookieName, b.cfg.Clients.IdleTimeout),
		middleware.RequestLogger(b.logger),
	)

	mux := http.NewServeMux()
	mux.Handle("/", appHandler)

	if b.cfg.Admin.Enabled {
		allow, err := middleware.AllowCIDRs(b.logger, b.cfg.Admin.AllowCIDRs)
		if err != nil {
			return nil, fmt.Errorf("invalid admin.allowCIDRs: %w", err)
		}
		admin := NewAdmin(host, b.cfg.Worker.CachePrefix, b.logger.With("component", "admin"))
		mux.Handle(AdminPrefix+"/", middleware.Chain(http.StripPrefix(AdminPrefix, admin.Router()), allow))
		mux.Handle("/metrics", middleware.Chain(metrics.Handler(), allow))
	}

	return mux, nil
}
