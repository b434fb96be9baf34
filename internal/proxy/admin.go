package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"offlinegate/internal/cache"
	"offlinegate/internal/logging"
	"offlinegate/internal/runtime"
)

// AdminPrefix is where the admin API is mounted on the public listener.
const AdminPrefix = "/-"

// Lifecycle is the part of the runtime the admin API controls.
type Lifecycle interface {
	Status() runtime.Status
	Register(ctx context.Context, version string) error
	SkipWaiting(ctx context.Context) error
}

type workerView struct {
	Version string        `json:"version"`
	State   runtime.State `json:"state"`
	Cache   string        `json:"cache"`
}

type statusView struct {
	Active  *workerView `json:"active"`
	Waiting *workerView `json:"waiting"`
	Clients int         `json:"clients"`
}

type errorView struct {
	Error string `json:"error"`
}

type Admin struct {
	lifecycle   Lifecycle
	cachePrefix string
	logger      logging.Logger
}

func NewAdmin(l Lifecycle, cachePrefix string, logger logging.Logger) *Admin {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Admin{lifecycle: l, cachePrefix: cachePrefix, logger: logger}
}

// Router serves the admin endpoints relative to AdminPrefix.
func (a *Admin) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			a.logger.Warn("write health check response", "error", err)
		}
	})
	r.Get("/worker", a.status)
	r.Post("/worker/register", a.register)
	r.Post("/worker/skip-waiting", a.skipWaiting)
	return r
}

func (a *Admin) view(st runtime.Status) statusView {
	out := statusView{Clients: st.Clients}
	if st.Active != nil {
		out.Active = &workerView{Version: st.Active.Version, State: st.Active.State, Cache: cache.Name(a.cachePrefix, st.Active.Version)}
	}
	if st.Waiting != nil {
		out.Waiting = &workerView{Version: st.Waiting.Version, State: st.Waiting.State, Cache: cache.Name(a.cachePrefix, st.Waiting.Version)}
	}
	return out
}

func (a *Admin) status(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.view(a.lifecycle.Status()))
}

func (a *Admin) register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorView{Error: "invalid JSON body"})
		return
	}
	body.Version = strings.TrimSpace(body.Version)
	if body.Version == "" || strings.ContainsAny(body.Version, " /") {
		a.writeJSON(w, http.StatusBadRequest, errorView{Error: "version must be a non-empty tag without spaces or slashes"})
		return
	}

	// The install continues if the admin client goes away.
	ctx := context.WithoutCancel(r.Context())
	if err := a.lifecycle.Register(ctx, body.Version); err != nil {
		a.logger.Error("register worker", "version", body.Version, "error", err)
		a.writeJSON(w, http.StatusBadGateway, errorView{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, a.view(a.lifecycle.Status()))
}

func (a *Admin) skipWaiting(w http.ResponseWriter, r *http.Request) {
	err := a.lifecycle.SkipWaiting(context.WithoutCancel(r.Context()))
	if errors.Is(err, runtime.ErrNoWaitingWorker) {
		a.writeJSON(w, http.StatusConflict, errorView{Error: err.Error()})
		return
	}
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, errorView{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, a.view(a.lifecycle.Status()))
}

func (a *Admin) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("encode admin response", "error", err)
	}
}
