package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"offlinegate/internal/logging"
	"offlinegate/internal/metrics"
	"offlinegate/internal/upstream"
)

type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var ErrNoWaitingWorker = errors.New("runtime: no worker is waiting")

// Script is one worker instance for one version tag. A fresh Script is
// built for every install attempt.
type Script interface {
	Version() string
	State() State
	Register(d *Dispatcher)
	// Resume reports whether the version's shell is already stored, in
	// which case the instance is installed without an install event.
	Resume(ctx context.Context) (bool, error)
	// Retire marks the instance redundant after a failed install or once
	// a newer version has taken over.
	Retire()
}

type ScriptFactory func(version string) (Script, error)

// RetryPolicy bounds how often a failing install is retried.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

type Options struct {
	Network          upstream.Fetcher
	Clients          *Clients
	Retry            RetryPolicy
	SkipWaiting      bool
	WaitUntilTimeout time.Duration
	Logger           logging.Logger
}

type instance struct {
	script     Script
	dispatcher *Dispatcher
}

func (i *instance) status() *InstanceStatus {
	if i == nil {
		return nil
	}
	return &InstanceStatus{Version: i.script.Version(), State: i.script.State()}
}

type InstanceStatus struct {
	Version string `json:"version"`
	State   State  `json:"state"`
}

type Status struct {
	Active  *InstanceStatus `json:"active,omitempty"`
	Waiting *InstanceStatus `json:"waiting,omitempty"`
	Clients int             `json:"clients"`
}

type Host struct {
	factory          ScriptFactory
	network          upstream.Fetcher
	clients          *Clients
	retry            RetryPolicy
	skipWaiting      bool
	waitUntilTimeout time.Duration
	logger           logging.Logger

	regMu sync.Mutex

	mu      sync.Mutex
	active  *instance
	waiting *instance

	pending sync.WaitGroup
}

func NewHost(factory ScriptFactory, opts Options) *Host {
	if opts.Clients == nil {
		opts.Clients = NewClients()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop{}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry.MaxAttempts = 1
	}
	return &Host{
		factory:          factory,
		network:          opts.Network,
		clients:          opts.Clients,
		retry:            opts.Retry,
		skipWaiting:      opts.SkipWaiting,
		waitUntilTimeout: opts.WaitUntilTimeout,
		logger:           opts.Logger.With("component", "runtime"),
	}
}

func (h *Host) Clients() *Clients {
	return h.clients
}

// Register installs version and, once installed, promotes it when nothing
// holds it back. Failed installs are retried under the host's policy;
// while they fail, the currently active version keeps serving.
func (h *Host) Register(ctx context.Context, version string) error {
	h.regMu.Lock()
	defer h.regMu.Unlock()

	h.mu.Lock()
	same := (h.active != nil && h.active.script.Version() == version) ||
		(h.waiting != nil && h.waiting.script.Version() == version)
	h.mu.Unlock()
	if same {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	if h.retry.InitialInterval > 0 {
		b.InitialInterval = h.retry.InitialInterval
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(h.retry.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			h.logger.Warn("worker install failed, retrying",
				"version", version,
				"error", err,
				"retry_in", next.String(),
			)
		}),
	}
	if h.retry.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(h.retry.MaxElapsed))
	}

	inst, err := backoff.Retry(ctx, func() (*instance, error) {
		return h.install(ctx, version)
	}, opts...)
	if err != nil {
		h.logger.Error("worker install gave up", "version", version, "error", err)
		return fmt.Errorf("register %s: %w", version, err)
	}

	h.mu.Lock()
	if h.waiting != nil {
		h.waiting.script.Retire()
	}
	h.waiting = inst
	h.mu.Unlock()
	h.logger.Info("worker waiting", "version", version)

	return h.promoteIfReady(ctx)
}

func (h *Host) install(ctx context.Context, version string) (*instance, error) {
	script, err := h.factory(version)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build worker %s: %w", version, err))
	}
	inst := &instance{script: script, dispatcher: NewDispatcher()}
	script.Register(inst.dispatcher)

	resumed, err := script.Resume(ctx)
	if err != nil {
		h.logger.Warn("resume check failed, installing", "version", version, "error", err)
	}
	if resumed {
		metrics.IncInstall(version, "resumed")
		h.logger.Info("worker resumed from stored shell", "version", version)
		return inst, nil
	}

	ev := NewInstallEvent(ctx, version, h.waitUntilTimeout)
	if err := inst.dispatcher.DispatchInstall(ev); err != nil {
		script.Retire()
		metrics.IncInstall(version, "failed")
		return nil, err
	}
	metrics.IncInstall(version, "installed")
	h.logger.Info("worker installed", "version", version)
	return inst, nil
}

// SkipWaiting promotes the waiting worker regardless of open clients.
func (h *Host) SkipWaiting(ctx context.Context) error {
	return h.promote(ctx)
}

func (h *Host) promoteIfReady(ctx context.Context) error {
	h.mu.Lock()
	if h.waiting == nil {
		h.mu.Unlock()
		return nil
	}
	ready := h.active == nil || h.skipWaiting ||
		h.clients.ControlledBy(h.active.script.Version()) == 0
	h.mu.Unlock()

	if !ready {
		return nil
	}
	if err := h.promote(ctx); err != nil && !errors.Is(err, ErrNoWaitingWorker) {
		return err
	}
	return nil
}

func (h *Host) promote(ctx context.Context) error {
	h.mu.Lock()
	next := h.waiting
	if next == nil {
		h.mu.Unlock()
		return ErrNoWaitingWorker
	}
	prev := h.active
	h.waiting = nil
	h.active = next
	h.mu.Unlock()

	version := next.script.Version()
	ev := NewActivateEvent(ctx, version, h.clients, h.waitUntilTimeout)
	if err := next.dispatcher.DispatchActivate(ev); err != nil {
		// A failing activate handler does not stop the version from
		// becoming active.
		h.logger.Error("worker activate handler failed", "version", version, "error", err)
	}

	if prev != nil {
		prev.script.Retire()
		metrics.SetActiveVersion(prev.script.Version(), false)
	}
	metrics.SetActiveVersion(version, true)
	h.logger.Info("worker active", "version", version, "clients", h.clients.Len())
	return nil
}

// Fetch dispatches req to the active worker. Requests are sent to the
// network untouched when no worker is active or no handler answers.
func (h *Host) Fetch(req *http.Request, clientID string) (FetchResult, error) {
	h.mu.Lock()
	inst := h.active
	h.mu.Unlock()

	controller := ""
	if inst != nil {
		controller = inst.script.Version()
	}
	if clientID != "" {
		h.clients.Touch(clientID, controller)
	}

	if inst != nil && inst.dispatcher.Handles(EventFetch) {
		ev := newFetchEvent(req, clientID, h.waitUntilTimeout, &h.pending)
		if inst.dispatcher.DispatchFetch(ev) {
			return ev.Outcome()
		}
	}
	return h.Passthrough(req)
}

// Passthrough sends req to the network without involving any worker.
func (h *Host) Passthrough(req *http.Request) (FetchResult, error) {
	resp, err := h.network.Fetch(req.Context(), req)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{Response: resp, Source: SourcePassthrough}, nil
}

// Drain waits for work extended by fetch events, or for ctx to end.
func (h *Host) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run forgets idle clients every interval until ctx ends. Losing the last
// client of the active version lets a waiting version take over.
func (h *Host) Run(ctx context.Context, idle, interval time.Duration) {
	if interval <= 0 {
		interval = idle / 2
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.clients.Expire(idle); n > 0 {
				h.logger.Debug("idle clients expired", "count", n)
				if err := h.promoteIfReady(ctx); err != nil {
					h.logger.Error("promote waiting worker", "error", err)
				}
			}
		}
	}
}

func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Active:  h.active.status(),
		Waiting: h.waiting.status(),
		Clients: h.clients.Len(),
	}
}

func (h *Host) ActiveVersion() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return ""
	}
	return h.active.script.Version()
}
