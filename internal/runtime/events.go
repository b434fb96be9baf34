// Package runtime hosts offline worker instances. It plays the part a
// browser plays for a service worker: it dispatches install, activate and
// fetch events to the handlers a worker registers, keeps the event alive
// until work scheduled with WaitUntil has finished, tracks open clients,
// and decides when an installed version takes over.
package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
)

var ErrAlreadyResponded = errors.New("runtime: fetch event already answered")

// Extendable is embedded in every event. Work passed to WaitUntil runs on
// its own goroutine; for fetch events its context outlives the triggering
// request.
type Extendable struct {
	ctx     context.Context
	timeout time.Duration

	wg   sync.WaitGroup
	host *sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

func (e *Extendable) init(ctx context.Context, timeout time.Duration, host *sync.WaitGroup) {
	e.ctx = ctx
	e.timeout = timeout
	e.host = host
}

// WaitUntil extends the event's lifetime until fn returns.
func (e *Extendable) WaitUntil(fn func(ctx context.Context) error) {
	e.wg.Add(1)
	if e.host != nil {
		e.host.Add(1)
	}
	go func() {
		defer e.wg.Done()
		if e.host != nil {
			defer e.host.Done()
		}

		ctx := e.ctx
		if e.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}

		if err := fn(ctx); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
}

// Wait blocks until all scheduled work has finished and returns the joined
// errors of that work.
func (e *Extendable) Wait() error {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

type InstallEvent struct {
	Extendable
	Version string
}

func NewInstallEvent(ctx context.Context, version string, timeout time.Duration) *InstallEvent {
	ev := &InstallEvent{Version: version}
	ev.init(ctx, timeout, nil)
	return ev
}

type ActivateEvent struct {
	Extendable
	Version string
	Clients *Clients
}

func NewActivateEvent(ctx context.Context, version string, clients *Clients, timeout time.Duration) *ActivateEvent {
	ev := &ActivateEvent{Version: version, Clients: clients}
	ev.init(ctx, timeout, nil)
	return ev
}

// Source says where the answer to a fetch came from.
type Source string

const (
	SourceCache       Source = "hit"
	SourceNetwork     Source = "miss"
	SourcePassthrough Source = "bypass"
)

type FetchResult struct {
	Response *http.Response
	Source   Source
}

type FetchEvent struct {
	Extendable
	Request  *http.Request
	ClientID string

	mu        sync.Mutex
	responded bool
	result    FetchResult
	err       error
}

func NewFetchEvent(req *http.Request, clientID string, timeout time.Duration) *FetchEvent {
	return newFetchEvent(req, clientID, timeout, nil)
}

func newFetchEvent(req *http.Request, clientID string, timeout time.Duration, host *sync.WaitGroup) *FetchEvent {
	ev := &FetchEvent{Request: req, ClientID: clientID}
	ev.init(context.WithoutCancel(req.Context()), timeout, host)
	return ev
}

// RespondWith answers the intercepted request. Only the first answer
// counts.
func (e *FetchEvent) RespondWith(resp *http.Response, source Source) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responded {
		return ErrAlreadyResponded
	}
	e.responded = true
	e.result = FetchResult{Response: resp, Source: source}
	return nil
}

// RespondWithError answers the intercepted request with a failure the
// caller observes unchanged.
func (e *FetchEvent) RespondWithError(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responded {
		return ErrAlreadyResponded
	}
	e.responded = true
	e.err = err
	return nil
}

func (e *FetchEvent) answered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responded
}

// Outcome returns the answer given with RespondWith or RespondWithError.
func (e *FetchEvent) Outcome() (FetchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.err
}
