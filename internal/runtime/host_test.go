package runtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeNetwork struct {
	calls atomic.Int32
	err   error
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	if n.err != nil {
		return nil, n.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("network")),
	}, nil
}

type fakeScript struct {
	version    string
	installErr error
	resume     bool
	onFetch    func(*FetchEvent)

	mu       sync.Mutex
	state    State
	installs int
	claimed  int
}

func (s *fakeScript) Version() string { return s.version }

func (s *fakeScript) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeScript) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *fakeScript) Register(d *Dispatcher) {
	d.OnInstall(func(ev *InstallEvent) {
		s.setState(StateInstalling)
		ev.WaitUntil(func(ctx context.Context) error {
			s.mu.Lock()
			s.installs++
			s.mu.Unlock()
			if s.installErr != nil {
				return s.installErr
			}
			s.setState(StateInstalled)
			return nil
		})
	})
	d.OnActivate(func(ev *ActivateEvent) {
		s.setState(StateActivating)
		s.mu.Lock()
		s.claimed = ev.Clients.Claim(s.version)
		s.mu.Unlock()
		s.setState(StateActivated)
	})
	if s.onFetch != nil {
		d.OnFetch(s.onFetch)
	}
}

func (s *fakeScript) Resume(ctx context.Context) (bool, error) {
	if s.resume {
		s.setState(StateInstalled)
	}
	return s.resume, nil
}

func (s *fakeScript) Retire() { s.setState(StateRedundant) }

// scripts hands out pre-built scripts per version, in order.
type scripts struct {
	mu    sync.Mutex
	queue map[string][]*fakeScript
	built []*fakeScript
}

func (s *scripts) add(sc ...*fakeScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		s.queue = make(map[string][]*fakeScript)
	}
	for _, x := range sc {
		s.queue[x.version] = append(s.queue[x.version], x)
	}
}

func (s *scripts) factory(version string) (Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue[version]
	if len(q) == 0 {
		return nil, errors.New("no script for " + version)
	}
	sc := q[0]
	if len(q) > 1 {
		s.queue[version] = q[1:]
	}
	s.built = append(s.built, sc)
	return sc, nil
}

func newTestHost(s *scripts, net *fakeNetwork, opts Options) *Host {
	opts.Network = net
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = RetryPolicy{MaxAttempts: 1, InitialInterval: time.Millisecond}
	}
	return NewHost(s.factory, opts)
}

func TestRegisterInstallsAndActivates(t *testing.T) {
	s := &scripts{}
	v1 := &fakeScript{version: "v1"}
	s.add(v1)
	h := newTestHost(s, &fakeNetwork{}, Options{})

	require.NoError(t, h.Register(context.Background(), "v1"))

	st := h.Status()
	require.NotNil(t, st.Active)
	require.Equal(t, "v1", st.Active.Version)
	require.Equal(t, StateActivated, st.Active.State)
	require.Nil(t, st.Waiting)
	require.Equal(t, "v1", h.ActiveVersion())

	// Registering the active version again is a no-op.
	require.NoError(t, h.Register(context.Background(), "v1"))
	require.Equal(t, 1, v1.installs)
}

func TestRegisterRetriesFailedInstall(t *testing.T) {
	s := &scripts{}
	boom := errors.New("manifest fetch failed")
	s.add(
		&fakeScript{version: "v1", installErr: boom},
		&fakeScript{version: "v1", installErr: boom},
		&fakeScript{version: "v1"},
	)
	h := newTestHost(s, &fakeNetwork{}, Options{
		Retry: RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond},
	})

	require.NoError(t, h.Register(context.Background(), "v1"))
	require.Len(t, s.built, 3)
	require.Equal(t, StateRedundant, s.built[0].State())
	require.Equal(t, StateRedundant, s.built[1].State())
	require.Equal(t, StateActivated, s.built[2].State())
}

func TestFailedInstallKeepsPreviousVersion(t *testing.T) {
	s := &scripts{}
	v1 := &fakeScript{version: "v1"}
	s.add(v1, &fakeScript{version: "v2", installErr: errors.New("offline")})
	h := newTestHost(s, &fakeNetwork{}, Options{})

	require.NoError(t, h.Register(context.Background(), "v1"))
	err := h.Register(context.Background(), "v2")
	require.Error(t, err)
	require.Contains(t, err.Error(), "offline")

	st := h.Status()
	require.Equal(t, "v1", st.Active.Version)
	require.Equal(t, StateActivated, v1.State())
	require.Nil(t, st.Waiting)
}

func TestFactoryErrorIsNotRetried(t *testing.T) {
	s := &scripts{}
	h := newTestHost(s, &fakeNetwork{}, Options{
		Retry: RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond},
	})

	err := h.Register(context.Background(), "v9")
	require.Error(t, err)
	require.Empty(t, s.built)
	require.Empty(t, h.ActiveVersion())
}

func TestNewVersionWaitsForClients(t *testing.T) {
	s := &scripts{}
	v1 := &fakeScript{version: "v1"}
	v2 := &fakeScript{version: "v2"}
	s.add(v1, v2)
	net := &fakeNetwork{}
	h := newTestHost(s, net, Options{})
	ctx := context.Background()

	require.NoError(t, h.Register(ctx, "v1"))

	_, err := h.Fetch(httptest.NewRequest(http.MethodGet, "/", nil), "client-a")
	require.NoError(t, err)
	require.Equal(t, 1, h.Clients().ControlledBy("v1"))

	require.NoError(t, h.Register(ctx, "v2"))
	st := h.Status()
	require.Equal(t, "v1", st.Active.Version)
	require.NotNil(t, st.Waiting)
	require.Equal(t, "v2", st.Waiting.Version)
	require.Equal(t, StateInstalled, v2.State())

	require.NoError(t, h.SkipWaiting(ctx))
	st = h.Status()
	require.Equal(t, "v2", st.Active.Version)
	require.Nil(t, st.Waiting)
	require.Equal(t, StateRedundant, v1.State())
	require.Equal(t, 1, v2.claimed, "activation claims open clients")
	require.Equal(t, 1, h.Clients().ControlledBy("v2"))

	require.ErrorIs(t, h.SkipWaiting(ctx), ErrNoWaitingWorker)
}

func TestSkipWaitingOption(t *testing.T) {
	s := &scripts{}
	s.add(&fakeScript{version: "v1"}, &fakeScript{version: "v2"})
	h := newTestHost(s, &fakeNetwork{}, Options{SkipWaiting: true})
	ctx := context.Background()

	require.NoError(t, h.Register(ctx, "v1"))
	h.Clients().Touch("client-a", "v1")
	require.NoError(t, h.Register(ctx, "v2"))
	require.Equal(t, "v2", h.ActiveVersion())
}

func TestIdleClientsReleaseWaitingVersion(t *testing.T) {
	s := &scripts{}
	s.add(&fakeScript{version: "v1"}, &fakeScript{version: "v2"})
	h := newTestHost(s, &fakeNetwork{}, Options{})
	ctx := context.Background()

	now := time.Now()
	h.Clients().now = func() time.Time { return now }

	require.NoError(t, h.Register(ctx, "v1"))
	h.Clients().Touch("client-a", "v1")
	require.NoError(t, h.Register(ctx, "v2"))
	require.Equal(t, "v1", h.ActiveVersion())

	now = now.Add(time.Hour)
	require.Equal(t, 1, h.Clients().Expire(time.Minute))
	require.NoError(t, h.promoteIfReady(ctx))
	require.Equal(t, "v2", h.ActiveVersion())
}

func TestResumeSkipsInstall(t *testing.T) {
	s := &scripts{}
	v1 := &fakeScript{version: "v1", resume: true}
	s.add(v1)
	h := newTestHost(s, &fakeNetwork{}, Options{})

	require.NoError(t, h.Register(context.Background(), "v1"))
	require.Equal(t, 0, v1.installs)
	require.Equal(t, StateActivated, v1.State())
}

func TestFetchPassthroughWithoutActiveWorker(t *testing.T) {
	net := &fakeNetwork{}
	h := newTestHost(&scripts{}, net, Options{})

	res, err := h.Fetch(httptest.NewRequest(http.MethodGet, "/", nil), "")
	require.NoError(t, err)
	require.Equal(t, SourcePassthrough, res.Source)
	body, _ := io.ReadAll(res.Response.Body)
	require.Equal(t, "network", string(body))
	require.EqualValues(t, 1, net.calls.Load())
}

func TestFetchAnsweredByHandler(t *testing.T) {
	s := &scripts{}
	s.add(&fakeScript{version: "v1", onFetch: func(ev *FetchEvent) {
		if ev.Request.Method != http.MethodGet {
			return
		}
		_ = ev.RespondWith(&http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("cached")),
		}, SourceCache)
		require.ErrorIs(t, ev.RespondWith(nil, SourceNetwork), ErrAlreadyResponded)
	}})
	net := &fakeNetwork{}
	h := newTestHost(s, net, Options{})
	require.NoError(t, h.Register(context.Background(), "v1"))

	res, err := h.Fetch(httptest.NewRequest(http.MethodGet, "/", nil), "c")
	require.NoError(t, err)
	require.Equal(t, SourceCache, res.Source)
	require.EqualValues(t, 0, net.calls.Load())

	res, err = h.Fetch(httptest.NewRequest(http.MethodPost, "/projects", nil), "c")
	require.NoError(t, err)
	require.Equal(t, SourcePassthrough, res.Source)
	require.EqualValues(t, 1, net.calls.Load())
}

func TestFetchErrorSurfaces(t *testing.T) {
	offline := errors.New("dial tcp: no such host")
	s := &scripts{}
	s.add(&fakeScript{version: "v1", onFetch: func(ev *FetchEvent) {
		_ = ev.RespondWithError(offline)
	}})
	h := newTestHost(s, &fakeNetwork{}, Options{})
	require.NoError(t, h.Register(context.Background(), "v1"))

	_, err := h.Fetch(httptest.NewRequest(http.MethodGet, "/", nil), "")
	require.ErrorIs(t, err, offline)
}

func TestDrainWaitsForExtendedWork(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool
	s := &scripts{}
	s.add(&fakeScript{version: "v1", onFetch: func(ev *FetchEvent) {
		_ = ev.RespondWith(&http.Response{StatusCode: 200, Header: http.Header{}, Body: http.NoBody}, SourceCache)
		ev.WaitUntil(func(ctx context.Context) error {
			<-release
			finished.Store(true)
			return nil
		})
	}})
	h := newTestHost(s, &fakeNetwork{}, Options{})
	require.NoError(t, h.Register(context.Background(), "v1"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	reqCtx, cancel := context.WithCancel(req.Context())
	_, err := h.Fetch(req.WithContext(reqCtx), "")
	require.NoError(t, err)
	cancel()

	short, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	require.ErrorIs(t, h.Drain(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, h.Drain(context.Background()))
	require.True(t, finished.Load())
}

func TestWaitUntilContextOutlivesRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx, cancel := context.WithCancel(req.Context())
	ev := NewFetchEvent(req.WithContext(ctx), "", time.Second)
	cancel()

	var ctxErr error
	ev.WaitUntil(func(ctx context.Context) error {
		ctxErr = ctx.Err()
		return errors.New("write failed")
	})
	err := ev.Wait()
	require.NoError(t, ctxErr)
	require.EqualError(t, err, "write failed")
}
