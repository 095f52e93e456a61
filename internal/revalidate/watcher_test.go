package revalidate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"trainshare/pkg/domain"
)

// fakeFetcher serves a mutable snapshot so tests can flip access mid-run.
type fakeFetcher struct {
	mu       sync.Mutex
	snapshot Snapshot
	err      error
	calls    atomic.Int64
}

func (f *fakeFetcher) set(snapshot Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = snapshot
	f.err = err
}

func (f *fakeFetcher) FetchSummary(context.Context) (Snapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, f.err
}

func activeSnapshot(scopes ...domain.ConsentScope) Snapshot {
	return Snapshot{Status: domain.StatusActive, Scopes: scopes}
}

type WatcherSuite struct {
	suite.Suite
	fetcher *fakeFetcher
	logger  *slog.Logger
}

func TestWatcherSuite(t *testing.T) {
	suite.Run(t, new(WatcherSuite))
}

func (s *WatcherSuite) SetupTest() {
	s.fetcher = &fakeFetcher{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

// start runs the watcher until the test ends.
func (s *WatcherSuite) start(w *Watcher) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	s.T().Cleanup(func() {
		cancel()
		<-done
	})
}

func (s *WatcherSuite) TestInitialCheckReconcilesScopes() {
	s.fetcher.set(activeSnapshot(domain.ScopeSessionsRead), nil)

	scopeChanges := make(chan []domain.ConsentScope, 4)
	w := New(s.fetcher, s.logger,
		WithInterval(time.Hour),
		WithOnScopes(func(scopes []domain.ConsentScope) { scopeChanges <- scopes }),
	)
	s.start(w)

	select {
	case scopes := <-scopeChanges:
		s.Equal([]domain.ConsentScope{domain.ScopeSessionsRead}, scopes)
	case <-time.After(2 * time.Second):
		s.Fail("initial check did not report scopes")
	}
	s.False(w.Locked())
}

func (s *WatcherSuite) TestRevocationLocksWithinOnePoll() {
	s.fetcher.set(activeSnapshot(domain.ScopeSessionsRead), nil)

	locked := make(chan struct{})
	w := New(s.fetcher, s.logger,
		WithInterval(10*time.Millisecond),
		WithOnLocked(func() { close(locked) }),
	)
	s.start(w)

	// Revoke out-of-band: the summary endpoint starts answering 404.
	s.fetcher.set(Snapshot{}, ErrNoAccess)

	select {
	case <-locked:
	case <-time.After(2 * time.Second):
		s.Fail("watcher did not lock after access was revoked")
	}
	s.True(w.Locked())
}

func (s *WatcherSuite) TestNonActiveStatusLocks() {
	s.fetcher.set(Snapshot{Status: domain.StatusRevoked}, nil)

	locked := make(chan struct{})
	w := New(s.fetcher, s.logger,
		WithInterval(time.Hour),
		WithOnLocked(func() { close(locked) }),
	)
	s.start(w)

	select {
	case <-locked:
	case <-time.After(2 * time.Second):
		s.Fail("a revoked summary should lock the view")
	}
}

func (s *WatcherSuite) TestLockIsOneWay() {
	s.fetcher.set(Snapshot{}, ErrNoAccess)

	var lockCount atomic.Int64
	w := New(s.fetcher, s.logger,
		WithInterval(10*time.Millisecond),
		WithOnLocked(func() { lockCount.Add(1) }),
	)
	s.start(w)

	s.Require().Eventually(w.Locked, 2*time.Second, 5*time.Millisecond)
	callsAtLock := s.fetcher.calls.Load()

	// Access comes back, but the locked view must not silently recover.
	s.fetcher.set(activeSnapshot(domain.ScopeSessionsRead), nil)
	w.Focus()
	time.Sleep(50 * time.Millisecond)

	s.True(w.Locked())
	s.Equal(int64(1), lockCount.Load(), "lock callback fires exactly once")
	s.Equal(callsAtLock, s.fetcher.calls.Load(), "a locked watcher stops fetching")
}

func (s *WatcherSuite) TestFocusTriggersImmediateCheck() {
	s.fetcher.set(activeSnapshot(domain.ScopeSessionsRead), nil)

	locked := make(chan struct{})
	w := New(s.fetcher, s.logger,
		// An hour between polls: only Focus can drive the second check.
		WithInterval(time.Hour),
		WithOnLocked(func() { close(locked) }),
	)
	s.start(w)

	s.Require().Eventually(func() bool { return s.fetcher.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	s.fetcher.set(Snapshot{}, ErrNoAccess)
	w.Focus()

	select {
	case <-locked:
	case <-time.After(2 * time.Second):
		s.Fail("focus did not trigger a recheck")
	}
}

func (s *WatcherSuite) TestScopeNarrowingReconciles() {
	s.fetcher.set(activeSnapshot(domain.ScopeSessionsRead, domain.ScopeProgressRead), nil)

	scopeChanges := make(chan []domain.ConsentScope, 4)
	w := New(s.fetcher, s.logger,
		WithInterval(10*time.Millisecond),
		WithOnScopes(func(scopes []domain.ConsentScope) { scopeChanges <- scopes }),
	)
	s.start(w)

	select {
	case <-scopeChanges:
	case <-time.After(2 * time.Second):
		s.Fail("initial scopes not reported")
	}

	s.fetcher.set(activeSnapshot(domain.ScopeSessionsRead), nil)

	select {
	case scopes := <-scopeChanges:
		s.Equal([]domain.ConsentScope{domain.ScopeSessionsRead}, scopes)
	case <-time.After(2 * time.Second):
		s.Fail("narrowed scopes not reported")
	}
	s.False(w.Locked(), "a scope change is not a lock")
}

func (s *WatcherSuite) TestUnchangedScopesDoNotRefire() {
	s.fetcher.set(activeSnapshot(domain.ScopeSessionsRead), nil)

	var changes atomic.Int64
	w := New(s.fetcher, s.logger,
		WithInterval(10*time.Millisecond),
		WithOnScopes(func([]domain.ConsentScope) { changes.Add(1) }),
	)
	s.start(w)

	s.Require().Eventually(func() bool { return s.fetcher.calls.Load() >= 5 }, 2*time.Second, 5*time.Millisecond)
	s.Equal(int64(1), changes.Load(), "identical polls must not re-render")
}

func (s *WatcherSuite) TestTransientErrorKeepsState() {
	s.fetcher.set(activeSnapshot(domain.ScopeSessionsRead), nil)

	w := New(s.fetcher, s.logger, WithInterval(10*time.Millisecond))
	s.start(w)

	s.Require().Eventually(func() bool { return s.fetcher.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	// A flaky network is not a revocation.
	s.fetcher.set(Snapshot{}, errors.New("connection reset"))
	time.Sleep(50 * time.Millisecond)

	s.False(w.Locked())
	s.Equal([]domain.ConsentScope{domain.ScopeSessionsRead}, w.Scopes())
}

func (s *WatcherSuite) TestRunStopsOnCancel() {
	s.fetcher.set(activeSnapshot(domain.ScopeSessionsRead), nil)

	w := New(s.fetcher, s.logger, WithInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	s.Require().Eventually(func() bool { return s.fetcher.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		s.Require().ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		s.Fail("watcher did not stop on cancel")
	}

	calls := s.fetcher.calls.Load()
	time.Sleep(50 * time.Millisecond)
	s.Equal(calls, s.fetcher.calls.Load(), "no fetches after shutdown")
}

func TestHTTPFetcher(t *testing.T) {
	t.Run("decodes an active summary", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer token123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"consent":{"status":"active","scopes":["sessions:read","made:up"],"expires_at":null}}`))
		}))
		defer srv.Close()

		f := NewHTTPFetcher(srv.Client(), srv.URL, "token123")
		snapshot, err := f.FetchSummary(context.Background())
		if err != nil {
			t.Fatalf("FetchSummary: %v", err)
		}
		if snapshot.Status != domain.StatusActive {
			t.Fatalf("status = %s, want active", snapshot.Status)
		}
		// Unknown scopes from the server are dropped.
		if len(snapshot.Scopes) != 1 || snapshot.Scopes[0] != domain.ScopeSessionsRead {
			t.Fatalf("scopes = %v", snapshot.Scopes)
		}
	})

	t.Run("not found means no access", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		f := NewHTTPFetcher(srv.Client(), srv.URL, "token123")
		_, err := f.FetchSummary(context.Background())
		if !errors.Is(err, ErrNoAccess) {
			t.Fatalf("err = %v, want ErrNoAccess", err)
		}
	})

	t.Run("server errors are transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		f := NewHTTPFetcher(srv.Client(), srv.URL, "token123")
		_, err := f.FetchSummary(context.Background())
		if err == nil || errors.Is(err, ErrNoAccess) {
			t.Fatalf("err = %v, want transient error", err)
		}
	})
}
