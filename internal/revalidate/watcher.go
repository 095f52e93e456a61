// Package revalidate implements the client side of the revalidation
// protocol: a long-lived trainer view must keep re-deriving whether it still
// has authorization, because the client can revoke out-of-band while the view
// is open.
//
// The watcher re-fetches the client summary on a fixed interval and whenever
// the host window regains focus, coalescing overlapping triggers into a
// single in-flight request. Once a fetch shows the consent gone or
// non-active, the view locks and stays locked for the lifetime of the
// watcher, even if a later poll would have succeeded. Unlocking requires loading a
// fresh view with a fresh watcher.
package revalidate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"trainshare/pkg/domain"
)

// ErrNoAccess is returned by a SummaryFetcher when the summary endpoint
// answers not-found or forbidden, the signals that lock the view.
var ErrNoAccess = errors.New("no access to client summary")

// DefaultInterval is the poll cadence between revalidation checks.
const DefaultInterval = 30 * time.Second

// Snapshot is the consent view a summary fetch yields.
type Snapshot struct {
	Status    domain.ConsentStatus
	Scopes    []domain.ConsentScope
	ExpiresAt *time.Time
}

// SummaryFetcher retrieves the current consent snapshot for the watched
// (trainer, client) pair. Implementations: HTTP against the trainer summary
// endpoint; tests use fakes.
type SummaryFetcher interface {
	FetchSummary(ctx context.Context) (Snapshot, error)
}

// Watcher drives the revalidation loop for one open view.
type Watcher struct {
	fetcher  SummaryFetcher
	interval time.Duration
	logger   *slog.Logger

	onLocked func()
	onScopes func([]domain.ConsentScope)

	focus chan struct{}

	mu     sync.Mutex
	locked bool
	scopes []domain.ConsentScope
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOnLocked registers the lock callback, invoked exactly once.
func WithOnLocked(fn func()) Option {
	return func(w *Watcher) { w.onLocked = fn }
}

// WithOnScopes registers the scope-change callback. It receives the new
// scope set whenever an ACTIVE summary differs from the displayed one, so the
// view reconciles without a reload.
func WithOnScopes(fn func([]domain.ConsentScope)) Option {
	return func(w *Watcher) { w.onScopes = fn }
}

func New(fetcher SummaryFetcher, logger *slog.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		fetcher:  fetcher,
		interval: DefaultInterval,
		logger:   logger,
		// Buffer of one: a focus burst while a check is in flight collapses
		// into a single follow-up check.
		focus: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run performs the initial check and then loops until ctx is cancelled. The
// ticker is stopped on return so an unmounted view leaks no timers or
// authorization checks.
func (w *Watcher) Run(ctx context.Context) error {
	w.check(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.check(ctx)
		case <-w.focus:
			w.check(ctx)
		}
	}
}

// Focus signals that the host window regained foreground focus. Non-blocking;
// safe from any goroutine.
func (w *Watcher) Focus() {
	select {
	case w.focus <- struct{}{}:
	default:
	}
}

// Locked reports whether the view has transitioned to the locked state.
func (w *Watcher) Locked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.locked
}

// Scopes returns the currently displayed scope set.
func (w *Watcher) Scopes() []domain.ConsentScope {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.ConsentScope(nil), w.scopes...)
}

func (w *Watcher) check(ctx context.Context) {
	w.mu.Lock()
	if w.locked {
		// One-directional: a locked view never silently re-unlocks, even if
		// a new grant now exists. Expanded trust requires an explicit reload.
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	snapshot, err := w.fetcher.FetchSummary(ctx)
	switch {
	case err == nil && snapshot.Status == domain.StatusActive:
		w.reconcile(snapshot.Scopes)
	case errors.Is(err, ErrNoAccess), err == nil:
		// Gone, forbidden, or present but revoked/expired: lock.
		w.lock()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// View is going away; Run's select will observe ctx.Done.
	default:
		// Transient fetch failure is not a revocation signal; keep the
		// current state and let the next trigger retry.
		w.logger.WarnContext(ctx, "revalidation fetch failed", "error", err.Error())
	}
}

func (w *Watcher) lock() {
	w.mu.Lock()
	if w.locked {
		w.mu.Unlock()
		return
	}
	w.locked = true
	fn := w.onLocked
	w.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (w *Watcher) reconcile(scopes []domain.ConsentScope) {
	w.mu.Lock()
	if domain.ScopesEqual(w.scopes, scopes) && w.scopes != nil {
		w.mu.Unlock()
		return
	}
	w.scopes = append([]domain.ConsentScope(nil), scopes...)
	fn := w.onScopes
	w.mu.Unlock()

	if fn != nil {
		fn(append([]domain.ConsentScope(nil), scopes...))
	}
}
