// Package listcache keeps the most recently fetched collection of entities per
// parent scope. Snapshots are replaced wholesale by successful loads and left
// intact, flagged stale, when a load fails.
package listcache

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Fetcher retrieves the full collection of one scope from the backend.
type Fetcher[T any] interface {
	FetchList(ctx context.Context, scope string) ([]T, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc[T any] func(ctx context.Context, scope string) ([]T, error)

func (f FetchFunc[T]) FetchList(ctx context.Context, scope string) ([]T, error) {
	return f(ctx, scope)
}

// LoadFailedError wraps a transport failure for scope. The cached snapshot is
// unchanged when it is returned.
type LoadFailedError struct {
	Scope string
	Err   error
}

func (e *LoadFailedError) Error() string {
	return fmt.Sprintf("load %q: %v", e.Scope, e.Err)
}

func (e *LoadFailedError) Unwrap() error { return e.Err }

// Snapshot is a read-only copy of one scope's cached items.
type Snapshot[T any] struct {
	Scope    string    `json:"scope"`
	Items    []T       `json:"items"`
	LoadedAt time.Time `json:"loaded_at"`
	// Loaded is false until the first successful load for the scope.
	Loaded bool `json:"loaded"`
	Stale  bool `json:"stale"`
}

type Options struct {
	// Ordered drops a load result when a load issued later for the same scope
	// has already committed. Without it the last load to complete wins.
	Ordered bool
	Now     func() time.Time
}

type entry[T any] struct {
	items     []T
	loadedAt  time.Time
	loaded    bool
	stale     bool
	issued    uint64
	committed uint64
}

// Store caches collections per scope. It is safe for concurrent use.
type Store[T any] struct {
	fetcher Fetcher[T]
	opts    Options

	mu      sync.RWMutex
	entries map[string]*entry[T]
}

func New[T any](fetcher Fetcher[T], opts Options) *Store[T] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store[T]{
		fetcher: fetcher,
		opts:    opts,
		entries: make(map[string]*entry[T]),
	}
}

// entryLocked returns the entry for scope, creating it. Caller holds mu.
func (s *Store[T]) entryLocked(scope string) *entry[T] {
	e, ok := s.entries[scope]
	if !ok {
		e = &entry[T]{}
		s.entries[scope] = e
	}
	return e
}

// Load fetches scope and replaces its snapshot atomically. On failure the
// previous snapshot is kept, marked stale, and a *LoadFailedError returned.
func (s *Store[T]) Load(ctx context.Context, scope string) (Snapshot[T], error) {
	s.mu.Lock()
	pending := s.entryLocked(scope)
	pending.issued++
	seq := pending.issued
	s.mu.Unlock()

	items, err := s.fetcher.FetchList(ctx, scope)

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(scope)
	superseded := s.opts.Ordered && seq < e.committed
	if err != nil {
		if e.loaded && !superseded {
			e.stale = true
		}
		return Snapshot[T]{}, &LoadFailedError{Scope: scope, Err: err}
	}
	if superseded {
		return s.snapshotLocked(scope, e), nil
	}
	e.items = slices.Clone(items)
	e.loadedAt = s.opts.Now()
	e.loaded = true
	e.stale = false
	e.committed = seq
	return s.snapshotLocked(scope, e), nil
}

// Get returns the current snapshot of scope; it is empty when scope was never
// loaded.
func (s *Store[T]) Get(scope string) Snapshot[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[scope]
	if !ok {
		return Snapshot[T]{Scope: scope}
	}
	return s.snapshotLocked(scope, e)
}

func (s *Store[T]) snapshotLocked(scope string, e *entry[T]) Snapshot[T] {
	return Snapshot[T]{
		Scope:    scope,
		Items:    slices.Clone(e.items),
		LoadedAt: e.loadedAt,
		Loaded:   e.loaded,
		Stale:    e.stale,
	}
}

// Invalidate flags scope stale without touching its items. It reports whether
// the scope had been loaded.
func (s *Store[T]) Invalidate(scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[scope]
	if !ok || !e.loaded {
		return false
	}
	e.stale = true
	return true
}

// Scopes lists every scope that has been loaded at least once.
func (s *Store[T]) Scopes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for scope, e := range s.entries {
		if e.loaded {
			out = append(out, scope)
		}
	}
	sort.Strings(out)
	return out
}

// RefreshAll loads the given scopes concurrently, or every loaded scope when
// none are given. It returns the first failure. A failing scope does not
// cancel the others, which still commit; cancelling ctx reaches every fetch.
func (s *Store[T]) RefreshAll(ctx context.Context, scopes ...string) error {
	if len(scopes) == 0 {
		scopes = s.Scopes()
	}
	var g errgroup.Group
	for _, scope := range scopes {
		g.Go(func() error {
			_, err := s.Load(ctx, scope)
			return err
		})
	}
	return g.Wait()
}
