package listcache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invent/internal/listcache"
)

// scriptedFetcher returns queued results per scope; an optional gate blocks a
// call until released so tests can control completion order.
type scriptedFetcher struct {
	mu      sync.Mutex
	results map[string][]result
	calls   map[string]int
}

type result struct {
	items []string
	err   error
	gate  chan struct{}
}

func newScripted() *scriptedFetcher {
	return &scriptedFetcher{results: map[string][]result{}, calls: map[string]int{}}
}

func (f *scriptedFetcher) push(scope string, r result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[scope] = append(f.results[scope], r)
}

func (f *scriptedFetcher) FetchList(ctx context.Context, scope string) ([]string, error) {
	f.mu.Lock()
	queue := f.results[scope]
	idx := f.calls[scope]
	f.calls[scope]++
	f.mu.Unlock()
	if idx >= len(queue) {
		return nil, errors.New("no scripted result")
	}
	r := queue[idx]
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.items, r.err
}

func TestLoadThenGetPreservesOrder(t *testing.T) {
	f := newScripted()
	f.push("portfolio-a", result{items: []string{"X", "Y"}})
	store := listcache.New[string](f, listcache.Options{})

	snap, err := store.Load(context.Background(), "portfolio-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y"}, snap.Items)

	got := store.Get("portfolio-a")
	assert.Equal(t, []string{"X", "Y"}, got.Items)
	assert.True(t, got.Loaded)
	assert.False(t, got.Stale)
	assert.False(t, got.LoadedAt.IsZero())
}

func TestFailedLoadKeepsSnapshot(t *testing.T) {
	f := newScripted()
	boom := errors.New("backend unavailable")
	f.push("portfolio-a", result{items: []string{"X", "Y"}})
	f.push("portfolio-a", result{err: boom})
	store := listcache.New[string](f, listcache.Options{})

	_, err := store.Load(context.Background(), "portfolio-a")
	require.NoError(t, err)
	_, err = store.Load(context.Background(), "portfolio-a")
	var lf *listcache.LoadFailedError
	require.True(t, errors.As(err, &lf))
	assert.Equal(t, "portfolio-a", lf.Scope)
	assert.True(t, errors.Is(err, boom))

	got := store.Get("portfolio-a")
	assert.Equal(t, []string{"X", "Y"}, got.Items)
	assert.True(t, got.Stale)
}

func TestGetNeverLoaded(t *testing.T) {
	store := listcache.New[string](newScripted(), listcache.Options{})
	got := store.Get("nothing")
	assert.Empty(t, got.Items)
	assert.False(t, got.Loaded)
	assert.Equal(t, "nothing", got.Scope)
}

func TestFailedFirstLoadLeavesScopeEmpty(t *testing.T) {
	f := newScripted()
	f.push("a", result{err: errors.New("down")})
	store := listcache.New[string](f, listcache.Options{})
	_, err := store.Load(context.Background(), "a")
	require.Error(t, err)
	got := store.Get("a")
	assert.False(t, got.Loaded)
	assert.False(t, got.Stale)
	assert.Empty(t, store.Scopes())
}

func TestSnapshotIsACopy(t *testing.T) {
	f := newScripted()
	f.push("a", result{items: []string{"X"}})
	store := listcache.New[string](f, listcache.Options{})
	snap, err := store.Load(context.Background(), "a")
	require.NoError(t, err)
	snap.Items[0] = "mutated"
	assert.Equal(t, []string{"X"}, store.Get("a").Items)
}

func TestReloadReplacesWholesale(t *testing.T) {
	f := newScripted()
	f.push("a", result{items: []string{"X", "Y"}})
	f.push("a", result{items: []string{"Z"}})
	store := listcache.New[string](f, listcache.Options{})
	_, err := store.Load(context.Background(), "a")
	require.NoError(t, err)
	_, err = store.Load(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"Z"}, store.Get("a").Items)
}

func TestScopesDoNotShare(t *testing.T) {
	f := newScripted()
	f.push("a", result{items: []string{"A1"}})
	f.push("b", result{items: []string{"B1", "B2"}})
	store := listcache.New[string](f, listcache.Options{})
	require.NoError(t, store.RefreshAll(context.Background(), "a", "b"))
	assert.Equal(t, []string{"A1"}, store.Get("a").Items)
	assert.Equal(t, []string{"B1", "B2"}, store.Get("b").Items)
	assert.Equal(t, []string{"a", "b"}, store.Scopes())
}

func TestInvalidate(t *testing.T) {
	f := newScripted()
	f.push("a", result{items: []string{"X"}})
	store := listcache.New[string](f, listcache.Options{})
	assert.False(t, store.Invalidate("a"))
	_, err := store.Load(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, store.Invalidate("a"))
	got := store.Get("a")
	assert.True(t, got.Stale)
	assert.Equal(t, []string{"X"}, got.Items)
}

// loadOutOfOrder issues a slow load then a fast load for the same scope and
// lets the slow one complete last.
func loadOutOfOrder(t *testing.T, opts listcache.Options) []string {
	t.Helper()
	f := newScripted()
	slow := make(chan struct{})
	f.push("a", result{items: []string{"old"}, gate: slow})
	f.push("a", result{items: []string{"new"}})
	store := listcache.New[string](f, opts)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := store.Load(context.Background(), "a")
		done <- err
	}()
	<-started
	// wait until the slow call has been issued
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.calls["a"] == 1
	}, time.Second, time.Millisecond)

	_, err := store.Load(context.Background(), "a")
	require.NoError(t, err)
	close(slow)
	require.NoError(t, <-done)
	return store.Get("a").Items
}

func TestLastCompletedLoadWins(t *testing.T) {
	assert.Equal(t, []string{"old"}, loadOutOfOrder(t, listcache.Options{}))
}

func TestOrderedLoadsDropSupersededResults(t *testing.T) {
	assert.Equal(t, []string{"new"}, loadOutOfOrder(t, listcache.Options{Ordered: true}))
}

// failSupersededLoad commits a load, issues a gated load that will fail, lets a
// later load commit and only then releases the failing one.
func failSupersededLoad(t *testing.T, opts listcache.Options) listcache.Snapshot[string] {
	t.Helper()
	f := newScripted()
	gate := make(chan struct{})
	f.push("a", result{items: []string{"first"}})
	f.push("a", result{err: errors.New("timeout"), gate: gate})
	f.push("a", result{items: []string{"third"}})
	store := listcache.New[string](f, opts)
	_, err := store.Load(context.Background(), "a")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := store.Load(context.Background(), "a")
		done <- err
	}()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.calls["a"] == 2
	}, time.Second, time.Millisecond)

	_, err = store.Load(context.Background(), "a")
	require.NoError(t, err)
	close(gate)
	var lf *listcache.LoadFailedError
	require.True(t, errors.As(<-done, &lf))
	return store.Get("a")
}

func TestOrderedLoadsIgnoreSupersededFailure(t *testing.T) {
	got := failSupersededLoad(t, listcache.Options{Ordered: true})
	assert.Equal(t, []string{"third"}, got.Items)
	assert.False(t, got.Stale)
}

func TestUnorderedLateFailureMarksStale(t *testing.T) {
	got := failSupersededLoad(t, listcache.Options{})
	assert.Equal(t, []string{"third"}, got.Items)
	assert.True(t, got.Stale)
}

func TestConcurrentScopes(t *testing.T) {
	fetch := listcache.FetchFunc[string](func(_ context.Context, scope string) ([]string, error) {
		return []string{scope + "-1", scope + "-2"}, nil
	})
	store := listcache.New[string](fetch, listcache.Options{})
	scopes := []string{"a", "b", "c", "d", "e"}
	var wg sync.WaitGroup
	for _, s := range scopes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Load(context.Background(), s)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	for _, s := range scopes {
		assert.Equal(t, []string{s + "-1", s + "-2"}, store.Get(s).Items)
	}
}

func TestRefreshAllReportsFailure(t *testing.T) {
	f := newScripted()
	f.push("a", result{items: []string{"X"}})
	f.push("b", result{items: []string{"Y"}})
	f.push("a", result{items: []string{"X2"}})
	f.push("b", result{err: errors.New("down")})
	store := listcache.New[string](f, listcache.Options{})
	require.NoError(t, store.RefreshAll(context.Background(), "a", "b"))

	err := store.RefreshAll(context.Background())
	var lf *listcache.LoadFailedError
	require.True(t, errors.As(err, &lf))
	assert.Equal(t, "b", lf.Scope)
	assert.Equal(t, []string{"X2"}, store.Get("a").Items)
	assert.Equal(t, []string{"Y"}, store.Get("b").Items)
	assert.True(t, store.Get("b").Stale)
}

func TestRefreshAllFailureDoesNotCancelOthers(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]error{}
	fetch := listcache.FetchFunc[string](func(ctx context.Context, scope string) ([]string, error) {
		if scope == "b" {
			return nil, errors.New("down")
		}
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		seen[scope] = ctx.Err()
		mu.Unlock()
		return []string{scope}, nil
	})
	store := listcache.New[string](fetch, listcache.Options{})
	err := store.RefreshAll(context.Background(), "a", "b", "c")
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, store.Get("a").Items)
	assert.Equal(t, []string{"c"}, store.Get("c").Items)
	assert.NoError(t, seen["a"])
	assert.NoError(t, seen["c"])
}

func TestRefreshAllPassesCancellation(t *testing.T) {
	fetch := listcache.FetchFunc[string](func(ctx context.Context, scope string) ([]string, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []string{scope}, nil
	})
	store := listcache.New[string](fetch, listcache.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.RefreshAll(ctx, "a", "b")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, store.Get("a").Loaded)
}
