package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invent/internal/db"
	"invent/internal/domain"
	"invent/internal/events"
	"invent/internal/lifecycle"
	"invent/internal/migrate"
	"invent/internal/repo"
)

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

func persist(t *testing.T, r repo.Repo, e *domain.Entity, intent lifecycle.Intent) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, r.Persist(ctx, tx, e, intent))
	require.NoError(t, tx.Commit())
}

func draft(name, portfolio string, updated time.Time) domain.Entity {
	return domain.Entity{
		Kind:        domain.KindInitiative,
		PortfolioID: portfolio,
		State:       domain.StateDraft,
		Fields:      domain.Fields{"name": domain.Text(name), "team": domain.Set("a@example.org")},
		CreatedAt:   updated,
		UpdatedAt:   updated,
	}
}

func TestPersistAssignsIDAndRoundTrips(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e := draft("Water Points", "p1", start)
	e.Fields["startDate"] = domain.Date(time.Date(2017, 1, 29, 0, 0, 0, 0, time.UTC))
	persist(t, r, &e, lifecycle.IntentSaveDraft)
	require.NotEmpty(t, e.ID)

	got, err := r.Get(ctx, domain.KindInitiative, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Fields, got.Fields)
	assert.Equal(t, domain.StateDraft, got.State)
	assert.True(t, got.UpdatedAt.Equal(start))
	assert.Nil(t, got.PublishedAt)

	publishedAt := start.Add(time.Hour)
	got.State = domain.StatePublished
	got.Version = 1
	got.PublicID = "pub-1"
	got.Published = got.Fields.Clone()
	got.PublishedAt = &publishedAt
	got.UpdatedAt = publishedAt
	persist(t, r, &got, lifecycle.IntentPublish)

	again, err := r.Get(ctx, domain.KindInitiative, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePublished, again.State)
	assert.Equal(t, "pub-1", again.PublicID)
	assert.Equal(t, got.Fields, again.Published)
	require.NotNil(t, again.PublishedAt)
	assert.True(t, again.PublishedAt.Equal(publishedAt))
}

func TestDiscardStoresNothing(t *testing.T) {
	r := openRepo(t)
	e := draft("Cancel New Initiative", "p1", time.Now())
	e.State = domain.StateCancelled
	persist(t, r, &e, lifecycle.IntentDiscard)
	assert.Empty(t, e.ID)

	items, err := r.ListSummaries(context.Background(), domain.KindInitiative, "p1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestGetMissing(t *testing.T) {
	r := openRepo(t)
	_, err := r.Get(context.Background(), domain.KindInitiative, "nope")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestGetWrongKind(t *testing.T) {
	r := openRepo(t)
	e := draft("x", "p1", time.Now())
	persist(t, r, &e, lifecycle.IntentSaveDraft)
	_, err := r.Get(context.Background(), domain.KindSolution, e.ID)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestListSummariesScopedAndOrdered(t *testing.T) {
	r := openRepo(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	older := draft("Older", "p1", base)
	newer := draft("Newer", "p1", base.Add(time.Hour))
	other := draft("Other portfolio", "p2", base)
	cancelled := draft("Cancelled", "p1", base.Add(2*time.Hour))
	persist(t, r, &older, lifecycle.IntentSaveDraft)
	persist(t, r, &newer, lifecycle.IntentSaveDraft)
	persist(t, r, &other, lifecycle.IntentSaveDraft)
	persist(t, r, &cancelled, lifecycle.IntentSaveDraft)
	cancelled.State = domain.StateCancelled
	persist(t, r, &cancelled, lifecycle.IntentCancel)

	items, err := r.ListSummaries(context.Background(), domain.KindInitiative, "p1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Newer", items[0].Name)
	assert.Equal(t, "Older", items[1].Name)

	fetched, err := repo.ListFetcher{Repo: r, Kind: domain.KindInitiative}.FetchList(context.Background(), "p2")
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, other.ID, fetched[0].ID)
}

func TestUpdateUnknownEntity(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	e := draft("ghost", "p1", time.Now())
	e.ID = "ghost"
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	assert.True(t, errors.Is(r.Persist(ctx, tx, &e, lifecycle.IntentSaveDraft), repo.ErrNotFound))
}

func TestStale(t *testing.T) {
	r := openRepo(t)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	old := draft("Old draft", "p1", now.AddDate(0, 0, -40))
	fresh := draft("Fresh draft", "p1", now.AddDate(0, 0, -2))
	persist(t, r, &old, lifecycle.IntentSaveDraft)
	persist(t, r, &fresh, lifecycle.IntentSaveDraft)

	items, err := r.Stale(context.Background(), repo.StaleFilters{
		Kind:   domain.KindInitiative,
		State:  domain.StateDraft,
		Before: now.AddDate(0, 0, -31),
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, old.ID, items[0].ID)
}

func appendEvent(t *testing.T, conn *sql.DB, e events.Entry) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, events.Writer{}.Append(ctx, tx, e))
	require.NoError(t, tx.Commit())
}

func TestEventQueries(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)

	appendEvent(t, r.DB, events.Entry{Type: "initiative.draft_saved", EntityKind: "initiative", EntityID: "a", PortfolioID: "p1", ActorID: "tester"})
	appendEvent(t, r.DB, events.Entry{Type: "initiative.published", EntityKind: "initiative", EntityID: "a", Payload: events.Payload{"version": 1}})
	appendEvent(t, r.DB, events.Entry{Type: "solution.draft_saved", EntityKind: "solution", EntityID: "b"})

	evts, err := r.LatestEvents(ctx, repo.EventFilters{EntityKind: "initiative"})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "initiative.published", evts[0].Type)
	assert.Equal(t, "system", evts[0].ActorID)
	assert.JSONEq(t, `{"version":1}`, evts[0].Payload)
	assert.Equal(t, "p1", evts[1].PortfolioID)

	after, err := r.EventsAfter(ctx, 10, evts[1].ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "initiative.published", after[0].Type)

	latest, err = r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, after[1].ID, latest)
}
