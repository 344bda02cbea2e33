package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"invent/internal/domain"
	"invent/internal/lifecycle"
	"invent/internal/registry"
)

// Repo is the sqlite-backed transport for entities.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const entityColumns = `id,kind,portfolio_id,state,version,public_id,fields_json,published_json,created_at,updated_at,published_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (domain.Entity, error) {
	var (
		e                                domain.Entity
		kind, state                      string
		publicID, published, publishedAt sql.NullString
		fieldsJSON, createdAt, updatedAt string
	)
	err := row.Scan(&e.ID, &kind, &e.PortfolioID, &state, &e.Version, &publicID, &fieldsJSON, &published, &createdAt, &updatedAt, &publishedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Kind = domain.Kind(kind)
	e.State = domain.State(state)
	if publicID.Valid {
		e.PublicID = publicID.String
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return e, fmt.Errorf("decode fields of %s: %w", e.ID, err)
	}
	if published.Valid && published.String != "" {
		if err := json.Unmarshal([]byte(published.String), &e.Published); err != nil {
			return e, fmt.Errorf("decode published fields of %s: %w", e.ID, err)
		}
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return e, err
	}
	if publishedAt.Valid {
		ts, err := parseTime(publishedAt.String)
		if err != nil {
			return e, err
		}
		e.PublishedAt = &ts
	}
	return e, nil
}

// Persist stores e according to the transition intent. The backend assigns
// the identifier on first persist. A discard intent stores nothing.
func (r Repo) Persist(ctx context.Context, tx *sql.Tx, e *domain.Entity, intent lifecycle.Intent) error {
	if intent == lifecycle.IntentDiscard {
		return nil
	}
	reg, err := registry.For(e.Kind)
	if err != nil {
		return err
	}
	fields, err := json.Marshal(nonNilFields(e.Fields))
	if err != nil {
		return err
	}
	var published any
	if e.Published != nil {
		b, err := json.Marshal(e.Published)
		if err != nil {
			return err
		}
		published = string(b)
	}
	var publishedAt any
	if e.PublishedAt != nil {
		publishedAt = formatTime(*e.PublishedAt)
	}
	name := reg.Title(e.Fields)

	if !e.Persisted() {
		id := uuid.NewString()
		_, err := tx.ExecContext(ctx, `INSERT INTO entities(id,kind,portfolio_id,state,version,public_id,name,fields_json,published_json,created_at,updated_at,published_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			id, string(e.Kind), e.PortfolioID, string(e.State), e.Version, nullable(e.PublicID), name, string(fields), published,
			formatTime(e.CreatedAt), formatTime(e.UpdatedAt), publishedAt)
		if err != nil {
			return err
		}
		e.ID = id
		return nil
	}
	res, err := tx.ExecContext(ctx, `UPDATE entities SET portfolio_id=?, state=?, version=?, public_id=?, name=?, fields_json=?, published_json=?, updated_at=?, published_at=? WHERE id=? AND kind=?`,
		e.PortfolioID, string(e.State), e.Version, nullable(e.PublicID), name, string(fields), published,
		formatTime(e.UpdatedAt), publishedAt, e.ID, string(e.Kind))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) Get(ctx context.Context, kind domain.Kind, id string) (domain.Entity, error) {
	return scanEntity(r.DB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=? AND kind=?`, id, string(kind)))
}

func (r Repo) GetTx(ctx context.Context, tx *sql.Tx, kind domain.Kind, id string) (domain.Entity, error) {
	return scanEntity(tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=? AND kind=?`, id, string(kind)))
}

// ListSummaries returns the live (non-cancelled) entities of one portfolio,
// most recently updated first.
func (r Repo) ListSummaries(ctx context.Context, kind domain.Kind, portfolioID string) ([]domain.Summary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,portfolio_id,name,state,version,updated_at FROM entities
WHERE kind=? AND portfolio_id=? AND state<>? ORDER BY updated_at DESC, id DESC`, string(kind), portfolioID, string(domain.StateCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Summary{}
	for rows.Next() {
		var (
			s                domain.Summary
			k, st, updatedAt string
		)
		if err := rows.Scan(&s.ID, &k, &s.PortfolioID, &s.Name, &st, &s.Version, &updatedAt); err != nil {
			return nil, err
		}
		s.Kind = domain.Kind(k)
		s.State = domain.State(st)
		if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// StaleFilters selects entities of one kind and state not updated since Before.
type StaleFilters struct {
	Kind   domain.Kind
	State  domain.State
	Before time.Time
}

func (r Repo) Stale(ctx context.Context, f StaleFilters) ([]domain.Entity, error) {
	clauses := []string{"state=?", "updated_at<?"}
	args := []any{string(f.State), formatTime(f.Before)}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(f.Kind))
	}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY updated_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListFetcher serves one kind's portfolio lists to a list cache.
type ListFetcher struct {
	Repo Repo
	Kind domain.Kind
}

func (f ListFetcher) FetchList(ctx context.Context, portfolioID string) ([]domain.Summary, error) {
	return f.Repo.ListSummaries(ctx, f.Kind, portfolioID)
}

func nonNilFields(f domain.Fields) domain.Fields {
	if f == nil {
		return domain.Fields{}
	}
	return f
}

// Timestamps are stored as fixed-width UTC strings so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
