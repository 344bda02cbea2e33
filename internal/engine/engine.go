package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"invent/internal/config"
	"invent/internal/domain"
	"invent/internal/events"
	"invent/internal/lifecycle"
	"invent/internal/listcache"
	"invent/internal/notify"
	"invent/internal/registry"
	"invent/internal/repo"
)

// ErrInvalidInput marks requests that are malformed independently of the
// entity's state.
var ErrInvalidInput = errors.New("invalid input")

// Notifier broadcasts list invalidations to other processes.
type Notifier interface {
	Publish(ctx context.Context, n notify.Notice) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Machines map[domain.Kind]lifecycle.Machine
	Caches   map[domain.Kind]*listcache.Store[domain.Summary]
	Notifier Notifier
	// Origin tags notices published by this process.
	Origin string
	Logger *slog.Logger
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{},
		Machines: make(map[domain.Kind]lifecycle.Machine),
		Caches:   make(map[domain.Kind]*listcache.Store[domain.Summary]),
		Origin:   uuid.NewString(),
		Config:   cfg,
		Now:      time.Now,
	}
	for _, kind := range domain.Kinds() {
		m, err := lifecycle.ForKind(kind)
		if err != nil {
			panic(err)
		}
		e.Machines[kind] = m
		e.Caches[kind] = listcache.New[domain.Summary](repo.ListFetcher{Repo: r, Kind: kind}, listcache.Options{
			Ordered: cfg.Cache.OrderedLoads,
		})
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) machine(kind domain.Kind) (lifecycle.Machine, error) {
	m, ok := e.Machines[kind]
	if !ok {
		return lifecycle.Machine{}, fmt.Errorf("%w: unknown entity kind %q", ErrInvalidInput, kind)
	}
	m.Now = e.now
	return m, nil
}

func (e Engine) cache(kind domain.Kind) (*listcache.Store[domain.Summary], error) {
	c, ok := e.Caches[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown entity kind %q", ErrInvalidInput, kind)
	}
	return c, nil
}

// Draft builds a new, unsaved entity. Fields are checked against the registry
// but no tier is enforced.
func (e Engine) Draft(kind domain.Kind, portfolioID string, fields domain.Fields) (domain.Entity, error) {
	m, err := e.machine(kind)
	if err != nil {
		return domain.Entity{}, err
	}
	if portfolioID == "" {
		return domain.Entity{}, fmt.Errorf("%w: portfolio is required", ErrInvalidInput)
	}
	if err := m.Registry.Conform(fields); err != nil {
		return domain.Entity{}, err
	}
	return m.Create(portfolioID, domain.Fields{}.Merge(fields)), nil
}

// TransitionOptions are parameters for applying a lifecycle event. An empty ID
// starts a new entity in PortfolioID.
type TransitionOptions struct {
	Kind        domain.Kind
	ID          string
	PortfolioID string
	Event       lifecycle.Event
	// Fields is merged into the entity before the event is applied; a zero
	// value clears a field.
	Fields  domain.Fields
	ActorID string
}

type Result struct {
	Entity  domain.Entity     `json:"entity"`
	Outcome lifecycle.Outcome `json:"outcome"`
}

// Transition applies an event and persists the outcome together with its
// audit event. On success the affected list is reloaded and other processes
// are notified.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (Result, error) {
	m, err := e.machine(opts.Kind)
	if err != nil {
		return Result{}, err
	}
	if err := m.Registry.Conform(opts.Fields); err != nil {
		return Result{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	var ent domain.Entity
	if opts.ID == "" {
		ent, err = e.Draft(opts.Kind, opts.PortfolioID, opts.Fields)
		if err != nil {
			return Result{}, err
		}
	} else {
		ent, err = e.Repo.GetTx(ctx, tx, opts.Kind, opts.ID)
		if err != nil {
			return Result{}, fmt.Errorf("%s %s: %w", opts.Kind, opts.ID, err)
		}
		ent.Fields = ent.Fields.Merge(opts.Fields)
	}
	if !m.Registry.InScope(ent.Fields, ent.PortfolioID) {
		return Result{}, fmt.Errorf("%w: %s %s must include portfolio %q",
			ErrInvalidInput, opts.Kind, m.Registry.ScopeField, ent.PortfolioID)
	}
	created := !ent.Persisted()

	out, err := m.Apply(&ent, opts.Event)
	if err != nil {
		return Result{}, err
	}
	if out.Intent == lifecycle.IntentDiscard {
		e.log().Debug("discarded unsaved entity", "kind", opts.Kind, "portfolio", ent.PortfolioID)
		return Result{Entity: ent, Outcome: out}, nil
	}

	if err := e.Repo.Persist(ctx, tx, &ent, out.Intent); err != nil {
		return Result{}, fmt.Errorf("persist %s: %w", opts.Kind, err)
	}
	payload := events.Payload{
		"from":    string(out.From),
		"to":      string(out.To),
		"version": out.Version,
	}
	if created {
		payload["created"] = true
	}
	if ent.PublicID != "" {
		payload["public_id"] = ent.PublicID
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	if err := w.Append(ctx, tx, events.Entry{
		Type:        EventType(opts.Kind, out.Intent),
		EntityKind:  string(opts.Kind),
		EntityID:    ent.ID,
		PortfolioID: ent.PortfolioID,
		ActorID:     opts.ActorID,
		Payload:     payload,
	}); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	e.log().Info("entity transitioned",
		"kind", opts.Kind, "id", ent.ID, "event", out.Event,
		"from", out.From, "to", out.To, "version", out.Version)

	e.refresh(ctx, opts.Kind, ent.PortfolioID)
	e.announce(ctx, opts.Kind, ent.PortfolioID)
	return Result{Entity: ent, Outcome: out}, nil
}

// EventType names the audit event recorded for an intent.
func EventType(kind domain.Kind, intent lifecycle.Intent) string {
	var verb string
	switch intent {
	case lifecycle.IntentSaveDraft:
		verb = "draft_saved"
	case lifecycle.IntentPublish:
		verb = "published"
	case lifecycle.IntentPublishLatest:
		verb = "published_latest"
	case lifecycle.IntentUnpublish:
		verb = "unpublished"
	case lifecycle.IntentCancel:
		verb = "cancelled"
	default:
		verb = string(intent)
	}
	return string(kind) + "." + verb
}

// refresh reloads the scope's list. A failure leaves the cached list stale.
func (e Engine) refresh(ctx context.Context, kind domain.Kind, portfolioID string) {
	c, ok := e.Caches[kind]
	if !ok {
		return
	}
	if _, err := c.Load(ctx, portfolioID); err != nil {
		e.log().Warn("list refresh failed", "kind", kind, "portfolio", portfolioID, "err", err)
	}
}

func (e Engine) announce(ctx context.Context, kind domain.Kind, portfolioID string) {
	if e.Notifier == nil {
		return
	}
	n := notify.Notice{Kind: kind, PortfolioID: portfolioID, Origin: e.Origin}
	if err := e.Notifier.Publish(ctx, n); err != nil {
		e.log().Warn("publish list notice failed", "kind", kind, "portfolio", portfolioID, "err", err)
	}
}

func (e Engine) Get(ctx context.Context, kind domain.Kind, id string) (domain.Entity, error) {
	if _, err := e.machine(kind); err != nil {
		return domain.Entity{}, err
	}
	ent, err := e.Repo.Get(ctx, kind, id)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("%s %s: %w", kind, id, err)
	}
	return ent, nil
}

// List returns the cached list of one portfolio, loading it first when it was
// never loaded or refresh is set. When the load fails the returned snapshot is
// whatever was cached before, flagged stale, alongside the error.
func (e Engine) List(ctx context.Context, kind domain.Kind, portfolioID string, refresh bool) (listcache.Snapshot[domain.Summary], error) {
	c, err := e.cache(kind)
	if err != nil {
		return listcache.Snapshot[domain.Summary]{}, err
	}
	if portfolioID == "" {
		return listcache.Snapshot[domain.Summary]{}, fmt.Errorf("%w: portfolio is required", ErrInvalidInput)
	}
	if !refresh && c.Get(portfolioID).Loaded {
		return c.Get(portfolioID), nil
	}
	snap, err := c.Load(ctx, portfolioID)
	if err != nil {
		return c.Get(portfolioID), err
	}
	return snap, nil
}

// HandleNotice reloads a list another process reported as changed. Scopes
// this process never loaded are ignored.
func (e Engine) HandleNotice(ctx context.Context, n notify.Notice) {
	if n.Origin != "" && n.Origin == e.Origin {
		return
	}
	c, ok := e.Caches[n.Kind]
	if !ok {
		e.log().Warn("notice for unknown kind", "kind", n.Kind)
		return
	}
	if !c.Invalidate(n.PortfolioID) {
		return
	}
	e.refresh(ctx, n.Kind, n.PortfolioID)
}

// FollowNotices handles notices from sub until ctx ends or sub is closed.
func (e Engine) FollowNotices(ctx context.Context, sub *notify.Subscription) {
	notify.Follow(ctx, sub, e.HandleNotice, func(err error) {
		e.log().Warn("list notice dropped", "err", err)
	})
}

// Reminder flags an entity whose team should revisit it.
type Reminder struct {
	Kind        domain.Kind  `json:"kind"`
	EntityID    string       `json:"entity_id"`
	PortfolioID string       `json:"portfolio_id"`
	Name        string       `json:"name"`
	State       domain.State `json:"state"`
	Reason      string       `json:"reason" enum:"draft_stale,published_stale"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Team        []string     `json:"team"`
}

const (
	ReasonDraftStale     = "draft_stale"
	ReasonPublishedStale = "published_stale"
)

// Reminders lists drafts and published entities left untouched longer than
// the configured thresholds.
func (e Engine) Reminders(ctx context.Context) ([]Reminder, error) {
	draftAfter := e.Config.Reminders.DraftAfter.Std()
	if draftAfter <= 0 {
		draftAfter = config.DefaultDraftAfter
	}
	publishedAfter := e.Config.Reminders.PublishedAfter.Std()
	if publishedAfter <= 0 {
		publishedAfter = config.DefaultPublishedAfter
	}
	now := e.now()
	checks := []struct {
		state  domain.State
		after  time.Duration
		reason string
	}{
		{domain.StateDraft, draftAfter, ReasonDraftStale},
		{domain.StatePublished, publishedAfter, ReasonPublishedStale},
	}
	res := []Reminder{}
	for _, kind := range domain.Kinds() {
		reg, err := registry.For(kind)
		if err != nil {
			return nil, err
		}
		for _, c := range checks {
			stale, err := e.Repo.Stale(ctx, repo.StaleFilters{Kind: kind, State: c.state, Before: now.Add(-c.after)})
			if err != nil {
				return nil, fmt.Errorf("stale %s %s: %w", kind, c.state, err)
			}
			for _, ent := range stale {
				team := reg.Team(ent.Fields)
				if team == nil {
					team = []string{}
				}
				res = append(res, Reminder{
					Kind:        kind,
					EntityID:    ent.ID,
					PortfolioID: ent.PortfolioID,
					Name:        reg.Title(ent.Fields),
					State:       ent.State,
					Reason:      c.reason,
					UpdatedAt:   ent.UpdatedAt,
					Team:        team,
				})
			}
		}
	}
	return res, nil
}
