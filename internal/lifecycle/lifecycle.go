// Package lifecycle moves initiatives and solutions between draft, published,
// unpublished and cancelled states. One Machine serves every entity kind; the
// registry it is built with decides which fields each guarded transition
// needs.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"invent/internal/domain"
	"invent/internal/registry"
	"invent/internal/validation"
)

type Event string

const (
	EventSaveDraft       Event = "save_draft"
	EventPublish         Event = "publish"
	EventPublishAsLatest Event = "publish_latest"
	EventUnpublish       Event = "unpublish"
	EventCancel          Event = "cancel"
)

var eventOrder = []Event{EventSaveDraft, EventPublish, EventPublishAsLatest, EventUnpublish, EventCancel}

func ParseEvent(s string) (Event, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, ev := range eventOrder {
		if string(ev) == normalized {
			return ev, nil
		}
	}
	return "", fmt.Errorf("unknown lifecycle event %q", s)
}

// Intent tells the caller what, if anything, must be persisted after a
// successful transition.
type Intent string

const (
	// IntentDiscard: the entity was never persisted; nothing to store.
	IntentDiscard       Intent = "discard"
	IntentSaveDraft     Intent = "save_draft"
	IntentPublish       Intent = "publish"
	IntentPublishLatest Intent = "publish_latest"
	IntentUnpublish     Intent = "unpublish"
	IntentCancel        Intent = "cancel"
)

var (
	ErrValidationFailed  = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
)

// ValidationFailedError carries every required field a guarded transition
// found empty. It is user-correctable: fill the fields and retry.
type ValidationFailedError struct {
	Kind    domain.Kind
	Event   Event
	Tier    domain.Tier
	Missing validation.Missing
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("%s %s: missing required fields: %s", e.Kind, e.Event, e.Missing)
}

func (e *ValidationFailedError) Is(target error) bool { return target == ErrValidationFailed }

// InvalidTransitionError means the event is not defined for the current state.
type InvalidTransitionError struct {
	From  domain.State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s is not allowed from %s", e.Event, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type rule struct {
	to     domain.State
	guard  domain.Tier
	intent Intent
}

var transitions = map[domain.State]map[Event]rule{
	domain.StateDraft: {
		EventSaveDraft: {to: domain.StateDraft, guard: domain.TierSaveDraft, intent: IntentSaveDraft},
		EventPublish:   {to: domain.StatePublished, guard: domain.TierPublish, intent: IntentPublish},
		EventCancel:    {to: domain.StateCancelled, intent: IntentCancel},
	},
	domain.StatePublished: {
		EventPublishAsLatest: {to: domain.StatePublished, guard: domain.TierPublish, intent: IntentPublishLatest},
		EventUnpublish:       {to: domain.StateUnpublished, intent: IntentUnpublish},
		EventCancel:          {to: domain.StateCancelled, intent: IntentCancel},
	},
	domain.StateUnpublished: {
		EventPublish: {to: domain.StatePublished, guard: domain.TierPublish, intent: IntentPublish},
		EventCancel:  {to: domain.StateCancelled, intent: IntentCancel},
	},
}

// Allowed lists the events defined for state.
func Allowed(state domain.State) []Event {
	rules := transitions[state]
	var out []Event
	for _, ev := range eventOrder {
		if _, ok := rules[ev]; ok {
			out = append(out, ev)
		}
	}
	return out
}

// Outcome describes a committed transition.
type Outcome struct {
	Event   Event        `json:"event"`
	From    domain.State `json:"from"`
	To      domain.State `json:"to"`
	Intent  Intent       `json:"intent"`
	Version int          `json:"version"`
}

// Machine applies lifecycle events to entities of one kind.
type Machine struct {
	Registry    registry.Registry
	Now         func() time.Time
	NewPublicID func() string
}

func New(reg registry.Registry) Machine {
	return Machine{
		Registry:    reg,
		Now:         time.Now,
		NewPublicID: uuid.NewString,
	}
}

// ForKind builds a machine from the registry of kind.
func ForKind(kind domain.Kind) (Machine, error) {
	reg, err := registry.For(kind)
	if err != nil {
		return Machine{}, err
	}
	return New(reg), nil
}

func (m Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m Machine) publicID() string {
	if m.NewPublicID != nil {
		return m.NewPublicID()
	}
	return uuid.NewString()
}

// Create returns a new, unsaved draft. Nothing is validated until the first
// guarded transition.
func (m Machine) Create(portfolioID string, fields domain.Fields) domain.Entity {
	now := m.now()
	f := fields.Clone()
	if f == nil {
		f = domain.Fields{}
	}
	return domain.Entity{
		Kind:        m.Registry.Kind,
		PortfolioID: portfolioID,
		State:       domain.StateDraft,
		Fields:      f,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Check validates the entity's current fields against tier.
func (m Machine) Check(e domain.Entity, tier domain.Tier) validation.Missing {
	return validation.Validate(m.Registry, e.Fields, tier)
}

// Apply performs ev on e. On success e is updated in place before Apply
// returns; on any error e is left untouched.
func (m Machine) Apply(e *domain.Entity, ev Event) (Outcome, error) {
	if e == nil {
		return Outcome{}, errors.New("entity is nil")
	}
	if e.Kind != m.Registry.Kind {
		return Outcome{}, fmt.Errorf("%s machine cannot apply %s to a %s", m.Registry.Kind, ev, e.Kind)
	}
	r, ok := transitions[e.State][ev]
	if !ok {
		return Outcome{}, &InvalidTransitionError{From: e.State, Event: ev}
	}
	if r.guard != "" {
		if missing := m.Check(*e, r.guard); !missing.Empty() {
			return Outcome{}, &ValidationFailedError{Kind: e.Kind, Event: ev, Tier: r.guard, Missing: missing}
		}
	}

	out := Outcome{Event: ev, From: e.State, To: r.to, Intent: r.intent}
	if ev == EventCancel && !e.Persisted() {
		out.Intent = IntentDiscard
	}
	now := m.now()
	e.State = r.to
	e.UpdatedAt = now
	switch r.intent {
	case IntentPublish, IntentPublishLatest:
		e.Version++
		e.Published = e.Fields.Clone()
		if e.PublicID == "" {
			e.PublicID = m.publicID()
		}
		e.PublishedAt = &now
	case IntentUnpublish:
		e.Published = nil
		e.PublicID = ""
		e.PublishedAt = nil
	}
	out.Version = e.Version
	return out, nil
}

func (m Machine) SaveDraft(e *domain.Entity) (Outcome, error) { return m.Apply(e, EventSaveDraft) }
func (m Machine) Publish(e *domain.Entity) (Outcome, error)   { return m.Apply(e, EventPublish) }
func (m Machine) Unpublish(e *domain.Entity) (Outcome, error) { return m.Apply(e, EventUnpublish) }
func (m Machine) Cancel(e *domain.Entity) (Outcome, error)    { return m.Apply(e, EventCancel) }

// PublishAsLatest re-validates a published entity and records a new version
// without leaving the published state.
func (m Machine) PublishAsLatest(e *domain.Entity) (Outcome, error) {
	return m.Apply(e, EventPublishAsLatest)
}
