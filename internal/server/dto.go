package server

import (
	"encoding/json"
	"time"

	"invent/internal/domain"
	"invent/internal/engine"
	"invent/internal/lifecycle"
	"invent/internal/listcache"
	"invent/internal/registry"
)

// Request payloads

type CreateEntityRequest struct {
	PortfolioID string        `json:"portfolio_id"`
	Event       string        `json:"event,omitempty" enum:"save_draft,publish,cancel"`
	Fields      domain.Fields `json:"fields,omitempty"`
}

type TransitionRequest struct {
	Event  string        `json:"event" enum:"save_draft,publish,publish_latest,unpublish,cancel"`
	Fields domain.Fields `json:"fields,omitempty"`
}

// Responses

type RegistryResponse struct {
	Kind       domain.Kind              `json:"kind"`
	TitleField string                   `json:"title_field"`
	TeamField  string                   `json:"team_field,omitempty"`
	Fields     []domain.FieldDescriptor `json:"fields"`
}

type EntityResponse struct {
	domain.Entity
	// Allowed lists the events defined for the entity's current state.
	Allowed []lifecycle.Event `json:"allowed"`
}

type TransitionResponse struct {
	Entity  EntityResponse    `json:"entity"`
	Outcome lifecycle.Outcome `json:"outcome"`
}

type ListResponse struct {
	Kind        domain.Kind      `json:"kind"`
	PortfolioID string           `json:"portfolio_id"`
	Items       []domain.Summary `json:"items"`
	LoadedAt    time.Time        `json:"loaded_at"`
	Stale       bool             `json:"stale"`
}

type RemindersResponse struct {
	Items []engine.Reminder `json:"items"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	PortfolioID string         `json:"portfolio_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func registryResponse(reg registry.Registry) RegistryResponse {
	return RegistryResponse{
		Kind:       reg.Kind,
		TitleField: reg.TitleField,
		TeamField:  reg.TeamField,
		Fields:     reg.Fields(),
	}
}

func entityResponse(e domain.Entity) EntityResponse {
	if e.Fields == nil {
		e.Fields = domain.Fields{}
	}
	allowed := lifecycle.Allowed(e.State)
	if allowed == nil {
		allowed = []lifecycle.Event{}
	}
	return EntityResponse{Entity: e, Allowed: allowed}
}

func transitionResponse(r engine.Result) TransitionResponse {
	return TransitionResponse{Entity: entityResponse(r.Entity), Outcome: r.Outcome}
}

func listResponse(kind domain.Kind, snap listcache.Snapshot[domain.Summary]) ListResponse {
	items := snap.Items
	if items == nil {
		items = []domain.Summary{}
	}
	return ListResponse{
		Kind:        kind,
		PortfolioID: snap.Scope,
		Items:       items,
		LoadedAt:    snap.LoadedAt,
		Stale:       snap.Stale,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		PortfolioID: e.PortfolioID,
		ActorID:     e.ActorID,
		Payload:     decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
