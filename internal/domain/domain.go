package domain

import (
	"strings"
	"time"
)

// Kind names one of the catalogued entity variants.
type Kind string

const (
	KindInitiative Kind = "initiative"
	KindSolution   Kind = "solution"
)

// Kinds lists every supported entity kind in a stable order.
func Kinds() []Kind { return []Kind{KindInitiative, KindSolution} }

func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindInitiative, "initiatives":
		return KindInitiative, true
	case KindSolution, "solutions":
		return KindSolution, true
	}
	return "", false
}

type State string

const (
	StateDraft       State = "draft"
	StatePublished   State = "published"
	StateUnpublished State = "unpublished"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether no transition may leave the state.
func (s State) Terminal() bool { return s == StateCancelled }

// Tier selects which fields must be non-empty for a guarded transition.
type Tier string

const (
	TierSaveDraft Tier = "save_draft"
	TierPublish   Tier = "publish"
)

type ValueKind string

const (
	ValueScalar       ValueKind = "scalar"
	ValueDate         ValueKind = "date"
	ValueSingleSelect ValueKind = "single_select"
	ValueMultiSelect  ValueKind = "multi_select"
)

type FieldDescriptor struct {
	Name        string    `json:"name"`
	Label       string    `json:"label"`
	ValueKind   ValueKind `json:"value_kind" enum:"scalar,date,single_select,multi_select"`
	RequiredFor []Tier    `json:"required_for"`
}

// RequiredAt reports whether the field must be populated for tier.
func (d FieldDescriptor) RequiredAt(tier Tier) bool {
	for _, t := range d.RequiredFor {
		if t == tier {
			return true
		}
	}
	return false
}

// Value holds one field's content. Only the member matching the field's
// ValueKind is meaningful: Text for scalars and single selects, Date for
// dates, Items for multi-select sets.
type Value struct {
	Text  string     `json:"text,omitempty"`
	Date  *time.Time `json:"date,omitempty"`
	Items []string   `json:"items,omitempty"`
}

func Text(s string) Value   { return Value{Text: s} }
func Select(s string) Value { return Value{Text: s} }

func Date(t time.Time) Value {
	t = t.UTC()
	return Value{Date: &t}
}

func Set(items ...string) Value {
	out := make([]string, len(items))
	copy(out, items)
	return Value{Items: out}
}

func (v Value) clone() Value {
	out := Value{Text: v.Text}
	if v.Date != nil {
		d := *v.Date
		out.Date = &d
	}
	if v.Items != nil {
		out.Items = append([]string(nil), v.Items...)
	}
	return out
}

// Fields maps field names (as declared by the registry) to values.
type Fields map[string]Value

func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v.clone()
	}
	return out
}

// Merge returns a copy of f overlaid with patch. A zero Value in patch clears
// the field.
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = Fields{}
	}
	for k, v := range patch {
		if v.Text == "" && v.Date == nil && len(v.Items) == 0 {
			delete(out, k)
			continue
		}
		out[k] = v.clone()
	}
	return out
}

type Entity struct {
	ID          string     `json:"id,omitempty"`
	Kind        Kind       `json:"kind" enum:"initiative,solution"`
	PortfolioID string     `json:"portfolio_id,omitempty"`
	State       State      `json:"state" enum:"draft,published,unpublished,cancelled"`
	Version     int        `json:"version"`
	PublicID    string     `json:"public_id,omitempty"`
	Fields      Fields     `json:"fields"`
	Published   Fields     `json:"published,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Persisted reports whether the backend has assigned an identifier.
func (e Entity) Persisted() bool { return e.ID != "" }

// Summary is the read projection kept in list caches.
type Summary struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	PortfolioID string    `json:"portfolio_id,omitempty"`
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	PortfolioID string `json:"portfolio_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload"`
}
