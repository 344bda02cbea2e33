package inventsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal invent HTTP API client.
type Client struct {
	BaseURL string
	// BasePath is the API prefix; defaults to /v0.
	BasePath   string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Kind values accepted by the API.
const (
	KindInitiative = "initiative"
	KindSolution   = "solution"
)

// Value is one field's content; see FieldDescriptor.ValueKind for which member
// is meaningful.
type Value struct {
	Text  string     `json:"text,omitempty"`
	Date  *time.Time `json:"date,omitempty"`
	Items []string   `json:"items,omitempty"`
}

type Fields map[string]Value

type FieldDescriptor struct {
	Name        string   `json:"name"`
	Label       string   `json:"label"`
	ValueKind   string   `json:"value_kind"`
	RequiredFor []string `json:"required_for"`
}

type Registry struct {
	Kind       string            `json:"kind"`
	TitleField string            `json:"title_field"`
	TeamField  string            `json:"team_field,omitempty"`
	Fields     []FieldDescriptor `json:"fields"`
}

// Entity is an initiative or solution as returned by the API.
type Entity struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	PortfolioID string     `json:"portfolio_id"`
	State       string     `json:"state"`
	Version     int        `json:"version"`
	PublicID    string     `json:"public_id,omitempty"`
	Fields      Fields     `json:"fields"`
	Published   Fields     `json:"published,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Allowed     []string   `json:"allowed"`
}

type Outcome struct {
	Event   string `json:"event"`
	From    string `json:"from"`
	To      string `json:"to"`
	Intent  string `json:"intent"`
	Version int    `json:"version"`
}

type TransitionResult struct {
	Entity  Entity  `json:"entity"`
	Outcome Outcome `json:"outcome"`
}

// Summary is one row of a portfolio list.
type Summary struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	PortfolioID string    `json:"portfolio_id"`
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type List struct {
	Kind        string    `json:"kind"`
	PortfolioID string    `json:"portfolio_id"`
	Items       []Summary `json:"items"`
	LoadedAt    time.Time `json:"loaded_at"`
	Stale       bool      `json:"stale"`
}

type Reminder struct {
	Kind        string    `json:"kind"`
	EntityID    string    `json:"entity_id"`
	PortfolioID string    `json:"portfolio_id"`
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Reason      string    `json:"reason"`
	UpdatedAt   time.Time `json:"updated_at"`
	Team        []string  `json:"team"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	PortfolioID string         `json:"portfolio_id"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code, Message and Details are filled
// when the body is the API error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Missing returns the field names reported by a validation_failed error.
func (e *APIError) Missing() []string {
	raw, _ := e.Details["missing"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// Describe returns the field registry of kind.
func (c *Client) Describe(ctx context.Context, kind string) (Registry, error) {
	var resp Registry
	err := c.do(ctx, http.MethodGet, "registry/"+url.PathEscape(kind), nil, &resp)
	return resp, err
}

// Create starts a new entity in portfolioID and applies event to it; an empty
// event means save_draft.
func (c *Client) Create(ctx context.Context, kind, portfolioID, event string, fields Fields) (TransitionResult, error) {
	body := map[string]any{
		"portfolio_id": portfolioID,
		"fields":       nonNil(fields),
	}
	if event != "" {
		body["event"] = event
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, collection(kind), body, &resp)
	return resp, err
}

// Transition merges fields into the entity and applies event.
func (c *Client) Transition(ctx context.Context, kind, id, event string, fields Fields) (TransitionResult, error) {
	body := map[string]any{
		"event":  event,
		"fields": nonNil(fields),
	}
	var resp TransitionResult
	endpoint := fmt.Sprintf("%s/%s/transitions", collection(kind), url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) Get(ctx context.Context, kind, id string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, collection(kind)+"/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// List returns the portfolio list served by the API's cache.
func (c *Client) List(ctx context.Context, kind, portfolioID string, refresh bool) (List, error) {
	endpoint := fmt.Sprintf("portfolios/%s/%s", url.PathEscape(portfolioID), collection(kind))
	if refresh {
		endpoint += "?refresh=true"
	}
	var resp List
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Reminders(ctx context.Context) ([]Reminder, error) {
	var resp struct {
		Items []Reminder `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "reminders", nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListFetcher loads portfolio lists of one kind from the API. It satisfies the
// list cache fetcher contract, so a remote process can keep its own cache.
type ListFetcher struct {
	Client *Client
	Kind   string
}

// Fetcher returns a ListFetcher for kind.
func (c *Client) Fetcher(kind string) ListFetcher {
	return ListFetcher{Client: c, Kind: kind}
}

// FetchList always asks the server to reload so the result is current.
func (f ListFetcher) FetchList(ctx context.Context, portfolioID string) ([]Summary, error) {
	list, err := f.Client.List(ctx, f.Kind, portfolioID, true)
	if err != nil {
		return nil, err
	}
	if list.Stale {
		return nil, fmt.Errorf("server list for %s is stale", portfolioID)
	}
	return list.Items, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}

func collection(kind string) string {
	return url.PathEscape(kind) + "s"
}

func nonNil(f Fields) Fields {
	if f == nil {
		return Fields{}
	}
	return f
}
