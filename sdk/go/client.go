package offerlinesdk

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

// Client is a minimal Offerline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v1",
		Timeout:  10 * time.Second,
	}
}

// Request represents the API request model.
type Request struct {
	ID          string  `json:"id"`
	Domain      string  `json:"domain"`
	RequesterID string  `json:"requester_id"`
	Status      string  `json:"status"`
	Priority    *int    `json:"priority,omitempty"`
	PayloadJSON *string `json:"payload_json,omitempty"`
	Expiry      *string `json:"expiry,omitempty"`
	Version     int64   `json:"version"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// Offer represents a provider bid on a request.
type Offer struct {
	ID         string  `json:"id"`
	RequestID  string  `json:"request_id"`
	ProviderID string  `json:"provider_id"`
	PriceCents int64   `json:"price_cents"`
	ETAMinutes *int    `json:"eta_minutes,omitempty"`
	Note       string  `json:"note,omitempty"`
	Status     string  `json:"status"`
	Expiry     *string `json:"expiry,omitempty"`
	Version    int64   `json:"version"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// Assignment is the pairing written when an offer wins a request.
type Assignment struct {
	RequestID       string  `json:"request_id"`
	OfferID         string  `json:"offer_id"`
	ProviderID      string  `json:"provider_id"`
	PriceCents      int64   `json:"price_cents"`
	AssignedAt      string  `json:"assigned_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	SettlementCents *int64  `json:"settlement_cents,omitempty"`
}

// LedgerEntry is a settlement posting.
type LedgerEntry struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	AccountID   string `json:"account_id"`
	EntryType   string `json:"entry_type"`
	AmountCents int64  `json:"amount_cents"`
	CreatedAt   string `json:"created_at"`
}

// Event is a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	Domain     string `json:"domain,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedRequests wraps request listings with a cursor.
type PaginatedRequests struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateRequestInput holds the fields for posting a request.
type CreateRequestInput struct {
	ID          string
	Domain      string
	RequesterID string
	Priority    *int
	Payload     map[string]any
	Expiry      string
}

// CreateRequest posts a new request in the given domain.
func (c *Client) CreateRequest(ctx context.Context, in CreateRequestInput) (Request, error) {
	body := map[string]any{"domain": in.Domain}
	if in.ID != "" {
		body["id"] = in.ID
	}
	if in.RequesterID != "" {
		body["requester_id"] = in.RequesterID
	}
	if in.Priority != nil {
		body["priority"] = *in.Priority
	}
	if in.Payload != nil {
		body["payload"] = in.Payload
	}
	if in.Expiry != "" {
		body["expiry"] = in.Expiry
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, c.path("requests"), body, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, c.path("requests/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListRequests returns a page of requests, optionally filtered.
func (c *Client) ListRequests(ctx context.Context, domain, status string, limit int, cursor string) (PaginatedRequests, error) {
	q := url.Values{}
	if domain != "" {
		q.Set("domain", domain)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.path("requests")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelRequest cancels a request.
func (c *Client) CancelRequest(ctx context.Context, id, reason string) (Request, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, c.path("requests/"+url.PathEscape(id)+"/cancel"), body, &resp)
	return resp, err
}

// DeclineRequest declines a pending request.
func (c *Client) DeclineRequest(ctx context.Context, id, reason string) (Request, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, c.path("requests/"+url.PathEscape(id)+"/decline"), body, &resp)
	return resp, err
}

// StartWork moves an assigned request into progress.
func (c *Client) StartWork(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.path("requests/"+url.PathEscape(id)+"/start"), map[string]any{}, &resp)
	return resp, err
}

// Complete settles the assignment for a request. A nil settlement uses the
// accepted offer price.
func (c *Client) Complete(ctx context.Context, id string, settlementCents *int64, note string) (Assignment, error) {
	body := map[string]any{}
	if settlementCents != nil {
		body["settlement_cents"] = *settlementCents
	}
	if note != "" {
		body["note"] = note
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, c.path("requests/"+url.PathEscape(id)+"/complete"), body, &resp)
	return resp, err
}

// SubmitOfferInput holds the fields for bidding on a request.
type SubmitOfferInput struct {
	ID         string
	RequestID  string
	ProviderID string
	PriceCents int64
	ETAMinutes *int
	Note       string
	Expiry     string
}

// SubmitOffer bids on an open request.
func (c *Client) SubmitOffer(ctx context.Context, in SubmitOfferInput) (Offer, error) {
	body := map[string]any{"price_cents": in.PriceCents}
	if in.ID != "" {
		body["id"] = in.ID
	}
	if in.ProviderID != "" {
		body["provider_id"] = in.ProviderID
	}
	if in.ETAMinutes != nil {
		body["eta_minutes"] = *in.ETAMinutes
	}
	if in.Note != "" {
		body["note"] = in.Note
	}
	if in.Expiry != "" {
		body["expiry"] = in.Expiry
	}
	var resp Offer
	endpoint := c.path("requests/" + url.PathEscape(in.RequestID) + "/offers")
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListOffers returns the offers on a request.
func (c *Client) ListOffers(ctx context.Context, requestID string) ([]Offer, error) {
	var resp []Offer
	endpoint := c.path("requests/" + url.PathEscape(requestID) + "/offers")
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetOffer fetches an offer by id.
func (c *Client) GetOffer(ctx context.Context, id string) (Offer, error) {
	var resp Offer
	err := c.do(ctx, http.MethodGet, c.path("offers/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// AcceptOffer claims an offer. The first acceptance wins; later attempts
// return a conflict.
func (c *Client) AcceptOffer(ctx context.Context, id string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, c.path("offers/"+url.PathEscape(id)+"/accept"), map[string]any{}, &resp)
	return resp, err
}

// DeclineOffer declines an offer without closing the request.
func (c *Client) DeclineOffer(ctx context.Context, id string) (Offer, error) {
	var resp Offer
	err := c.do(ctx, http.MethodPost, c.path("offers/"+url.PathEscape(id)+"/decline"), map[string]any{}, &resp)
	return resp, err
}

// WithdrawOffer withdraws the caller's own offer.
func (c *Client) WithdrawOffer(ctx context.Context, id string) (Offer, error) {
	var resp Offer
	err := c.do(ctx, http.MethodPost, c.path("offers/"+url.PathEscape(id)+"/withdraw"), map[string]any{}, &resp)
	return resp, err
}

// GetAssignment fetches the assignment for a request.
func (c *Client) GetAssignment(ctx context.Context, requestID string) (Assignment, error) {
	var resp Assignment
	endpoint := c.path("requests/" + url.PathEscape(requestID) + "/assignment")
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Ledger returns the settlement entries for a request.
func (c *Client) Ledger(ctx context.Context, requestID string) ([]LedgerEntry, error) {
	var resp []LedgerEntry
	endpoint := c.path("requests/" + url.PathEscape(requestID) + "/ledger")
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.path("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(p string) string {
	return strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
