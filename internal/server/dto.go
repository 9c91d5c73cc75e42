package server

import (
	"offerline/internal/domain"
)

type CreateRequestRequest struct {
	ID          *string        `json:"id,omitempty"`
	Domain      string         `json:"domain" enum:"roadside_assistance,mechanical_repair,cargo_transport,trip_ride"`
	RequesterID string         `json:"requester_id"`
	Priority    *int           `json:"priority,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Expiry      *string        `json:"expiry,omitempty" format:"date-time"`
}

type RequestResponse struct {
	ID          string  `json:"id"`
	Domain      string  `json:"domain"`
	RequesterID string  `json:"requester_id"`
	Status      string  `json:"status"`
	Priority    *int    `json:"priority,omitempty"`
	PayloadJSON *string `json:"payload_json,omitempty"`
	Expiry      *string `json:"expiry,omitempty" format:"date-time"`
	Version     int64   `json:"version"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

func requestResponse(r domain.Request) RequestResponse {
	return RequestResponse{
		ID:          r.ID,
		Domain:      r.Domain,
		RequesterID: r.RequesterID,
		Status:      r.Status,
		Priority:    r.Priority,
		PayloadJSON: r.PayloadJSON,
		Expiry:      r.Expiry,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func mapRequests(items []domain.Request) []RequestResponse {
	res := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		res = append(res, requestResponse(r))
	}
	return res
}

type paginatedRequests struct {
	Items      []RequestResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type SubmitOfferRequest struct {
	ID         *string `json:"id,omitempty"`
	ProviderID string  `json:"provider_id"`
	PriceCents int64   `json:"price_cents"`
	ETAMinutes *int    `json:"eta_minutes,omitempty"`
	Note       *string `json:"note,omitempty"`
	Expiry     *string `json:"expiry,omitempty" format:"date-time"`
}

type OfferResponse struct {
	ID         string  `json:"id"`
	RequestID  string  `json:"request_id"`
	ProviderID string  `json:"provider_id"`
	PriceCents int64   `json:"price_cents"`
	ETAMinutes *int    `json:"eta_minutes,omitempty"`
	Note       string  `json:"note,omitempty"`
	Status     string  `json:"status"`
	Expiry     *string `json:"expiry,omitempty" format:"date-time"`
	Version    int64   `json:"version"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

func offerResponse(o domain.Offer) OfferResponse {
	return OfferResponse{
		ID:         o.ID,
		RequestID:  o.RequestID,
		ProviderID: o.ProviderID,
		PriceCents: o.PriceCents,
		ETAMinutes: o.ETAMinutes,
		Note:       o.Note,
		Status:     o.Status,
		Expiry:     o.Expiry,
		Version:    o.Version,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
}

func mapOffers(items []domain.Offer) []OfferResponse {
	res := make([]OfferResponse, 0, len(items))
	for _, o := range items {
		res = append(res, offerResponse(o))
	}
	return res
}

type AssignmentResponse struct {
	RequestID       string  `json:"request_id"`
	OfferID         string  `json:"offer_id"`
	ProviderID      string  `json:"provider_id"`
	PriceCents      int64   `json:"price_cents"`
	AssignedAt      string  `json:"assigned_at" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	SettlementCents *int64  `json:"settlement_cents,omitempty"`
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		RequestID:       a.RequestID,
		OfferID:         a.OfferID,
		ProviderID:      a.ProviderID,
		PriceCents:      a.PriceCents,
		AssignedAt:      a.AssignedAt,
		CompletedAt:     a.CompletedAt,
		SettlementCents: a.SettlementCents,
	}
}

type CompleteRequestBody struct {
	SettlementCents *int64  `json:"settlement_cents,omitempty"`
	Note            *string `json:"note,omitempty"`
}

type CancelRequestBody struct {
	Reason *string `json:"reason,omitempty"`
}

type LedgerEntryResponse struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	AccountID   string `json:"account_id"`
	EntryType   string `json:"entry_type"`
	AmountCents int64  `json:"amount_cents"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

func ledgerEntryResponse(e domain.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		ID:          e.ID,
		RequestID:   e.RequestID,
		AccountID:   e.AccountID,
		EntryType:   e.EntryType,
		AmountCents: e.Amount,
		CreatedAt:   e.CreatedAt,
	}
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Domain     string `json:"domain,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		Domain:     e.Domain,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type SweepResponse struct {
	RequestsExpired []string `json:"requests_expired"`
	OffersExpired   []string `json:"offers_expired"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
	Key        string  `json:"key,omitempty"`
}

type MeResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type DevLoginRequest struct {
	ActorID    string `json:"actor_id"`
	TTLSeconds *int   `json:"ttl_seconds,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
