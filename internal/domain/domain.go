package domain

// Marketplace domain tags. Each tag has its own request status table in
// internal/statemachine; the entity shapes below are shared.
const (
	RoadsideAssistance = "roadside_assistance"
	MechanicalRepair   = "mechanical_repair"
	CargoTransport     = "cargo_transport"
	TripRide           = "trip_ride"
)

// Request is a posted need awaiting competing offers. Payload is opaque to
// the engine; it carries location, description, category and similar fields.
type Request struct {
	ID          string  `json:"id"`
	Domain      string  `json:"domain" enum:"roadside_assistance,mechanical_repair,cargo_transport,trip_ride"`
	RequesterID string  `json:"requester_id"`
	Status      string  `json:"status"`
	Priority    *int    `json:"priority,omitempty"`
	PayloadJSON *string `json:"payload_json,omitempty"`
	Expiry      *string `json:"expiry,omitempty" format:"date-time"`
	Version     int64   `json:"version"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// Offer statuses. Every non-open status is terminal.
const (
	OfferOpen       = "open"
	OfferAccepted   = "accepted"
	OfferSuperseded = "superseded"
	OfferExpired    = "expired"
	OfferWithdrawn  = "withdrawn"
	OfferDeclined   = "declined"
)

// Offer is a provider's bid against exactly one Request. The owning request
// never changes.
type Offer struct {
	ID         string  `json:"id"`
	RequestID  string  `json:"request_id"`
	ProviderID string  `json:"provider_id"`
	PriceCents int64   `json:"price_cents"`
	ETAMinutes *int    `json:"eta_minutes,omitempty"`
	Note       string  `json:"note,omitempty"`
	Status     string  `json:"status" enum:"open,accepted,superseded,expired,withdrawn,declined"`
	Expiry     *string `json:"expiry,omitempty" format:"date-time"`
	Version    int64   `json:"version"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// Assignment records which Offer won a Request. At most one exists per
// Request, ever; it is immutable apart from completion bookkeeping.
type Assignment struct {
	RequestID       string  `json:"request_id"`
	OfferID         string  `json:"offer_id"`
	ProviderID      string  `json:"provider_id"`
	PriceCents      int64   `json:"price_cents"`
	AssignedAt      string  `json:"assigned_at" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	SettlementCents *int64  `json:"settlement_cents,omitempty"`
}

// Ledger entry types.
const (
	EntryEarning = "earning"
	EntryExpense = "expense"
	EntryFee     = "fee"
	EntryPayout  = "payout"
)

// LedgerEntry is an append-only financial record tied to a completed
// assignment. Amounts are integer cents; a reversal is a new offsetting
// entry, never a mutation.
type LedgerEntry struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	AccountID string `json:"account_id"`
	EntryType string `json:"entry_type" enum:"earning,expense,fee,payout"`
	Amount    int64  `json:"amount_cents"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Domain     string `json:"domain,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"key_hash"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}
