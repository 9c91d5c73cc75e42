package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted on committed transitions. External consumers (the
// webhook dispatcher, notification delivery) depend only on these names and
// the payload contract: entity id, domain, old/new status, timestamp.
const (
	RequestCreated      = "request.created"
	RequestAssigned     = "request.assigned"
	RequestStarted      = "request.started"
	RequestCancelled    = "request.cancelled"
	RequestDeclined     = "request.declined"
	RequestExpired      = "request.expired"
	OfferSubmitted      = "offer.submitted"
	OfferSuperseded     = "offer.superseded"
	OfferDeclined       = "offer.declined"
	OfferWithdrawn      = "offer.withdrawn"
	OfferExpired        = "offer.expired"
	AssignmentCompleted = "assignment.completed"
	LedgerPosted        = "ledger.posted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event row inside the caller's transaction so the event
// commits atomically with the transition it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, domainTag, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,domain,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(domainTag), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
