package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"offerline/internal/config"
	"offerline/internal/domain"
	"offerline/internal/events"
	"offerline/internal/ledger"
	"offerline/internal/repo"
	"offerline/internal/statemachine"
)

// Error taxonomy. Race losses (ErrRequestAlreadyAssigned) are routine
// outcomes, not failures; callers refresh their view instead of retrying.
var (
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrRequestNotOpen         = errors.New("request is not accepting offers")
	ErrRequestExpired         = errors.New("request has expired")
	ErrOfferUnavailable       = errors.New("offer is not available")
	ErrRequestAlreadyAssigned = errors.New("request is already assigned")
	ErrLedgerPostingFailed    = errors.New("ledger posting failed")
)

// ValidationError reports malformed input, surfaced to the caller.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationErr(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// LedgerPoster posts the financial entries for a completed assignment inside
// the completion transaction.
type LedgerPoster interface {
	PostCompletion(ctx context.Context, tx *sql.Tx, req domain.Request, a domain.Assignment, settlementCents int64) ([]domain.LedgerEntry, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Ledger LedgerPoster
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	var feeBps int64
	if cfg != nil {
		feeBps = cfg.Marketplace.FeeBps
	}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Ledger: ledger.Poster{Repo: r, FeeBps: feeBps},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Expired is the expiry policy: a nil expiry never expires; otherwise the
// entity is expired once now has passed the timestamp. An unparseable
// expiry is treated as expired rather than immortal.
func Expired(now time.Time, expiry *string) bool {
	if expiry == nil || *expiry == "" {
		return false
	}
	ts, err := time.Parse(time.RFC3339, *expiry)
	if err != nil {
		return true
	}
	return now.After(ts)
}

// CreateRequestOptions are parameters for posting a need.
type CreateRequestOptions struct {
	ID          string
	Domain      string
	RequesterID string
	PayloadJSON string
	Priority    *int
	Expiry      string
	ActorID     string
}

func (e Engine) CreateRequest(ctx context.Context, opts CreateRequestOptions) (domain.Request, error) {
	if e.Config == nil {
		return domain.Request{}, errors.New("config not loaded")
	}
	if !statemachine.Known(opts.Domain) {
		return domain.Request{}, validationErr("unknown domain %s", opts.Domain)
	}
	if !e.Config.DomainEnabled(opts.Domain) {
		return domain.Request{}, validationErr("domain %s is not enabled in this workspace", opts.Domain)
	}
	if opts.RequesterID == "" {
		return domain.Request{}, validationErr("requester is required")
	}
	if opts.PayloadJSON != "" {
		if err := validateJSON(opts.PayloadJSON); err != nil {
			return domain.Request{}, validationErr("payload: %v", err)
		}
	}
	if opts.Expiry != "" {
		if _, err := time.Parse(time.RFC3339, opts.Expiry); err != nil {
			return domain.Request{}, validationErr("expiry: %v", err)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	req := domain.Request{
		ID:          id,
		Domain:      opts.Domain,
		RequesterID: opts.RequesterID,
		Status:      statemachine.InitialStatus(opts.Domain),
		Priority:    opts.Priority,
		PayloadJSON: optionalString(opts.PayloadJSON),
		Expiry:      optionalString(opts.Expiry),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureActor(ctx, tx, req.RequesterID, now); err != nil {
		return domain.Request{}, err
	}
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.Request{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.RequestCreated, req.Domain, "request", req.ID, actorOr(opts.ActorID, req.RequesterID), events.EventPayload{
		"status": req.Status,
		"expiry": req.Expiry,
	}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// SubmitOfferOptions are parameters for bidding on a request.
type SubmitOfferOptions struct {
	ID         string
	RequestID  string
	ProviderID string
	PriceCents int64
	ETAMinutes *int
	Note       string
	Expiry     string
	ActorID    string
}

func (e Engine) SubmitOffer(ctx context.Context, opts SubmitOfferOptions) (domain.Offer, error) {
	if e.Config == nil {
		return domain.Offer{}, errors.New("config not loaded")
	}
	if opts.ProviderID == "" {
		return domain.Offer{}, validationErr("provider is required")
	}
	if opts.PriceCents <= 0 {
		return domain.Offer{}, validationErr("price must be positive")
	}
	req, err := e.Repo.GetRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.Offer{}, err
	}
	now := e.now()
	if Expired(now, req.Expiry) {
		return domain.Offer{}, ErrRequestExpired
	}
	if !statemachine.AcceptingOffers(req.Domain, req.Status) {
		return domain.Offer{}, ErrRequestNotOpen
	}
	expiry := opts.Expiry
	if expiry != "" {
		if _, err := time.Parse(time.RFC3339, expiry); err != nil {
			return domain.Offer{}, validationErr("expiry: %v", err)
		}
	} else if ttl := e.Config.Marketplace.DefaultOfferTTLSeconds; ttl > 0 {
		expiry = now.UTC().Add(time.Duration(ttl) * time.Second).Format(time.RFC3339)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	nowStr := now.UTC().Format(time.RFC3339)
	o := domain.Offer{
		ID:         id,
		RequestID:  req.ID,
		ProviderID: opts.ProviderID,
		PriceCents: opts.PriceCents,
		ETAMinutes: opts.ETAMinutes,
		Note:       opts.Note,
		Status:     domain.OfferOpen,
		Expiry:     optionalString(expiry),
		Version:    1,
		CreatedAt:  nowStr,
		UpdatedAt:  nowStr,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Offer{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureActor(ctx, tx, o.ProviderID, nowStr); err != nil {
		return domain.Offer{}, err
	}
	if err := e.Repo.InsertOffer(ctx, tx, o); err != nil {
		return domain.Offer{}, fmt.Errorf("insert offer: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.OfferSubmitted, req.Domain, "offer", o.ID, actorOr(opts.ActorID, o.ProviderID), events.EventPayload{
		"request_id":  req.ID,
		"price_cents": o.PriceCents,
		"expiry":      o.Expiry,
	}); err != nil {
		return domain.Offer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Offer{}, err
	}
	return o, nil
}

// AcceptOffer performs the atomic first-acceptor-wins claim. The single
// conditional update on the request's status+version pair is the only step
// allowed to race; losers fail with ErrRequestAlreadyAssigned (or
// ErrRequestExpired when the reaper won instead).
func (e Engine) AcceptOffer(ctx context.Context, requestID, offerID, actorID string) (domain.Assignment, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Assignment{}, err
	}
	o, err := e.Repo.GetOffer(ctx, offerID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if o.RequestID != req.ID {
		return domain.Assignment{}, ErrOfferUnavailable
	}
	now := e.now()
	assigned := statemachine.AssignedStatus(req.Domain)
	if !statemachine.ValidateTransition(req.Domain, req.Status, assigned) {
		return domain.Assignment{}, e.classifyClaimLoss(ctx, req.Domain, req.Status)
	}
	if Expired(now, req.Expiry) {
		return domain.Assignment{}, ErrRequestExpired
	}
	if o.Status != domain.OfferOpen || Expired(now, o.Expiry) {
		// An accepted or superseded offer usually means a competing
		// acceptance committed between our request and offer reads; report
		// the request's committed outcome, not the offer's.
		if o.Status == domain.OfferAccepted || o.Status == domain.OfferSuperseded {
			if _, aerr := e.Repo.GetAssignment(ctx, req.ID); aerr == nil {
				return domain.Assignment{}, ErrRequestAlreadyAssigned
			} else if !errors.Is(aerr, repo.ErrNotFound) {
				return domain.Assignment{}, aerr
			}
			current, rerr := e.Repo.GetRequest(ctx, req.ID)
			if rerr != nil {
				return domain.Assignment{}, rerr
			}
			if lossErr := e.classifyClaimLoss(ctx, current.Domain, current.Status); !errors.Is(lossErr, ErrInvalidTransition) {
				return domain.Assignment{}, lossErr
			}
		}
		return domain.Assignment{}, ErrOfferUnavailable
	}

	nowStr := now.UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CASRequestStatus(ctx, tx, req.ID, req.Status, req.Version, assigned, nowStr)
	if err != nil {
		return domain.Assignment{}, err
	}
	if !ok {
		// Lost the race; rollback and report the committed outcome.
		tx.Rollback()
		current, rerr := e.Repo.GetRequest(ctx, req.ID)
		if rerr != nil {
			return domain.Assignment{}, rerr
		}
		return domain.Assignment{}, e.classifyClaimLoss(ctx, current.Domain, current.Status)
	}
	if ok, err := e.Repo.UpdateOfferStatus(ctx, tx, o.ID, domain.OfferOpen, domain.OfferAccepted, nowStr); err != nil {
		return domain.Assignment{}, err
	} else if !ok {
		return domain.Assignment{}, ErrOfferUnavailable
	}
	superseded, err := e.Repo.SupersedeOpenOffers(ctx, tx, req.ID, o.ID, nowStr)
	if err != nil {
		return domain.Assignment{}, err
	}
	a := domain.Assignment{
		RequestID:  req.ID,
		OfferID:    o.ID,
		ProviderID: o.ProviderID,
		PriceCents: o.PriceCents,
		AssignedAt: nowStr,
	}
	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return domain.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.RequestAssigned, req.Domain, "request", req.ID, actorID, events.EventPayload{
		"from_status": req.Status,
		"to_status":   assigned,
		"offer_id":    o.ID,
		"provider_id": o.ProviderID,
	}); err != nil {
		return domain.Assignment{}, err
	}
	for _, id := range superseded {
		if err := e.Events.Append(ctx, tx, events.OfferSuperseded, req.Domain, "offer", id, actorID, events.EventPayload{
			"request_id":       req.ID,
			"winning_offer_id": o.ID,
		}); err != nil {
			return domain.Assignment{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

// classifyClaimLoss maps a request's committed status to the error an
// acceptance attempt should see.
func (e Engine) classifyClaimLoss(ctx context.Context, domainTag, status string) error {
	switch status {
	case statemachine.StatusExpired:
		return ErrRequestExpired
	case statemachine.AssignedStatus(domainTag), statemachine.InProgressStatus(domainTag), statemachine.CompletedStatus(domainTag):
		return ErrRequestAlreadyAssigned
	default:
		return ErrInvalidTransition
	}
}

// DeclineOffer is the requester-side rejection of a single open offer. The
// request's status is untouched; remaining offers stay open.
func (e Engine) DeclineOffer(ctx context.Context, offerID, actorID string) error {
	return e.closeOffer(ctx, offerID, domain.OfferDeclined, events.OfferDeclined, actorID, "")
}

// WithdrawOffer is the provider pulling its own bid.
func (e Engine) WithdrawOffer(ctx context.Context, offerID, actorID string) error {
	o, err := e.Repo.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if actorID != "" && actorID != o.ProviderID {
		return validationErr("offer %s belongs to provider %s", offerID, o.ProviderID)
	}
	return e.closeOffer(ctx, offerID, domain.OfferWithdrawn, events.OfferWithdrawn, actorID, "")
}

func (e Engine) closeOffer(ctx context.Context, offerID, toStatus, evtType, actorID, reason string) error {
	o, err := e.Repo.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if o.Status != domain.OfferOpen {
		return ErrOfferUnavailable
	}
	req, err := e.Repo.GetRequest(ctx, o.RequestID)
	if err != nil {
		return err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := e.Repo.UpdateOfferStatus(ctx, tx, o.ID, domain.OfferOpen, toStatus, nowStr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOfferUnavailable
	}
	payload := events.EventPayload{
		"request_id":  req.ID,
		"from_status": domain.OfferOpen,
		"to_status":   toStatus,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.Events.Append(ctx, tx, evtType, req.Domain, "offer", o.ID, actorOr(actorID, o.ProviderID), payload); err != nil {
		return err
	}
	return tx.Commit()
}

// StartWork moves an assigned request into its domain's in-progress status
// (in_progress, scheduled, in_transit or confirmed).
func (e Engine) StartWork(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return req, err
	}
	target := statemachine.InProgressStatus(req.Domain)
	return e.transitionRequest(ctx, req, target, events.RequestStarted, actorID, "")
}

// CompletionDetails carry the settlement override for a completion. A nil
// settlement uses the accepted offer's price.
type CompletionDetails struct {
	SettlementCents *int64
	Note            string
}

// CompleteAssignment finalizes a request and posts the settlement ledger
// entries in one transaction. If posting fails the status flip rolls back
// with it and the assignment is left untouched for a safe retry.
func (e Engine) CompleteAssignment(ctx context.Context, requestID string, details CompletionDetails, actorID string) error {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	a, err := e.Repo.GetAssignment(ctx, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidTransition
		}
		return err
	}
	target := statemachine.CompletedStatus(req.Domain)
	if !statemachine.ValidateTransition(req.Domain, req.Status, target) {
		return ErrInvalidTransition
	}
	settlement := a.PriceCents
	if details.SettlementCents != nil {
		settlement = *details.SettlementCents
	}
	if settlement <= 0 {
		return validationErr("settlement must be positive")
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CASRequestStatus(ctx, tx, req.ID, req.Status, req.Version, target, nowStr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	entries, err := e.Ledger.PostCompletion(ctx, tx, req, a, settlement)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerPostingFailed, err)
	}
	if ok, err := e.Repo.MarkAssignmentCompleted(ctx, tx, req.ID, nowStr, settlement); err != nil {
		return err
	} else if !ok {
		return ErrInvalidTransition
	}
	if err := e.Events.Append(ctx, tx, events.AssignmentCompleted, req.Domain, "request", req.ID, actorID, events.EventPayload{
		"from_status":      req.Status,
		"to_status":        target,
		"offer_id":         a.OfferID,
		"provider_id":      a.ProviderID,
		"settlement_cents": settlement,
		"note":             details.Note,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.LedgerPosted, req.Domain, "request", req.ID, actorID, events.EventPayload{
		"entries":      len(entries),
		"provider_net": ledger.ProviderNet(entries),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CancelRequest is the explicit terminal transition; any open offers are
// superseded in the same transaction.
func (e Engine) CancelRequest(ctx context.Context, requestID, reason, actorID string) error {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	_, err = e.transitionRequest(ctx, req, statemachine.StatusCancelled, events.RequestCancelled, actorID, reason)
	return err
}

// DeclineRequest rejects a pending request outright (mechanical_repair's
// pending -> declined edge).
func (e Engine) DeclineRequest(ctx context.Context, requestID, reason, actorID string) error {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	_, err = e.transitionRequest(ctx, req, "declined", events.RequestDeclined, actorID, reason)
	return err
}

// transitionRequest applies a CAS-guarded status move, superseding open
// offers when the move leaves the accepting status for a terminal one.
func (e Engine) transitionRequest(ctx context.Context, req domain.Request, target, evtType, actorID, reason string) (domain.Request, error) {
	if !statemachine.ValidateTransition(req.Domain, req.Status, target) {
		return req, ErrInvalidTransition
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CASRequestStatus(ctx, tx, req.ID, req.Status, req.Version, target, nowStr)
	if err != nil {
		return req, err
	}
	if !ok {
		return req, ErrInvalidTransition
	}
	if statemachine.Terminal(req.Domain, target) {
		superseded, err := e.Repo.SupersedeOpenOffers(ctx, tx, req.ID, "", nowStr)
		if err != nil {
			return req, err
		}
		for _, id := range superseded {
			if err := e.Events.Append(ctx, tx, events.OfferSuperseded, req.Domain, "offer", id, actorID, events.EventPayload{
				"request_id": req.ID,
				"reason":     target,
			}); err != nil {
				return req, err
			}
		}
	}
	payload := events.EventPayload{
		"from_status": req.Status,
		"to_status":   target,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.Events.Append(ctx, tx, evtType, req.Domain, "request", req.ID, actorOr(actorID, req.RequesterID), payload); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	req.Status = target
	req.Version++
	req.UpdatedAt = nowStr
	return req, nil
}

// ListOpenOffers is the read-only competition view for a request.
func (e Engine) ListOpenOffers(ctx context.Context, requestID string) ([]domain.Offer, error) {
	if _, err := e.Repo.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return e.Repo.ListOffers(ctx, repo.OfferFilters{RequestID: requestID, Status: domain.OfferOpen})
}

// --- helpers ---

func validateJSON(in string) error {
	var tmp any
	return json.Unmarshal([]byte(in), &tmp)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func actorOr(actorID, fallback string) string {
	if actorID != "" {
		return actorID
	}
	return fallback
}
