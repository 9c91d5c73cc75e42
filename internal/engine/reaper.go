package engine

import (
	"context"
	"log"
	"time"

	"offerline/internal/domain"
	"offerline/internal/events"
	"offerline/internal/statemachine"
)

const sweepBatchSize = 200

// SweepReport summarizes one expiry pass.
type SweepReport struct {
	RequestsExpired []string
	OffersExpired   []string
}

// SweepExpired moves timed-out requests and offers to expired. Each request
// flip goes through the same status+version guard as acceptance, so a sweep
// racing a successful claim simply skips that request.
func (e Engine) SweepExpired(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)

	statuses := acceptingStatuses()
	due, err := e.Repo.ListDueRequests(ctx, statuses, nowStr, sweepBatchSize)
	if err != nil {
		return report, err
	}
	for _, req := range due {
		expired, err := e.expireRequest(ctx, req, nowStr)
		if err != nil {
			return report, err
		}
		if expired {
			report.RequestsExpired = append(report.RequestsExpired, req.ID)
		}
	}

	dueOffers, err := e.Repo.ListDueOffers(ctx, nowStr, sweepBatchSize)
	if err != nil {
		return report, err
	}
	for _, o := range dueOffers {
		expired, err := e.expireOffer(ctx, o, nowStr)
		if err != nil {
			return report, err
		}
		if expired {
			report.OffersExpired = append(report.OffersExpired, o.ID)
		}
	}
	return report, nil
}

func (e Engine) expireRequest(ctx context.Context, req domain.Request, nowStr string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CASRequestStatus(ctx, tx, req.ID, req.Status, req.Version, statemachine.StatusExpired, nowStr)
	if err != nil {
		return false, err
	}
	if !ok {
		// A claim or cancel committed between the read and this flip.
		return false, nil
	}
	superseded, err := e.Repo.SupersedeOpenOffers(ctx, tx, req.ID, "", nowStr)
	if err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, events.RequestExpired, req.Domain, "request", req.ID, "reaper", events.EventPayload{
		"from_status": req.Status,
		"to_status":   statemachine.StatusExpired,
	}); err != nil {
		return false, err
	}
	for _, id := range superseded {
		if err := e.Events.Append(ctx, tx, events.OfferSuperseded, req.Domain, "offer", id, "reaper", events.EventPayload{
			"request_id": req.ID,
			"reason":     statemachine.StatusExpired,
		}); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (e Engine) expireOffer(ctx context.Context, o domain.Offer, nowStr string) (bool, error) {
	req, err := e.Repo.GetRequest(ctx, o.RequestID)
	if err != nil {
		return false, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.UpdateOfferStatus(ctx, tx, o.ID, domain.OfferOpen, domain.OfferExpired, nowStr)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := e.Events.Append(ctx, tx, events.OfferExpired, req.Domain, "offer", o.ID, "reaper", events.EventPayload{
		"request_id": o.RequestID,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func acceptingStatuses() []string {
	seen := map[string]bool{}
	var statuses []string
	for _, d := range statemachine.Domains() {
		s := statemachine.InitialStatus(d)
		if !seen[s] {
			seen[s] = true
			statuses = append(statuses, s)
		}
	}
	return statuses
}

// Reaper runs SweepExpired on an interval until the context is cancelled.
type Reaper struct {
	Engine   Engine
	Interval time.Duration
	Logger   *log.Logger
}

func (r Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.Engine.SweepExpired(ctx)
			if err != nil {
				logger.Printf("reaper: sweep failed: %v", err)
				continue
			}
			if n := len(report.RequestsExpired) + len(report.OffersExpired); n > 0 {
				logger.Printf("reaper: expired %d requests, %d offers", len(report.RequestsExpired), len(report.OffersExpired))
			}
		}
	}
}
