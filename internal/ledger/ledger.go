package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"offerline/internal/domain"
	"offerline/internal/repo"
)

// PlatformAccount receives fee entries.
const PlatformAccount = "platform"

// Poster writes the financial entries for a completed assignment. Entries
// are appended inside the caller's transaction so the status flip and the
// ledger commit or roll back together.
type Poster struct {
	Repo   repo.Repo
	FeeBps int64
	Now    func() time.Time
}

func (p Poster) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Fee returns the platform fee for a settlement amount.
func (p Poster) Fee(settlementCents int64) int64 {
	return settlementCents * p.FeeBps / 10000
}

// PostCompletion appends the settlement entries for one completed
// assignment: the requester's expense, the provider's earning, and the
// platform fee as a negative provider-side entry. Append-only; a reversal
// would be a new offsetting batch.
func (p Poster) PostCompletion(ctx context.Context, tx *sql.Tx, req domain.Request, a domain.Assignment, settlementCents int64) ([]domain.LedgerEntry, error) {
	if settlementCents <= 0 {
		return nil, fmt.Errorf("settlement must be positive, got %d", settlementCents)
	}
	now := p.now().UTC().Format(time.RFC3339)
	fee := p.Fee(settlementCents)
	entries := []domain.LedgerEntry{
		{
			ID:        uuid.New().String(),
			RequestID: a.RequestID,
			AccountID: req.RequesterID,
			EntryType: domain.EntryExpense,
			Amount:    settlementCents,
			CreatedAt: now,
		},
		{
			ID:        uuid.New().String(),
			RequestID: a.RequestID,
			AccountID: a.ProviderID,
			EntryType: domain.EntryEarning,
			Amount:    settlementCents,
			CreatedAt: now,
		},
	}
	if fee > 0 {
		entries = append(entries, domain.LedgerEntry{
			ID:        uuid.New().String(),
			RequestID: a.RequestID,
			AccountID: PlatformAccount,
			EntryType: domain.EntryFee,
			Amount:    -fee,
			CreatedAt: now,
		})
	}
	for _, e := range entries {
		if err := p.Repo.InsertLedgerEntry(ctx, tx, e); err != nil {
			return nil, fmt.Errorf("insert %s entry: %w", e.EntryType, err)
		}
	}
	return entries, nil
}

// ProviderNet is the provider-side sum of a completion batch: earning plus
// the (negative) fee entry.
func ProviderNet(entries []domain.LedgerEntry) int64 {
	var net int64
	for _, e := range entries {
		if e.EntryType == domain.EntryEarning || e.EntryType == domain.EntryFee {
			net += e.Amount
		}
	}
	return net
}
