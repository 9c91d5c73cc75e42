package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"offerline/internal/config"
	"offerline/internal/db"
	"offerline/internal/domain"
	"offerline/internal/ledger"
	"offerline/internal/migrate"
	"offerline/internal/repo"
	"offerline/internal/statemachine"
)

func newTestEngine(t *testing.T) (Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(conn, config.Default("test-market")), context.Background()
}

func mustCreateRequest(t *testing.T, ctx context.Context, e Engine, domainTag string) domain.Request {
	t.Helper()
	req, err := e.CreateRequest(ctx, CreateRequestOptions{
		Domain:      domainTag,
		RequesterID: "requester-1",
		PayloadJSON: `{"description":"flat tire on A7"}`,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func mustSubmitOffer(t *testing.T, ctx context.Context, e Engine, requestID, providerID string, price int64) domain.Offer {
	t.Helper()
	o, err := e.SubmitOffer(ctx, SubmitOfferOptions{
		RequestID:  requestID,
		ProviderID: providerID,
		PriceCents: price,
	})
	if err != nil {
		t.Fatalf("submit offer: %v", err)
	}
	return o
}

func countEvents(t *testing.T, ctx context.Context, e Engine, evtType, entityID string) int {
	t.Helper()
	evts, err := e.Repo.LatestEvents(ctx, 100, "", evtType, "", entityID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return len(evts)
}

func pastTimestamp() string {
	return time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
}

func TestCreateRequestStartsInAcceptingStatus(t *testing.T) {
	e, ctx := newTestEngine(t)
	cases := map[string]string{
		domain.RoadsideAssistance: "pending",
		domain.MechanicalRepair:   "pending",
		domain.CargoTransport:     "open",
		domain.TripRide:           "open",
	}
	for domainTag, want := range cases {
		req := mustCreateRequest(t, ctx, e, domainTag)
		if req.Status != want {
			t.Errorf("%s: status = %s, want %s", domainTag, req.Status, want)
		}
		if req.Version != 1 {
			t.Errorf("%s: version = %d, want 1", domainTag, req.Version)
		}
		if got := countEvents(t, ctx, e, "request.created", req.ID); got != 1 {
			t.Errorf("%s: request.created events = %d, want 1", domainTag, got)
		}
	}
}

func TestCreateRequestValidation(t *testing.T) {
	e, ctx := newTestEngine(t)
	cases := []struct {
		name string
		opts CreateRequestOptions
	}{
		{"unknown domain", CreateRequestOptions{Domain: "plumbing", RequesterID: "r1"}},
		{"missing requester", CreateRequestOptions{Domain: domain.RoadsideAssistance}},
		{"bad payload", CreateRequestOptions{Domain: domain.RoadsideAssistance, RequesterID: "r1", PayloadJSON: "{not json"}},
		{"bad expiry", CreateRequestOptions{Domain: domain.RoadsideAssistance, RequesterID: "r1", Expiry: "tomorrow"}},
	}
	for _, tc := range cases {
		_, err := e.CreateRequest(ctx, tc.opts)
		var verr ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: err = %v, want ValidationError", tc.name, err)
		}
	}
}

func TestSubmitOfferDefaultTTL(t *testing.T) {
	e, ctx := newTestEngine(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return now }

	req := mustCreateRequest(t, ctx, e, domain.RoadsideAssistance)
	o := mustSubmitOffer(t, ctx, e, req.ID, "prov-1", 5000)
	if o.Expiry == nil {
		t.Fatal("offer expiry not defaulted")
	}
	want := now.Add(time.Duration(e.Config.Marketplace.DefaultOfferTTLSeconds) * time.Second).Format(time.RFC3339)
	if *o.Expiry != want {
		t.Errorf("offer expiry = %s, want %s", *o.Expiry, want)
	}
}

func TestSubmitOfferOnClosedRequest(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.CargoTransport)
	o := mustSubmitOffer(t, ctx, e, req.ID, "prov-1", 12000)
	if _, err := e.AcceptOffer(ctx, req.ID, o.ID, "requester-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err := e.SubmitOffer(ctx, SubmitOfferOptions{RequestID: req.ID, ProviderID: "prov-2", PriceCents: 9000})
	if !errors.Is(err, ErrRequestNotOpen) {
		t.Errorf("err = %v, want ErrRequestNotOpen", err)
	}
}

func TestSubmitOfferOnExpiredRequest(t *testing.T) {
	e, ctx := newTestEngine(t)
	past := pastTimestamp()
	req, err := e.CreateRequest(ctx, CreateRequestOptions{
		Domain:      domain.TripRide,
		RequesterID: "requester-1",
		Expiry:      past,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	// Not yet swept; the expiry timestamp alone must block new offers.
	_, err = e.SubmitOffer(ctx, SubmitOfferOptions{RequestID: req.ID, ProviderID: "prov-1", PriceCents: 3000})
	if !errors.Is(err, ErrRequestExpired) {
		t.Errorf("err = %v, want ErrRequestExpired", err)
	}
}

func TestAcceptOfferAssignsAndSupersedes(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.RoadsideAssistance)
	winner := mustSubmitOffer(t, ctx, e, req.ID, "prov-1", 5000)
	loser := mustSubmitOffer(t, ctx, e, req.ID, "prov-2", 4500)

	a, err := e.AcceptOffer(ctx, req.ID, winner.ID, "requester-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if a.OfferID != winner.ID || a.ProviderID != "prov-1" || a.PriceCents != 5000 {
		t.Errorf("assignment = %+v", a)
	}

	got, err := e.Repo.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "assigned" {
		t.Errorf("request status = %s, want assigned", got.Status)
	}
	if got.Version != req.Version+1 {
		t.Errorf("request version = %d, want %d", got.Version, req.Version+1)
	}

	w, _ := e.Repo.GetOffer(ctx, winner.ID)
	if w.Status != domain.OfferAccepted {
		t.Errorf("winner status = %s, want accepted", w.Status)
	}
	l, _ := e.Repo.GetOffer(ctx, loser.ID)
	if l.Status != domain.OfferSuperseded {
		t.Errorf("loser status = %s, want superseded", l.Status)
	}
	if got := countEvents(t, ctx, e, "request.assigned", req.ID); got != 1 {
		t.Errorf("request.assigned events = %d, want 1", got)
	}
	if got := countEvents(t, ctx, e, "offer.superseded", loser.ID); got != 1 {
		t.Errorf("offer.superseded events = %d, want 1", got)
	}
}

func TestConcurrentAcceptanceSingleWinner(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.RoadsideAssistance)

	const contenders = 8
	offers := make([]domain.Offer, contenders)
	for i := range offers {
		offers[i] = mustSubmitOffer(t, ctx, e, req.ID, fmt.Sprintf("prov-%d", i), int64(1000*(i+1)))
	}

	errs := make([]error, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.AcceptOffer(ctx, req.ID, offers[i].ID, "requester-1")
		}(i)
	}
	wg.Wait()

	var winners int
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrRequestAlreadyAssigned):
		default:
			t.Errorf("contender %d: unexpected err %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}

	got, err := e.Repo.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "assigned" {
		t.Errorf("request status = %s, want assigned", got.Status)
	}
	a, err := e.Repo.GetAssignment(ctx, req.ID)
	if err != nil {
		t.Fatalf("assignment: %v", err)
	}

	var accepted, superseded int
	all, err := e.Repo.ListOffers(ctx, repo.OfferFilters{RequestID: req.ID})
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range all {
		switch o.Status {
		case domain.OfferAccepted:
			accepted++
			if o.ID != a.OfferID {
				t.Errorf("accepted offer %s does not match assignment offer %s", o.ID, a.OfferID)
			}
		case domain.OfferSuperseded:
			superseded++
		default:
			t.Errorf("offer %s status = %s", o.ID, o.Status)
		}
	}
	if accepted != 1 || superseded != contenders-1 {
		t.Errorf("accepted = %d, superseded = %d", accepted, superseded)
	}
}

func TestAcceptAfterAssignmentReportsAlreadyAssigned(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.MechanicalRepair)
	winner := mustSubmitOffer(t, ctx, e, req.ID, "prov-1", 20000)
	other := mustSubmitOffer(t, ctx, e, req.ID, "prov-2", 18000)
	if _, err := e.AcceptOffer(ctx, req.ID, winner.ID, "requester-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// Re-accepting the winner and accepting a superseded offer both report
	// the committed outcome.
	if _, err := e.AcceptOffer(ctx, req.ID, winner.ID, "requester-1"); !errors.Is(err, ErrRequestAlreadyAssigned) {
		t.Errorf("re-accept winner: err = %v, want ErrRequestAlreadyAssigned", err)
	}
	if _, err := e.AcceptOffer(ctx, req.ID, other.ID, "requester-1"); !errors.Is(err, ErrRequestAlreadyAssigned) {
		t.Errorf("accept superseded: err = %v, want ErrRequestAlreadyAssigned", err)
	}
}

func TestAcceptOnExpiredRequest(t *testing.T) {
	e, ctx := newTestEngine(t)
	req, err := e.CreateRequest(ctx, CreateRequestOptions{
		Domain:      domain.RoadsideAssistance,
		RequesterID: "requester-1",
		Expiry:      time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	o := mustSubmitOffer(t, ctx, e, req.ID, "prov-1", 5000)

	e.Now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := e.AcceptOffer(ctx, req.ID, o.ID, "requester-1"); !errors.Is(err, ErrRequestExpired) {
		t.Errorf("before sweep: err = %v, want ErrRequestExpired", err)
	}
	if _, err := e.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := e.AcceptOffer(ctx, req.ID, o.ID, "requester-1"); !errors.Is(err, ErrRequestExpired) {
		t.Errorf("after sweep: err = %v, want ErrRequestExpired", err)
	}
}

func TestAcceptUnavailableOffer(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.CargoTransport)
	other := mustCreateRequest(t, ctx, e, domain.CargoTransport)
	o := mustSubmitOffer(t, ctx, e, req.ID, "prov-1", 30000)

	// Offer belongs to a different request.
	if _, err := e.AcceptOffer(ctx, other.ID, o.ID, "requester-1"); !errors.Is(err, ErrOfferUnavailable) {
		t.Errorf("cross-request accept: err = %v, want ErrOfferUnavailable", err)
	}

	expired, err := e.SubmitOffer(ctx, SubmitOfferOptions{
		RequestID:  req.ID,
		ProviderID: "prov-2",
		PriceCents: 25000,
		Expiry:     time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := e.AcceptOffer(ctx, req.ID, expired.ID, "requester-1"); !errors.Is(err, ErrOfferUnavailable) {
		t.Errorf("expired offer accept: err = %v, want ErrOfferUnavailable", err)
	}
}

func TestAcceptSupersededOfferReportsAssignedRequest(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.RoadsideAssistance)
	winner := mustSubmitOffer(t, ctx, e, req.ID, "provider-1", 4000)
	loser := mustSubmitOffer(t, ctx, e, req.ID, "provider-2", 3500)

	if _, err := e.AcceptOffer(ctx, req.ID, winner.ID, "requester-1"); err != nil {
		t.Fatalf("accept winner: %v", err)
	}

	// Replay the interleaving where a competing acceptor read the request
	// row before the winner committed: rewind the request to its
	// pre-acceptance snapshot while the offers and assignment keep the
	// committed outcome, so the loser sees a stale accepting request and a
	// superseded offer.
	if _, err := e.DB.ExecContext(ctx, `UPDATE requests SET status=?, version=? WHERE id=?`,
		req.Status, req.Version, req.ID); err != nil {
		t.Fatalf("rewind request row: %v", err)
	}

	if _, err := e.AcceptOffer(ctx, req.ID, loser.ID, "requester-1"); !errors.Is(err, ErrRequestAlreadyAssigned) {
		t.Errorf("accept superseded offer: err = %v, want ErrRequestAlreadyAssigned", err)
	}
}

func TestDeclineOfferLeavesCompetitionOpen(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.TripRide)
	declined := mustSubmitOffer(t, ctx, e, req.ID, "prov-1", 2000)
	kept := mustSubmitOffer(t, ctx, e, req.ID, "prov-2", 2500)

	if err := e.DeclineOffer(ctx, declined.ID, "requester-1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	got, _ := e.Repo.GetRequest(ctx, req.ID)
	if got.Status != "open" {
		t.Errorf("request status = %s, want open", got.Status)
	}
	k, _ := e.Repo.GetOffer(ctx, kept.ID)
	if k.Status != domain.OfferOpen {
		t.Errorf("kept offer status = %s, want open", k.Status)
	}
	if _, err := e.AcceptOffer(ctx, req.ID, declined.ID, "requester-1"); !errors.Is(err, ErrOfferUnavailable) {
		t.Errorf("accept declined offer: err = %v, want ErrOfferUnavailable", err)
	}
	if err := e.DeclineOffer(ctx, declined.ID, "requester-1"); !errors.Is(err, ErrOfferUnavailable) {
		t.Errorf("double decline: err = %v, want ErrOfferUnavailable", err)
	}
}

func TestWithdrawOffer(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.RoadsideAssistance)
	o := mustSubmitOffer(t, ctx, e, req.ID, "prov-1", 4000)

	var verr ValidationError
	if err := e.WithdrawOffer(ctx, o.ID, "prov-2"); !errors.As(err, &verr) {
		t.Errorf("withdraw by stranger: err = %v, want ValidationError", err)
	}
	if err := e.WithdrawOffer(ctx, o.ID, "prov-1"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	got, _ := e.Repo.GetOffer(ctx, o.ID)
	if got.Status != domain.OfferWithdrawn {
		t.Errorf("offer status = %s, want withdrawn", got.Status)
	}
}

func TestFullLifecyclePerDomain(t *testing.T) {
	cases := []struct {
		domainTag  string
		inProgress string
		completed  string
	}{
		{domain.RoadsideAssistance, "in_progress", "completed"},
		{domain.MechanicalRepair, "scheduled", "completed"},
		{domain.CargoTransport, "in_transit", "delivered"},
		{domain.TripRide, "confirmed", "completed"},
	}
	for _, tc := range cases {
		t.Run(tc.domainTag, func(t *testing.T) {
			e, ctx := newTestEngine(t)
			req := mustCreateRequest(t, ctx, e, tc.domainTag)
			o := mustSubmitOffer(t, ctx, e, req.ID, "prov-1", 10000)
			if _, err := e.AcceptOffer(ctx, req.ID, o.ID, "requester-1"); err != nil {
				t.Fatalf("accept: %v", err)
			}
			started, err := e.StartWork(ctx, req.ID, "prov-1")
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			if started.Status != tc.inProgress {
				t.Errorf("started status = %s, want %s", started.Status, tc.inProgress)
			}
			if err := e.CompleteAssignment(ctx, req.ID, CompletionDetails{}, "prov-1"); err != nil {
				t.Fatalf("complete: %v", err)
			}
			got, _ := e.Repo.GetRequest(ctx, req.ID)
			if got.Status != tc.completed {
				t.Errorf("final status = %s, want %s", got.Status, tc.completed)
			}
			a, err := e.Repo.GetAssignment(ctx, req.ID)
			if err != nil {
				t.Fatal(err)
			}
			if a.CompletedAt == nil || a.SettlementCents == nil || *a.SettlementCents != 10000 {
				t.Errorf("assignment bookkeeping = %+v", a)
			}
		})
	}
}

func TestCompletionLedgerMath(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.RoadsideAssistance)
	o := mustSubmitOffer(t, ctx, e, req.ID, "prov-1", 500)
	if _, err := e.AcceptOffer(ctx, req.ID, o.ID, "requester-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.StartWork(ctx, req.ID, "prov-1"); err != nil {
		t.Fatal(err)
	}
	if err := e.CompleteAssignment(ctx, req.ID, CompletionDetails{}, "prov-1"); err != nil {
		t.Fatal(err)
	}

	entries, err := e.Repo.ListLedgerEntries(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	byAccount := map[string]map[string]int64{}
	for _, entry := range entries {
		if byAccount[entry.AccountID] == nil {
			byAccount[entry.AccountID] = map[string]int64{}
		}
		byAccount[entry.AccountID][entry.EntryType] += entry.Amount
	}
	// fee_bps 1000: settlement 500, fee 50, provider net 450.
	if got := byAccount["requester-1"][domain.EntryExpense]; got != 500 {
		t.Errorf("requester expense = %d, want 500", got)
	}
	if got := byAccount["prov-1"][domain.EntryEarning]; got != 500 {
		t.Errorf("provider earning = %d, want 500", got)
	}
	if got := byAccount[ledger.PlatformAccount][domain.EntryFee]; got != -50 {
		t.Errorf("platform fee = %d, want -50", got)
	}
	if net := ledger.ProviderNet(entries); net != 450 {
		t.Errorf("provider net = %d, want 450", net)
	}
	if got := countEvents(t, ctx, e, "ledger.posted", req.ID); got != 1 {
		t.Errorf("ledger.posted events = %d, want 1", got)
	}
}

type failingPoster struct{}

func (failingPoster) PostCompletion(ctx context.Context, tx *sql.Tx, req domain.Request, a domain.Assignment, settlementCents int64) ([]domain.LedgerEntry, error) {
	return nil, errors.New("ledger store unavailable")
}

func TestCompletionAbortsWhenLedgerPostingFails(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.CargoTransport)
	o := mustSubmitOffer(t, ctx, e, req.ID, "prov-1", 30000)
	if _, err := e.AcceptOffer(ctx, req.ID, o.ID, "requester-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.StartWork(ctx, req.ID, "prov-1"); err != nil {
		t.Fatal(err)
	}

	e.Ledger = failingPoster{}
	err := e.CompleteAssignment(ctx, req.ID, CompletionDetails{}, "prov-1")
	if !errors.Is(err, ErrLedgerPostingFailed) {
		t.Fatalf("err = %v, want ErrLedgerPostingFailed", err)
	}

	got, _ := e.Repo.GetRequest(ctx, req.ID)
	if got.Status != "in_transit" {
		t.Errorf("request status = %s, want in_transit (rollback)", got.Status)
	}
	a, err := e.Repo.GetAssignment(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.CompletedAt != nil {
		t.Error("assignment marked completed despite rollback")
	}
	entries, _ := e.Repo.ListLedgerEntries(ctx, req.ID)
	if len(entries) != 0 {
		t.Errorf("ledger entries = %d, want 0", len(entries))
	}

	// The aborted attempt is retryable once the poster recovers.
	e.Ledger = ledger.Poster{Repo: e.Repo, FeeBps: e.Config.Marketplace.FeeBps}
	if err := e.CompleteAssignment(ctx, req.ID, CompletionDetails{}, "prov-1"); err != nil {
		t.Fatalf("retry complete: %v", err)
	}
}

func TestCompleteTwice(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.TripRide)
	o := mustSubmitOffer(t, ctx, e, req.ID, "prov-1", 1500)
	if _, err := e.AcceptOffer(ctx, req.ID, o.ID, "requester-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.StartWork(ctx, req.ID, "prov-1"); err != nil {
		t.Fatal(err)
	}
	if err := e.CompleteAssignment(ctx, req.ID, CompletionDetails{}, "prov-1"); err != nil {
		t.Fatal(err)
	}
	if err := e.CompleteAssignment(ctx, req.ID, CompletionDetails{}, "prov-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second complete: err = %v, want ErrInvalidTransition", err)
	}
}

func TestCompleteWithoutAssignment(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.RoadsideAssistance)
	if err := e.CompleteAssignment(ctx, req.ID, CompletionDetails{}, "requester-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelRequestSupersedesOpenOffers(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.RoadsideAssistance)
	o := mustSubmitOffer(t, ctx, e, req.ID, "prov-1", 5000)

	if err := e.CancelRequest(ctx, req.ID, "found help nearby", "requester-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := e.Repo.GetRequest(ctx, req.ID)
	if got.Status != statemachine.StatusCancelled {
		t.Errorf("request status = %s, want cancelled", got.Status)
	}
	oGot, _ := e.Repo.GetOffer(ctx, o.ID)
	if oGot.Status != domain.OfferSuperseded {
		t.Errorf("offer status = %s, want superseded", oGot.Status)
	}
	if err := e.CancelRequest(ctx, req.ID, "", "requester-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel terminal request: err = %v, want ErrInvalidTransition", err)
	}
}

func TestDeclineRequestMechanicalOnly(t *testing.T) {
	e, ctx := newTestEngine(t)
	mech := mustCreateRequest(t, ctx, e, domain.MechanicalRepair)
	if err := e.DeclineRequest(ctx, mech.ID, "over budget", "requester-1"); err != nil {
		t.Fatalf("decline mechanical: %v", err)
	}
	got, _ := e.Repo.GetRequest(ctx, mech.ID)
	if got.Status != "declined" {
		t.Errorf("status = %s, want declined", got.Status)
	}

	roadside := mustCreateRequest(t, ctx, e, domain.RoadsideAssistance)
	if err := e.DeclineRequest(ctx, roadside.ID, "", "requester-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("decline roadside: err = %v, want ErrInvalidTransition", err)
	}
}

func TestSweepExpired(t *testing.T) {
	e, ctx := newTestEngine(t)
	past := pastTimestamp()

	dead, err := e.CreateRequest(ctx, CreateRequestOptions{
		Domain:      domain.RoadsideAssistance,
		RequesterID: "requester-1",
		Expiry:      past,
	})
	if err != nil {
		t.Fatal(err)
	}
	fresh := mustCreateRequest(t, ctx, e, domain.RoadsideAssistance)
	staleOffer, err := e.SubmitOffer(ctx, SubmitOfferOptions{
		RequestID:  fresh.ID,
		ProviderID: "prov-1",
		PriceCents: 5000,
		Expiry:     past,
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := e.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.RequestsExpired) != 1 || report.RequestsExpired[0] != dead.ID {
		t.Errorf("requests expired = %v, want [%s]", report.RequestsExpired, dead.ID)
	}
	if len(report.OffersExpired) != 1 || report.OffersExpired[0] != staleOffer.ID {
		t.Errorf("offers expired = %v, want [%s]", report.OffersExpired, staleOffer.ID)
	}

	deadGot, _ := e.Repo.GetRequest(ctx, dead.ID)
	if deadGot.Status != statemachine.StatusExpired {
		t.Errorf("dead request status = %s, want expired", deadGot.Status)
	}
	freshGot, _ := e.Repo.GetRequest(ctx, fresh.ID)
	if freshGot.Status != "pending" {
		t.Errorf("fresh request status = %s, want pending", freshGot.Status)
	}
	offerGot, _ := e.Repo.GetOffer(ctx, staleOffer.ID)
	if offerGot.Status != domain.OfferExpired {
		t.Errorf("stale offer status = %s, want expired", offerGot.Status)
	}
	if got := countEvents(t, ctx, e, "request.expired", dead.ID); got != 1 {
		t.Errorf("request.expired events = %d, want 1", got)
	}
	if got := countEvents(t, ctx, e, "offer.expired", staleOffer.ID); got != 1 {
		t.Errorf("offer.expired events = %d, want 1", got)
	}

	// Idempotent: a second pass finds nothing.
	again, err := e.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.RequestsExpired)+len(again.OffersExpired) != 0 {
		t.Errorf("second sweep expired %v / %v", again.RequestsExpired, again.OffersExpired)
	}
}

func TestStartWorkRequiresAssignment(t *testing.T) {
	e, ctx := newTestEngine(t)
	req := mustCreateRequest(t, ctx, e, domain.RoadsideAssistance)
	if _, err := e.StartWork(ctx, req.ID, "prov-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}
