package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"offerline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// --- requests ---

const requestColumns = `id,domain,requester_id,status,priority,payload_json,expiry,version,created_at,updated_at`

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(id,domain,requester_id,status,priority,payload_json,expiry,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.Domain, req.RequesterID, req.Status, nullableIntPtr(req.Priority), nullableStringPtr(req.PayloadJSON),
		nullableStringPtr(req.Expiry), req.Version, req.CreatedAt, req.UpdatedAt)
	return err
}

func scanRequest(scan func(dest ...any) error) (domain.Request, error) {
	var req domain.Request
	var priority sql.NullInt64
	var payload, expiry sql.NullString
	err := scan(&req.ID, &req.Domain, &req.RequesterID, &req.Status, &priority, &payload, &expiry, &req.Version, &req.CreatedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if priority.Valid {
		p := int(priority.Int64)
		req.Priority = &p
	}
	if payload.Valid {
		req.PayloadJSON = &payload.String
	}
	if expiry.Valid {
		req.Expiry = &expiry.String
	}
	return req, nil
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

type RequestFilters struct {
	Domain          string
	Status          string
	RequesterID     string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.Domain != "" {
		clauses = append(clauses, "domain=?")
		args = append(args, f.Domain)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// CASRequestStatus flips a request's status only if the caller's pre-read
// status and version still hold. It is the sole serialization point for a
// request; a false return means another writer committed first.
func (r Repo) CASRequestStatus(ctx context.Context, tx *sql.Tx, id, fromStatus string, fromVersion int64, toStatus, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, version=version+1, updated_at=? WHERE id=? AND status=? AND version=?`,
		toStatus, updatedAt, id, fromStatus, fromVersion)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// --- offers ---

const offerColumns = `id,request_id,provider_id,price_cents,eta_minutes,note,status,expiry,version,created_at,updated_at`

func (r Repo) InsertOffer(ctx context.Context, tx *sql.Tx, o domain.Offer) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO offers(id,request_id,provider_id,price_cents,eta_minutes,note,status,expiry,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.RequestID, o.ProviderID, o.PriceCents, nullableIntPtr(o.ETAMinutes), nullable(o.Note),
		o.Status, nullableStringPtr(o.Expiry), o.Version, o.CreatedAt, o.UpdatedAt)
	return err
}

func scanOffer(scan func(dest ...any) error) (domain.Offer, error) {
	var o domain.Offer
	var eta sql.NullInt64
	var note, expiry sql.NullString
	err := scan(&o.ID, &o.RequestID, &o.ProviderID, &o.PriceCents, &eta, &note, &o.Status, &expiry, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if eta.Valid {
		e := int(eta.Int64)
		o.ETAMinutes = &e
	}
	if note.Valid {
		o.Note = note.String
	}
	if expiry.Valid {
		o.Expiry = &expiry.String
	}
	return o, nil
}

func (r Repo) GetOffer(ctx context.Context, id string) (domain.Offer, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=?`, id)
	return scanOffer(row.Scan)
}

func (r Repo) GetOfferTx(ctx context.Context, tx *sql.Tx, id string) (domain.Offer, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=?`, id)
	return scanOffer(row.Scan)
}

type OfferFilters struct {
	RequestID  string
	Status     string
	ProviderID string
}

func (r Repo) ListOffers(ctx context.Context, f OfferFilters) ([]domain.Offer, error) {
	var clauses []string
	var args []any
	if f.RequestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ProviderID != "" {
		clauses = append(clauses, "provider_id=?")
		args = append(args, f.ProviderID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// UpdateOfferStatus moves an offer out of fromStatus. Conditional on the
// current status so concurrent terminal moves cannot overwrite each other.
func (r Repo) UpdateOfferStatus(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE offers SET status=?, version=version+1, updated_at=? WHERE id=? AND status=?`,
		toStatus, updatedAt, id, fromStatus)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SupersedeOpenOffers marks every open offer on the request except the
// winner as superseded and returns the affected offer ids.
func (r Repo) SupersedeOpenOffers(ctx context.Context, tx *sql.Tx, requestID, winnerOfferID, updatedAt string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM offers WHERE request_id=? AND status=? AND id<>?`,
		requestID, domain.OfferOpen, winnerOfferID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE offers SET status=?, version=version+1, updated_at=? WHERE id=?`,
			domain.OfferSuperseded, updatedAt, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// --- assignments ---

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(request_id,offer_id,provider_id,price_cents,assigned_at) VALUES (?,?,?,?,?)`,
		a.RequestID, a.OfferID, a.ProviderID, a.PriceCents, a.AssignedAt)
	return err
}

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var completedAt sql.NullString
	var settlement sql.NullInt64
	err := scan(&a.RequestID, &a.OfferID, &a.ProviderID, &a.PriceCents, &a.AssignedAt, &completedAt, &settlement)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	if settlement.Valid {
		a.SettlementCents = &settlement.Int64
	}
	return a, nil
}

func (r Repo) GetAssignment(ctx context.Context, requestID string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT request_id,offer_id,provider_id,price_cents,assigned_at,completed_at,settlement_cents FROM assignments WHERE request_id=?`, requestID)
	return scanAssignment(row.Scan)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, requestID string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT request_id,offer_id,provider_id,price_cents,assigned_at,completed_at,settlement_cents FROM assignments WHERE request_id=?`, requestID)
	return scanAssignment(row.Scan)
}

// MarkAssignmentCompleted stamps completion bookkeeping on the assignment.
// Conditional on not already being completed.
func (r Repo) MarkAssignmentCompleted(ctx context.Context, tx *sql.Tx, requestID, completedAt string, settlementCents int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET completed_at=?, settlement_cents=? WHERE request_id=? AND completed_at IS NULL`,
		completedAt, settlementCents, requestID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// --- ledger ---

func (r Repo) InsertLedgerEntry(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(id,request_id,account_id,entry_type,amount_cents,created_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.RequestID, e.AccountID, e.EntryType, e.Amount, e.CreatedAt)
	return err
}

func (r Repo) ListLedgerEntries(ctx context.Context, requestID string) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,account_id,entry_type,amount_cents,created_at FROM ledger_entries WHERE request_id=? ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.AccountID, &e.EntryType, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- expiry sweeping ---

// ListDueRequests returns requests whose expiry has passed while still in
// one of the given (accepting-offers) statuses.
func (r Repo) ListDueRequests(ctx context.Context, statuses []string, now string, limit int) ([]domain.Request, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+2)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, now)
	query := fmt.Sprintf(`SELECT %s FROM requests WHERE status IN (%s) AND expiry IS NOT NULL AND expiry < ? ORDER BY expiry ASC`, requestColumns, placeholders)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// ListDueOffers returns open offers whose expiry has passed.
func (r Repo) ListDueOffers(ctx context.Context, now string, limit int) ([]domain.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE status=? AND expiry IS NOT NULL AND expiry < ? ORDER BY expiry ASC`
	args := []any{domain.OfferOpen, now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- actors ---

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, domainTag, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, domainTag, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, domainTag, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if domainTag != "" {
		clauses = append(clauses, "domain=?")
		args = append(args, domainTag)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(domain,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, domainTag string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if domainTag != "" {
		clauses = append(clauses, "domain=?")
		args = append(args, domainTag)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(domain,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Domain, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally scoped to a domain.
func (r Repo) LatestEventID(ctx context.Context, domainTag string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if domainTag != "" {
		query += ` WHERE domain=?`
		args = append(args, domainTag)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
