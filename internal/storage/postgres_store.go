package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/example/roadside-assist/internal/models"
)

// columns excludes id and version, which every statement handles explicitly.
var columns = []string{
	"tracking_code", "customer_id", "phone_number", "service_type", "location", "description",
	"customer_lat", "customer_lng", "provider_lat", "provider_lng", "status",
	"provider_id", "assigned_at", "assigned_by",
	"quoted_amount", "quote_description", "currency", "provider_share_pct", "quoted_at", "quote_approved_at",
	"payment_reference", "payment_status", "amount", "paid_at",
	"settlement_transfer_id", "settlement_attempts", "settlement_initiated_at", "settlement_failed_at", "settlement_error",
	"customer_confirmed_at", "provider_confirmed_payment_at", "completed_at",
	"created_at", "updated_at",
}

var (
	insertSQL = buildInsert()
	updateSQL = buildUpdate()
	selectSQL = "SELECT id, version, " + strings.Join(columns, ", ") + " FROM service_requests"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, r *models.ServiceRequest) error {
	args := append([]any{r.ID, r.Version}, values(r)...)
	if _, err := p.db.ExecContext(ctx, insertSQL, args...); err != nil {
		if isUniqueViolation(err, "tracking_code") {
			return ErrDuplicateTracking
		}
		return fmt.Errorf("insert request %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx, selectSQL+" WHERE id = $1", id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *models.ServiceRequest, expectedVersion int) error {
	return p.update(ctx, p.db, r, expectedVersion)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) update(ctx context.Context, db execer, r *models.ServiceRequest, expectedVersion int) error {
	args := append(values(r), r.ID, expectedVersion)
	res, err := db.ExecContext(ctx, updateSQL, args...)
	if err != nil {
		return fmt.Errorf("update request %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM service_requests WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	r.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) Finalize(ctx context.Context, r *models.ServiceRequest, expectedVersion int, t *models.Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.update(ctx, tx, r, expectedVersion); err != nil {
		r.Version = expectedVersion
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO transactions (id, request_id, amount, currency, provider_share_pct, provider_amount, platform_amount, transfer_id, confirmed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.RequestID, t.Amount, t.Currency, t.ProviderSharePct, t.ProviderAmount, t.PlatformAmount, nullString(t.TransferID), t.ConfirmedAt)
	if err != nil {
		r.Version = expectedVersion
		if isUniqueViolation(err, "request_id") {
			return ErrAlreadyFinalized
		}
		return fmt.Errorf("insert transaction for %s: %w", r.ID, err)
	}
	if err := tx.Commit(); err != nil {
		r.Version = expectedVersion
		return err
	}
	return nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, requestID string) (*models.Transaction, error) {
	var t models.Transaction
	var transferID sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT id, request_id, amount, currency, provider_share_pct, provider_amount, platform_amount, transfer_id, confirmed_at
		FROM transactions WHERE request_id = $1`, requestID).
		Scan(&t.ID, &t.RequestID, &t.Amount, &t.Currency, &t.ProviderSharePct, &t.ProviderAmount, &t.PlatformAmount, &transferID, &t.ConfirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.TransferID = transferID.String
	return &t, nil
}

func (p *PostgresStore) AttachTransfer(ctx context.Context, requestID, transferID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE transactions SET transfer_id = $2 WHERE request_id = $1`, requestID, transferID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListSettlementFailures(ctx context.Context) ([]*models.ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx, selectSQL+` WHERE customer_confirmed_at IS NOT NULL AND settlement_transfer_id IS NULL AND status IN ($1, $2) ORDER BY updated_at`,
		string(models.StatusAwaitingConfirmation), string(models.StatusCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func buildInsert() string {
	ph := make([]string, 0, len(columns)+2)
	for i := 1; i <= len(columns)+2; i++ {
		ph = append(ph, fmt.Sprintf("$%d", i))
	}
	return "INSERT INTO service_requests (id, version, " + strings.Join(columns, ", ") + ") VALUES (" + strings.Join(ph, ", ") + ")"
}

func buildUpdate() string {
	set := make([]string, 0, len(columns)+1)
	for i, c := range columns {
		set = append(set, fmt.Sprintf("%s = $%d", c, i+1))
	}
	set = append(set, "version = version + 1")
	n := len(columns)
	return fmt.Sprintf("UPDATE service_requests SET %s WHERE id = $%d AND version = $%d", strings.Join(set, ", "), n+1, n+2)
}

// values must stay in the order of columns.
func values(r *models.ServiceRequest) []any {
	var (
		customerLat, customerLng, providerLat, providerLng sql.NullFloat64
		providerID, assignedBy                             sql.NullString
		assignedAt, quotedAt, paidAt                       sql.NullTime
		quotedAmount, sharePct, amount                     decimal.NullDecimal
		quoteDesc, currency, payRef, payStatus             sql.NullString
		transferID, settleErr                              sql.NullString
		initiatedAt, failedAt                              sql.NullTime
		attempts                                           int
	)
	if r.CustomerLoc != nil {
		customerLat = sql.NullFloat64{Float64: r.CustomerLoc.Lat, Valid: true}
		customerLng = sql.NullFloat64{Float64: r.CustomerLoc.Lng, Valid: true}
	}
	if r.ProviderLoc != nil {
		providerLat = sql.NullFloat64{Float64: r.ProviderLoc.Lat, Valid: true}
		providerLng = sql.NullFloat64{Float64: r.ProviderLoc.Lng, Valid: true}
	}
	if a := r.Assignment; a != nil {
		providerID = nullString(a.ProviderID)
		assignedAt = sql.NullTime{Time: a.AssignedAt, Valid: true}
		if a.AssignedBy != nil {
			assignedBy = nullString(*a.AssignedBy)
		}
	}
	if q := r.Quote; q != nil {
		quotedAmount = decimal.NullDecimal{Decimal: q.Amount, Valid: true}
		quoteDesc = nullString(q.Description)
		currency = nullString(q.Currency)
		sharePct = decimal.NullDecimal{Decimal: q.ProviderSharePct, Valid: true}
		quotedAt = sql.NullTime{Time: q.QuotedAt, Valid: true}
	}
	if pm := r.Payment; pm != nil {
		payRef = nullString(pm.Reference)
		payStatus = nullString(string(pm.Status))
		if pm.PaidAt != nil {
			amount = decimal.NullDecimal{Decimal: pm.Amount, Valid: true}
			paidAt = sql.NullTime{Time: *pm.PaidAt, Valid: true}
		}
	}
	if s := r.Settlement; s != nil {
		transferID = nullString(s.TransferID)
		attempts = s.Attempts
		initiatedAt = nullTime(s.InitiatedAt)
		failedAt = nullTime(s.FailedAt)
		settleErr = nullString(s.LastError)
	}
	return []any{
		r.TrackingCode, nullStringPtr(r.CustomerID), nullStringPtr(r.PhoneNumber), string(r.ServiceType), r.Location, nullString(r.Description),
		customerLat, customerLng, providerLat, providerLng, string(r.Status),
		providerID, assignedAt, assignedBy,
		quotedAmount, quoteDesc, currency, sharePct, quotedAt, nullTime(r.QuoteApprovedAt),
		payRef, payStatus, amount, paidAt,
		transferID, attempts, initiatedAt, failedAt, settleErr,
		nullTime(r.CustomerConfirmedAt), nullTime(r.ProviderConfirmedPaymentAt), nullTime(r.CompletedAt),
		r.CreatedAt, r.UpdatedAt,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*models.ServiceRequest, error) {
	var (
		r                                                  models.ServiceRequest
		customerID, phone, description                     sql.NullString
		customerLat, customerLng, providerLat, providerLng sql.NullFloat64
		serviceType, status                                string
		providerID, assignedBy                             sql.NullString
		assignedAt, quotedAt, approvedAt, paidAt           sql.NullTime
		quotedAmount, sharePct, amount                     decimal.NullDecimal
		quoteDesc, currency, payRef, payStatus             sql.NullString
		transferID, settleErr                              sql.NullString
		attempts                                           int
		initiatedAt, failedAt                              sql.NullTime
		customerConfirmed, providerConfirmed, completed    sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.Version,
		&r.TrackingCode, &customerID, &phone, &serviceType, &r.Location, &description,
		&customerLat, &customerLng, &providerLat, &providerLng, &status,
		&providerID, &assignedAt, &assignedBy,
		&quotedAmount, &quoteDesc, &currency, &sharePct, &quotedAt, &approvedAt,
		&payRef, &payStatus, &amount, &paidAt,
		&transferID, &attempts, &initiatedAt, &failedAt, &settleErr,
		&customerConfirmed, &providerConfirmed, &completed,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ServiceType = models.ServiceType(serviceType)
	r.Status = models.Status(status)
	r.Description = description.String
	r.CustomerID = stringPtr(customerID)
	r.PhoneNumber = stringPtr(phone)
	if customerLat.Valid && customerLng.Valid {
		r.CustomerLoc = &models.Coord{Lat: customerLat.Float64, Lng: customerLng.Float64}
	}
	if providerLat.Valid && providerLng.Valid {
		r.ProviderLoc = &models.Coord{Lat: providerLat.Float64, Lng: providerLng.Float64}
	}
	if providerID.Valid {
		r.Assignment = &models.Assignment{ProviderID: providerID.String, AssignedAt: assignedAt.Time, AssignedBy: stringPtr(assignedBy)}
	}
	if quotedAmount.Valid {
		r.Quote = &models.Quote{
			Amount:           quotedAmount.Decimal,
			Description:      quoteDesc.String,
			Currency:         currency.String,
			ProviderSharePct: sharePct.Decimal,
			QuotedAt:         quotedAt.Time,
		}
	}
	r.QuoteApprovedAt = timePtr(approvedAt)
	if payRef.Valid {
		r.Payment = &models.Payment{Reference: payRef.String, Status: models.PaymentStatus(payStatus.String), PaidAt: timePtr(paidAt)}
		if amount.Valid {
			r.Payment.Amount = amount.Decimal
		}
	}
	if attempts > 0 || transferID.Valid {
		r.Settlement = &models.Settlement{
			TransferID:  transferID.String,
			Attempts:    attempts,
			InitiatedAt: timePtr(initiatedAt),
			FailedAt:    timePtr(failedAt),
			LastError:   settleErr.String,
		}
	}
	r.CustomerConfirmedAt = timePtr(customerConfirmed)
	r.ProviderConfirmedPaymentAt = timePtr(providerConfirmed)
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

func isUniqueViolation(err error, column string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && (strings.Contains(pqErr.Constraint, column) || strings.Contains(pqErr.Detail, column))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
