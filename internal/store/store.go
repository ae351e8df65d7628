// Package store is the Postgres-backed persistence layer for accounts,
// invoices, and payouts (spec §3, §6), grounded on
// original_source/lightning/db.py's DBAccount/DBInvoice/DBPayout and on the
// teacher's generic BatchedTx[Q] transaction pattern
// (lightninglabs-aperture/aperturedb/interface.go), adapted from sqlc/SQLite
// onto a hand-written pgx/v5 query set since this domain has no sqlc
// codegen pipeline of its own.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/satgateway/gateway/internal/account"
	"github.com/satgateway/gateway/internal/logging"
	"github.com/satgateway/gateway/internal/metrics"
	"github.com/satgateway/gateway/internal/pubsub"
)

var log = logging.SubLogger("STOR")

// DefaultQueryTimeout bounds any single round trip to Postgres.
const DefaultQueryTimeout = 10 * time.Second

// Invoice status values (spec §9: the field is always named "status").
const (
	InvoiceCreated = "created"
	InvoicePending = "pending"
	InvoiceExpired = "expired"
	InvoicePaid    = "paid"
)

// invoiceTransitions enumerates the only legal status transitions (spec's
// monotonic, non-reverting invoice lifecycle).
var invoiceTransitions = map[string][]string{
	InvoiceCreated: {InvoicePending},
	InvoicePending: {InvoiceExpired, InvoicePaid},
}

// ErrInvalidTransition is returned when a caller attempts to move an
// invoice to a status that does not follow the current one.
var ErrInvalidTransition = errors.New("store: invalid invoice status transition")

// Invoice mirrors original_source's DBInvoice.
type Invoice struct {
	InvoiceID       int64
	Status          string
	EncodedInvoice  string
	AccountID       string
	CreatedAt       int64
	AmountRequested int64 // USD cents
	ExchangeRate    int64 // sat per USD
	ExpiredAt       int64
}

// Payout mirrors original_source's DBPayout. No SPEC_FULL.md operation
// reads or writes it today; it exists so the store satisfies the
// three-table contract spec §6 names.
type Payout struct {
	AccountID string
	Status    string
	Method    string
	Amount    int64 // USD
}

// Store is the Postgres-backed implementation of account.Store plus the
// invoice/payout operations the invoice generator and Lightning monitor
// depend on. A Bus is injected so successful inserts can publish lifecycle
// events the way original_source's DBInvoice.create_invoice does.
type Store struct {
	pool *pgxpool.Pool
	bus  *pubsub.Bus
}

// New wraps an already-connected pgxpool.Pool. bus is used to publish
// "/invoice/created" on a successful invoice insert (spec §4.7 step 4).
func New(pool *pgxpool.Pool, bus *pubsub.Bus) *Store {
	return &Store{pool: pool, bus: bus}
}

// Connect opens a pgxpool.Pool against dsn. Callers are responsible for
// closing the returned Store's underlying pool via Close.
func Connect(ctx context.Context, dsn string, bus *pubsub.Bus) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to connect: %w", err)
	}
	return New(pool, bus), nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// --- account.Store ---

// FindByUsername implements account.Store.
func (s *Store) FindByUsername(ctx context.Context, username string) (account.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT account_id, username, password, email
		FROM accounts WHERE username = $1`, username)

	var acct account.Account
	err := row.Scan(&acct.ID, &acct.Username, &acct.Password, &acct.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return account.Account{}, account.ErrUserNotFound
	}
	if err != nil {
		return account.Account{}, fmt.Errorf("store: FindByUsername: %w", err)
	}
	return acct, nil
}

// FindByID implements account.Store.
func (s *Store) FindByID(ctx context.Context, id string) (account.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT account_id, username, password, email
		FROM accounts WHERE account_id = $1`, id)

	var acct account.Account
	err := row.Scan(&acct.ID, &acct.Username, &acct.Password, &acct.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return account.Account{}, account.ErrUserNotFound
	}
	if err != nil {
		return account.Account{}, fmt.Errorf("store: FindByID: %w", err)
	}
	return acct, nil
}

// Insert implements account.Store.
func (s *Store) Insert(ctx context.Context, acct account.Account) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (username, password, email)
		VALUES ($1, $2, $3)`, acct.Username, acct.Password, acct.Email)
	if isUniqueViolation(err) {
		return account.ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("store: Insert account: %w", err)
	}
	return nil
}

// --- invoices ---

// CreateInvoice inserts invoice with status "created" and publishes
// "/invoice/created" on success, mirroring DBInvoice.create_invoice.
func (s *Store) CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	inv.Status = InvoiceCreated
	inv.CreatedAt = time.Now().Unix()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO invoices (status, account_id, created_at, amount_requested, exchange_rate)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING invoice_id`,
		inv.Status, inv.AccountID, inv.CreatedAt, inv.AmountRequested, inv.ExchangeRate)

	if err := row.Scan(&inv.InvoiceID); err != nil {
		return Invoice{}, fmt.Errorf("store: CreateInvoice: %w", err)
	}

	s.bus.Publish("/invoice/created", inv)
	return inv, nil
}

// GetInvoice returns a single invoice by id.
func (s *Store) GetInvoice(ctx context.Context, invoiceID int64) (Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT invoice_id, status, encoded_invoice, account_id, created_at,
		       amount_requested, exchange_rate, expired_at
		FROM invoices WHERE invoice_id = $1`, invoiceID)

	var inv Invoice
	err := row.Scan(&inv.InvoiceID, &inv.Status, &inv.EncodedInvoice, &inv.AccountID,
		&inv.CreatedAt, &inv.AmountRequested, &inv.ExchangeRate, &inv.ExpiredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, fmt.Errorf("store: invoice %d not found", invoiceID)
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("store: GetInvoice: %w", err)
	}
	return inv, nil
}

// MarkPending transitions invoice invoiceID from "created" to "pending",
// recording its node-assigned bolt11 string and expiry. Returns
// ErrInvalidTransition if the row is not currently "created".
func (s *Store) MarkPending(ctx context.Context, invoiceID int64, encodedInvoice string, expiredAt int64) (Invoice, error) {
	return s.transitionInvoice(ctx, invoiceID, InvoicePending, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE invoices SET status = $1, encoded_invoice = $2, expired_at = $3
			WHERE invoice_id = $4`, InvoicePending, encodedInvoice, expiredAt, invoiceID)
		return err
	})
}

// Finalize transitions invoice invoiceID from "pending" to status, which
// must be InvoicePaid or InvoiceExpired.
func (s *Store) Finalize(ctx context.Context, invoiceID int64, status string) (Invoice, error) {
	if status != InvoicePaid && status != InvoiceExpired {
		return Invoice{}, fmt.Errorf("store: Finalize: invalid terminal status %q", status)
	}
	return s.transitionInvoice(ctx, invoiceID, status, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE invoices SET status = $1 WHERE invoice_id = $2`, status, invoiceID)
		return err
	})
}

// transitionInvoice runs apply inside a transaction after verifying the
// row's current status legally transitions to next, enforcing the
// invoice lifecycle's monotonic, non-reverting invariant.
func (s *Store) transitionInvoice(ctx context.Context, invoiceID int64, next string, apply func(pgx.Tx) error) (Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Invoice{}, fmt.Errorf("store: transitionInvoice: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	row := tx.QueryRow(ctx, `SELECT status FROM invoices WHERE invoice_id = $1 FOR UPDATE`, invoiceID)
	if err := row.Scan(&current); err != nil {
		return Invoice{}, fmt.Errorf("store: transitionInvoice: select: %w", err)
	}

	if !transitionAllowed(current, next) {
		return Invoice{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	if err := apply(tx); err != nil {
		return Invoice{}, fmt.Errorf("store: transitionInvoice: apply: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("store: transitionInvoice: commit: %w", err)
	}
	metrics.RecordInvoiceTransition(next)

	return s.GetInvoice(ctx, invoiceID)
}

func transitionAllowed(current, next string) bool {
	for _, allowed := range invoiceTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// --- payouts ---

// InsertPayout records a payout request. No SPEC_FULL.md operation reads
// it back yet; it exists to satisfy the three-table contract.
func (s *Store) InsertPayout(ctx context.Context, p Payout) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if p.Status == "" {
		p.Status = "initiated"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payouts (account_id, status, method, amount)
		VALUES ($1, $2, $3, $4)`, p.AccountID, p.Status, p.Method, p.Amount)
	if err != nil {
		return fmt.Errorf("store: InsertPayout: %w", err)
	}
	return nil
}

// postgresUniqueViolation is the SQLSTATE code Postgres returns for a
// unique constraint violation.
const postgresUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == postgresUniqueViolation
}
