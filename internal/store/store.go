// Package store is the Postgres substrate (C1): pooled connections, row
// locking, CHECK constraints, and the append-only triggers on ledger
// tables. It implements the ledger engine's persistence (post_transaction,
// get_balance, get_transactions_by_reference), payment row access under
// FOR UPDATE, idempotency-key storage, and the supplemental hash-chained
// event log.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corebank/payments-ledger/internal/domain"
	"github.com/corebank/payments-ledger/internal/idgen"
	"github.com/corebank/payments-ledger/internal/money"
	"github.com/corebank/payments-ledger/internal/statemachine"
)

var (
	ErrNotFound   = errors.New("store: not found")
	ErrValidation = errors.New("store: validation error")
)

// pool is the subset of *pgxpool.Pool the store calls outside an explicit
// transaction. It exists so tests can substitute pgxmock's pool for a live
// database; *pgxpool.Pool satisfies it without any adapter.
type pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Store struct {
	db pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

// NewWithPool is the test-only constructor: it accepts any pool
// implementation, so a pgxmock.Pool can stand in for *pgxpool.Pool without a
// live Postgres.
func NewWithPool(db pool) *Store { return &Store{db: db} }

// BeginTx opens a storage transaction at read-committed isolation, the
// isolation plus FOR UPDATE row locking the engine relies on (spec §5).
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

// =========================
// Ledger engine (C4)
// =========================

// PostTransaction validates and inserts one ledger transaction and its
// entries, in the fail-fast order the ledger engine contract specifies:
// entry count, balance, then account existence. The storage amount>0
// CHECK is the final guard behind the balance check.
func (s *Store) PostTransaction(
	ctx context.Context,
	tx pgx.Tx,
	description, referenceType, referenceID string,
	entries []domain.EntryInput,
) (*domain.LedgerTransaction, error) {
	if len(entries) < 2 {
		return nil, fmt.Errorf("%w: at least 2 entries required, got %d", ErrValidation, len(entries))
	}

	debitSum, creditSum := money.Zero(), money.Zero()
	accountIDs := map[string]bool{}
	for _, e := range entries {
		switch e.Direction {
		case domain.Debit:
			debitSum = debitSum.Add(e.Amount)
		case domain.Credit:
			creditSum = creditSum.Add(e.Amount)
		default:
			return nil, fmt.Errorf("%w: unknown direction %q", ErrValidation, e.Direction)
		}
		accountIDs[e.AccountID] = true
	}
	if !debitSum.Equal(creditSum) {
		return nil, fmt.Errorf("%w: unbalanced transaction (debits=%s credits=%s)", ErrValidation, debitSum, creditSum)
	}

	distinct := make([]string, 0, len(accountIDs))
	for id := range accountIDs {
		distinct = append(distinct, id)
	}
	sort.Strings(distinct)

	rows, err := tx.Query(ctx, `SELECT account_id FROM accounts WHERE account_id = ANY($1)`, distinct)
	if err != nil {
		return nil, err
	}
	found := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		found[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range distinct {
		if !found[id] {
			return nil, fmt.Errorf("%w: unknown account %q", ErrValidation, id)
		}
	}

	txnID := idgen.Transaction()
	now := time.Now().UTC()

	var refType, refID *string
	if referenceType != "" {
		refType = &referenceType
	}
	if referenceID != "" {
		refID = &referenceID
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_transactions(transaction_id, description, reference_type, reference_id, created_at)
		 VALUES($1,$2,$3,$4,$5)`,
		txnID, description, refType, refID, now,
	)
	if err != nil {
		return nil, err
	}

	out := &domain.LedgerTransaction{
		ID:            txnID,
		Description:   description,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		CreatedAt:     now,
		Entries:       make([]domain.LedgerEntry, 0, len(entries)),
	}

	for _, e := range entries {
		entryID := idgen.Entry()
		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries(entry_id, transaction_id, account_id, direction, amount, created_at)
			 VALUES($1,$2,$3,$4,$5,$6)`,
			entryID, txnID, e.AccountID, string(e.Direction), e.Amount, now,
		)
		if err != nil {
			return nil, err
		}
		out.Entries = append(out.Entries, domain.LedgerEntry{
			ID: entryID, TransactionID: txnID, AccountID: e.AccountID,
			Direction: e.Direction, Amount: e.Amount, CreatedAt: now,
		})
	}

	return out, nil
}

// GetBalance derives an account's signed balance from its entries alone;
// balances are never stored. asset/expense accounts are debit-normal,
// liability/revenue/equity accounts are credit-normal.
func (s *Store) GetBalance(ctx context.Context, accountID string) (money.Amount, domain.AccountKind, error) {
	var kind string
	err := s.db.QueryRow(ctx, `SELECT kind FROM accounts WHERE account_id=$1`, accountID).Scan(&kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return money.Amount{}, "", domain.NotFoundError("account", accountID)
		}
		return money.Amount{}, "", err
	}

	var debitSum, creditSum money.Amount
	if err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id=$1 AND direction='DEBIT'`,
		accountID,
	).Scan(&debitSum); err != nil {
		return money.Amount{}, "", err
	}
	if err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id=$1 AND direction='CREDIT'`,
		accountID,
	).Scan(&creditSum); err != nil {
		return money.Amount{}, "", err
	}

	k := domain.AccountKind(kind)
	if k.IsDebitNormal() {
		return debitSum.Sub(creditSum), k, nil
	}
	return creditSum.Sub(debitSum), k, nil
}

// GetTransactionsByReference returns transactions for (referenceType,
// referenceID) ordered by commit time ascending, each with its entries.
func (s *Store) GetTransactionsByReference(ctx context.Context, referenceType, referenceID string) ([]domain.LedgerTransaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT transaction_id, description, reference_type, reference_id, created_at
		   FROM ledger_transactions
		  WHERE reference_type=$1 AND reference_id=$2
		  ORDER BY created_at ASC, transaction_id ASC`,
		referenceType, referenceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerTransaction
	for rows.Next() {
		var t domain.LedgerTransaction
		var refType, refID *string
		if err := rows.Scan(&t.ID, &t.Description, &refType, &refID, &t.CreatedAt); err != nil {
			return nil, err
		}
		if refType != nil {
			t.ReferenceType = *refType
		}
		if refID != nil {
			t.ReferenceID = *refID
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		entries, err := s.entriesForTransaction(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Entries = entries
	}
	return out, nil
}

func (s *Store) entriesForTransaction(ctx context.Context, transactionID string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT entry_id, transaction_id, account_id, direction, amount, created_at
		   FROM ledger_entries WHERE transaction_id=$1 ORDER BY entry_id ASC`,
		transactionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var dir string
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &dir, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Direction = domain.Direction(dir)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =========================
// Payments (C6 substrate access)
// =========================

// LockPaymentForUpdate is the first statement of every mutating payment
// operation that touches the payment row: it acquires the row lock before
// any validation that depends on mutable payment state. Within the same
// transaction only the idempotency-key advisory lock and key lookup run
// before it.
func (s *Store) LockPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (*domain.Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `
		SELECT payment_id, status, amount, currency, authorized_amount, captured_amount,
		       refunded_amount, description, metadata, idempotency_key,
		       created_at, updated_at, expires_at
		  FROM payments WHERE payment_id=$1 FOR UPDATE`, paymentID), paymentID)
}

// GetPayment is a pure read: no lock, no expiration sweep.
func (s *Store) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return scanPayment(s.db.QueryRow(ctx, `
		SELECT payment_id, status, amount, currency, authorized_amount, captured_amount,
		       refunded_amount, description, metadata, idempotency_key,
		       created_at, updated_at, expires_at
		  FROM payments WHERE payment_id=$1`, paymentID), paymentID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner, paymentID string) (*domain.Payment, error) {
	var p domain.Payment
	var status string
	var metadataJSON []byte
	var idemKey *string
	if err := row.Scan(
		&p.ID, &status, &p.Amount, &p.Currency, &p.AuthorizedAmount, &p.CapturedAmount,
		&p.RefundedAmount, &p.Description, &metadataJSON, &idemKey,
		&p.CreatedAt, &p.UpdatedAt, &p.ExpiresAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFoundError("payment", paymentID)
		}
		return nil, err
	}
	p.Status = statemachine.Status(status)
	p.IdempotencyKey = idemKey
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &p.Metadata)
	}
	return &p, nil
}

// InsertPayment creates a new payment row. Only the payment engine's
// authorize operation calls this.
func (s *Store) InsertPayment(ctx context.Context, tx pgx.Tx, p *domain.Payment) error {
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO payments(
			payment_id, status, amount, currency, authorized_amount, captured_amount,
			refunded_amount, description, metadata, idempotency_key, created_at, updated_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10,$11,$12,$13)`,
		p.ID, string(p.Status), p.Amount, p.Currency, p.AuthorizedAmount, p.CapturedAmount,
		p.RefundedAmount, p.Description, metadataJSON, p.IdempotencyKey, p.CreatedAt, p.UpdatedAt, p.ExpiresAt,
	)
	return err
}

// UpdatePayment persists status, amount counters, updated_at, and
// expires_at for an already-locked payment row. This is not a ledger
// mutation and is not subject to the append-only triggers.
func (s *Store) UpdatePayment(ctx context.Context, tx pgx.Tx, p *domain.Payment) error {
	_, err := tx.Exec(ctx, `
		UPDATE payments SET
			status=$2, authorized_amount=$3, captured_amount=$4, refunded_amount=$5,
			updated_at=$6, expires_at=$7
		WHERE payment_id=$1`,
		p.ID, string(p.Status), p.AuthorizedAmount, p.CapturedAmount, p.RefundedAmount,
		p.UpdatedAt, p.ExpiresAt,
	)
	return err
}

// ListPayments returns a reverse-chronological (by ID, which is sortable)
// page of payments, optionally filtered by status.
func (s *Store) ListPayments(ctx context.Context, limit int, cursor string, status *statemachine.Status) ([]domain.Payment, bool, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		query string
		args  []any
	)
	switch {
	case cursor != "" && status != nil:
		query = `SELECT payment_id, status, amount, currency, authorized_amount, captured_amount,
		                 refunded_amount, description, metadata, idempotency_key, created_at, updated_at, expires_at
		            FROM payments WHERE payment_id < $1 AND status=$2 ORDER BY payment_id DESC LIMIT $3`
		args = []any{cursor, string(*status), limit + 1}
	case cursor != "":
		query = `SELECT payment_id, status, amount, currency, authorized_amount, captured_amount,
		                 refunded_amount, description, metadata, idempotency_key, created_at, updated_at, expires_at
		            FROM payments WHERE payment_id < $1 ORDER BY payment_id DESC LIMIT $2`
		args = []any{cursor, limit + 1}
	case status != nil:
		query = `SELECT payment_id, status, amount, currency, authorized_amount, captured_amount,
		                 refunded_amount, description, metadata, idempotency_key, created_at, updated_at, expires_at
		            FROM payments WHERE status=$1 ORDER BY payment_id DESC LIMIT $2`
		args = []any{string(*status), limit + 1}
	default:
		query = `SELECT payment_id, status, amount, currency, authorized_amount, captured_amount,
		                 refunded_amount, description, metadata, idempotency_key, created_at, updated_at, expires_at
		            FROM payments ORDER BY payment_id DESC LIMIT $1`
		args = []any{limit + 1}
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPaymentRows(rows)
		if err != nil {
			return nil, false, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

func scanPaymentRows(rows pgx.Rows) (*domain.Payment, error) {
	var p domain.Payment
	var status string
	var metadataJSON []byte
	var idemKey *string
	if err := rows.Scan(
		&p.ID, &status, &p.Amount, &p.Currency, &p.AuthorizedAmount, &p.CapturedAmount,
		&p.RefundedAmount, &p.Description, &metadataJSON, &idemKey,
		&p.CreatedAt, &p.UpdatedAt, &p.ExpiresAt,
	); err != nil {
		return nil, err
	}
	p.Status = statemachine.Status(status)
	p.IdempotencyKey = idemKey
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &p.Metadata)
	}
	return &p, nil
}

// =========================
// Idempotency gate (C7)
// =========================

// AdvisoryLockKey serializes every request carrying the same idempotency
// key for the lifetime of the storage transaction, closing the window
// between "reserved" and "committed" that a naive insert-then-update
// leaves open under concurrent retries.
func (s *Store) AdvisoryLockKey(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

// FindIdempotencyKey looks up a stored key within the current
// transaction. A nil result with a nil error means the key is unused.
func (s *Store) FindIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (*domain.IdempotencyKey, error) {
	var rec domain.IdempotencyKey
	err := tx.QueryRow(ctx, `
		SELECT key, resource_type, resource_id, response_code, response_body, request_hash, created_at, expires_at
		  FROM idempotency_keys WHERE key=$1`, key,
	).Scan(&rec.Key, &rec.ResourceType, &rec.ResourceID, &rec.ResponseCode, &rec.ResponseBody, &rec.RequestHash, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// InsertIdempotencyKey persists the caller key alongside the canonical
// response it produced, TTL'd 24h out per the data model.
func (s *Store) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, rec *domain.IdempotencyKey) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO idempotency_keys(key, resource_type, resource_id, response_code, response_body, request_hash, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6,$7,$8)`,
		rec.Key, rec.ResourceType, rec.ResourceID, rec.ResponseCode, rec.ResponseBody, rec.RequestHash, rec.CreatedAt, rec.ExpiresAt,
	)
	return err
}

// =========================
// Supplemental hash-chained event log
// =========================

// InsertEvent appends a tamper-evident audit record. The hash chain
// itself is computed by a trigger in migrations/001_init.sql; this just
// supplies a stable canonical (JCS, RFC 8785) payload for it to chain on.
func (s *Store) InsertEvent(ctx context.Context, tx pgx.Tx, eventType, aggregateType, aggregateID, correlationID string, payload any) error {
	if strings.TrimSpace(eventType) == "" || strings.TrimSpace(aggregateType) == "" ||
		strings.TrimSpace(aggregateID) == "" || strings.TrimSpace(correlationID) == "" {
		return ErrValidation
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_log(event_id, event_type, aggregate_type, aggregate_id, correlation_id, payload_json, payload_canonical)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7)`,
		uuid.New().String(), eventType, aggregateType, aggregateID, correlationID, raw, string(canon),
	)
	return err
}

// VerifyEventChain reports whether the entire event log's hash chain is
// intact.
func (s *Store) VerifyEventChain(ctx context.Context) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT verify_event_chain()`).Scan(&ok)
	return ok, err
}

// VerifyEventChainDetail reports the same as VerifyEventChain plus, on
// failure, the sequence number and reason the chain first breaks.
func (s *Store) VerifyEventChainDetail(ctx context.Context) (ok bool, reason string, breakSeq *int64, err error) {
	err = s.db.QueryRow(ctx, `SELECT ok, reason, break_seq FROM verify_event_chain_detail()`).Scan(&ok, &reason, &breakSeq)
	return ok, reason, breakSeq, err
}
