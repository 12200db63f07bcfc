// Package engine implements the payment engine (C6): authorize, capture,
// void, settle, refund, and expire, each atomic under the payment row
// lock, plus the read-only queries. It is the orchestration layer that
// ties the state machine (C5), money primitives (C3), the ledger engine,
// and the idempotency gate (C7) together.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/corebank/payments-ledger/internal/domain"
	"github.com/corebank/payments-ledger/internal/idgen"
	"github.com/corebank/payments-ledger/internal/money"
	"github.com/corebank/payments-ledger/internal/statemachine"
	"github.com/corebank/payments-ledger/internal/store"
)

// Engine orchestrates payment mutations. One Engine is shared by all
// requests; all mutable state lives in the storage layer.
type Engine struct {
	st             *store.Store
	feePercent     int
	authExpiryDays int
	log            zerolog.Logger
}

func New(st *store.Store, feePercent, authExpiryDays int, log zerolog.Logger) *Engine {
	return &Engine{st: st, feePercent: feePercent, authExpiryDays: authExpiryDays, log: log}
}

// AuthorizeParams is the normalized input to Authorize.
type AuthorizeParams struct {
	Amount      money.Amount
	Currency    string
	Description string
	Metadata    map[string]string
}

// CaptureParams is the normalized input to Capture; Amount nil means
// "the remaining authorized amount".
type CaptureParams struct {
	Amount *money.Amount
}

// RefundParams is the normalized input to Refund; Amount nil means
// "the remaining captured-but-not-refunded amount".
type RefundParams struct {
	Amount *money.Amount
}

const maxMetadataKeys = 10

func validateMetadata(m map[string]string) error {
	if len(m) > maxMetadataKeys {
		return domain.ValidationError("metadata supports at most %d keys, got %d", maxMetadataKeys, len(m))
	}
	return nil
}

func validateCurrency(cur string) (string, error) {
	cur = strings.ToUpper(strings.TrimSpace(cur))
	if len(cur) != 3 {
		return "", domain.ValidationError("currency must be a recognized 3-letter code, got %q", cur)
	}
	for _, r := range cur {
		if r < 'A' || r > 'Z' {
			return "", domain.ValidationError("currency must be a recognized 3-letter code, got %q", cur)
		}
	}
	return cur, nil
}

// Authorize opens a new payment in status authorized, posting the hold
// entries and setting expires_at = now + auth_expiry_days.
func (e *Engine) Authorize(ctx context.Context, params AuthorizeParams, correlationID, idempotencyKey string) (*domain.Payment, error) {
	cur, err := validateCurrency(params.Currency)
	if err != nil {
		return nil, err
	}
	if !params.Amount.IsPositive() {
		return nil, domain.InvalidAmountError("amount must be greater than zero")
	}
	if err := validateMetadata(params.Metadata); err != nil {
		return nil, err
	}

	projection := map[string]any{"amount": params.Amount.String(), "currency": cur}

	return e.withIdempotency(ctx, "authorize", idempotencyKey, projection, func(tx pgx.Tx) (*domain.Payment, error) {
		id := idgen.Payment()
		now := time.Now().UTC()
		expiresAt := now.AddDate(0, 0, e.authExpiryDays)

		entries := []domain.EntryInput{
			{AccountID: domain.AccountCustomerHolds, Direction: domain.Debit, Amount: params.Amount},
			{AccountID: domain.AccountCustomerFunds, Direction: domain.Credit, Amount: params.Amount},
		}
		if _, err := e.st.PostTransaction(ctx, tx, "authorize payment "+id, "payment", id, entries); err != nil {
			return nil, err
		}

		p := &domain.Payment{
			ID: id, Status: statemachine.StatusAuthorized, Amount: params.Amount, Currency: cur,
			AuthorizedAmount: params.Amount, Description: params.Description, Metadata: params.Metadata,
			CreatedAt: now, UpdatedAt: now, ExpiresAt: &expiresAt,
		}
		if err := e.st.InsertPayment(ctx, tx, p); err != nil {
			return nil, err
		}
		if err := e.st.InsertEvent(ctx, tx, "PAYMENT_AUTHORIZED", "PAYMENT", id, correlationID, paymentEventPayload(p)); err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Capture captures all or part of an authorized payment. The hold
// reversal always uses the full authorized amount, even on partial
// capture; an unused remainder is never re-authorized.
func (e *Engine) Capture(ctx context.Context, paymentID string, params CaptureParams, correlationID, idempotencyKey string) (*domain.Payment, error) {
	projection := map[string]any{"payment_id": paymentID, "amount": amountProjection(params.Amount)}

	return e.withIdempotency(ctx, "capture", idempotencyKey, projection, func(tx pgx.Tx) (*domain.Payment, error) {
		p, err := e.lockAndSweep(ctx, tx, paymentID, correlationID)
		if err != nil {
			return nil, err
		}
		if err := e.checkTransition(p, statemachine.StatusCaptured, "capture"); err != nil {
			return nil, err
		}

		captureAmt := p.AuthorizedAmount
		if params.Amount != nil {
			captureAmt = *params.Amount
		}
		if !captureAmt.IsPositive() || captureAmt.Cmp(p.AuthorizedAmount) > 0 {
			return nil, domain.InvalidAmountError("capture amount %s must be > 0 and <= authorized amount %s", captureAmt, p.AuthorizedAmount)
		}

		fee, merchant, err := money.SplitFee(captureAmt, e.feePercent)
		if err != nil {
			return nil, err
		}

		entries := []domain.EntryInput{
			{AccountID: domain.AccountCustomerFunds, Direction: domain.Debit, Amount: p.AuthorizedAmount},
			{AccountID: domain.AccountCustomerHolds, Direction: domain.Credit, Amount: p.AuthorizedAmount},
			{AccountID: domain.AccountCustomerFunds, Direction: domain.Debit, Amount: merchant},
			{AccountID: domain.AccountMerchantPayable, Direction: domain.Credit, Amount: merchant},
		}
		if fee.IsPositive() {
			entries = append(entries,
				domain.EntryInput{AccountID: domain.AccountCustomerFunds, Direction: domain.Debit, Amount: fee},
				domain.EntryInput{AccountID: domain.AccountPlatformFees, Direction: domain.Credit, Amount: fee},
			)
		}
		if _, err := e.st.PostTransaction(ctx, tx, "capture payment "+p.ID, "payment", p.ID, entries); err != nil {
			return nil, err
		}

		p.Status = statemachine.StatusCaptured
		p.CapturedAmount = captureAmt
		p.ExpiresAt = nil
		p.UpdatedAt = time.Now().UTC()
		if err := e.st.UpdatePayment(ctx, tx, p); err != nil {
			return nil, err
		}
		if err := e.st.InsertEvent(ctx, tx, "PAYMENT_CAPTURED", "PAYMENT", p.ID, correlationID, paymentEventPayload(p)); err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Void releases the full hold on an authorized payment.
func (e *Engine) Void(ctx context.Context, paymentID string, correlationID, idempotencyKey string) (*domain.Payment, error) {
	projection := map[string]any{"payment_id": paymentID}

	return e.withIdempotency(ctx, "void", idempotencyKey, projection, func(tx pgx.Tx) (*domain.Payment, error) {
		p, err := e.lockAndSweep(ctx, tx, paymentID, correlationID)
		if err != nil {
			return nil, err
		}
		if err := e.checkTransition(p, statemachine.StatusVoided, "void"); err != nil {
			return nil, err
		}

		entries := []domain.EntryInput{
			{AccountID: domain.AccountCustomerFunds, Direction: domain.Debit, Amount: p.AuthorizedAmount},
			{AccountID: domain.AccountCustomerHolds, Direction: domain.Credit, Amount: p.AuthorizedAmount},
		}
		if _, err := e.st.PostTransaction(ctx, tx, "void payment "+p.ID, "payment", p.ID, entries); err != nil {
			return nil, err
		}

		p.Status = statemachine.StatusVoided
		p.ExpiresAt = nil
		p.UpdatedAt = time.Now().UTC()
		if err := e.st.UpdatePayment(ctx, tx, p); err != nil {
			return nil, err
		}
		if err := e.st.InsertEvent(ctx, tx, "PAYMENT_VOIDED", "PAYMENT", p.ID, correlationID, paymentEventPayload(p)); err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Settle moves the merchant's captured share from merchant_payable to
// platform_cash. It does not touch any amount counter.
func (e *Engine) Settle(ctx context.Context, paymentID string, correlationID, idempotencyKey string) (*domain.Payment, error) {
	projection := map[string]any{"payment_id": paymentID}

	return e.withIdempotency(ctx, "settle", idempotencyKey, projection, func(tx pgx.Tx) (*domain.Payment, error) {
		p, err := e.lockAndSweep(ctx, tx, paymentID, correlationID)
		if err != nil {
			return nil, err
		}
		if err := e.checkTransition(p, statemachine.StatusSettled, "settle"); err != nil {
			return nil, err
		}

		_, merchant, err := money.SplitFee(p.CapturedAmount, e.feePercent)
		if err != nil {
			return nil, err
		}

		entries := []domain.EntryInput{
			{AccountID: domain.AccountMerchantPayable, Direction: domain.Debit, Amount: merchant},
			{AccountID: domain.AccountPlatformCash, Direction: domain.Credit, Amount: merchant},
		}
		if _, err := e.st.PostTransaction(ctx, tx, "settle payment "+p.ID, "payment", p.ID, entries); err != nil {
			return nil, err
		}

		p.Status = statemachine.StatusSettled
		p.UpdatedAt = time.Now().UTC()
		if err := e.st.UpdatePayment(ctx, tx, p); err != nil {
			return nil, err
		}
		if err := e.st.InsertEvent(ctx, tx, "PAYMENT_SETTLED", "PAYMENT", p.ID, correlationID, paymentEventPayload(p)); err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Refund reverses all or part of a captured payment's merchant/fee split,
// crediting the customer back. The target status (refunded vs.
// partially_refunded) is derived from the resulting refunded_amount.
func (e *Engine) Refund(ctx context.Context, paymentID string, params RefundParams, correlationID, idempotencyKey string) (*domain.Payment, error) {
	projection := map[string]any{"payment_id": paymentID, "amount": amountProjection(params.Amount)}

	return e.withIdempotency(ctx, "refund", idempotencyKey, projection, func(tx pgx.Tx) (*domain.Payment, error) {
		p, err := e.lockAndSweep(ctx, tx, paymentID, correlationID)
		if err != nil {
			return nil, err
		}

		// captured, settled, and partially_refunded all accept both refund
		// targets (see statemachine.transitions), so checking against
		// partially_refunded here rejects any other source status before the
		// amount math below ever runs.
		if err := e.checkTransition(p, statemachine.StatusPartiallyRefunded, "refund"); err != nil {
			return nil, err
		}

		remaining := p.CapturedAmount.Sub(p.RefundedAmount)
		refundAmt := remaining
		if params.Amount != nil {
			refundAmt = *params.Amount
		}
		if !refundAmt.IsPositive() || refundAmt.Cmp(remaining) > 0 {
			return nil, domain.InvalidAmountError("refund amount %s must be > 0 and <= remaining %s", refundAmt, remaining)
		}

		newRefunded := p.RefundedAmount.Add(refundAmt)
		target := statemachine.StatusPartiallyRefunded
		if newRefunded.Equal(p.CapturedAmount) {
			target = statemachine.StatusRefunded
		}

		feeR, merchantR, err := money.SplitFee(refundAmt, e.feePercent)
		if err != nil {
			return nil, err
		}

		entries := []domain.EntryInput{
			{AccountID: domain.AccountMerchantPayable, Direction: domain.Debit, Amount: merchantR},
			{AccountID: domain.AccountCustomerFunds, Direction: domain.Credit, Amount: refundAmt},
		}
		if feeR.IsPositive() {
			entries = append(entries, domain.EntryInput{AccountID: domain.AccountPlatformFees, Direction: domain.Debit, Amount: feeR})
		}
		if _, err := e.st.PostTransaction(ctx, tx, "refund payment "+p.ID, "payment", p.ID, entries); err != nil {
			return nil, err
		}

		p.Status = target
		p.RefundedAmount = newRefunded
		p.UpdatedAt = time.Now().UTC()
		if err := e.st.UpdatePayment(ctx, tx, p); err != nil {
			return nil, err
		}
		eventType := "PAYMENT_PARTIALLY_REFUNDED"
		if target == statemachine.StatusRefunded {
			eventType = "PAYMENT_REFUNDED"
		}
		if err := e.st.InsertEvent(ctx, tx, eventType, "PAYMENT", p.ID, correlationID, paymentEventPayload(p)); err != nil {
			return nil, err
		}
		return p, nil
	})
}

// lockAndSweep locks the payment row and, if it is an expired
// authorization, lazily posts the expiry (void-shaped) transaction, marks
// the payment expired, and commits tx before returning, so the expiry
// persists -- the caller's own validate_transition call then naturally
// rejects the originally requested operation (expired is terminal), and
// the caller's deferred rollback of the already-committed tx is a no-op.
func (e *Engine) lockAndSweep(ctx context.Context, tx pgx.Tx, paymentID, correlationID string) (*domain.Payment, error) {
	p, err := e.st.LockPaymentForUpdate(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != statemachine.StatusAuthorized || p.ExpiresAt == nil || !p.ExpiresAt.Before(time.Now().UTC()) {
		return p, nil
	}

	entries := []domain.EntryInput{
		{AccountID: domain.AccountCustomerFunds, Direction: domain.Debit, Amount: p.AuthorizedAmount},
		{AccountID: domain.AccountCustomerHolds, Direction: domain.Credit, Amount: p.AuthorizedAmount},
	}
	if _, err := e.st.PostTransaction(ctx, tx, "expire payment "+p.ID, "payment", p.ID, entries); err != nil {
		return nil, err
	}
	p.Status = statemachine.StatusExpired
	p.ExpiresAt = nil
	p.UpdatedAt = time.Now().UTC()
	if err := e.st.UpdatePayment(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := e.st.InsertEvent(ctx, tx, "PAYMENT_EXPIRED", "PAYMENT", p.ID, correlationID, paymentEventPayload(p)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) checkTransition(p *domain.Payment, target statemachine.Status, action string) error {
	if err := statemachine.ValidateTransition(p.Status, target); err != nil {
		return domain.TransitionErrorTo(p.Status, action, statemachine.ValidTransitions(p.Status))
	}
	return nil
}

// --- Queries (§4.6) ---

func (e *Engine) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return e.st.GetPayment(ctx, paymentID)
}

type PaymentPage struct {
	Data       []domain.Payment
	HasMore    bool
	NextCursor string
}

func (e *Engine) ListPayments(ctx context.Context, limit int, cursor string, status *statemachine.Status) (*PaymentPage, error) {
	data, hasMore, err := e.st.ListPayments(ctx, limit, cursor, status)
	if err != nil {
		return nil, err
	}
	page := &PaymentPage{Data: data, HasMore: hasMore}
	if hasMore && len(data) > 0 {
		page.NextCursor = data[len(data)-1].ID
	}
	return page, nil
}

type AccountBalance struct {
	AccountID string
	Currency  string
	Kind      domain.AccountKind
	Balance   money.Amount
}

func (e *Engine) GetAccountBalance(ctx context.Context, accountID string) (*AccountBalance, error) {
	balance, kind, err := e.st.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &AccountBalance{AccountID: accountID, Kind: kind, Balance: balance}, nil
}

func (e *Engine) GetPaymentLedger(ctx context.Context, paymentID string) ([]domain.LedgerTransaction, error) {
	return e.st.GetTransactionsByReference(ctx, "payment", paymentID)
}

// --- Idempotency gate (C7) ---

func (e *Engine) withIdempotency(
	ctx context.Context,
	endpoint, key string,
	projection map[string]any,
	fn func(tx pgx.Tx) (*domain.Payment, error),
) (*domain.Payment, error) {
	if key == "" {
		return nil, domain.ValidationError("missing required Idempotency-Key")
	}

	requestHash, err := hashProjection(endpoint, projection)
	if err != nil {
		return nil, err
	}

	tx, err := e.st.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := e.st.AdvisoryLockKey(ctx, tx, key); err != nil {
		return nil, err
	}

	existing, err := e.st.FindIdempotencyKey(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.RequestHash != requestHash || existing.ResourceType != endpoint {
			return nil, domain.IdempotencyConflictError()
		}
		var p domain.Payment
		if err := json.Unmarshal(existing.ResponseBody, &p); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &p, nil
	}

	payment, err := fn(tx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payment)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := e.st.InsertIdempotencyKey(ctx, tx, &domain.IdempotencyKey{
		Key: key, ResourceType: endpoint, ResourceID: payment.ID,
		ResponseCode: 200, ResponseBody: body, RequestHash: requestHash,
		CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return payment, nil
}

func amountProjection(a *money.Amount) string {
	if a == nil {
		return "default"
	}
	return a.String()
}

func paymentEventPayload(p *domain.Payment) map[string]any {
	return map[string]any{
		"payment_id":        p.ID,
		"status":            string(p.Status),
		"authorized_amount": p.AuthorizedAmount.String(),
		"captured_amount":   p.CapturedAmount.String(),
		"refunded_amount":   p.RefundedAmount.String(),
	}
}

// hashProjection builds a stable, deterministic digest of the endpoint's
// semantic-equivalence projection (spec §4.7): same field values in any
// map iteration order hash identically, so replay detection doesn't
// depend on Go's randomized map ordering.
func hashProjection(endpoint string, projection map[string]any) (string, error) {
	keys := make([]string, 0, len(projection))
	for k := range projection {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteByte(':')
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, projection[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}
