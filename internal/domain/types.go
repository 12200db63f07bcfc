// Package domain holds the data model shared by the store and engine
// layers: accounts, ledger transactions/entries, payments, and
// idempotency keys, plus the engine's error taxonomy.
package domain

import (
	"fmt"
	"time"

	"github.com/corebank/payments-ledger/internal/money"
	"github.com/corebank/payments-ledger/internal/statemachine"
)

// AccountKind is one of the five closed account kinds. Balance computation
// picks a debit-normal or credit-normal formula by kind; this is modeled
// as a predicate, not dynamic dispatch (the kind set never grows).
type AccountKind string

const (
	KindAsset     AccountKind = "asset"
	KindLiability AccountKind = "liability"
	KindEquity    AccountKind = "equity"
	KindRevenue   AccountKind = "revenue"
	KindExpense   AccountKind = "expense"
)

// IsDebitNormal reports whether a debit increases this kind's balance.
func (k AccountKind) IsDebitNormal() bool {
	return k == KindAsset || k == KindExpense
}

// The five system accounts seeded once at initialization.
const (
	AccountCustomerFunds   = "customer_funds"
	AccountCustomerHolds   = "customer_holds"
	AccountMerchantPayable = "merchant_payable"
	AccountPlatformCash    = "platform_cash"
	AccountPlatformFees    = "platform_fees"
)

// SystemAccounts lists the five required accounts with their fixed kinds.
var SystemAccounts = []struct {
	ID   string
	Kind AccountKind
}{
	{AccountCustomerFunds, KindLiability},
	{AccountCustomerHolds, KindAsset},
	{AccountMerchantPayable, KindLiability},
	{AccountPlatformCash, KindAsset},
	{AccountPlatformFees, KindRevenue},
}

// Account is immutable after creation.
type Account struct {
	ID        string
	Name      string
	Kind      AccountKind
	Currency  string
	CreatedAt time.Time
}

// Direction is the side of a ledger entry.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// LedgerTransaction owns an ordered set of LedgerEntry. Never mutated,
// never deleted once committed.
type LedgerTransaction struct {
	ID            string
	Description   string
	ReferenceType string
	ReferenceID   string
	CreatedAt     time.Time
	Entries       []LedgerEntry
}

// LedgerEntry belongs to exactly one LedgerTransaction.
type LedgerEntry struct {
	ID            string
	TransactionID string
	AccountID     string
	Direction     Direction
	Amount        money.Amount
	CreatedAt     time.Time
}

// EntryInput is a single posting line supplied to the ledger engine,
// before IDs or timestamps exist.
type EntryInput struct {
	AccountID string
	Direction Direction
	Amount    money.Amount
}

// Payment is mutated only by the engine, under the payment row lock.
type Payment struct {
	ID               string
	Status           statemachine.Status
	Amount           money.Amount
	Currency         string
	AuthorizedAmount money.Amount
	CapturedAmount   money.Amount
	RefundedAmount   money.Amount
	Description      string
	Metadata         map[string]string
	IdempotencyKey   *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        *time.Time
}

// IdempotencyKey records the stored response for a caller-supplied key.
type IdempotencyKey struct {
	Key          string
	ResourceType string
	ResourceID   string
	ResponseCode int
	ResponseBody []byte
	RequestHash  string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// --- Error taxonomy (spec §7) ---

// Kind is the machine-readable error category surfaced to callers.
type Kind string

const (
	KindValidationError        Kind = "validation_error"
	KindNotFound               Kind = "not_found"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindIdempotencyConflict    Kind = "idempotency_conflict"
	KindInvalidAmount          Kind = "invalid_amount"
	KindInternalError          Kind = "internal_error"
)

// Error is the structured error type every engine operation returns on
// failure. Details carry context the request layer renders verbatim for
// 4xx kinds and scrubs for 5xx (KindInternalError).
type Error struct {
	ErrKind Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.ErrKind)
}

func (e *Error) Unwrap() error { return e.cause }

func NewError(kind Kind, message string, details map[string]any) *Error {
	return &Error{ErrKind: kind, Message: message, Details: details}
}

func WrapError(kind Kind, message string, cause error) *Error {
	return &Error{ErrKind: kind, Message: message, cause: cause}
}

func ValidationError(format string, args ...any) *Error {
	return &Error{ErrKind: KindValidationError, Message: fmt.Sprintf(format, args...)}
}

func NotFoundError(resource, id string) *Error {
	return &Error{
		ErrKind: KindNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

func InvalidAmountError(format string, args ...any) *Error {
	return &Error{ErrKind: KindInvalidAmount, Message: fmt.Sprintf(format, args...)}
}

func TransitionErrorTo(current statemachine.Status, attempted string, allowed []statemachine.Status) *Error {
	return &Error{
		ErrKind: KindInvalidStateTransition,
		Message: fmt.Sprintf("payment is %q; cannot %s", current, attempted),
		Details: map[string]any{
			"current_status":   current,
			"attempted_action": attempted,
			"allowed_actions":  allowed,
		},
	}
}

func IdempotencyConflictError() *Error {
	return &Error{
		ErrKind: KindIdempotencyConflict,
		Message: "idempotency key reused with different parameters",
	}
}
