package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/corebank/payments-ledger/internal/domain"
	"github.com/corebank/payments-ledger/internal/engine"
	"github.com/corebank/payments-ledger/internal/store"
)

// TestVoid_RejectsWithoutMutatingAfterRowLock pins down the lock-then-
// validate statement order a mutating operation must follow: the payment
// row lock is acquired before the transition is checked, and a rejected
// transition never reaches an UPDATE/INSERT. Run against a pgxmock pool so
// it regresses on a reordering without needing a live Postgres.
func TestVoid_RejectsWithoutMutatingAfterRowLock(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("idem-void-already-voided").
		WillReturnResult(pgxmock.NewResult("SELECT", 0))
	mock.ExpectQuery(`(?s)FROM idempotency_keys WHERE key=\$1`).
		WithArgs("idem-void-already-voided").
		WillReturnRows(pgxmock.NewRows([]string{
			"key", "resource_type", "resource_id", "response_code", "response_body", "request_hash", "created_at", "expires_at",
		}))
	mock.ExpectQuery(`(?s)FROM payments WHERE payment_id=\$1 FOR UPDATE`).
		WithArgs("pay_alreadyvoided").
		WillReturnRows(pgxmock.NewRows([]string{
			"payment_id", "status", "amount", "currency", "authorized_amount", "captured_amount",
			"refunded_amount", "description", "metadata", "idempotency_key", "created_at", "updated_at", "expires_at",
		}).AddRow(
			"pay_alreadyvoided", "voided", "5000", "USD", "5000", "0",
			"0", "", []byte(`{}`), nil, now, now, nil,
		))
	mock.ExpectRollback()

	st := store.NewWithPool(mock)
	eng := engine.New(st, 3, 7, zerolog.Nop())

	_, err = eng.Void(context.Background(), "pay_alreadyvoided", "corr-1", "idem-void-already-voided")

	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, domain.KindInvalidStateTransition, derr.ErrKind)
	require.NoError(t, mock.ExpectationsWereMet())
}
