package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/corebank/payments-ledger/internal/domain"
	"github.com/corebank/payments-ledger/internal/idgen"
	"github.com/corebank/payments-ledger/internal/money"
	"github.com/corebank/payments-ledger/internal/store"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("LEDGER_DB_DSN")
	if dsn == "" {
		t.Skip("missing LEDGER_DB_DSN env var")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func mustAmount(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.FromString(s)
	require.NoError(t, err)
	return a
}

// TestPostTransaction_BalancedEntriesSucceed exercises the ledger engine
// directly: two balanced entries against the seeded system accounts post
// cleanly and show up in both the balance and the by-reference lookup.
func TestPostTransaction_BalancedEntriesSucceed(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx, pool))

	st := store.New(pool)
	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	paymentID := idgen.Payment()
	amt := mustAmount(t, "5000")
	_, err = st.PostTransaction(ctx, tx, "authorize payment "+paymentID, "payment", paymentID, []domain.EntryInput{
		{AccountID: domain.AccountCustomerHolds, Direction: domain.Debit, Amount: amt},
		{AccountID: domain.AccountCustomerFunds, Direction: domain.Credit, Amount: amt},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	_, kind, err := st.GetBalance(ctx, domain.AccountCustomerHolds)
	require.NoError(t, err)
	require.Equal(t, domain.KindAsset, kind)

	txs, err := st.GetTransactionsByReference(ctx, "payment", paymentID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Len(t, txs[0].Entries, 2)
}

// TestPostTransaction_UnbalancedEntriesRejected enforces the per-transaction
// balance invariant before anything touches the database.
func TestPostTransaction_UnbalancedEntriesRejected(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx, pool))

	st := store.New(pool)
	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = st.PostTransaction(ctx, tx, "bad", "payment", idgen.Payment(), []domain.EntryInput{
		{AccountID: domain.AccountCustomerHolds, Direction: domain.Debit, Amount: mustAmount(t, "100")},
		{AccountID: domain.AccountCustomerFunds, Direction: domain.Credit, Amount: mustAmount(t, "99")},
	})
	require.ErrorIs(t, err, store.ErrValidation)
}

// TestPostTransaction_UnknownAccountRejected enforces that every account
// referenced by an entry must already exist.
func TestPostTransaction_UnknownAccountRejected(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx, pool))

	st := store.New(pool)
	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = st.PostTransaction(ctx, tx, "bad", "payment", idgen.Payment(), []domain.EntryInput{
		{AccountID: "does_not_exist", Direction: domain.Debit, Amount: mustAmount(t, "100")},
		{AccountID: domain.AccountCustomerFunds, Direction: domain.Credit, Amount: mustAmount(t, "100")},
	})
	require.ErrorIs(t, err, store.ErrValidation)
}

// TestLedgerEntries_AreImmutable confirms the append-only trigger rejects
// UPDATE/DELETE against posted ledger rows.
func TestLedgerEntries_AreImmutable(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx, pool))

	st := store.New(pool)
	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)
	paymentID := idgen.Payment()
	amt := mustAmount(t, "250")
	posted, err := st.PostTransaction(ctx, tx, "authorize payment "+paymentID, "payment", paymentID, []domain.EntryInput{
		{AccountID: domain.AccountCustomerHolds, Direction: domain.Debit, Amount: amt},
		{AccountID: domain.AccountCustomerFunds, Direction: domain.Credit, Amount: amt},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	_, err = pool.Exec(ctx, `UPDATE ledger_entries SET amount=amount+1 WHERE transaction_id=$1`, posted.ID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "immutable")

	_, err = pool.Exec(ctx, `DELETE FROM ledger_transactions WHERE transaction_id=$1`, posted.ID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "immutable")
}
