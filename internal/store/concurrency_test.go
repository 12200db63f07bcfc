package store

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/corebank/payments-ledger/internal/domain"
	"github.com/corebank/payments-ledger/internal/idgen"
	"github.com/corebank/payments-ledger/internal/money"
)

func mustEnv(t *testing.T, key string) string {
	t.Helper()
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		t.Skipf("missing %s env var", key)
	}
	return v
}

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := mustEnv(t, "LEDGER_DB_DSN")

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.MaxConns = 20
	cfg.MinConns = 1

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	require.NoError(t, pool.Ping(ctx))
	return pool
}

func verifyEventChain(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var ok bool
	require.NoError(t, pool.QueryRow(ctx, `SELECT verify_event_chain()`).Scan(&ok))
	require.True(t, ok, "verify_event_chain returned false")
}

func assertSeqContiguous(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var cnt, minSeq, maxSeq int64
	err := pool.QueryRow(ctx,
		`SELECT count(*), COALESCE(min(seq),0), COALESCE(max(seq),0) FROM event_log`,
	).Scan(&cnt, &minSeq, &maxSeq)
	require.NoError(t, err)
	if cnt == 0 {
		return
	}
	require.Equal(t, cnt, maxSeq-minSeq+1, "seq not contiguous")
}

// TestConcurrentCapture_OnlyOneSucceeds simulates N
// simultaneous attempts to lock and capture the same authorized payment.
// FOR UPDATE serializes them; exactly one observes status=authorized and
// transitions it, every other sees status=captured already and must fail
// the capture->captured transition.
func TestConcurrentCapture_OnlyOneSucceeds(t *testing.T) {
	pool := newTestPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, Migrate(ctx, pool))
	s := New(pool)

	paymentID := idgen.Payment()
	amt, err := money.FromString("10000")
	require.NoError(t, err)
	now := time.Now().UTC()
	expires := now.Add(time.Hour)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	_, err = s.PostTransaction(ctx, tx, "authorize payment "+paymentID, "payment", paymentID, []domain.EntryInput{
		{AccountID: domain.AccountCustomerHolds, Direction: domain.Debit, Amount: amt},
		{AccountID: domain.AccountCustomerFunds, Direction: domain.Credit, Amount: amt},
	})
	require.NoError(t, err)
	require.NoError(t, s.InsertPayment(ctx, tx, &domain.Payment{
		ID: paymentID, Status: "authorized", Amount: amt, Currency: "USD",
		AuthorizedAmount: amt, CreatedAt: now, UpdatedAt: now, ExpiresAt: &expires,
	}))
	require.NoError(t, tx.Commit(ctx))

	const N = 20
	var wg sync.WaitGroup
	var captured int64
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			tx, err := s.BeginTx(ctx)
			if err != nil {
				return
			}
			defer tx.Rollback(ctx)

			p, err := s.LockPaymentForUpdate(ctx, tx, paymentID)
			if err != nil {
				return
			}
			if p.Status != "authorized" {
				return
			}
			p.Status = "captured"
			p.CapturedAmount = amt
			p.UpdatedAt = time.Now().UTC()
			if err := s.UpdatePayment(ctx, tx, p); err != nil {
				return
			}
			if err := tx.Commit(ctx); err == nil {
				atomic.AddInt64(&captured, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), captured, "exactly one concurrent capture attempt should win the row lock race")

	final, err := s.GetPayment(ctx, paymentID)
	require.NoError(t, err)
	require.Equal(t, "captured", string(final.Status))
}

// TestEventChain_TamperByDisablingTriggers_FailsVerification confirms the
// hash chain detects out-of-band mutation of an already-committed event row,
// even when the tamper disables the triggers first.
func TestEventChain_TamperByDisablingTriggers_FailsVerification(t *testing.T) {
	pool := newTestPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, Migrate(ctx, pool))
	s := New(pool)

	paymentID := idgen.Payment()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, s.InsertEvent(ctx, tx, "PAYMENT_AUTHORIZED", "PAYMENT", paymentID, "corr-1", map[string]any{"payment_id": paymentID}))
	require.NoError(t, tx.Commit(ctx))

	verifyEventChain(t, pool)
	assertSeqContiguous(t, pool)

	_, err = pool.Exec(ctx, `ALTER TABLE event_log DISABLE TRIGGER USER;`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		UPDATE event_log
		   SET payload_json='{"tampered":true}'::jsonb, payload_canonical='{"tampered":true}'
		 WHERE seq=(SELECT min(seq) FROM event_log);`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `ALTER TABLE event_log ENABLE TRIGGER USER;`)
	require.NoError(t, err)

	var ok bool
	require.NoError(t, pool.QueryRow(ctx, `SELECT verify_event_chain()`).Scan(&ok))
	require.False(t, ok, "expected verify_event_chain=false after tamper")

	var reason string
	var breakSeq int64
	err = pool.QueryRow(ctx, `SELECT COALESCE(reason,''), COALESCE(break_seq,0) FROM verify_event_chain_detail()`).Scan(&reason, &breakSeq)
	require.NoError(t, err)
	require.NotEmpty(t, reason)
	require.NotZero(t, breakSeq)
}
