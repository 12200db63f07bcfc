package idgen_test

import (
	"sync"
	"testing"

	"github.com/corebank/payments-ledger/internal/idgen"
	"github.com/stretchr/testify/require"
)

func TestNew_PrefixAndLength(t *testing.T) {
	id := idgen.New(idgen.PaymentPrefix)
	require.True(t, idgen.HasPrefix(id, idgen.PaymentPrefix))
	require.Len(t, id, len("pay_")+26)
}

func TestNew_UniqueUnderConcurrency(t *testing.T) {
	const n = 500
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = idgen.Transaction()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		require.False(t, seen[id], "duplicate id minted: %s", id)
		seen[id] = true
		require.True(t, idgen.HasPrefix(id, idgen.TransactionPrefix))
	}
}

func TestNew_SortsChronologically(t *testing.T) {
	a := idgen.Entry()
	b := idgen.Entry()
	require.Less(t, a, b)
}
