package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corebank/payments-ledger/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every embedded migration file in lexical order, then
// seeds the five system accounts (idempotent: ON CONFLICT DO NOTHING).
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, "migrations/"+e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		sqlBytes, err := migrationsFS.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("migration %s failed: %w", f, err)
		}
	}

	return seedSystemAccounts(ctx, db)
}

func seedSystemAccounts(ctx context.Context, db *pgxpool.Pool) error {
	for _, acc := range domain.SystemAccounts {
		_, err := db.Exec(ctx,
			`INSERT INTO accounts(account_id, name, kind, currency)
			 VALUES($1, $1, $2, 'USD')
			 ON CONFLICT (account_id) DO NOTHING`,
			acc.ID, string(acc.Kind),
		)
		if err != nil {
			return fmt.Errorf("seed account %s: %w", acc.ID, err)
		}
	}
	return nil
}
