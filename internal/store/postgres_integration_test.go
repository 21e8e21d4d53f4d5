//go:build postgres_integration

package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		p, err := NewPostgres(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Close() })
		ctx := context.Background()
		require.NoError(t, p.Migrate(ctx))
		for _, tbl := range []string{"webhook_deliveries", "webhook_subscriptions"} {
			_, err = p.db.ExecContext(ctx, "DELETE FROM "+tbl)
			require.NoError(t, err)
		}
		return p
	})
}
