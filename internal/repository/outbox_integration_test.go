//go:build integration

package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwell/graphsync/internal/model"
)

// Needs a live MySQL with the schema from migrations/001_init.sql applied:
//
//	GSYNC_TEST_MYSQL_DSN='graphsync:graphsync@tcp(127.0.0.1:3306)/graphsync?parseTime=true' \
//	  go test -tags integration ./internal/repository
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := os.Getenv("GSYNC_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("GSYNC_TEST_MYSQL_DSN not set")
	}

	db, err := sqlx.Open("mysql", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedPending(t *testing.T, db *sqlx.DB, n int) {
	t.Helper()

	_, err := db.Exec("DELETE FROM dead_letters")
	require.NoError(t, err)
	_, err = db.Exec("DELETE FROM outbox_events")
	require.NoError(t, err)
	_, err = db.Exec("DELETE FROM sync_status")
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		_, err := db.Exec(insertEventQ,
			fmt.Sprintf("evt-claim-%d", i), "entity.created", "proj1", "graph_proj1",
			"CREATE", "Task", fmt.Sprintf("t%d", i), []byte(`{"title":"x"}`),
			nil, nil, nil)
		require.NoError(t, err)
	}
}

// Two concurrent claimers each stamp their own token in a single UPDATE, so
// their result sets must be disjoint and together cover every seeded row.
func TestClaimBatchConcurrentCallersAreDisjoint(t *testing.T) {
	db := openTestDB(t)
	repo := NewOutboxRepository(db, RetryPolicy{})

	const seeded = 40
	seedPending(t, db, seeded)

	var (
		wg      sync.WaitGroup
		batches [2][]model.OutboxEvent
		errs    [2]error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			batches[i], errs[i] = repo.ClaimBatch(context.Background(), 25)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	claims := map[int64]int{}
	for _, batch := range batches {
		for _, ev := range batch {
			require.Equal(t, model.StatusProcessing, ev.Status)
			claims[ev.ID]++
		}
	}

	assert.Len(t, claims, seeded, "every seeded row claimed exactly once")
	for id, n := range claims {
		assert.Equalf(t, 1, n, "event %d claimed by both callers", id)
	}
}
