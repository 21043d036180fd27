package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chronocoders/indexnode/internal/domain"
)

// startPostgres runs a disposable Postgres and applies the schema. Gated
// behind POSTGRES_INTEGRATION because it needs a container runtime.
func startPostgres(t *testing.T) PgxPool {
	t.Helper()
	if os.Getenv("POSTGRES_INTEGRATION") == "" {
		t.Skip("set POSTGRES_INTEGRATION=1 to run container-backed tests")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "indexnode_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/indexnode_test?sslmode=disable", host, port.Port())
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "..", "migrations", "0001_init.sql"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	return pool
}

func TestDequeueSingleClaimUnderContention(t *testing.T) {
	pool := startPostgres(t)
	repo := NewJobQueueRepo(pool)
	ctx := context.Background()

	id, err := repo.Enqueue(ctx, domain.Job{
		UserID: "user-1",
		Config: domain.JobConfig{
			JobType: domain.JobTypeHTTPCrawl,
			Params:  json.RawMessage(`{"url":"https://example.com","max_pages":5}`),
		},
	})
	require.NoError(t, err)

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := repo.Dequeue(ctx)
			require.NoError(t, err)
			if j != nil {
				mu.Lock()
				claimed = append(claimed, j.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Exactly one worker wins the claim.
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0])

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestDequeuePriorityThenFIFO(t *testing.T) {
	pool := startPostgres(t)
	repo := NewJobQueueRepo(pool)
	ctx := context.Background()

	cfg := domain.JobConfig{JobType: domain.JobTypeHTTPCrawl, Params: json.RawMessage(`{"url":"https://example.com"}`)}
	base := time.Now().UTC().Add(-time.Minute)

	lowOld, err := repo.Enqueue(ctx, domain.Job{UserID: "u", Priority: 1, Config: cfg, CreatedAt: base})
	require.NoError(t, err)
	highNew, err := repo.Enqueue(ctx, domain.Job{UserID: "u", Priority: 9, Config: cfg, CreatedAt: base.Add(30 * time.Second)})
	require.NoError(t, err)
	highOld, err := repo.Enqueue(ctx, domain.Job{UserID: "u", Priority: 9, Config: cfg, CreatedAt: base.Add(10 * time.Second)})
	require.NoError(t, err)

	var order []string
	for {
		j, err := repo.Dequeue(ctx)
		require.NoError(t, err)
		if j == nil {
			break
		}
		order = append(order, j.ID)
	}
	assert.Equal(t, []string{highOld, highNew, lowOld}, order)
}

func TestEventInsertIdempotentAgainstRealDB(t *testing.T) {
	pool := startPostgres(t)
	repo := NewEventsRepo(pool)
	ctx := context.Background()

	ev := domain.BlockchainEvent{
		JobID:           "job-1",
		Chain:           "ethereum",
		ContractAddress: "0x1c7D4B196Cb023240166624b9c5291532634a66a",
		EventName:       "Transfer",
		BlockNumber:     100,
		TransactionHash: "0xdeadbeef",
		EventIndex:      0,
		EventData:       json.RawMessage(`{"data":"0x00"}`),
		ContentHash:     "hash",
		CID:             "QmX",
	}
	first, err := repo.InsertEvent(ctx, ev)
	require.NoError(t, err)
	replay, err := repo.InsertEvent(ctx, ev)
	require.NoError(t, err)
	// The replay hands back the stored row's id, not a fresh one.
	assert.Equal(t, first, replay)

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM blockchain_events WHERE transaction_hash = '0xdeadbeef'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestExtractionReplayDoesNotDuplicate(t *testing.T) {
	pool := startPostgres(t)
	repo := NewEventsRepo(pool)
	ctx := context.Background()

	eventID, err := repo.InsertEvent(ctx, domain.BlockchainEvent{
		JobID:           "job-1",
		Chain:           "ethereum",
		ContractAddress: "0x1c7D4B196Cb023240166624b9c5291532634a66a",
		EventName:       "Transfer",
		BlockNumber:     100,
		TransactionHash: "0xfeedface",
		EventIndex:      1,
		EventData:       json.RawMessage(`{"data":"0x01"}`),
		ContentHash:     "hash",
	})
	require.NoError(t, err)

	ex := domain.AIExtraction{
		EventID:        eventID,
		ExtractionType: "structured",
		ExtractedData:  json.RawMessage(`{"from":"0xa"}`),
	}
	require.NoError(t, repo.InsertExtraction(ctx, ex))
	require.NoError(t, repo.InsertExtraction(ctx, ex))

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ai_extractions WHERE blockchain_event_id = $1`, eventID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSweepReclaimsCacheClaimedJob(t *testing.T) {
	pool := startPostgres(t)
	repo := NewJobQueueRepo(pool)
	ctx := context.Background()

	id, err := repo.Enqueue(ctx, domain.Job{
		UserID: "user-1",
		Config: domain.JobConfig{
			JobType: domain.JobTypeHTTPCrawl,
			Params:  json.RawMessage(`{"url":"https://example.com","max_pages":5}`),
		},
	})
	require.NoError(t, err)

	// A cache-claimed job goes straight to processing without a SQL
	// Dequeue; started_at must still be stamped.
	require.NoError(t, repo.UpdateStatus(ctx, id, domain.JobProcessing, ""))
	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)

	n, err := repo.FailStuckProcessing(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
}
