package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/chronocoders/indexnode/internal/domain"
)

// maxBatchLinks caps how many discovered links one job persists.
const maxBatchLinks = 500

// CrawlResultsRepo persists crawl output rows.
type CrawlResultsRepo struct{ Pool PgxPool }

// NewCrawlResultsRepo constructs a CrawlResultsRepo with the given pool.
func NewCrawlResultsRepo(p PgxPool) *CrawlResultsRepo { return &CrawlResultsRepo{Pool: p} }

// InsertBatch writes up to 500 discovered links for a job in one statement.
func (r *CrawlResultsRepo) InsertBatch(ctx context.Context, jobID string, links []string) error {
	tracer := otel.Tracer("repo.crawl_results")
	ctx, span := tracer.Start(ctx, "crawl_results.InsertBatch")
	defer span.End()

	if len(links) == 0 {
		return nil
	}
	if len(links) > maxBatchLinks {
		links = links[:maxBatchLinks]
	}

	now := time.Now().UTC()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`INSERT INTO crawl_results (id, job_id, url, status_code, content_hash, links, created_at) VALUES `)
	for i, link := range links {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args,
			ulid.MustNew(ulid.Timestamp(now), entropy).String(),
			jobID, link, 200, "", json.RawMessage(`[]`), now)
	}
	if _, err := r.Pool.Exec(ctx, sb.String(), args...); err != nil {
		return wrapErr("crawl_results.insert_batch", err)
	}
	return nil
}

// ListByJob returns the stored crawl rows for a job, oldest first.
func (r *CrawlResultsRepo) ListByJob(ctx context.Context, jobID string) ([]domain.CrawlResult, error) {
	tracer := otel.Tracer("repo.crawl_results")
	ctx, span := tracer.Start(ctx, "crawl_results.ListByJob")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT id, job_id, url, status_code, COALESCE(content_hash,''), created_at
		 FROM crawl_results WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, wrapErr("crawl_results.list", err)
	}
	defer rows.Close()

	var out []domain.CrawlResult
	for rows.Next() {
		var cr domain.CrawlResult
		if err := rows.Scan(&cr.ID, &cr.JobID, &cr.URL, &cr.StatusCode, &cr.ContentHash, &cr.CreatedAt); err != nil {
			return nil, wrapErr("crawl_results.list", err)
		}
		out = append(out, cr)
	}
	return out, wrapErr("crawl_results.list", rows.Err())
}
