package postgres

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/chronocoders/indexnode/internal/domain"
)

// EventsRepo persists indexed blockchain events, their CAS mirrors, and AI
// extraction rows.
type EventsRepo struct{ Pool PgxPool }

// NewEventsRepo constructs an EventsRepo with the given pool.
func NewEventsRepo(p PgxPool) *EventsRepo { return &EventsRepo{Pool: p} }

// InsertEvent writes one indexed event. The unique key
// (chain, contract_address, transaction_hash, event_index) makes replays a
// no-op, which is what keeps the pipeline idempotent under retries. On a
// replay the stored row's id is returned, so dependent CAS and extraction
// rows attach to the row that actually exists.
func (r *EventsRepo) InsertEvent(ctx context.Context, ev domain.BlockchainEvent) (string, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.InsertEvent")
	defer span.End()

	id := ev.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO blockchain_events
	        (id, job_id, chain, contract_address, event_name, block_number, transaction_hash, event_index, event_data, content_hash, ipfs_cid)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	      ON CONFLICT (chain, contract_address, transaction_hash, event_index) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, id, ev.JobID, ev.Chain, ev.ContractAddress, ev.EventName,
		ev.BlockNumber, ev.TransactionHash, ev.EventIndex, ev.EventData, ev.ContentHash, ev.CID)
	if err != nil {
		return "", wrapErr("events.insert", err)
	}
	if tag.RowsAffected() > 0 {
		return id, nil
	}
	sel := `SELECT id FROM blockchain_events
	        WHERE chain = $1 AND contract_address = $2 AND transaction_hash = $3 AND event_index = $4`
	var existing string
	if err := r.Pool.QueryRow(ctx, sel, ev.Chain, ev.ContractAddress, ev.TransactionHash, ev.EventIndex).Scan(&existing); err != nil {
		return "", wrapErr("events.insert", err)
	}
	return existing, nil
}

// UpsertCASObject mirrors a CAS object row; conflicts on cid are ignored
// because CAS objects are immutable once written.
func (r *EventsRepo) UpsertCASObject(ctx context.Context, obj domain.CASObject) error {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.UpsertCASObject")
	defer span.End()

	q := `INSERT INTO ipfs_content (cid, content_hash, size_bytes, pinned, blockchain_event_id)
	      VALUES ($1,$2,$3,$4,$5)
	      ON CONFLICT (cid) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, obj.CID, obj.ContentHash, obj.SizeBytes, obj.Pinned, obj.EventID); err != nil {
		return wrapErr("events.upsert_cas", err)
	}
	return nil
}

// InsertExtraction writes one AI extraction row for an indexed event. One
// row per (event, type): a replayed pipeline re-running the extraction
// leaves the stored row untouched.
func (r *EventsRepo) InsertExtraction(ctx context.Context, ex domain.AIExtraction) error {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.InsertExtraction")
	defer span.End()

	id := ex.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO ai_extractions (id, blockchain_event_id, extraction_type, schema_definition, extracted_data)
	      VALUES ($1,$2,$3,$4,$5)
	      ON CONFLICT (blockchain_event_id, extraction_type) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, id, ex.EventID, ex.ExtractionType, ex.SchemaDefinition, ex.ExtractedData); err != nil {
		return wrapErr("events.insert_extraction", err)
	}
	return nil
}
