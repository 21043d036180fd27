package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/chronocoders/indexnode/internal/domain"
	"github.com/chronocoders/indexnode/internal/observability"
	"github.com/chronocoders/indexnode/pkg/merklex"
)

type crawlSummary struct {
	TotalLinks  int       `json:"total_links"`
	CompletedAt time.Time `json:"completed_at"`
}

type indexSummary struct {
	TotalEvents int       `json:"total_events"`
	FromBlock   uint64    `json:"from_block"`
	ToBlock     uint64    `json:"to_block"`
	MerkleRoot  string    `json:"merkle_root,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// runHTTPCrawl fetches the page, stores the extracted links, and returns
// the result summary.
func (r *Runtime) runHTTPCrawl(ctx context.Context, jobID, userID string, raw json.RawMessage) (json.RawMessage, error) {
	tracer := otel.Tracer("worker.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.HttpCrawl")
	defer span.End()

	var p domain.HTTPCrawlParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("op=pipeline.crawl: %w: params: %v", domain.ErrInvalidArgument, err)
	}

	r.debit(ctx, userID, r.crawlCost, "http_crawl")

	links, err := r.deps.Crawler.Crawl(ctx, p.URL, p.MaxPages)
	if err != nil {
		return nil, err
	}
	if len(links) > 0 {
		if err := r.deps.Crawls.InsertBatch(ctx, jobID, links); err != nil {
			return nil, err
		}
	}
	return json.Marshal(crawlSummary{TotalLinks: len(links), CompletedAt: time.Now().UTC()})
}

// runBlockchainIndex filters contract logs, anchors each one in the CAS,
// and persists the index rows with their integrity metadata.
func (r *Runtime) runBlockchainIndex(ctx context.Context, jobID, userID string, raw json.RawMessage) (json.RawMessage, error) {
	tracer := otel.Tracer("worker.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.BlockchainIndex")
	defer span.End()

	var p domain.BlockchainIndexParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("op=pipeline.index: %w: params: %v", domain.ErrInvalidArgument, err)
	}
	if len(p.Events) == 0 {
		return nil, fmt.Errorf("op=pipeline.index: %w: no events specified", domain.ErrInvalidArgument)
	}

	// Range end is resolved once, so a retried job re-scans the same window
	// instead of chasing the head.
	toBlock := uint64(0)
	if p.ToBlock != nil {
		toBlock = *p.ToBlock
	} else {
		head, err := r.deps.Chain.LatestBlock(ctx)
		if err != nil {
			return nil, err
		}
		toBlock = head
	}

	r.debit(ctx, userID, r.indexCost, "blockchain_index")

	// Only the first signature is filtered; multi-event jobs should be
	// submitted as one job per signature.
	events, err := r.deps.Chain.FilterEvents(ctx, domain.EventFilter{
		Chain:           p.Chain,
		ContractAddress: p.ContractAddress,
		EventSignature:  p.Events[0],
		FromBlock:       p.FromBlock,
		ToBlock:         toBlock,
	})
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, len(events))
	for i := range events {
		if err := r.indexOne(ctx, jobID, &events[i], p); err != nil {
			return nil, err
		}
		hashes = append(hashes, events[i].ContentHash)
	}

	// Root over the batch content hashes; single events verify against it
	// with merklex.GenerateProof.
	return json.Marshal(indexSummary{
		TotalEvents: len(events),
		FromBlock:   p.FromBlock,
		ToBlock:     toBlock,
		MerkleRoot:  merklex.Root(hashes),
		CompletedAt: time.Now().UTC(),
	})
}

// indexOne runs the integrity pipeline for a single log: hash, CAS put,
// pin, index row, CAS mirror row, then the optional extraction, timestamp
// commit, and firehose publish.
func (r *Runtime) indexOne(ctx context.Context, jobID string, ev *domain.BlockchainEvent, p domain.BlockchainIndexParams) error {
	ev.JobID = jobID
	ev.ContentHash = merklex.HashContent(ev.EventData)

	cid, err := r.deps.CAS.Put(ctx, ev.EventData)
	if err != nil {
		return err
	}
	ev.CID = cid
	if err := r.deps.CAS.Pin(ctx, cid); err != nil {
		return err
	}

	eventID, err := r.deps.Events.InsertEvent(ctx, *ev)
	if err != nil {
		return err
	}
	ev.ID = eventID

	if err := r.deps.Events.UpsertCASObject(ctx, domain.CASObject{
		CID:         cid,
		ContentHash: ev.ContentHash,
		SizeBytes:   int64(len(ev.EventData)),
		Pinned:      true,
		EventID:     eventID,
	}); err != nil {
		return err
	}

	if p.EnableAIExtraction && len(p.ExtractionSchema) > 0 && r.deps.Extractor != nil {
		extracted, err := r.deps.Extractor.ExtractStructured(ctx, string(ev.EventData), string(p.ExtractionSchema))
		if err != nil {
			return err
		}
		if err := r.deps.Events.InsertExtraction(ctx, domain.AIExtraction{
			EventID:          eventID,
			ExtractionType:   "structured",
			SchemaDefinition: p.ExtractionSchema,
			ExtractedData:    extracted,
		}); err != nil {
			return err
		}
	}

	if p.CommitOnChain && r.deps.Registry != nil {
		txHash, err := r.deps.Registry.CommitHash(ctx, ev.ContentHash)
		if err != nil {
			return err
		}
		if r.deps.Timestamps != nil {
			if err := r.deps.Timestamps.InsertCommit(ctx, domain.TimestampCommit{
				ContentHash:     ev.ContentHash,
				TransactionHash: txHash,
				BlockNumber:     ev.BlockNumber,
				CommittedAt:     time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
	}

	if r.deps.Publisher != nil {
		if err := r.deps.Publisher.PublishIndexed(ctx, *ev); err != nil {
			// The index row is already durable; the firehose is a
			// best-effort mirror.
			r.log.Warn("firehose publish failed",
				slog.String("event_id", eventID), slog.Any("error", err))
		}
	}

	observability.BlockchainEventsIndexed.Inc()
	return nil
}

// debit spends credits for a dispatched job. Failure is logged and never
// aborts the job; admission already checked the balance at submit time.
func (r *Runtime) debit(ctx context.Context, userID string, cost *big.Int, reason string) {
	if r.deps.Credits == nil || r.deps.Ledger == nil || cost == nil || userID == "" {
		return
	}
	addr, err := r.deps.Ledger.ChainAddress(ctx, userID)
	if err != nil || addr == "" {
		r.log.Warn("debit skipped: no chain address",
			slog.String("user_id", userID), slog.Any("error", err))
		return
	}
	if _, err := r.deps.Credits.SpendCredits(ctx, addr, cost, reason); err != nil {
		r.log.Warn("on-chain debit failed",
			slog.String("user_id", userID), slog.String("reason", reason), slog.Any("error", err))
		return
	}
	if err := r.deps.Ledger.ApplySpend(ctx, userID, cost); err != nil {
		r.log.Warn("debit mirror failed", slog.String("user_id", userID), slog.Any("error", err))
	}
}
