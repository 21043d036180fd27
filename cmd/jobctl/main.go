// Command jobctl is the operator CLI: submit jobs from a YAML file, read
// job status and results, inspect queue stats and the dead-letter list,
// and query the on-chain marketplace.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chronocoders/indexnode/internal/adapter/chain"
	"github.com/chronocoders/indexnode/internal/adapter/queue/redisq"
	"github.com/chronocoders/indexnode/internal/adapter/repo/postgres"
	"github.com/chronocoders/indexnode/internal/config"
	"github.com/chronocoders/indexnode/internal/domain"
	"github.com/chronocoders/indexnode/internal/observability"
	"github.com/chronocoders/indexnode/internal/usecase"
)

const usage = `usage: jobctl <command> [args]

commands:
  submit <file.yaml>          submit a job described by a YAML file
  status <job-id>             print the durable job row
  result <job-id>             print the result summary of a completed job
  stats                       print queue depths and active workers
  dead-letter                 list dead-letter jobs
  reinject <n>                move n dead-letter jobs back into the queue
  listing <id>                print a marketplace listing
  reputation <address>        print a seller's reputation score
  list-dataset <cid> <uri> <price>   create a marketplace listing
  buy-dataset <id>            purchase a marketplace listing
  buy-credits <amount>        purchase credits for the configured key
  verify <content-hash>       check a hash against the timestamp registry
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch command {
	case "submit":
		if len(args) != 1 {
			return fmt.Errorf("submit takes exactly one YAML file")
		}
		return submit(ctx, cfg, args[0])
	case "status":
		if len(args) != 1 {
			return fmt.Errorf("status takes exactly one job id")
		}
		return status(ctx, cfg, args[0])
	case "result":
		if len(args) != 1 {
			return fmt.Errorf("result takes exactly one job id")
		}
		return result(ctx, cfg, args[0])
	case "stats":
		return stats(ctx, cfg)
	case "dead-letter":
		return deadLetter(ctx, cfg)
	case "reinject":
		n := 1
		if len(args) == 1 {
			n, err = strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("reinject takes a positive count")
			}
		}
		return reinject(ctx, cfg, n)
	case "listing":
		if len(args) != 1 {
			return fmt.Errorf("listing takes exactly one listing id")
		}
		return listing(ctx, cfg, args[0])
	case "reputation":
		if len(args) != 1 {
			return fmt.Errorf("reputation takes exactly one address")
		}
		return reputation(ctx, cfg, args[0])
	case "list-dataset":
		if len(args) != 3 {
			return fmt.Errorf("list-dataset takes cid, metadata uri, and price")
		}
		return listDataset(ctx, cfg, args[0], args[1], args[2])
	case "buy-dataset":
		if len(args) != 1 {
			return fmt.Errorf("buy-dataset takes exactly one listing id")
		}
		return buyDataset(ctx, cfg, args[0])
	case "buy-credits":
		if len(args) != 1 {
			return fmt.Errorf("buy-credits takes exactly one amount")
		}
		return buyCredits(ctx, cfg, args[0])
	case "verify":
		if len(args) != 1 {
			return fmt.Errorf("verify takes exactly one content hash")
		}
		return verify(ctx, cfg, args[0])
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// jobSpec is the YAML submission format. Params are passed through to the
// job config as JSON.
type jobSpec struct {
	UserID   string         `yaml:"user_id"`
	JobType  string         `yaml:"job_type"`
	Priority int            `yaml:"priority"`
	Params   map[string]any `yaml:"params"`
}

func submit(ctx context.Context, cfg config.Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var spec jobSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	params, err := json.Marshal(spec.Params)
	if err != nil {
		return err
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	queue, err := redisq.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	var ledger domain.CreditLedger
	costs := usecase.Costs{Crawl: chain.CrawlJobCost(), EventIndex: chain.EventIndexCost()}
	if cfg.CreditContractAddress != "" {
		client, err := chain.Dial(ctx, cfg.EthereumRPCURL)
		if err != nil {
			return err
		}
		defer client.Close()
		ledger, err = chain.NewCreditManager(ctx, client, cfg.CreditContractAddress, cfg.CreditPrivateKey)
		if err != nil {
			return err
		}
	}

	submitter := usecase.NewSubmitter(
		postgres.NewJobQueueRepo(pool), queue, ledger,
		postgres.NewCreditsRepo(pool), costs, slog.Default())

	id, err := submitter.Submit(ctx, spec.UserID, domain.JobConfig{
		JobType: domain.JobType(spec.JobType),
		Params:  params,
	}, spec.Priority)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func status(ctx context.Context, cfg config.Config, id string) error {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	j, err := postgres.NewJobQueueRepo(pool).Get(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"id":           j.ID,
		"user_id":      j.UserID,
		"status":       j.Status,
		"priority":     j.Priority,
		"job_type":     j.Config.JobType,
		"created_at":   j.CreatedAt,
		"started_at":   j.StartedAt,
		"completed_at": j.CompletedAt,
		"retry_count":  j.RetryCount,
		"error":        j.Error,
	})
}

func result(ctx context.Context, cfg config.Config, id string) error {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	submitter := usecase.NewSubmitter(
		postgres.NewJobQueueRepo(pool), noopDistQueue{}, nil, nil, usecase.Costs{}, slog.Default())
	summary, err := submitter.GetResult(ctx, id)
	if err != nil {
		return err
	}
	fmt.Println(string(summary))
	return nil
}

func stats(ctx context.Context, cfg config.Config) error {
	queue, err := redisq.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()
	coordinator := redisq.NewCoordinatorWithClient(queue.Client())

	depths, err := coordinator.QueueStats(ctx)
	if err != nil {
		return err
	}
	workers, err := coordinator.ActiveWorkers(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"queues": depths, "active_workers": workers})
}

func deadLetter(ctx context.Context, cfg config.Config) error {
	queue, err := redisq.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	jobs, err := queue.DeadLetter(ctx)
	if err != nil {
		return err
	}
	return printJSON(jobs)
}

func reinject(ctx context.Context, cfg config.Config, n int) error {
	queue, err := redisq.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	moved, err := queue.ReinjectDeadLetter(ctx, n)
	if err != nil {
		return err
	}
	fmt.Printf("reinjected %d\n", moved)
	return nil
}

func listing(ctx context.Context, cfg config.Config, rawID string) error {
	id, ok := new(big.Int).SetString(rawID, 10)
	if !ok {
		return fmt.Errorf("listing id %q is not a number", rawID)
	}
	mkt, closeFn, err := marketplace(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	l, err := mkt.GetListing(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"seller":       l.Seller,
		"cid":          l.CID,
		"metadata_uri": l.MetadataURI,
		"price":        l.Price.String(),
		"active":       l.Active,
	})
}

func reputation(ctx context.Context, cfg config.Config, addr string) error {
	mkt, closeFn, err := marketplace(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	score, err := mkt.SellerReputation(ctx, addr)
	if err != nil {
		return err
	}
	fmt.Println(score.String())
	return nil
}

func listDataset(ctx context.Context, cfg config.Config, cid, metadataURI, rawPrice string) error {
	price, ok := new(big.Int).SetString(rawPrice, 10)
	if !ok {
		return fmt.Errorf("price %q is not a number", rawPrice)
	}
	mkt, closeFn, err := marketplace(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	txHash, err := mkt.CreateListing(ctx, cid, metadataURI, price)
	if err != nil {
		return err
	}
	fmt.Println(txHash)
	return nil
}

func buyDataset(ctx context.Context, cfg config.Config, rawID string) error {
	id, ok := new(big.Int).SetString(rawID, 10)
	if !ok {
		return fmt.Errorf("listing id %q is not a number", rawID)
	}
	mkt, closeFn, err := marketplace(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	txHash, err := mkt.PurchaseDataset(ctx, id)
	if err != nil {
		return err
	}
	fmt.Println(txHash)
	return nil
}

func buyCredits(ctx context.Context, cfg config.Config, rawAmount string) error {
	amount, ok := new(big.Int).SetString(rawAmount, 10)
	if !ok {
		return fmt.Errorf("amount %q is not a number", rawAmount)
	}
	if cfg.CreditContractAddress == "" {
		return fmt.Errorf("CREDIT_CONTRACT_ADDRESS not configured")
	}
	client, err := chain.Dial(ctx, cfg.EthereumRPCURL)
	if err != nil {
		return err
	}
	defer client.Close()

	credits, err := chain.NewCreditManager(ctx, client, cfg.CreditContractAddress, cfg.CreditPrivateKey)
	if err != nil {
		return err
	}
	txHash, err := credits.PurchaseCredits(ctx, amount)
	if err != nil {
		return err
	}
	fmt.Println(txHash)
	return nil
}

func verify(ctx context.Context, cfg config.Config, contentHash string) error {
	if cfg.TimestampContractAddress == "" {
		return fmt.Errorf("TIMESTAMP_CONTRACT_ADDRESS not configured")
	}
	client, err := chain.Dial(ctx, cfg.EthereumRPCURL)
	if err != nil {
		return err
	}
	defer client.Close()

	registry, err := chain.NewTimestampClient(ctx, client, cfg.TimestampContractAddress, cfg.CreditPrivateKey)
	if err != nil {
		return err
	}
	block, found, err := registry.VerifyHash(ctx, contentHash)
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("not committed")
		return nil
	}
	fmt.Printf("committed at block %d\n", block)
	return nil
}

func marketplace(ctx context.Context, cfg config.Config) (*chain.MarketplaceClient, func(), error) {
	if cfg.MarketplaceContractAddr == "" {
		return nil, nil, fmt.Errorf("MARKETPLACE_CONTRACT_ADDRESS not configured")
	}
	client, err := chain.Dial(ctx, cfg.EthereumRPCURL)
	if err != nil {
		return nil, nil, err
	}
	mkt, err := chain.NewMarketplaceClient(ctx, client, cfg.MarketplaceContractAddr, cfg.CreditPrivateKey)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return mkt, client.Close, nil
}

// noopDistQueue satisfies the distributed-queue port for read-only
// commands that never enqueue.
type noopDistQueue struct{}

func (noopDistQueue) Enqueue(context.Context, domain.DistributedJob) error { return nil }
func (noopDistQueue) Dequeue(context.Context, string) (*domain.DistributedJob, error) {
	return nil, nil
}
func (noopDistQueue) Complete(context.Context, string) error             { return nil }
func (noopDistQueue) Retry(context.Context, domain.DistributedJob) error { return nil }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
