package chain

import (
	"context"
	"math/big"

	"go.opentelemetry.io/otel"

	"github.com/chronocoders/indexnode/internal/observability"
)

// Per-job-class costs in credit base units (18 decimals).
var (
	weiPerCredit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// CrawlJobCost is the credit debit for one http_crawl job.
func CrawlJobCost() *big.Int { return new(big.Int).Mul(big.NewInt(100), weiPerCredit) }

// EventIndexCost is the credit debit for one blockchain_index job.
func EventIndexCost() *big.Int { return new(big.Int).Mul(big.NewInt(50), weiPerCredit) }

// CreditManager talks to the CreditToken contract. The on-chain balance is
// the source of truth for admission decisions.
type CreditManager struct{ bc *boundContract }

// NewCreditManager binds the credit contract at addr.
func NewCreditManager(ctx context.Context, client *Client, addr, privateKeyHex string) (*CreditManager, error) {
	bc, err := newBoundContract(ctx, client.Backend(), addr, creditTokenABI, privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &CreditManager{bc: bc}, nil
}

// Balance reads the user's on-chain credit balance.
func (m *CreditManager) Balance(ctx context.Context, addr string) (*big.Int, error) {
	tracer := otel.Tracer("chain.credits")
	ctx, span := tracer.Start(ctx, "credits.Balance")
	defer span.End()

	user, err := parseAddr("credits.balance", addr)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := m.bc.call(ctx, "credits.balance", "creditBalance", &out, user); err != nil {
		return nil, err
	}
	return asBigInt("credits.balance", out[0])
}

// PurchaseCredits buys credits and blocks until the transaction is mined.
func (m *CreditManager) PurchaseCredits(ctx context.Context, amount *big.Int) (string, error) {
	tracer := otel.Tracer("chain.credits")
	ctx, span := tracer.Start(ctx, "credits.PurchaseCredits")
	defer span.End()

	txHash, err := m.bc.transact(ctx, "credits.purchase", "purchaseCredits", amount)
	if err != nil {
		return "", err
	}
	observability.CreditTransactions.WithLabelValues("purchase").Inc()
	return txHash, nil
}

// SpendCredits debits the user's balance with a reason code and blocks
// until the transaction is mined.
func (m *CreditManager) SpendCredits(ctx context.Context, addr string, amount *big.Int, reason string) (string, error) {
	tracer := otel.Tracer("chain.credits")
	ctx, span := tracer.Start(ctx, "credits.SpendCredits")
	defer span.End()

	user, err := parseAddr("credits.spend", addr)
	if err != nil {
		return "", err
	}
	txHash, err := m.bc.transact(ctx, "credits.spend", "spendCredits", user, amount, reason)
	if err != nil {
		return "", err
	}
	observability.CreditTransactions.WithLabelValues("spend").Inc()
	return txHash, nil
}
