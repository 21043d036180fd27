package chain

import (
	"context"

	"go.opentelemetry.io/otel"
)

// TimestampClient commits content hashes to the TimestampRegistry contract
// so that an external chain serves as timestamping authority.
type TimestampClient struct{ bc *boundContract }

// NewTimestampClient binds the registry contract at addr.
func NewTimestampClient(ctx context.Context, client *Client, addr, privateKeyHex string) (*TimestampClient, error) {
	bc, err := newBoundContract(ctx, client.Backend(), addr, timestampRegistryABI, privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &TimestampClient{bc: bc}, nil
}

// CommitHash registers a 32-byte content hash on chain and returns the
// transaction hash once mined.
func (t *TimestampClient) CommitHash(ctx context.Context, contentHash string) (string, error) {
	tracer := otel.Tracer("chain.timestamp")
	ctx, span := tracer.Start(ctx, "timestamp.CommitHash")
	defer span.End()

	h, err := parseHash32("timestamp.commit", contentHash)
	if err != nil {
		return "", err
	}
	return t.bc.transact(ctx, "timestamp.commit", "commitHash", h)
}

// VerifyHash returns the block number a hash was committed at. A zero
// return from the contract means the hash is unknown.
func (t *TimestampClient) VerifyHash(ctx context.Context, contentHash string) (uint64, bool, error) {
	tracer := otel.Tracer("chain.timestamp")
	ctx, span := tracer.Start(ctx, "timestamp.VerifyHash")
	defer span.End()

	h, err := parseHash32("timestamp.verify", contentHash)
	if err != nil {
		return 0, false, err
	}
	var out []any
	if err := t.bc.call(ctx, "timestamp.verify", "verifyHash", &out, h); err != nil {
		return 0, false, err
	}
	block, err := asBigInt("timestamp.verify", out[0])
	if err != nil {
		return 0, false, err
	}
	if block.Sign() == 0 {
		return 0, false, nil
	}
	return block.Uint64(), true, nil
}
