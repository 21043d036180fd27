package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chronocoders/indexnode/internal/domain"
)

// Contract ABIs. These mirror the deployed CreditToken, TimestampRegistry,
// and DataMarketplace interfaces; only the methods the platform calls are
// declared.
const (
	creditTokenABI = `[
	  {"type":"function","name":"creditBalance","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	  {"type":"function","name":"purchaseCredits","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	  {"type":"function","name":"spendCredits","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"amount","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]}
	]`

	timestampRegistryABI = `[
	  {"type":"function","name":"commitHash","stateMutability":"nonpayable","inputs":[{"name":"contentHash","type":"bytes32"}],"outputs":[]},
	  {"type":"function","name":"verifyHash","stateMutability":"view","inputs":[{"name":"contentHash","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	dataMarketplaceABI = `[
	  {"type":"function","name":"createListing","stateMutability":"nonpayable","inputs":[{"name":"cid","type":"string"},{"name":"metadataUri","type":"string"},{"name":"price","type":"uint256"}],"outputs":[]},
	  {"type":"function","name":"purchaseDataset","stateMutability":"nonpayable","inputs":[{"name":"listingId","type":"uint256"}],"outputs":[]},
	  {"type":"function","name":"getListingDetails","stateMutability":"view","inputs":[{"name":"listingId","type":"uint256"}],"outputs":[{"name":"seller","type":"address"},{"name":"cid","type":"string"},{"name":"metadataUri","type":"string"},{"name":"price","type":"uint256"},{"name":"active","type":"bool"}]},
	  {"type":"function","name":"sellerReputation","stateMutability":"view","inputs":[{"name":"seller","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`
)

// boundContract bundles a bound contract with the signer and backend
// needed to send transactions and wait for their receipts.
type boundContract struct {
	contract *bind.BoundContract
	backend  *ethclient.Client
	opts     *bind.TransactOpts
}

func newBoundContract(ctx context.Context, backend *ethclient.Client, addr, rawABI, privateKeyHex string) (*boundContract, error) {
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("op=chain.bind: %w: contract address %q", domain.ErrInvalidArgument, addr)
	}
	parsed, err := abi.JSON(strings.NewReader(rawABI))
	if err != nil {
		return nil, fmt.Errorf("op=chain.bind: %w", err)
	}

	bc := &boundContract{
		contract: bind.NewBoundContract(common.HexToAddress(addr), parsed, backend, backend, backend),
		backend:  backend,
	}
	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("op=chain.bind: %w: private key", domain.ErrInvalidArgument)
		}
		chainID, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("op=chain.bind: %w: %v", domain.ErrTransient, err)
		}
		bc.opts, err = bind.NewKeyedTransactorWithChainID(key, chainID)
		if err != nil {
			return nil, fmt.Errorf("op=chain.bind: %w", err)
		}
	}
	return bc, nil
}

// transact sends a state-changing call and blocks until the transaction is
// mined, returning the transaction hash. A reverted receipt surfaces as a
// permanent upstream failure.
func (b *boundContract) transact(ctx context.Context, op, method string, args ...any) (string, error) {
	if b.opts == nil {
		return "", fmt.Errorf("op=%s: %w: no signing key configured", op, domain.ErrInvalidArgument)
	}
	opts := *b.opts
	opts.Context = ctx
	tx, err := b.contract.Transact(&opts, method, args...)
	if err != nil {
		return "", fmt.Errorf("op=%s: %w: %v", op, domain.ErrTransient, err)
	}
	receipt, err := bind.WaitMined(ctx, b.backend, tx)
	if err != nil {
		return "", fmt.Errorf("op=%s: %w: %v", op, domain.ErrTransient, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("op=%s: %w: transaction %s reverted", op, domain.ErrPermanentUpstream, tx.Hash().Hex())
	}
	return receipt.TxHash.Hex(), nil
}

func (b *boundContract) call(ctx context.Context, op, method string, out *[]any, args ...any) error {
	if err := b.contract.Call(&bind.CallOpts{Context: ctx}, out, method, args...); err != nil {
		return fmt.Errorf("op=%s: %w: %v", op, domain.ErrTransient, err)
	}
	return nil
}

func parseAddr(op, addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("op=%s: %w: address %q", op, domain.ErrInvalidArgument, addr)
	}
	return common.HexToAddress(addr), nil
}

func parseHash32(op, hash string) ([32]byte, error) {
	h := strings.TrimPrefix(hash, "0x")
	if len(h) != 64 {
		return [32]byte{}, fmt.Errorf("op=%s: %w: hash %q is not 32 bytes", op, domain.ErrInvalidArgument, hash)
	}
	var out [32]byte
	decoded := common.FromHex("0x" + h)
	if len(decoded) != 32 {
		return [32]byte{}, fmt.Errorf("op=%s: %w: hash %q is not hex", op, domain.ErrInvalidArgument, hash)
	}
	copy(out[:], decoded)
	return out, nil
}

func asBigInt(op string, v any) (*big.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("op=%s: %w: unexpected output type %T", op, domain.ErrInternal, v)
	}
	return b, nil
}
