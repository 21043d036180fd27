package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"

	"github.com/chronocoders/indexnode/internal/domain"
)

// MarketplaceClient talks to the DataMarketplace contract.
type MarketplaceClient struct{ bc *boundContract }

// NewMarketplaceClient binds the marketplace contract at addr.
func NewMarketplaceClient(ctx context.Context, client *Client, addr, privateKeyHex string) (*MarketplaceClient, error) {
	bc, err := newBoundContract(ctx, client.Backend(), addr, dataMarketplaceABI, privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &MarketplaceClient{bc: bc}, nil
}

// CreateListing lists a dataset by CID and blocks until mined.
func (m *MarketplaceClient) CreateListing(ctx context.Context, cid, metadataURI string, price *big.Int) (string, error) {
	tracer := otel.Tracer("chain.marketplace")
	ctx, span := tracer.Start(ctx, "marketplace.CreateListing")
	defer span.End()

	return m.bc.transact(ctx, "marketplace.create_listing", "createListing", cid, metadataURI, price)
}

// PurchaseDataset buys access to a listing and blocks until mined.
func (m *MarketplaceClient) PurchaseDataset(ctx context.Context, listingID *big.Int) (string, error) {
	tracer := otel.Tracer("chain.marketplace")
	ctx, span := tracer.Start(ctx, "marketplace.PurchaseDataset")
	defer span.End()

	return m.bc.transact(ctx, "marketplace.purchase", "purchaseDataset", listingID)
}

// GetListing reads listing details from the chain.
func (m *MarketplaceClient) GetListing(ctx context.Context, listingID *big.Int) (domain.Listing, error) {
	tracer := otel.Tracer("chain.marketplace")
	ctx, span := tracer.Start(ctx, "marketplace.GetListing")
	defer span.End()

	var out []any
	if err := m.bc.call(ctx, "marketplace.get_listing", "getListingDetails", &out, listingID); err != nil {
		return domain.Listing{}, err
	}
	return listingFromOutputs(out)
}

// listingFromOutputs decodes the getListingDetails tuple. Every output is
// type-checked; a drifted ABI surfaces as ErrInternal, not a panic.
func listingFromOutputs(out []any) (domain.Listing, error) {
	if len(out) != 5 {
		return domain.Listing{}, fmt.Errorf("op=marketplace.get_listing: %w: %d outputs", domain.ErrInternal, len(out))
	}
	seller, ok := out[0].(common.Address)
	if !ok {
		return domain.Listing{}, fmt.Errorf("op=marketplace.get_listing: %w: seller type %T", domain.ErrInternal, out[0])
	}
	cid, ok := out[1].(string)
	if !ok {
		return domain.Listing{}, fmt.Errorf("op=marketplace.get_listing: %w: cid type %T", domain.ErrInternal, out[1])
	}
	metadataURI, ok := out[2].(string)
	if !ok {
		return domain.Listing{}, fmt.Errorf("op=marketplace.get_listing: %w: metadata_uri type %T", domain.ErrInternal, out[2])
	}
	price, err := asBigInt("marketplace.get_listing", out[3])
	if err != nil {
		return domain.Listing{}, err
	}
	active, ok := out[4].(bool)
	if !ok {
		return domain.Listing{}, fmt.Errorf("op=marketplace.get_listing: %w: active type %T", domain.ErrInternal, out[4])
	}
	return domain.Listing{
		Seller:      seller.Hex(),
		CID:         cid,
		MetadataURI: metadataURI,
		Price:       price,
		Active:      active,
	}, nil
}

// SellerReputation reads a seller's reputation score.
func (m *MarketplaceClient) SellerReputation(ctx context.Context, seller string) (*big.Int, error) {
	tracer := otel.Tracer("chain.marketplace")
	ctx, span := tracer.Start(ctx, "marketplace.SellerReputation")
	defer span.End()

	addr, err := parseAddr("marketplace.reputation", seller)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := m.bc.call(ctx, "marketplace.reputation", "sellerReputation", &out, addr); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("op=marketplace.reputation: %w: empty output", domain.ErrInternal)
	}
	return asBigInt("marketplace.reputation", out[0])
}
