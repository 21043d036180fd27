// Package cas stores content-addressed blobs in an IPFS node. The CID
// returned by the node is the integrity anchor for everything indexed
// downstream, so callers must treat it as opaque and never recompute it.
package cas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/chronocoders/indexnode/internal/domain"
	"github.com/chronocoders/indexnode/internal/observability"
)

const defaultTimeout = 30 * time.Second

// Client talks to the IPFS HTTP API (the /api/v0 surface of a Kubo node
// or a compatible gateway). An optional Pinata JWT is attached as a
// bearer token on pin operations for remote pinning services.
type Client struct {
	http      *resty.Client
	pinataJWT string
}

// Option configures a Client.
type Option func(*Client)

// WithPinataJWT attaches a Pinata bearer token to pin and unpin calls.
func WithPinataJWT(jwt string) Option {
	return func(c *Client) { c.pinataJWT = jwt }
}

// WithTimeout overrides the default 30s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// New builds a Client against baseURL, e.g. "http://localhost:5001/api/v0".
func New(baseURL string, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultTimeout).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport))
	c := &Client{http: rc}
	for _, o := range opts {
		o(c)
	}
	return c
}

type addResponse struct {
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Put uploads data and returns its CID.
func (c *Client) Put(ctx context.Context, data []byte) (string, error) {
	tracer := otel.Tracer("cas.client")
	ctx, span := tracer.Start(ctx, "cas.Put")
	defer span.End()

	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", "blob", bytes.NewReader(data)).
		Post("/add")
	if err != nil {
		return "", fmt.Errorf("op=cas.put: %w: %v", mapTransportErr(err), err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("op=cas.put: %w: status %d", mapStatus(resp.StatusCode()), resp.StatusCode())
	}
	var out addResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("op=cas.put: %w: decode response: %v", domain.ErrInternal, err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("op=cas.put: %w: empty cid in response", domain.ErrInternal)
	}
	observability.IPFSUploads.Inc()
	return out.Hash, nil
}

// Get fetches the blob for a CID.
func (c *Client) Get(ctx context.Context, cid string) ([]byte, error) {
	tracer := otel.Tracer("cas.client")
	ctx, span := tracer.Start(ctx, "cas.Get")
	defer span.End()

	if cid == "" {
		return nil, fmt.Errorf("op=cas.get: %w: empty cid", domain.ErrInvalidArgument)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("arg", cid).
		Get("/cat")
	if err != nil {
		return nil, fmt.Errorf("op=cas.get: %w: %v", mapTransportErr(err), err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("op=cas.get: %w: status %d", mapStatus(resp.StatusCode()), resp.StatusCode())
	}
	return resp.Body(), nil
}

// Pin asks the node to keep the CID.
func (c *Client) Pin(ctx context.Context, cid string) error {
	return c.pinOp(ctx, "cas.pin", "/pin/add", cid)
}

// Unpin releases the CID for garbage collection.
func (c *Client) Unpin(ctx context.Context, cid string) error {
	return c.pinOp(ctx, "cas.unpin", "/pin/rm", cid)
}

func (c *Client) pinOp(ctx context.Context, op, path, cid string) error {
	tracer := otel.Tracer("cas.client")
	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	if cid == "" {
		return fmt.Errorf("op=%s: %w: empty cid", op, domain.ErrInvalidArgument)
	}
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("arg", cid)
	if c.pinataJWT != "" {
		req.SetAuthToken(c.pinataJWT)
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("op=%s: %w: %v", op, mapTransportErr(err), err)
	}
	if resp.IsError() {
		return fmt.Errorf("op=%s: %w: status %d", op, mapStatus(resp.StatusCode()), resp.StatusCode())
	}
	return nil
}

func mapStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return domain.ErrUpstreamRateLimit
	case code >= 500:
		return domain.ErrTransient
	case code == http.StatusNotFound:
		return domain.ErrNotFound
	default:
		return domain.ErrPermanentUpstream
	}
}

func mapTransportErr(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return domain.ErrUpstreamTimeout
	}
	return domain.ErrTransient
}
