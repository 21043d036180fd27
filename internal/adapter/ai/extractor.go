// Package ai extracts structured data from indexed content with an LLM.
// It speaks the Anthropic Messages wire format directly; the surface is
// three fixed prompt shapes, so a raw HTTP client keeps the dependency
// footprint small and the requests auditable.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/chronocoders/indexnode/internal/domain"
	"github.com/chronocoders/indexnode/internal/observability"
)

const (
	messagesPath   = "/v1/messages"
	apiVersion     = "2023-06-01"
	defaultModel   = "claude-sonnet-4-20250514"
	defaultTimeout = 60 * time.Second

	maxResponseTokens = 4096
	// Prompt budget; content beyond it is truncated before the template
	// is applied so the template itself always survives.
	maxPromptTokens = 150000
)

// Extractor calls the Anthropic Messages API.
type Extractor struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	encoder *tiktoken.Tiktoken
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(e *Extractor) {
		if model != "" {
			e.model = model
		}
	}
}

// WithBaseURL points the client at a non-default endpoint.
func WithBaseURL(u string) Option {
	return func(e *Extractor) { e.baseURL = strings.TrimSuffix(u, "/") }
}

// WithTimeout overrides the default 60s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.http.Timeout = d }
}

// New builds an Extractor. The token encoder is best-effort: if the
// encoding tables cannot be loaded, truncation falls back to a
// character-count heuristic.
func New(apiKey string, opts ...Option) *Extractor {
	e := &Extractor{
		baseURL: "https://api.anthropic.com",
		apiKey:  apiKey,
		model:   defaultModel,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		e.encoder = enc
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ExtractStructured asks the model to map content onto a JSON schema and
// returns the raw JSON object. A response that does not parse as JSON is
// a permanent failure: retrying the same prompt yields the same shape.
func (e *Extractor) ExtractStructured(ctx context.Context, content, schema string) (json.RawMessage, error) {
	tracer := otel.Tracer("ai.extractor")
	ctx, span := tracer.Start(ctx, "ai.ExtractStructured")
	defer span.End()

	prompt := fmt.Sprintf(
		"Extract structured data from the following content according to this JSON schema. Respond with only the JSON object, no prose.\n\nSchema:\n%s\n\nContent:\n%s",
		schema, e.truncate(content))
	text, err := e.complete(ctx, "ai.extract", prompt)
	if err != nil {
		return nil, err
	}
	text = stripCodeFence(text)
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("op=ai.extract: %w: response is not valid JSON", domain.ErrPermanentUpstream)
	}
	observability.AIExtractionsPerformed.Inc()
	return json.RawMessage(text), nil
}

// Summarize condenses content to at most maxWords words.
func (e *Extractor) Summarize(ctx context.Context, content string, maxWords int) (string, error) {
	tracer := otel.Tracer("ai.extractor")
	ctx, span := tracer.Start(ctx, "ai.Summarize")
	defer span.End()

	prompt := fmt.Sprintf(
		"Summarize the following content in at most %d words. Respond with only the summary.\n\n%s",
		maxWords, e.truncate(content))
	return e.complete(ctx, "ai.summarize", prompt)
}

// Classify picks the single best-fitting category for content.
func (e *Extractor) Classify(ctx context.Context, content string, categories []string) (string, error) {
	tracer := otel.Tracer("ai.extractor")
	ctx, span := tracer.Start(ctx, "ai.Classify")
	defer span.End()

	if len(categories) == 0 {
		return "", fmt.Errorf("op=ai.classify: %w: no categories", domain.ErrInvalidArgument)
	}
	prompt := fmt.Sprintf(
		"Classify the following content into exactly one of these categories: %s. Respond with only the category name.\n\n%s",
		strings.Join(categories, ", "), e.truncate(content))
	text, err := e.complete(ctx, "ai.classify", prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (e *Extractor) complete(ctx context.Context, op, prompt string) (string, error) {
	if e.apiKey == "" {
		return "", fmt.Errorf("op=%s: %w: api key not configured", op, domain.ErrInvalidArgument)
	}
	body, err := json.Marshal(messagesRequest{
		Model:     e.model,
		MaxTokens: maxResponseTokens,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("op=%s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("op=%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := e.http.Do(req)
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return "", fmt.Errorf("op=%s: %w: %v", op, domain.ErrUpstreamTimeout, err)
		}
		return "", fmt.Errorf("op=%s: %w: %v", op, domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out messagesResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&out); decErr != nil && resp.StatusCode == http.StatusOK {
		return "", fmt.Errorf("op=%s: %w: decode response: %v", op, domain.ErrTransient, decErr)
	}
	if resp.StatusCode != http.StatusOK {
		detail := ""
		if out.Error != nil {
			detail = ": " + out.Error.Message
		}
		return "", fmt.Errorf("op=%s: %w: status %d%s", op, mapStatus(resp.StatusCode), resp.StatusCode, detail)
	}
	if len(out.Content) == 0 {
		return "", fmt.Errorf("op=%s: %w: empty content blocks", op, domain.ErrPermanentUpstream)
	}
	return out.Content[0].Text, nil
}

func mapStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return domain.ErrUpstreamRateLimit
	case code >= 500:
		return domain.ErrTransient
	default:
		return domain.ErrPermanentUpstream
	}
}

// truncate bounds content to the prompt token budget.
func (e *Extractor) truncate(content string) string {
	if e.encoder == nil {
		// ~4 chars per token heuristic.
		if max := maxPromptTokens * 4; len(content) > max {
			return content[:max]
		}
		return content
	}
	tokens := e.encoder.Encode(content, nil, nil)
	if len(tokens) <= maxPromptTokens {
		return content
	}
	return e.encoder.Decode(tokens[:maxPromptTokens])
}

// stripCodeFence unwraps a markdown-fenced response, which some models
// emit even when told not to.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
