// Package crawler fetches a page and extracts its outbound links.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/net/html"

	"github.com/chronocoders/indexnode/internal/domain"
)

const (
	userAgent      = "IndexNode/1.0 (https://github.com/chronocoders)"
	defaultTimeout = 15 * time.Second
	maxRedirects   = 5
	// Bodies past this size are cut off before parsing.
	maxBodyBytes = 10 << 20
)

// Crawler fetches one URL and returns the links found on it.
type Crawler struct {
	http *http.Client
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithTimeout overrides the default 15s fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Crawler) { c.http.Timeout = d }
}

// New builds a Crawler with redirect and timeout limits applied.
func New(opts ...Option) *Crawler {
	c := &Crawler{
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Crawl fetches pageURL and returns up to maxPages absolute http(s) links
// found in its anchors. Relative hrefs are resolved against the fetched
// URL. Non-HTML bodies yield zero links. maxPages == 0 returns an empty
// slice without fetching.
func (c *Crawler) Crawl(ctx context.Context, pageURL string, maxPages int) ([]string, error) {
	tracer := otel.Tracer("crawler")
	ctx, span := tracer.Start(ctx, "crawler.Crawl")
	defer span.End()

	if maxPages < 0 {
		return nil, fmt.Errorf("op=crawler.crawl: %w: negative maxPages", domain.ErrInvalidArgument)
	}
	if maxPages == 0 {
		return []string{}, nil
	}
	base, err := url.Parse(pageURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("op=crawler.crawl: %w: url %q", domain.ErrInvalidArgument, pageURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("op=crawler.crawl: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, fmt.Errorf("op=crawler.crawl: %w: %v", domain.ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("op=crawler.crawl: %w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=crawler.crawl: %w: status %d from %s", statusErr(resp.StatusCode), resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("op=crawler.crawl: %w: read body: %v", domain.ErrTransient, err)
	}

	// Content sniffing beats the Content-Type header, which lies often
	// enough to matter.
	if mt := mimetype.Detect(body); !mt.Is("text/html") && !strings.HasPrefix(mt.String(), "text/") {
		return []string{}, nil
	}

	return extractLinks(body, base, maxPages), nil
}

func statusErr(code int) error {
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

// extractLinks walks the parsed tree collecting anchor hrefs. Duplicate
// links are kept once, in document order.
func extractLinks(body []byte, base *url.URL, maxPages int) []string {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return []string{}
	}

	links := make([]string, 0, maxPages)
	seen := make(map[string]struct{})

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(links) >= maxPages {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				if link, ok := resolveLink(base, attr.Val); ok {
					if _, dup := seen[link]; !dup {
						seen[link] = struct{}{}
						links = append(links, link)
					}
				}
				break
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return links
}

func resolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}
