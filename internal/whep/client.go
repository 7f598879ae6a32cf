// Package whep implements the HTTP half of WHEP-style egress signaling: the
// offer/answer POST that creates a session resource and the DELETE that tears
// it down.
package whep

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	contentTypeSDP   = "application/sdp"
	defaultUserAgent = "whep-bench"
	maxAnswerBytes   = 1 << 20
	errorBodyBytes   = 512
)

var tracer = otel.Tracer("github.com/whep-bench/whepbench/internal/whep")

// Client talks to one WHEP endpoint. It is safe for concurrent use; every
// session shares the same Client and keeps its own resource location.
type Client struct {
	target    *url.URL
	origin    *url.URL
	token     string
	userAgent string
	client    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Its transport is used as-is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewClient parses target and returns a client for it. A target that is not
// an absolute http(s) URL yields ErrURL.
func NewClient(target, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) url", ErrURL, target)
	}

	c := &Client{
		target:    u,
		origin:    &url.URL{Scheme: u.Scheme, Host: u.Host},
		token:     token,
		userAgent: defaultUserAgent,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Negotiate posts the local offer and returns the answering session
// description together with the resolved resource location.
func (c *Client) Negotiate(ctx context.Context, offer string) (answer, location string, err error) {
	ctx, span := tracer.Start(ctx, "whep.negotiate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("whep.target", c.target.String())))
	defer func() {
		endSpan(span, err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.target.String(), strings.NewReader(offer))
	if err != nil {
		return "", "", fmt.Errorf("%w: build request: %v", ErrServer, err)
	}
	req.Header.Set("Content-Type", contentTypeSDP)
	req.Header.Set("Accept", contentTypeSDP)
	req.Header.Set("User-Agent", c.userAgent)
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: POST %s: %w", ErrServer, c.target.Redacted(), err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyBytes))
		return "", "", fmt.Errorf("%w: POST %s: %d %s", ErrServer, c.target.Redacted(), resp.StatusCode, strings.TrimSpace(string(body)))
	}

	raw := resp.Header.Get("Location")
	if raw == "" {
		return "", "", fmt.Errorf("%w: location header not found", ErrServer)
	}
	location, err = c.ResolveLocation(raw)
	if err != nil {
		return "", "", err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", "", fmt.Errorf("%w: read answer: %w", ErrServer, err)
	}
	answer = string(body)
	if err := validateAnswer(answer); err != nil {
		// The server created a resource even though the answer is unusable;
		// hand the location back so the caller can still delete it.
		return "", location, err
	}
	return answer, location, nil
}

// Teardown deletes the session resource at location.
func (c *Client) Teardown(ctx context.Context, location string) (err error) {
	ctx, span := tracer.Start(ctx, "whep.teardown",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("whep.location", location)))
	defer func() {
		endSpan(span, err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, location, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrServer, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: DELETE %s: %w", ErrServer, location, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: DELETE %s: %d", ErrServer, location, resp.StatusCode)
	}
	return nil
}

// ResolveLocation turns the Location header value into an absolute URL.
// Relative references resolve against the scheme and host of the target
// following RFC 3986, so dot segments are removed and a reference without a
// leading slash is rooted at the origin. Absolute ones are returned verbatim.
func (c *Client) ResolveLocation(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: bad location %q: %v", ErrServer, raw, err)
	}
	if ref.IsAbs() {
		return raw, nil
	}
	return c.origin.ResolveReference(ref).String(), nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func validateAnswer(answer string) error {
	if strings.TrimSpace(answer) == "" {
		return fmt.Errorf("%w: empty answer", ErrSDP)
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(answer)); err != nil {
		return fmt.Errorf("%w: %v", ErrSDP, err)
	}
	if len(sd.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: answer has no media sections", ErrSDP)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Class(err))
	}
	span.End()
}
