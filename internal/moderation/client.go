package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ButyrinIA/yaksafe/internal/models"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnavailable means no verdict could be obtained. It is never a
// rejection: the text may or may not be safe.
var ErrUnavailable = errors.New("moderation unavailable")

// leveledSlog re-writes retry client ERROR to WARN, since intermediate
// failures are expected.
type leveledSlog struct {
	inner *slog.Logger
}

func (l leveledSlog) Error(msg string, keysAndValues ...any) { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Warn(msg string, keysAndValues ...any)  { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Info(msg string, keysAndValues ...any)  { l.inner.Info(msg, keysAndValues...) }
func (l leveledSlog) Debug(msg string, keysAndValues ...any) { l.inner.Debug(msg, keysAndValues...) }

// verdictResponse tells a missing safe field apart from safe=false.
type verdictResponse struct {
	Safe   *bool  `json:"safe"`
	Reason string `json:"reason"`
}

type Client struct {
	endpoint string
	http     *retryablehttp.Client
	logger   *slog.Logger
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
		c.http.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: logger})
	}
}

func WithTransport(transport http.RoundTripper) Option {
	return func(c *Client) {
		c.http.HTTPClient.Transport = transport
	}
}

// NewClient returns a client for the moderation service at baseURL. Each
// attempt is bounded by timeout; attempts and waits follow policy.
func NewClient(baseURL string, timeout time.Duration, policy RetryPolicy, opts ...Option) *Client {
	logger := slog.Default().With("component", "moderation-client")

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = timeout
	rc.RetryMax = policy.Retries()
	rc.Backoff = policy.backoff
	rc.CheckRetry = retryablehttp.DefaultRetryPolicy
	rc.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: logger})

	c := &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/moderate",
		http:     rc,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Moderate asks the service for a verdict on text. Any failure after the
// retry budget is spent is reported as ErrUnavailable.
func (c *Client) Moderate(ctx context.Context, text string) (models.Verdict, error) {
	body, err := json.Marshal(moderateRequest{Text: text})
	if err != nil {
		return models.Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return models.Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		clientFailures.Inc()
		c.logger.Error("moderation call failed", "err", err)
		return models.Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		clientFailures.Inc()
		return models.Verdict{}, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var v verdictResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		clientFailures.Inc()
		return models.Verdict{}, fmt.Errorf("%w: decoding verdict: %v", ErrUnavailable, err)
	}
	if v.Safe == nil {
		clientFailures.Inc()
		return models.Verdict{}, fmt.Errorf("%w: verdict without safe field", ErrUnavailable)
	}
	return models.Verdict{Safe: *v.Safe, Reason: v.Reason}, nil
}
