// Package labels resolves human readable labels for resource IRIs through the platform label
// endpoint, pooling concurrent lookups into batched requests.
package labels

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/researchspace/researchspace-sub019/errs"
	"github.com/researchspace/researchspace-sub019/internal/observability"
)

// ClientConfig configures the label endpoint client.
type ClientConfig struct {
	Endpoint string
	Timeout  time.Duration
	// RequestsPerSecond paces outbound requests. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	// MaxRetries bounds the retries after the first attempt for transient failures.
	MaxRetries     uint
	InitialBackoff time.Duration
	HTTPClient     *http.Client
	Logger         observability.Logger
}

// Client posts IRI batches to the label endpoint.
type Client struct {
	cfg     ClientConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  observability.Logger
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, errs.New("labels/client", errs.CodeInvalid,
			errs.WithMessage("endpoint required"),
			errs.WithRemediation("set labels.endpoint to the platform label service URL"))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, cfg.Burst)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return &Client{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		logger:  observability.Or(cfg.Logger),
	}, nil
}

// Fetch resolves labels for iris in a single logical call. IRIs without a label are
// omitted from the result. Network failures, 429 and 5xx responses are retried with
// exponential backoff; other 4xx responses fail immediately.
func (c *Client) Fetch(ctx context.Context, iris []string) (map[string]string, error) {
	if len(iris) == 0 {
		return map[string]string{}, nil
	}
	body, err := json.Marshal(iris)
	if err != nil {
		return nil, fmt.Errorf("encode label request: %w", err)
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = c.cfg.InitialBackoff
	var attempt uint
	for {
		labels, err := c.post(ctx, body)
		if err == nil {
			return labels, nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		if attempt >= c.cfg.MaxRetries || ctx.Err() != nil {
			return nil, err
		}
		attempt++

		sleep := backoffCfg.NextBackOff()
		var retryAfter *backoff.RetryAfterError
		if errors.As(err, &retryAfter) {
			sleep = retryAfter.Duration
		}
		c.logger.Debug("label request retry",
			observability.F("attempt", attempt),
			observability.F("iris", len(iris)),
			observability.F("sleep", sleep),
			observability.F("error", err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("label request: %w", ctx.Err())
		case <-time.After(sleep):
		}
	}
}

func (c *Client) post(ctx context.Context, body []byte) (map[string]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("label rate limiter: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create label request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.New("labels/client", errs.CodeUpstream,
			errs.WithMessage("label request failed"),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read label response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		limited := errs.New("labels/client", errs.CodeRateLimited,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("label endpoint rate limited"))
		if secs, convErr := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); convErr == nil && secs >= 0 {
			return nil, fmt.Errorf("%w: %w", limited, backoff.RetryAfter(secs))
		}
		return nil, limited
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, upstreamStatusError(resp.StatusCode, respBody)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, backoff.Permanent(upstreamStatusError(resp.StatusCode, respBody))
	}

	labels := make(map[string]string)
	if len(bytes.TrimSpace(respBody)) == 0 {
		return labels, nil
	}
	if err := json.Unmarshal(respBody, &labels); err != nil {
		return nil, backoff.Permanent(errs.New("labels/client", errs.CodeUpstream,
			errs.WithMessage("decode label response"),
			errs.WithCause(err)))
	}
	return labels, nil
}

const maxErrorBodyBytes = 256

func upstreamStatusError(status int, body []byte) error {
	msg := truncateUTF8(strings.TrimSpace(string(body)), maxErrorBodyBytes)
	return errs.New("labels/client", errs.CodeUpstream,
		errs.WithHTTP(status),
		errs.WithMessage("label endpoint returned "+http.StatusText(status)),
		errs.WithField("body", msg))
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
