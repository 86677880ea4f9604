package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxRetries      = 3
	defaultRequestInterval = 500 * time.Millisecond

	rateLimitBackoffBase = 2 * time.Second
	connectivityBackoff  = 1 * time.Second
)

type Config struct {
	BaseURL            string
	APIKey             string
	APISecret          string
	Timeout            time.Duration
	MaxRetries         int
	RequestInterval    time.Duration
	TokenRefreshMargin time.Duration
}

// Transport performs signed and unsigned calls against the venue's
// REST API with inter-request spacing, retry/backoff and uniform
// error classification. It owns the HTTP connection pool; Close must
// run on shutdown.
type Transport struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	log        *slog.Logger
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	nonce      atomic.Int64

	// backoff bases split out so tests don't sleep for real
	rateLimitBase   time.Duration
	connectivityInc time.Duration
}

func NewTransport(cfg Config, log *slog.Logger) *Transport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	interval := cfg.RequestInterval
	if interval <= 0 {
		interval = defaultRequestInterval
	}

	return &Transport{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		apiSecret:       cfg.APISecret,
		log:             log,
		client:          &http.Client{Timeout: timeout},
		limiter:         rate.NewLimiter(rate.Every(interval), 1),
		maxRetries:      maxRetries,
		rateLimitBase:   rateLimitBackoffBase,
		connectivityInc: connectivityBackoff,
	}
}

// Close releases the underlying connection pool.
func (t *Transport) Close() {
	t.client.CloseIdleConnections()
}

func (t *Transport) HasCredentials() bool {
	return t.apiKey != "" && t.apiSecret != ""
}

// nextNonce returns a strictly increasing nonce, epoch milliseconds
// bumped by one when calls land inside the same millisecond.
func (t *Transport) nextNonce() int64 {
	for {
		last := t.nonce.Load()
		next := time.Now().UnixMilli()
		if next <= last {
			next = last + 1
		}
		if t.nonce.CompareAndSwap(last, next) {
			return next
		}
	}
}

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Request executes one logical API call. Rate-limit errors back off
// exponentially (base 2s, doubling), connectivity errors linearly
// (1s x attempt); authentication, validation and order rejections are
// never retried. Exhausted retries surface the last error wrapped as
// an ExchangeError.
func (t *Transport) Request(ctx context.Context, method, endpoint string, params url.Values, authenticated bool) (json.RawMessage, error) {
	const op = "kraken.Request"
	log := t.log.With("op", op, "endpoint", endpoint)

	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := t.do(ctx, method, endpoint, params, authenticated)
		if err == nil {
			return result, nil
		}
		lastErr = err

		delay, retryable := t.retryDelay(err, attempt)
		if !retryable {
			return nil, err
		}
		if attempt > t.maxRetries {
			log.Error("retries exhausted", "attempts", attempt, "error", lastErr)
			return nil, &ExchangeError{
				Endpoint: endpoint,
				Message:  fmt.Sprintf("retries exhausted after %d attempts", attempt),
				Err:      lastErr,
			}
		}

		log.Warn("transient failure, backing off", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// RequestOnce performs exactly one attempt with no transient retries.
// For non-idempotent endpoints: a request that timed out may already
// have been processed by the venue, so re-sending it is never safe.
func (t *Transport) RequestOnce(ctx context.Context, method, endpoint string, params url.Values, authenticated bool) (json.RawMessage, error) {
	return t.do(ctx, method, endpoint, params, authenticated)
}

func (t *Transport) retryDelay(err error, attempt int) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return t.rateLimitBase << (attempt - 1), true
	}

	var ee *ExchangeError
	if errors.As(err, &ee) && ee.Retryable {
		return t.connectivityInc * time.Duration(attempt), true
	}

	return 0, false
}

func (t *Transport) do(ctx context.Context, method, endpoint string, params url.Values, authenticated bool) (json.RawMessage, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := t.buildRequest(ctx, method, endpoint, params, authenticated)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &ExchangeError{Endpoint: endpoint, Message: "request failed", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ExchangeError{Endpoint: endpoint, Message: "read response", Retryable: true, Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, classifyStatus(endpoint, resp.StatusCode, truncate(string(body), 256))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ExchangeError{Endpoint: endpoint, Message: "decode response", Err: err}
	}
	if len(env.Error) > 0 {
		return nil, classifyMessages(endpoint, env.Error)
	}

	return env.Result, nil
}

func (t *Transport) buildRequest(ctx context.Context, method, endpoint string, params url.Values, authenticated bool) (*http.Request, error) {
	reqURL := t.baseURL + endpoint

	if !authenticated {
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if params != nil {
			req.URL.RawQuery = params.Encode()
		}
		return req, nil
	}

	if !t.HasCredentials() {
		return nil, &AuthenticationError{Endpoint: endpoint, Message: ErrMissingCredentials.Error()}
	}

	if params == nil {
		params = url.Values{}
	}
	nonce := strconv.FormatInt(t.nextNonce(), 10)
	params.Set("nonce", nonce)
	postdata := params.Encode()

	sig, err := Sign(t.apiSecret, endpoint, nonce, postdata)
	if err != nil {
		return nil, &AuthenticationError{Endpoint: endpoint, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(postdata))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", t.apiKey)
	req.Header.Set("API-Sign", sig)
	return req, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
