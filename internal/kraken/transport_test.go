package kraken

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTransport(baseURL string, maxRetries int) *Transport {
	tr := NewTransport(Config{
		BaseURL:         baseURL,
		APIKey:          "test-key",
		APISecret:       testSecret,
		MaxRetries:      maxRetries,
		RequestInterval: time.Millisecond,
	}, testLogger())
	tr.rateLimitBase = time.Millisecond
	tr.connectivityInc = time.Millisecond
	return tr
}

func TestRequest_PublicSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/0/public/Time", r.URL.Path)
		w.Write([]byte(`{"error":[],"result":{"unixtime":1616336594}}`))
	}))
	defer srv.Close()

	tr := newTestTransport(srv.URL, 3)
	defer tr.Close()

	result, err := tr.Request(context.Background(), http.MethodGet, "/0/public/Time", nil, false)
	require.NoError(t, err)
	require.JSONEq(t, `{"unixtime":1616336594}`, string(result))
}

func TestRequest_PrivateSignsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "test-key", r.Header.Get("API-Key"))
		require.NotEmpty(t, r.Header.Get("API-Sign"))

		body, _ := io.ReadAll(r.Body)
		values, err := url.ParseQuery(string(body))
		require.NoError(t, err)
		nonce := values.Get("nonce")
		require.NotEmpty(t, nonce)

		// signature must cover the exact body sent
		want, err := Sign(testSecret, "/0/private/Balance", nonce, string(body))
		require.NoError(t, err)
		require.Equal(t, want, r.Header.Get("API-Sign"))

		w.Write([]byte(`{"error":[],"result":{"ZUSD":"100.0"}}`))
	}))
	defer srv.Close()

	tr := newTestTransport(srv.URL, 3)
	defer tr.Close()

	_, err := tr.Request(context.Background(), http.MethodPost, "/0/private/Balance", nil, true)
	require.NoError(t, err)
}

func TestRequest_NoCredentials(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	tr := NewTransport(Config{BaseURL: srv.URL, RequestInterval: time.Millisecond}, testLogger())
	defer tr.Close()

	_, err := tr.Request(context.Background(), http.MethodPost, "/0/private/Balance", nil, true)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Zero(t, calls.Load(), "no request should reach the venue without credentials")
}

func TestRequest_RateLimitRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Write([]byte(`{"error":["EAPI:Rate limit exceeded"]}`))
			return
		}
		w.Write([]byte(`{"error":[],"result":{"ok":true}}`))
	}))
	defer srv.Close()

	tr := newTestTransport(srv.URL, 3)
	defer tr.Close()

	_, err := tr.Request(context.Background(), http.MethodGet, "/0/public/Time", nil, false)
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
}

func TestRequest_AuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"error":["EAPI:Invalid key"]}`))
	}))
	defer srv.Close()

	tr := newTestTransport(srv.URL, 3)
	defer tr.Close()

	_, err := tr.Request(context.Background(), http.MethodPost, "/0/private/Balance", nil, true)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.EqualValues(t, 1, calls.Load(), "authentication errors must not be retried")
}

func TestRequest_OrderErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"error":["EOrder:Insufficient funds"]}`))
	}))
	defer srv.Close()

	tr := newTestTransport(srv.URL, 3)
	defer tr.Close()

	_, err := tr.Request(context.Background(), http.MethodPost, "/0/private/AddOrder", nil, true)
	var orderErr *OrderError
	require.ErrorAs(t, err, &orderErr)
	require.EqualValues(t, 1, calls.Load(), "order rejections must not be retried")
}

func TestRequest_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := newTestTransport(srv.URL, 2)
	defer tr.Close()

	_, err := tr.Request(context.Background(), http.MethodGet, "/0/public/Time", nil, false)

	var exErr *ExchangeError
	require.ErrorAs(t, err, &exErr, "exhausted retries surface wrapped as ExchangeError")
	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr, "the last error stays reachable through the wrap")
	require.EqualValues(t, 3, calls.Load(), "initial attempt plus max_retries")
}

func TestRequestOnce_NoRetryOnTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := newTestTransport(srv.URL, 3)
	defer tr.Close()

	_, err := tr.RequestOnce(context.Background(), http.MethodPost, "/0/private/AddOrder", nil, true)

	var exErr *ExchangeError
	require.ErrorAs(t, err, &exErr)
	require.True(t, exErr.Retryable, "the classification is preserved even though nothing retries it")
	require.EqualValues(t, 1, calls.Load(), "a single attempt, no matter the failure class")
}

func TestRequestOnce_NoRetryOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"error":["EAPI:Rate limit exceeded"]}`))
	}))
	defer srv.Close()

	tr := newTestTransport(srv.URL, 3)
	defer tr.Close()

	_, err := tr.RequestOnce(context.Background(), http.MethodPost, "/0/private/AddOrder", nil, true)

	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	require.EqualValues(t, 1, calls.Load())
}

func TestRequest_ConnectivityRetriedLinearly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"error":[],"result":{}}`))
	}))
	defer srv.Close()

	tr := newTestTransport(srv.URL, 3)
	defer tr.Close()

	_, err := tr.Request(context.Background(), http.MethodGet, "/0/public/Time", nil, false)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestRequest_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{http.StatusUnauthorized, func(t *testing.T, err error) {
			var e *AuthenticationError
			require.ErrorAs(t, err, &e)
		}},
		{http.StatusForbidden, func(t *testing.T, err error) {
			var e *AuthenticationError
			require.ErrorAs(t, err, &e)
		}},
		{http.StatusTooManyRequests, func(t *testing.T, err error) {
			var e *RateLimitError
			require.ErrorAs(t, err, &e)
		}},
		{http.StatusBadRequest, func(t *testing.T, err error) {
			var e *ExchangeError
			require.ErrorAs(t, err, &e)
			require.False(t, e.Retryable)
		}},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			// maxRetries 1 keeps the retried classes quick to exhaust
			tr := newTestTransport(srv.URL, 1)
			defer tr.Close()

			_, err := tr.Request(context.Background(), http.MethodGet, "/0/public/Time", nil, false)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestRequest_ContextCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":["EAPI:Rate limit exceeded"]}`))
	}))
	defer srv.Close()

	tr := newTestTransport(srv.URL, 5)
	tr.rateLimitBase = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Request(ctx, http.MethodGet, "/0/public/Time", nil, false)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextNonce_StrictlyIncreasing(t *testing.T) {
	tr := newTestTransport("http://localhost", 1)

	var prev int64
	for i := 0; i < 1000; i++ {
		n := tr.nextNonce()
		require.Greater(t, n, prev)
		prev = n
	}
}
