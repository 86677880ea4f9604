package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	endpointWebSocketsToken = "/0/private/GetWebSocketsToken"

	defaultTokenRefreshMargin = 60 * time.Second
)

// WebSocketToken is a time-limited credential for the venue's private
// WebSocket channels.
type WebSocketToken struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (t WebSocketToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// ShouldRefresh reports whether the token is inside the refresh margin
// before expiry. The margin is strictly smaller than the lifetime, so
// a token refreshes before, never exactly at, expiry.
func (t WebSocketToken) ShouldRefresh(now time.Time, margin time.Duration) bool {
	return !now.Before(t.ExpiresAt.Add(-margin))
}

type tokenRequester interface {
	Request(ctx context.Context, method, endpoint string, params url.Values, authenticated bool) (json.RawMessage, error)
}

// TokenManager caches the WebSocket authentication token and refreshes
// it ahead of expiry. Concurrent refreshes collapse into a single
// network call per manager instance.
type TokenManager struct {
	transport tokenRequester
	log       *slog.Logger
	margin    time.Duration
	now       func() time.Time

	mu     sync.Mutex
	cached WebSocketToken
	group  singleflight.Group
}

func NewTokenManager(transport tokenRequester, log *slog.Logger, margin time.Duration) *TokenManager {
	if margin <= 0 {
		margin = defaultTokenRefreshMargin
	}
	return &TokenManager{
		transport: transport,
		log:       log,
		margin:    margin,
		now:       time.Now,
	}
}

// GetToken returns the cached token while it is outside the refresh
// margin; otherwise it fetches a fresh one. forceRefresh always hits
// the venue.
func (tm *TokenManager) GetToken(ctx context.Context, forceRefresh bool) (string, error) {
	const op = "kraken.GetToken"

	if !forceRefresh {
		tm.mu.Lock()
		cached := tm.cached
		tm.mu.Unlock()
		if cached.Token != "" && !cached.ShouldRefresh(tm.now(), tm.margin) {
			return cached.Token, nil
		}
	}

	v, err, _ := tm.group.Do("ws-token", func() (interface{}, error) {
		return tm.refresh(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return v.(string), nil
}

func (tm *TokenManager) refresh(ctx context.Context) (string, error) {
	const op = "kraken.refreshToken"
	log := tm.log.With("op", op)

	raw, err := tm.transport.Request(ctx, "POST", endpointWebSocketsToken, nil, true)
	if err != nil {
		log.Error("failed to acquire websocket token", "error", err)
		return "", err
	}

	var payload struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("venue returned an empty websocket token")
	}

	now := tm.now()
	tm.mu.Lock()
	tm.cached = WebSocketToken{
		Token:     payload.Token,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(payload.Expires) * time.Second),
	}
	tm.mu.Unlock()

	log.Debug("websocket token refreshed", "expires_in", payload.Expires)
	return payload.Token, nil
}
