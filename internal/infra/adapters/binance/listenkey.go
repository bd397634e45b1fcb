package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/venuelink/errs"
)

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// ListenKeys acquires, renews, and releases user-stream session tokens.
type ListenKeys struct {
	client *SignedClient
}

// NewListenKeys wraps client.
func NewListenKeys(client *SignedClient) *ListenKeys {
	return &ListenKeys{client: client}
}

// Create obtains a fresh listen key.
func (l *ListenKeys) Create(ctx context.Context, accountID int64) (string, error) {
	resp, err := l.client.CallUserStream(ctx, accountID, http.MethodPost, futuresMetadata.listenKeyPath, nil)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	var payload listenKeyResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return "", errs.Malformed(Exchange, fmt.Errorf("decode listen key: %w", err), errs.WithAccount(accountID))
	}
	key := strings.TrimSpace(payload.ListenKey)
	if key == "" {
		return "", errs.Malformed(Exchange, fmt.Errorf("listen key missing in response"), errs.WithAccount(accountID))
	}
	return key, nil
}

// KeepAlive extends the listen key's validity.
func (l *ListenKeys) KeepAlive(ctx context.Context, accountID int64, listenKey string) error {
	if _, err := l.client.CallUserStream(ctx, accountID, http.MethodPut, futuresMetadata.listenKeyPath, listenKeyParams(listenKey)); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

// Close releases the listen key.
func (l *ListenKeys) Close(ctx context.Context, accountID int64, listenKey string) error {
	if _, err := l.client.CallUserStream(ctx, accountID, http.MethodDelete, futuresMetadata.listenKeyPath, listenKeyParams(listenKey)); err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}

func listenKeyParams(listenKey string) url.Values {
	params := url.Values{}
	if trimmed := strings.TrimSpace(listenKey); trimmed != "" {
		params.Set("listenKey", trimmed)
	}
	return params
}
