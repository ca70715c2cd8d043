package dualcommit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// tokenManager obtains and refreshes the JWT for one principal. It is safe
// for concurrent use.
type tokenManager struct {
	baseURL     string
	principalID string
	apiKey      string
	client      *http.Client
	margin      time.Duration
	now         func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenManager(baseURL, principalID, apiKey string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL:     baseURL,
		principalID: principalID,
		apiKey:      apiKey,
		client:      client,
		margin:      30 * time.Second,
		now:         time.Now,
	}
}

func (tm *tokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && tm.now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.token, nil
	}
	if err := tm.refresh(ctx); err != nil {
		return "", err
	}
	return tm.token, nil
}

// invalidate drops the cached token so the next call re-authenticates.
func (tm *tokenManager) invalidate() {
	tm.mu.Lock()
	tm.token = ""
	tm.mu.Unlock()
}

type authRequest struct {
	PrincipalID string `json:"principal_id"`
	APIKey      string `json:"api_key"`
}

type authResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (tm *tokenManager) refresh(ctx context.Context) error {
	body, err := json.Marshal(authRequest{PrincipalID: tm.principalID, APIKey: tm.apiKey})
	if err != nil {
		return fmt.Errorf("dualcommit: marshal auth request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dualcommit: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("dualcommit: auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("dualcommit: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp.StatusCode, raw)
	}
	var out authResponse
	if err := decodeEnvelope(raw, &out); err != nil {
		return err
	}
	if out.Token == "" {
		return fmt.Errorf("dualcommit: auth response carried no token")
	}
	tm.token = out.Token
	tm.expiresAt = out.ExpiresAt
	return nil
}
