package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matheus3301/msync/internal/auth"
	"github.com/matheus3301/msync/internal/errs"
	"github.com/matheus3301/msync/internal/store"
)

// Refresher exchanges refresh tokens at the token endpoint. It is
// deliberately separate from Client: refresh calls carry no bearer
// header and are never replayed.
type Refresher struct {
	http     *http.Client
	tokenURL string
}

// NewRefresher creates a refresher for the given token endpoint.
func NewRefresher(tokenURL string) *Refresher {
	return &Refresher{
		http:     &http.Client{Timeout: 30 * time.Second},
		tokenURL: tokenURL,
	}
}

// RefreshFunc returns the function the auth coordinator calls.
func (r *Refresher) RefreshFunc() auth.RefreshFunc {
	return r.Refresh
}

// Refresh exchanges refreshToken for a new credential pair.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*store.Credential, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, &errs.Transient{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.Transient{Err: err}
	}
	if err := errs.FromStatus(resp.StatusCode, string(respBody)); err != nil {
		return nil, err
	}

	var out struct {
		AccessToken      string `json:"accessToken"`
		RefreshToken     string `json:"refreshToken"`
		AccessExpiresAt  int64  `json:"accessExpiresAt"`
		RefreshExpiresAt int64  `json:"refreshExpiresAt"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("refresh response missing access token")
	}
	return &store.Credential{
		AccessToken:      out.AccessToken,
		RefreshToken:     out.RefreshToken,
		AccessExpiresAt:  out.AccessExpiresAt,
		RefreshExpiresAt: out.RefreshExpiresAt,
	}, nil
}
