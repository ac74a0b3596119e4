package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matheus3301/msync/internal/auth"
	"github.com/matheus3301/msync/internal/errs"
	"go.uber.org/zap"
)

// Client is the authenticated HTTP transport beneath every REST call.
// It attaches the bearer token from the auth coordinator and performs
// exactly one refresh-and-replay when a request comes back 401.
type Client struct {
	http    *http.Client
	baseURL string
	coord   *auth.Coordinator
	logger  *zap.Logger
}

// New creates a gateway client for the given API base URL.
func New(baseURL string, coord *auth.Coordinator, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		coord:   coord,
		logger:  logger,
	}
}

// do issues one authenticated request. body is JSON-encoded when non-nil;
// a 2xx response is decoded into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	tok, err := c.coord.Token(ctx)
	if err != nil {
		return err
	}

	status, respBody, err := c.send(ctx, method, path, payload, tok)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		// One coordinated refresh, then one replay. The request is marked
		// retried by construction: this branch is not re-entered.
		cred, err := c.coord.ForceRefresh(ctx)
		if err != nil {
			return err
		}
		c.logger.Info("replaying request after refresh", zap.String("path", path))
		status, respBody, err = c.send(ctx, method, path, payload, cred.AccessToken)
		if err != nil {
			return err
		}
	}

	if err := errs.FromStatus(status, string(respBody)); err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (int, []byte, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &errs.Transient{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &errs.Transient{Err: err}
	}
	return resp.StatusCode, respBody, nil
}
