// Package mgmtapi is a minimal management-API client. The engine uses it for
// exactly one thing: re-resolving a pooler hostname when pooled connections
// fail.
package mgmtapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.supabase.com"

// Client calls the management API.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewClient builds a client against the public management API. baseURL is
// overridable for tests.
func NewClient(log *zap.Logger, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

type poolerConfig struct {
	DBHost string `json:"db_host"`
	DBPort int    `json:"db_port"`
}

// ResolvePoolerHost asks the management API for the project's current pooler
// hostname. Implements dbconn.HostResolver.
func (c *Client) ResolvePoolerHost(ctx context.Context, projectRef, token string) (string, error) {
	url := fmt.Sprintf("%s/v1/projects/%s/config/database/pooler", c.baseURL, projectRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build pooler lookup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("pooler lookup failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read pooler lookup response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pooler lookup returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var cfg poolerConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return "", fmt.Errorf("failed to parse pooler lookup response: %w", err)
	}
	if cfg.DBHost == "" {
		return "", fmt.Errorf("pooler lookup returned no db_host for project %s", projectRef)
	}

	c.log.Debug("resolved pooler host", zap.String("project", projectRef), zap.String("host", cfg.DBHost))
	return cfg.DBHost, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
