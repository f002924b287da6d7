package console

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"portico/internal/broker"
	"portico/internal/client"
)

// APIClient reads from a running broker's admin API
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient creates a client for the admin API at address, which is a
// URL or a host:port
func NewAPIClient(address, token string) *APIClient {
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		if strings.HasPrefix(address, ":") {
			address = "localhost" + address
		}
		address = "http://" + address
	}
	return &APIClient{
		baseURL: strings.TrimSuffix(address, "/") + "/api/v1",
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Stats returns the broker stats
func (c *APIClient) Stats(ctx context.Context) (*broker.Stats, error) {
	var stats broker.Stats
	if err := c.get(ctx, "/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Clients returns the connected clients, optionally of one application
func (c *APIClient) Clients(ctx context.Context, app string) ([]client.Info, error) {
	path := "/clients"
	if app != "" {
		path += "?app=" + url.QueryEscape(app)
	}
	var clients []client.Info
	if err := c.get(ctx, path, &clients); err != nil {
		return nil, err
	}
	return clients, nil
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
