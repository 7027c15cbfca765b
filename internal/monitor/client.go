package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/traceway/internal/collector"
)

// StatsPath is the collector endpoint polled by the dashboard.
const StatsPath = "/api/v1/stats"

// StatsClient reads counters from a traceway collector.
type StatsClient struct {
	baseURL string
	client  *http.Client
}

// NewStatsClient creates a client for the collector at baseURL.
func NewStatsClient(baseURL string) *StatsClient {
	return &StatsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Fetch returns the collector's current stats.
func (c *StatsClient) Fetch(ctx context.Context) (collector.StatsResponse, error) {
	u, err := url.Parse(c.baseURL + StatsPath)
	if err != nil {
		return collector.StatsResponse{}, fmt.Errorf("invalid collector URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return collector.StatsResponse{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return collector.StatsResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return collector.StatsResponse{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var stats collector.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return collector.StatsResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return stats, nil
}
