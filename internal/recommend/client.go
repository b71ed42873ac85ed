// Package recommend queries the fragrance recommendation service and
// exposes it to the concierge as the recommend_fragrances tool.
package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/sillage/internal/httpkit"
)

// Request is the structured query accepted by the service. Field names
// match its wire format.
type Request struct {
	Types         []string `json:"types"`
	Notes         []string `json:"notes"`
	HasLongevity  []string `json:"hasLongevity"`
	HasSillage    []string `json:"hasSillage"`
	BrandName     *string  `json:"brandName"`
	FragranceName *string  `json:"fragranceName"`
	Count         int      `json:"count"`
}

// Fragrance is one recommended fragrance.
type Fragrance struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Brand       string   `json:"brand"`
	TopNotes    []string `json:"topNotes"`
	MiddleNotes []string `json:"middleNotes"`
	BaseNotes   []string `json:"baseNotes"`
	Sillage     string   `json:"sillage"`
	Longevity   string   `json:"longevity"`
	Types       []string `json:"types"`
}

// Client calls the recommendation service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpkit.NewClient(httpkit.WithTimeout(timeout), httpkit.WithLogger(logger)),
		logger:  logger,
	}
}

// Recommend posts req to /api/agent/recommend and returns the decoded
// list.
func (c *Client) Recommend(ctx context.Context, req Request) ([]Fragrance, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/api/agent/recommend"
	c.logger.Log(ctx, slog.Level(-8), "recommend request", "url", url, "body", string(body)) // config.LevelTrace

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("recommend request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recommend: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var out []Fragrance
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// Ping checks that the service answers HTTP. Any response below 500
// counts as reachable; the service exposes no dedicated health route.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("recommend ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("recommend ping: status %d", resp.StatusCode)
	}
	return nil
}
