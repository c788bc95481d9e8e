package recordings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lowband-classroom/backend/internal/models"
)

// Client lists recordings from the gateway.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a client for the gateway at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: 10 * time.Second}}
}

type listEnvelope struct {
	Success bool                       `json:"success"`
	Data    []models.RecordingListItem `json:"data"`
	Error   string                     `json:"error"`
}

// List fetches a room's recordings.
func (c *Client) List(ctx context.Context, roomID string) ([]models.RecordingListItem, error) {
	q := url.Values{}
	q.Set("room_id", roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/recordings?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer resp.Body.Close()
	var env listEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode recordings (%s): %w", resp.Status, err)
	}
	if !env.Success {
		return nil, fmt.Errorf("list recordings: %s", env.Error)
	}
	return env.Data, nil
}
