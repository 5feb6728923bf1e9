package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/saintparish4/trafficcop/shared/models"
)

// RegisterResponse is the control plane's answer to a registration
type RegisterResponse struct {
	OK       bool        `json:"ok"`
	NodeID   int64       `json:"node_id"`
	PushPath string      `json:"push_path"`
	Node     models.Node `json:"node"`
}

// ControlPlane talks to the trafficcop HTTP API
type ControlPlane struct {
	baseURL string
	client  *http.Client
}

func NewControlPlane(baseURL string, client *http.Client) *ControlPlane {
	if client == nil {
		client = http.DefaultClient
	}
	return &ControlPlane{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Register asks for a fresh node id. Both arguments may be empty.
func (c *ControlPlane) Register(ctx context.Context, instance, displayName string) (*RegisterResponse, error) {
	body, err := json.Marshal(map[string]string{"instance": instance, "display_name": displayName})
	if err != nil {
		return nil, err
	}
	var out RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/nodes/register", body, &out); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	if !out.OK || out.NodeID <= 0 {
		return nil, fmt.Errorf("register: control plane returned no node id")
	}
	return &out, nil
}

// FetchConfig pulls the agent configuration of nodeID
func (c *ControlPlane) FetchConfig(ctx context.Context, nodeID int64) (*models.AgentConfig, error) {
	var out models.AgentConfig
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/config/id/%d", nodeID), nil, &out); err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	return &out, nil
}

func (c *ControlPlane) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr)
		return fmt.Errorf("%s %s: status %d: %s %s", method, path, resp.StatusCode, apiErr.Error, apiErr.Details)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
