package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/memorybridge/internal/capture"
)

const MetadataSource = "capture_agent"

// StatusError is a non-2xx response from the ingestion service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingestion http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) HTTPStatus() int {
	return e.Code
}

type ClientConfig struct {
	BaseURL    string
	UserID     string
	LicenseKey string
	// Version and PageURL are attached to every memory as metadata.
	Version string
	PageURL string
	Timeout time.Duration
}

// Client talks to the ingestion service.
type Client struct {
	cfg    ClientConfig
	client *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// RememberRequest is the POST /remember body.
type RememberRequest struct {
	Content          string         `json:"content"`
	UserID           string         `json:"user_id"`
	Importance       float64        `json:"importance"`
	EmotionalContext string         `json:"emotional_context,omitempty"`
	Timestamp        int64          `json:"timestamp"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Fingerprint      string         `json:"fingerprint,omitempty"`
}

type RememberResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id,omitempty"`
}

func (c *Client) NewRememberRequest(msg capture.Message) RememberRequest {
	meta := map[string]any{
		"source": MetadataSource,
		"role":   string(msg.Role),
	}
	if c.cfg.Version != "" {
		meta["version"] = c.cfg.Version
	}
	if c.cfg.PageURL != "" {
		meta["url"] = c.cfg.PageURL
	}
	return RememberRequest{
		Content:          string(msg.Role) + ": " + msg.Content,
		UserID:           c.cfg.UserID,
		Importance:       msg.Importance,
		EmotionalContext: msg.EmotionalContext,
		Timestamp:        msg.Timestamp,
		Metadata:         meta,
		Fingerprint:      msg.Fingerprint,
	}
}

// Remember delivers one message. Non-2xx responses return *StatusError.
func (c *Client) Remember(ctx context.Context, msg capture.Message) error {
	var out RememberResponse
	return c.postJSON(ctx, "/remember", c.NewRememberRequest(msg), &out)
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// ValidateLicense asks the license collaborator whether key is valid.
func (c *Client) ValidateLicense(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, nil
	}
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.postJSON(ctx, "/validate_license", map[string]string{"key": key}, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// CheckLicense validates the configured license key.
func (c *Client) CheckLicense(ctx context.Context) (bool, error) {
	return c.ValidateLicense(ctx, c.cfg.LicenseKey)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
