package imgur

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/providers"
)

const DefaultEndpoint = "https://api.imgur.com/3/image"

var ErrNotConfigured = errors.New("imgur client id is not configured")

type Config struct {
	ClientID   string
	Endpoint   string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg}
}

func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.ClientID) != ""
}

// Upload posts the raw image bytes and returns the hosted link.
func (c *Client) Upload(ctx context.Context, image io.Reader) (string, error) {
	if !c.Configured() {
		return "", &providers.ConfigError{Provider: "imgur", Credential: "IMGUR_CLIENT_ID", Err: ErrNotConfigured}
	}
	body, err := io.ReadAll(image)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Client-ID "+c.cfg.ClientID)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", &providers.TransportError{Provider: "imgur", Err: err}
	}
	defer resp.Body.Close()

	b, err := providers.ReadBody("imgur", resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &providers.UpstreamError{Provider: "imgur", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}

	var out struct {
		Data struct {
			Link string `json:"link"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", &providers.UpstreamError{Provider: "imgur", StatusCode: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	if strings.TrimSpace(out.Data.Link) == "" {
		return "", &providers.UpstreamError{Provider: "imgur", StatusCode: resp.StatusCode, Message: "response has no link"}
	}
	return out.Data.Link, nil
}
