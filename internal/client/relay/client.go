// Package relay is the chat client's view of the relay server: one call per
// feature, replies normalized through the relay table.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/feature"
	"chatrelay/internal/normalize"
)

const (
	SessionHeader     = "X-Session-ID"
	IdempotencyHeader = "Idempotency-Key"

	// FailureText is shown when the relay itself cannot be reached.
	FailureText = "Something went wrong. Please try again."

	QuoteFallback    = "Stay inspired. Create boldly."
	QuoteUnavailable = "Unable to load quote."
)

type Client struct {
	baseURL string
	session string
	http    *http.Client
}

func New(baseURL, session string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), session: session, http: hc}
}

// Send runs feature f for the user's input and returns the reply to display.
// Transport failures still return a displayable reply alongside the error.
func (c *Client) Send(ctx context.Context, f feature.Feature, input string) (normalize.Reply, error) {
	failed := normalize.Reply{Kind: feature.KindText, Value: FailureText}

	req, err := c.buildRequest(ctx, f, strings.TrimSpace(input))
	if err != nil {
		return failed, err
	}
	body, status, err := c.do(req)
	if err != nil {
		return failed, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return failed, fmt.Errorf("decode %s response: %w", f, err)
	}
	if status >= 400 {
		if msg, ok := raw["error"].(string); ok && strings.TrimSpace(msg) != "" {
			return normalize.Reply{Kind: feature.KindText, Value: msg}, nil
		}
		return failed, fmt.Errorf("%s: status %d", f, status)
	}
	return normalize.Relay.Normalize(f, raw), nil
}

func (c *Client) buildRequest(ctx context.Context, f feature.Feature, input string) (*http.Request, error) {
	if !f.Known() {
		return nil, fmt.Errorf("unknown feature %q", f)
	}
	fields := map[string]string{"text": input}
	switch {
	case f == feature.Quote, f == feature.Motivation, f == feature.Advice:
		q := url.Values{}
		q.Set("prompt", input)
		q.Set("text", input)
		return c.newRequest(ctx, http.MethodGet, f.Path()+"?"+q.Encode(), nil)
	case f == feature.Vision:
		imageURL, prompt := splitImageInput(input)
		fields["imageUrl"] = imageURL
		fields["prompt"] = prompt
	case f.TakesImage():
		fields["imageUrl"] = input
	default:
		fields["prompt"] = input
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, f.Path(), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// splitImageInput reads "<url> [question]". Without a question the whole
// input doubles as the prompt.
func splitImageInput(input string) (imageURL, prompt string) {
	parts := strings.SplitN(input, " ", 2)
	if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
		return parts[0], strings.TrimSpace(parts[1])
	}
	return input, input
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.session != "" {
		req.Header.Set(SessionHeader, c.session)
	}
	req.Header.Set(IdempotencyHeader, uuid.NewString())
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return b, resp.StatusCode, nil
}

// Quote fetches the banner quote shown at startup.
func (c *Client) Quote(ctx context.Context) string {
	req, err := c.newRequest(ctx, http.MethodGet, feature.Quote.Path(), nil)
	if err != nil {
		return QuoteUnavailable
	}
	body, _, err := c.do(req)
	if err != nil {
		return QuoteUnavailable
	}
	reply := normalize.Relay.NormalizeBytes(feature.Quote, body)
	if !reply.OK {
		return QuoteFallback
	}
	return reply.Value
}

// Upload sends a local image file to the relay and returns its hosted link.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("copy image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/upload", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	body, status, err := c.do(req)
	if err != nil {
		return "", err
	}

	var out struct {
		Link  string `json:"link"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if status != http.StatusOK || out.Link == "" {
		if out.Error == "" {
			out.Error = "Image upload failed."
		}
		return "", fmt.Errorf("%s", out.Error)
	}
	return out.Link, nil
}
