// Package openai_compat adapts OpenAI-style endpoints (chat completions or the
// responses API) into the relay's provider contract. The model's text comes
// back under "result", and a request carrying imageUrl is sent as a vision turn.
package openai_compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatrelay/internal/providers"
)

const (
	EndpointChat      = "chat_completions"
	EndpointResponses = "responses"
)

type Config struct {
	Name         string
	BaseURL      string
	APIKey       string
	Credential   string
	Headers      map[string]string
	Endpoint     string
	Model        string
	SystemPrompt string
	MaxTokens    int
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

// dialect is what differs between the two endpoint families.
type dialect struct {
	path      string
	tokensKey string
	turns     string
	textPart  string
	imagePart func(u string) map[string]any
	extract   func(raw map[string]any) string
}

var chatDialect = dialect{
	path:      "/chat/completions",
	tokensKey: "max_tokens",
	turns:     "messages",
	textPart:  "text",
	imagePart: func(u string) map[string]any {
		return map[string]any{"type": "image_url", "image_url": map[string]any{"url": u}}
	},
	extract: chatText,
}

var responsesDialect = dialect{
	path:      "/responses",
	tokensKey: "max_output_tokens",
	turns:     "input",
	textPart:  "input_text",
	imagePart: func(u string) map[string]any {
		return map[string]any{"type": "input_image", "image_url": u}
	},
	extract: responsesText,
}

type Client struct {
	cfg     Config
	dialect dialect
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	d := chatDialect
	switch strings.Trim(strings.ToLower(strings.TrimSpace(cfg.Endpoint)), "/") {
	case EndpointResponses, "v1/responses":
		cfg.Endpoint = EndpointResponses
		d = responsesDialect
	default:
		cfg.Endpoint = EndpointChat
	}
	return &Client{cfg: cfg, dialect: d}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Call(ctx context.Context, req providers.Request) (providers.Response, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return providers.Response{}, &providers.ConfigError{
			Provider:   c.cfg.Name,
			Credential: c.cfg.Credential,
			Err:        providers.ErrMissingCredential,
		}
	}
	target, err := c.endpoint()
	if err != nil {
		return providers.Response{}, &providers.UpstreamError{Provider: c.cfg.Name, Message: err.Error()}
	}
	body, err := json.Marshal(c.payload(req))
	if err != nil {
		return providers.Response{}, &providers.UpstreamError{Provider: c.cfg.Name, Message: "marshal payload: " + err.Error()}
	}

	return providers.WithRetries(ctx, c.cfg.Name, c.cfg.MaxRetries, c.cfg.BackoffBase, func(ctx context.Context) (map[string]any, bool, error) {
		return c.post(ctx, target, body)
	})
}

// payload builds the request body. prompt and imageUrl are the payload
// fields every feature using this adapter shares.
func (c *Client) payload(req providers.Request) map[string]any {
	turns := []map[string]any{}
	if sp := strings.TrimSpace(c.cfg.SystemPrompt); sp != "" {
		turns = append(turns, map[string]any{"role": "system", "content": sp})
	}

	prompt := req.Field("prompt")
	if img := strings.TrimSpace(req.Field("imageUrl")); img != "" {
		parts := []map[string]any{c.dialect.imagePart(img)}
		if strings.TrimSpace(prompt) != "" {
			parts = append([]map[string]any{{"type": c.dialect.textPart, "text": prompt}}, parts...)
		}
		turns = append(turns, map[string]any{"role": "user", "content": parts})
	} else {
		turns = append(turns, map[string]any{"role": "user", "content": prompt})
	}

	out := map[string]any{"model": c.cfg.Model, c.dialect.turns: turns}
	if c.cfg.MaxTokens > 0 {
		out[c.dialect.tokensKey] = c.cfg.MaxTokens
	}
	return out
}

func (c *Client) endpoint() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("parse base url %q: invalid", base)
	}
	if !strings.HasSuffix(u.Path, c.dialect.path) {
		u.Path = strings.TrimSuffix(u.Path, "/") + c.dialect.path
	}
	return u.String(), nil
}

func (c *Client) post(ctx context.Context, target string, body []byte) (map[string]any, bool, error) {
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, false, &providers.UpstreamError{Provider: c.cfg.Name, Message: "build request: " + err.Error()}
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	for k, v := range c.cfg.Headers {
		hr.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(hr)
	if err != nil {
		return nil, true, &providers.TransportError{Provider: c.cfg.Name, Err: err}
	}
	defer resp.Body.Close()

	b, err := providers.ReadBody(c.cfg.Name, resp)
	if err != nil {
		return nil, false, err
	}
	if providers.Temporary(resp.StatusCode) {
		return nil, true, &providers.UpstreamError{Provider: c.cfg.Name, StatusCode: resp.StatusCode, Message: "temporary status"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, &providers.UpstreamError{Provider: c.cfg.Name, StatusCode: resp.StatusCode, Message: "provider rejected request"}
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil || raw == nil {
		return nil, false, &providers.UpstreamError{Provider: c.cfg.Name, StatusCode: resp.StatusCode, Message: "response is not a json object"}
	}
	text := strings.TrimSpace(c.dialect.extract(raw))
	if text == "" {
		return nil, false, &providers.UpstreamError{Provider: c.cfg.Name, StatusCode: resp.StatusCode, Message: "response has no text"}
	}
	return map[string]any{"result": text}, false, nil
}

// chatText reads choices[0].text or choices[0].message.content, where content
// may be a string or a list of {text} parts.
func chatText(raw map[string]any) string {
	choices, _ := raw["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	first, _ := choices[0].(map[string]any)
	if s, _ := first["text"].(string); strings.TrimSpace(s) != "" {
		return s
	}
	msg, _ := first["message"].(map[string]any)
	return partsText(msg["content"])
}

// responsesText prefers output_text, then the first output item's content.
func responsesText(raw map[string]any) string {
	if s, _ := raw["output_text"].(string); strings.TrimSpace(s) != "" {
		return s
	}
	output, _ := raw["output"].([]any)
	for _, item := range output {
		m, _ := item.(map[string]any)
		if s := partsText(m["content"]); strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func partsText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if s, ok := m["text"].(string); ok {
					parts = append(parts, s)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
