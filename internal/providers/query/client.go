package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/template"
	"time"

	"chatrelay/internal/providers"
)

// Config describes one upstream endpoint. Params maps upstream parameter names
// to payload field names.
type Config struct {
	Name         string
	URL          string
	Method       string
	AuthParam    string
	Credential   string
	APIKey       string
	Params       map[string]string
	Headers      map[string]string
	BodyTemplate string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Call(ctx context.Context, req providers.Request) (providers.Response, error) {
	if c.cfg.AuthParam != "" && strings.TrimSpace(c.cfg.APIKey) == "" {
		return providers.Response{}, &providers.ConfigError{
			Provider:   c.cfg.Name,
			Credential: c.cfg.Credential,
			Err:        providers.ErrMissingCredential,
		}
	}

	return providers.WithRetries(ctx, c.cfg.Name, c.cfg.MaxRetries, c.cfg.BackoffBase, func(ctx context.Context) (map[string]any, bool, error) {
		return c.callOnce(ctx, req)
	})
}

func (c *Client) values(req providers.Request) url.Values {
	v := url.Values{}
	if c.cfg.AuthParam != "" {
		v.Set(c.cfg.AuthParam, c.cfg.APIKey)
	}
	names := make([]string, 0, len(c.cfg.Params))
	for name := range c.cfg.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v.Set(name, req.Field(c.cfg.Params[name]))
	}
	return v
}

func (c *Client) buildRequest(ctx context.Context, req providers.Request) (*http.Request, error) {
	u, err := url.Parse(strings.TrimSpace(c.cfg.URL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("parse provider url %q: invalid", c.cfg.URL)
	}
	params := c.values(req)

	if c.cfg.Method == http.MethodGet {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}

	body, err := c.renderBody(params)
	if err != nil {
		return nil, err
	}
	hr, err := http.NewRequestWithContext(ctx, c.cfg.Method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/json")
	return hr, nil
}

func (c *Client) renderBody(params url.Values) ([]byte, error) {
	flat := make(map[string]string, len(params))
	for k := range params {
		flat[k] = params.Get(k)
	}
	if strings.TrimSpace(c.cfg.BodyTemplate) == "" {
		b, err := json.Marshal(flat)
		if err != nil {
			return nil, fmt.Errorf("marshal provider payload: %w", err)
		}
		return b, nil
	}

	tpl, err := template.New("provider_body").Option("missingkey=zero").Funcs(template.FuncMap{
		"json": func(s string) (string, error) {
			b, err := json.Marshal(s)
			return string(b), err
		},
	}).Parse(c.cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, flat); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) callOnce(ctx context.Context, req providers.Request) (raw map[string]any, retry bool, err error) {
	hr, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, false, &providers.UpstreamError{Provider: c.cfg.Name, Message: err.Error()}
	}
	hr.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		hr.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(hr)
	if err != nil {
		return nil, true, &providers.TransportError{Provider: c.cfg.Name, Err: redact(err, c.cfg.APIKey)}
	}
	defer resp.Body.Close()

	b, err := providers.ReadBody(c.cfg.Name, resp)
	if err != nil {
		return nil, true, err
	}

	if providers.Temporary(resp.StatusCode) {
		return nil, true, &providers.UpstreamError{Provider: c.cfg.Name, StatusCode: resp.StatusCode, Message: "temporary status"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, &providers.UpstreamError{Provider: c.cfg.Name, StatusCode: resp.StatusCode, Message: snippet(b)}
	}

	raw, err = decodeObject(b)
	if err != nil {
		return nil, false, &providers.UpstreamError{Provider: c.cfg.Name, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if msg, failed := reportedFailure(raw); failed {
		return nil, false, &providers.UpstreamError{Provider: c.cfg.Name, StatusCode: resp.StatusCode, Message: msg}
	}
	return raw, false, nil
}

func decodeObject(body []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("response is not a json object")
	}
	return raw, nil
}

// reportedFailure detects bodies that arrive with 2xx but flag failure
// themselves, e.g. {"success":false,"error":"no credits"}.
func reportedFailure(raw map[string]any) (string, bool) {
	if ok, present := raw["success"].(bool); present && !ok {
		for _, key := range []string{"error", "message"} {
			if s, ok := raw[key].(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
		return "provider reported failure", true
	}
	return "", false
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// redact keeps api keys embedded in request urls out of error text.
func redact(err error, key string) error {
	if err == nil || strings.TrimSpace(key) == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), url.QueryEscape(key), "<redacted>")
	msg = strings.ReplaceAll(msg, key, "<redacted>")
	return fmt.Errorf("%s", msg)
}
