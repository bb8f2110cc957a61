package providers

import (
	"context"
	"errors"
	"fmt"
)

// Request is the normalized input handed to every adapter. Fields holds the
// caller payload (prompt, imageUrl, ...) keyed by payload field name.
type Request struct {
	Feature string
	Fields  map[string]string
}

func (r Request) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// Response is a successful upstream reply: a decoded JSON object.
type Response struct {
	Raw map[string]any
}

type Provider interface {
	Name() string
	Call(ctx context.Context, req Request) (Response, error)
}

var ErrMissingCredential = errors.New("credential is not configured")

// TransportError covers network failures and timeouts.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError covers non-2xx statuses, undecodable bodies and error payloads.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: upstream status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: upstream: %s", e.Provider, e.Message)
}

type ConfigError struct {
	Provider   string
	Credential string
	Err        error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: credential %q: %v", e.Provider, e.Credential, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Class names the error taxonomy bucket of err for logs and metrics.
func Class(err error) string {
	var te *TransportError
	var ue *UpstreamError
	var ce *ConfigError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return "config"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &ue):
		return "upstream"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "transport"
	default:
		return "upstream"
	}
}
