// Package dispatch maps a feature to its ordered providers and returns the
// first usable reply, masking upstream failures behind default text.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/feature"
	"chatrelay/internal/metrics"
	"chatrelay/internal/normalize"
	"chatrelay/internal/providers"
)

// ValidationError rejects a request before any upstream call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

const InvalidStyle = "Invalid style"

type Config struct {
	Providers map[feature.Feature][]providers.Provider
	// Required lists payload fields that must be non-empty per feature.
	Required map[feature.Feature][]string
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

type Dispatcher struct {
	providers map[feature.Feature][]providers.Provider
	required  map[feature.Feature][]string
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func New(cfg Config) *Dispatcher {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	ps := make(map[feature.Feature][]providers.Provider, len(cfg.Providers))
	for f, list := range cfg.Providers {
		ps[f] = append([]providers.Provider(nil), list...)
	}
	req := make(map[feature.Feature][]string, len(cfg.Required))
	for f, fields := range cfg.Required {
		req[f] = append([]string(nil), fields...)
	}
	return &Dispatcher{
		providers: ps,
		required:  req,
		logger:    cfg.Logger,
		metrics:   m,
	}
}

// Dispatch resolves name ("chat", "image/ghibli", ...) and tries its providers
// strictly in order. The only error it returns is *ValidationError; every
// upstream failure degrades to the feature's default text with OK=false.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload map[string]string) (normalize.Reply, error) {
	f, err := feature.Parse(name)
	if err != nil {
		if f.IsImageStyle() || strings.HasPrefix(strings.ToLower(strings.Trim(name, "/ ")), feature.ImagePrefix) {
			return normalize.Reply{}, &ValidationError{Field: "style", Message: InvalidStyle}
		}
		return normalize.Reply{}, &ValidationError{Field: "feature", Message: err.Error()}
	}
	list := d.providers[f]
	if len(list) == 0 && f.IsImageStyle() {
		return normalize.Reply{}, &ValidationError{Field: "style", Message: InvalidStyle}
	}
	for _, field := range d.required[f] {
		if strings.TrimSpace(payload[field]) == "" {
			return normalize.Reply{}, &ValidationError{Field: field, Message: fmt.Sprintf("%s is required", field)}
		}
	}

	unavailable := normalize.Reply{Kind: feature.KindText, Value: f.Defaults().Unavailable}
	if len(list) == 0 {
		d.logger.Warn().Str("feature", f.String()).Msg("no providers configured")
		return unavailable, nil
	}

	req := providers.Request{Feature: f.String(), Fields: payload}
	for i, p := range list {
		started := time.Now()
		reply, err := d.attempt(ctx, f, p, req)
		d.observe(f, p, i, started, err)
		if err == nil {
			return reply, nil
		}
	}
	return unavailable, nil
}

func (d *Dispatcher) attempt(ctx context.Context, f feature.Feature, p providers.Provider, req providers.Request) (normalize.Reply, error) {
	resp, err := p.Call(ctx, req)
	if err != nil {
		return normalize.Reply{}, err
	}
	reply := normalize.Upstream.Normalize(f, resp.Raw)
	if !reply.OK {
		return normalize.Reply{}, &providers.UpstreamError{Provider: p.Name(), Message: "response carries no expected field"}
	}
	return reply, nil
}

func (d *Dispatcher) observe(f feature.Feature, p providers.Provider, index int, started time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = providers.Class(err)
	}
	d.metrics.DispatchAttempts.WithLabelValues(f.String(), p.Name(), outcome).Inc()

	ev := d.logger.Info()
	if err != nil {
		ev = d.logger.Warn().Err(err)
	}
	ev.Str("feature", f.String()).
		Str("provider", p.Name()).
		Int("attempt", index+1).
		Str("outcome", outcome).
		Dur("duration", time.Since(started)).
		Msg("provider attempt")
}

// Features lists the features that have at least one provider.
func (d *Dispatcher) Features() []feature.Feature {
	out := []feature.Feature{}
	for _, f := range feature.All() {
		if len(d.providers[f]) > 0 {
			out = append(out, f)
		}
	}
	return out
}
