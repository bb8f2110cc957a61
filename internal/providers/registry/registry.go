package registry

import (
	"fmt"
	"net/http"
	"time"

	"chatrelay/internal/catalog"
	"chatrelay/internal/feature"
	"chatrelay/internal/providers"
	"chatrelay/internal/providers/openai_compat"
	"chatrelay/internal/providers/query"
	"chatrelay/internal/providers/static"
)

// BuildOptions carries what every adapter shares. Credentials maps catalog
// credential names (gifted, prince, ...) to secrets; a missing entry is not an
// error here, the adapter reports it on call.
type BuildOptions struct {
	Credentials map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

func Build(spec catalog.ProviderSpec, opts BuildOptions) (providers.Provider, error) {
	switch spec.Kind {
	case catalog.KindQuery, "":
		return query.New(query.Config{
			Name:         spec.Name,
			URL:          spec.BaseURL,
			Method:       spec.Method,
			AuthParam:    spec.AuthParam,
			Credential:   spec.Credential,
			APIKey:       opts.Credentials[spec.Credential],
			Params:       spec.Params,
			Headers:      spec.Headers,
			BodyTemplate: spec.BodyTemplate,
			HTTPClient:   opts.HTTPClient,
			MaxRetries:   opts.MaxRetries,
			BackoffBase:  opts.BackoffBase,
		}), nil

	case catalog.KindOpenAI:
		return openai_compat.New(openai_compat.Config{
			Name:         spec.Name,
			BaseURL:      spec.BaseURL,
			APIKey:       opts.Credentials[spec.Credential],
			Credential:   spec.Credential,
			Headers:      spec.Headers,
			Endpoint:     spec.Endpoint,
			Model:        spec.Model,
			SystemPrompt: spec.SystemPrompt,
			HTTPClient:   opts.HTTPClient,
			MaxRetries:   opts.MaxRetries,
			BackoffBase:  opts.BackoffBase,
		}), nil

	case catalog.KindStatic:
		return static.New(spec.Name, spec.Field, spec.Items), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", spec.Kind)
	}
}

// BuildAll instantiates every catalog entry once, preserving per-feature order.
func BuildAll(c *catalog.Catalog, opts BuildOptions) (map[feature.Feature][]providers.Provider, error) {
	out := make(map[feature.Feature][]providers.Provider)
	for _, f := range c.Features() {
		for _, spec := range c.Providers(f) {
			p, err := Build(spec, opts)
			if err != nil {
				return nil, fmt.Errorf("build %s provider %s: %w", f, spec.Name, err)
			}
			out[f] = append(out[f], p)
		}
	}
	return out, nil
}
