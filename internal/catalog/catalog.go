// Package catalog loads the static table of upstream providers per feature.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"chatrelay/internal/feature"
)

//go:embed providers.yaml
var defaultCatalog []byte

const (
	KindQuery  = "query"
	KindStatic = "static"
	KindOpenAI = "openai_compat"
)

// ProviderSpec describes one upstream endpoint for a feature.
type ProviderSpec struct {
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"`
	BaseURL      string            `yaml:"base_url"`
	Method       string            `yaml:"method,omitempty"`
	Credential   string            `yaml:"credential,omitempty"`
	AuthParam    string            `yaml:"auth_param,omitempty"`
	Params       map[string]string `yaml:"params,omitempty"`
	Required     []string          `yaml:"required,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	BodyTemplate string            `yaml:"body_template,omitempty"`
	Field        string            `yaml:"field,omitempty"`
	Items        []string          `yaml:"items,omitempty"`
	Endpoint     string            `yaml:"endpoint,omitempty"`
	Model        string            `yaml:"model,omitempty"`
	SystemPrompt string            `yaml:"system_prompt,omitempty"`
}

type file struct {
	Features map[string][]ProviderSpec `yaml:"features"`
}

// Catalog is read-only after Load.
type Catalog struct {
	specs map[feature.Feature][]ProviderSpec
}

// Load reads path, or the embedded default table when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read provider catalog: %w", err)
		}
		data = b
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse provider catalog: %w", err)
	}

	c := &Catalog{specs: make(map[feature.Feature][]ProviderSpec, len(f.Features))}
	for name, specs := range f.Features {
		ft, err := feature.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("provider catalog: %w", err)
		}
		for i := range specs {
			if err := validate(&specs[i]); err != nil {
				return nil, fmt.Errorf("provider catalog %s[%d]: %w", name, i, err)
			}
		}
		c.specs[ft] = specs
	}
	return c, nil
}

func validate(s *ProviderSpec) error {
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	switch s.Kind {
	case "", "custom_http", "custom-http":
		s.Kind = KindQuery
	case "openai", "openai-compatible":
		s.Kind = KindOpenAI
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	switch s.Kind {
	case KindQuery:
		if strings.TrimSpace(s.BaseURL) == "" {
			return fmt.Errorf("%s: base_url is required", s.Name)
		}
		if s.AuthParam != "" && s.Credential == "" {
			return fmt.Errorf("%s: auth_param needs a credential", s.Name)
		}
	case KindOpenAI:
		if strings.TrimSpace(s.BaseURL) == "" || s.Credential == "" {
			return fmt.Errorf("%s: openai_compat needs base_url and credential", s.Name)
		}
	case KindStatic:
		if len(s.Items) == 0 {
			return fmt.Errorf("%s: static provider needs items", s.Name)
		}
	default:
		return fmt.Errorf("%s: unsupported provider kind %q", s.Name, s.Kind)
	}
	return nil
}

// Providers returns the ordered specs for f; nil when none are configured.
func (c *Catalog) Providers(f feature.Feature) []ProviderSpec {
	specs := c.specs[f]
	if len(specs) == 0 {
		return nil
	}
	out := make([]ProviderSpec, len(specs))
	copy(out, specs)
	return out
}

func (c *Catalog) Features() []feature.Feature {
	out := make([]feature.Feature, 0, len(c.specs))
	for f := range c.specs {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Credentials lists every credential name referenced by the catalog.
func (c *Catalog) Credentials() []string {
	seen := map[string]struct{}{}
	for _, specs := range c.specs {
		for _, s := range specs {
			if s.Credential != "" {
				seen[s.Credential] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RequiredFields is the union of required payload fields across f's providers.
func (c *Catalog) RequiredFields(f feature.Feature) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, s := range c.specs[f] {
		for _, r := range s.Required {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}
