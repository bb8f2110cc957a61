package static

import (
	"context"
	"sync"

	"chatrelay/internal/providers"
)

// Rotation serves a fixed list of texts round-robin under Field. The index is
// owned by the instance.
type Rotation struct {
	name  string
	field string
	items []string

	mu   sync.Mutex
	next int
}

func New(name, field string, items []string) *Rotation {
	cp := make([]string, len(items))
	copy(cp, items)
	if field == "" {
		field = "result"
	}
	return &Rotation{name: name, field: field, items: cp}
}

var _ providers.Provider = (*Rotation)(nil)

func (r *Rotation) Name() string { return r.name }

func (r *Rotation) Call(_ context.Context, _ providers.Request) (providers.Response, error) {
	if len(r.items) == 0 {
		return providers.Response{}, &providers.UpstreamError{Provider: r.name, Message: "rotation list is empty"}
	}
	r.mu.Lock()
	item := r.items[r.next%len(r.items)]
	r.next = (r.next + 1) % len(r.items)
	r.mu.Unlock()
	return providers.Response{Raw: map[string]any{r.field: item}}, nil
}
