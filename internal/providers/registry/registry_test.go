package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatrelay/internal/catalog"
	"chatrelay/internal/feature"
	"chatrelay/internal/providers"
)

func TestBuildAllFromDefaultCatalog(t *testing.T) {
	c, err := catalog.Load("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	all, err := BuildAll(c, BuildOptions{Credentials: map[string]string{"gifted": "k"}})
	if err != nil {
		t.Fatalf("build all: %v", err)
	}
	quote := all[feature.Quote]
	if len(quote) != 3 || quote[0].Name() != "gifted-quotes" || quote[2].Name() != "local-quotes" {
		t.Fatalf("unexpected quote chain %v", names(quote))
	}

	// prince key is absent: the adapter must refuse without touching the network.
	_, err = all[feature.Motivation][0].Call(context.Background(), providers.Request{})
	if !errors.Is(err, providers.ErrMissingCredential) {
		t.Fatalf("expected missing credential, got %v", err)
	}
}

func TestBuildQueryUsesCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "gk" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	p, err := Build(catalog.ProviderSpec{Name: "g", Kind: catalog.KindQuery, BaseURL: srv.URL, AuthParam: "apikey", Credential: "gifted"},
		BuildOptions{Credentials: map[string]string{"gifted": "gk"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := p.Call(context.Background(), providers.Request{}); err != nil {
		t.Fatalf("call: %v", err)
	}
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	if _, err := Build(catalog.ProviderSpec{Name: "x", Kind: "grpc"}, BuildOptions{}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func names(ps []providers.Provider) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Name())
	}
	return out
}
