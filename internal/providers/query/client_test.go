package query

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/internal/providers"
)

func TestCallSendsMappedQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		q := r.URL.Query()
		if q.Get("apikey") != "secret" || q.Get("q") != "hello" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"success":true,"result":"hi there"}`))
	}))
	defer srv.Close()

	c := New(Config{
		Name:       "gifted-gpt",
		URL:        srv.URL + "/api/ai/gpt",
		AuthParam:  "apikey",
		Credential: "gifted",
		APIKey:     "secret",
		Params:     map[string]string{"q": "prompt"},
	})
	resp, err := c.Call(context.Background(), providers.Request{Feature: "chat", Fields: map[string]string{"prompt": "hello"}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Raw["result"] != "hi there" {
		t.Fatalf("unexpected raw %#v", resp.Raw)
	}
}

func TestCallMissingCredentialMakesNoRequest(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := New(Config{Name: "prince-motivation", URL: srv.URL, AuthParam: "apikey", Credential: "prince"})
	_, err := c.Call(context.Background(), providers.Request{})
	var ce *providers.ConfigError
	if !errors.As(err, &ce) || !errors.Is(err, providers.ErrMissingCredential) {
		t.Fatalf("expected config error, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no upstream request, got %d", hits)
	}
}

func TestCallRetriesTemporaryStatus(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"quote":"Stay hungry"}`))
	}))
	defer srv.Close()

	c := New(Config{Name: "q", URL: srv.URL, MaxRetries: 1, BackoffBase: time.Millisecond})
	resp, err := c.Call(context.Background(), providers.Request{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Raw["quote"] != "Stay hungry" || atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected retry then success, hits=%d raw=%#v", hits, resp.Raw)
	}
}

func TestCallClassifiesFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantCls string
	}{
		{"client status", http.StatusForbidden, `{"error":"bad key"}`, "upstream"},
		{"malformed json", http.StatusOK, `<html>`, "upstream"},
		{"json array", http.StatusOK, `[1,2]`, "upstream"},
		{"reported failure", http.StatusOK, `{"success":false,"error":"no credits"}`, "upstream"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(Config{Name: "p", URL: srv.URL}).Call(context.Background(), providers.Request{})
			if err == nil {
				t.Fatalf("expected failure")
			}
			if got := providers.Class(err); got != tc.wantCls {
				t.Fatalf("expected class %q, got %q (%v)", tc.wantCls, got, err)
			}
		})
	}
}

func TestCallTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := New(Config{Name: "down", URL: addr, AuthParam: "apikey", APIKey: "k3y-value"}).Call(context.Background(), providers.Request{})
	if providers.Class(err) != "transport" {
		t.Fatalf("expected transport error, got %v", err)
	}
	if err != nil && strings.Contains(err.Error(), "k3y-value") {
		t.Fatalf("api key leaked into error: %v", err)
	}
}

func TestCallPostRendersTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		var body map[string]string
		if err := json.Unmarshal(b, &body); err != nil {
			t.Errorf("decode body %q: %v", b, err)
		}
		if body["input"] != `say "hi"` {
			t.Errorf("unexpected body %#v", body)
		}
		_, _ = w.Write([]byte(`{"reply":"hi"}`))
	}))
	defer srv.Close()

	c := New(Config{
		Name:         "post",
		URL:          srv.URL,
		Method:       "post",
		Params:       map[string]string{"text": "prompt"},
		BodyTemplate: `{"input": {{json .text}}}`,
	})
	if _, err := c.Call(context.Background(), providers.Request{Fields: map[string]string{"prompt": `say "hi"`}}); err != nil {
		t.Fatalf("call: %v", err)
	}
}
