package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"chatrelay/internal/feature"
)

func TestSendShapesRequestsPerFeature(t *testing.T) {
	var lastBody map[string]string
	var lastQuery string
	var idemKeys = map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SessionHeader) != "sess" {
			t.Errorf("missing session header on %s", r.URL.Path)
		}
		key := r.Header.Get(IdempotencyHeader)
		if key == "" || idemKeys[key] {
			t.Errorf("expected a fresh idempotency key, got %q", key)
		}
		idemKeys[key] = true
		lastQuery = r.URL.RawQuery
		lastBody = nil
		if r.Method == http.MethodPost {
			b, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(b, &lastBody)
		}
		switch r.URL.Path {
		case "/chat":
			_, _ = w.Write([]byte(`{"reply":"hey"}`))
		case "/advice":
			_, _ = w.Write([]byte(`{"advice":"Sleep more."}`))
		case "/vision":
			_, _ = w.Write([]byte(`{"description":"A cat."}`))
		case "/image/ghibli":
			_, _ = w.Write([]byte(`{"imageUrl":null,"error":"Image generation failed."}`))
		case "/removebg":
			_, _ = w.Write([]byte(`{"imageUrl":"https://img/nobg.png"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "sess", nil)
	ctx := context.Background()

	reply, err := c.Send(ctx, feature.Chat, "  hello ")
	if err != nil || reply.Value != "hey" || lastBody["prompt"] != "hello" || lastBody["text"] != "hello" {
		t.Fatalf("chat: %+v %v body=%v", reply, err, lastBody)
	}

	reply, err = c.Send(ctx, feature.Advice, "any tips")
	if err != nil || reply.Value != "Sleep more." || lastQuery == "" {
		t.Fatalf("advice: %+v %v query=%q", reply, err, lastQuery)
	}

	reply, _ = c.Send(ctx, feature.Vision, "https://img/cat.png what is this")
	if reply.Value != "A cat." || lastBody["imageUrl"] != "https://img/cat.png" || lastBody["prompt"] != "what is this" {
		t.Fatalf("vision: %+v body=%v", reply, lastBody)
	}

	reply, _ = c.Send(ctx, feature.Ghibli, "cat")
	if reply.Value != "Image generation failed." || reply.Kind != feature.KindText {
		t.Fatalf("ghibli: %+v", reply)
	}

	reply, _ = c.Send(ctx, feature.RemoveBG, "https://img/cat.png")
	if reply.Value != "https://img/nobg.png" || reply.Kind != feature.KindImageURL || lastBody["imageUrl"] != "https://img/cat.png" {
		t.Fatalf("removebg: %+v body=%v", reply, lastBody)
	}
}

func TestSendSurfacesServerErrorsAndOutages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Invalid style"}`))
	}))
	reply, err := New(srv.URL, "", nil).Send(context.Background(), feature.SD, "cat")
	if err != nil || reply.Value != "Invalid style" {
		t.Fatalf("expected server error text, got %+v %v", reply, err)
	}
	srv.Close()

	reply, err = New(srv.URL, "", nil).Send(context.Background(), feature.Chat, "hi")
	if err == nil || reply.Value != FailureText {
		t.Fatalf("expected failure placeholder, got %+v %v", reply, err)
	}
}

func TestQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"quote":"Stay hungry"}`))
	}))
	defer srv.Close()
	if got := New(srv.URL, "", nil).Quote(context.Background()); got != "Stay hungry" {
		t.Fatalf("unexpected quote %q", got)
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer empty.Close()
	if got := New(empty.URL, "", nil).Quote(context.Background()); got != QuoteFallback {
		t.Fatalf("expected fallback quote, got %q", got)
	}
}

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("image")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"No image provided."}`))
			return
		}
		defer file.Close()
		b, _ := io.ReadAll(file)
		if string(b) != "PNG" || header.Filename != "cat.png" {
			t.Errorf("unexpected upload %q %q", header.Filename, b)
		}
		_, _ = w.Write([]byte(`{"link":"https://i.imgur.com/cat.png"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "cat.png")
	if err := os.WriteFile(path, []byte("PNG"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	link, err := New(srv.URL, "", nil).Upload(context.Background(), path)
	if err != nil || link != "https://i.imgur.com/cat.png" {
		t.Fatalf("upload: %q %v", link, err)
	}

	if _, err := New(srv.URL, "", nil).Upload(context.Background(), filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
