package livesync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/internal/client/history"
)

func TestPollAppendsOnlyUnseenInServerOrder(t *testing.T) {
	var sessions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		sessions = append(sessions, r.URL.Query().Get("session"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"role":"user","text":"hi"},
			{"role":"assistant","text":"hello"},
			{"role":"assistant","text":"hello"},
			{"role":"user","text":"quote please"},
			{"role":"cs","text":"Stay hungry"}
		]`))
	}))
	defer srv.Close()

	log, err := history.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	_ = log.Append(history.Message{Role: history.RoleUser, Content: "hi"})

	var appended []history.Message
	p := NewPoller(Config{
		ServerURL: srv.URL,
		Session:   "abc",
		Sink:      log,
		OnAppend:  func(m history.Message) { appended = append(appended, m) },
		Logger:    zerolog.Nop(),
	})

	n, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 3 || len(appended) != 3 {
		t.Fatalf("expected 3 new messages, got n=%d appended=%v", n, appended)
	}

	got := log.All()
	want := []string{"hi", "hello", "quote please", "Stay hungry"}
	if len(got) != len(want) {
		t.Fatalf("unexpected log %+v", got)
	}
	for i, w := range want {
		if got[i].Content != w {
			t.Fatalf("entry %d: expected %q, got %q", i, w, got[i].Content)
		}
	}
	if got[3].Role != history.RoleAssistant {
		t.Fatalf("expected cs role mapped to assistant, got %q", got[3].Role)
	}

	n, err = p.PollOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second poll should add nothing, got n=%d err=%v", n, err)
	}
	if sessions[0] != "abc" {
		t.Fatalf("session not sent, got %q", sessions[0])
	}
}

func TestPollRunStopsWithContext(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	log, _ := history.Open(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	p := NewPoller(Config{ServerURL: srv.URL, Sink: log, Interval: 20 * time.Millisecond, Logger: zerolog.Nop()})
	if err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if atomic.LoadInt32(&hits) < 2 {
		t.Fatalf("expected repeated polling, got %d", hits)
	}
}

func TestPushReconnectsAndDedupes(t *testing.T) {
	var upgrader websocket.Upgrader
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		n := atomic.AddInt32(&conns, 1)
		// every connection pushes the same frame, then drops
		_ = ws.WriteJSON(map[string]string{"role": "assistant", "text": "pushed"})
		if n >= 2 {
			_ = ws.WriteJSON(map[string]string{"role": "assistant", "text": "pushed again " + r.URL.Query().Get("session")})
		}
	}))
	defer srv.Close()

	log, _ := history.Open(t.TempDir())
	var mu sync.Mutex
	var appended []string
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPusher(Config{
		ServerURL:      srv.URL,
		Session:        "s9",
		Sink:           log,
		ReconnectDelay: 10 * time.Millisecond,
		Logger:         zerolog.Nop(),
		OnAppend: func(m history.Message) {
			mu.Lock()
			defer mu.Unlock()
			appended = append(appended, m.Content)
			if len(appended) == 2 {
				close(done)
			}
		},
	})
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("push channel did not deliver after reconnect, got %v", appended)
	}
	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("run: %v", err)
	}

	got := log.All()
	if len(got) != 2 || got[0].Content != "pushed" || got[1].Content != "pushed again s9" {
		t.Fatalf("unexpected log %+v", got)
	}
	if atomic.LoadInt32(&conns) < 2 {
		t.Fatalf("expected a reconnect, got %d connections", conns)
	}
}

func TestPushRetriesWhenServerIsDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	log, _ := history.Open(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	p := NewPusher(Config{ServerURL: url, Sink: log, ReconnectDelay: 10 * time.Millisecond, Logger: zerolog.Nop()})
	if err := p.Run(ctx); err != nil {
		t.Fatalf("run should end cleanly on context, got %v", err)
	}
}

func TestEndpointRejectsBadScheme(t *testing.T) {
	if _, err := endpoint("ftp://x", "/messages", ""); err == nil {
		t.Fatalf("expected scheme error")
	}
	u, err := endpoint("http://h:3000/", "/", "a b")
	if err != nil || u != "http://h:3000/?session=a+b" {
		t.Fatalf("unexpected endpoint %q %v", u, err)
	}
}
