// Package livesync keeps a local message log in step with the server's
// session transcript, either by polling GET /messages or by holding a
// websocket open. Both dedupe on (role, content).
package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/internal/client/history"
)

// Sink receives delivered messages. *history.Log implements it.
type Sink interface {
	AppendIfAbsent(m history.Message) (bool, error)
}

type Channel interface {
	Run(ctx context.Context) error
}

type Config struct {
	ServerURL string
	Session   string
	Sink      Sink
	// OnAppend is called for every message that was actually appended.
	OnAppend func(history.Message)
	Logger   zerolog.Logger

	// poll mode
	Interval   time.Duration
	HTTPClient *http.Client

	// push mode
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// deliver appends msgs in order, skipping any already present, and returns
// how many were new.
func deliver(sink Sink, onAppend func(history.Message), msgs []history.Message) (int, error) {
	added := 0
	for _, m := range msgs {
		ok, err := sink.AppendIfAbsent(m)
		if err != nil {
			return added, fmt.Errorf("append synced message: %w", err)
		}
		if !ok {
			continue
		}
		added++
		if onAppend != nil {
			onAppend(m)
		}
	}
	return added, nil
}

type Poller struct {
	cfg Config
}

func NewPoller(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Poller{cfg: cfg}
}

// Run polls immediately and then every interval until ctx ends. Failed polls
// are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.cfg.Logger.Warn().Err(err).Msg("poll messages failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	u, err := endpoint(p.cfg.ServerURL, "/messages", p.cfg.Session)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("build poll request: %w", err)
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("poll messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("poll messages: status %d", resp.StatusCode)
	}

	var msgs []history.Message
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&msgs); err != nil {
		return 0, fmt.Errorf("decode messages: %w", err)
	}
	return deliver(p.cfg.Sink, p.cfg.OnAppend, msgs)
}

type Pusher struct {
	cfg Config
}

func NewPusher(cfg Config) *Pusher {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Pusher{cfg: cfg}
}

// Run holds a push connection open, reconnecting after a fixed delay every
// time it drops, until ctx ends.
func (p *Pusher) Run(ctx context.Context) error {
	for {
		err := p.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		p.cfg.Logger.Warn().Err(err).Dur("retry_in", p.cfg.ReconnectDelay).Msg("push channel disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.ReconnectDelay):
		}
	}
}

func (p *Pusher) connectOnce(ctx context.Context) error {
	u, err := endpoint(p.cfg.ServerURL, "/", p.cfg.Session)
	if err != nil {
		return err
	}
	u = "ws" + strings.TrimPrefix(u, "http")

	ws, _, err := p.cfg.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial push channel: %w", err)
	}
	defer ws.Close()
	p.cfg.Logger.Debug().Str("url", u).Msg("push channel connected")

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		var m history.Message
		if err := ws.ReadJSON(&m); err != nil {
			return fmt.Errorf("read push frame: %w", err)
		}
		if _, err := deliver(p.cfg.Sink, p.cfg.OnAppend, []history.Message{m}); err != nil {
			return err
		}
	}
}

func endpoint(server, path, session string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/") + path)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("server url must be http or https, got %q", server)
	}
	if session != "" {
		q := u.Query()
		q.Set("session", session)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
