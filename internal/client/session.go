// Package client holds the chat client's state: its durable message log, the
// relay API client and the sync channel, owned by one Session.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatrelay/internal/client/history"
	"chatrelay/internal/client/livesync"
	"chatrelay/internal/client/relay"
	"chatrelay/internal/config"
	"chatrelay/internal/feature"
)

const sessionFile = "session"

var ErrEmptyInput = errors.New("input is empty")

type Options struct {
	Config     *config.ClientConfig
	Logger     zerolog.Logger
	HTTPClient *http.Client
}

type Session struct {
	id     string
	log    *history.Log
	relay  *relay.Client
	mode   string
	sync   livesync.Config
	logger zerolog.Logger
}

// Open loads the log from the data dir and reuses the persisted session id,
// creating one on first run.
func Open(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("client config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lg, err := history.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	id, err := loadSessionID(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:     id,
		log:    lg,
		relay:  relay.New(cfg.ServerURL, id, opts.HTTPClient),
		mode:   cfg.SyncMode,
		logger: opts.Logger.With().Str("session", id).Logger(),
	}
	s.sync = livesync.Config{
		ServerURL:      cfg.ServerURL,
		Session:        id,
		Sink:           lg,
		Logger:         s.logger,
		Interval:       cfg.SyncInterval,
		HTTPClient:     opts.HTTPClient,
		ReconnectDelay: cfg.ReconnectDelay,
	}
	return s, nil
}

func loadSessionID(dir string) (string, error) {
	path := filepath.Join(dir, sessionFile)
	b, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read session id: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write session id: %w", err)
	}
	return id, nil
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Messages() []history.Message { return s.log.All() }
func (s *Session) Clear() error                { return s.log.Clear() }
func (s *Session) SyncMode() string            { return s.mode }

// Send appends the user's input, runs the feature through the relay and
// appends the reply. The reply is skipped when the sync channel already
// delivered it while the request was in flight.
func (s *Session) Send(ctx context.Context, f feature.Feature, input string) (history.Message, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return history.Message{}, ErrEmptyInput
	}
	if err := s.log.Append(history.Message{Role: history.RoleUser, Content: input, Kind: feature.KindText}); err != nil {
		return history.Message{}, err
	}
	mark := s.log.Len()

	reply, sendErr := s.relay.Send(ctx, f, input)
	if sendErr != nil {
		s.logger.Warn().Err(sendErr).Str("feature", f.String()).Msg("relay request failed")
	}
	msg := history.Message{Role: history.RoleAssistant, Content: reply.Value, Kind: reply.Kind}

	if !deliveredSince(s.log.All(), mark, msg) {
		if err := s.log.Append(msg); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

func deliveredSince(entries []history.Message, mark int, m history.Message) bool {
	if mark > len(entries) {
		return false
	}
	for _, e := range entries[mark:] {
		if e.Same(m) {
			return true
		}
	}
	return false
}

// Upload hosts a local image and returns its link for use as vision,
// removebg or remini input.
func (s *Session) Upload(ctx context.Context, path string) (string, error) {
	return s.relay.Upload(ctx, path)
}

func (s *Session) Quote(ctx context.Context) string {
	return s.relay.Quote(ctx)
}

// Sync runs the configured channel until ctx ends. onAppend sees every
// message the channel added to the log.
func (s *Session) Sync(ctx context.Context, onAppend func(history.Message)) error {
	cfg := s.sync
	cfg.OnAppend = onAppend

	var ch livesync.Channel
	switch s.mode {
	case config.SyncPush:
		ch = livesync.NewPusher(cfg)
	case config.SyncPoll:
		ch = livesync.NewPoller(cfg)
	default:
		<-ctx.Done()
		return nil
	}
	return ch.Run(ctx)
}
