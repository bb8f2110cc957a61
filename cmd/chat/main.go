package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/client"
	"chatrelay/internal/client/history"
	"chatrelay/internal/config"
	"chatrelay/internal/feature"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	startFeature := flag.String("feature", string(feature.Chat), "Feature selected at startup")
	altScreen := flag.Bool("alt-screen", true, "Run in the terminal's alternate screen")
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Relay server base URL")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory holding history and session id")
	flag.StringVar(&cfg.SyncMode, "sync", cfg.SyncMode, "Sync mode (poll|push|off)")
	flag.DurationVar(&cfg.SyncInterval, "sync-interval", cfg.SyncInterval, "Poll interval")
	flag.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "Push reconnect delay")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flag.Parse()

	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	cfg.SyncMode = strings.ToLower(cfg.SyncMode)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	f, err := feature.Parse(*startFeature)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logFile, err := setupLogger(cfg.DataDir, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	sess, err := client.Open(client.Options{Config: cfg, Logger: log.Logger})
	if err != nil {
		log.Error().Err(err).Msg("failed to open session")
		fmt.Fprintf(os.Stderr, "open session: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("server", cfg.ServerURL).Str("sync", cfg.SyncMode).Str("session", sess.ID()).Msg("starting chat")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := make(chan tea.Msg, 64)
	go func() {
		err := sess.Sync(ctx, func(m history.Message) {
			select {
			case inbound <- syncedMsg{msg: m}:
			default:
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("sync stopped")
		}
	}()

	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if *altScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	p := tea.NewProgram(newModel(ctx, sess, f, inbound), opts...)
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("chat ui failed")
		fmt.Fprintf(os.Stderr, "chat fatal error: %v\n", err)
		os.Exit(1)
	}
	log.Info().Msg("stopped")
}

// setupLogger writes logs under the data dir so the terminal stays clean.
func setupLogger(dir, level string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "chat.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
	return f, nil
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
