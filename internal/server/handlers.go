package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"chatrelay/internal/dispatch"
	"chatrelay/internal/feature"
	"chatrelay/internal/hub"
	"chatrelay/internal/normalize"
	"chatrelay/internal/storage"
)

// wireMessage is one GET /messages entry.
type wireMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
	Kind string `json:"kind,omitempty"`
}

func (s *Server) handleFeature(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveDispatch(w, r, name)
	}
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	s.serveDispatch(w, r, feature.ImagePrefix+chi.URLParam(r, "style"))
}

func (s *Server) serveDispatch(w http.ResponseWriter, r *http.Request, name string) {
	payload, err := readPayload(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("Invalid request body."))
		return
	}

	// Dispatch runs to completion even if the caller goes away.
	ctx := context.WithoutCancel(r.Context())
	reply, err := s.dispatcher.Dispatch(ctx, name, payload)
	if err != nil {
		var ve *dispatch.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, errorBody(ve.Message))
			return
		}
		s.logger.Error().Err(err).Str("feature", name).Msg("dispatch failed")
		writeJSON(w, http.StatusInternalServerError, errorBody("Something went wrong."))
		return
	}

	f, _ := feature.Parse(name)
	s.record(ctx, r, userText(payload), reply)
	writeJSON(w, http.StatusOK, responseBody(f, reply))
}

// responseBody shapes a reply into the feature's documented JSON object.
func responseBody(f feature.Feature, reply normalize.Reply) map[string]any {
	switch {
	case f == feature.Chat:
		return map[string]any{"reply": reply.Value}
	case f == feature.Vision:
		return map[string]any{"description": reply.Value}
	case f.IsImageStyle(), f == feature.RemoveBG, f == feature.Remini:
		if !reply.OK {
			return map[string]any{"imageUrl": nil, "error": reply.Value}
		}
		return map[string]any{"imageUrl": reply.Value}
	default:
		return map[string]any{string(f): reply.Value}
	}
}

// readPayload merges query parameters and a JSON object body into string
// fields. Non-string JSON values are formatted.
func readPayload(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	payload := map[string]string{}
	for k, vs := range r.URL.Query() {
		if k == "session" || len(vs) == 0 {
			continue
		}
		payload[k] = vs[0]
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return payload, nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return payload, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	for k, v := range raw {
		switch t := v.(type) {
		case nil:
		case string:
			payload[k] = t
		default:
			payload[k] = fmt.Sprint(t)
		}
	}
	return payload, nil
}

// userText is what the user's own bubble showed. Clients echo it as "text";
// otherwise the prompt or image url stands in.
func userText(payload map[string]string) string {
	for _, k := range []string{"text", "prompt", "imageUrl"} {
		if v := strings.TrimSpace(payload[k]); v != "" {
			return v
		}
	}
	return ""
}

// record appends the exchange to the session transcript and pushes it.
// Requests without user input (a banner quote fetch) are not exchanges. A
// repeated Idempotency-Key is recorded once.
func (s *Server) record(ctx context.Context, r *http.Request, input string, reply normalize.Reply) {
	if input == "" || (s.store == nil && s.hub == nil) {
		return
	}
	session := sessionID(r)
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key != "" {
		first, err := s.idempotency.MarkFirst(ctx, session, key)
		if err != nil {
			s.logger.Error().Err(err).Str("session", session).Msg("idempotency check failed")
		} else if !first {
			s.logger.Debug().Str("session", session).Str("key", key).Msg("duplicate request not recorded")
			return
		}
	}

	entries := []storage.Message{
		{SessionID: session, Role: "user", Kind: string(feature.KindText), Content: input},
		{SessionID: session, Role: "assistant", Kind: string(reply.Kind), Content: reply.Value},
	}

	if s.store != nil {
		if _, err := s.store.AppendMessages(ctx, entries...); err != nil {
			s.logger.Error().Err(err).Str("session", session).Msg("record exchange")
			if err := s.idempotency.Release(ctx, session, key); err != nil {
				s.logger.Error().Err(err).Str("session", session).Msg("release idempotency key")
			}
			return
		}
		s.metrics.RecordedMessages.Add(float64(len(entries)))
	}
	if s.hub == nil {
		return
	}
	for _, m := range entries {
		if err := s.hub.Publish(ctx, session, hub.Frame{Role: m.Role, Text: m.Content, Kind: m.Kind}); err != nil {
			s.logger.Error().Err(err).Str("session", session).Msg("publish message")
		}
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	out := []wireMessage{}
	if s.store != nil {
		// limit keeps only the most recent entries; absent or invalid means all.
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		msgs, err := s.store.ListMessages(r.Context(), sessionID(r), max(limit, 0))
		if err != nil {
			s.logger.Error().Err(err).Msg("list messages")
			writeJSON(w, http.StatusInternalServerError, errorBody("Unable to load messages."))
			return
		}
		for _, m := range msgs {
			out = append(out, wireMessage{Role: m.Role, Text: m.Content, Kind: m.Kind})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// TranscriptReplay feeds new push connections the session transcript.
func TranscriptReplay(store *storage.Store) hub.ReplayFunc {
	return func(ctx context.Context, session string) ([]hub.Frame, error) {
		if store == nil {
			return nil, nil
		}
		msgs, err := store.ListMessages(ctx, session, 0)
		if err != nil {
			return nil, err
		}
		frames := make([]hub.Frame, 0, len(msgs))
		for _, m := range msgs {
			frames = append(frames, hub.Frame{Role: m.Role, Text: m.Content, Kind: m.Kind})
		}
		return frames, nil
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.uploader.Configured() {
		writeJSON(w, http.StatusInternalServerError, errorBody("Imgur client ID not configured."))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	file, _, err := r.FormFile("image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("No image provided."))
		return
	}
	defer file.Close()

	link, err := s.uploader.Upload(context.WithoutCancel(r.Context()), file)
	if err != nil {
		s.logger.Warn().Err(err).Msg("image upload failed")
		writeJSON(w, http.StatusInternalServerError, errorBody("Image upload failed."))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"link": link})
}
