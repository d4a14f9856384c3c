// Package server exposes the OpenAI-compatible HTTP surface. The handlers
// are thin: they validate requests, delegate to the relay and translate
// pool/worker failures into OpenAI-style error envelopes. Backpressure
// (an exhausted pool) maps to 503 with a distinct code so well-behaved
// clients can back off instead of treating it as a backend failure.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gembridge/gembridge/internal/dump"
	"github.com/gembridge/gembridge/internal/log"
	"github.com/gembridge/gembridge/internal/model"
	"github.com/gembridge/gembridge/internal/pool"
	"github.com/gembridge/gembridge/internal/relay"
)

type Server struct {
	relay *relay.Relay
	pool  *pool.Pool
	sink  *dump.Sink
	model string
}

func New(r *relay.Relay, p *pool.Pool, sink *dump.Sink, advertisedModel string) *Server {
	return &Server{
		relay: r,
		pool:  p,
		sink:  sink,
		model: advertisedModel,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// record mirrors one request through its lifetime for the debug dump sink.
type record struct {
	RequestID string                       `json:"request_id"`
	Started   time.Time                    `json:"timestamp_start"`
	Finished  time.Time                    `json:"timestamp_end"`
	Request   *model.ChatCompletionRequest `json:"request_body,omitempty"`
	Prompt    string                       `json:"prompt,omitempty"`
	Content   string                       `json:"content,omitempty"`
	Usage     *model.Usage                 `json:"usage,omitempty"`
	Chunks    int                          `json:"chunks,omitempty"`
	Error     string                       `json:"error,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	ctx := log.ContextAttrs(r.Context(), slog.String("request_id", requestID))

	var req model.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "", "malformed JSON body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "", "messages must not be empty")
		return
	}
	prompt := relay.BuildPrompt(req.Messages)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "", "no user message content")
		return
	}

	rec := &record{
		RequestID: requestID,
		Started:   time.Now().UTC(),
		Request:   &req,
		Prompt:    prompt,
	}
	defer func() {
		rec.Finished = time.Now().UTC()
		s.sink.Write(ctx, requestID, rec)
	}()

	slog.InfoContext(ctx, "chat completion",
		"model", req.Model, "stream", req.Stream, "messages", len(req.Messages))

	if req.Stream {
		s.streamCompletion(ctx, w, requestID, req, prompt, rec)
		return
	}

	reply, err := s.relay.Complete(ctx, prompt)
	if err != nil {
		rec.Error = err.Error()
		status, typ, code := classify(err)
		msg := err.Error()
		if reply.Diagnostics != "" {
			msg += "; stderr: " + reply.Diagnostics
		}
		writeError(w, status, typ, code, msg)
		return
	}

	rec.Content = reply.Content
	rec.Usage = reply.Usage

	resp := model.ChatCompletionResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  model.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   s.responseModel(req.Model),
		Choices: []model.Choice{{
			Message:      &model.ChatMessage{Role: "assistant", Content: reply.Content},
			FinishReason: &model.FinishStop,
		}},
		Usage: reply.Usage,
	}
	writeJSON(ctx, w, http.StatusOK, resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, model.ModelList{
		Object: "list",
		Data: []model.ModelInfo{{
			ID:      s.model,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: "gembridge",
		}},
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, struct {
		Status string     `json:"status"`
		Pool   pool.Stats `json:"pool"`
	}{
		Status: "ok",
		Pool:   s.pool.Stats(),
	})
}

func (s *Server) responseModel(requested string) string {
	if requested != "" {
		return requested
	}
	return s.model
}

// classify maps relay failures onto HTTP semantics: pool pressure is
// backpressure (503, retryable), everything else an internal error.
func classify(err error) (status int, typ, code string) {
	switch {
	case errors.Is(err, pool.ErrExhausted):
		return http.StatusServiceUnavailable, "server_error", "server_busy"
	case errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable, "server_error", "server_shutting_down"
	default:
		return http.StatusInternalServerError, "server_error", "internal_error"
	}
}

func writeError(w http.ResponseWriter, status int, typ, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.APIErrorDetail{
			Message: msg,
			Type:    typ,
			Code:    code,
		},
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.WarnContext(ctx, "writing response failed", "error", err)
	}
}
