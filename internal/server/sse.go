package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gembridge/gembridge/internal/model"
)

// streamCompletion forwards worker output to the client as server-sent
// events while the worker is still producing it. The response status is
// committed before the pool is consulted, so failures after that point are
// reported as an in-band error event followed by [DONE], the way streaming
// OpenAI clients expect.
func (s *Server) streamCompletion(ctx context.Context, w http.ResponseWriter, requestID string, req model.ChatCompletionRequest, prompt string, rec *record) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "internal_error", "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	respModel := s.responseModel(req.Model)
	emit := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			slog.WarnContext(ctx, "marshaling stream event failed", "error", err)
			return
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	chunk := func(delta *model.ChatMessage, finish *string, usage *model.Usage) model.ChatCompletionResponse {
		return model.ChatCompletionResponse{
			ID:      "chatcmpl-" + requestID,
			Object:  model.ObjectChatCompletionChunk,
			Created: time.Now().Unix(),
			Model:   respModel,
			Choices: []model.Choice{{
				Delta:        delta,
				FinishReason: finish,
			}},
			Usage: usage,
		}
	}

	// Role announcement first, content deltas after, per the chunk protocol.
	emit(chunk(&model.ChatMessage{Role: "assistant"}, nil, nil))

	reply, err := s.relay.Stream(ctx, prompt, func(line string) {
		rec.Chunks++
		emit(chunk(&model.ChatMessage{Content: line + "\n"}, nil, nil))
	})
	if err != nil {
		rec.Error = err.Error()
		_, typ, code := classify(err)
		msg := err.Error()
		if reply.Diagnostics != "" {
			msg += "; stderr: " + reply.Diagnostics
		}
		emit(model.APIError{Error: model.APIErrorDetail{
			Message: msg,
			Type:    typ,
			Code:    code,
		}})
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
		return
	}

	rec.Content = reply.Content
	rec.Usage = reply.Usage

	emit(chunk(&model.ChatMessage{}, &model.FinishStop, reply.Usage))
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}
