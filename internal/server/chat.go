package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"drawbridge/internal/dispatch"
	"drawbridge/internal/errinfo"
	"drawbridge/internal/gateway"
	"drawbridge/internal/llm"
	"drawbridge/internal/settings"
)

type chatRequest struct {
	SessionID string   `json:"session_id,omitempty"`
	Family    string   `json:"family,omitempty"`
	Input     string   `json:"input"`
	Images    []string `json:"images,omitempty"`
	// Document carries the client's local canvas edits; it overwrites the
	// session's current document before the turn runs so the model sees
	// what the user sees.
	Document    string                  `json:"document,omitempty"`
	ModelConfig *settings.ModelEndpoint `json:"model_config,omitempty"`
}

// sseWriter frames JSON payloads as server-sent events.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, f: f}, true
}

func (s *sseWriter) send(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(data)
	_, _ = s.w.Write([]byte("\n\n"))
	s.f.Flush()
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	var entry *sessionEntry
	if req.SessionID != "" {
		entry = s.lookupSession(req.SessionID)
		if entry == nil {
			writeErrorInfo(w, http.StatusNotFound, errinfo.SessionNotFound(req.SessionID))
			return
		}
	} else {
		family, err := gateway.ParseFamily(req.Family)
		if err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		entry = s.newSession(family, "")
	}

	if req.Document != "" {
		entry.store.Record(req.Document)
	}

	endpoint, apiKey, info := s.resolveEndpoint(req.ModelConfig)
	if info != nil {
		writeErrorInfo(w, http.StatusBadRequest, info)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(s.cfg.TurnTimeout))
	defer cancel()

	entry.mu.Lock()
	history := make([]llm.ChatMessage, len(entry.history))
	copy(history, entry.history)
	entry.mu.Unlock()

	turnReq := gateway.TurnRequest{
		SessionID: entry.id,
		Family:    entry.family,
		History:   history,
		UserText:  req.Input,
		Endpoint:  endpoint,
		APIKey:    apiKey,
	}
	for _, img := range req.Images {
		turnReq.Images = append(turnReq.Images, llm.ContentPart{Type: "image", ImageURL: img})
	}

	hooks := gateway.TurnHooks{
		OnTextDelta: func(delta string) {
			sse.send(map[string]any{"type": "text_delta", "delta": delta})
		},
		OnToolResult: func(result dispatch.Result) {
			sse.send(map[string]any{
				"type":    "tool_result",
				"call_id": result.CallID,
				"tool":    result.Tool,
				"ok":      result.OK,
				"message": result.Message,
			})
		},
		OnDocument: func(document string) {
			sse.send(map[string]any{"type": "document", "document": document})
		},
	}

	reply, err := s.gateway.Turn(ctx, entry.store, entry.disp, turnReq, hooks)
	if err != nil {
		info := turnErrorInfo(err, entry.id, endpoint.Model)
		s.logger.Warn("server.chat_failed", "session_id", entry.id, "error_code", info.ErrorCode, "error", err)
		sse.send(map[string]any{"type": "error", "error": err.Error(), "error_info": info})
		return
	}

	entry.mu.Lock()
	entry.history = append(entry.history,
		llm.ChatMessage{Role: "user", Content: req.Input},
		llm.ChatMessage{Role: "assistant", Content: reply},
	)
	entry.mu.Unlock()
	s.persistSession(entry)

	sse.send(map[string]any{
		"type":       "done",
		"session_id": entry.id,
		"reply":      reply,
		"document":   entry.store.Current(),
	})
}

// resolveEndpoint merges the stored endpoint settings with any per-request
// override and fetches the API key.
func (s *Server) resolveEndpoint(override *settings.ModelEndpoint) (settings.ModelEndpoint, string, *errinfo.ErrorInfo) {
	stored, err := s.settings.Load()
	if err != nil {
		return settings.ModelEndpoint{}, "", errinfo.EndpointNotConfigured("chat")
	}
	endpoint := stored.Endpoint
	if override != nil {
		if override.BaseURL != "" {
			endpoint.BaseURL = override.BaseURL
		}
		if override.Model != "" {
			endpoint.Model = override.Model
		}
		if override.MaxOutputTokens > 0 {
			endpoint.MaxOutputTokens = override.MaxOutputTokens
		}
		if override.HasTemperature {
			endpoint.Temperature = override.Temperature
			endpoint.HasTemperature = true
		}
	}
	apiKey, err := s.secrets.GetAPIKey()
	if err != nil || apiKey == "" {
		return settings.ModelEndpoint{}, "", errinfo.EndpointNotConfigured("chat")
	}
	return endpoint, apiKey, nil
}

func turnErrorInfo(err error, sessionID, modelID string) *errinfo.ErrorInfo {
	var info *errinfo.ErrorInfo
	switch {
	case errors.Is(err, gateway.ErrTurnInFlight):
		info = errinfo.TurnInFlight(sessionID)
	case errors.Is(err, llm.ErrUnauthorized):
		info = errinfo.EndpointAuthFailed("chat")
	case errors.Is(err, llm.ErrRateLimited):
		info = errinfo.EndpointRateLimited("chat", err.Error())
	case errors.Is(err, llm.ErrEgressBlocked):
		info = errinfo.EgressBlocked("chat", err.Error())
	case errors.Is(err, context.Canceled):
		info = errinfo.UserCanceled("chat")
	case errors.Is(err, llm.ErrUnavailable):
		info = errinfo.EndpointUnavailable("chat", err.Error())
	default:
		info = errinfo.NetworkUnavailable("chat", err.Error())
	}
	info.ModelID = modelID
	info.SessionID = sessionID
	return info
}
