package server

import (
	"errors"
	"net/http"

	"drawbridge/internal/errinfo"
	"drawbridge/internal/llm"
	"drawbridge/internal/openai"
	"drawbridge/internal/render"
)

type modelsRequest struct {
	BaseURL string `json:"base_url,omitempty"`
}

type modelsResponse struct {
	Models []openai.Model `json:"models"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	var req modelsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	baseURL := req.BaseURL
	if baseURL == "" {
		stored, err := s.settings.Load()
		if err == nil {
			baseURL = stored.Endpoint.BaseURL
		}
	}
	apiKey, err := s.secrets.GetAPIKey()
	if err != nil || apiKey == "" {
		writeErrorInfo(w, http.StatusBadRequest, errinfo.EndpointNotConfigured("chat"))
		return
	}
	client, err := openai.NewClient(baseURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	models, err := client.ListModels(r.Context(), apiKey)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, llm.ErrUnauthorized):
			status = http.StatusUnauthorized
		case errors.Is(err, llm.ErrRateLimited):
			status = http.StatusTooManyRequests
		}
		s.logger.Warn("server.models_failed", "base_url", baseURL, "error", err)
		writeError(w, status, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, modelsResponse{Models: models})
}

type renderRequest struct {
	Definition  string `json:"definition"`
	DiagramType string `json:"diagramType,omitempty"`
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.renderer.Render(r.Context(), req.Definition, req.DiagramType)
	if err != nil {
		var renderErr *render.Error
		if errors.As(err, &renderErr) {
			status := renderErr.Status
			if status < 400 || status > 599 {
				status = http.StatusBadRequest
			}
			writeError(w, status, "%s", renderErr.Message)
			return
		}
		s.logger.Warn("server.render_failed", "error", err)
		writeError(w, http.StatusBadGateway, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
