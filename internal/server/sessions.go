package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"drawbridge/internal/errinfo"
	"drawbridge/internal/gateway"
	"drawbridge/internal/session"
)

type sessionCreateRequest struct {
	Family    string `json:"family"`
	SessionID string `json:"session_id,omitempty"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	Family    string `json:"family"`
	Document  string `json:"document"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	family, err := gateway.ParseFamily(req.Family)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	entry := s.newSession(family, req.SessionID)
	s.logger.Info("server.session_created", "session_id", entry.id, "family", string(family))
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: entry.id,
		Family:    string(entry.family),
		Document:  entry.store.Current(),
	})
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	entry := s.lookupSession(chi.URLParam(r, "id"))
	if entry == nil {
		writeErrorInfo(w, http.StatusNotFound, errinfo.SessionNotFound(chi.URLParam(r, "id")))
		return
	}
	entry.store.Reset()
	entry.mu.Lock()
	entry.history = nil
	entry.mu.Unlock()
	s.persistSession(entry)
	s.logger.Info("server.session_reset", "session_id", entry.id)
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: entry.id,
		Family:    string(entry.family),
		Document:  entry.store.Current(),
	})
}

type sessionHistoryResponse struct {
	SessionID string             `json:"session_id"`
	Snapshots []session.Snapshot `json:"snapshots"`
	Draft     string             `json:"draft,omitempty"`
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	entry := s.lookupSession(chi.URLParam(r, "id"))
	if entry == nil {
		writeErrorInfo(w, http.StatusNotFound, errinfo.SessionNotFound(chi.URLParam(r, "id")))
		return
	}
	resp := sessionHistoryResponse{
		SessionID: entry.id,
		Snapshots: entry.store.History(),
	}
	if draft, ok := entry.store.Draft(); ok {
		resp.Draft = draft
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionDocumentRequest struct {
	Document string `json:"document"`
	// Apply runs the document through the family canonicalizer and records
	// a snapshot, for explicit "apply" actions in a manual edit box. When
	// false the raw value just becomes current, mirroring live canvas
	// edits that have their own undo model.
	Apply bool `json:"apply,omitempty"`
}

func (s *Server) handleSessionDocument(w http.ResponseWriter, r *http.Request) {
	entry := s.lookupSession(chi.URLParam(r, "id"))
	if entry == nil {
		writeErrorInfo(w, http.StatusNotFound, errinfo.SessionNotFound(chi.URLParam(r, "id")))
		return
	}
	var req sessionDocumentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Apply {
		if _, err := entry.store.ApplyFull(req.Document, "Manual edit", session.Options{}); err != nil {
			writeErrorInfo(w, http.StatusBadRequest, errinfo.ValidationFailed(errinfo.PhaseApply, err.Error()))
			return
		}
	} else {
		entry.store.Record(req.Document)
	}
	s.persistSession(entry)
	s.logger.Info("server.session_document", "session_id", entry.id, "applied", req.Apply)
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: entry.id,
		Family:    string(entry.family),
		Document:  entry.store.Current(),
	})
}

type sessionRollbackRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

func (s *Server) handleSessionRollback(w http.ResponseWriter, r *http.Request) {
	entry := s.lookupSession(chi.URLParam(r, "id"))
	if entry == nil {
		writeErrorInfo(w, http.StatusNotFound, errinfo.SessionNotFound(chi.URLParam(r, "id")))
		return
	}
	var req sessionRollbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := entry.store.Rollback(req.SnapshotID); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.persistSession(entry)
	s.logger.Info("server.session_rollback", "session_id", entry.id, "snapshot_id", req.SnapshotID)
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: entry.id,
		Family:    string(entry.family),
		Document:  entry.store.Current(),
	})
}
