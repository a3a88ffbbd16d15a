package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"drawbridge/internal/config"
	"drawbridge/internal/dispatch"
	"drawbridge/internal/gateway"
	"drawbridge/internal/llm"
	"drawbridge/internal/render"
	"drawbridge/internal/secrets"
	"drawbridge/internal/settings"
)

type fakeLLM struct {
	responses []llm.ChatResponse
	requests  [][]llm.ChatMessage
}

func (f *fakeLLM) StreamChatWithTools(_ context.Context, _, _ string, messages []llm.ChatMessage, _ []llm.Tool, obs llm.StreamObserver) (llm.ChatResponse, error) {
	copied := make([]llm.ChatMessage, len(messages))
	copy(copied, messages)
	f.requests = append(f.requests, copied)
	if len(f.responses) == 0 {
		return llm.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	if obs.OnTextDelta != nil && resp.Content != "" {
		obs.OnTextDelta(resp.Content)
	}
	return resp, nil
}

type fixture struct {
	srv     *Server
	secrets *secrets.Store
}

func newFixture(t *testing.T, client gateway.LLMClient, rendererURL string) *fixture {
	t.Helper()
	dir := t.TempDir()
	secretStore := secrets.NewStore(filepath.Join(dir, "secrets.json"), filepath.Join(dir, "secrets.key"))
	gw := gateway.New(func(string) (gateway.LLMClient, error) { return client, nil }, nil)

	var renderer *render.Client
	if rendererURL != "" {
		var err error
		renderer, err = render.NewClient(rendererURL)
		if err != nil {
			t.Fatalf("renderer: %v", err)
		}
	}
	cfg := config.Default()
	cfg.TurnTimeout = config.Duration(5 * time.Second)
	srv, err := New(Options{
		Config:      cfg,
		Settings:    settings.NewStore(filepath.Join(dir, "settings.json")),
		Secrets:     secretStore,
		Gateway:     gw,
		Renderer:    renderer,
		SessionsDir: filepath.Join(dir, "sessions"),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &fixture{srv: srv, secrets: secretStore}
}

func (f *fixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) put(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

// sseEvents parses the data frames of an SSE body.
func sseEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad SSE frame %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, &fakeLLM{}, "")

	rec := f.post(t, "/api/sessions", map[string]string{"family": "mermaid"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created sessionResponse
	decodeJSON(t, rec, &created)
	if created.SessionID == "" || created.Family != "mermaid" {
		t.Fatalf("created = %+v", created)
	}
	if !strings.Contains(created.Document, "graph TD") {
		t.Fatalf("default document = %q", created.Document)
	}

	rec = f.get(t, "/api/sessions/"+created.SessionID+"/history")
	var history sessionHistoryResponse
	decodeJSON(t, rec, &history)
	if len(history.Snapshots) != 1 {
		t.Fatalf("snapshots = %d", len(history.Snapshots))
	}

	rec = f.post(t, "/api/sessions/"+created.SessionID+"/rollback", map[string]string{"snapshot_id": "nope"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("rollback unknown id status = %d", rec.Code)
	}

	rec = f.post(t, "/api/sessions/"+created.SessionID+"/reset", map[string]string{})
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}

	rec = f.get(t, "/api/sessions/missing/history")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session status = %d", rec.Code)
	}
}

func TestSessionCreateUnknownFamily(t *testing.T) {
	f := newFixture(t, &fakeLLM{}, "")
	rec := f.post(t, "/api/sessions", map[string]string{"family": "whiteboard"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	decodeJSON(t, rec, &body)
	if body["error"] == "" {
		t.Fatalf("error body = %v", body)
	}
}

func TestChatStreamsTurn(t *testing.T) {
	fake := &fakeLLM{responses: []llm.ChatResponse{
		{
			Content: "Drawing it now.",
			ToolCalls: []llm.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: llm.ToolCallFunction{
					Name:      dispatch.ToolDisplayDefinition,
					Arguments: `{"definition":"flowchart LR\n    A --> B","diagramType":"mermaid"}`,
				},
			}},
			FinishReason: "tool_calls",
		},
		{Content: "Done.", FinishReason: "stop"},
	}}
	f := newFixture(t, fake, "")
	if err := f.secrets.SetAPIKey("sk-test"); err != nil {
		t.Fatalf("set key: %v", err)
	}

	rec := f.post(t, "/api/chat", map[string]any{"family": "mermaid", "input": "draw a flow"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	events := sseEvents(t, rec.Body.String())
	kinds := make(map[string]map[string]any)
	for _, ev := range events {
		kinds[ev["type"].(string)] = ev
	}
	if _, ok := kinds["text_delta"]; !ok {
		t.Fatalf("missing text_delta: %v", events)
	}
	tool, ok := kinds["tool_result"]
	if !ok || tool["ok"] != true {
		t.Fatalf("tool_result = %v", tool)
	}
	doc, ok := kinds["document"]
	if !ok || !strings.Contains(doc["document"].(string), "flowchart LR") {
		t.Fatalf("document event = %v", doc)
	}
	done, ok := kinds["done"]
	if !ok {
		t.Fatalf("missing done: %v", events)
	}
	if !strings.Contains(done["reply"].(string), "Done.") {
		t.Fatalf("reply = %v", done["reply"])
	}

	// Transcript survives for the next turn in the same session.
	sessionID := done["session_id"].(string)
	entry := f.srv.lookupSession(sessionID)
	if entry == nil || len(entry.history) != 2 {
		t.Fatalf("history not recorded: %+v", entry)
	}
}

func TestChatRecordsClientDocument(t *testing.T) {
	fake := &fakeLLM{responses: []llm.ChatResponse{{Content: "Noted.", FinishReason: "stop"}}}
	f := newFixture(t, fake, "")
	if err := f.secrets.SetAPIKey("sk-test"); err != nil {
		t.Fatalf("set key: %v", err)
	}

	rec := f.post(t, "/api/sessions", map[string]string{"family": "mermaid"})
	var created sessionResponse
	decodeJSON(t, rec, &created)

	edited := "flowchart LR\n    X --> Y"
	rec = f.post(t, "/api/chat", map[string]any{
		"session_id": created.SessionID,
		"input":      "what did I draw?",
		"document":   edited,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	entry := f.srv.lookupSession(created.SessionID)
	if entry.store.Current() != edited {
		t.Fatalf("current = %q", entry.store.Current())
	}
	// The model must see the edited canvas, not the stale default.
	if len(fake.requests) != 1 {
		t.Fatalf("rounds = %d", len(fake.requests))
	}
	messages := fake.requests[0]
	last := messages[len(messages)-1]
	if len(last.Parts) == 0 || !strings.Contains(last.Parts[0].Text, edited) {
		t.Fatalf("context block missing client document: %+v", last)
	}
}

func TestSessionDocumentEndpoint(t *testing.T) {
	f := newFixture(t, &fakeLLM{}, "")
	rec := f.post(t, "/api/sessions", map[string]string{"family": "drawio"})
	var created sessionResponse
	decodeJSON(t, rec, &created)

	// A raw record keeps history untouched.
	raw := `<root><mxCell id="0"/><mxCell id="1" parent="0"/></root>`
	rec = f.put(t, "/api/sessions/"+created.SessionID+"/document", map[string]any{"document": raw})
	if rec.Code != http.StatusOK {
		t.Fatalf("record status = %d: %s", rec.Code, rec.Body.String())
	}
	entry := f.srv.lookupSession(created.SessionID)
	if entry.store.Current() != raw {
		t.Fatalf("current = %q", entry.store.Current())
	}
	if len(entry.store.History()) != 1 {
		t.Fatalf("record must not snapshot, history len %d", len(entry.store.History()))
	}

	// An explicit apply validates and snapshots.
	rec = f.put(t, "/api/sessions/"+created.SessionID+"/document", map[string]any{"document": raw, "apply": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("apply status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(entry.store.History()) != 2 {
		t.Fatalf("apply must snapshot, history len %d", len(entry.store.History()))
	}

	rec = f.put(t, "/api/sessions/"+created.SessionID+"/document", map[string]any{"document": "<root><mxCell/", "apply": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid apply status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.put(t, "/api/sessions/missing/document", map[string]any{"document": raw})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session status = %d", rec.Code)
	}
}

func TestChatWithoutKeyFails(t *testing.T) {
	f := newFixture(t, &fakeLLM{}, "")
	rec := f.post(t, "/api/chat", map[string]any{"family": "mermaid", "input": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Error     string `json:"error"`
		ErrorInfo struct {
			ErrorCode string `json:"error_code"`
		} `json:"error_info"`
	}
	decodeJSON(t, rec, &body)
	if body.ErrorInfo.ErrorCode != "ENDPOINT_NOT_CONFIGURED" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestChatMalformedBody(t *testing.T) {
	f := newFixture(t, &fakeLLM{}, "")
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestModelsEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{
			{"id": "gpt-4o", "owned_by": "openai"},
			{"id": "gpt-4o-mini", "owned_by": "openai"},
		}})
	}))
	defer upstream.Close()

	f := newFixture(t, &fakeLLM{}, "")
	if err := f.secrets.SetAPIKey("sk-test"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	rec := f.post(t, "/api/models", map[string]string{"base_url": upstream.URL + "/v1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp modelsResponse
	decodeJSON(t, rec, &resp)
	if len(resp.Models) != 2 || resp.Models[0].ID != "gpt-4o" {
		t.Fatalf("models = %+v", resp.Models)
	}
}

func TestModelsWithoutKey(t *testing.T) {
	f := newFixture(t, &fakeLLM{}, "")
	rec := f.post(t, "/api/models", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestModelsUpstreamAuthFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	f := newFixture(t, &fakeLLM{}, "")
	if err := f.secrets.SetAPIKey("sk-bad"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	rec := f.post(t, "/api/models", map[string]string{"base_url": upstream.URL})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRenderEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/mermaid/svg/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write([]byte("<svg>ok</svg>"))
	}))
	defer upstream.Close()

	f := newFixture(t, &fakeLLM{}, upstream.URL)
	rec := f.post(t, "/api/render", map[string]string{
		"definition":  "flowchart LR\n    A --> B",
		"diagramType": "mermaid",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var result render.Result
	decodeJSON(t, rec, &result)
	if result.SVG != "<svg>ok</svg>" {
		t.Fatalf("svg = %q", result.SVG)
	}
}

func TestRenderUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "syntax error", http.StatusBadRequest)
	}))
	defer upstream.Close()

	f := newFixture(t, &fakeLLM{}, upstream.URL)
	rec := f.post(t, "/api/render", map[string]string{
		"definition":  "flowchart LR\n    A --> B",
		"diagramType": "mermaid",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decodeJSON(t, rec, &body)
	if body["error"] == "" {
		t.Fatalf("error body = %v", body)
	}
}
