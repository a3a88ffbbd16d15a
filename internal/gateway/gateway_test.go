package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"drawbridge/internal/dispatch"
	"drawbridge/internal/llm"
	"drawbridge/internal/session"
	"drawbridge/internal/settings"
)

type scriptedClient struct {
	mu        sync.Mutex
	responses []llm.ChatResponse
	requests  [][]llm.ChatMessage
	block     chan struct{}
}

func (c *scriptedClient) StreamChatWithTools(_ context.Context, _, _ string, messages []llm.ChatMessage, _ []llm.Tool, obs llm.StreamObserver) (llm.ChatResponse, error) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make([]llm.ChatMessage, len(messages))
	copy(copied, messages)
	c.requests = append(c.requests, copied)
	if len(c.responses) == 0 {
		return llm.ChatResponse{}, errors.New("script exhausted")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	if obs.OnTextDelta != nil && resp.Content != "" {
		obs.OnTextDelta(resp.Content)
	}
	return resp, nil
}

func newTurnFixture(t *testing.T, family Family, responses ...llm.ChatResponse) (*Gateway, *session.Store, *dispatch.Dispatcher, *scriptedClient) {
	t.Helper()
	client := &scriptedClient{responses: responses}
	gw := New(func(string) (LLMClient, error) { return client, nil }, nil)
	store := session.New(DefaultDocument(family), Canonicalizer(family), nil)
	disp := dispatch.New(store, nil)
	return gw, store, disp, client
}

func turnRequest(family Family, text string) TurnRequest {
	return TurnRequest{
		SessionID: "s1",
		Family:    family,
		UserText:  text,
		Endpoint:  settings.ModelEndpoint{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o", MaxOutputTokens: 4096},
		APIKey:    "sk-test",
	}
}

func TestTurnAppliesToolCall(t *testing.T) {
	const xml = `<root><mxCell id="0"/><mxCell id="1" parent="0"/></root>`
	gw, store, disp, client := newTurnFixture(t, FamilyDrawio,
		llm.ChatResponse{
			Content: "Here is your diagram.",
			ToolCalls: []llm.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: llm.ToolCallFunction{
					Name:      dispatch.ToolDisplayDiagram,
					Arguments: `{"xml":"` + strings.ReplaceAll(xml, `"`, `\"`) + `"}`,
				},
			}},
			FinishReason: "tool_calls",
		},
		llm.ChatResponse{Content: "Done.", FinishReason: "stop"},
	)

	var documents []string
	reply, err := gw.Turn(context.Background(), store, disp, turnRequest(FamilyDrawio, "draw something"), TurnHooks{
		OnDocument: func(doc string) { documents = append(documents, doc) },
	})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if !strings.Contains(reply, "Here is your diagram.") || !strings.Contains(reply, "Done.") {
		t.Fatalf("reply = %q", reply)
	}
	if store.Current() != xml {
		t.Fatalf("current = %q", store.Current())
	}
	if len(documents) != 1 {
		t.Fatalf("document hook calls = %d", len(documents))
	}

	if len(client.requests) != 2 {
		t.Fatalf("rounds = %d", len(client.requests))
	}
	second := client.requests[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" {
		t.Fatalf("expected tool result message, got %+v", last)
	}
	if !strings.HasPrefix(last.Content, "Diagram updated") {
		t.Fatalf("tool result = %q", last.Content)
	}
}

func TestTurnFeedsEditFailureBack(t *testing.T) {
	gw, store, disp, client := newTurnFixture(t, FamilyMermaid,
		llm.ChatResponse{
			ToolCalls: []llm.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: llm.ToolCallFunction{
					Name:      dispatch.ToolEditDiagram,
					Arguments: `{"edits":[{"search":"missing","replace":"x"}]}`,
				},
			}},
			FinishReason: "tool_calls",
		},
		llm.ChatResponse{Content: "Could not patch it.", FinishReason: "stop"},
	)

	if _, err := gw.Turn(context.Background(), store, disp, turnRequest(FamilyMermaid, "tweak"), TurnHooks{}); err != nil {
		t.Fatalf("turn: %v", err)
	}
	second := client.requests[1]
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "retries remaining") {
		t.Fatalf("failure must report retry budget: %q", last.Content)
	}
	if store.Current() != DefaultDocument(FamilyMermaid) {
		t.Fatalf("failed edit must not change the document")
	}
}

func TestTurnInFlightGuard(t *testing.T) {
	client := &scriptedClient{
		responses: []llm.ChatResponse{{Content: "ok", FinishReason: "stop"}},
		block:     make(chan struct{}),
	}
	gw := New(func(string) (LLMClient, error) { return client, nil }, nil)
	store := session.New("doc", nil, nil)
	disp := dispatch.New(store, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = gw.Turn(context.Background(), store, disp, turnRequest(FamilyMermaid, "first"), TurnHooks{})
	}()

	// Wait for the first turn to take the in-flight slot.
	for !gw.hasInFlight("s1") {
		time.Sleep(time.Millisecond)
	}
	if _, err := gw.Turn(context.Background(), store, disp, turnRequest(FamilyMermaid, "second"), TurnHooks{}); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}
	close(client.block)
	<-done
	if gw.hasInFlight("s1") {
		t.Fatalf("slot must be released after the turn")
	}
}

type dyingStreamClient struct{}

func (dyingStreamClient) StreamChatWithTools(_ context.Context, _, _ string, _ []llm.ChatMessage, _ []llm.Tool, obs llm.StreamObserver) (llm.ChatResponse, error) {
	obs.OnToolCallDelta("c1", dispatch.ToolDisplayDefinition, `{"definition":"flowchart LR`)
	// Let the debounce window elapse so the partial reaches the store.
	time.Sleep(300 * time.Millisecond)
	return llm.ChatResponse{}, errors.New("connection reset")
}

func TestTurnFailureClearsDraft(t *testing.T) {
	gw := New(func(string) (LLMClient, error) { return dyingStreamClient{}, nil }, nil)
	store := session.New(DefaultDocument(FamilyMermaid), Canonicalizer(FamilyMermaid), nil)
	disp := dispatch.New(store, nil)

	if _, err := gw.Turn(context.Background(), store, disp, turnRequest(FamilyMermaid, "draw"), TurnHooks{}); err == nil {
		t.Fatalf("expected the turn to fail")
	}
	if draft, ok := store.Draft(); ok {
		t.Fatalf("dead stream must not leave draft %q behind", draft)
	}
}

func TestAssembleMessagesShape(t *testing.T) {
	gw := New(func(string) (LLMClient, error) { return nil, nil }, nil)
	req := turnRequest(FamilyDrawio, "add a node")
	req.History = []llm.ChatMessage{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}
	req.Images = []llm.ContentPart{{Type: "image", ImageURL: "data:image/png;base64,AAA"}}

	messages := gw.assembleMessages(req, "<mxGraphModel/>")
	if messages[0].Role != "system" || !strings.Contains(messages[0].Content, "draw.io") {
		t.Fatalf("system message = %+v", messages[0])
	}
	if len(messages) != 4 {
		t.Fatalf("message count = %d", len(messages))
	}
	last := messages[len(messages)-1]
	if last.Role != "user" || len(last.Parts) != 2 {
		t.Fatalf("user message = %+v", last)
	}
	if !strings.Contains(last.Parts[0].Text, "<mxGraphModel/>") || !strings.Contains(last.Parts[0].Text, "add a node") {
		t.Fatalf("document block = %q", last.Parts[0].Text)
	}
	if last.Parts[1].Type != "image" {
		t.Fatalf("image part = %+v", last.Parts[1])
	}
}

func TestTrimHistoryKeepsNewest(t *testing.T) {
	long := strings.Repeat("word ", 400)
	history := []llm.ChatMessage{
		{Role: "user", Content: long},
		{Role: "assistant", Content: long},
		{Role: "user", Content: "recent"},
	}
	trimmed := trimHistory(history, 150)
	if len(trimmed) == len(history) {
		t.Fatalf("expected trimming")
	}
	if trimmed[len(trimmed)-1].Content != "recent" {
		t.Fatalf("newest message must survive, got %+v", trimmed)
	}
}

func TestCanonicalizers(t *testing.T) {
	drawioCanon := Canonicalizer(FamilyDrawio)
	if _, err := drawioCanon("<mxCell id=\"0\"/"); err == nil {
		t.Fatalf("malformed XML must be rejected")
	}
	if _, err := drawioCanon(DefaultDocument(FamilyDrawio)); err != nil {
		t.Fatalf("default document must validate: %v", err)
	}

	sceneCanon := Canonicalizer(FamilyExcalidraw)
	if _, err := sceneCanon("{not json"); err == nil {
		t.Fatalf("invalid JSON must be rejected")
	}
	out, err := sceneCanon(`{"elements":[{"type":"rectangle"}]}`)
	if err != nil {
		t.Fatalf("valid scene: %v", err)
	}
	if !strings.Contains(out, `"rectangle"`) {
		t.Fatalf("canonical scene = %q", out)
	}

	textCanon := Canonicalizer(FamilyMermaid)
	if _, err := textCanon("  "); err == nil {
		t.Fatalf("empty definition must be rejected")
	}
}

func TestParseFamily(t *testing.T) {
	if _, err := ParseFamily("drawio"); err != nil {
		t.Fatalf("drawio: %v", err)
	}
	if _, err := ParseFamily("whiteboard"); err == nil {
		t.Fatalf("unknown family must error")
	}
}
