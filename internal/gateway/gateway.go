// Package gateway runs one conversational turn against the model endpoint:
// it assembles the outbound request, streams the response into the tool-call
// dispatcher, and feeds tool results back to the model until the turn
// settles.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"drawbridge/internal/dispatch"
	"drawbridge/internal/drawio"
	"drawbridge/internal/llm"
	"drawbridge/internal/logging"
	"drawbridge/internal/scene"
	"drawbridge/internal/session"
	"drawbridge/internal/settings"
)

// maxToolRounds bounds the dispatch loop within one user turn. The model
// normally settles in one or two rounds; the cap stops runaway loops.
const maxToolRounds = 6

// defaultHistoryBudget is the token allowance for prior conversation
// history, not counting the system prompt and the current user message.
const defaultHistoryBudget = 24000

// ErrTurnInFlight is returned when a session already has an active turn.
var ErrTurnInFlight = errors.New("a turn is already in flight for this session")

// LLMClient is the streaming surface the gateway needs from the endpoint
// client.
type LLMClient interface {
	StreamChatWithTools(ctx context.Context, apiKey, model string, messages []llm.ChatMessage, tools []llm.Tool, obs llm.StreamObserver) (llm.ChatResponse, error)
}

// ClientFactory builds a client for an endpoint base URL.
type ClientFactory func(baseURL string) (LLMClient, error)

type Gateway struct {
	newClient     ClientFactory
	logger        *slog.Logger
	historyBudget int

	mu       sync.Mutex
	inFlight map[string]bool
}

func New(factory ClientFactory, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Gateway{
		newClient:     factory,
		logger:        logger,
		historyBudget: defaultHistoryBudget,
		inFlight:      make(map[string]bool),
	}
}

// TurnRequest carries one user submission.
type TurnRequest struct {
	SessionID string
	Family    Family
	History   []llm.ChatMessage
	UserText  string
	Images    []llm.ContentPart
	Endpoint  settings.ModelEndpoint
	APIKey    string
}

// TurnHooks stream the turn's effects to the caller. Any hook may be nil.
type TurnHooks struct {
	OnTextDelta  func(delta string)
	OnToolResult func(result dispatch.Result)
	OnDocument   func(document string)
}

// Turn runs one conversational turn. The returned string is the assistant's
// full text reply across all dispatch rounds.
func (g *Gateway) Turn(ctx context.Context, store *session.Store, disp *dispatch.Dispatcher, req TurnRequest, hooks TurnHooks) (string, error) {
	if !g.beginTurn(req.SessionID) {
		return "", ErrTurnInFlight
	}
	defer g.endTurn(req.SessionID)

	client, err := g.newClient(req.Endpoint.BaseURL)
	if err != nil {
		return "", err
	}
	disp.BeginTurn()

	messages := g.assembleMessages(req, store.Current())
	tools := Tools(req.Family)

	profile := llm.RequestProfile{MaxOutputTokens: req.Endpoint.MaxOutputTokens}
	if req.Endpoint.HasTemperature {
		profile.Temperature = req.Endpoint.Temperature
		profile.HasTemperature = true
	}
	ctx = llm.WithRequestProfile(ctx, profile)

	g.logger.Info("gateway.turn_start",
		"session_id", req.SessionID,
		"family", string(req.Family),
		"model", req.Endpoint.Model,
		"history_messages", len(req.History),
	)

	obs := llm.StreamObserver{
		OnTextDelta: func(delta string) {
			if hooks.OnTextDelta != nil {
				hooks.OnTextDelta(delta)
			}
		},
		OnToolCallDelta: func(callID, name, argsDelta string) {
			disp.HandleEvent(dispatch.Event{
				CallID:    callID,
				Tool:      name,
				Kind:      dispatch.KindInputDelta,
				ArgsDelta: argsDelta,
			})
		},
	}

	var reply strings.Builder
	for round := 0; round < maxToolRounds; round++ {
		resp, err := client.StreamChatWithTools(ctx, req.APIKey, req.Endpoint.Model, messages, tools, obs)
		if err != nil {
			disp.CancelDraft()
			g.logger.Warn("gateway.turn_failed", "session_id", req.SessionID, "round", round, "error", err)
			return reply.String(), err
		}
		if resp.Content != "" {
			if reply.Len() > 0 {
				reply.WriteString("\n")
			}
			reply.WriteString(resp.Content)
		}
		if len(resp.ToolCalls) == 0 {
			g.logger.Info("gateway.turn_done", "session_id", req.SessionID, "rounds", round+1)
			return reply.String(), nil
		}

		messages = append(messages, llm.ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := disp.HandleEvent(dispatch.Event{
				CallID: call.ID,
				Tool:   call.Function.Name,
				Kind:   dispatch.KindCompleted,
				Args:   call.Function.Arguments,
			})
			content := "Tool call ignored: it already reached a terminal state."
			if result != nil {
				content = result.Message
				if hooks.OnToolResult != nil {
					hooks.OnToolResult(*result)
				}
				if result.OK && hooks.OnDocument != nil {
					hooks.OnDocument(result.Document)
				}
			}
			messages = append(messages, llm.ChatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    content,
			})
		}
	}
	g.logger.Warn("gateway.turn_round_limit", "session_id", req.SessionID)
	return reply.String(), nil
}

func (g *Gateway) beginTurn(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[sessionID] {
		return false
	}
	g.inFlight[sessionID] = true
	return true
}

func (g *Gateway) endTurn(sessionID string) {
	g.mu.Lock()
	delete(g.inFlight, sessionID)
	g.mu.Unlock()
}

func (g *Gateway) hasInFlight(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[sessionID]
}

// assembleMessages builds the outbound conversation: system prompt, prior
// history trimmed to the token budget, then the current user message with
// the fenced document block and any image attachments.
func (g *Gateway) assembleMessages(req TurnRequest, document string) []llm.ChatMessage {
	messages := []llm.ChatMessage{{Role: "system", Content: SystemPrompt(req.Family)}}
	messages = append(messages, trimHistory(req.History, g.historyBudget)...)

	parts := []llm.ContentPart{{
		Type: "text",
		Text: documentContext(req.Family, document, req.UserText),
	}}
	parts = append(parts, req.Images...)
	messages = append(messages, llm.ChatMessage{Role: "user", Parts: parts})
	return messages
}

// trimHistory drops the oldest messages until the remainder fits the token
// budget. The newest messages always survive.
func trimHistory(history []llm.ChatMessage, budget int) []llm.ChatMessage {
	if budget <= 0 || len(history) == 0 {
		return history
	}
	total := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += messageTokens(history[i])
		if total > budget {
			break
		}
		cut = i
	}
	return history[cut:]
}

func messageTokens(msg llm.ChatMessage) int {
	tokens := llm.EstimateTokensSimple(msg.Content)
	for _, part := range msg.Parts {
		tokens += llm.EstimateTokensSimple(part.Text)
	}
	// Flat allowance for role framing and any attachments.
	return tokens + 8
}

// Canonicalizer returns the store's validation hook for a family: draw.io
// XML is validated structurally, Excalidraw scenes are parsed and
// normalized, and text definitions pass through as-is.
func Canonicalizer(family Family) session.Canonicalizer {
	switch family {
	case FamilyDrawio:
		return func(input string) (string, error) {
			if err := drawio.Validate(input); err != nil {
				return "", err
			}
			return input, nil
		}
	case FamilyExcalidraw:
		return func(input string) (string, error) {
			parsed, err := scene.ParseScene(input)
			if err != nil {
				return "", err
			}
			return parsed.Serialize(), nil
		}
	default:
		return func(input string) (string, error) {
			if strings.TrimSpace(input) == "" {
				return "", fmt.Errorf("diagram definition cannot be empty")
			}
			return input, nil
		}
	}
}

// DefaultDocument is the starter document for a fresh session of a family.
func DefaultDocument(family Family) string {
	switch family {
	case FamilyDrawio:
		return drawio.DefaultDocument
	case FamilyExcalidraw:
		return scene.DefaultScene().Serialize()
	case FamilyMermaid:
		return "graph TD\n    A[Start] --> B[End]"
	case FamilyPlantUML, FamilyKroki:
		return "@startuml\nAlice -> Bob: Hello\n@enduml"
	case FamilyGraphviz:
		return "digraph G {\n    a -> b;\n}"
	}
	return ""
}
