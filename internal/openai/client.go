// Package openai is a client for OpenAI-compatible chat completion
// endpoints. The base URL is user-configured, so the same client talks to
// api.openai.com, OpenRouter, or a local model server.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"drawbridge/internal/egress"
	"drawbridge/internal/llm"
)

const DefaultBaseURL = "https://api.openai.com/v1"

const maxErrorBodyBytes = 2048

type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds a client for one endpoint base URL (the segment before
// /chat/completions, e.g. "https://api.openai.com/v1"). Egress is pinned
// to that URL's host.
func NewClient(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("invalid base URL: %q has no host", baseURL)
	}
	transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{parsed.Hostname()})
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   600 * time.Second,
			Transport: transport,
		},
	}, nil
}

// Model is one entry of the endpoint's model listing.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ValidateKey checks the credential against the models listing endpoint.
func (c *Client) ValidateKey(ctx context.Context, apiKey string) error {
	_, err := c.ListModels(ctx, apiKey)
	return err
}

// ListModels fetches {base}/models.
func (c *Client) ListModels(ctx context.Context, apiKey string) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, llm.ErrEgressBlocked) {
			return nil, llm.ErrEgressBlocked
		}
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, err
	}
	var envelope struct {
		Data []Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	return envelope.Data, nil
}

// ChatWithTools sends a non-streaming chat completion with tools.
func (c *Client) ChatWithTools(ctx context.Context, apiKey, model string, messages []llm.ChatMessage, tools []llm.Tool) (llm.ChatResponse, error) {
	payload := buildRequestPayload(ctx, model, messages, tools, false)
	resp, err := c.post(ctx, apiKey, payload)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return llm.ChatResponse{}, err
	}
	var envelope struct {
		Choices []struct {
			Message struct {
				Content   string         `json:"content"`
				ToolCalls []llm.ToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return llm.ChatResponse{}, err
	}
	if len(envelope.Choices) == 0 {
		return llm.ChatResponse{}, llm.ErrEmptyResponse
	}
	choice := envelope.Choices[0]
	if choice.Message.Content == "" && len(choice.Message.ToolCalls) == 0 {
		return llm.ChatResponse{}, llm.ErrEmptyResponse
	}
	return llm.ChatResponse{
		Content:      choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
	}, nil
}

// StreamChatWithTools sends a streaming chat completion with tools. Text
// deltas and tool-call argument deltas are forwarded through obs in arrival
// order; the fully assembled response is returned when the stream ends.
func (c *Client) StreamChatWithTools(ctx context.Context, apiKey, model string, messages []llm.ChatMessage, tools []llm.Tool, obs llm.StreamObserver) (llm.ChatResponse, error) {
	payload := buildRequestPayload(ctx, model, messages, tools, true)
	resp, err := c.post(ctx, apiKey, payload)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return llm.ChatResponse{}, err
	}

	var contentBuilder strings.Builder
	finishReason := ""
	calls := make(map[int]*llm.ToolCall)
	var callOrder []int

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			if obs.OnTextDelta != nil {
				obs.OnTextDelta(choice.Delta.Content)
			}
		}
		for _, delta := range choice.Delta.ToolCalls {
			tc, ok := calls[delta.Index]
			if !ok {
				tc = &llm.ToolCall{Type: "function"}
				calls[delta.Index] = tc
				callOrder = append(callOrder, delta.Index)
			}
			if delta.ID != "" {
				tc.ID = delta.ID
			}
			if delta.Function.Name != "" {
				tc.Function.Name = delta.Function.Name
			}
			if delta.Function.Arguments != "" {
				tc.Function.Arguments += delta.Function.Arguments
			}
			if obs.OnToolCallDelta != nil {
				obs.OnToolCallDelta(tc.ID, tc.Function.Name, delta.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return llm.ChatResponse{Content: contentBuilder.String()}, err
	}

	var toolCalls []llm.ToolCall
	for _, index := range callOrder {
		toolCalls = append(toolCalls, *calls[index])
	}
	content := contentBuilder.String()
	if content == "" && len(toolCalls) == 0 {
		return llm.ChatResponse{}, llm.ErrEmptyResponse
	}
	if finishReason == "" {
		finishReason = "stop"
		if len(toolCalls) > 0 {
			finishReason = "tool_calls"
		}
	}
	return llm.ChatResponse{
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
	}, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) post(ctx context.Context, apiKey string, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, llm.ErrEgressBlocked) {
			return nil, llm.ErrEgressBlocked
		}
		return nil, err
	}
	return resp, nil
}

func buildRequestPayload(ctx context.Context, model string, messages []llm.ChatMessage, tools []llm.Tool, stream bool) map[string]any {
	payload := map[string]any{
		"model":    model,
		"messages": buildMessages(messages),
	}
	if stream {
		payload["stream"] = true
	}
	if len(tools) > 0 {
		payload["tools"] = tools
		payload["tool_choice"] = "auto"
		payload["parallel_tool_calls"] = false
	}
	if profile, ok := llm.RequestProfileFromContext(ctx); ok {
		if profile.MaxOutputTokens > 0 {
			payload["max_tokens"] = profile.MaxOutputTokens
		}
		if profile.HasTemperature {
			payload["temperature"] = profile.Temperature
		}
	}
	return payload
}

func buildMessages(messages []llm.ChatMessage) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		item := map[string]any{"role": msg.Role}
		switch {
		case msg.Role == "tool":
			item["tool_call_id"] = msg.ToolCallID
			item["content"] = msg.Content
		case len(msg.Parts) > 0:
			parts := make([]map[string]any, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				switch part.Type {
				case "image":
					parts = append(parts, map[string]any{
						"type":      "image_url",
						"image_url": map[string]any{"url": part.ImageURL},
					})
				default:
					parts = append(parts, map[string]any{
						"type": "text",
						"text": part.Text,
					})
				}
			}
			item["content"] = parts
		default:
			item["content"] = msg.Content
		}
		if len(msg.ToolCalls) > 0 {
			item["tool_calls"] = msg.ToolCalls
		}
		out = append(out, item)
	}
	return out
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return unauthorizedError(resp)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", llm.ErrRateLimited, resp.Status)
	case resp.StatusCode >= 500:
		return llm.ErrUnavailable
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("model endpoint error: %s - %s", resp.Status, readErrorBody(resp))
	}
	return nil
}

func unauthorizedError(resp *http.Response) error {
	requestID := strings.TrimSpace(resp.Header.Get("x-request-id"))
	return fmt.Errorf(
		"%w: status=%s request_id=%s body=%q",
		llm.ErrUnauthorized,
		resp.Status,
		requestID,
		readErrorBody(resp),
	)
}

func readErrorBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return strings.TrimSpace(string(body))
}

func (c *Client) BaseURL() string {
	return c.baseURL
}
