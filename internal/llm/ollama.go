package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/summitlabs/legion/internal/config"
	"github.com/summitlabs/legion/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Local models can sit on a request for a long time while loading.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 5 * time.Minute

	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// ollamaRequest is the request body for /api/chat.
type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // an object, not a string
	} `json:"function"`
}

// ollamaWireResponse is one /api/chat response or stream chunk.
type ollamaWireResponse struct {
	Model     string        `json:"model"`
	CreatedAt string        `json:"created_at"`
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`

	// Usage stats (when done=true), durations in nanoseconds.
	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	resp := &ChatResponse{
		Model: w.Model,
		Message: Message{
			Role:    w.Message.Role,
			Content: w.Message.Content,
		},
		Done:          w.Done,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
	if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		resp.CreatedAt = t
	}
	for _, tc := range w.Message.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls,
			NewToolCall(newCallID(), tc.Function.Name, tc.Function.Arguments))
	}
	return resp
}

// Ollama has no tool call IDs of its own; the agent and the transcript
// need one to pair calls with results.
func newCallID() string {
	return "call_" + uuid.NewString()[:8]
}

func toOllamaMessages(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Function.Name
			otc.Function.Arguments = tc.Function.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request to Ollama. If callback is non-nil the
// response is streamed and each token is delivered as a KindToken event.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Stream:   stream,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, errBody)
	}

	validTools := extractToolNames(tools)

	if !stream {
		var wire ollamaWireResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		result := wire.toChatResponse()
		recoverTextToolCalls(result, validTools)
		return result, nil
	}

	// Streaming: newline-delimited JSON chunks.
	var (
		final     *ChatResponse
		content   strings.Builder
		toolCalls []ToolCall
	)
	gate := &tokenGate{callback: callback, validTools: validTools, open: len(tools) == 0}
	decoder := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaWireResponse
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			gate.write(chunk.Message.Content)
		}

		converted := chunk.toChatResponse()
		toolCalls = append(toolCalls, converted.Message.ToolCalls...)

		if chunk.Done {
			final = converted
			break
		}
	}

	if final == nil {
		final = &ChatResponse{Model: model, Done: true}
	}
	final.Message.Role = "assistant"
	final.Message.Content = content.String()
	final.Message.ToolCalls = toolCalls
	recoverTextToolCalls(final, validTools)
	if final.Message.Content != "" {
		gate.flush()
	}

	c.logger.Debug("stream complete",
		"model", final.Model,
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
		"tool_calls", len(final.Message.ToolCalls),
	)
	return final, nil
}

// recoverTextToolCalls moves tool calls a model wrote into its content
// into the structured ToolCalls field.
func recoverTextToolCalls(resp *ChatResponse, validTools []string) {
	if len(resp.Message.ToolCalls) > 0 || resp.Message.Content == "" {
		return
	}
	if parsed := parseTextToolCalls(resp.Message.Content, validTools); len(parsed) > 0 {
		resp.Message.ToolCalls = parsed
		resp.Message.Content = ""
	}
}

// tokenGate holds back streamed content while it may still be a tool
// call written as text, and releases it once it reads as prose.
type tokenGate struct {
	callback   StreamCallback
	validTools []string
	held       strings.Builder
	open       bool
}

func (g *tokenGate) write(token string) {
	if g.open {
		g.callback(StreamEvent{Kind: KindToken, Token: token})
		return
	}
	g.held.WriteString(token)
	if !mayBeTextToolCall(g.held.String(), g.validTools) {
		g.open = true
		g.flush()
	}
}

// flush emits anything still held as a single token.
func (g *tokenGate) flush() {
	if g.held.Len() == 0 {
		return
	}
	g.callback(StreamEvent{Kind: KindToken, Token: g.held.String()})
	g.held.Reset()
}

// mayBeTextToolCall reports whether content is, or could still grow
// into, one of the text forms parseTextToolCalls recognizes.
func mayBeTextToolCall(content string, validTools []string) bool {
	const tag = "<tool_call>"
	s := strings.TrimLeft(content, " \t\r\n")
	switch {
	case s == "":
		return true
	case strings.HasPrefix(s, "{"), strings.HasPrefix(s, "["):
		return true
	case strings.HasPrefix(s, tag), strings.HasPrefix(tag, s):
		return true
	}
	for _, name := range validTools {
		if strings.HasPrefix(name, s) {
			return true
		}
		if rest, ok := strings.CutPrefix(s, name); ok {
			rest = strings.TrimLeft(rest, " \t")
			return rest == "" || strings.HasPrefix(rest, "{")
		}
	}
	return false
}

// extractToolNames returns the function names from OpenAI-format tool
// definitions, skipping malformed entries.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := []string{}
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls extracts tool calls that a model wrote as text
// instead of using native tool_calls. Recognized forms:
//
//	{"name": "...", "arguments": {...}}
//	[{"name": "...", "arguments": {...}}, ...]
//	{...}{...} (concatenated objects, trailing prose ignored)
//	<tool_call>{...}</tool_call>
//	tool_name {"arg": ...}
//
// When validTools is non-empty, calls naming other tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	valid := func(name string) bool {
		return name != "" && (len(validTools) == 0 || slices.Contains(validTools, name))
	}
	build := func(calls []textToolCall) []ToolCall {
		var out []ToolCall
		for _, c := range calls {
			if !valid(c.Name) {
				continue
			}
			args := c.Arguments
			if args == nil {
				args = map[string]any{}
			}
			out = append(out, NewToolCall(newCallID(), c.Name, args))
		}
		return out
	}

	switch {
	case strings.HasPrefix(content, "["):
		var calls []textToolCall
		if err := json.Unmarshal([]byte(content), &calls); err == nil {
			return build(calls)
		}
		return nil

	case strings.HasPrefix(content, "{"):
		// One or more concatenated objects; stop at the first thing
		// that is not a tool call object.
		var calls []textToolCall
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var c textToolCall
			if err := dec.Decode(&c); err != nil || c.Name == "" {
				break
			}
			calls = append(calls, c)
		}
		return build(calls)
	}

	// tool_name {json}
	name, rest, ok := strings.Cut(content, " ")
	if !ok || !valid(name) || len(validTools) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.NewDecoder(strings.NewReader(strings.TrimSpace(rest))).Decode(&args); err != nil {
		return nil
	}
	return []ToolCall{NewToolCall(newCallID(), name, args)}
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns the models available on the Ollama server.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
