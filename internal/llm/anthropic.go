package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/summitlabs/legion/internal/config"
	"github.com/summitlabs/legion/internal/httpkit"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"

	// Device replies are a sentence or two plus tool calls.
	defaultAnthropicMaxTokens = 1024
)

// AnthropicClient talks to the Anthropic Messages API. Every request
// is streamed; Chat simply discards the tokens.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

// AnthropicOption configures an AnthropicClient.
type AnthropicOption func(*AnthropicClient)

// WithAnthropicURL overrides the API base URL.
func WithAnthropicURL(u string) AnthropicOption {
	return func(c *AnthropicClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithMaxTokens sets the response token limit.
func WithMaxTokens(n int) AnthropicOption {
	return func(c *AnthropicClient) { c.maxTokens = n }
}

// NewAnthropicClient creates a client authenticating with apiKey.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...AnthropicOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	c := &AnthropicClient{
		apiKey:    apiKey,
		baseURL:   anthropicBaseURL,
		maxTokens: defaultAnthropicMaxTokens,
		logger:    logger.With("provider", "anthropic"),
		// Streams are bounded by the request context, not a client timeout.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type messagesRequest struct {
	Model     string     `json:"model"`
	System    string     `json:"system,omitempty"`
	Messages  []turn     `json:"messages"`
	Tools     []toolSpec `json:"tools,omitempty"`
	MaxTokens int        `json:"max_tokens"`
	Stream    bool       `json:"stream"`
}

// turn is one Messages API message. Content is a string for plain text
// and a []block for tool use and tool results.
type turn struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type block struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type toolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Chat sends a request and returns the assembled reply.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming request. Text deltas go to callback as
// they arrive when it is non-nil.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	turns, system := toAnthropicTurns(messages)
	req := messagesRequest{
		Model:     model,
		System:    system,
		Messages:  turns,
		Tools:     toolSpecs(tools),
		MaxTokens: c.maxTokens,
		Stream:    true,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Debug("sending request", "model", model, "turns", len(turns), "tools", len(req.Tools))
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(body))

	resp, err := c.do(ctx, http.MethodPost, "/v1/messages", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	rb := &replyBuilder{emit: callback, toolUses: map[int]*pendingToolUse{}}
	if err := readSSE(resp.Body, rb.handle); err != nil {
		return nil, err
	}
	out := rb.response()

	if rb.stopReason == "max_tokens" {
		c.logger.Warn("response truncated at max_tokens", "max_tokens", c.maxTokens)
	}
	c.logger.Debug("stream complete",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	c.logger.Log(ctx, config.LevelTrace, "stream final content", "content", out.Message.Content)
	return out, nil
}

// Ping lists one model, which checks reachability and the API key
// without spending tokens.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/v1/models?limit=1", nil)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("invalid API key")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("unexpected status from Anthropic API: %d", resp.StatusCode)
	}
	return nil
}

func (c *AnthropicClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// readSSE calls fn with the name and data of each server-sent event in
// r. Comment lines and events without data are ignored.
func readSSE(r io.Reader, fn func(event string, data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		event string
		data  bytes.Buffer
	)
	dispatch := func() error {
		defer func() { event = ""; data.Reset() }()
		if data.Len() == 0 {
			return nil
		}
		return fn(event, data.Bytes())
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return dispatch()
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// streamPayload is the union of the event payloads the agent uses.
type streamPayload struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Model string `json:"model"`
		Usage usage  `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type pendingToolUse struct {
	id    string
	name  string
	input strings.Builder
}

// replyBuilder assembles a streamed reply: text deltas, tool_use blocks
// with their incremental JSON input, and token usage.
type replyBuilder struct {
	emit       StreamCallback
	model      string
	text       strings.Builder
	toolUses   map[int]*pendingToolUse
	order      []int
	usage      usage
	stopReason string
}

func (b *replyBuilder) handle(event string, data []byte) error {
	var p streamPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode %s event: %w", event, err)
	}
	if event == "" {
		event = p.Type
	}

	switch event {
	case "message_start":
		if p.Message != nil {
			b.model = p.Message.Model
			b.usage = p.Message.Usage
		}
	case "content_block_start":
		if p.ContentBlock != nil && p.ContentBlock.Type == "tool_use" {
			b.toolUses[p.Index] = &pendingToolUse{id: p.ContentBlock.ID, name: p.ContentBlock.Name}
			b.order = append(b.order, p.Index)
		}
	case "content_block_delta":
		if p.Delta == nil {
			return nil
		}
		switch p.Delta.Type {
		case "text_delta":
			b.text.WriteString(p.Delta.Text)
			if b.emit != nil {
				b.emit(StreamEvent{Kind: KindToken, Token: p.Delta.Text})
			}
		case "input_json_delta":
			if tu := b.toolUses[p.Index]; tu != nil {
				tu.input.WriteString(p.Delta.PartialJSON)
			}
		}
	case "message_delta":
		if p.Delta != nil {
			b.stopReason = p.Delta.StopReason
		}
		if p.Usage != nil {
			b.usage.OutputTokens = p.Usage.OutputTokens
		}
	case "error":
		if p.Error != nil {
			return fmt.Errorf("anthropic stream error: %s: %s", p.Error.Type, p.Error.Message)
		}
		return fmt.Errorf("anthropic stream error: %s", data)
	}
	return nil
}

// response returns the assembled reply. Tool input that is empty or not
// a JSON object becomes empty arguments.
func (b *replyBuilder) response() *ChatResponse {
	var calls []ToolCall
	for _, idx := range b.order {
		tu := b.toolUses[idx]
		args := map[string]any{}
		if raw := tu.input.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
				args = map[string]any{}
			}
		}
		calls = append(calls, NewToolCall(tu.id, tu.name, args))
	}
	return &ChatResponse{
		Model: b.model,
		Message: Message{
			Role:      "assistant",
			Content:   b.text.String(),
			ToolCalls: calls,
		},
		Done:         true,
		InputTokens:  b.usage.InputTokens,
		OutputTokens: b.usage.OutputTokens,
	}
}

// toAnthropicTurns maps the transcript onto Messages API turns. System
// messages are joined into the separate system prompt, and consecutive
// tool results share one user turn.
func toAnthropicTurns(messages []Message) ([]turn, string) {
	var (
		system []string
		turns  []turn
	)
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "user":
			turns = append(turns, turn{Role: "user", Content: m.Content})
		case "assistant":
			if len(m.ToolCalls) == 0 {
				turns = append(turns, turn{Role: "assistant", Content: m.Content})
				continue
			}
			turns = append(turns, turn{Role: "assistant", Content: toolUseBlocks(m)})
		case "tool":
			result := block{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			if n := len(turns); n > 0 {
				if prev, ok := turns[n-1].Content.([]block); ok && turns[n-1].Role == "user" {
					turns[n-1].Content = append(prev, result)
					continue
				}
			}
			turns = append(turns, turn{Role: "user", Content: []block{result}})
		}
	}
	return turns, strings.Join(system, "\n\n")
}

// toolUseBlocks renders an assistant message that calls tools. Calls
// without a provider ID get a stable synthesized one so the following
// tool results can refer to them.
func toolUseBlocks(m Message) []block {
	var blocks []block
	if m.Content != "" {
		blocks = append(blocks, block{Type: "text", Text: m.Content})
	}
	for i, tc := range m.ToolCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
		}
		blocks = append(blocks, block{Type: "tool_use", ID: id, Name: tc.Function.Name, Input: args})
	}
	return blocks
}

// toolSpecs converts registry function definitions to Anthropic tool
// specs. Entries without a name are skipped.
func toolSpecs(tools []map[string]any) []toolSpec {
	var specs []toolSpec
	for _, t := range tools {
		fn, _ := t["function"].(map[string]any)
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := fn["description"].(string)
		schema, ok := fn["parameters"].(map[string]any)
		if !ok {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs = append(specs, toolSpec{Name: name, Description: desc, InputSchema: schema})
	}
	return specs
}
