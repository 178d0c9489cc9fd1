// Package agent runs the conversational dispatcher: it hands the user's
// message and the tool schemas to a model, executes the tools the model
// selects, and streams the exchange back to the caller.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/summitlabs/legion/internal/llm"
	"github.com/summitlabs/legion/internal/memory"
	"github.com/summitlabs/legion/internal/metrics"
	"github.com/summitlabs/legion/internal/tools"
)

// DefaultMaxIterations bounds model round-trips per turn.
const DefaultMaxIterations = 8

// Finish reasons.
const (
	FinishStop          = "stop"
	FinishMaxIterations = "max_iterations"
)

// ErrEmptyRequest is returned when a request carries no user text.
var ErrEmptyRequest = errors.New("request has no message")

// ToolRunner is the slice of the tool registry the loop needs.
// *tools.Registry implements it.
type ToolRunner interface {
	List() []map[string]any
	Execute(ctx context.Context, name string, argsJSON string) (string, error)
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// Request represents an incoming agent request.
type Request struct {
	Messages       []Message `json:"messages"`
	Model          string    `json:"model,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`

	// Transport labels the turn in metrics ("http", "sse", "ws", "cli").
	Transport string `json:"-"`
}

// ToolCallRecord is one executed tool call.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration_ns"`
}

// Response represents the agent's response.
type Response struct {
	RequestID      string           `json:"request_id"`
	ConversationID string           `json:"conversation_id"`
	Content        string           `json:"content"`
	Model          string           `json:"model"`
	FinishReason   string           `json:"finish_reason"`
	Iterations     int              `json:"iterations"`
	ToolCalls      []ToolCallRecord `json:"tool_calls,omitempty"`
	InputTokens    int              `json:"input_tokens"`
	OutputTokens   int              `json:"output_tokens"`
}

// Config holds the loop's collaborators and limits.
type Config struct {
	LLM           llm.Client
	Tools         ToolRunner
	Memory        *memory.Store
	Model         string
	SystemPrompt  string
	MaxIterations int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Loop is the agent execution loop. Turns on different conversations
// may run concurrently; the memory store serializes transcript access.
type Loop struct {
	llm           llm.Client
	tools         ToolRunner
	memory        *memory.Store
	model         string
	systemPrompt  string
	maxIterations int
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewLoop creates an agent loop.
func NewLoop(cfg Config) *Loop {
	l := &Loop{
		llm:           cfg.LLM,
		tools:         cfg.Tools,
		memory:        cfg.Memory,
		model:         cfg.Model,
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: cfg.MaxIterations,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
	if l.memory == nil {
		l.memory = memory.NewStore(0)
	}
	if l.systemPrompt == "" {
		l.systemPrompt = DefaultSystemPrompt
	}
	if l.maxIterations <= 0 {
		l.maxIterations = DefaultMaxIterations
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "agent")
	return l
}

// Memory returns the transcript store.
func (l *Loop) Memory() *memory.Store {
	return l.memory
}

// Model returns the default model.
func (l *Loop) Model() string {
	return l.model
}

func generateRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Run executes one user turn. Tool calls run sequentially on the
// caller's goroutine. callback may be nil; when set it receives tokens,
// tool notices and a final KindDone event.
func (l *Loop) Run(ctx context.Context, req *Request, callback llm.StreamCallback) (*Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, ErrEmptyRequest
	}
	emit := func(ev llm.StreamEvent) {
		if callback != nil {
			callback(ev)
		}
	}

	convID := req.ConversationID
	if convID == "" {
		convID = "default"
	}
	model := req.Model
	if model == "" {
		model = l.model
	}
	transport := req.Transport
	if transport == "" {
		transport = "http"
	}

	resp := &Response{
		RequestID:      generateRequestID(),
		ConversationID: convID,
		Model:          model,
	}
	log := l.logger.With("request_id", resp.RequestID, "conversation", convID)

	ctx = tools.WithConversationID(ctx, convID)

	history := l.memory.History(convID)
	var turn []llm.Message
	for _, m := range req.Messages {
		turn = append(turn, llm.Message{Role: m.Role, Content: m.Content})
	}

	log.Info("agent turn started", "model", model, "history", len(history), "transport", transport)

	toolDefs := l.tools.List()
	nudged := false
	var final *llm.ChatResponse

	for resp.Iterations < l.maxIterations {
		resp.Iterations++

		messages := make([]llm.Message, 0, len(history)+len(turn)+1)
		messages = append(messages, llm.Message{Role: "system", Content: l.systemPrompt})
		messages = append(messages, history...)
		messages = append(messages, turn...)

		chat, err := l.llm.ChatStream(ctx, model, messages, toolDefs, callback)
		if err != nil {
			l.metrics.ObserveTurn(transport, "error")
			log.Error("LLM call failed", "iteration", resp.Iterations, "error", err)
			return nil, fmt.Errorf("llm call: %w", err)
		}
		final = chat
		resp.InputTokens += chat.InputTokens
		resp.OutputTokens += chat.OutputTokens
		if chat.Model != "" {
			resp.Model = chat.Model
		}

		msg := chat.Message
		msg.Role = "assistant"

		if len(msg.ToolCalls) == 0 {
			if strings.TrimSpace(msg.Content) == "" && !nudged {
				nudged = true
				log.Warn("empty response, nudging model", "iteration", resp.Iterations)
				turn = append(turn, llm.Message{Role: "user", Content: EmptyResponseNudge})
				continue
			}
			turn = append(turn, msg)
			resp.Content = msg.Content
			resp.FinishReason = FinishStop
			break
		}

		turn = append(turn, msg)
		for _, tc := range msg.ToolCalls {
			rec := l.runTool(ctx, tc, emit, log)
			resp.ToolCalls = append(resp.ToolCalls, rec)
			turn = append(turn, llm.Message{Role: "tool", Content: rec.Result, ToolCallID: tc.ID})
		}
	}

	if resp.FinishReason == "" {
		resp.FinishReason = FinishMaxIterations
		resp.Content = fmt.Sprintf("I stopped after %d steps without finishing. Ask me to continue if needed.", l.maxIterations)
		turn = append(turn, llm.Message{Role: "assistant", Content: resp.Content})
		log.Warn("iteration limit reached", "max_iterations", l.maxIterations)
	}

	l.remember(convID, turn)
	l.metrics.ObserveTurn(transport, "ok")

	log.Info("agent turn completed",
		"iterations", resp.Iterations,
		"tool_calls", len(resp.ToolCalls),
		"finish_reason", resp.FinishReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)

	done := &llm.ChatResponse{
		Model:        resp.Model,
		Message:      llm.Message{Role: "assistant", Content: resp.Content},
		Done:         true,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	if final != nil {
		done.CreatedAt = final.CreatedAt
	}
	emit(llm.StreamEvent{Kind: llm.KindDone, Response: done})
	return resp, nil
}

func (l *Loop) runTool(ctx context.Context, tc llm.ToolCall, emit llm.StreamCallback, log *slog.Logger) ToolCallRecord {
	call := tc
	emit(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &call})

	rec := ToolCallRecord{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
	args, err := json.Marshal(tc.Function.Arguments)
	if err != nil {
		args = []byte("{}")
	}

	start := time.Now()
	out, err := l.tools.Execute(tools.WithToolCallID(ctx, tc.ID), tc.Function.Name, string(args))
	rec.Duration = time.Since(start)

	if err != nil {
		// Unknown tools and bad arguments go back to the model as an error result.
		rec.Error = err.Error()
		rec.Result = fmt.Sprintf(`{"status":"error","message":%q}`, err.Error())
		log.Warn("tool call rejected", "tool", tc.Function.Name, "error", err)
	} else {
		rec.Result = out
		if res, perr := tools.ParseResult(out); perr == nil && !res.OK() {
			rec.Error = res.Error
			if rec.Error == "" {
				rec.Error = res.Message
			}
		}
	}

	emit(llm.StreamEvent{
		Kind:       llm.KindToolCallDone,
		ToolName:   tc.Function.Name,
		ToolResult: rec.Result,
		ToolError:  rec.Error,
	})
	return rec
}

// remember stores the turn without the nudge, which is an internal
// prompt rather than something the user said.
func (l *Loop) remember(convID string, turn []llm.Message) {
	msgs := make([]memory.Message, 0, len(turn))
	for _, m := range turn {
		if m.Role == "user" && m.Content == EmptyResponseNudge {
			continue
		}
		msgs = append(msgs, memory.FromLLM(m))
	}
	l.memory.Append(convID, msgs...)
}
