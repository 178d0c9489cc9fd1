package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/summitlabs/legion/internal/agent"
	"github.com/summitlabs/legion/internal/llm"
	"github.com/summitlabs/legion/internal/render"
)

// maxChatBodyBytes bounds a chat request body.
const maxChatBodyBytes = 64 << 10

// ChatRequest is the body of POST /v1/chat, POST /v1/chat/stream and
// each WebSocket message.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Model          string `json:"model,omitempty"`
}

// ChatResponse is the outcome of one turn.
type ChatResponse struct {
	RequestID      string `json:"request_id"`
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
	// Response is the model's final reply.
	Response string `json:"response"`
	// Transcript is everything streamed during the turn, with a
	// "*Using tool: name*" line for each tool the agent selected.
	Transcript   string                 `json:"transcript"`
	HTML         string                 `json:"html"`
	FinishReason string                 `json:"finish_reason"`
	Iterations   int                    `json:"iterations"`
	ToolCalls    []agent.ToolCallRecord `json:"tool_calls,omitempty"`
	InputTokens  int                    `json:"input_tokens"`
	OutputTokens int                    `json:"output_tokens"`
}

// Chat event types sent over SSE and WebSocket.
const (
	EventToken         = "token"
	EventToolCallStart = "tool_call_start"
	EventToolCallDone  = "tool_call_done"
	EventDone          = "done"
	EventError         = "error"
)

// ChatEvent is one streamed event.
type ChatEvent struct {
	Type       string          `json:"type"`
	Token      string          `json:"token,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Arguments  map[string]any  `json:"arguments,omitempty"`
	Notice     string          `json:"notice,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Response   *ChatResponse   `json:"response,omitempty"`
}

// chatEventFrom converts a loop event. The loop's own KindDone is
// dropped; the transport sends a done event carrying the full response.
func chatEventFrom(ev llm.StreamEvent) (ChatEvent, bool) {
	switch ev.Kind {
	case llm.KindToken:
		return ChatEvent{Type: EventToken, Token: ev.Token}, true
	case llm.KindToolCallStart:
		out := ChatEvent{Type: EventToolCallStart}
		if ev.ToolCall != nil {
			out.Tool = ev.ToolCall.Function.Name
			out.ToolCallID = ev.ToolCall.ID
			out.Arguments = ev.ToolCall.Function.Arguments
			out.Notice = strings.TrimSpace(render.ToolNotice(out.Tool))
		}
		return out, true
	case llm.KindToolCallDone:
		out := ChatEvent{Type: EventToolCallDone, Tool: ev.ToolName, Error: ev.ToolError}
		if json.Valid([]byte(ev.ToolResult)) {
			out.Result = json.RawMessage(ev.ToolResult)
		} else if ev.ToolResult != "" {
			quoted, _ := json.Marshal(ev.ToolResult)
			out.Result = quoted
		}
		return out, true
	default:
		return ChatEvent{}, false
	}
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return req, errors.New("message is required")
	}
	return req, nil
}

// runTurn runs one agent turn, passing each event to send (which may be
// nil) and building the transcript the original chat UI showed.
func (s *Server) runTurn(ctx context.Context, req ChatRequest, transport string, send func(ChatEvent)) (*ChatResponse, error) {
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	var transcript strings.Builder
	callback := func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			transcript.WriteString(ev.Token)
		case llm.KindToolCallStart:
			if ev.ToolCall != nil {
				transcript.WriteString(render.ToolNotice(ev.ToolCall.Function.Name))
			}
		}
		if send == nil {
			return
		}
		if out, ok := chatEventFrom(ev); ok {
			send(out)
		}
	}

	resp, err := s.agent.Run(ctx, &agent.Request{
		Messages:       []agent.Message{{Role: "user", Content: req.Message}},
		Model:          req.Model,
		ConversationID: req.ConversationID,
		Transport:      transport,
	}, callback)
	if err != nil {
		return nil, err
	}

	// Replies produced without streaming still belong in the transcript.
	if transcript.Len() == 0 {
		transcript.WriteString(resp.Content)
	}

	out := &ChatResponse{
		RequestID:      resp.RequestID,
		ConversationID: resp.ConversationID,
		Model:          resp.Model,
		Response:       resp.Content,
		Transcript:     strings.TrimSpace(transcript.String()),
		FinishReason:   resp.FinishReason,
		Iterations:     resp.Iterations,
		ToolCalls:      resp.ToolCalls,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
	}
	if html, err := render.HTML(out.Transcript); err == nil {
		out.HTML = html
	} else {
		s.logger.Debug("render failed", "error", err)
	}
	return out, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.runTurn(r.Context(), req, "http", nil)
	if err != nil {
		s.logger.Error("agent loop failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "agent error: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleChatStream streams one turn as server-sent events. Each event's
// name is its type and its data is the ChatEvent JSON.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	rc := http.NewResponseController(w)
	send := func(ev ChatEvent) {
		s.writeSSE(w, ev)
		flusher.Flush()
		// Tool sequences can outlast the server's write timeout.
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteWindow)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	resp, err := s.runTurn(r.Context(), req, "sse", send)
	if err != nil {
		s.logger.Error("agent loop failed", "error", err)
		send(ChatEvent{Type: EventError, Error: err.Error()})
		return
	}
	send(ChatEvent{Type: EventDone, Response: resp})
}

func (s *Server) writeSSE(w http.ResponseWriter, ev ChatEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

// ConversationSummary is one entry in GET /v1/conversations.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	var out []ConversationSummary
	for _, id := range s.memory.IDs() {
		conv := s.memory.Conversation(id)
		if conv == nil {
			continue
		}
		out = append(out, ConversationSummary{ID: id, Messages: len(conv.Messages), UpdatedAt: conv.UpdatedAt})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversations": out,
		"stats":         s.memory.Stats(),
	})
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv := s.memory.Conversation(r.PathValue("id"))
	if conv == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	if !s.memory.Clear(r.PathValue("id")) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
