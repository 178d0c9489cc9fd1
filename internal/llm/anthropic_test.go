package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var (
	_ Client = (*AnthropicClient)(nil)
	_ Client = (*OllamaClient)(nil)
	_ Client = (*MultiClient)(nil)
)

func TestToAnthropicTurns(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "You control the Iron Legion."},
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Open the helmet and deploy."},
		{
			Role: "assistant",
			ToolCalls: []ToolCall{
				NewToolCall("toolu_abc", "set_iron_man_mark3_helmet_action", map[string]any{"faceplate_state": "face_open", "eyes_state": "on"}),
				NewToolCall("", "house_party_protocol", nil),
			},
		},
		{Role: "tool", Content: `{"status":"success"}`, ToolCallID: "toolu_abc"},
		{Role: "tool", Content: `{"status":"success"}`, ToolCallID: "toolu_house_party_protocol_1"},
		{Role: "assistant", Content: "Helmet open."},
	}

	turns, system := toAnthropicTurns(messages)

	if system != "You control the Iron Legion.\n\nBe brief." {
		t.Errorf("system = %q", system)
	}
	if len(turns) != 4 {
		t.Fatalf("turns = %d, want 4", len(turns))
	}

	uses, ok := turns[1].Content.([]block)
	if !ok || len(uses) != 2 {
		t.Fatalf("assistant content = %#v, want two blocks", turns[1].Content)
	}
	if uses[0].Type != "tool_use" || uses[0].ID != "toolu_abc" {
		t.Errorf("block 0 = %+v", uses[0])
	}
	if uses[1].ID != "toolu_house_party_protocol_1" {
		t.Errorf("synthesized ID = %q", uses[1].ID)
	}
	if args, ok := uses[1].Input.(map[string]any); !ok || args == nil {
		t.Errorf("nil arguments should become an empty object, got %#v", uses[1].Input)
	}

	results, ok := turns[2].Content.([]block)
	if !ok || turns[2].Role != "user" {
		t.Fatalf("tool result turn = %+v", turns[2])
	}
	if len(results) != 2 {
		t.Fatalf("tool results in one turn = %d, want 2", len(results))
	}
	if results[0].Type != "tool_result" || results[0].ToolUseID != "toolu_abc" || results[1].ToolUseID != "toolu_house_party_protocol_1" {
		t.Errorf("tool results = %+v", results)
	}
	if turns[3].Content != "Helmet open." {
		t.Errorf("final turn = %+v", turns[3])
	}
}

func TestToolSpecs(t *testing.T) {
	tools := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "sleep_seconds",
				"description": "Pause",
				"parameters": map[string]any{
					"type":       "object",
					"properties": map[string]any{"seconds": map[string]any{"type": "integer"}},
				},
			},
		},
		{"type": "function", "function": map[string]any{"name": "house_party_protocol"}},
		{"type": "not-a-function"},
	}

	specs := toolSpecs(tools)
	if len(specs) != 2 {
		t.Fatalf("specs = %d, want 2", len(specs))
	}
	if specs[0].Name != "sleep_seconds" || specs[0].Description != "Pause" {
		t.Errorf("spec 0 = %+v", specs[0])
	}
	if specs[1].InputSchema["type"] != "object" {
		t.Errorf("missing parameters should default to an empty object schema, got %#v", specs[1].InputSchema)
	}
	if toolSpecs(nil) != nil {
		t.Error("nil tools should convert to nil")
	}
}

func TestReadSSE(t *testing.T) {
	stream := ": keepalive\n\n" +
		"event: ping\ndata: {\"type\":\"ping\"}\n\n" +
		"event: multi\ndata: line one\ndata: line two\n\n" +
		"event: empty\n\n" +
		"data: trailing"

	var got []string
	err := readSSE(strings.NewReader(stream), func(event string, data []byte) error {
		got = append(got, event+"="+string(data))
		return nil
	})
	if err != nil {
		t.Fatalf("readSSE: %v", err)
	}
	want := []string{`ping={"type":"ping"}`, "multi=line one\nline two", "=trailing"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("events = %q, want %q", got, want)
	}
}

func sseEvent(w http.ResponseWriter, typ, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, data)
}

func TestAnthropicClient_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		if r.Method != http.MethodPost || r.URL.Path != "/v1/messages" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var req messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if !req.Stream || req.System != "sys" || req.MaxTokens != 256 {
			t.Errorf("request = stream:%v system:%q max_tokens:%d", req.Stream, req.System, req.MaxTokens)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		sseEvent(w, "message_start", `{"type":"message_start","message":{"model":"claude-sonnet-4","usage":{"input_tokens":40}}}`)
		sseEvent(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		sseEvent(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Deploying "}}`)
		sseEvent(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"suits."}}`)
		sseEvent(w, "content_block_stop", `{"type":"content_block_stop","index":0}`)
		sseEvent(w, "content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"sleep_seconds"}}`)
		sseEvent(w, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"seconds\":"}}`)
		sseEvent(w, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":" 3}"}}`)
		sseEvent(w, "content_block_stop", `{"type":"content_block_stop","index":1}`)
		sseEvent(w, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":21}}`)
		sseEvent(w, "message_stop", `{"type":"message_stop"}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", nil, WithAnthropicURL(srv.URL), WithMaxTokens(256))

	var tokens strings.Builder
	resp, err := c.ChatStream(context.Background(), "claude-sonnet-4",
		[]Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "go"}}, nil,
		func(ev StreamEvent) {
			if ev.Kind == KindToken {
				tokens.WriteString(ev.Token)
			}
		})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if tokens.String() != "Deploying suits." || resp.Message.Content != "Deploying suits." {
		t.Errorf("tokens = %q content = %q", tokens.String(), resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "toolu_9" || tc.Function.Name != "sleep_seconds" || tc.Function.Arguments["seconds"] != float64(3) {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.InputTokens != 40 || resp.OutputTokens != 21 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestAnthropicClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseEvent(w, "message_start", `{"type":"message_start","message":{"model":"claude-sonnet-4","usage":{"input_tokens":12}}}`)
		sseEvent(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"house_party_protocol"}}`)
		sseEvent(w, "content_block_stop", `{"type":"content_block_stop","index":0}`)
		sseEvent(w, "content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_2","name":"send_cat_feeder_message"}}`)
		sseEvent(w, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"[1,"}}`)
		sseEvent(w, "content_block_stop", `{"type":"content_block_stop","index":1}`)
		sseEvent(w, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`)
	}))
	defer srv.Close()

	resp, err := NewAnthropicClient("k", nil, WithAnthropicURL(srv.URL)).Chat(context.Background(), "claude-sonnet-4",
		[]Message{{Role: "user", Content: "party"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.Message.ToolCalls))
	}
	for i, tc := range resp.Message.ToolCalls {
		if tc.Function.Arguments == nil || len(tc.Function.Arguments) != 0 {
			t.Errorf("call %d arguments = %#v, want empty object", i, tc.Function.Arguments)
		}
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 9 || !resp.Done {
		t.Errorf("usage = %d/%d done=%v", resp.InputTokens, resp.OutputTokens, resp.Done)
	}
}

func TestAnthropicClient_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseEvent(w, "error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", nil, WithAnthropicURL(srv.URL))
	_, err := c.ChatStream(context.Background(), "m", []Message{{Role: "user", Content: "x"}}, nil, func(StreamEvent) {})
	if err == nil || !strings.Contains(err.Error(), "Overloaded") {
		t.Fatalf("err = %v, want stream error", err)
	}
}

func TestAnthropicClient_Ping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr string
	}{
		{name: "ok", status: http.StatusOK},
		{name: "bad key", status: http.StatusUnauthorized, wantErr: "invalid API key"},
		{name: "server error", status: http.StatusInternalServerError, wantErr: "unexpected status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/v1/models" {
					t.Errorf("ping request = %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewAnthropicClient("k", nil, WithAnthropicURL(srv.URL)).Ping(context.Background())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Ping: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
