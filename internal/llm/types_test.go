package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestStreamEventKind_String(t *testing.T) {
	tests := []struct {
		kind StreamEventKind
		want string
	}{
		{KindToken, "token"},
		{KindToolCallStart, "tool_call_start"},
		{KindToolCallDone, "tool_call_done"},
		{KindDone, "done"},
		{StreamEventKind(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

// stubClient answers every request with a fixed reply naming itself.
type stubClient struct {
	name    string
	pingErr error
}

func (s *stubClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return s.ChatStream(ctx, model, messages, tools, nil)
}

func (s *stubClient) ChatStream(_ context.Context, model string, _ []Message, _ []map[string]any, cb StreamCallback) (*ChatResponse, error) {
	if cb != nil {
		cb(StreamEvent{Kind: KindToken, Token: s.name})
	}
	return &ChatResponse{Model: model, Message: Message{Role: "assistant", Content: s.name}, Done: true}, nil
}

func (s *stubClient) Ping(context.Context) error { return s.pingErr }

func TestMultiClient_Routing(t *testing.T) {
	ollama := &stubClient{name: "ollama"}
	anthropic := &stubClient{name: "anthropic"}

	m := NewMultiClient(ollama)
	m.AddProvider("ollama", ollama)
	m.AddProvider("anthropic", anthropic)
	m.AddModel("claude-sonnet-4", "anthropic")
	m.AddModel("qwen3:4b", "ollama")
	m.AddModel("orphan", "gemini")

	tests := []struct {
		model   string
		want    string
		wantErr string
	}{
		{model: "claude-sonnet-4", want: "anthropic"},
		{model: "qwen3:4b", want: "ollama"},
		{model: "unlisted", want: "ollama"},
		{model: "orphan", wantErr: "unregistered provider"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			resp, err := m.Chat(context.Background(), tt.model, nil, nil)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if resp.Message.Content != tt.want {
				t.Errorf("routed to %q, want %q", resp.Message.Content, tt.want)
			}
		})
	}

	if got := strings.Join(m.Models(), ","); got != "claude-sonnet-4,orphan,qwen3:4b" {
		t.Errorf("Models() = %s", got)
	}
}

func TestMultiClient_NoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.ChatStream(context.Background(), "x", nil, nil, nil); err == nil {
		t.Error("expected error without fallback")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("expected Ping error without fallback")
	}
}

func TestMultiClient_PingUsesFallback(t *testing.T) {
	down := errors.New("connection refused")
	m := NewMultiClient(&stubClient{pingErr: down})
	if err := m.Ping(context.Background()); !errors.Is(err, down) {
		t.Errorf("Ping = %v, want %v", err, down)
	}
}
