// Package memory holds chat transcripts in process memory.
package memory

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/summitlabs/legion/internal/llm"
)

const (
	// DefaultMaxMessages bounds a conversation when NewStore is given zero.
	DefaultMaxMessages = 100
	// DefaultMaxConversations bounds how many conversations are kept.
	DefaultMaxConversations = 256
)

// Message is one transcript entry.
type Message struct {
	Role       string         `json:"role"` // user, assistant, tool
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// FromLLM records an llm.Message with the current time.
func FromLLM(m llm.Message) Message {
	return Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Timestamp:  time.Now(),
	}
}

// LLM converts the entry back for a provider request.
func (m Message) LLM() llm.Message {
	return llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}

// Conversation holds the state of a single conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats summarizes the store.
type Stats struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	MaxPerConv    int `json:"max_per_conversation"`
	MaxConvs      int `json:"max_conversations"`
}

// Store keeps conversations in memory. It is the only mutable state
// shared between requests and is safe for concurrent use.
type Store struct {
	mu               sync.RWMutex
	conversations    map[string]*Conversation
	maxMessages      int
	maxConversations int
	now              func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxConversations caps the number of conversations kept. When a
// new conversation would exceed it, the least recently updated one is
// dropped. Zero or less keeps DefaultMaxConversations.
func WithMaxConversations(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxConversations = n
		}
	}
}

// NewStore creates a store that keeps at most maxMessages per
// conversation.
func NewStore(maxMessages int, opts ...Option) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	s := &Store{
		conversations:    make(map[string]*Conversation),
		maxMessages:      maxMessages,
		maxConversations: DefaultMaxConversations,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds messages to a conversation, creating it if needed, and
// trims the oldest entries beyond the limit.
func (s *Store) Append(conversationID string, msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conv, ok := s.conversations[conversationID]
	if !ok {
		for len(s.conversations) >= s.maxConversations {
			s.evictOldest()
		}
		conv = &Conversation{ID: conversationID, CreatedAt: now}
		s.conversations[conversationID] = conv
	}
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		conv.Messages = append(conv.Messages, m)
	}
	conv.UpdatedAt = now
	conv.Messages = trim(conv.Messages, s.maxMessages)
}

// evictOldest drops the least recently updated conversation. The
// caller holds s.mu.
func (s *Store) evictOldest() {
	var oldest *Conversation
	for _, c := range s.conversations {
		if oldest == nil || c.UpdatedAt.Before(oldest.UpdatedAt) ||
			(c.UpdatedAt.Equal(oldest.UpdatedAt) && c.ID < oldest.ID) {
			oldest = c
		}
	}
	if oldest != nil {
		delete(s.conversations, oldest.ID)
	}
}

// trim keeps the newest max messages. The kept window starts at a user
// message so no tool result is left without the call that produced it.
// When a single turn is longer than max there is no such message, and
// the window only sheds its leading tool results.
func trim(msgs []Message, max int) []Message {
	if len(msgs) <= max {
		return msgs
	}
	kept := msgs[len(msgs)-max:]
	start := slices.IndexFunc(kept, func(m Message) bool { return m.Role == "user" })
	if start < 0 {
		start = slices.IndexFunc(kept, func(m Message) bool { return m.Role != "tool" })
		if start < 0 {
			start = len(kept)
		}
	}
	return append([]Message(nil), kept[start:]...)
}

// Messages returns a copy of a conversation's transcript, or nil.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	return append([]Message(nil), conv.Messages...)
}

// History returns the transcript as provider messages.
func (s *Store) History(conversationID string) []llm.Message {
	msgs := s.Messages(conversationID)
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.LLM()
	}
	return out
}

// Conversation returns a copy of a conversation, or nil if unknown.
func (s *Store) Conversation(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil
	}
	cp := *conv
	cp.Messages = append([]Message(nil), conv.Messages...)
	return &cp
}

// IDs returns conversation IDs, most recently updated first.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		convs = append(convs, c)
	}
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	return ids
}

// Clear removes a conversation. It reports whether one existed.
func (s *Store) Clear(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conversations[conversationID]
	delete(s.conversations, conversationID)
	return ok
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Conversations: len(s.conversations), MaxPerConv: s.maxMessages, MaxConvs: s.maxConversations}
	for _, c := range s.conversations {
		st.Messages += len(c.Messages)
	}
	return st
}
