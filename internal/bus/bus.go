// Package bus is the in-process, append-only log of inter-agent exchanges.
// It is a side channel for observability and replay; nothing in the search
// or dispatch path reads it back.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies a message for UI grouping.
type Type string

const (
	TypeQuery     Type = "query"
	TypeResponse  Type = "response"
	TypeUser      Type = "user"
	TypeAssistant Type = "assistant"
	TypeError     Type = "error"
)

// Well-known sender and recipient tags.
const (
	AgentUser    = "user"
	AgentSystem  = "system"
	AgentPricing = "agente_precios"
	AgentMain    = "asistente_principal"
)

// Message is one entry in the log. Content is usually a JSON-encoded payload.
type Message struct {
	ID             string    `json:"id"`
	From           string    `json:"fromAgent"`
	To             string    `json:"toAgent"`
	Content        string    `json:"content"`
	Type           Type      `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"threadId"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(m Message) Message
}

// Observer is notified after every append. Observers must not block.
type Observer func(Message)

// Option configures a Bus.
type Option func(*Bus)

// WithObserver registers fn to be called for every published message.
func WithObserver(fn Observer) Option {
	return func(b *Bus) { b.observers = append(b.observers, fn) }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// Bus is safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	msgs      []Message
	last      time.Time
	now       func() time.Time
	observers []Observer
}

func New(opts ...Option) *Bus {
	b := &Bus{now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish appends m, assigning an ID and timestamp when missing, and returns
// the stored copy. Timestamps never go backwards.
func (b *Bus) Publish(m Message) Message {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	b.mu.Lock()
	if m.Timestamp.IsZero() {
		m.Timestamp = b.now().UTC()
	}
	if m.Timestamp.Before(b.last) {
		m.Timestamp = b.last
	}
	b.last = m.Timestamp
	b.msgs = append(b.msgs, m)
	observers := b.observers
	b.mu.Unlock()

	for _, fn := range observers {
		fn(m)
	}
	return m
}

// Snapshot returns a copy of all messages in append order.
func (b *Bus) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// ByConversation returns a copy of the messages for one conversation.
func (b *Bus) ByConversation(id string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Message
	for _, m := range b.msgs {
		if m.ConversationID == id {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of stored messages.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.msgs)
}

// NewMessage builds a message whose content is the JSON encoding of payload.
// Strings are stored verbatim.
func NewMessage(from, to string, typ Type, conversationID string, payload any) Message {
	return Message{
		From:           from,
		To:             to,
		Type:           typ,
		ConversationID: conversationID,
		Content:        encode(payload),
	}
}

func encode(payload any) string {
	if s, ok := payload.(string); ok {
		return s
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"type":"encoding_error"}`
	}
	return string(data)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(m Message) Message { return m }
