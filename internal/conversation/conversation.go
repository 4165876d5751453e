package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Greeting opens every new conversation.
const Greeting = "Hello! I'm Claude. How can I help you today?"

// DefaultWindow is the number of most recent messages sent with each completion request.
const DefaultWindow = 10

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in the conversation history.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PageContext is the snapshot of the page the widget is injected into.
type PageContext struct {
	Text  string `json:"text"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// Empty reports whether the snapshot carries no page text.
func (p PageContext) Empty() bool {
	return strings.TrimSpace(p.Text) == ""
}

// Conversation is an ordered, append-only message history. Role alternation is
// not enforced: notices may follow assistant replies.
type Conversation struct {
	mu       sync.RWMutex
	messages []Message
	now      func() time.Time
}

// New returns a conversation seeded with the greeting message.
func New() *Conversation {
	c := NewEmpty()
	c.Append(RoleAssistant, Greeting)
	return c
}

// NewEmpty returns a conversation with no messages.
func NewEmpty() *Conversation {
	return &Conversation{now: func() time.Time { return time.Now().UTC() }}
}

func (c *Conversation) Append(role Role, content string) Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: c.now(),
	}
	c.messages = append(c.messages, msg)
	return msg
}

// Notice records an assistant-role status line such as "page content loaded".
func (c *Conversation) Notice(content string) Message {
	return c.Append(RoleAssistant, content)
}

// Rollback removes the most recent message when its ID matches id.
func (c *Conversation) Rollback(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.messages)
	if n == 0 || c.messages[n-1].ID != id {
		return false
	}
	c.messages = c.messages[:n-1]
	return true
}

// Recent returns up to n most recent messages in chronological order.
func (c *Conversation) Recent(n int) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || n > len(c.messages) {
		n = len(c.messages)
	}
	out := make([]Message, n)
	copy(out, c.messages[len(c.messages)-n:])
	return out
}

func (c *Conversation) Messages() []Message {
	return c.Recent(0)
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
