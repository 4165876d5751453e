package chat

import (
	"strings"

	"github.com/ent0n29/pagevoice/internal/completion"
	"github.com/ent0n29/pagevoice/internal/conversation"
)

const pageContextPreamble = "\n\nThe following is the content of the current webpage the user is viewing. Please use this information to help answer their questions:\n\n"

// BuildSystemPrompt appends the page block to base when the page carries text.
func BuildSystemPrompt(base string, page conversation.PageContext) string {
	if page.Empty() {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString(pageContextPreamble)
	if u := strings.TrimSpace(page.URL); u != "" {
		b.WriteString("URL: ")
		b.WriteString(u)
		b.WriteString("\n")
	}
	if title := strings.TrimSpace(page.Title); title != "" {
		b.WriteString("Title: ")
		b.WriteString(title)
		b.WriteString("\n")
	}
	if strings.TrimSpace(page.URL) != "" || strings.TrimSpace(page.Title) != "" {
		b.WriteString("\n")
	}
	b.WriteString(page.Text)
	return b.String()
}

// requestMessages converts a history window to API messages. Assistant
// entries ahead of the first user message are dropped because the API wants
// the conversation to open with a user turn.
func requestMessages(history []conversation.Message) []completion.Message {
	out := make([]completion.Message, 0, len(history))
	for _, m := range history {
		if len(out) == 0 && m.Role != conversation.RoleUser {
			continue
		}
		out = append(out, completion.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
