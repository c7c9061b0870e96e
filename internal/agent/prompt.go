package agent

import (
	"fmt"
	"strings"
	"time"

	"mailagent/internal/domain"
)

const baseSystemPrompt = `You are an intelligent email management assistant with access to the user's Gmail account.

Your capabilities include:
- Searching for emails using Gmail query syntax
- Reading email content and threads
- Sending emails (plain text or HTML)
- Creating, updating and deleting drafts
- Applying and removing labels
- Providing summaries and insights about emails

When users ask you to perform email operations:
1. Understand their intent clearly
2. If the request is ambiguous, ask clarifying questions
3. Use the appropriate tools to complete the task
4. Provide clear, natural language responses about what you did
5. If a tool reports an error, explain it in user-friendly terms

Gmail query syntax examples:
- from:sender@example.com - emails from a specific sender
- subject:meeting - emails with "meeting" in subject
- is:unread - unread emails
- has:attachment - emails with attachments
- after:2024/01/01 - emails after a date
- label:important - emails with a specific label

Never send an email the user has not clearly asked for. Be helpful, concise and accurate.
Protect user privacy and never share sensitive information.`

// PromptBuilder assembles the message list for one inference call.
type PromptBuilder struct {
	extra        string
	historyLimit int
	now          func() time.Time
}

func NewPromptBuilder(extra string, historyLimit int) *PromptBuilder {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &PromptBuilder{extra: strings.TrimSpace(extra), historyLimit: historyLimit, now: time.Now}
}

// SystemPrompt returns the system instructions.
func (p *PromptBuilder) SystemPrompt() string {
	var sb strings.Builder
	sb.WriteString(baseSystemPrompt)
	fmt.Fprintf(&sb, "\n\nCurrent date: %s", p.now().UTC().Format("2006-01-02 (Monday)"))
	if p.extra != "" {
		sb.WriteString("\n\n")
		sb.WriteString(p.extra)
	}
	return sb.String()
}

// BuildMessages returns system + replayed history + the new user message.
func (p *PromptBuilder) BuildMessages(history []domain.Turn, userText string) []domain.Message {
	replay := historyToMessages(trimHistory(history, p.historyLimit))
	msgs := make([]domain.Message, 0, len(replay)+2)
	msgs = append(msgs, domain.Message{Role: "system", Content: p.SystemPrompt()})
	msgs = append(msgs, replay...)
	msgs = append(msgs, domain.Message{Role: "user", Content: userText})
	return msgs
}

// trimHistory keeps at most limit turns, starting at a user turn so tool
// records are never replayed without the call that produced them.
func trimHistory(turns []domain.Turn, limit int) []domain.Turn {
	if len(turns) <= limit {
		return turns
	}
	tail := turns[len(turns)-limit:]
	for i, t := range tail {
		if t.Kind == domain.TurnUser {
			return tail[i:]
		}
	}
	return nil
}

// historyToMessages converts stored turns into provider messages. A run of
// tool call records becomes one assistant message followed by its results.
// Diagnostic turns are not replayed.
func historyToMessages(turns []domain.Turn) []domain.Message {
	var out []domain.Message
	for i := 0; i < len(turns); {
		t := turns[i]
		switch t.Kind {
		case domain.TurnUser:
			out = append(out, domain.Message{Role: "user", Content: t.Content})
			i++
		case domain.TurnAssistant:
			out = append(out, domain.Message{Role: "assistant", Content: t.Content})
			i++
		case domain.TurnToolCall:
			j := i
			call := domain.Message{Role: "assistant", Content: t.Content}
			var results []domain.Message
			for ; j < len(turns) && turns[j].Kind == domain.TurnToolCall; j++ {
				tc := turns[j]
				call.ToolCalls = append(call.ToolCalls, domain.ToolCall{ID: tc.ToolCallID, Name: tc.ToolName, Arguments: tc.Arguments})
				results = append(results, domain.Message{
					Role:       "tool",
					Content:    tc.Result,
					ToolCallID: tc.ToolCallID,
					ToolName:   tc.ToolName,
					IsError:    tc.IsError,
				})
			}
			out = append(out, call)
			out = append(out, results...)
			i = j
		default:
			i++
		}
	}
	return out
}
