package tool

import (
	"context"
	"fmt"
	"strings"

	"mailagent/internal/domain"
	"mailagent/internal/gmail"
)

// Mailbox is the mail service surface the tools delegate to.
type Mailbox interface {
	Search(ctx context.Context, userID string, req gmail.SearchRequest) (*gmail.SearchResult, error)
	Get(ctx context.Context, userID, id string, format gmail.Format) (*gmail.Message, error)
	GetThread(ctx context.Context, userID, threadID string) (*gmail.Thread, error)
	Send(ctx context.Context, userID string, msg gmail.Outgoing) (*gmail.SentMessage, error)
	CreateDraft(ctx context.Context, userID string, msg gmail.Outgoing) (*gmail.Draft, error)
	UpdateDraft(ctx context.Context, userID, draftID string, msg gmail.Outgoing) (*gmail.Draft, error)
	DeleteDraft(ctx context.Context, userID, draftID string) error
	ModifyLabels(ctx context.Context, userID, id string, add, remove []string) ([]string, error)
	ListLabels(ctx context.Context, userID string) ([]gmail.Label, error)
}

const (
	maxListed     = 10
	readBodyLimit = 500
)

// RegisterMailTools adds every mail tool backed by mb to r.
func RegisterMailTools(r *Registry, mb Mailbox) {
	for _, t := range MailTools(mb) {
		r.Register(t)
	}
}

// MailTools returns the fixed mail tool set.
func MailTools(mb Mailbox) []domain.Tool {
	return []domain.Tool{
		&SearchEmailsTool{mb: mb},
		&ReadEmailTool{mb: mb},
		&ReadThreadTool{mb: mb},
		&SendEmailTool{mb: mb},
		&CreateDraftTool{mb: mb},
		&UpdateDraftTool{mb: mb},
		&DeleteDraftTool{mb: mb},
		&LabelTool{mb: mb, remove: false},
		&LabelTool{mb: mb, remove: true},
		&ListLabelsTool{mb: mb},
	}
}

func actingUser(ctx context.Context) (string, error) {
	id := UserFrom(ctx)
	if id == "" {
		return "", invalid("", "no user bound to this request")
	}
	return id, nil
}

func required(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return "", invalid(key, "is required")
	}
	s, ok := raw.(string)
	if !ok {
		return "", invalid(key, "must be a string")
	}
	v := strings.TrimSpace(s)
	if v == "" {
		return "", invalid(key, "is required")
	}
	return v, nil
}

// recipients reads and validates an address list argument.
func recipients(args map[string]any, key string, needOne bool) ([]string, error) {
	list, err := ArgsStrings(args, key)
	if err != nil {
		return nil, err
	}
	if needOne && len(list) == 0 {
		return nil, invalid(key, "at least one recipient address is required")
	}
	if _, err := gmail.ParseAddresses(list); err != nil {
		return nil, invalid(key, "%s", err.Error())
	}
	return list, nil
}

// --- search_emails ---

type SearchEmailsTool struct{ mb Mailbox }

func (t *SearchEmailsTool) Name() string { return "search_emails" }
func (t *SearchEmailsTool) Description() string {
	return "Search the user's mailbox with Gmail query syntax (from:, to:, subject:, is:unread, has:attachment, after:YYYY/MM/DD, label:). Returns matching message ids with sender, subject and snippet."
}
func (t *SearchEmailsTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"query":       {Type: "string", Description: "Gmail search query, e.g. from:alice@example.com is:unread"},
			"max_results": {Type: "integer", Description: fmt.Sprintf("Maximum number of messages (1-%d, default 10)", gmail.MaxSearchResults)},
		},
		[]string{"query"},
	)
}

func (t *SearchEmailsTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, err := required(args, "query")
	if err != nil {
		return "", err
	}
	limit, err := ArgsInt(args, "max_results", 10)
	if err != nil {
		return "", err
	}
	if limit < 1 || limit > gmail.MaxSearchResults {
		return "", invalid("max_results", "must be between 1 and %d", gmail.MaxSearchResults)
	}
	user, err := actingUser(ctx)
	if err != nil {
		return "", err
	}

	res, err := t.mb.Search(ctx, user, gmail.SearchRequest{Query: query, MaxResults: limit, DetailLimit: maxListed})
	if err != nil {
		return "", err
	}
	if len(res.Messages) == 0 {
		return "No emails found matching query: " + query, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d emails matching '%s':\n\n", len(res.Messages), query)
	for i, m := range res.Messages {
		if i == maxListed {
			break
		}
		fmt.Fprintf(&sb, "%d. Email ID: %s\n", i+1, m.ID)
		if m.From == "" && m.Subject == "" && m.Snippet == "" {
			sb.WriteString("   (details unavailable)\n")
			continue
		}
		writeField(&sb, "From", m.From)
		writeField(&sb, "Subject", m.Subject)
		writeField(&sb, "Date", m.Date)
		writeField(&sb, "Snippet", m.Snippet)
	}
	if len(res.Messages) > maxListed {
		fmt.Fprintf(&sb, "\n... and %d more emails\n", len(res.Messages)-maxListed)
	}
	if res.Unfetched > 0 {
		fmt.Fprintf(&sb, "\nNote: details for %d emails could not be loaded; use read_email with the id to open them.", res.Unfetched)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func writeField(sb *strings.Builder, name, value string) {
	if value != "" {
		fmt.Fprintf(sb, "   %s: %s\n", name, value)
	}
}

// --- read_email ---

type ReadEmailTool struct{ mb Mailbox }

func (t *ReadEmailTool) Name() string { return "read_email" }
func (t *ReadEmailTool) Description() string {
	return "Read the full content of one email by its message id: sender, recipients, subject, date and body."
}
func (t *ReadEmailTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"message_id": {Type: "string", Description: "Message id returned by search_emails"},
		},
		[]string{"message_id"},
	)
}

func (t *ReadEmailTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	id, err := required(args, "message_id")
	if err != nil {
		return "", err
	}
	user, err := actingUser(ctx)
	if err != nil {
		return "", err
	}
	m, err := t.mb.Get(ctx, user, id, gmail.FormatFull)
	if err != nil {
		return "", err
	}
	return formatMessage(m, "Email Details:"), nil
}

func formatMessage(m *gmail.Message, heading string) string {
	body := m.Body
	if body == "" {
		body = "Body content not available"
	}
	if r := []rune(body); len(r) > readBodyLimit {
		body = string(r[:readBodyLimit]) + "..."
	}
	return fmt.Sprintf("%s\nFrom: %s\nTo: %s\nSubject: %s\nDate: %s\n\nBody:\n%s",
		heading, orDefault(m.From, "Unknown"), orDefault(m.To, "Unknown"),
		orDefault(m.Subject, "No Subject"), orDefault(m.Date, "Unknown"), body)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// --- read_thread ---

type ReadThreadTool struct{ mb Mailbox }

func (t *ReadThreadTool) Name() string { return "read_thread" }
func (t *ReadThreadTool) Description() string {
	return "Read every message of an email thread (conversation) in order."
}
func (t *ReadThreadTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"thread_id": {Type: "string", Description: "Thread id of the conversation"},
		},
		[]string{"thread_id"},
	)
}

func (t *ReadThreadTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	id, err := required(args, "thread_id")
	if err != nil {
		return "", err
	}
	user, err := actingUser(ctx)
	if err != nil {
		return "", err
	}
	th, err := t.mb.GetThread(ctx, user, id)
	if err != nil {
		return "", err
	}
	if len(th.Messages) == 0 {
		return "Thread " + id + " has no messages.", nil
	}
	parts := make([]string, 0, len(th.Messages)+1)
	parts = append(parts, fmt.Sprintf("Thread %s (%d messages):", id, len(th.Messages)))
	for i := range th.Messages {
		parts = append(parts, formatMessage(&th.Messages[i], fmt.Sprintf("--- Message %d (ID: %s) ---", i+1, th.Messages[i].ID)))
	}
	return strings.Join(parts, "\n\n"), nil
}

// --- send_email ---

type SendEmailTool struct{ mb Mailbox }

func (t *SendEmailTool) Name() string { return "send_email" }
func (t *SendEmailTool) Description() string {
	return "Send an email on behalf of the user. Set reply_to_message_id to reply within an existing thread."
}
func (t *SendEmailTool) Parameters() map[string]any {
	return ToolParameters(composeParams(true), []string{"to", "subject", "body"})
}

func composeParams(withReply bool) map[string]Param {
	p := map[string]Param{
		"to":      {Type: "array", Description: "Recipient email addresses"},
		"cc":      {Type: "array", Description: "CC addresses"},
		"bcc":     {Type: "array", Description: "BCC addresses"},
		"subject": {Type: "string", Description: "Subject line"},
		"body":    {Type: "string", Description: "Message body"},
		"html":    {Type: "boolean", Description: "Send the body as HTML"},
	}
	if withReply {
		p["reply_to_message_id"] = Param{Type: "string", Description: "Message id being replied to"}
	}
	return p
}

// outgoing validates the compose arguments shared by send and draft tools.
func outgoing(args map[string]any, needSubject bool) (gmail.Outgoing, error) {
	var msg gmail.Outgoing
	var err error
	if msg.To, err = recipients(args, "to", true); err != nil {
		return msg, err
	}
	if msg.Cc, err = recipients(args, "cc", false); err != nil {
		return msg, err
	}
	if msg.Bcc, err = recipients(args, "bcc", false); err != nil {
		return msg, err
	}
	msg.Subject = strings.TrimSpace(ArgsString(args, "subject"))
	if needSubject && msg.Subject == "" && ArgsString(args, "reply_to_message_id") == "" {
		return msg, invalid("subject", "is required")
	}
	msg.Body = ArgsString(args, "body")
	if strings.TrimSpace(msg.Body) == "" {
		return msg, invalid("body", "is required")
	}
	msg.HTML = ArgsBool(args, "html")
	msg.ReplyToMessageID = strings.TrimSpace(ArgsString(args, "reply_to_message_id"))
	return msg, nil
}

func (t *SendEmailTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	msg, err := outgoing(args, true)
	if err != nil {
		return "", err
	}
	user, err := actingUser(ctx)
	if err != nil {
		return "", err
	}
	sent, err := t.mb.Send(ctx, user, msg)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Email sent successfully to %s. Message ID: %s", strings.Join(msg.To, ", "), sent.ID), nil
}

// --- create_draft ---

type CreateDraftTool struct{ mb Mailbox }

func (t *CreateDraftTool) Name() string { return "create_draft" }
func (t *CreateDraftTool) Description() string {
	return "Create an email draft the user can review and send later."
}
func (t *CreateDraftTool) Parameters() map[string]any {
	return ToolParameters(composeParams(true), []string{"to", "subject", "body"})
}

func (t *CreateDraftTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	msg, err := outgoing(args, true)
	if err != nil {
		return "", err
	}
	user, err := actingUser(ctx)
	if err != nil {
		return "", err
	}
	d, err := t.mb.CreateDraft(ctx, user, msg)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Draft created successfully for %s. Draft ID: %s", strings.Join(msg.To, ", "), d.ID), nil
}

// --- update_draft ---

type UpdateDraftTool struct{ mb Mailbox }

func (t *UpdateDraftTool) Name() string { return "update_draft" }
func (t *UpdateDraftTool) Description() string {
	return "Replace the recipients, subject and body of an existing draft."
}
func (t *UpdateDraftTool) Parameters() map[string]any {
	p := composeParams(false)
	p["draft_id"] = Param{Type: "string", Description: "Draft id returned by create_draft"}
	return ToolParameters(p, []string{"draft_id", "to", "subject", "body"})
}

func (t *UpdateDraftTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	id, err := required(args, "draft_id")
	if err != nil {
		return "", err
	}
	msg, err := outgoing(args, true)
	if err != nil {
		return "", err
	}
	user, err := actingUser(ctx)
	if err != nil {
		return "", err
	}
	d, err := t.mb.UpdateDraft(ctx, user, id, msg)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Draft updated successfully for %s. Draft ID: %s", strings.Join(msg.To, ", "), d.ID), nil
}

// --- delete_draft ---

type DeleteDraftTool struct{ mb Mailbox }

func (t *DeleteDraftTool) Name() string        { return "delete_draft" }
func (t *DeleteDraftTool) Description() string { return "Delete a draft permanently." }
func (t *DeleteDraftTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{"draft_id": {Type: "string", Description: "Draft id to delete"}},
		[]string{"draft_id"},
	)
}

func (t *DeleteDraftTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	id, err := required(args, "draft_id")
	if err != nil {
		return "", err
	}
	user, err := actingUser(ctx)
	if err != nil {
		return "", err
	}
	if err := t.mb.DeleteDraft(ctx, user, id); err != nil {
		return "", err
	}
	return "Draft deleted successfully. Draft ID: " + id, nil
}

// --- add_labels / remove_labels ---

// LabelTool adds or removes labels on one message.
type LabelTool struct {
	mb     Mailbox
	remove bool
}

func (t *LabelTool) Name() string {
	if t.remove {
		return "remove_labels"
	}
	return "add_labels"
}

func (t *LabelTool) Description() string {
	if t.remove {
		return "Remove labels from an email, e.g. UNREAD to mark it read or INBOX to archive it."
	}
	return "Apply labels to an email. Common label ids: INBOX, SPAM, TRASH, UNREAD, STARRED, IMPORTANT. Use list_labels for user labels."
}

func (t *LabelTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"message_id": {Type: "string", Description: "Message id to modify"},
			"label_ids":  {Type: "array", Description: "Label ids"},
		},
		[]string{"message_id", "label_ids"},
	)
}

func (t *LabelTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	id, err := required(args, "message_id")
	if err != nil {
		return "", err
	}
	labels, err := ArgsStrings(args, "label_ids")
	if err != nil {
		return "", err
	}
	if len(labels) == 0 {
		return "", invalid("label_ids", "at least one label id is required")
	}
	user, err := actingUser(ctx)
	if err != nil {
		return "", err
	}
	if t.remove {
		if _, err := t.mb.ModifyLabels(ctx, user, id, nil, labels); err != nil {
			return "", err
		}
		return "Labels removed successfully: " + strings.Join(labels, ", "), nil
	}
	if _, err := t.mb.ModifyLabels(ctx, user, id, labels, nil); err != nil {
		return "", err
	}
	return "Labels applied successfully: " + strings.Join(labels, ", "), nil
}

// --- list_labels ---

type ListLabelsTool struct{ mb Mailbox }

func (t *ListLabelsTool) Name() string        { return "list_labels" }
func (t *ListLabelsTool) Description() string { return "List the mailbox labels with their ids." }
func (t *ListLabelsTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{}, nil)
}

func (t *ListLabelsTool) Execute(ctx context.Context, _ map[string]any) (string, error) {
	user, err := actingUser(ctx)
	if err != nil {
		return "", err
	}
	labels, err := t.mb.ListLabels(ctx, user)
	if err != nil {
		return "", err
	}
	if len(labels) == 0 {
		return "No labels found.", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d labels:\n", len(labels))
	for _, l := range labels {
		fmt.Fprintf(&sb, "- %s (ID: %s, %s)\n", l.Name, l.ID, l.Type)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
