package tool

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailagent/internal/gmail"
)

// fakeMailbox records every outbound call.
type fakeMailbox struct {
	calls    []string
	search   *gmail.SearchResult
	message  *gmail.Message
	thread   *gmail.Thread
	err      error
	lastSend gmail.Outgoing
	lastReq  gmail.SearchRequest
	lastUser string
	added    []string
	removed  []string
}

func (f *fakeMailbox) record(op, user string) error {
	f.calls = append(f.calls, op)
	f.lastUser = user
	return f.err
}

func (f *fakeMailbox) Search(_ context.Context, user string, req gmail.SearchRequest) (*gmail.SearchResult, error) {
	f.lastReq = req
	if err := f.record("search", user); err != nil {
		return nil, err
	}
	if f.search == nil {
		return &gmail.SearchResult{}, nil
	}
	return f.search, nil
}

func (f *fakeMailbox) Get(_ context.Context, user, _ string, _ gmail.Format) (*gmail.Message, error) {
	if err := f.record("get", user); err != nil {
		return nil, err
	}
	return f.message, nil
}

func (f *fakeMailbox) GetThread(_ context.Context, user, _ string) (*gmail.Thread, error) {
	if err := f.record("get_thread", user); err != nil {
		return nil, err
	}
	return f.thread, nil
}

func (f *fakeMailbox) Send(_ context.Context, user string, msg gmail.Outgoing) (*gmail.SentMessage, error) {
	if err := f.record("send", user); err != nil {
		return nil, err
	}
	f.lastSend = msg
	return &gmail.SentMessage{ID: "sent-1", ThreadID: "t1"}, nil
}

func (f *fakeMailbox) CreateDraft(_ context.Context, user string, msg gmail.Outgoing) (*gmail.Draft, error) {
	if err := f.record("create_draft", user); err != nil {
		return nil, err
	}
	f.lastSend = msg
	return &gmail.Draft{ID: "draft-1"}, nil
}

func (f *fakeMailbox) UpdateDraft(_ context.Context, user, id string, _ gmail.Outgoing) (*gmail.Draft, error) {
	if err := f.record("update_draft", user); err != nil {
		return nil, err
	}
	return &gmail.Draft{ID: id}, nil
}

func (f *fakeMailbox) DeleteDraft(_ context.Context, user, _ string) error {
	return f.record("delete_draft", user)
}

func (f *fakeMailbox) ModifyLabels(_ context.Context, user, _ string, add, remove []string) ([]string, error) {
	if err := f.record("modify_labels", user); err != nil {
		return nil, err
	}
	f.added, f.removed = add, remove
	return add, nil
}

func (f *fakeMailbox) ListLabels(_ context.Context, user string) ([]gmail.Label, error) {
	if err := f.record("list_labels", user); err != nil {
		return nil, err
	}
	return []gmail.Label{{ID: "INBOX", Name: "INBOX", Type: "system"}, {ID: "Label_1", Name: "Receipts", Type: "user"}}, nil
}

func newMailRegistry(mb Mailbox) *Registry {
	reg := NewRegistry(testLogger())
	RegisterMailTools(reg, mb)
	return reg
}

func userCtx() context.Context {
	return WithUser(context.Background(), "user-1")
}

func TestMailTools_Registered(t *testing.T) {
	reg := newMailRegistry(&fakeMailbox{})
	assert.Equal(t, []string{
		"add_labels", "create_draft", "delete_draft", "list_labels", "read_email",
		"read_thread", "remove_labels", "search_emails", "send_email", "update_draft",
	}, reg.Names())
}

func TestMailTools_ValidationMakesNoCalls(t *testing.T) {
	tests := []struct {
		tool string
		args map[string]any
	}{
		{"search_emails", map[string]any{}},
		{"search_emails", map[string]any{"query": "x", "max_results": 51.0}},
		{"search_emails", map[string]any{"query": "x", "max_results": 0.0}},
		{"search_emails", map[string]any{"query": "x", "max_results": "lots"}},
		{"read_email", map[string]any{"message_id": "  "}},
		{"read_email", map[string]any{"message_id": 42.0}},
		{"search_emails", map[string]any{"query": true}},
		{"delete_draft", map[string]any{"draft_id": []any{"d1"}}},
		{"read_thread", map[string]any{}},
		{"send_email", map[string]any{"subject": "hi", "body": "b"}},
		{"send_email", map[string]any{"to": []any{}, "subject": "hi", "body": "b"}},
		{"send_email", map[string]any{"to": []any{"not-an-address"}, "subject": "hi", "body": "b"}},
		{"send_email", map[string]any{"to": []any{"a@example.com"}, "cc": []any{"bad"}, "subject": "hi", "body": "b"}},
		{"send_email", map[string]any{"to": []any{42.0}, "subject": "hi", "body": "b"}},
		{"send_email", map[string]any{"to": []any{"a@example.com"}, "body": "b"}},
		{"send_email", map[string]any{"to": []any{"a@example.com"}, "subject": "hi"}},
		{"create_draft", map[string]any{"to": "", "subject": "hi", "body": "b"}},
		{"update_draft", map[string]any{"to": []any{"a@example.com"}, "subject": "hi", "body": "b"}},
		{"delete_draft", map[string]any{}},
		{"add_labels", map[string]any{"message_id": "m1"}},
		{"add_labels", map[string]any{"message_id": "m1", "label_ids": []any{}}},
		{"remove_labels", map[string]any{"label_ids": []any{"UNREAD"}}},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.tool, i), func(t *testing.T) {
			mb := &fakeMailbox{}
			reg := newMailRegistry(mb)
			out, isErr := reg.Invoke(userCtx(), tt.tool, tt.args)
			assert.True(t, isErr)
			assert.True(t, strings.HasPrefix(out, "Invalid arguments: "), out)
			assert.Empty(t, mb.calls)
		})
	}
}

func TestMailTools_NoUserMakesNoCalls(t *testing.T) {
	mb := &fakeMailbox{}
	reg := newMailRegistry(mb)
	_, isErr := reg.Invoke(context.Background(), "list_labels", nil)
	assert.True(t, isErr)
	assert.Empty(t, mb.calls)
}

func TestSearchEmails_Formats(t *testing.T) {
	mb := &fakeMailbox{search: &gmail.SearchResult{Messages: []gmail.Message{
		{ID: "m1", From: "alice@example.com", Subject: "Lunch", Snippet: "are you free"},
		{ID: "m2", From: "alice@example.com", Subject: "Budget"},
	}}}
	reg := newMailRegistry(mb)
	out, isErr := reg.Invoke(userCtx(), "search_emails", map[string]any{"query": "from:alice@example.com is:unread"})
	require.False(t, isErr, out)
	assert.True(t, strings.HasPrefix(out, "Found 2 emails matching 'from:alice@example.com is:unread':"))
	assert.Contains(t, out, "1. Email ID: m1")
	assert.Contains(t, out, "Subject: Budget")
	assert.Equal(t, "user-1", mb.lastUser)
}

func TestSearchEmails_ListsAtMostTen(t *testing.T) {
	res := &gmail.SearchResult{}
	for i := 0; i < 12; i++ {
		res.Messages = append(res.Messages, gmail.Message{ID: fmt.Sprintf("m%d", i)})
	}
	reg := newMailRegistry(&fakeMailbox{search: res})
	out, _ := reg.Invoke(userCtx(), "search_emails", map[string]any{"query": "x", "max_results": 12.0})
	assert.Contains(t, out, "10. Email ID: m9")
	assert.NotContains(t, out, "11. Email ID")
	assert.Contains(t, out, "... and 2 more emails")
}

func TestSearchEmails_FetchesDetailsOnlyForListed(t *testing.T) {
	mb := &fakeMailbox{}
	reg := newMailRegistry(mb)
	_, isErr := reg.Invoke(userCtx(), "search_emails", map[string]any{"query": "x", "max_results": 50.0})
	require.False(t, isErr)
	assert.Equal(t, 50, mb.lastReq.MaxResults)
	assert.Equal(t, maxListed, mb.lastReq.DetailLimit)
}

func TestSearchEmails_NotesUnfetchedDetails(t *testing.T) {
	mb := &fakeMailbox{search: &gmail.SearchResult{
		Messages: []gmail.Message{
			{ID: "m1", From: "alice@example.com", Subject: "Lunch"},
			{ID: "m2", ThreadID: "t2"},
		},
		Unfetched: 1,
	}}
	reg := newMailRegistry(mb)
	out, isErr := reg.Invoke(userCtx(), "search_emails", map[string]any{"query": "x"})
	require.False(t, isErr, out)
	assert.Contains(t, out, "2. Email ID: m2\n   (details unavailable)")
	assert.Contains(t, out, "details for 1 emails could not be loaded")
}

func TestRequired_RejectsNonStrings(t *testing.T) {
	_, err := required(map[string]any{"message_id": 42.0}, "message_id")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "message_id", ve.Field)
	assert.Equal(t, "must be a string", ve.Message)

	v, err := required(map[string]any{"message_id": "  m1 "}, "message_id")
	require.NoError(t, err)
	assert.Equal(t, "m1", v)
}

func TestSearchEmails_NoResults(t *testing.T) {
	reg := newMailRegistry(&fakeMailbox{})
	out, isErr := reg.Invoke(userCtx(), "search_emails", map[string]any{"query": "is:starred"})
	assert.False(t, isErr)
	assert.Equal(t, "No emails found matching query: is:starred", out)
}

func TestReadEmail_TruncatesBody(t *testing.T) {
	mb := &fakeMailbox{message: &gmail.Message{ID: "m1", From: "a@example.com", Subject: "Long", Body: strings.Repeat("x", 600)}}
	reg := newMailRegistry(mb)
	out, isErr := reg.Invoke(userCtx(), "read_email", map[string]any{"message_id": "m1"})
	require.False(t, isErr)
	assert.Contains(t, out, "From: a@example.com")
	assert.Contains(t, out, "To: Unknown")
	assert.Contains(t, out, strings.Repeat("x", 500)+"...")
	assert.NotContains(t, out, strings.Repeat("x", 501))
}

func TestReadThread(t *testing.T) {
	mb := &fakeMailbox{thread: &gmail.Thread{ID: "t1", Messages: []gmail.Message{{ID: "m1", Body: "first"}, {ID: "m2", Body: "second"}}}}
	reg := newMailRegistry(mb)
	out, isErr := reg.Invoke(userCtx(), "read_thread", map[string]any{"thread_id": "t1"})
	require.False(t, isErr)
	assert.Contains(t, out, "Thread t1 (2 messages):")
	assert.Less(t, strings.Index(out, "first"), strings.Index(out, "second"))
}

func TestSendEmail(t *testing.T) {
	mb := &fakeMailbox{}
	reg := newMailRegistry(mb)
	out, isErr := reg.Invoke(userCtx(), "send_email", map[string]any{
		"to":      []any{"a@example.com", "b@example.com"},
		"subject": "Hi",
		"body":    "Hello",
		"html":    true,
	})
	require.False(t, isErr, out)
	assert.Equal(t, "Email sent successfully to a@example.com, b@example.com. Message ID: sent-1", out)
	assert.True(t, mb.lastSend.HTML)
}

func TestSendEmail_ReplyNeedsNoSubject(t *testing.T) {
	mb := &fakeMailbox{}
	reg := newMailRegistry(mb)
	_, isErr := reg.Invoke(userCtx(), "send_email", map[string]any{
		"to": "a@example.com", "body": "ok", "reply_to_message_id": "m1",
	})
	require.False(t, isErr)
	assert.Equal(t, "m1", mb.lastSend.ReplyToMessageID)
}

func TestDrafts(t *testing.T) {
	mb := &fakeMailbox{}
	reg := newMailRegistry(mb)
	ctx := userCtx()

	out, _ := reg.Invoke(ctx, "create_draft", map[string]any{"to": "a@example.com", "subject": "s", "body": "b"})
	assert.Equal(t, "Draft created successfully for a@example.com. Draft ID: draft-1", out)
	out, _ = reg.Invoke(ctx, "update_draft", map[string]any{"draft_id": "draft-1", "to": "a@example.com", "subject": "s", "body": "b2"})
	assert.Equal(t, "Draft updated successfully for a@example.com. Draft ID: draft-1", out)
	out, _ = reg.Invoke(ctx, "delete_draft", map[string]any{"draft_id": "draft-1"})
	assert.Equal(t, "Draft deleted successfully. Draft ID: draft-1", out)
	assert.Equal(t, []string{"create_draft", "update_draft", "delete_draft"}, mb.calls)
}

func TestLabels(t *testing.T) {
	mb := &fakeMailbox{}
	reg := newMailRegistry(mb)
	out, _ := reg.Invoke(userCtx(), "add_labels", map[string]any{"message_id": "m1", "label_ids": []any{"STARRED", "IMPORTANT"}})
	assert.Equal(t, "Labels applied successfully: STARRED, IMPORTANT", out)
	assert.Equal(t, []string{"STARRED", "IMPORTANT"}, mb.added)

	out, _ = reg.Invoke(userCtx(), "remove_labels", map[string]any{"message_id": "m1", "label_ids": "UNREAD"})
	assert.Equal(t, "Labels removed successfully: UNREAD", out)
	assert.Equal(t, []string{"UNREAD"}, mb.removed)

	out, _ = reg.Invoke(userCtx(), "list_labels", nil)
	assert.Contains(t, out, "Receipts (ID: Label_1, user)")
}

func TestMailTools_ServiceErrorsBecomeText(t *testing.T) {
	mb := &fakeMailbox{err: &gmail.Error{Kind: gmail.KindReauthorizationRequired, Message: "refresh failed"}}
	reg := newMailRegistry(mb)
	out, isErr := reg.Invoke(userCtx(), "search_emails", map[string]any{"query": "x"})
	assert.True(t, isErr)
	assert.Equal(t, "Authentication failed. Please reconnect your Gmail account.", out)
	assert.Len(t, mb.calls, 1)
}
