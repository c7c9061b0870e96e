package gmail

import (
	"context"
	"strconv"

	gmailapi "google.golang.org/api/gmail/v1"
)

// MaxSearchResults is the ceiling for a single search page.
const MaxSearchResults = 50

// DefaultDetailLimit is how many search hits get their headers fetched.
const DefaultDetailLimit = 10

var metadataHeaders = []string{"From", "To", "Cc", "Subject", "Date", "Message-ID", "References"}

// Search lists messages matching a query and fetches metadata for the first
// DetailLimit hits. A failed metadata fetch leaves that hit with its ids only;
// after a rate-limit denial no further fetches are attempted.
func (c *Client) Search(ctx context.Context, userID string, req SearchRequest) (*SearchResult, error) {
	if req.MaxResults <= 0 {
		req.MaxResults = 10
	}
	if req.MaxResults > MaxSearchResults {
		return nil, &Error{Kind: KindValidation, Message: "maxResults may not exceed " + strconv.Itoa(MaxSearchResults)}
	}
	if req.DetailLimit <= 0 {
		req.DetailLimit = DefaultDetailLimit
	}

	var list *gmailapi.ListMessagesResponse
	err := c.do(ctx, userID, call{op: "search", run: func(ctx context.Context, svc *gmailapi.Service) error {
		lc := svc.Users.Messages.List(me).MaxResults(int64(req.MaxResults)).Context(ctx)
		if req.Query != "" {
			lc = lc.Q(req.Query)
		}
		if req.PageToken != "" {
			lc = lc.PageToken(req.PageToken)
		}
		var err error
		list, err = lc.Do()
		return err
	}})
	if err != nil {
		return nil, err
	}

	res := &SearchResult{NextPageToken: list.NextPageToken, EstimatedTotal: int(list.ResultSizeEstimate)}
	throttled := false
	for i, ref := range list.Messages {
		hit := Message{ID: ref.Id, ThreadID: ref.ThreadId}
		if i >= req.DetailLimit {
			res.Messages = append(res.Messages, hit)
			continue
		}
		if throttled {
			res.Unfetched++
			res.Messages = append(res.Messages, hit)
			continue
		}
		msg, err := c.Get(ctx, userID, ref.Id, FormatMetadata)
		switch {
		case err == nil:
			res.Messages = append(res.Messages, *msg)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case IsKind(err, KindNotFound):
		default:
			throttled = IsKind(err, KindRateLimited)
			c.logger.Warn("search hit metadata unavailable", "user_id", userID, "id", ref.Id, "error", err)
			res.Unfetched++
			res.Messages = append(res.Messages, hit)
		}
	}
	return res, nil
}

// Get fetches one message.
func (c *Client) Get(ctx context.Context, userID, id string, format Format) (*Message, error) {
	if id == "" {
		return nil, &Error{Kind: KindValidation, Message: "message id is required"}
	}
	if format == "" {
		format = FormatFull
	}
	var m *gmailapi.Message
	err := c.do(ctx, userID, call{op: "get", run: func(ctx context.Context, svc *gmailapi.Service) error {
		gc := svc.Users.Messages.Get(me, id).Format(string(format)).Context(ctx)
		if format == FormatMetadata {
			gc = gc.MetadataHeaders(metadataHeaders...)
		}
		var err error
		m, err = gc.Do()
		return err
	}})
	if err != nil {
		return nil, err
	}
	return parseMessage(m), nil
}

// GetThread fetches every message of a thread.
func (c *Client) GetThread(ctx context.Context, userID, threadID string) (*Thread, error) {
	if threadID == "" {
		return nil, &Error{Kind: KindValidation, Message: "thread id is required"}
	}
	var t *gmailapi.Thread
	err := c.do(ctx, userID, call{op: "get_thread", run: func(ctx context.Context, svc *gmailapi.Service) error {
		var err error
		t, err = svc.Users.Threads.Get(me, threadID).Format(string(FormatFull)).Context(ctx).Do()
		return err
	}})
	if err != nil {
		return nil, err
	}
	out := &Thread{ID: t.Id}
	for _, m := range t.Messages {
		out.Messages = append(out.Messages, *parseMessage(m))
	}
	return out, nil
}

// Send composes and sends a message. Replies are threaded onto the original.
func (c *Client) Send(ctx context.Context, userID string, msg Outgoing) (*SentMessage, error) {
	payload, err := c.compose(ctx, userID, msg)
	if err != nil {
		return nil, err
	}
	var sent *gmailapi.Message
	err = c.do(ctx, userID, call{op: "send", run: func(ctx context.Context, svc *gmailapi.Service) error {
		var err error
		sent, err = svc.Users.Messages.Send(me, payload).Context(ctx).Do()
		return err
	}})
	if err != nil {
		return nil, err
	}
	return sentMessage(sent), nil
}

// ModifyLabels adds and removes labels on a message and returns its labels.
func (c *Client) ModifyLabels(ctx context.Context, userID, id string, add, remove []string) ([]string, error) {
	if id == "" {
		return nil, &Error{Kind: KindValidation, Message: "message id is required"}
	}
	if len(add) == 0 && len(remove) == 0 {
		return nil, &Error{Kind: KindValidation, Message: "no labels to add or remove"}
	}
	req := &gmailapi.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	var m *gmailapi.Message
	err := c.do(ctx, userID, call{op: "modify_labels", run: func(ctx context.Context, svc *gmailapi.Service) error {
		var err error
		m, err = svc.Users.Messages.Modify(me, id, req).Context(ctx).Do()
		return err
	}})
	if err != nil {
		return nil, err
	}
	return m.LabelIds, nil
}

func (c *Client) ListLabels(ctx context.Context, userID string) ([]Label, error) {
	var resp *gmailapi.ListLabelsResponse
	err := c.do(ctx, userID, call{op: "list_labels", run: func(ctx context.Context, svc *gmailapi.Service) error {
		var err error
		resp, err = svc.Users.Labels.List(me).Context(ctx).Do()
		return err
	}})
	if err != nil {
		return nil, err
	}
	out := make([]Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		out = append(out, Label{ID: l.Id, Name: l.Name, Type: l.Type})
	}
	return out, nil
}

// compose builds the raw payload, resolving reply threading when requested.
func (c *Client) compose(ctx context.Context, userID string, msg Outgoing) (*gmailapi.Message, error) {
	var original *Message
	if msg.ReplyToMessageID != "" {
		var err error
		original, err = c.Get(ctx, userID, msg.ReplyToMessageID, FormatMetadata)
		if err != nil {
			return nil, err
		}
	}
	raw, err := buildRaw(msg, original)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	}
	out := &gmailapi.Message{Raw: raw}
	if original != nil {
		out.ThreadId = original.ThreadID
	}
	return out, nil
}

func sentMessage(m *gmailapi.Message) *SentMessage {
	if m == nil {
		return &SentMessage{}
	}
	return &SentMessage{ID: m.Id, ThreadID: m.ThreadId, LabelIDs: m.LabelIds}
}
