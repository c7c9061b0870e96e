package gmail

import (
	"context"

	gmailapi "google.golang.org/api/gmail/v1"
)

func (c *Client) CreateDraft(ctx context.Context, userID string, msg Outgoing) (*Draft, error) {
	payload, err := c.compose(ctx, userID, msg)
	if err != nil {
		return nil, err
	}
	var d *gmailapi.Draft
	err = c.do(ctx, userID, call{op: "create_draft", run: func(ctx context.Context, svc *gmailapi.Service) error {
		var err error
		d, err = svc.Users.Drafts.Create(me, &gmailapi.Draft{Message: payload}).Context(ctx).Do()
		return err
	}})
	if err != nil {
		return nil, err
	}
	return draft(d), nil
}

// UpdateDraft replaces the draft's content.
func (c *Client) UpdateDraft(ctx context.Context, userID, draftID string, msg Outgoing) (*Draft, error) {
	if draftID == "" {
		return nil, &Error{Kind: KindValidation, Message: "draft id is required"}
	}
	payload, err := c.compose(ctx, userID, msg)
	if err != nil {
		return nil, err
	}
	var d *gmailapi.Draft
	err = c.do(ctx, userID, call{op: "update_draft", run: func(ctx context.Context, svc *gmailapi.Service) error {
		var err error
		d, err = svc.Users.Drafts.Update(me, draftID, &gmailapi.Draft{Id: draftID, Message: payload}).Context(ctx).Do()
		return err
	}})
	if err != nil {
		return nil, err
	}
	return draft(d), nil
}

func (c *Client) DeleteDraft(ctx context.Context, userID, draftID string) error {
	if draftID == "" {
		return &Error{Kind: KindValidation, Message: "draft id is required"}
	}
	return c.do(ctx, userID, call{op: "delete_draft", run: func(ctx context.Context, svc *gmailapi.Service) error {
		return svc.Users.Drafts.Delete(me, draftID).Context(ctx).Do()
	}})
}

func draft(d *gmailapi.Draft) *Draft {
	if d == nil {
		return &Draft{}
	}
	return &Draft{ID: d.Id, Message: *sentMessage(d.Message)}
}
