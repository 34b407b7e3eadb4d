package netclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/wire"
)

// ChangesPage is one page of the change feed.
type ChangesPage struct {
	Entities []*models.Entity `json:"entities"`
	// Cursor is the highest version in the page; pass it as since for the
	// next page.
	Cursor  int64 `json:"cursor"`
	HasMore bool  `json:"hasMore"`
}

// PushMutation sends one queued mutation and returns the server's resulting
// entity state. A stale base version yields *common.VersionConflictError.
func (c *Client) PushMutation(ctx context.Context, m *models.PendingMutation) (*models.Entity, error) {
	opts := []RequestOption{
		WithHeader(wire.HeaderIdempotencyKey, m.IdempotencyKey),
		WithHeader(wire.HeaderIfMatch, strconv.FormatInt(m.BaseVersion, 10)),
	}
	collection := "/v1/" + m.Kind.Collection()

	var (
		resp *Response
		err  error
	)
	switch m.Op {
	case models.OpCreate:
		resp, err = c.Do(ctx, http.MethodPost, collection, wire.MutationRequest{ID: m.EntityID, Payload: m.Payload}, opts...)
	case models.OpUpdate:
		resp, err = c.Do(ctx, http.MethodPut, collection+"/"+url.PathEscape(m.EntityID), wire.MutationRequest{Payload: m.Payload}, opts...)
	case models.OpDelete:
		resp, err = c.Do(ctx, http.MethodDelete, collection+"/"+url.PathEscape(m.EntityID), nil, opts...)
	default:
		return nil, fmt.Errorf("unknown mutation op %q", m.Op)
	}
	if err != nil {
		return nil, fmt.Errorf("push %s %s: %w", m.Op, m.EntityID, err)
	}

	var e models.Entity
	if err := resp.Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Changes returns entities whose version is greater than since.
func (c *Client) Changes(ctx context.Context, since int64, limit int) (*ChangesPage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.Do(ctx, http.MethodGet, "/v1/changes", nil, WithQuery(q))
	if err != nil {
		return nil, fmt.Errorf("changes since %d: %w", since, err)
	}
	var page ChangesPage
	if err := resp.Decode(&page); err != nil {
		return nil, err
	}
	return &page, nil
}

// RoomChanges pages the history of one room regardless of the caller's
// cursor. It is used to backfill a household after joining it.
func (c *Client) RoomChanges(ctx context.Context, roomID string, since int64, limit int) (*ChangesPage, error) {
	q := url.Values{}
	q.Set("room", roomID)
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.Do(ctx, http.MethodGet, "/v1/changes", nil, WithQuery(q))
	if err != nil {
		return nil, fmt.Errorf("room %s changes since %d: %w", roomID, since, err)
	}
	var page ChangesPage
	if err := resp.Decode(&page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchEntity returns the current server state, tombstones included.
func (c *Client) FetchEntity(ctx context.Context, kind domain.Kind, id string) (*models.Entity, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/v1/"+kind.Collection()+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", kind, id, err)
	}
	var e models.Entity
	if err := resp.Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// JoinHousehold adds the current user to the household owning inviteCode
// and returns that household.
func (c *Client) JoinHousehold(ctx context.Context, inviteCode string) (*models.Entity, error) {
	resp, err := c.Do(ctx, http.MethodPost, "/v1/households/join", wire.JoinRequest{InviteCode: inviteCode})
	if err != nil {
		return nil, fmt.Errorf("join household: %w", err)
	}
	var e models.Entity
	if err := resp.Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// AttachmentUploadURL asks for a presigned URL to upload a task attachment.
func (c *Client) AttachmentUploadURL(ctx context.Context, taskID, fileName, contentType string) (*wire.AttachmentResponse, error) {
	resp, err := c.Do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/attachments",
		wire.AttachmentRequest{FileName: fileName, ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("attachment url: %w", err)
	}
	var out wire.AttachmentResponse
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
