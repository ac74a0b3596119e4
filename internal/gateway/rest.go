package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/matheus3301/msync/internal/cache"
)

// SendPayload is the body of a message send. The same shape is used for
// live sends and offline-queue replays so the server cannot tell them
// apart.
type SendPayload struct {
	ConversationID string            `json:"-"`
	ClientID       string            `json:"clientId"`
	Body           string            `json:"body"`
	ReplyToID      string            `json:"replyingTo,omitempty"`
	Attachment     *cache.Attachment `json:"file,omitempty"`
}

// History fetches messages for a conversation newer than afterMs.
// afterMs == 0 requests full history.
func (c *Client) History(ctx context.Context, conversationID string, afterMs int64) ([]cache.Message, error) {
	path := fmt.Sprintf("/v1/conversations/%s/messages", url.PathEscape(conversationID))
	if afterMs > 0 {
		path += fmt.Sprintf("?after=%d", afterMs)
	}
	var out struct {
		Messages []cache.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return out.Messages, nil
}

// SendMessage posts a message and returns the server-confirmed version.
func (c *Client) SendMessage(ctx context.Context, p SendPayload) (cache.Message, error) {
	path := fmt.Sprintf("/v1/conversations/%s/messages", url.PathEscape(p.ConversationID))
	var out cache.Message
	if err := c.do(ctx, http.MethodPost, path, p, &out); err != nil {
		return cache.Message{}, fmt.Errorf("send message: %w", err)
	}
	return out, nil
}

// MarkRead records the caller's read position in a conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID, lastMessageID string) error {
	path := fmt.Sprintf("/v1/conversations/%s/read", url.PathEscape(conversationID))
	body := map[string]string{"lastMessageId": lastMessageID}
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// React adds a reaction to a message.
func (c *Client) React(ctx context.Context, messageID, emoji string) error {
	path := fmt.Sprintf("/v1/messages/%s/reactions", url.PathEscape(messageID))
	body := map[string]string{"emoji": emoji}
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("react: %w", err)
	}
	return nil
}

// JoinGroup adds the caller to a group conversation.
func (c *Client) JoinGroup(ctx context.Context, groupID string) error {
	path := fmt.Sprintf("/v1/groups/%s/members", url.PathEscape(groupID))
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("join group: %w", err)
	}
	return nil
}

// LeaveGroup removes the caller from a group conversation.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	path := fmt.Sprintf("/v1/groups/%s/members/me", url.PathEscape(groupID))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("leave group: %w", err)
	}
	return nil
}
