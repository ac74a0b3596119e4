package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/msync/internal/cache"
	"github.com/matheus3301/msync/internal/errs"
	"github.com/matheus3301/msync/internal/store"
	"go.uber.org/zap"
)

// Offline action payloads, persisted as JSON in the actions table.
type MessageAction struct {
	ConversationID string `json:"conversation_id"`
	LocalID        string `json:"local_id"`
	Body           string `json:"body"`
	ReplyToID      string `json:"reply_to_id,omitempty"`
}

type ReactionAction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type ReadAction struct {
	ConversationID string `json:"conversation_id"`
	LastMessageID  string `json:"last_message_id"`
}

type GroupAction struct {
	GroupID string `json:"group_id"`
}

// LiveSend attempts delivery over an open realtime channel. The second
// return is false when no connected channel exists for the conversation,
// in which case the executor falls back to REST.
type LiveSend func(ctx context.Context, p SendPayload) (cache.Message, bool, error)

// ActionExecutor replays queued offline actions against the backend.
// Message sends prefer the realtime channel when one is connected and
// reconcile the optimistic cache entry with the confirmed message.
type ActionExecutor struct {
	rest   *Client
	live   LiveSend
	cache  *cache.Cache
	logger *zap.Logger
}

// NewExecutor wires an executor. live may be nil, forcing REST delivery.
func NewExecutor(rest *Client, live LiveSend, mc *cache.Cache, logger *zap.Logger) *ActionExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActionExecutor{rest: rest, live: live, cache: mc, logger: logger.Named("executor")}
}

// Execute replays one action. A payload that cannot be decoded can never
// succeed and is reported as a conflict so the queue drops it.
func (e *ActionExecutor) Execute(ctx context.Context, a store.Action) error {
	switch a.Type {
	case "message":
		var p MessageAction
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return &errs.Conflict{Status: 0, Body: fmt.Sprintf("malformed message payload: %v", err)}
		}
		return e.sendMessage(ctx, p)
	case "reaction":
		var p ReactionAction
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return &errs.Conflict{Status: 0, Body: fmt.Sprintf("malformed reaction payload: %v", err)}
		}
		return e.rest.React(ctx, p.MessageID, p.Emoji)
	case "read_status":
		var p ReadAction
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return &errs.Conflict{Status: 0, Body: fmt.Sprintf("malformed read payload: %v", err)}
		}
		return e.rest.MarkRead(ctx, p.ConversationID, p.LastMessageID)
	case "join_group":
		var p GroupAction
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return &errs.Conflict{Status: 0, Body: fmt.Sprintf("malformed group payload: %v", err)}
		}
		return e.rest.JoinGroup(ctx, p.GroupID)
	case "leave_group":
		var p GroupAction
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return &errs.Conflict{Status: 0, Body: fmt.Sprintf("malformed group payload: %v", err)}
		}
		return e.rest.LeaveGroup(ctx, p.GroupID)
	default:
		return &errs.Conflict{Status: 0, Body: fmt.Sprintf("unknown action type %q", a.Type)}
	}
}

func (e *ActionExecutor) sendMessage(ctx context.Context, p MessageAction) error {
	payload := SendPayload{
		ConversationID: p.ConversationID,
		ClientID:       p.LocalID,
		Body:           p.Body,
		ReplyToID:      p.ReplyToID,
	}

	if e.live != nil {
		confirmed, delivered, err := e.live(ctx, payload)
		if delivered {
			if err != nil {
				return err
			}
			e.reconcile(p.LocalID, confirmed)
			return nil
		}
		// No connected channel; fall through to REST.
	}

	confirmed, err := e.rest.SendMessage(ctx, payload)
	if err != nil {
		return err
	}
	e.reconcile(p.LocalID, confirmed)
	return nil
}

func (e *ActionExecutor) reconcile(localID string, confirmed cache.Message) {
	if e.cache == nil || localID == "" {
		return
	}
	e.cache.Reconcile(localID, confirmed)
}
