package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/cache"
	"github.com/matheus3301/msync/internal/realtime"
	"github.com/matheus3301/msync/internal/store"
	"go.uber.org/zap"
)

// Store is the persistence surface the engine writes confirmed messages
// through.
type Store interface {
	UpsertMessage(*store.Message) error
	UpsertMessages([]store.Message) error
	MessagesAfter(conversationID string, afterTs int64, limit int) ([]store.Message, error)
	DeleteMessage(conversationID, msgID string) error
	SetWatermark(conversationID string, ts int64) error
	GetWatermark(conversationID string) (int64, error)
}

// Engine ingests realtime events into the cache and the store. It is the
// only writer of confirmed messages and of the per-conversation
// watermark, so ordering is a single-goroutine concern.
type Engine struct {
	cache  *cache.Cache
	store  Store
	bus    *bus.Bus
	logger *zap.Logger

	sweepInterval time.Duration
	hydrateLimit  int
}

// New creates an ingestion engine. sweepInterval paces the
// pending-expiry sweep.
func New(mc *cache.Cache, s Store, b *bus.Bus, logger *zap.Logger, sweepInterval time.Duration) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	return &Engine{
		cache:         mc,
		store:         s,
		bus:           b,
		logger:        logger.Named("syncer"),
		sweepInterval: sweepInterval,
		hydrateLimit:  500,
	}
}

// Start runs the ingestion loop until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	events, unsub := e.bus.Subscribe("rt.", 64)
	defer unsub()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case evt := <-events:
			e.handle(evt)
		case <-ticker.C:
			e.cache.ExpirePending()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handle(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case realtime.HistoryBatch:
		e.ingest(p.RoomID, p.Messages)
	case realtime.Push:
		e.ingest(p.RoomID, []cache.Message{p.Message})
	case realtime.Deletion:
		e.cache.Delete(p.RoomID, p.MessageID)
		if err := e.store.DeleteMessage(p.RoomID, p.MessageID); err != nil {
			e.logger.Error("delete message", zap.Error(err))
		}
	}
}

// ingest merges confirmed messages into the cache, persists them and
// advances the conversation watermark.
func (e *Engine) ingest(conversationID string, msgs []cache.Message) {
	if len(msgs) == 0 {
		return
	}
	e.cache.Merge(conversationID, msgs)

	rows := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue // never persist unconfirmed entries
		}
		rows = append(rows, toRow(m))
	}
	if err := e.store.UpsertMessages(rows); err != nil {
		e.logger.Error("persist messages",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}

	if w := e.cache.Watermark(conversationID); w > 0 {
		if err := e.store.SetWatermark(conversationID, w); err != nil {
			e.logger.Error("advance watermark", zap.Error(err))
		}
	}
}

// Hydrate loads persisted history for a conversation into the cache.
// Called when a conversation is opened, before the room join completes.
func (e *Engine) Hydrate(conversationID string) error {
	rows, err := e.store.MessagesAfter(conversationID, 0, e.hydrateLimit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	msgs := make([]cache.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, fromRow(r))
	}
	e.cache.Merge(conversationID, msgs)
	return nil
}

// Watermark returns the persisted watermark for a conversation, falling
// back to the in-memory one.
func (e *Engine) Watermark(conversationID string) int64 {
	if w, err := e.store.GetWatermark(conversationID); err == nil && w > 0 {
		return w
	}
	return e.cache.Watermark(conversationID)
}

func toRow(m cache.Message) store.Message {
	var attachment string
	if m.Attachment != nil {
		if raw, err := json.Marshal(m.Attachment); err == nil {
			attachment = string(raw)
		}
	}
	return store.Message{
		ConversationID: m.ConversationID,
		MsgID:          m.ID,
		SenderID:       m.Sender.ID,
		SenderName:     m.Sender.Name,
		Body:           m.Body,
		ReplyToID:      m.ReplyToID,
		Attachment:     attachment,
		CreatedAt:      m.CreatedAt,
	}
}

func fromRow(r store.Message) cache.Message {
	m := cache.Message{
		ID:             r.MsgID,
		ConversationID: r.ConversationID,
		Sender:         cache.Sender{ID: r.SenderID, Name: r.SenderName},
		Body:           r.Body,
		ReplyToID:      r.ReplyToID,
		CreatedAt:      r.CreatedAt,
		Delivery:       cache.Confirmed,
	}
	if r.Attachment != "" {
		var a cache.Attachment
		if err := json.Unmarshal([]byte(r.Attachment), &a); err == nil {
			m.Attachment = &a
		}
	}
	return m
}
