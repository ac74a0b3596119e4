package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/msync/internal/bus"
	"go.uber.org/zap"
)

// Cache is the canonical, ordered, deduplicated per-conversation message
// store. The same logical message can arrive three ways (history fetch,
// realtime push, local optimistic insert); Merge folds them into one
// timeline. All mutation goes through this API; readers get copies.
type Cache struct {
	bucketMS      int64
	pendingWindow time.Duration
	bus           *bus.Bus
	logger        *zap.Logger
	now           func() time.Time

	mu      sync.Mutex
	convs   map[string]*conversation
	byLocal map[string]string // localID -> conversationID
	seq     int64
}

type conversation struct {
	msgs []Message // sorted ascending by (CreatedAt, seq)
}

// New creates a cache. bucketMS is the composite-key time bucket width
// used to match an optimistic entry to its server echo; pendingWindow is
// how long an entry may stay pending before it is surfaced as failed.
func New(bucketMS int64, pendingWindow time.Duration, b *bus.Bus, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		bucketMS:      bucketMS,
		pendingWindow: pendingWindow,
		bus:           b,
		logger:        logger,
		now:           time.Now,
		convs:         make(map[string]*conversation),
		byLocal:       make(map[string]string),
	}
}

// Merge folds an incoming batch into the conversation timeline and
// returns the merged, ordered snapshot. Merge is idempotent: repeating
// or overlapping batches never change the final set or order.
//
// Two passes. Identity pass: entries sharing a server id collapse to the
// freshest CreatedAt version, keeping the earliest insertion position.
// Composite pass: a confirmed arrival whose (sender, normalized body,
// time bucket) key matches a still-pending local entry replaces that
// entry instead of appending, which is what stops a socket echo of our
// own send from showing up twice.
func (c *Cache) Merge(conversationID string, incoming []Message) []Message {
	c.mu.Lock()
	conv := c.conv(conversationID)

	byID := make(map[string]int, len(conv.msgs))
	pendingByKey := make(map[compositeKey]int)
	for i, m := range conv.msgs {
		if m.ID != "" {
			byID[m.ID] = i
		} else if m.Delivery == Pending {
			pendingByKey[c.key(m)] = i
		}
	}

	changed := false
	for _, in := range incoming {
		in.ConversationID = conversationID
		if in.Delivery == "" {
			in.Delivery = Confirmed
		}

		if in.ID != "" {
			if i, ok := byID[in.ID]; ok {
				// Freshest server-confirmed version wins over an older
				// placeholder; position (seq) is retained.
				if in.CreatedAt >= conv.msgs[i].CreatedAt {
					if c.replaceAt(conv, i, in) {
						changed = true
					}
				}
				continue
			}
			if i, ok := c.matchPending(pendingByKey, in); ok {
				// Optimistic entry reconciled by its echo: replace in
				// place rather than append.
				delete(pendingByKey, c.key(conv.msgs[i]))
				c.replaceAt(conv, i, in)
				byID[in.ID] = i
				changed = true
				continue
			}
			c.seq++
			in.seq = c.seq
			conv.msgs = append(conv.msgs, in)
			byID[in.ID] = len(conv.msgs) - 1
			changed = true
			continue
		}

		// Id-less entries only enter through InsertOptimistic; an id-less
		// message inside a merge batch is deduplicated by composite key.
		if _, ok := pendingByKey[c.key(in)]; ok {
			continue
		}
		c.seq++
		in.seq = c.seq
		in.insertedAt = c.now().UnixMilli()
		conv.msgs = append(conv.msgs, in)
		pendingByKey[c.key(in)] = len(conv.msgs) - 1
		changed = true
	}

	sortConv(conv)
	out := snapshot(conv)
	c.mu.Unlock()

	if changed {
		c.publish("message.merged", conversationID)
	}
	return out
}

// InsertOptimistic adds a locally-created pending entry and returns its
// client-generated temporary id.
func (c *Cache) InsertOptimistic(conversationID string, m Message) string {
	c.mu.Lock()
	conv := c.conv(conversationID)

	m.ID = ""
	m.LocalID = uuid.New().String()
	m.ConversationID = conversationID
	m.Delivery = Pending
	if m.CreatedAt == 0 {
		m.CreatedAt = c.now().UnixMilli()
	}
	m.insertedAt = c.now().UnixMilli()
	c.seq++
	m.seq = c.seq

	conv.msgs = append(conv.msgs, m)
	sortConv(conv)
	c.byLocal[m.LocalID] = conversationID
	localID := m.LocalID
	c.mu.Unlock()

	c.publish("message.merged", conversationID)
	return localID
}

// Reconcile replaces the pending entry identified by localID with its
// server-confirmed version. Unknown or already-reconciled localIDs merge
// the confirmed message normally, which stays idempotent.
func (c *Cache) Reconcile(localID string, confirmed Message) {
	c.mu.Lock()
	convID, ok := c.byLocal[localID]
	if !ok {
		c.mu.Unlock()
		if confirmed.ConversationID != "" {
			c.Merge(confirmed.ConversationID, []Message{confirmed})
		}
		return
	}
	conv := c.conv(convID)
	confirmed.ConversationID = convID
	confirmed.Delivery = Confirmed
	confirmed.LocalID = localID

	replaced := false
	for i := range conv.msgs {
		if conv.msgs[i].LocalID == localID && conv.msgs[i].Delivery != Confirmed {
			c.replaceAt(conv, i, confirmed)
			replaced = true
			break
		}
	}
	if !replaced {
		c.seq++
		confirmed.seq = c.seq
		conv.msgs = append(conv.msgs, confirmed)
	}
	delete(c.byLocal, localID)
	sortConv(conv)
	c.mu.Unlock()

	c.publish("message.merged", convID)
}

// MarkFailed transitions a pending entry to failed for UI retry.
func (c *Cache) MarkFailed(localID string) {
	c.mu.Lock()
	convID, ok := c.byLocal[localID]
	if !ok {
		c.mu.Unlock()
		return
	}
	conv := c.conv(convID)
	for i := range conv.msgs {
		if conv.msgs[i].LocalID == localID && conv.msgs[i].Delivery == Pending {
			conv.msgs[i].Delivery = Failed
			break
		}
	}
	c.mu.Unlock()

	c.publish("message.failed", convID)
}

// ExpirePending marks pending entries older than the reconcile window as
// failed. The cache never silently drops them.
func (c *Cache) ExpirePending() {
	cutoff := c.now().Add(-c.pendingWindow).UnixMilli()

	c.mu.Lock()
	var expired []string
	for convID, conv := range c.convs {
		for i := range conv.msgs {
			m := &conv.msgs[i]
			if m.Delivery == Pending && m.insertedAt <= cutoff {
				m.Delivery = Failed
				expired = append(expired, convID)
				c.logger.Warn("optimistic entry never confirmed",
					zap.String("conversation_id", convID),
					zap.String("local_id", m.LocalID))
			}
		}
	}
	c.mu.Unlock()

	for _, convID := range expired {
		c.publish("message.failed", convID)
	}
}

// Delete removes a server-deleted message from the timeline.
func (c *Cache) Delete(conversationID, msgID string) {
	c.mu.Lock()
	conv := c.conv(conversationID)
	for i := range conv.msgs {
		if conv.msgs[i].ID == msgID {
			conv.msgs = append(conv.msgs[:i], conv.msgs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.publish("message.merged", conversationID)
}

// Snapshot returns a copy of the ordered timeline for a conversation.
func (c *Cache) Snapshot(conversationID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[conversationID]
	if !ok {
		return nil
	}
	return snapshot(conv)
}

// Watermark returns the newest confirmed CreatedAt for a conversation,
// or 0 if nothing confirmed is cached.
func (c *Cache) Watermark(conversationID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[conversationID]
	if !ok {
		return 0
	}
	var wm int64
	for _, m := range conv.msgs {
		if m.Delivery == Confirmed && m.CreatedAt > wm {
			wm = m.CreatedAt
		}
	}
	return wm
}

// Drop discards a conversation's cached timeline (conversation closed).
func (c *Cache) Drop(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.convs, conversationID)
	for localID, convID := range c.byLocal {
		if convID == conversationID {
			delete(c.byLocal, localID)
		}
	}
}

type compositeKey struct {
	senderID string
	body     string
	bucket   int64
}

func (c *Cache) key(m Message) compositeKey {
	return compositeKey{
		senderID: m.Sender.ID,
		body:     normalizeBody(m.Body),
		bucket:   m.CreatedAt / c.bucketMS,
	}
}

// matchPending looks for a pending entry matching the confirmed message's
// composite key. The confirmed timestamp is server-assigned and can land
// in the bucket adjacent to the optimistic one, so neighbors are checked.
func (c *Cache) matchPending(pendingByKey map[compositeKey]int, in Message) (int, bool) {
	k := c.key(in)
	for _, delta := range []int64{0, -1, 1} {
		probe := k
		probe.bucket = k.bucket + delta
		if i, ok := pendingByKey[probe]; ok {
			return i, true
		}
	}
	return 0, false
}

// replaceAt overwrites the entry at index i, keeping its insertion
// position and local id. Reports whether anything changed.
func (c *Cache) replaceAt(conv *conversation, i int, in Message) bool {
	old := conv.msgs[i]
	in.seq = old.seq
	in.insertedAt = old.insertedAt
	if in.LocalID == "" {
		in.LocalID = old.LocalID
	}
	if in.Delivery == "" {
		in.Delivery = Confirmed
	}
	if old.LocalID != "" && in.Delivery == Confirmed {
		delete(c.byLocal, old.LocalID)
	}
	conv.msgs[i] = in
	return old.ID != in.ID || old.Body != in.Body || old.CreatedAt != in.CreatedAt || old.Delivery != in.Delivery
}

func (c *Cache) conv(id string) *conversation {
	conv, ok := c.convs[id]
	if !ok {
		conv = &conversation{}
		c.convs[id] = conv
	}
	return conv
}

func (c *Cache) publish(kind, conversationID string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: c.now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
}

func sortConv(conv *conversation) {
	sort.SliceStable(conv.msgs, func(i, j int) bool {
		a, b := conv.msgs[i], conv.msgs[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.seq < b.seq
	})
}

func snapshot(conv *conversation) []Message {
	out := make([]Message, len(conv.msgs))
	copy(out, conv.msgs)
	return out
}

func normalizeBody(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
