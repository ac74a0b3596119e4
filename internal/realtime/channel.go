package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/msync/internal/auth"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/cache"
	"github.com/matheus3301/msync/internal/errs"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

var errUnauthorized = errors.New("transport unauthorized")

// DialFunc opens a websocket connection. Swappable for tests.
type DialFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

func defaultDial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// Channel owns one durable realtime connection: the session's personal
// channel (room == "") or one room channel per open conversation. It
// reconnects with capped exponential backoff for as long as its owning
// scope is alive; teardown via Close is the only terminal exit.
type Channel struct {
	name      string
	room      string
	url       string
	userID    string
	coord     *auth.Coordinator
	watermark func(roomID string) int64
	online    func() bool
	bus       *bus.Bus
	logger    *zap.Logger
	dial      DialFunc

	backoffStart time.Duration
	backoffCap   time.Duration

	sm       *machine
	handlers map[string]func(inboundFrame)

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	acks    map[string]chan cache.Message
	cancel  context.CancelFunc
	closed  bool

	unauthMu     sync.Mutex
	unauthorized bool
}

func newChannel(name, room, url, userID string, deps managerDeps) *Channel {
	c := &Channel{
		name:         name,
		room:         room,
		url:          url,
		userID:       userID,
		coord:        deps.coord,
		watermark:    deps.watermark,
		online:       deps.online,
		bus:          deps.bus,
		logger:       deps.logger.With(zap.String("channel", name)),
		dial:         deps.dial,
		backoffStart: deps.backoffStart,
		backoffCap:   deps.backoffCap,
		sm:           newMachine(name, deps.bus),
		acks:         make(map[string]chan cache.Message),
	}
	// One dispatch table per channel scope, torn down with the channel.
	c.handlers = map[string]func(inboundFrame){
		frameJoined:         c.onJoined,
		frameMessage:        c.onMessage,
		frameMessageDeleted: c.onDeleted,
		frameError:          c.onError,
	}
	return c
}

// Start launches the connect/reconnect loop.
func (c *Channel) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(ctx)
}

// Close tears the channel down: the socket, the reader and every pending
// ack waiter are released, and no further event may mutate shared state.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	for id, ch := range c.acks {
		close(ch)
		delete(c.acks, id)
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	_ = c.sm.Transition(Disconnected, nil)
}

// State returns the channel's connection state snapshot.
func (c *Channel) State() ChannelState {
	return c.sm.Current()
}

// Send emits one outbound frame. Fails with a transient error when the
// channel is not currently connected.
func (c *Channel) Send(out OutboundMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.sm.Current().State != Connected {
		return &errs.Transient{Err: fmt.Errorf("channel %s not connected", c.name)}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(out); err != nil {
		return &errs.Transient{Err: fmt.Errorf("emit: %w", err)}
	}
	return nil
}

// SendAwait emits a message frame and waits for the server echo carrying
// the same client id. The echo doubles as the delivery acknowledgement.
func (c *Channel) SendAwait(ctx context.Context, out OutboundMessage) (cache.Message, error) {
	clientID := out.Content.ID
	ackCh := make(chan cache.Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return cache.Message{}, &errs.Transient{Err: errors.New("channel closed")}
	}
	c.acks[clientID] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.acks, clientID)
		c.mu.Unlock()
	}()

	if err := c.Send(out); err != nil {
		return cache.Message{}, err
	}

	select {
	case msg, ok := <-ackCh:
		if !ok {
			return cache.Message{}, &errs.Transient{Err: errors.New("channel torn down before ack")}
		}
		return msg, nil
	case <-ctx.Done():
		return cache.Message{}, &errs.Transient{Err: ctx.Err()}
	}
}

func (c *Channel) run(ctx context.Context) {
	netCh, unsub := c.bus.Subscribe("net.", 4)
	defer unsub()

	backoff := c.backoffStart
	for {
		if ctx.Err() != nil {
			return
		}
		if !c.waitOnline(ctx, netCh) {
			return
		}

		_ = c.sm.Transition(Connecting, nil)
		conn, err := c.connect(ctx, backoff)
		if err != nil {
			if errs.IsAuthExpired(err) {
				// Surfaced process-wide by the coordinator; this channel
				// stops retrying until reopened after re-login.
				_ = c.sm.Transition(Disconnected, err)
				return
			}
			_ = c.sm.Transition(Reconnecting, err)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.backoffCap)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		_ = c.sm.Transition(Connected, nil)
		backoff = c.backoffStart

		readErr := c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		if errors.Is(readErr, errUnauthorized) {
			if _, terr := c.coord.ForceRefresh(ctx); terr != nil && errs.IsAuthExpired(terr) {
				_ = c.sm.Transition(Disconnected, terr)
				return
			}
			// Refreshed (or transient): reconnect immediately.
		}
		_ = c.sm.Transition(Reconnecting, readErr)
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, c.backoffCap)
	}
}

// connect dials and, for room channels, performs the join handshake
// carrying the last known message timestamp so the server returns only
// newer messages. The dial is bounded by the current backoff window.
func (c *Channel) connect(ctx context.Context, window time.Duration) (*websocket.Conn, error) {
	tok, err := c.coord.Token(ctx)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	conn, err := c.dial(dialCtx, c.url, header)
	if err != nil {
		return nil, &errs.Transient{Err: fmt.Errorf("dial: %w", err)}
	}

	if c.room != "" {
		join := joinFrame{
			Type:          frameJoin,
			RoomID:        c.room,
			UserID:        c.userID,
			LastMessageAt: c.watermark(c.room),
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(join); err != nil {
			_ = conn.Close()
			return nil, &errs.Transient{Err: fmt.Errorf("join handshake: %w", err)}
		}
	}
	return conn, nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	c.setUnauthorized(false)
	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, 4401) {
				return errUnauthorized
			}
			return err
		}
		// Guard: a frame racing teardown must not be applied.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handler, ok := c.handlers[frame.Type]
		if !ok {
			c.logger.Warn("unknown frame type", zap.String("type", frame.Type))
			continue
		}
		handler(frame)
		if c.isUnauthorized() {
			return errUnauthorized
		}
	}
}

// validRoom checks the frame's room id against the subscribed room.
// Frames with a missing or mismatched room are discarded, never applied.
func (c *Channel) validRoom(frame inboundFrame) bool {
	if frame.RoomID == "" || frame.RoomID != c.room {
		c.logger.Warn("discarding frame for unsubscribed room",
			zap.String("type", frame.Type),
			zap.String("room_id", frame.RoomID))
		return false
	}
	return true
}

func (c *Channel) onJoined(frame inboundFrame) {
	if !c.validRoom(frame) {
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      "rt.history_batch",
		Timestamp: time.Now(),
		Payload:   HistoryBatch{RoomID: frame.RoomID, Messages: frame.Messages},
	})
}

func (c *Channel) onMessage(frame inboundFrame) {
	if !c.validRoom(frame) || frame.Message == nil {
		return
	}
	if frame.ClientID != "" {
		c.mu.Lock()
		if ackCh, ok := c.acks[frame.ClientID]; ok {
			select {
			case ackCh <- *frame.Message:
			default:
			}
		}
		c.mu.Unlock()
	}
	c.bus.Publish(bus.Event{
		Kind:      "rt.message",
		Timestamp: time.Now(),
		Payload:   Push{RoomID: frame.RoomID, Message: *frame.Message, ClientID: frame.ClientID},
	})
}

func (c *Channel) onDeleted(frame inboundFrame) {
	if !c.validRoom(frame) || frame.MessageID == "" {
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      "rt.message_deleted",
		Timestamp: time.Now(),
		Payload:   Deletion{RoomID: frame.RoomID, MessageID: frame.MessageID},
	})
}

func (c *Channel) onError(frame inboundFrame) {
	c.logger.Warn("server error frame",
		zap.String("code", frame.Code),
		zap.String("reason", frame.Reason))
	if frame.Code == "unauthorized" {
		c.setUnauthorized(true)
	}
}

func (c *Channel) setUnauthorized(v bool) {
	c.unauthMu.Lock()
	c.unauthorized = v
	c.unauthMu.Unlock()
}

func (c *Channel) isUnauthorized() bool {
	c.unauthMu.Lock()
	defer c.unauthMu.Unlock()
	return c.unauthorized
}

// waitOnline blocks while the monitor reports offline, waking on the
// next net.online event. Returns false when the context is done.
func (c *Channel) waitOnline(ctx context.Context, netCh <-chan bus.Event) bool {
	for !c.online() {
		select {
		case evt := <-netCh:
			if evt.Kind == "net.online" {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, cap time.Duration) time.Duration {
	next := cur * 2
	if next > cap {
		return cap
	}
	return next
}
