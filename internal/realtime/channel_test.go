package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/msync/internal/auth"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/cache"
	"github.com/matheus3301/msync/internal/errs"
	"github.com/matheus3301/msync/internal/store"
	"go.uber.org/zap"
)

type fakeStore struct{ cred *store.Credential }

func (f *fakeStore) GetCredential() (*store.Credential, error) {
	if f.cred == nil {
		return nil, nil
	}
	c := *f.cred
	return &c, nil
}
func (f *fakeStore) SetCredential(c *store.Credential) error { cp := *c; f.cred = &cp; return nil }
func (f *fakeStore) ClearCredential() error                  { f.cred = nil; return nil }

func testCoordinator() *auth.Coordinator {
	fs := &fakeStore{cred: &store.Credential{
		AccessToken:      "tok-1",
		RefreshToken:     "ref-1",
		AccessExpiresAt:  time.Now().Add(time.Hour).UnixMilli(),
		RefreshExpiresAt: time.Now().Add(24 * time.Hour).UnixMilli(),
	}}
	return auth.NewCoordinator(fs, nil, time.Minute, time.Second, nil, nil)
}

func newWSServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// holdOpen keeps the server side alive until the client hangs up.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testDeps(b *bus.Bus) managerDeps {
	return managerDeps{
		coord:        testCoordinator(),
		bus:          b,
		logger:       zap.NewNop(),
		watermark:    func(string) int64 { return 0 },
		online:       func() bool { return true },
		dial:         defaultDial,
		backoffStart: 20 * time.Millisecond,
		backoffCap:   100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinHandshakeCarriesWatermark(t *testing.T) {
	gotJoin := make(chan joinFrame, 1)
	srv := newWSServer(t, func(conn *websocket.Conn) {
		var join joinFrame
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		gotJoin <- join
		_ = conn.WriteJSON(inboundFrame{
			Type:   frameJoined,
			RoomID: "c1",
			Messages: []cache.Message{
				{ID: "m1", ConversationID: "c1", Body: "a", CreatedAt: 5000, Delivery: cache.Confirmed},
				{ID: "m2", ConversationID: "c1", Body: "b", CreatedAt: 6000, Delivery: cache.Confirmed},
			},
		})
		holdOpen(conn)
	})

	b := bus.New()
	events, unsub := b.Subscribe("rt.", 8)
	defer unsub()

	deps := testDeps(b)
	deps.watermark = func(room string) int64 {
		if room != "c1" {
			t.Errorf("watermark queried for %q", room)
		}
		return 4200
	}
	ch := newChannel("room:c1", "c1", wsURL(srv), "u1", deps)
	ch.Start(context.Background())
	defer ch.Close()

	join := <-gotJoin
	if join.Type != frameJoin || join.RoomID != "c1" || join.UserID != "u1" {
		t.Errorf("join = %+v", join)
	}
	if join.LastMessageAt != 4200 {
		t.Errorf("lastMessageAt = %d, want 4200", join.LastMessageAt)
	}

	evt := <-events
	batch, ok := evt.Payload.(HistoryBatch)
	if !ok || evt.Kind != "rt.history_batch" {
		t.Fatalf("event = %q payload %T", evt.Kind, evt.Payload)
	}
	if len(batch.Messages) != 2 || batch.RoomID != "c1" {
		t.Errorf("batch = %+v", batch)
	}

	waitFor(t, func() bool { return ch.State().State == Connected }, "CONNECTED")
}

func TestMismatchedRoomFrameDiscarded(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		var join joinFrame
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		// Frame for a room this channel never subscribed to.
		_ = conn.WriteJSON(inboundFrame{
			Type:    frameMessage,
			RoomID:  "other",
			Message: &cache.Message{ID: "x1", ConversationID: "other", Body: "leak", CreatedAt: 1, Delivery: cache.Confirmed},
		})
		_ = conn.WriteJSON(inboundFrame{
			Type:    frameMessage,
			RoomID:  "c1",
			Message: &cache.Message{ID: "m1", ConversationID: "c1", Body: "ok", CreatedAt: 2, Delivery: cache.Confirmed},
		})
		holdOpen(conn)
	})

	b := bus.New()
	events, unsub := b.Subscribe("rt.message", 8)
	defer unsub()

	ch := newChannel("room:c1", "c1", wsURL(srv), "u1", testDeps(b))
	ch.Start(context.Background())
	defer ch.Close()

	evt := <-events
	push := evt.Payload.(Push)
	if push.Message.ID != "m1" {
		t.Errorf("first delivered message = %q, want m1 (mismatched room leaked)", push.Message.ID)
	}
	select {
	case extra := <-events:
		t.Errorf("unexpected second event: %+v", extra.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendAwaitResolvedByEcho(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		var join joinFrame
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		for {
			var out OutboundMessage
			if err := conn.ReadJSON(&out); err != nil {
				return
			}
			_ = conn.WriteJSON(inboundFrame{
				Type:     frameMessage,
				RoomID:   out.RoomID,
				ClientID: out.Content.ID,
				Message: &cache.Message{
					ID:             "srv-9",
					LocalID:        out.Content.ID,
					ConversationID: out.RoomID,
					Body:           out.Content.Body,
					CreatedAt:      7000,
					Delivery:       cache.Confirmed,
				},
			})
		}
	})

	b := bus.New()
	ch := newChannel("room:c1", "c1", wsURL(srv), "u1", testDeps(b))
	ch.Start(context.Background())
	defer ch.Close()
	waitFor(t, func() bool { return ch.State().State == Connected }, "CONNECTED")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, err := ch.SendAwait(ctx, OutboundMessage{
		Type:        frameMessage,
		RoomID:      "c1",
		MessageType: "text",
		Content:     OutboundContent{ID: "local-1", Body: "hello"},
		Sender:      cache.Sender{ID: "u1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "srv-9" || msg.LocalID != "local-1" {
		t.Errorf("ack = %+v", msg)
	}
}

func TestSendWhileNotConnectedIsTransient(t *testing.T) {
	ch := newChannel("room:c1", "c1", "ws://127.0.0.1:1", "u1", testDeps(bus.New()))
	err := ch.Send(OutboundMessage{Type: frameMessage, RoomID: "c1"})
	if !errs.IsTransient(err) {
		t.Errorf("error = %v, want transient", err)
	}
}

func TestCloseReleasesAckWaiters(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		var join joinFrame
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		// Swallow sends without ever echoing.
		for {
			var out OutboundMessage
			if err := conn.ReadJSON(&out); err != nil {
				return
			}
		}
	})

	ch := newChannel("room:c1", "c1", wsURL(srv), "u1", testDeps(bus.New()))
	ch.Start(context.Background())
	waitFor(t, func() bool { return ch.State().State == Connected }, "CONNECTED")

	done := make(chan error, 1)
	go func() {
		_, err := ch.SendAwait(context.Background(), OutboundMessage{
			Type: frameMessage, RoomID: "c1",
			Content: OutboundContent{ID: "local-1", Body: "x"},
		})
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	ch.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("SendAwait returned nil after teardown")
		}
	case <-time.After(time.Second):
		t.Fatal("SendAwait still blocked after Close")
	}
	if ch.State().State != Disconnected {
		t.Errorf("state = %s after Close", ch.State().State)
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	var connects atomic.Int32
	srv := newWSServer(t, func(conn *websocket.Conn) {
		n := connects.Add(1)
		var join joinFrame
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		if n == 1 {
			return // drop right after the handshake
		}
		_ = conn.WriteJSON(inboundFrame{Type: frameJoined, RoomID: "c1"})
		holdOpen(conn)
	})

	ch := newChannel("room:c1", "c1", wsURL(srv), "u1", testDeps(bus.New()))
	ch.Start(context.Background())
	defer ch.Close()

	waitFor(t, func() bool { return connects.Load() >= 2 }, "reconnect")
	waitFor(t, func() bool { return ch.State().State == Connected }, "CONNECTED after drop")
}

func TestOfflineDefersDialUntilOnlineEvent(t *testing.T) {
	var online atomic.Bool
	var dials atomic.Int32

	b := bus.New()
	deps := testDeps(b)
	deps.online = online.Load
	deps.dial = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
		dials.Add(1)
		return nil, context.DeadlineExceeded
	}

	ch := newChannel("room:c1", "c1", "ws://127.0.0.1:1", "u1", deps)
	ch.Start(context.Background())
	defer ch.Close()

	time.Sleep(60 * time.Millisecond)
	if dials.Load() != 0 {
		t.Fatalf("dialed %d times while offline", dials.Load())
	}

	online.Store(true)
	b.Publish(bus.Event{Kind: "net.online", Timestamp: time.Now()})
	waitFor(t, func() bool { return dials.Load() > 0 }, "dial after net.online")
}
