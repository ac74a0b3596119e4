package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/cache"
	"github.com/matheus3301/msync/internal/errs"
	"github.com/matheus3301/msync/internal/store"
)

func messageAction(t *testing.T, p MessageAction) store.Action {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return store.Action{ID: "a1", Type: "message", Payload: raw, MaxRetries: 3}
}

func TestExecuteMessageViaRESTReconcilesCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got map[string]any
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "srv-1", "conversationId": "c1", "body": got["body"],
			"createdAt": 9000, "deliveryState": "confirmed",
		})
	}))
	defer srv.Close()

	mc := cache.New(5000, 15*time.Second, bus.New(), nil)
	localID := mc.InsertOptimistic("c1", cache.Message{
		ConversationID: "c1", Body: "hello", CreatedAt: 8900,
	})

	exec := NewExecutor(New(srv.URL, testCoordinator(nil), nil), nil, mc, nil)
	err := exec.Execute(context.Background(), messageAction(t, MessageAction{
		ConversationID: "c1", LocalID: localID, Body: "hello",
	}))
	if err != nil {
		t.Fatal(err)
	}

	snap := mc.Snapshot("c1")
	if len(snap) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].ID != "srv-1" || snap[0].Delivery != cache.Confirmed {
		t.Errorf("entry = %+v, want confirmed srv-1", snap[0])
	}
}

func TestExecuteMessagePrefersLiveChannel(t *testing.T) {
	restHit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		restHit = true
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mc := cache.New(5000, 15*time.Second, bus.New(), nil)
	localID := mc.InsertOptimistic("c1", cache.Message{ConversationID: "c1", Body: "hi", CreatedAt: 100})

	live := func(_ context.Context, p SendPayload) (cache.Message, bool, error) {
		return cache.Message{
			ID: "srv-2", ConversationID: p.ConversationID,
			Body: p.Body, CreatedAt: 200, Delivery: cache.Confirmed,
		}, true, nil
	}
	exec := NewExecutor(New(srv.URL, testCoordinator(nil), nil), live, mc, nil)
	err := exec.Execute(context.Background(), messageAction(t, MessageAction{
		ConversationID: "c1", LocalID: localID, Body: "hi",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if restHit {
		t.Error("REST fallback used while live channel delivered")
	}
	if snap := mc.Snapshot("c1"); snap[0].ID != "srv-2" {
		t.Errorf("entry = %+v", snap[0])
	}
}

func TestExecuteMessageFallsBackWhenNoChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "srv-3", "conversationId": "c1", "body": "hi",
			"createdAt": 300, "deliveryState": "confirmed",
		})
	}))
	defer srv.Close()

	live := func(context.Context, SendPayload) (cache.Message, bool, error) {
		return cache.Message{}, false, nil
	}
	exec := NewExecutor(New(srv.URL, testCoordinator(nil), nil), live, nil, nil)
	err := exec.Execute(context.Background(), messageAction(t, MessageAction{
		ConversationID: "c1", Body: "hi",
	}))
	if err != nil {
		t.Fatal(err)
	}
}

func TestExecuteReaction(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	raw, _ := json.Marshal(ReactionAction{MessageID: "m1", Emoji: "x"})
	exec := NewExecutor(New(srv.URL, testCoordinator(nil), nil), nil, nil, nil)
	err := exec.Execute(context.Background(), store.Action{ID: "a2", Type: "reaction", Payload: raw})
	if err != nil {
		t.Fatal(err)
	}
	if path != "/v1/messages/m1/reactions" {
		t.Errorf("path = %q", path)
	}
}

func TestExecuteMalformedPayloadIsConflict(t *testing.T) {
	exec := NewExecutor(New("http://127.0.0.1:1", testCoordinator(nil), nil), nil, nil, nil)
	err := exec.Execute(context.Background(), store.Action{ID: "a3", Type: "message", Payload: []byte("{")})
	var conflict *errs.Conflict
	if !errors.As(err, &conflict) {
		t.Errorf("error = %v, want *errs.Conflict", err)
	}
}

func TestExecuteUnknownTypeIsConflict(t *testing.T) {
	exec := NewExecutor(New("http://127.0.0.1:1", testCoordinator(nil), nil), nil, nil, nil)
	err := exec.Execute(context.Background(), store.Action{ID: "a4", Type: "carrier_pigeon", Payload: []byte("{}")})
	var conflict *errs.Conflict
	if !errors.As(err, &conflict) {
		t.Errorf("error = %v, want *errs.Conflict", err)
	}
}
