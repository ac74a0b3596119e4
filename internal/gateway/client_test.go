package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/msync/internal/auth"
	"github.com/matheus3301/msync/internal/errs"
	"github.com/matheus3301/msync/internal/store"
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

func testCoordinator(refresh auth.RefreshFunc) *auth.Coordinator {
	fs := &fakeStore{cred: &store.Credential{
		AccessToken:      "tok-1",
		RefreshToken:     "ref-1",
		AccessExpiresAt:  time.Now().Add(time.Hour).UnixMilli(),
		RefreshExpiresAt: time.Now().Add(24 * time.Hour).UnixMilli(),
	}}
	return auth.NewCoordinator(fs, refresh, time.Minute, time.Second, nil, nil)
}

func TestBearerAttached(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": []any{}})
	}))
	defer srv.Close()

	c := New(srv.URL, testCoordinator(nil), nil)
	if _, err := c.History(context.Background(), "c1", 0); err != nil {
		t.Fatal(err)
	}
	if gotAuth.Load() != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth.Load())
	}
}

func TestRefreshAndReplayOn401(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": []any{}})
	}))
	defer srv.Close()

	var refreshes atomic.Int32
	coord := testCoordinator(func(context.Context, string) (*store.Credential, error) {
		refreshes.Add(1)
		return &store.Credential{
			AccessToken:      "tok-2",
			RefreshToken:     "ref-2",
			AccessExpiresAt:  time.Now().Add(time.Hour).UnixMilli(),
			RefreshExpiresAt: time.Now().Add(24 * time.Hour).UnixMilli(),
		}, nil
	})

	c := New(srv.URL, coord, nil)
	if _, err := c.History(context.Background(), "c1", 0); err != nil {
		t.Fatal(err)
	}
	if requests.Load() != 2 {
		t.Errorf("requests = %d, want 2 (original + one replay)", requests.Load())
	}
	if refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes.Load())
	}
}

func TestSecondUnauthorizedSurfaces(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	coord := testCoordinator(func(context.Context, string) (*store.Credential, error) {
		return &store.Credential{
			AccessToken:      "tok-2",
			RefreshToken:     "ref-2",
			AccessExpiresAt:  time.Now().Add(time.Hour).UnixMilli(),
			RefreshExpiresAt: time.Now().Add(24 * time.Hour).UnixMilli(),
		}, nil
	})

	c := New(srv.URL, coord, nil)
	_, err := c.History(context.Background(), "c1", 0)
	var authz *errs.Authorization
	if !errors.As(err, &authz) {
		t.Fatalf("error = %v, want *errs.Authorization", err)
	}
	if requests.Load() != 2 {
		t.Errorf("requests = %d, want 2 (no second replay)", requests.Load())
	}
}

func TestConflictNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(srv.URL, testCoordinator(nil), nil)
	err := c.React(context.Background(), "m1", "x")
	var conflict *errs.Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want *errs.Conflict", err)
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1", requests.Load())
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	c := New(srv.URL, testCoordinator(nil), nil)
	_, err := c.History(context.Background(), "c1", 0)
	if !errs.IsTransient(err) {
		t.Errorf("error = %v, want transient", err)
	}
}

func TestSendMessagePayloadShape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "srv-1", "conversationId": "c1", "body": got["body"],
			"createdAt": 1234, "deliveryState": "confirmed",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testCoordinator(nil), nil)
	msg, err := c.SendMessage(context.Background(), SendPayload{
		ConversationID: "c1",
		ClientID:       "local-1",
		Body:           "hello",
		ReplyToID:      "m9",
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "srv-1" {
		t.Errorf("confirmed id = %q", msg.ID)
	}
	if got["clientId"] != "local-1" || got["body"] != "hello" || got["replyingTo"] != "m9" {
		t.Errorf("payload = %v", got)
	}
	if _, present := got["file"]; present {
		t.Error("empty attachment serialized")
	}
}

func TestRefresherClassifiesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := NewRefresher(srv.URL)
	_, err := r.Refresh(context.Background(), "bad-token")
	var authz *errs.Authorization
	if !errors.As(err, &authz) {
		t.Errorf("error = %v, want *errs.Authorization", err)
	}
}

func TestRefresherSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refreshToken"] != "ref-1" {
			t.Errorf("refreshToken = %q", body["refreshToken"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":      "tok-2",
			"refreshToken":     "ref-2",
			"accessExpiresAt":  111,
			"refreshExpiresAt": 222,
		})
	}))
	defer srv.Close()

	r := NewRefresher(srv.URL)
	cred, err := r.Refresh(context.Background(), "ref-1")
	if err != nil {
		t.Fatal(err)
	}
	if cred.AccessToken != "tok-2" || cred.RefreshExpiresAt != 222 {
		t.Errorf("cred = %+v", cred)
	}
}
