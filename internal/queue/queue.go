package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/errs"
	"github.com/matheus3301/msync/internal/store"
	"go.uber.org/zap"
)

// Action types the queue knows how to replay.
const (
	TypeMessage    = "message"
	TypeReaction   = "reaction"
	TypeReadStatus = "read_status"
	TypeJoinGroup  = "join_group"
	TypeLeaveGroup = "leave_group"
)

// Store is the durable side of the queue. The session sqlite db
// implements it.
type Store interface {
	InsertAction(*store.Action) error
	PendingActions() ([]store.Action, error)
	BumpActionRetry(id string, retryCount int) error
	DeleteAction(id string) error
}

// Executor replays one action against the backend. The gateway-backed
// implementation lives in the gateway package.
type Executor interface {
	Execute(ctx context.Context, action store.Action) error
}

// Queue is the durable offline action queue. Actions are persisted
// before any replay attempt and replayed strictly in enqueue order; a
// crash between enqueue and flush loses nothing.
type Queue struct {
	store  Store
	exec   Executor
	bus    *bus.Bus
	logger *zap.Logger

	maxRetries int

	mu      sync.Mutex
	actions []store.Action
	// flushDone is non-nil while a flush runs; concurrent Flush callers
	// wait on it and observe the in-progress flush's outcome.
	flushDone chan struct{}
	flushErr  error
}

// New creates a queue over the given store and executor. maxRetries
// bounds replay attempts per action.
func New(s Store, exec Executor, b *bus.Bus, logger *zap.Logger, maxRetries int) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{
		store:      s,
		exec:       exec,
		bus:        b,
		logger:     logger.Named("queue"),
		maxRetries: maxRetries,
	}
}

// Rehydrate loads persisted actions into memory. Called once at startup,
// before the first flush.
func (q *Queue) Rehydrate() error {
	actions, err := q.store.PendingActions()
	if err != nil {
		return fmt.Errorf("rehydrate queue: %w", err)
	}
	q.mu.Lock()
	q.actions = actions
	q.mu.Unlock()
	if len(actions) > 0 {
		q.logger.Info("rehydrated pending actions", zap.Int("count", len(actions)))
	}
	return nil
}

// Enqueue persists an action and appends it to the replay order. The
// payload must be JSON-serializable. Returns the assigned action id.
func (q *Queue) Enqueue(actionType string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode action payload: %w", err)
	}
	a := store.Action{
		ID:         uuid.NewString(),
		Type:       actionType,
		Payload:    raw,
		MaxRetries: q.maxRetries,
		CreatedAt:  time.Now().UnixMilli(),
	}
	// Disk first. The in-memory mirror follows only after the action is
	// durable.
	if err := q.store.InsertAction(&a); err != nil {
		return "", fmt.Errorf("persist action: %w", err)
	}
	q.mu.Lock()
	q.actions = append(q.actions, a)
	q.mu.Unlock()

	q.publish("queue.enqueued", Enqueued{ActionID: a.ID, Type: a.Type})
	return a.ID, nil
}

// Status reports the pending depth and whether a flush is running.
func (q *Queue) Status() (pending int, syncing bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions), q.flushDone != nil
}

// Flush replays pending actions head-first. A second caller while a
// flush is in progress does not start another: it blocks until the
// running flush completes and returns that flush's outcome.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if done := q.flushDone; done != nil {
		q.mu.Unlock()
		select {
		case <-done:
			q.mu.Lock()
			err := q.flushErr
			q.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	q.flushDone = done
	q.mu.Unlock()

	err := q.drain(ctx)

	q.mu.Lock()
	q.flushErr = err
	q.flushDone = nil
	q.mu.Unlock()
	close(done)
	return err
}

func (q *Queue) drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.mu.Lock()
		if len(q.actions) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := q.actions[0]
		q.mu.Unlock()

		err := q.exec.Execute(ctx, head)
		switch {
		case err == nil:
			q.remove(head.ID)
			q.publish("queue.replayed", Replayed{ActionID: head.ID, Type: head.Type})

		case errs.IsAuthExpired(err):
			// Nothing can succeed until re-login. Keep everything queued.
			return err

		case isConflict(err):
			q.remove(head.ID)
			q.logger.Warn("action rejected by server, dropping",
				zap.String("action_id", head.ID),
				zap.String("type", head.Type),
				zap.Error(err))
			q.publish("queue.rejected", Rejected{ActionID: head.ID, Type: head.Type, Reason: err.Error()})

		case errs.IsTransient(err):
			attempts := head.RetryCount + 1
			if attempts >= head.MaxRetries {
				q.remove(head.ID)
				q.logger.Error("action exhausted retries, dropping",
					zap.String("action_id", head.ID),
					zap.String("type", head.Type),
					zap.Int("attempts", attempts),
					zap.Error(err))
				q.publish("queue.exhausted", errs.QueueExhausted{
					ActionID: head.ID,
					Type:     head.Type,
					Attempts: attempts,
					LastErr:  err,
				})
				continue
			}
			if perr := q.store.BumpActionRetry(head.ID, attempts); perr != nil {
				q.logger.Error("persist retry count", zap.Error(perr))
			}
			q.bumpMemory(head.ID, attempts)
			// Head stays queued; the next trigger retries it.
			return err

		default:
			// Unclassified errors are treated like transport failures.
			return err
		}
	}
}

func (q *Queue) remove(id string) {
	if err := q.store.DeleteAction(id); err != nil {
		q.logger.Error("delete action", zap.String("action_id", id), zap.Error(err))
	}
	q.mu.Lock()
	for i, a := range q.actions {
		if a.ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
}

func (q *Queue) bumpMemory(id string, retryCount int) {
	q.mu.Lock()
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions[i].RetryCount = retryCount
			break
		}
	}
	q.mu.Unlock()
}

func (q *Queue) publish(kind string, payload any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func isConflict(err error) bool {
	var conflict *errs.Conflict
	return errors.As(err, &conflict)
}

// Watch auto-flushes whenever connectivity comes back. Runs until ctx is
// done.
func (q *Queue) Watch(ctx context.Context) {
	events, unsub := q.bus.Subscribe("net.online", 4)
	defer unsub()
	for {
		select {
		case <-events:
			if err := q.Flush(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("auto-flush failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Enqueued is the bus payload published when an action is persisted.
type Enqueued struct {
	ActionID string
	Type     string
}

// Replayed is the bus payload published when an action reaches the
// server.
type Replayed struct {
	ActionID string
	Type     string
}

// Rejected is the bus payload published when the server permanently
// refuses an action.
type Rejected struct {
	ActionID string
	Type     string
	Reason   string
}
