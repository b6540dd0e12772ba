// Package jobwatch lets promotion evaluation wait for a session's ingest jobs
// to settle. Workers (and the stale-job reaper) publish on a per-session
// Redis channel; waiters wake on a notification or a poll of the job table,
// whichever comes first. Without Redis, waiting degrades to polling.
package jobwatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/rejourney/ingest-server-go/internal/redis"
)

// Event is the payload published when a job leaves the pending state.
type Event struct {
	SessionID string `json:"sessionId"`
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
}

// PendingCounter reports how many ingest jobs of a session are still pending.
type PendingCounter interface {
	CountPending(ctx context.Context, sessionID string) (int, error)
}

type waiter struct {
	sessionID string
	wake      chan struct{}
}

type Watcher struct {
	redis        *redisclient.Client
	jobs         PendingCounter
	pollInterval time.Duration

	waiters map[string]map[*waiter]bool // sessionID -> set of waiters
	cancels map[string]context.CancelFunc
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewWatcher(redisClient *redisclient.Client, jobs PendingCounter, pollInterval time.Duration) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		redis:        redisClient,
		jobs:         jobs,
		pollInterval: pollInterval,
		waiters:      make(map[string]map[*waiter]bool),
		cancels:      make(map[string]context.CancelFunc),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Wait blocks until the session has no pending jobs or timeout elapses.
// settled is false on timeout; err is set only when ctx is cancelled or the
// job store fails.
func (w *Watcher) Wait(ctx context.Context, sessionID string, timeout time.Duration) (settled bool, err error) {
	pending, err := w.jobs.CountPending(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if pending == 0 {
		return true, nil
	}

	wt := w.subscribe(sessionID)
	defer w.unsubscribe(wt)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-wt.wake:
		case <-ticker.C:
		}

		pending, err := w.jobs.CountPending(ctx, sessionID)
		if err != nil {
			return false, err
		}
		if pending == 0 {
			return true, nil
		}
	}
}

// Notify publishes a settled event for the session.
func (w *Watcher) Notify(ctx context.Context, event Event) error {
	if w.redis == nil {
		w.wakeLocal(event.SessionID)
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return w.redis.Publish(ctx, redisclient.JobChannel(event.SessionID), data).Err()
}

func (w *Watcher) subscribe(sessionID string) *waiter {
	wt := &waiter{sessionID: sessionID, wake: make(chan struct{}, 1)}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.waiters[sessionID] == nil {
		w.waiters[sessionID] = make(map[*waiter]bool)
		if w.redis != nil {
			subCtx, cancel := context.WithCancel(w.ctx)
			w.cancels[sessionID] = cancel
			go w.subscribeToRedis(subCtx, sessionID)
		}
	}
	w.waiters[sessionID][wt] = true
	return wt
}

func (w *Watcher) unsubscribe(wt *waiter) {
	w.mu.Lock()
	defer w.mu.Unlock()

	waiters, ok := w.waiters[wt.sessionID]
	if !ok {
		return
	}
	delete(waiters, wt)
	if len(waiters) == 0 {
		delete(w.waiters, wt.sessionID)
		if cancel, ok := w.cancels[wt.sessionID]; ok {
			cancel()
			delete(w.cancels, wt.sessionID)
		}
	}
}

func (w *Watcher) subscribeToRedis(ctx context.Context, sessionID string) {
	channel := redisclient.JobChannel(sessionID)
	pubsub := w.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("sessionId", sessionID).
		Str("channel", channel).
		Msg("job watch subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to unmarshal job event")
				continue
			}

			w.wakeLocal(sessionID)
		}
	}
}

func (w *Watcher) wakeLocal(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for wt := range w.waiters[sessionID] {
		select {
		case wt.wake <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) Close() {
	w.cancel()
}

// WaiterCount returns the number of callers currently waiting on the session.
func (w *Watcher) WaiterCount(sessionID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters[sessionID])
}
