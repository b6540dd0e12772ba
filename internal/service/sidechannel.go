package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rejourney/ingest-server-go/internal/metrics"
)

// Task is a best-effort side effect. Its error is logged and dropped.
type Task func(ctx context.Context) error

type sideTask struct {
	name string
	fn   Task
}

// SideChannel runs best-effort tasks on a bounded worker pool. Submit never
// blocks; when the queue is full the task is dropped. Nothing a task does can
// reach the request that submitted it.
type SideChannel struct {
	queue   chan sideTask
	timeout time.Duration
	metrics *metrics.Recorder
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

func NewSideChannel(workers, queueSize int, timeout time.Duration, recorder *metrics.Recorder) *SideChannel {
	sc := &SideChannel{
		queue:   make(chan sideTask, queueSize),
		timeout: timeout,
		metrics: recorder,
	}
	for i := 0; i < workers; i++ {
		sc.wg.Add(1)
		go sc.worker()
	}
	return sc
}

// Submit enqueues fn under name and reports whether it was accepted.
func (sc *SideChannel) Submit(name string, fn Task) bool {
	if sc == nil {
		return false
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	if sc.closed {
		return false
	}

	select {
	case sc.queue <- sideTask{name: name, fn: fn}:
		return true
	default:
		log.Warn().Str("task", name).Msg("side channel queue full, dropping task")
		sc.metrics.SideChannelFailure(name)
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (sc *SideChannel) Close() {
	sc.once.Do(func() {
		sc.mu.Lock()
		sc.closed = true
		close(sc.queue)
		sc.mu.Unlock()
	})
	sc.wg.Wait()
}

func (sc *SideChannel) worker() {
	defer sc.wg.Done()
	for task := range sc.queue {
		sc.run(task)
	}
}

func (sc *SideChannel) run(task sideTask) {
	ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		err = task.fn(ctx)
	}()

	if err != nil {
		log.Warn().Err(err).Str("task", task.name).Msg("side channel task failed")
		sc.metrics.SideChannelFailure(task.name)
	}
}
