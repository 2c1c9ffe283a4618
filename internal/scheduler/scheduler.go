// Package scheduler is the delayed task scheduler: an in-memory, fingerprint-deduped
// timer wheel. Shaped after a Worker.Run(ctx)-style loop (StartDelay, a
// buffered "force now" channel, wake-sleep-wake via select on
// ctx.Done/ticker/force-channel), generalized from "wake on one fixed interval"
// to "wake at the earliest pending due_at," backed by a container/heap priority
// queue — the one piece with no direct prior precedent, since fixed-interval
// tickers never needed one; container/heap is the stdlib answer to a priority
// queue and no reference repo implements a timer wheel of its own.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/snapetech/reconciler/internal/model"
)

// Outcome reports whether Schedule created a new task or coalesced into an existing one.
type Outcome int

const (
	Scheduled Outcome = iota
	Coalesced
)

// Handler is invoked when a task fires. It may call Schedule again on the same
// fingerprint to reschedule itself; the firing task has already been removed by
// the time Handler runs.
type Handler func(ctx context.Context, fp model.Fingerprint, trigger model.TaskTrigger)

type task struct {
	fp      model.Fingerprint
	dueAt   time.Time
	trigger model.TaskTrigger
	index   int // heap.Interface bookkeeping
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler is a single-process in-memory scheduler. Safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	byFP    map[model.Fingerprint]*task
	pq      taskHeap
	wake    chan struct{}
	handler Handler
}

// New creates a Scheduler that invokes handler for every fired task.
func New(handler Handler) *Scheduler {
	return &Scheduler{
		byFP:    make(map[model.Fingerprint]*task),
		wake:    make(chan struct{}, 1),
		handler: handler,
	}
}

// Schedule adds or coalesces a task. Coalescing updates due_at to the later of the
// two values and trigger to the one just passed.
func (s *Scheduler) Schedule(fp model.Fingerprint, dueAt time.Time, trigger model.TaskTrigger) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byFP[fp]; ok {
		if dueAt.After(existing.dueAt) {
			existing.dueAt = dueAt
			heap.Fix(&s.pq, existing.index)
		}
		existing.trigger = trigger
		s.notifyLocked()
		return Coalesced
	}

	t := &task{fp: fp, dueAt: dueAt, trigger: trigger}
	s.byFP[fp] = t
	heap.Push(&s.pq, t)
	s.notifyLocked()
	return Scheduled
}

// CancelDownload removes every pending task whose fingerprint carries
// downloadID, returning the cancelled fingerprints. Webhook Download/Import
// deliveries sometimes omit the episode body, leaving the download ID as the
// only handle on the pending check.
func (s *Scheduler) CancelDownload(downloadID string) []model.Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled []model.Fingerprint
	for fp, t := range s.byFP {
		if fp.DownloadID != downloadID {
			continue
		}
		heap.Remove(&s.pq, t.index)
		delete(s.byFP, fp)
		cancelled = append(cancelled, fp)
	}
	if len(cancelled) > 0 {
		s.notifyLocked()
	}
	return cancelled
}

// Cancel removes a pending task, reporting whether one existed.
func (s *Scheduler) Cancel(fp model.Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byFP[fp]
	if !ok {
		return false
	}
	heap.Remove(&s.pq, t.index)
	delete(s.byFP, fp)
	s.notifyLocked()
	return true
}

func (s *Scheduler) notifyLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks, firing tasks as their due_at arrives, until ctx is cancelled. A task
// is removed from the scheduler before its handler runs, so the handler may call
// Schedule again for the same fingerprint. Past-due tasks fire immediately,
// earliest due_at first; tasks with equal due_at fire in no defined order.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		var wait time.Duration
		var fire *task
		if len(s.pq) > 0 {
			next := s.pq[0]
			wait = time.Until(next.dueAt)
			if wait <= 0 {
				fire = next
				heap.Pop(&s.pq)
				delete(s.byFP, fire.fp)
			}
		} else {
			wait = time.Hour
		}
		s.mu.Unlock()

		if fire != nil {
			s.invoke(ctx, fire)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).
				Int("episode_id", t.fp.EpisodeID).Str("download_id", t.fp.DownloadID).
				Msg("scheduler: handler panicked")
		}
	}()
	s.handler(ctx, t.fp, t.trigger)
}

// Len reports the number of pending tasks. Exposed for tests and metrics.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pq)
}
