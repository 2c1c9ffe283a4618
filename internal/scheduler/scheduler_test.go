package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/snapetech/reconciler/internal/model"
)

func TestSchedule_newTask(t *testing.T) {
	s := New(func(context.Context, model.Fingerprint, model.TaskTrigger) {})
	fp := model.Fingerprint{EpisodeID: 1, DownloadID: "D1"}
	if out := s.Schedule(fp, time.Now().Add(time.Hour), model.TriggerPostGrabCheck); out != Scheduled {
		t.Fatalf("Outcome = %v, want Scheduled", out)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestSchedule_coalescesToLaterDueAt(t *testing.T) {
	s := New(func(context.Context, model.Fingerprint, model.TaskTrigger) {})
	fp := model.Fingerprint{EpisodeID: 1, DownloadID: "D1"}
	earlier := time.Now().Add(time.Hour)
	later := time.Now().Add(2 * time.Hour)

	s.Schedule(fp, earlier, model.TriggerPostGrabCheck)
	out := s.Schedule(fp, later, model.TriggerRetry)
	if out != Coalesced {
		t.Fatalf("Outcome = %v, want Coalesced", out)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (coalesced, not duplicated)", s.Len())
	}

	t2 := s.byFP[fp]
	if !t2.dueAt.Equal(later) {
		t.Fatalf("dueAt = %v, want %v (later of the two)", t2.dueAt, later)
	}
	if t2.trigger != model.TriggerRetry {
		t.Fatalf("trigger = %v, want TriggerRetry (latest)", t2.trigger)
	}
}

func TestSchedule_coalesceKeepsLaterWhenSecondIsEarlier(t *testing.T) {
	s := New(func(context.Context, model.Fingerprint, model.TaskTrigger) {})
	fp := model.Fingerprint{EpisodeID: 1, DownloadID: "D1"}
	later := time.Now().Add(2 * time.Hour)
	earlier := time.Now().Add(time.Hour)

	s.Schedule(fp, later, model.TriggerPostGrabCheck)
	s.Schedule(fp, earlier, model.TriggerRetry)

	t2 := s.byFP[fp]
	if !t2.dueAt.Equal(later) {
		t.Fatalf("dueAt = %v, want %v (max of scheduled values)", t2.dueAt, later)
	}
}

func TestCancel(t *testing.T) {
	s := New(func(context.Context, model.Fingerprint, model.TaskTrigger) {})
	fp := model.Fingerprint{EpisodeID: 1, DownloadID: "D1"}
	s.Schedule(fp, time.Now().Add(time.Hour), model.TriggerPostGrabCheck)
	if !s.Cancel(fp) {
		t.Fatal("Cancel() = false, want true")
	}
	if s.Cancel(fp) {
		t.Fatal("second Cancel() = true, want false (already gone)")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestCancelDownload_cancelsByDownloadIDAlone(t *testing.T) {
	s := New(func(context.Context, model.Fingerprint, model.TaskTrigger) {})
	s.Schedule(model.Fingerprint{EpisodeID: 1, DownloadID: "D1"}, time.Now().Add(time.Hour), model.TriggerPostGrabCheck)
	s.Schedule(model.Fingerprint{EpisodeID: 2, DownloadID: "D2"}, time.Now().Add(time.Hour), model.TriggerPostGrabCheck)

	cancelled := s.CancelDownload("D1")
	if len(cancelled) != 1 || cancelled[0].EpisodeID != 1 {
		t.Fatalf("cancelled = %v, want the episode-1 task only", cancelled)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 remaining", s.Len())
	}
	if len(s.CancelDownload("D-missing")) != 0 {
		t.Fatal("CancelDownload of an unknown download id should cancel nothing")
	}
}

func TestRun_firesAtDueTime(t *testing.T) {
	var mu sync.Mutex
	var fired []model.Fingerprint
	s := New(func(_ context.Context, fp model.Fingerprint, _ model.TaskTrigger) {
		mu.Lock()
		fired = append(fired, fp)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	fp := model.Fingerprint{EpisodeID: 1, DownloadID: "D1"}
	s.Schedule(fp, time.Now().Add(20*time.Millisecond), model.TriggerPostGrabCheck)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(fired)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRun_pastDueTaskFiresImmediately(t *testing.T) {
	done := make(chan struct{}, 1)
	s := New(func(context.Context, model.Fingerprint, model.TaskTrigger) {
		done <- struct{}{}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	fp := model.Fingerprint{EpisodeID: 1, DownloadID: "D1"}
	s.Schedule(fp, time.Now().Add(-time.Second), model.TriggerPostGrabCheck)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("past-due task did not fire immediately")
	}
}

func TestRun_handlerPanicDoesNotCrashLoop(t *testing.T) {
	calls := make(chan model.Fingerprint, 2)
	s := New(func(_ context.Context, fp model.Fingerprint, _ model.TaskTrigger) {
		calls <- fp
		if fp.DownloadID == "panics" {
			panic("boom")
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Schedule(model.Fingerprint{EpisodeID: 1, DownloadID: "panics"}, time.Now(), model.TriggerPostGrabCheck)
	s.Schedule(model.Fingerprint{EpisodeID: 2, DownloadID: "fine"}, time.Now().Add(30*time.Millisecond), model.TriggerPostGrabCheck)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case fp := <-calls:
			seen[fp.DownloadID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("did not observe both tasks firing")
		}
	}
	if !seen["panics"] || !seen["fine"] {
		t.Fatalf("seen = %v, want both tasks to have fired", seen)
	}
}
