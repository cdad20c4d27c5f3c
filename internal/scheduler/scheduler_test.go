package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Rayyan0080/crisisgrid/internal/logging"
)

func TestMemoryStoreDueReturnsOnlyPastTasks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_ = store.Schedule(ctx, Task{Key: "FIX-1", Kind: "fix_verification", WakeAt: now.Add(-time.Minute)})
	_ = store.Schedule(ctx, Task{Key: "FIX-2", Kind: "fix_verification", WakeAt: now.Add(time.Hour)})

	due, err := store.Due(ctx, now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].Key != "FIX-1" {
		t.Fatalf("expected only FIX-1 due, got %+v", due)
	}
}

func TestMemoryStoreRemove(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_ = store.Schedule(ctx, Task{Key: "FIX-1", Kind: "fix_verification", WakeAt: now.Add(-time.Minute)})
	if err := store.Remove(ctx, "FIX-1", "fix_verification"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	due, err := store.Due(ctx, now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no due tasks after removal, got %+v", due)
	}
}

func TestSchedulerDispatchesDueTaskToHandler(t *testing.T) {
	store := NewMemoryStore()
	log := logging.New("scheduler-test", "error", "text")
	sched := New(store, log, "100ms")

	fired := make(chan Task, 1)
	sched.RegisterHandler("fix_verification", func(ctx context.Context, task Task) error {
		fired <- task
		return nil
	})

	ctx := context.Background()
	if err := sched.Schedule(ctx, "FIX-1", "fix_verification", time.Now().UTC().Add(-time.Second), ""); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	select {
	case task := <-fired:
		if task.Key != "FIX-1" {
			t.Fatalf("expected FIX-1, got %s", task.Key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduler to dispatch due task")
	}

	due, err := store.Due(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected task removed after successful handling, got %+v", due)
	}
}

func TestSchedulerRetainsTaskOnHandlerError(t *testing.T) {
	store := NewMemoryStore()
	log := logging.New("scheduler-test", "error", "text")
	sched := New(store, log, "")

	var mu sync.Mutex
	attempts := 0
	sched.RegisterHandler("fix_verification", func(ctx context.Context, task Task) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return context.DeadlineExceeded
	})

	ctx := context.Background()
	_ = sched.Schedule(ctx, "FIX-1", "fix_verification", time.Now().UTC().Add(-time.Second), "")
	sched.sweep(ctx)

	due, err := store.Due(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected task to remain after handler error, got %+v", due)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt from direct sweep call, got %d", attempts)
	}
}
