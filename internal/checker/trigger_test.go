package checker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/yourusername/batch-watcher/internal/batch"
	"github.com/yourusername/batch-watcher/internal/statestore"
)

func TestTriggerPersistThenAct(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	seedRecord(t, store, "ep1", "b1", batch.StatusCompleted)

	starter := &countingStarter{}
	c := newTestChecker(store, &fakeClient{}, starter)

	if err := c.Trigger(ctx, "ep1"); err != nil {
		t.Fatalf("Trigger returned error: %v", err)
	}
	if starter.count() != 1 {
		t.Fatalf("start count = %d, want 1", starter.count())
	}
	rec, _ := statestore.GetRecord(ctx, store, "ep1")
	if rec.Status != batch.StatusTriggered || rec.TriggeredAt == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestTriggerRejectsNonCompletedRecord(t *testing.T) {
	ctx := context.Background()
	for _, status := range []batch.Status{batch.StatusInProgress, batch.StatusTriggered, batch.StatusDone} {
		store := statestore.NewMemoryStore()
		seedRecord(t, store, "ep1", "b1", status)

		starter := &countingStarter{}
		c := newTestChecker(store, &fakeClient{}, starter)

		err := c.Trigger(ctx, "ep1")
		if !errors.Is(err, ErrAlreadyTriggered) {
			t.Errorf("Trigger on %s: err = %v, want ErrAlreadyTriggered", status, err)
		}
		if starter.count() != 0 {
			t.Errorf("Trigger on %s started the pipeline", status)
		}
	}
}

func TestTriggerStartFailureLeavesTriggered(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	seedRecord(t, store, "ep1", "b1", batch.StatusCompleted)

	boom := errors.New("jobs client unreachable")
	starter := &countingStarter{err: boom}
	c := newTestChecker(store, &fakeClient{}, starter)

	if err := c.Trigger(ctx, "ep1"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped start failure", err)
	}
	rec, _ := statestore.GetRecord(ctx, store, "ep1")
	if rec.Status != batch.StatusTriggered {
		t.Fatalf("unexpected status after partial failure: %s", rec.Status)
	}
}

// N個の実行が同じ completed レコードに対して同時にトリガーを競った場合、
// 状態遷移に勝った1つだけがパイプラインを起動する。
func TestConcurrentTriggersStartExactlyOnce(t *testing.T) {
	const n = 8
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	seedRecord(t, store, "ep1", "b1", batch.StatusCompleted)

	starter := &countingStarter{}
	c := newTestChecker(store, &fakeClient{}, starter)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Trigger(ctx, "ep1")
		}(i)
	}
	wg.Wait()

	if starter.count() != 1 {
		t.Fatalf("start count = %d, want exactly 1", starter.count())
	}

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1 (errs=%v)", winners, errs)
	}

	rec, _ := statestore.GetRecord(ctx, store, "ep1")
	if rec.Status != batch.StatusTriggered {
		t.Fatalf("unexpected status: %s", rec.Status)
	}
}

// 2つの重なった Checker 実行が同じ completed レコードを読んだ場合でも
// パイプライン起動は1回だけ発行される。
func TestOverlappingRunsTriggerOnce(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	seedRecord(t, store, "ep1", "b1", batch.StatusCompleted)

	starter := &countingStarter{}
	c1 := newTestChecker(store, &fakeClient{}, starter)
	c2 := newTestChecker(store, &fakeClient{}, starter)

	var wg sync.WaitGroup
	for _, c := range []*Checker{c1, c2} {
		wg.Add(1)
		go func(c *Checker) {
			defer wg.Done()
			if _, err := c.Run(ctx); err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		}(c)
	}
	wg.Wait()

	if starter.count() != 1 {
		t.Fatalf("start count = %d, want exactly 1", starter.count())
	}
}
