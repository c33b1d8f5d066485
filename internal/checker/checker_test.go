package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/batch-watcher/internal/batch"
	"github.com/yourusername/batch-watcher/internal/batchapi"
	"github.com/yourusername/batch-watcher/internal/statestore"
)

type fakeClient struct {
	mu      sync.Mutex
	results map[string]*batchapi.PollResult
	errs    map[string]error
	polls   int
}

func (f *fakeClient) Poll(ctx context.Context, batchID string) (*batchapi.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if err, ok := f.errs[batchID]; ok {
		return nil, err
	}
	if res, ok := f.results[batchID]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("unknown batch: %s", batchID)
}

type countingStarter struct {
	mu     sync.Mutex
	starts []string
	err    error
}

func (s *countingStarter) Start(ctx context.Context, rec batch.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.starts = append(s.starts, rec.ProjectKey)
	return nil
}

func (s *countingStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.starts)
}

func seedRecord(t *testing.T, store statestore.Store, projectKey, batchID string, status batch.Status) {
	t.Helper()
	now := time.Now().UTC().Add(-time.Hour)
	rec := &batch.Record{
		ProjectKey:  projectKey,
		BatchID:     batchID,
		BatchType:   batch.TypeGPTImages,
		Status:      batch.StatusInProgress,
		SubmittedAt: &now,
		OutputDir:   "/tmp/out/" + projectKey,
		ModelName:   "gpt-image-1-mini",
	}
	if err := statestore.PutRecord(context.Background(), store, rec); err != nil {
		t.Fatalf("failed to seed record %s: %v", projectKey, err)
	}
	if status == batch.StatusInProgress {
		return
	}
	if _, err := statestore.UpdateRecord(context.Background(), store, projectKey, func(r *batch.Record) error {
		switch status {
		case batch.StatusCompleted:
			return r.MarkCompleted(now)
		case batch.StatusTriggered:
			if err := r.MarkCompleted(now); err != nil {
				return err
			}
			return r.MarkTriggered(now)
		case batch.StatusDone:
			if err := r.MarkCompleted(now); err != nil {
				return err
			}
			if err := r.MarkTriggered(now); err != nil {
				return err
			}
			return r.MarkDone(now)
		case batch.StatusFailed:
			return r.MarkFailed(now, &batch.ErrorInfo{Code: "BATCH_FAILED", Message: "expired"})
		default:
			return fmt.Errorf("unsupported seed status: %s", status)
		}
	}); err != nil {
		t.Fatalf("failed to advance record %s to %s: %v", projectKey, status, err)
	}
}

func newTestChecker(store statestore.Store, client batchapi.Client, starter Starter) *Checker {
	registry := batchapi.NewRegistry()
	registry.Register(batch.TypeGPTImages, client)
	logger := log.New(io.Discard, "", 0)
	return New(store, registry, starter, logger, Options{
		PollTimeout:     time.Second,
		StaleTriggerAge: 30 * time.Minute,
	})
}

func TestRunCompletesAndTriggersExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	seedRecord(t, store, "ep1", "b1", batch.StatusInProgress)

	client := &fakeClient{results: map[string]*batchapi.PollResult{
		"b1": {State: batchapi.StateCompleted, Detail: "completed", Counts: batchapi.RequestCounts{Completed: 10, Total: 10}},
	}}
	starter := &countingStarter{}
	c := newTestChecker(store, client, starter)

	summary, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.Completed != 1 || summary.Triggered != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if starter.count() != 1 {
		t.Fatalf("start count = %d, want 1", starter.count())
	}

	rec, err := statestore.GetRecord(ctx, store, "ep1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if rec.Status != batch.StatusTriggered {
		t.Fatalf("unexpected status: %s", rec.Status)
	}
	if rec.CompletedAt == nil || rec.TriggeredAt == nil {
		t.Fatalf("timestamps missing: %+v", rec)
	}
}

func TestRunTransientErrorLeavesRecordAndContinues(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	seedRecord(t, store, "ep1", "b1", batch.StatusInProgress)
	seedRecord(t, store, "ep2", "b2", batch.StatusInProgress)

	client := &fakeClient{
		results: map[string]*batchapi.PollResult{
			"b2": {State: batchapi.StateCompleted, Detail: "completed"},
		},
		errs: map[string]error{
			"b1": fmt.Errorf("%w: connection refused", batchapi.ErrTransient),
		},
	}
	starter := &countingStarter{}
	c := newTestChecker(store, client, starter)

	summary, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", summary.Skipped)
	}

	rec1, _ := statestore.GetRecord(ctx, store, "ep1")
	if rec1.Status != batch.StatusInProgress {
		t.Fatalf("ep1 status changed on transient error: %s", rec1.Status)
	}
	rec2, _ := statestore.GetRecord(ctx, store, "ep2")
	if rec2.Status != batch.StatusTriggered {
		t.Fatalf("ep2 was not processed after ep1 failure: %s", rec2.Status)
	}
}

func TestRunBatchFailureMarksFailedWithoutTrigger(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	seedRecord(t, store, "ep1", "b1", batch.StatusInProgress)

	client := &fakeClient{results: map[string]*batchapi.PollResult{
		"b1": {State: batchapi.StateFailed, Detail: "expired"},
	}}
	starter := &countingStarter{}
	c := newTestChecker(store, client, starter)

	summary, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.Failed != 1 || starter.count() != 0 {
		t.Fatalf("unexpected summary=%+v starts=%d", summary, starter.count())
	}

	rec, _ := statestore.GetRecord(ctx, store, "ep1")
	if rec.Status != batch.StatusFailed {
		t.Fatalf("unexpected status: %s", rec.Status)
	}
	if rec.Error == nil || rec.Error.Code != "BATCH_FAILED" {
		t.Fatalf("unexpected error detail: %+v", rec.Error)
	}
}

func TestRunIsIdempotentOnTerminalRecords(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	seedRecord(t, store, "ep1", "b1", batch.StatusDone)
	seedRecord(t, store, "ep2", "b2", batch.StatusFailed)

	_, before, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	client := &fakeClient{}
	starter := &countingStarter{}
	c := newTestChecker(store, client, starter)

	summary, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.Polled != 0 || summary.Triggered != 0 || starter.count() != 0 {
		t.Fatalf("terminal records were touched: %+v starts=%d", summary, starter.count())
	}
	if client.polls != 0 {
		t.Fatalf("terminal records were polled: %d", client.polls)
	}

	_, after, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if before != after {
		t.Fatalf("document version changed on idempotent run: %d -> %d", before, after)
	}
}

func TestRunSweepsCompletedButUntriggeredRecords(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	// 前回実行がトリガーに失敗して completed のまま残ったレコード
	seedRecord(t, store, "ep1", "b1", batch.StatusCompleted)

	client := &fakeClient{}
	starter := &countingStarter{}
	c := newTestChecker(store, client, starter)

	summary, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.Triggered != 1 || starter.count() != 1 {
		t.Fatalf("sweep did not trigger: %+v starts=%d", summary, starter.count())
	}
	if client.polls != 0 {
		t.Fatalf("completed record was polled against the api: %d", client.polls)
	}

	rec, _ := statestore.GetRecord(ctx, store, "ep1")
	if rec.Status != batch.StatusTriggered {
		t.Fatalf("unexpected status: %s", rec.Status)
	}
}

func TestRunDoesNotRestartAfterPipelineStartFailure(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	seedRecord(t, store, "ep1", "b1", batch.StatusCompleted)

	client := &fakeClient{}
	starter := &countingStarter{err: errors.New("run service unavailable")}
	c := newTestChecker(store, client, starter)

	if _, err := c.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	// 状態書込は成功し起動だけが失敗した: レコードは triggered のまま残る
	rec, _ := statestore.GetRecord(ctx, store, "ep1")
	if rec.Status != batch.StatusTriggered {
		t.Fatalf("unexpected status: %s", rec.Status)
	}

	// 以後の実行は in_progress でも completed でもないので起動を再試行しない
	starter.err = nil
	if _, err := c.Run(ctx); err != nil {
		t.Fatalf("second Run returned error: %v", err)
	}
	if starter.count() != 0 {
		t.Fatalf("triggered record was restarted automatically: %d", starter.count())
	}
}

func TestRunCountsStaleTriggers(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	seedRecord(t, store, "ep1", "b1", batch.StatusTriggered)

	client := &fakeClient{}
	starter := &countingStarter{}
	c := newTestChecker(store, client, starter)
	// seedRecord は triggered_at を1時間前に設定する。閾値30分で stale と判定される。
	summary, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.StaleTriggers != 1 {
		t.Fatalf("stale triggers = %d, want 1", summary.StaleTriggers)
	}
	if starter.count() != 0 {
		t.Fatal("stale trigger must not be restarted automatically")
	}
}

func TestRunFatalOnCorruptDocument(t *testing.T) {
	store := statestore.NewMemoryStore()
	store.SetRaw([]byte("not a document"))

	c := newTestChecker(store, &fakeClient{}, &countingStarter{})
	if _, err := c.Run(context.Background()); !errors.Is(err, statestore.ErrCorruptState) {
		t.Fatalf("err = %v, want ErrCorruptState", err)
	}
}

func TestRunNoDocumentIsNotFatal(t *testing.T) {
	store := statestore.NewMemoryStore()
	c := newTestChecker(store, &fakeClient{}, &countingStarter{})
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.Polled != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
