// Package checker は定期実行されるバッチ完了検知とパイプライン起動を提供します。
//
// 1回の Run は短命・ステートレスなスキャンであり、前回実行と時間的に
// 重なっても安全です。正しさはストアの楽観的並行性制御だけに依存します。
package checker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/batch-watcher/internal/batch"
	"github.com/yourusername/batch-watcher/internal/batchapi"
	"github.com/yourusername/batch-watcher/internal/statestore"
)

// Starter は後続パイプラインの起動アクションです。
// 起動は fire-and-forget であり、完了はコールバック経由で報告されます。
type Starter interface {
	Start(ctx context.Context, rec batch.Record) error
}

// Options は Checker の調整項目です。
type Options struct {
	// PollTimeout はバッチAPI照会1回あたりのタイムアウトです。
	PollTimeout time.Duration
	// StaleTriggerAge はこの時間を超えて triggered のままのレコードを
	// 監視対象（起動失敗の疑い）として数える閾値です。
	StaleTriggerAge time.Duration
}

// Summary は1回の実行の集計結果です。
type Summary struct {
	RunID         string
	Polled        int // バッチAPIを照会した件数
	Completed     int // completed へ遷移した件数
	Failed        int // failed へ遷移した件数
	Triggered     int // パイプラインを起動した件数
	Skipped       int // 一時的なAPIエラーで次回に先送りした件数
	StaleTriggers int // triggered のまま放置されている疑いの件数
}

// Checker はバッチ状態のスキャナーです。
type Checker struct {
	store    statestore.Store
	registry *batchapi.Registry
	starter  Starter
	logger   *log.Logger
	opts     Options

	now func() time.Time
}

// New は Checker を作成します。
func New(store statestore.Store, registry *batchapi.Registry, starter Starter, logger *log.Logger, opts Options) *Checker {
	if logger == nil {
		logger = log.Default()
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	if opts.StaleTriggerAge <= 0 {
		opts.StaleTriggerAge = 2 * time.Hour
	}
	return &Checker{
		store:    store,
		registry: registry,
		starter:  starter,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// Run は全レコードを1回スキャンします。
// ドキュメントが解析不能な場合のみ致命的エラーとして中断します。
// 個々のレコードのAPIエラーはそのレコードの先送りに留め、処理を続行します。
func (c *Checker) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{RunID: uuid.NewString()}

	doc, _, err := c.store.Load(ctx)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			c.logger.Printf("checker run=%s: no status document, nothing to do", summary.RunID)
			return summary, nil
		}
		return nil, fmt.Errorf("checker aborted: %w", err)
	}

	keys := sortedKeys(doc.Projects)
	c.logger.Printf("checker run=%s: scanning %d records", summary.RunID, len(keys))

	// 先に再トリガー掃引: 前回以前の実行でトリガーに失敗して completed の
	// まま残ったレコードを拾う。このパスはAPI照会パスより前に行う。
	for _, key := range keys {
		if doc.Projects[key].Status != batch.StatusCompleted {
			continue
		}
		c.triggerRecord(ctx, key, summary)
	}

	// API照会パス: in_progress のレコードのみ照会する。
	for _, key := range keys {
		rec := doc.Projects[key]
		if rec.Status != batch.StatusInProgress {
			continue
		}
		c.pollRecord(ctx, rec, summary)
	}

	c.countStaleTriggers(ctx, summary)

	c.logger.Printf("checker run=%s: polled=%d completed=%d failed=%d triggered=%d skipped=%d stale=%d",
		summary.RunID, summary.Polled, summary.Completed, summary.Failed,
		summary.Triggered, summary.Skipped, summary.StaleTriggers)
	return summary, nil
}

func (c *Checker) pollRecord(ctx context.Context, rec *batch.Record, summary *Summary) {
	client, err := c.registry.For(rec.BatchType)
	if err != nil {
		c.logger.Printf("checker: project=%s: %v", rec.ProjectKey, err)
		summary.Skipped++
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.opts.PollTimeout)
	result, err := client.Poll(pollCtx, rec.BatchID)
	cancel()
	if err != nil {
		// 同一実行内では再試行しない。状態は変更せず次回実行に委ねる。
		if errors.Is(err, batchapi.ErrTransient) {
			c.logger.Printf("checker: project=%s batch=%s: transient api error, will retry next run: %v",
				rec.ProjectKey, rec.BatchID, err)
		} else {
			c.logger.Printf("checker: project=%s batch=%s: poll failed: %v", rec.ProjectKey, rec.BatchID, err)
		}
		summary.Skipped++
		return
	}
	summary.Polled++

	switch result.State {
	case batchapi.StateCompleted:
		if _, err := statestore.UpdateRecord(ctx, c.store, rec.ProjectKey, func(r *batch.Record) error {
			return r.MarkCompleted(c.now().UTC())
		}); err != nil {
			if errors.Is(err, batch.ErrInvalidTransition) {
				// 並行する実行が先に進めていた。このレコードは任せる。
				c.logger.Printf("checker: project=%s already advanced past in_progress", rec.ProjectKey)
				return
			}
			c.logger.Printf("checker: project=%s: failed to persist completion: %v", rec.ProjectKey, err)
			return
		}
		summary.Completed++
		c.logger.Printf("checker: project=%s batch=%s completed (%d/%d requests, %d failed)",
			rec.ProjectKey, rec.BatchID, result.Counts.Completed, result.Counts.Total, result.Counts.Failed)

		// completed の永続化直後にトリガーする。失敗しても completed のまま
		// 残るので、次回実行の再トリガー掃引が拾う。
		c.triggerRecord(ctx, rec.ProjectKey, summary)

	case batchapi.StateFailed:
		info := &batch.ErrorInfo{
			Code:    "BATCH_FAILED",
			Message: fmt.Sprintf("batch api reported %s", result.Detail),
		}
		if _, err := statestore.UpdateRecord(ctx, c.store, rec.ProjectKey, func(r *batch.Record) error {
			return r.MarkFailed(c.now().UTC(), info)
		}); err != nil {
			if !errors.Is(err, batch.ErrInvalidTransition) {
				c.logger.Printf("checker: project=%s: failed to persist failure: %v", rec.ProjectKey, err)
			}
			return
		}
		summary.Failed++
		c.logger.Printf("checker: project=%s batch=%s failed (%s)", rec.ProjectKey, rec.BatchID, result.Detail)

	default:
		c.logger.Printf("checker: project=%s batch=%s still %s (%d/%d requests)",
			rec.ProjectKey, rec.BatchID, result.Detail, result.Counts.Completed, result.Counts.Total)
	}
}

func (c *Checker) triggerRecord(ctx context.Context, projectKey string, summary *Summary) {
	if err := c.Trigger(ctx, projectKey); err != nil {
		if errors.Is(err, ErrAlreadyTriggered) {
			return
		}
		c.logger.Printf("checker: project=%s: trigger failed: %v", projectKey, err)
		return
	}
	summary.Triggered++
	c.logger.Printf("checker: project=%s: post-flow pipeline started", projectKey)
}

// countStaleTriggers は triggered のまま StaleTriggerAge を超えたレコードを数えます。
// 起動が実は成功していてコールバックだけが失われた可能性があるため、
// 自動では再トリガーせず、監視可能な状態として報告するに留めます。
func (c *Checker) countStaleTriggers(ctx context.Context, summary *Summary) {
	doc, _, err := c.store.Load(ctx)
	if err != nil {
		return
	}
	now := c.now()
	for _, key := range sortedKeys(doc.Projects) {
		rec := doc.Projects[key]
		if rec.Status != batch.StatusTriggered || rec.TriggeredAt == nil {
			continue
		}
		age := now.Sub(*rec.TriggeredAt)
		if age > c.opts.StaleTriggerAge {
			summary.StaleTriggers++
			c.logger.Printf("checker: WARNING project=%s has been triggered for %s without a terminal status; manual re-trigger may be required",
				key, age.Round(time.Minute))
		}
	}
}

func sortedKeys(projects map[string]*batch.Record) []string {
	keys := make([]string, 0, len(projects))
	for key := range projects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
