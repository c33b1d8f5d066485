package checker

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/batch-watcher/internal/batch"
	"github.com/yourusername/batch-watcher/internal/statestore"
)

// ErrAlreadyTriggered は別の実行が先に completed -> triggered を
// 永続化していたことを表します。呼び出し側はパイプラインを起動しません。
var ErrAlreadyTriggered = errors.New("record was already triggered by another invocation")

// Trigger は completed のレコードを triggered に遷移させ、成功した場合に
// のみ後続パイプラインを起動します（persist-then-act）。
//
// completed -> triggered のCAS書込はレコードごとに高々1回しか成功しない
// ため、このコンポーネントからのパイプライン起動は高々1回です。状態書込
// 成功後に起動が失敗した場合、レコードは triggered のまま残ります。
// 自動回復はせず、監視と手動再トリガーに委ねます。
func (c *Checker) Trigger(ctx context.Context, projectKey string) error {
	rec, err := statestore.UpdateRecord(ctx, c.store, projectKey, func(r *batch.Record) error {
		return r.MarkTriggered(c.now().UTC())
	})
	if err != nil {
		if errors.Is(err, batch.ErrInvalidTransition) {
			return fmt.Errorf("%w: %v", ErrAlreadyTriggered, err)
		}
		return fmt.Errorf("failed to persist trigger for %s: %w", projectKey, err)
	}

	// ここに到達した時点で triggered は永続化済み。起動は一度だけ試みる。
	if err := c.starter.Start(ctx, *rec); err != nil {
		c.logger.Printf("trigger: WARNING project=%s is persisted as triggered but the pipeline start failed: %v",
			projectKey, err)
		return fmt.Errorf("pipeline start failed after trigger was persisted (project=%s): %w", projectKey, err)
	}
	return nil
}
