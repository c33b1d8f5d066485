package postflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/batch-watcher/internal/batch"
	"github.com/yourusername/batch-watcher/internal/statestore"
)

const (
	// TaskTypeRun はパイプライン実行タスクの種別です。
	TaskTypeRun = "postflow:run"

	queueName = "postflow"
)

// TaskPayload はパイプライン実行タスクのペイロードです。
type TaskPayload struct {
	ProjectKey string     `json:"project_key"`
	BatchType  batch.Type `json:"batch_type"`
	OutputDir  string     `json:"output_dir"`
	ModelName  string     `json:"model_name"`
}

// Dispatcher はパイプライン実行タスクをキューに投入します。
// checker.Starter を実装し、トリガーからは fire-and-forget で呼ばれます。
type Dispatcher struct {
	client  *asynq.Client
	timeout time.Duration
}

// NewDispatcher は Dispatcher を作成します。timeout はパイプライン全体の実行上限です。
func NewDispatcher(opt asynq.RedisConnOpt, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	return &Dispatcher{
		client:  asynq.NewClient(opt),
		timeout: timeout,
	}
}

// Start はレコードに対応するパイプライン実行タスクを投入します。
func (d *Dispatcher) Start(ctx context.Context, rec batch.Record) error {
	payload := TaskPayload{
		ProjectKey: rec.ProjectKey,
		BatchType:  rec.BatchType,
		OutputDir:  rec.OutputDir,
		ModelName:  rec.ModelName,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	// 再試行はしない: 実行の失敗は終端状態としてストアに記録される。
	task := asynq.NewTask(TaskTypeRun, body,
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
		asynq.Timeout(d.timeout),
	)
	if _, err := d.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue post-flow task: %w", err)
	}
	return nil
}

// Close はキュークライアントを閉じます。
func (d *Dispatcher) Close() error {
	return d.client.Close()
}

// Worker はパイプライン実行タスクを処理し、終端状態をストアに書き戻します。
type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	store    statestore.Store
	pipeline *Pipeline
	logger   *log.Logger
}

// NewWorker は Worker を作成します。
func NewWorker(opt asynq.RedisConnOpt, store statestore.Store, pipeline *Pipeline, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Queues: map[string]int{
			queueName: 1,
		},
	})
	mux := asynq.NewServeMux()
	w := &Worker{
		server:   server,
		mux:      mux,
		store:    store,
		pipeline: pipeline,
		logger:   logger,
	}
	mux.HandleFunc(TaskTypeRun, w.handleRun)
	return w
}

// Start はワーカーをバックグラウンドで起動します。
func (w *Worker) Start() {
	go func() {
		if err := w.server.Run(w.mux); err != nil && err != asynq.ErrServerClosed {
			w.logger.Printf("postflow: worker stopped with error: %v", err)
		}
	}()
}

// Shutdown はワーカーを停止します。
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

func (w *Worker) handleRun(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.ProjectKey == "" {
		return fmt.Errorf("missing project_key in payload")
	}

	// ストアのレコードを正として読み直す。triggered 以外（既に終端に達した、
	// または削除済み）の場合はタスクの重複配送とみなして何もしない。
	rec, err := statestore.GetRecord(ctx, w.store, payload.ProjectKey)
	if err != nil {
		if errors.Is(err, statestore.ErrRecordNotFound) {
			w.logger.Printf("postflow: project=%s no longer exists, skipping", payload.ProjectKey)
			return nil
		}
		return err
	}
	if rec.Status != batch.StatusTriggered {
		w.logger.Printf("postflow: project=%s is %s, not triggered; skipping duplicate delivery",
			payload.ProjectKey, rec.Status)
		return nil
	}

	w.logger.Printf("postflow: project=%s starting pipeline (type=%s output=%s model=%s)",
		rec.ProjectKey, rec.BatchType, rec.OutputDir, rec.ModelName)

	if err := w.pipeline.Run(ctx, *rec); err != nil {
		w.logger.Printf("postflow: project=%s pipeline failed: %v", rec.ProjectKey, err)
		w.complete(ctx, rec.ProjectKey, batch.StatusFailed, &batch.ErrorInfo{
			Code:    "POST_FLOW_FAILED",
			Message: err.Error(),
		})
		return nil
	}

	w.complete(ctx, rec.ProjectKey, batch.StatusDone, nil)
	w.logger.Printf("postflow: project=%s pipeline finished", rec.ProjectKey)
	return nil
}

// complete は triggered -> done|failed の終端遷移を書き込みます。
func (w *Worker) complete(ctx context.Context, projectKey string, final batch.Status, info *batch.ErrorInfo) {
	_, err := statestore.UpdateRecord(ctx, w.store, projectKey, func(r *batch.Record) error {
		if final == batch.StatusDone {
			return r.MarkDone(time.Now().UTC())
		}
		return r.MarkFailed(time.Now().UTC(), info)
	})
	if err != nil {
		if errors.Is(err, batch.ErrInvalidTransition) {
			w.logger.Printf("postflow: project=%s terminal status already recorded", projectKey)
			return
		}
		w.logger.Printf("postflow: project=%s failed to record terminal status %s: %v", projectKey, final, err)
	}
}
