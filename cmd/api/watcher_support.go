package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/batch-watcher/internal/batch"
	"github.com/yourusername/batch-watcher/internal/batchapi"
	"github.com/yourusername/batch-watcher/internal/checker"
	"github.com/yourusername/batch-watcher/internal/config"
	"github.com/yourusername/batch-watcher/internal/postflow"
	"github.com/yourusername/batch-watcher/internal/statestore"
)

// dependencies はAPIサーバーが使う長寿命コンポーネントをまとめます。
type dependencies struct {
	Store      statestore.Store
	Dispatcher *postflow.Dispatcher
	Worker     *postflow.Worker
	Checker    *checker.Checker

	redisClient *redis.Client
}

func buildDependencies(cfg *config.Config) (*dependencies, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(opt)
	store := statestore.NewRedisStore(redisClient, cfg.StatusDocKey)

	queueOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	dispatcher := postflow.NewDispatcher(queueOpt, time.Duration(cfg.PipelineTimeoutHours)*time.Hour)
	pipeline := postflow.NewPipeline(
		postflow.NewCommandRunner(log.Default()),
		buildPlans(cfg),
		log.Default(),
	)
	worker := postflow.NewWorker(queueOpt, store, pipeline, log.Default())

	chk := checker.New(store, buildRegistry(cfg), dispatcher, log.Default(), checker.Options{
		PollTimeout:     time.Duration(cfg.PollTimeoutSeconds) * time.Second,
		StaleTriggerAge: time.Duration(cfg.StaleTriggerMinutes) * time.Minute,
	})

	return &dependencies{
		Store:       store,
		Dispatcher:  dispatcher,
		Worker:      worker,
		Checker:     chk,
		redisClient: redisClient,
	}, nil
}

// RunCheck はスケジューラーから呼ばれるチェッカー1回分の実行です。
// 実行の集計は Checker.Run がログに出します。致命エラーでもプロセスは落としません。
func (d *dependencies) RunCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := d.Checker.Run(ctx); err != nil {
		log.Printf("checker run failed: %v", err)
	}
}

func (d *dependencies) Close() {
	if err := d.Dispatcher.Close(); err != nil {
		log.Printf("failed to close dispatcher: %v", err)
	}
	if err := d.redisClient.Close(); err != nil {
		log.Printf("failed to close redis client: %v", err)
	}
}

// buildRegistry は設定済みのAPIキーに応じてバッチAPIクライアントを登録します。
func buildRegistry(cfg *config.Config) *batchapi.Registry {
	registry := batchapi.NewRegistry()
	timeout := time.Duration(cfg.PollTimeoutSeconds) * time.Second
	if cfg.OpenAIAPIKey != "" {
		registry.Register(batch.TypeGPTImages,
			batchapi.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, timeout))
	}
	if cfg.AnthropicAPIKey != "" {
		registry.Register(batch.TypeClaudePrompts,
			batchapi.NewAnthropicClient(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey, timeout))
	}
	return registry
}

// buildPlans はバッチ種別ごとの後続パイプライン段を組み立てます。
// 動画生成段は画像バッチのみで、失敗しても後続段に進みます。
func buildPlans(cfg *config.Config) map[batch.Type][]postflow.Stage {
	imageStages := make([]postflow.Stage, 0, 3)
	promptStages := make([]postflow.Stage, 0, 2)

	if cmd := strings.Fields(cfg.StageRetrieveCmd); len(cmd) > 0 {
		imageStages = append(imageStages, postflow.Stage{Name: "retrieve", Command: cmd})
		promptStages = append(promptStages, postflow.Stage{Name: "retrieve", Command: cmd})
	}
	if cmd := strings.Fields(cfg.StageVideoCmd); len(cmd) > 0 {
		imageStages = append(imageStages, postflow.Stage{Name: "video", Command: cmd, Optional: true})
	}
	if cmd := strings.Fields(cfg.StageUploadCmd); len(cmd) > 0 {
		imageStages = append(imageStages, postflow.Stage{Name: "upload", Command: cmd})
		promptStages = append(promptStages, postflow.Stage{Name: "upload", Command: cmd})
	}

	return map[batch.Type][]postflow.Stage{
		batch.TypeGPTImages:     imageStages,
		batch.TypeClaudePrompts: promptStages,
	}
}
