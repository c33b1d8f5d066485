// Package main はチェッカーを1回だけ実行するワンショットのエントリーポイントです。
// Cloud Scheduler などの外部スケジューラーから起動し、終了コードで成否を返します。
package main

import (
	"context"
	"log"
	"os"
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

func main() {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatalf("Invalid REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(opt)
	defer redisClient.Close()
	store := statestore.NewRedisStore(redisClient, cfg.StatusDocKey)

	queueOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatalf("Invalid REDIS_URL for queue: %v", err)
	}
	dispatcher := postflow.NewDispatcher(queueOpt, time.Duration(cfg.PipelineTimeoutHours)*time.Hour)
	defer dispatcher.Close()

	pollTimeout := time.Duration(cfg.PollTimeoutSeconds) * time.Second
	registry := batchapi.NewRegistry()
	if cfg.OpenAIAPIKey != "" {
		registry.Register(batch.TypeGPTImages,
			batchapi.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, pollTimeout))
	}
	if cfg.AnthropicAPIKey != "" {
		registry.Register(batch.TypeClaudePrompts,
			batchapi.NewAnthropicClient(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey, pollTimeout))
	}

	chk := checker.New(store, registry, dispatcher, logger, checker.Options{
		PollTimeout:     pollTimeout,
		StaleTriggerAge: time.Duration(cfg.StaleTriggerMinutes) * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	// 集計は Checker.Run がログに出す。ここでは成否を終了コードで返すのみ。
	if _, err := chk.Run(ctx); err != nil {
		logger.Printf("checker run failed: %v", err)
		os.Exit(1)
	}
}
