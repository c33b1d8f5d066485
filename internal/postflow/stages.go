// Package postflow はバッチ完了後の多段パイプライン（結果取得・動画生成・
// アップロード）の実行と終端状態の報告を提供します。
package postflow

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/yourusername/batch-watcher/internal/batch"
)

// Stage はパイプラインの1段を表します。
type Stage struct {
	Name    string
	Command []string
	// Optional が真の段の失敗は致命的ではなく、後続の段を継続します。
	Optional bool
}

// StageRunner は1段の実行インターフェースです。テストで差し替えます。
type StageRunner interface {
	RunStage(ctx context.Context, stage Stage, rec batch.Record) error
}

// CommandRunner は外部コマンドとして段を実行する StageRunner です。
// 対象プロジェクトの情報は環境変数で引き渡します。
type CommandRunner struct {
	logger *log.Logger
}

// NewCommandRunner は CommandRunner を作成します。
func NewCommandRunner(logger *log.Logger) *CommandRunner {
	if logger == nil {
		logger = log.Default()
	}
	return &CommandRunner{logger: logger}
}

// RunStage は段のコマンドを実行します。タイムアウトは ctx で制御します。
func (r *CommandRunner) RunStage(ctx context.Context, stage Stage, rec batch.Record) error {
	if len(stage.Command) == 0 {
		return fmt.Errorf("stage %s has no command", stage.Name)
	}

	cmd := exec.CommandContext(ctx, stage.Command[0], stage.Command[1:]...)
	cmd.Env = append(os.Environ(),
		"TARGET_PROJECT_NAME="+rec.ProjectKey,
		"TARGET_BATCH_TYPE="+string(rec.BatchType),
		"TARGET_OUTPUT_DIR="+rec.OutputDir,
		"TARGET_MODEL_NAME="+rec.ModelName,
	)

	r.logger.Printf("postflow: project=%s stage=%s: running %s", rec.ProjectKey, stage.Name, strings.Join(stage.Command, " "))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("stage %s failed: %w (output: %s)", stage.Name, err, tail(output, 1000))
	}
	return nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Pipeline はバッチタイプごとの段構成を持つパイプライン実行器です。
type Pipeline struct {
	runner StageRunner
	plans  map[batch.Type][]Stage
	logger *log.Logger
}

// NewPipeline は Pipeline を作成します。
func NewPipeline(runner StageRunner, plans map[batch.Type][]Stage, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{runner: runner, plans: plans, logger: logger}
}

// Run はレコードのバッチタイプに対応する段を順に実行します。
// Optional な段の失敗はログに残して続行します。
func (p *Pipeline) Run(ctx context.Context, rec batch.Record) error {
	stages, ok := p.plans[rec.BatchType]
	if !ok || len(stages) == 0 {
		return fmt.Errorf("no post-flow plan for batch type %s", rec.BatchType)
	}

	for _, stage := range stages {
		if err := p.runner.RunStage(ctx, stage, rec); err != nil {
			if stage.Optional {
				p.logger.Printf("postflow: project=%s stage=%s failed (optional, continuing): %v",
					rec.ProjectKey, stage.Name, err)
				continue
			}
			return err
		}
		p.logger.Printf("postflow: project=%s stage=%s done", rec.ProjectKey, stage.Name)
	}
	return nil
}
