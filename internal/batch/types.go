// Package batch はバッチジョブのレコードスキーマと状態遷移を定義します。
package batch

import (
	"errors"
	"fmt"
	"time"
)

// Status はバッチレコードのライフサイクル上の状態を表します。
type Status string

const (
	// StatusInProgress は外部バッチAPIで処理中の状態です。
	StatusInProgress Status = "in_progress"
	// StatusCompleted はバッチAPIが完了を報告した状態です。
	StatusCompleted Status = "completed"
	// StatusTriggered は後続パイプラインの起動を永続化済みの状態です。
	StatusTriggered Status = "triggered"
	// StatusDone はパイプラインが正常終了した終端状態です。
	StatusDone Status = "done"
	// StatusFailed はバッチまたはパイプラインが失敗した終端状態です。
	StatusFailed Status = "failed"
)

// transitions は前進のみの遷移表です。状態の巻き戻しや飛び越しは許可しません。
var transitions = map[Status][]Status{
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusTriggered},
	StatusTriggered:  {StatusDone, StatusFailed},
	StatusDone:       {},
	StatusFailed:     {},
}

// Valid は既知の状態かどうかを返します。
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition は s から next への遷移が許可されているかを返します。
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal は終端状態（これ以上遷移しない）かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Active は in_progress / completed / triggered のいずれかを返します。
// batch_id の一意性チェックはこの範囲のレコードにのみ適用されます。
func (s Status) Active() bool {
	return s == StatusInProgress || s == StatusCompleted || s == StatusTriggered
}

// Type はどのバッチAPI・ワークロードがレコードを生んだかを表します。
type Type string

const (
	// TypeGPTImages はOpenAI Batch APIによる画像生成バッチです。
	TypeGPTImages Type = "gpt_images"
	// TypeClaudePrompts はAnthropic Message Batchesによるプロンプト生成バッチです。
	TypeClaudePrompts Type = "claude_prompts"
)

// Valid は既知のバッチタイプかどうかを返します。
func (t Type) Valid() bool {
	switch t {
	case TypeGPTImages, TypeClaudePrompts:
		return true
	default:
		return false
	}
}

// ErrorInfo はレコード失敗時の構造化エラー情報です。status=failed の場合のみ設定されます。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record は投入済みバッチジョブ1件の永続状態を表します。
type Record struct {
	ProjectKey  string     `json:"project_key"`
	BatchID     string     `json:"batch_id"`
	BatchType   Type       `json:"batch_type"`
	Status      Status     `json:"status"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	OutputDir   string     `json:"output_dir,omitempty"`
	ModelName   string     `json:"model_name,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
}

// ErrInvalidTransition は状態遷移表に反する更新を表します。
var ErrInvalidTransition = errors.New("invalid status transition")

// Validate はレコードの必須項目と列挙値を検証します。
func (r *Record) Validate() error {
	if r.ProjectKey == "" {
		return fmt.Errorf("project_key is required")
	}
	if r.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	if !r.BatchType.Valid() {
		return fmt.Errorf("unknown batch_type: %s", r.BatchType)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status: %s", r.Status)
	}
	if r.Status == StatusFailed && r.Error == nil {
		return fmt.Errorf("failed record requires error detail")
	}
	if r.Status != StatusFailed && r.Error != nil {
		return fmt.Errorf("error detail is only allowed when status=failed")
	}
	return nil
}

func (r *Record) transition(next Status) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (project=%s)", ErrInvalidTransition, r.Status, next, r.ProjectKey)
	}
	r.Status = next
	return nil
}

// MarkCompleted は in_progress -> completed の遷移を適用します。
func (r *Record) MarkCompleted(now time.Time) error {
	if err := r.transition(StatusCompleted); err != nil {
		return err
	}
	r.CompletedAt = &now
	return nil
}

// MarkTriggered は completed -> triggered の遷移を適用します。
// この遷移の永続化が後続パイプライン起動の前提条件（persist-then-act）です。
func (r *Record) MarkTriggered(now time.Time) error {
	if err := r.transition(StatusTriggered); err != nil {
		return err
	}
	r.TriggeredAt = &now
	return nil
}

// MarkFailed は現在状態から failed への遷移を適用します。
// in_progress（バッチAPIが失敗を報告）と triggered（パイプライン失敗）から到達できます。
func (r *Record) MarkFailed(now time.Time, info *ErrorInfo) error {
	if err := r.transition(StatusFailed); err != nil {
		return err
	}
	if info == nil {
		info = &ErrorInfo{Code: "UNKNOWN", Message: "no error detail"}
	}
	r.FinishedAt = &now
	r.Error = info
	return nil
}

// MarkDone は triggered -> done の遷移を適用します。
func (r *Record) MarkDone(now time.Time) error {
	if err := r.transition(StatusDone); err != nil {
		return err
	}
	r.FinishedAt = &now
	r.Error = nil
	return nil
}

// Clone はレコードの深いコピーを返します。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.SubmittedAt = cloneTime(r.SubmittedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.TriggeredAt = cloneTime(r.TriggeredAt)
	out.FinishedAt = cloneTime(r.FinishedAt)
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
