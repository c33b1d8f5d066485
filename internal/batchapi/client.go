// Package batchapi は外部バッチAPIのポーリングクライアントを提供します。
package batchapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/batch-watcher/internal/batch"
)

// State はバッチAPIが報告する状態を正規化した値です。
type State string

const (
	// StatePending は処理中（validating / in_progress / finalizing など）です。
	StatePending State = "pending"
	// StateCompleted は結果の取得が可能な完了状態です。
	StateCompleted State = "completed"
	// StateFailed は failed / expired / cancelled のいずれかです。
	StateFailed State = "failed"
)

// RequestCounts はバッチ内リクエストの進捗数です。
type RequestCounts struct {
	Completed int
	Failed    int
	Total     int
}

// PollResult は1回のステータス照会の結果です。
type PollResult struct {
	State State
	// Detail はAPIが返した生のステータス文字列です（expired 等の失敗理由を含む）。
	Detail string
	Counts RequestCounts
}

// ErrTransient はAPI到達不能・タイムアウト・一時的なサーバーエラーを表します。
// 呼び出し側は同一実行内では再試行せず、次回のスケジュール実行に委ねます。
var ErrTransient = errors.New("transient batch api error")

// Client はバッチAPIへの照会インターフェースです。Pollは冪等である前提です。
type Client interface {
	Poll(ctx context.Context, batchID string) (*PollResult, error)
}

// Registry はバッチタイプごとのクライアントを引きます。
type Registry struct {
	clients map[batch.Type]Client
}

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	return &Registry{clients: make(map[batch.Type]Client)}
}

// Register はバッチタイプにクライアントを割り当てます。
func (r *Registry) Register(t batch.Type, c Client) {
	r.clients[t] = c
}

// For はバッチタイプに対応するクライアントを返します。
func (r *Registry) For(t batch.Type) (Client, error) {
	c, ok := r.clients[t]
	if !ok {
		return nil, fmt.Errorf("no batch api client for type %s", t)
	}
	return c, nil
}
