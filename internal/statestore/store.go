// Package statestore はバッチ状態ドキュメントの永続化を提供します。
//
// ドキュメント全体を単一のバージョン付きJSONブロブとして読み書きし、
// 並行する呼び出し間の整合性は楽観的並行性制御（compare-and-swap）のみで
// 保証します。排他ロックは使いません。
package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/batch-watcher/internal/batch"
)

// Store は状態ドキュメントの読み書きインターフェースです。
type Store interface {
	// Load は現在のドキュメントとそのバージョンを取得します。
	// ドキュメント未作成の場合は ErrNotFound を返します。
	Load(ctx context.Context) (*Document, Version, error)
	// Save は格納中のバージョンが expected と一致する場合にのみ書き込み、
	// 新しいバージョンを返します。不一致の場合は ErrConflict を返します。
	Save(ctx context.Context, doc *Document, expected Version) (Version, error)
}

var (
	// ErrNotFound はドキュメントが未作成であることを表します。
	// 呼び出し側は空のストアとして扱います。
	ErrNotFound = errors.New("status document not found")
	// ErrConflict は楽観的並行性制御の書き込み競合を表します。
	// 呼び出し側は再読込して単一レコードの変更をやり直します。
	ErrConflict = errors.New("status document version conflict")
	// ErrCorruptState はドキュメントが解析不能であることを表します。
	// 自動修復はせず、呼び出し側の処理を中断してオペレーターに通知します。
	ErrCorruptState = errors.New("status document is corrupt")
)

// Version はドキュメントのバージョントークンです。
// 書き込みは読み取り時のトークンが一致する場合にのみ成功します。
type Version int64

// Document は全バッチレコードを保持する状態ドキュメントです。
type Document struct {
	Version  Version                  `json:"version"`
	Projects map[string]*batch.Record `json:"projects"`
}

// NewDocument は空のドキュメントを返します。
func NewDocument() *Document {
	return &Document{Projects: make(map[string]*batch.Record)}
}

// Clone はドキュメントの深いコピーを返します。
func (d *Document) Clone() *Document {
	out := &Document{
		Version:  d.Version,
		Projects: make(map[string]*batch.Record, len(d.Projects)),
	}
	for key, rec := range d.Projects {
		out.Projects[key] = rec.Clone()
	}
	return out
}

// Validate はドキュメント全体の不変条件を検証します。
// project_key の一意性はマップ構造が保証するため、ここでは
// アクティブなレコード間の batch_id 重複を検査します。
func (d *Document) Validate() error {
	seen := make(map[string]string, len(d.Projects))
	for key, rec := range d.Projects {
		if rec == nil {
			return fmt.Errorf("nil record for project %s", key)
		}
		if rec.ProjectKey != key {
			return fmt.Errorf("record key mismatch: map key %s, record %s", key, rec.ProjectKey)
		}
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("project %s: %w", key, err)
		}
		if !rec.Status.Active() {
			continue
		}
		if other, dup := seen[rec.BatchID]; dup {
			return fmt.Errorf("batch_id %s is shared by active projects %s and %s", rec.BatchID, other, key)
		}
		seen[rec.BatchID] = key
	}
	return nil
}
