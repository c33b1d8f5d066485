package statestore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/yourusername/batch-watcher/internal/batch"
)

const (
	// maxAttempts はCAS競合時の単一レコード変更の再試行上限です。
	maxAttempts = 3
	// backoffBase は再試行間隔の基本値です。試行回数に比例して伸びます。
	backoffBase = 50 * time.Millisecond
)

var (
	// ErrRecordNotFound は対象の project_key が存在しないことを表します。
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordExists は登録時に project_key が既に使用中であることを表します。
	ErrRecordExists = errors.New("record already exists")
	// ErrDuplicateBatch はアクティブなレコード間で batch_id が重複することを表します。
	ErrDuplicateBatch = errors.New("batch_id already in use by an active record")
)

// GetRecord は project_key のレコードを取得します。
func GetRecord(ctx context.Context, s Store, projectKey string) (*batch.Record, error) {
	doc, _, err := s.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	rec, ok := doc.Projects[projectKey]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// UpdateRecord は単一レコードを読込・変更・CAS書込します。
// ErrConflict の場合のみ再読込して変更をやり直します（上限 maxAttempts 回、
// ジッター付きバックオフ）。ドキュメント全体の書き直しは決して再試行しません。
// mutate がエラーを返した場合は書き込みを行わず即座に中断します。
func UpdateRecord(ctx context.Context, s Store, projectKey string, mutate func(*batch.Record) error) (*batch.Record, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		doc, version, err := s.Load(ctx)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrRecordNotFound
			}
			return nil, err
		}
		rec, ok := doc.Projects[projectKey]
		if !ok {
			return nil, ErrRecordNotFound
		}
		if err := mutate(rec); err != nil {
			return nil, err
		}
		if err := rec.Validate(); err != nil {
			return nil, err
		}

		if _, err := s.Save(ctx, doc, version); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				if err := sleepBackoff(ctx, attempt); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		return rec.Clone(), nil
	}
	return nil, fmt.Errorf("update of %s gave up after %d attempts: %w", projectKey, maxAttempts, lastErr)
}

// PutRecord は新規レコードを登録します。project_key の重複および
// アクティブなレコード間の batch_id 重複を拒否します。
func PutRecord(ctx context.Context, s Store, rec *batch.Record) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		doc, version, err := s.Load(ctx)
		if errors.Is(err, ErrNotFound) {
			doc = NewDocument()
			version = 0
		} else if err != nil {
			return err
		}

		if existing, ok := doc.Projects[rec.ProjectKey]; ok && existing.Status.Active() {
			return fmt.Errorf("%w: %s", ErrRecordExists, rec.ProjectKey)
		}
		for key, other := range doc.Projects {
			if key == rec.ProjectKey || !other.Status.Active() {
				continue
			}
			if other.BatchID == rec.BatchID {
				return fmt.Errorf("%w: %s (project %s)", ErrDuplicateBatch, rec.BatchID, key)
			}
		}

		doc.Projects[rec.ProjectKey] = rec.Clone()
		if _, err := s.Save(ctx, doc, version); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				if err := sleepBackoff(ctx, attempt); err != nil {
					return err
				}
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("put of %s gave up after %d attempts: %w", rec.ProjectKey, maxAttempts, lastErr)
}

// DeleteRecord は明示的なクリーンアップ操作としてレコードを削除します。
// レコードは自動では削除されません。
func DeleteRecord(ctx context.Context, s Store, projectKey string) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		doc, version, err := s.Load(ctx)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrRecordNotFound
			}
			return err
		}
		if _, ok := doc.Projects[projectKey]; !ok {
			return ErrRecordNotFound
		}
		delete(doc.Projects, projectKey)

		if _, err := s.Save(ctx, doc, version); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				if err := sleepBackoff(ctx, attempt); err != nil {
					return err
				}
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("delete of %s gave up after %d attempts: %w", projectKey, maxAttempts, lastErr)
}

func sleepBackoff(ctx context.Context, attempt int) error {
	delay := time.Duration(attempt)*backoffBase + time.Duration(rand.Int63n(int64(backoffBase)))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
