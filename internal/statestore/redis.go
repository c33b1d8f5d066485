package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/batch-watcher/internal/batch"
)

// RedisStore は状態ドキュメントを単一のRedisキーに保存します。
// 書き込みは WATCH/MULTI トランザクション内でバージョントークンを
// 検査する compare-and-swap で行います。
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, key string) *RedisStore {
	return &RedisStore{rdb: rdb, key: key}
}

// Load はドキュメントを取得します。
func (s *RedisStore) Load(ctx context.Context) (*Document, Version, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to load status document: %w", err)
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, 0, err
	}
	return doc, doc.Version, nil
}

// Save は expected が格納中のバージョンと一致する場合にのみ書き込みます。
// キーが存在しない場合は expected=0 のときのみ新規作成します。
func (s *RedisStore) Save(ctx context.Context, doc *Document, expected Version) (Version, error) {
	if doc == nil {
		return 0, fmt.Errorf("document is nil")
	}
	next := expected + 1

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, s.key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expected != 0 {
				return ErrConflict
			}
		case err != nil:
			return fmt.Errorf("failed to read status document: %w", err)
		default:
			stored, decErr := decodeDocument(current)
			if decErr != nil {
				return decErr
			}
			if stored.Version != expected {
				return ErrConflict
			}
		}

		out := doc.Clone()
		out.Version = next
		payload, err := encodeDocument(out)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, payload, 0)
			return nil
		})
		return err
	}

	if err := s.rdb.Watch(ctx, txn, s.key); err != nil {
		// WATCH 中にキーが書き換わった場合もバージョン競合として扱う
		if errors.Is(err, redis.TxFailedErr) {
			return 0, ErrConflict
		}
		return 0, err
	}
	return next, nil
}

func encodeDocument(doc *Document) ([]byte, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode status document: %w", err)
	}
	return payload, nil
}

func decodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if doc.Projects == nil {
		doc.Projects = make(map[string]*batch.Record)
	}
	// 解析できてもドキュメント不変条件を破るデータは読ませない
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return &doc, nil
}
