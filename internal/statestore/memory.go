package statestore

import (
	"context"
	"sync"
)

// MemoryStore はインメモリの Store 実装です。
// Redisなしのローカル実行とテストで使用します。CAS の意味論は
// RedisStore と同一です。
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore は空の MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load はドキュメントを取得します。
func (s *MemoryStore) Load(ctx context.Context) (*Document, Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, 0, ErrNotFound
	}
	doc, err := decodeDocument(s.data)
	if err != nil {
		return nil, 0, err
	}
	return doc, doc.Version, nil
}

// Save は expected が格納中のバージョンと一致する場合にのみ書き込みます。
func (s *MemoryStore) Save(ctx context.Context, doc *Document, expected Version) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		if expected != 0 {
			return 0, ErrConflict
		}
	} else {
		stored, err := decodeDocument(s.data)
		if err != nil {
			return 0, err
		}
		if stored.Version != expected {
			return 0, ErrConflict
		}
	}

	next := expected + 1
	out := doc.Clone()
	out.Version = next
	payload, err := encodeDocument(out)
	if err != nil {
		return 0, err
	}
	s.data = payload
	return next, nil
}

// SetRaw は生のドキュメントバイト列を直接格納します。
// 解析不能なドキュメントの再現などテスト用途です。
func (s *MemoryStore) SetRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
}
