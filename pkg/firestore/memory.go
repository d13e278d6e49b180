package firestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. Transactions serialize on a single mutex so
// read-modify-write sequences are atomic.
type Memory struct {
	mu          sync.Mutex
	txMu        sync.Mutex
	collections map[string]map[string]map[string]any

	// FailCommit, when set, is consulted before every batch commit.
	FailCommit func(attempt int) error
	attempts   int
	commits    int
}

func NewMemory() *Memory {
	return &Memory{collections: map[string]map[string]map[string]any{}}
}

// Seed writes documents without going through batches, for test setup.
func (m *Memory) Seed(collection string, docs map[string]map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, data := range docs {
		m.put(collection, id, data, false)
	}
}

// Count returns how many documents a collection holds.
func (m *Memory) Count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

// Commits returns how many non-empty batch commits succeeded.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *Memory) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(collection, id), nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, id, data, merge)
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, updates map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(collection, id, updates)
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	return nil
}

func (m *Memory) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, f := range filters {
		if err := f.validate(); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for _, id := range m.sortedIDs(collection) {
		data := m.collections[collection][id]
		if matchesAll(data, filters) {
			out = append(out, Document{ID: id, Data: deepCopy(data)})
		}
	}
	return out, nil
}

func (m *Memory) Select(ctx context.Context, collection string, fields ...string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for _, id := range m.sortedIDs(collection) {
		data := m.collections[collection][id]
		projected := map[string]any{}
		for _, f := range fields {
			if v, ok := data[f]; ok {
				projected[f] = copyValue(v)
			}
		}
		out = append(out, Document{ID: id, Data: projected})
	}
	return out, nil
}

func (m *Memory) All(ctx context.Context, collection string) ([]Document, error) {
	return m.Query(ctx, collection)
}

func (m *Memory) Batch() Batch {
	return &memoryBatch{store: m}
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := &memoryTx{store: m}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range tx.writes {
		if _, ok := m.collections[w.collection][w.id]; w.update && !ok {
			return fmt.Errorf("%s/%s: %w", w.collection, w.id, ErrNotFound)
		}
	}
	for _, w := range tx.writes {
		if w.update {
			_ = m.update(w.collection, w.id, w.data)
			continue
		}
		m.put(w.collection, w.id, w.data, w.merge)
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) get(collection, id string) *Document {
	data, ok := m.collections[collection][id]
	if !ok {
		return nil
	}
	return &Document{ID: id, Data: deepCopy(data)}
}

func (m *Memory) put(collection, id string, data map[string]any, merge bool) {
	coll, ok := m.collections[collection]
	if !ok {
		coll = map[string]map[string]any{}
		m.collections[collection] = coll
	}
	existing, exists := coll[id]
	if !merge || !exists {
		coll[id] = deepCopy(data)
		return
	}
	mergeInto(existing, data)
}

func (m *Memory) update(collection, id string, updates map[string]any) error {
	existing, ok := m.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	for k, v := range updates {
		existing[k] = copyValue(v)
	}
	return nil
}

func (m *Memory) sortedIDs(collection string) []string {
	ids := make([]string, 0, len(m.collections[collection]))
	for id := range m.collections[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type memoryWrite struct {
	collection string
	id         string
	data       map[string]any
	merge      bool
	update     bool
	delete     bool
}

type memoryBatch struct {
	store  *Memory
	writes []memoryWrite
}

func (b *memoryBatch) Set(collection, id string, data map[string]any, merge bool) error {
	if len(b.writes) >= MaxBatchWrites {
		return ErrBatchFull
	}
	b.writes = append(b.writes, memoryWrite{collection: collection, id: id, data: deepCopy(data), merge: merge})
	return nil
}

func (b *memoryBatch) Delete(collection, id string) error {
	if len(b.writes) >= MaxBatchWrites {
		return ErrBatchFull
	}
	b.writes = append(b.writes, memoryWrite{collection: collection, id: id, delete: true})
	return nil
}

func (b *memoryBatch) Len() int { return len(b.writes) }

func (b *memoryBatch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(b.writes) == 0 {
		return nil
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.FailCommit != nil {
		if err := s.FailCommit(s.attempts); err != nil {
			return err
		}
	}
	for _, w := range b.writes {
		if w.delete {
			delete(s.collections[w.collection], w.id)
			continue
		}
		s.put(w.collection, w.id, w.data, w.merge)
	}
	s.commits++
	return nil
}

type memoryTx struct {
	store  *Memory
	writes []memoryWrite
}

func (t *memoryTx) Get(collection, id string) (*Document, error) {
	if len(t.writes) > 0 {
		return nil, fmt.Errorf("transaction reads must precede writes")
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.get(collection, id), nil
}

func (t *memoryTx) Set(collection, id string, data map[string]any, merge bool) error {
	t.writes = append(t.writes, memoryWrite{collection: collection, id: id, data: deepCopy(data), merge: merge})
	return nil
}

func (t *memoryTx) Update(collection, id string, updates map[string]any) error {
	t.writes = append(t.writes, memoryWrite{collection: collection, id: id, data: deepCopy(updates), update: true})
	return nil
}

func matchesAll(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !matches(data, f) {
			return false
		}
	}
	return true
}

func matches(data map[string]any, f Filter) bool {
	got, ok := Lookup(data, f.Path)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		return compare(got, f.Value) == 0
	case OpIn:
		for _, candidate := range f.Value.([]any) {
			if compare(got, candidate) == 0 {
				return true
			}
		}
		return false
	case OpGreaterEqual:
		c := compare(got, f.Value)
		return c != incomparable && c >= 0
	case OpLessEqual:
		c := compare(got, f.Value)
		return c != incomparable && c <= 0
	}
	return false
}

const incomparable = 2

// compare orders values the way the remote store does within a single type:
// numbers numerically, strings lexically, times chronologically.
func compare(a, b any) int {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return incomparable
		}
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return incomparable
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case bool:
		bv, ok := b.(bool)
		if !ok || av != bv {
			return incomparable
		}
		return 0
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return incomparable
		}
		return av.Compare(bv)
	}
	return incomparable
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				mergeInto(dstMap, srcMap)
				continue
			}
		}
		dst[k] = copyValue(v)
	}
}

func deepCopy(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	}
	return v
}
