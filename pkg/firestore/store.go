package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MaxBatchWrites is the remote store's per-commit write ceiling.
const MaxBatchWrites = 500

// MaxInValues is the largest value list an "in" filter accepts.
const MaxInValues = 10

const (
	OpEqual        = "=="
	OpIn           = "in"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
)

var (
	ErrBatchFull     = errors.New("batch already holds the maximum number of writes")
	ErrNotFound      = errors.New("document not found")
	ErrUnsupportedOp = errors.New("unsupported filter operator")
)

// Document is a single stored record.
type Document struct {
	ID   string
	Data map[string]any
}

// Filter restricts a query on a dotted field path.
type Filter struct {
	Path  string
	Op    string
	Value any
}

func Eq(path string, value any) Filter { return Filter{Path: path, Op: OpEqual, Value: value} }

func In(path string, values []any) Filter { return Filter{Path: path, Op: OpIn, Value: values} }

func Gte(path string, value any) Filter { return Filter{Path: path, Op: OpGreaterEqual, Value: value} }

func Lte(path string, value any) Filter { return Filter{Path: path, Op: OpLessEqual, Value: value} }

func (f Filter) validate() error {
	switch f.Op {
	case OpEqual, OpGreaterEqual, OpLessEqual:
		return nil
	case OpIn:
		values, ok := f.Value.([]any)
		if !ok {
			return fmt.Errorf("filter %s: in requires []any", f.Path)
		}
		if len(values) == 0 || len(values) > MaxInValues {
			return fmt.Errorf("filter %s: in accepts 1..%d values, got %d", f.Path, MaxInValues, len(values))
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedOp, f.Op)
	}
}

// Store is the document collection store every engine writes through.
type Store interface {
	// Get returns nil and no error when the document does not exist.
	Get(ctx context.Context, collection, id string) (*Document, error)
	Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error
	// Update fails with ErrNotFound when the document does not exist.
	Update(ctx context.Context, collection, id string, updates map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	// Select returns only the named fields of every document.
	Select(ctx context.Context, collection string, fields ...string) ([]Document, error)
	All(ctx context.Context, collection string) ([]Document, error)
	Batch() Batch
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Batch accumulates up to MaxBatchWrites writes committed together.
type Batch interface {
	Set(collection, id string, data map[string]any, merge bool) error
	Delete(collection, id string) error
	Len() int
	Commit(ctx context.Context) error
}

// Tx is a read-then-write transaction. All reads must precede writes.
type Tx interface {
	Get(collection, id string) (*Document, error)
	Set(collection, id string, data map[string]any, merge bool) error
	Update(collection, id string, updates map[string]any) error
}

// Lookup resolves a dotted path inside nested maps.
func Lookup(data map[string]any, path string) (any, bool) {
	if data == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
