package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client is the Cloud Firestore backed Store.
type Client struct {
	fs *firestore.Client
}

// NewClient opens a Firestore client. An empty credentialsJSON uses application
// default credentials.
func NewClient(ctx context.Context, projectID, credentialsJSON string) (*Client, error) {
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	opts := []option.ClientOption{}
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	fs, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &Client{fs: fs}, nil
}

func (c *Client) Get(ctx context.Context, collection, id string) (*Document, error) {
	snap, err := c.fs.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return &Document{ID: snap.Ref.ID, Data: snap.Data()}, nil
}

func (c *Client) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	ref := c.fs.Collection(collection).Doc(id)
	var err error
	if merge {
		_, err = ref.Set(ctx, data, firestore.MergeAll)
	} else {
		_, err = ref.Set(ctx, data)
	}
	return err
}

func (c *Client) Update(ctx context.Context, collection, id string, updates map[string]any) error {
	_, err := c.fs.Collection(collection).Doc(id).Update(ctx, toUpdates(updates))
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return err
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	_, err := c.fs.Collection(collection).Doc(id).Delete(ctx)
	return err
}

func (c *Client) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	q := c.fs.Collection(collection).Query
	for _, f := range filters {
		if err := f.validate(); err != nil {
			return nil, err
		}
		q = q.Where(f.Path, f.Op, f.Value)
	}
	return collect(q.Documents(ctx))
}

func (c *Client) Select(ctx context.Context, collection string, fields ...string) ([]Document, error) {
	return collect(c.fs.Collection(collection).Select(fields...).Documents(ctx))
}

func (c *Client) All(ctx context.Context, collection string) ([]Document, error) {
	return collect(c.fs.Collection(collection).Documents(ctx))
}

func (c *Client) Batch() Batch {
	return &clientBatch{client: c.fs, wb: c.fs.Batch()}
}

func (c *Client) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return c.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &clientTx{client: c.fs, tx: tx})
	})
}

func (c *Client) Ping(ctx context.Context) error {
	iter := c.fs.Collections(ctx)
	_, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil
	}
	return err
}

func (c *Client) Close() error {
	return c.fs.Close()
}

type clientBatch struct {
	client *firestore.Client
	wb     *firestore.WriteBatch
	n      int
}

func (b *clientBatch) Set(collection, id string, data map[string]any, merge bool) error {
	if b.n >= MaxBatchWrites {
		return ErrBatchFull
	}
	ref := b.client.Collection(collection).Doc(id)
	if merge {
		b.wb.Set(ref, data, firestore.MergeAll)
	} else {
		b.wb.Set(ref, data)
	}
	b.n++
	return nil
}

func (b *clientBatch) Delete(collection, id string) error {
	if b.n >= MaxBatchWrites {
		return ErrBatchFull
	}
	b.wb.Delete(b.client.Collection(collection).Doc(id))
	b.n++
	return nil
}

func (b *clientBatch) Len() int { return b.n }

func (b *clientBatch) Commit(ctx context.Context) error {
	if b.n == 0 {
		return nil
	}
	_, err := b.wb.Commit(ctx)
	return err
}

type clientTx struct {
	client *firestore.Client
	tx     *firestore.Transaction
}

func (t *clientTx) Get(collection, id string) (*Document, error) {
	snap, err := t.tx.Get(t.client.Collection(collection).Doc(id))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return &Document{ID: snap.Ref.ID, Data: snap.Data()}, nil
}

func (t *clientTx) Set(collection, id string, data map[string]any, merge bool) error {
	ref := t.client.Collection(collection).Doc(id)
	if merge {
		return t.tx.Set(ref, data, firestore.MergeAll)
	}
	return t.tx.Set(ref, data)
}

func (t *clientTx) Update(collection, id string, updates map[string]any) error {
	return t.tx.Update(t.client.Collection(collection).Doc(id), toUpdates(updates))
}

func toUpdates(updates map[string]any) []firestore.Update {
	out := make([]firestore.Update, 0, len(updates))
	for k, v := range updates {
		out = append(out, firestore.Update{FieldPath: firestore.FieldPath{k}, Value: v})
	}
	return out
}

func collect(iter *firestore.DocumentIterator) ([]Document, error) {
	defer iter.Stop()
	var docs []Document
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: snap.Ref.ID, Data: snap.Data()})
	}
}
