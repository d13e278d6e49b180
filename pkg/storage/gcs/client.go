// Package gcs archives catalog snapshots to Cloud Storage.
package gcs

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/taphoa39/taphoa-backend/pkg/config"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

const pingTimeout = 5 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

// objectSink opens a writer for one object. The storage-backed sink is the
// only production implementation.
type objectSink interface {
	NewWriter(ctx context.Context, bucket, name string) io.WriteCloser
	BucketExists(ctx context.Context, bucket string) error
	Close() error
}

type Client struct {
	sink          objectSink
	defaultBucket string
	prefix        string
	now           func() time.Time
}

func NewClient(ctx context.Context, cfg config.GCSConfig, gcp config.GCPConfig, logg *logger.Logger) (*Client, error) {
	if cfg.SnapshotBucket == "" {
		return nil, errors.New("gcs snapshot bucket is required")
	}

	var opts []option.ClientOption
	switch {
	case gcp.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(gcp.CredentialsJSON)))
	case gcp.ApplicationCredentials != "":
		opts = append(opts, option.WithCredentialsFile(gcp.ApplicationCredentials))
	}
	sc, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	client := newClient(storageSink{client: sc}, cfg)
	if err := client.Ping(ctx); err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("gcs health check failed: %w", err)
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "bucket", cfg.SnapshotBucket), "gcs snapshot archive initialized")
	}
	return client, nil
}

func newClient(sink objectSink, cfg config.GCSConfig) *Client {
	return &Client{
		sink:          sink,
		defaultBucket: cfg.SnapshotBucket,
		prefix:        strings.Trim(cfg.SnapshotPrefix, "/"),
		now:           time.Now,
	}
}

func (c *Client) DefaultBucket() string {
	if c == nil {
		return ""
	}
	return c.defaultBucket
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.sink == nil {
		return errors.New("gcs client not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.sink.BucketExists(ctx, c.defaultBucket)
}

func (c *Client) Close() error {
	if c == nil || c.sink == nil {
		return nil
	}
	return c.sink.Close()
}

// ObjectName returns where a snapshot of resource taken at ts is stored.
func (c *Client) ObjectName(resource string, ts time.Time) string {
	ts = ts.UTC()
	return path.Join(c.prefix, resource, ts.Format("2006/01/02"), ts.Format("150405.000000000")+".json.gz")
}

// Archive writes records as one gzip-compressed JSON array.
func (c *Client) Archive(ctx context.Context, resource string, records []map[string]any) error {
	if c == nil || c.sink == nil {
		return errors.New("gcs client not initialized")
	}
	name := c.ObjectName(resource, c.now())
	w := c.sink.NewWriter(ctx, c.defaultBucket, name)
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(records); err != nil {
		_ = gz.Close()
		_ = w.Close()
		return fmt.Errorf("encode snapshot %s: %w", name, err)
	}
	if err := gz.Close(); err != nil {
		_ = w.Close()
		return fmt.Errorf("compress snapshot %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload snapshot %s: %w", name, err)
	}
	return nil
}

type storageSink struct {
	client *storage.Client
}

func (s storageSink) NewWriter(ctx context.Context, bucket, name string) io.WriteCloser {
	w := s.client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.ContentEncoding = "gzip"
	return w
}

func (s storageSink) BucketExists(ctx context.Context, bucket string) error {
	_, err := s.client.Bucket(bucket).Attrs(ctx)
	return err
}

func (s storageSink) Close() error {
	return s.client.Close()
}
