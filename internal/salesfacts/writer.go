// Package salesfacts exports one BigQuery row per applied or reversed invoice.
package salesfacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/taphoa39/taphoa-backend/internal/invoices"
	pkgbigquery "github.com/taphoa39/taphoa-backend/pkg/bigquery"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
)

const (
	defaultBatchSize      = 1
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaximumBackoff = 2 * time.Second
)

// Row is one sales fact. Direction is -1 for a reversal so sums over the
// table equal the live totals.
type Row struct {
	FactID     string               `bigquery:"fact_id"`
	InvoiceID  string               `bigquery:"invoice_id"`
	CustomerID cbigquery.NullString `bigquery:"customer_id"`
	Event      string               `bigquery:"event"`
	Direction  int64                `bigquery:"direction"`
	SaleDate   cbigquery.NullString `bigquery:"sale_date"`
	Revenue    float64              `bigquery:"revenue"`
	Cost       float64              `bigquery:"cost"`
	Profit     float64              `bigquery:"profit"`
	LineCount  int64                `bigquery:"line_count"`
	Items      cbigquery.NullJSON   `bigquery:"items"`
	RecordedAt time.Time            `bigquery:"recorded_at"`
}

// Schema mirrors Row for table creation.
func Schema() cbigquery.Schema {
	return cbigquery.Schema{
		{Name: "fact_id", Type: cbigquery.StringFieldType, Required: true},
		{Name: "invoice_id", Type: cbigquery.StringFieldType, Required: true},
		{Name: "customer_id", Type: cbigquery.StringFieldType},
		{Name: "event", Type: cbigquery.StringFieldType, Required: true},
		{Name: "direction", Type: cbigquery.IntegerFieldType, Required: true},
		{Name: "sale_date", Type: cbigquery.StringFieldType},
		{Name: "revenue", Type: cbigquery.FloatFieldType},
		{Name: "cost", Type: cbigquery.FloatFieldType},
		{Name: "profit", Type: cbigquery.FloatFieldType},
		{Name: "line_count", Type: cbigquery.IntegerFieldType},
		{Name: "items", Type: cbigquery.JSONFieldType},
		{Name: "recorded_at", Type: cbigquery.TimestampFieldType, Required: true},
	}
}

// TableSpec is the sales fact table, partitioned by day of recording.
func TableSpec(table string) pkgbigquery.TableSpec {
	return pkgbigquery.TableSpec{Name: table, Schema: Schema(), PartitionField: "recorded_at"}
}

// NewRow builds the fact for an invoice applied (or reversed) by event.
func NewRow(inv *invoices.Invoice, dir enums.Direction, event enums.NotificationEvent, now time.Time) (Row, error) {
	if inv == nil {
		return Row{}, errors.New("invoice required")
	}
	revenue, cost := inv.Totals()
	sign := float64(dir)
	row := Row{
		FactID:     uuid.NewString(),
		InvoiceID:  inv.ID,
		Event:      string(event),
		Direction:  int64(dir),
		Revenue:    sign * revenue,
		Cost:       sign * cost,
		Profit:     sign * (revenue - cost),
		LineCount:  int64(len(inv.Items)),
		RecordedAt: now.UTC(),
	}
	if inv.CustomerID != "" {
		row.CustomerID = cbigquery.NullString{StringVal: inv.CustomerID, Valid: true}
	}
	if inv.Date != "" {
		row.SaleDate = cbigquery.NullString{StringVal: inv.Date, Valid: true}
	}
	items, err := EncodeJSON(inv.Items)
	if err != nil {
		return Row{}, err
	}
	row.Items = items
	return row, nil
}

type Config struct {
	Table       string
	BatchSize   int
	RetryPolicy RetryPolicy
}

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaximumBackoff time.Duration
}

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// Writer buffers fact rows and inserts them with retries.
type Writer struct {
	client    tableInserter
	table     string
	batchSize int
	retry     RetryPolicy
	now       func() time.Time

	mu     sync.Mutex
	buffer []Row
}

func New(client *pkgbigquery.Client, cfg Config) (*Writer, error) {
	if client == nil {
		return nil, errors.New("bigquery client required")
	}
	return newWriter(client, cfg)
}

func newWriter(client tableInserter, cfg Config) (*Writer, error) {
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		return nil, errors.New("sales table is required")
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	retry := cfg.RetryPolicy
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaultMaxAttempts
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = defaultInitialBackoff
	}
	if retry.MaximumBackoff <= 0 {
		retry.MaximumBackoff = defaultMaximumBackoff
	}
	if retry.MaximumBackoff < retry.InitialBackoff {
		retry.MaximumBackoff = retry.InitialBackoff
	}
	return &Writer{client: client, table: table, batchSize: batchSize, retry: retry, now: time.Now}, nil
}

// Record buffers the fact for inv and flushes when the batch is full.
func (w *Writer) Record(ctx context.Context, inv *invoices.Invoice, dir enums.Direction, event enums.NotificationEvent) error {
	row, err := NewRow(inv, dir, event, w.now())
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer = append(w.buffer, row)
	if len(w.buffer) >= w.batchSize {
		return w.flushLocked(ctx)
	}
	return nil
}

// Flush writes any buffered rows immediately.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

func (w *Writer) flushLocked(ctx context.Context) error {
	if len(w.buffer) == 0 {
		return nil
	}
	rows := make([]any, len(w.buffer))
	for i := range w.buffer {
		rows[i] = &w.buffer[i]
	}
	if err := w.insertWithRetry(ctx, rows); err != nil {
		return err
	}
	w.buffer = w.buffer[:0]
	return nil
}

func (w *Writer) insertWithRetry(ctx context.Context, rows []any) error {
	attempts := 0
	backoff := w.retry.InitialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := w.client.InsertRows(ctx, w.table, rows)
		if err == nil {
			return nil
		}
		attempts++
		if attempts >= w.retry.MaxAttempts || !isRetryable(err) {
			return fmt.Errorf("insert %s rows: %w", w.table, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, w.retry.MaximumBackoff)
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pme cbigquery.PutMultiError
	if errors.As(err, &pme) {
		if len(pme) == 0 {
			return false
		}
		for _, rowErr := range pme {
			for _, inner := range rowErr.Errors {
				if !isRetryable(inner) {
					return false
				}
			}
		}
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	switch status.Code(err) {
	case codes.Aborted, codes.DeadlineExceeded, codes.Internal, codes.ResourceExhausted, codes.Unavailable:
		return true
	}
	return false
}

// EncodeJSON serializes payload for a BigQuery JSON column.
func EncodeJSON(payload any) (cbigquery.NullJSON, error) {
	switch value := payload.(type) {
	case nil:
		return cbigquery.NullJSON{}, nil
	case json.RawMessage:
		if len(value) == 0 {
			return cbigquery.NullJSON{}, nil
		}
		return cbigquery.NullJSON{Valid: true, JSONVal: string(value)}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return cbigquery.NullJSON{}, fmt.Errorf("encode json column: %w", err)
	}
	return cbigquery.NullJSON{Valid: true, JSONVal: string(raw)}, nil
}
