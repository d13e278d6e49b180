// Package kiotviet fetches catalog resources from the KiotViet sync and
// manager APIs.
package kiotviet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/taphoa39/taphoa-backend/pkg/config"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

const (
	resourceProducts        = "Products"
	responseBodyReadLimit   = 1024
	defaultSingleFetchLimit = 20000
	defaultPageSize         = 500
	defaultMaxRetries       = 3
	defaultDuplicatePages   = 3
	maxUnparsablePages      = 10
)

var (
	errRetailerRequired = errors.New("kiotviet retailer is required")
	errBranchRequired   = errors.New("kiotviet branch id is required")
	errTokenRequired    = errors.New("kiotviet auth token is required")
)

// Record is one raw remote record. Integral numbers decode as int64, others as
// float64.
type Record = map[string]any

// Archiver receives every successful full fetch.
type Archiver interface {
	Archive(ctx context.Context, resource string, records []Record) error
}

// Client wraps the KiotViet endpoints used by the mirror.
type Client struct {
	httpClient *http.Client
	cfg        config.KiotVietConfig
	logg       *logger.Logger
	archiver   Archiver
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client. Per-call deadlines still
// come from the configured timeouts.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithLogger(logg *logger.Logger) Option {
	return func(c *Client) {
		if logg != nil {
			c.logg = logg
		}
	}
}

// WithArchiver archives each successful fetch. Archive failures are logged
// and never fail the fetch.
func WithArchiver(a Archiver) Option {
	return func(c *Client) {
		c.archiver = a
	}
}

// NewClient validates credentials and fills unset tuning knobs.
func NewClient(cfg config.KiotVietConfig, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Retailer) == "" {
		return nil, errRetailerRequired
	}
	if strings.TrimSpace(cfg.BranchID) == "" {
		return nil, errBranchRequired
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errTokenRequired
	}
	if cfg.SingleFetchLimit <= 0 {
		cfg.SingleFetchLimit = defaultSingleFetchLimit
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MaxDuplicatePages <= 0 {
		cfg.MaxDuplicatePages = defaultDuplicatePages
	}
	if cfg.SingleFetchTimeout <= 0 {
		cfg.SingleFetchTimeout = 90 * time.Second
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 45 * time.Second
	}
	if cfg.CustomerTimeout <= 0 {
		cfg.CustomerTimeout = 30 * time.Second
	}

	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		logg:       logger.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// FetchProducts returns the whole product catalog. A single oversized page is
// tried first; when the remote reports more rows than it returned the client
// falls back to page-index pagination. Only a failed single fetch is an error,
// pagination returns whatever it accumulated.
func (c *Client) FetchProducts(ctx context.Context) ([]Record, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "kiotviet client not configured")
	}
	items, complete, err := c.fetchSingle(ctx)
	if err != nil {
		return nil, err
	}
	if !complete {
		c.logg.Info(ctx, "single product fetch incomplete, falling back to pagination")
		items = c.fetchPaginated(ctx)
	}
	c.archive(ctx, "products", items)
	return items, nil
}

func (c *Client) fetchSingle(ctx context.Context) ([]Record, bool, error) {
	params := c.productParams(c.cfg.SingleFetchLimit)
	var pg page
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		pg, err = c.getPage(ctx, params, c.cfg.SingleFetchTimeout)
		return err
	})
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "kiotviet product fetch failed")
	}
	if pg.parseErr != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", pg.parseErr.Error()), "single product fetch unparsable")
		return nil, false, nil
	}
	if pg.total > len(pg.items) || len(pg.items) >= c.cfg.SingleFetchLimit {
		return nil, false, nil
	}
	return pg.items, true, nil
}

func (c *Client) fetchPaginated(ctx context.Context) []Record {
	var (
		out  []Record
		seen = map[string]struct{}{}
		// consecutive pages holding only already seen ids
		duplicatePages int
		// consecutive malformed pages; tracked apart so they never count as duplicates
		unparsablePages int
	)
	for pageIndex := 0; ; pageIndex++ {
		if ctx.Err() != nil {
			return out
		}
		params := c.productParams(c.cfg.PageSize)
		params.Set("pageIndex", strconv.Itoa(pageIndex))
		pageCtx := c.logg.WithField(ctx, "page_index", pageIndex)

		var pg page
		err := c.withRetry(ctx, func(ctx context.Context) error {
			var err error
			pg, err = c.getPage(ctx, params, c.cfg.PageTimeout)
			return err
		})
		if err != nil {
			c.logg.Error(pageCtx, "product page failed after retries", err)
			return out
		}
		if pg.parseErr != nil {
			c.logg.Warn(c.logg.WithField(pageCtx, "error", pg.parseErr.Error()), "skipping unparsable product page")
			unparsablePages++
			if unparsablePages >= maxUnparsablePages {
				return out
			}
			continue
		}
		unparsablePages = 0
		if len(pg.items) == 0 {
			return out
		}

		fresh := 0
		for _, item := range pg.items {
			id := recordID(item)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, item)
			fresh++
		}
		if fresh == 0 {
			duplicatePages++
			c.logg.Warn(pageCtx, "product page held only duplicates")
			if duplicatePages >= c.cfg.MaxDuplicatePages {
				return out
			}
			continue
		}
		duplicatePages = 0
		if len(pg.items) < c.cfg.PageSize {
			return out
		}
	}
}

// FetchCustomers lists customers from the manager API. The first row of Data
// is the summary row and is dropped.
func (c *Client) FetchCustomers(ctx context.Context) ([]Record, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "kiotviet client not configured")
	}
	params := url.Values{}
	params.Set("format", "json")
	params.Set("Includes", "TotalInvoiced,Location,WardName")
	params.Set("ForManageScreen", "true")
	params.Set("ForSummaryRow", "true")
	params.Set("UsingTotalApi", "true")
	params.Set("inlinecount", "allpages")
	params.Set("DateFilterType", "alltime")
	params.Set("top", strconv.Itoa(c.cfg.CustomerFetchTop))

	endpoint := c.managerURL("customers") + "?" + params.Encode()
	var pg page
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		pg, err = c.do(ctx, http.MethodGet, endpoint, nil, c.cfg.CustomerTimeout)
		return err
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "kiotviet customer fetch failed")
	}
	if pg.parseErr != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, pg.parseErr, "decode kiotviet customers")
	}
	items := pg.items
	if len(items) > 0 {
		items = items[1:]
	}
	c.archive(ctx, "customers", items)
	return items, nil
}

// CreateCustomer registers a customer upstream and returns the created record.
func (c *Client) CreateCustomer(ctx context.Context, customer Record) (Record, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "kiotviet client not configured")
	}
	if len(customer) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer payload is required")
	}
	payload := make(Record, len(customer)+2)
	for k, v := range customer {
		payload[k] = v
	}
	if _, ok := payload["BranchId"]; !ok {
		payload["BranchId"] = c.branchIDValue()
	}
	if _, ok := payload["IsActive"]; !ok {
		payload["IsActive"] = true
	}
	body, err := json.Marshal(map[string]any{
		"Customer":            payload,
		"isMergedSupplier":    false,
		"isCreateNewSupplier": false,
		"MergedSupplierId":    0,
		"SkipValidateEmail":   false,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "marshal customer")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CustomerTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.managerURL("customers"), bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build customer request")
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute customer request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "kiotviet rejected customer")
	}
	created, err := decodeObject(resp.Body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode created customer")
	}
	return created, nil
}

type page struct {
	items    []Record
	total    int
	parseErr error
}

func (c *Client) getPage(ctx context.Context, params url.Values, timeout time.Duration) (page, error) {
	return c.do(ctx, http.MethodGet, c.cfg.SyncURL+"?"+params.Encode(), nil, timeout)
}

// do runs one attempt. Transport and status failures are returned as errors
// for the retry loop; malformed bodies are reported through page.parseErr.
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, timeout time.Duration) (page, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return page{}, err
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return page{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return page{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return page{}, err
	}
	return parsePage(raw), nil
}

func parsePage(raw []byte) page {
	var envelope struct {
		Data       []json.RawMessage `json:"Data"`
		Total      *json.Number      `json:"Total"`
		TotalLower *json.Number      `json:"total"`
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return page{}
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return page{parseErr: err}
	}
	pg := page{items: make([]Record, 0, len(envelope.Data))}
	for _, total := range []*json.Number{envelope.Total, envelope.TotalLower} {
		if total == nil {
			continue
		}
		if n, err := total.Int64(); err == nil && n > 0 {
			pg.total = int(n)
			break
		}
	}
	for i, item := range envelope.Data {
		rec, err := decodeObject(bytes.NewReader(item))
		if err != nil {
			return page{parseErr: fmt.Errorf("record %d: %w", i, err)}
		}
		pg.items = append(pg.items, rec)
	}
	return pg
}

func decodeObject(r io.Reader) (Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.New("record is not an object")
	}
	return normalizeNumbers(rec).(Record), nil
}

// normalizeNumbers turns json.Number into int64 when integral, else float64,
// which is how the document store hands values back.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = normalizeNumbers(item)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	return v
}

func recordID(rec Record) string {
	switch id := rec["Id"].(type) {
	case nil:
		return ""
	case string:
		return id
	case int64:
		return strconv.FormatInt(id, 10)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return fmt.Sprint(id)
	}
}

func (c *Client) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxRetries-1), retry.NewConstant(c.retryDelay()))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		c.logg.Warn(c.logg.WithFields(ctx, map[string]any{
			"attempt":      attempt,
			"max_attempts": c.cfg.MaxRetries,
			"error":        err.Error(),
		}), "kiotviet request failed")
		return retry.RetryableError(err)
	})
}

func (c *Client) retryDelay() time.Duration {
	if c.cfg.RetryDelay <= 0 {
		return time.Millisecond
	}
	return c.cfg.RetryDelay
}

func (c *Client) productParams(pageSize int) url.Values {
	params := url.Values{}
	params.Set("clientId", c.cfg.ClientID)
	params.Set("resourceName", resourceProducts)
	params.Set("pageSize", strconv.Itoa(pageSize))
	return params
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", c.cfg.AuthToken)
	req.Header.Set("retailer", c.cfg.Retailer)
	req.Header.Set("branchid", c.cfg.BranchID)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) managerURL(path string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(c.cfg.ManagerURL, "/"), strings.TrimLeft(path, "/"))
}

func (c *Client) branchIDValue() any {
	if n, err := strconv.ParseInt(c.cfg.BranchID, 10, 64); err == nil {
		return n
	}
	return c.cfg.BranchID
}

func (c *Client) archive(ctx context.Context, resource string, items []Record) {
	if c.archiver == nil || len(items) == 0 {
		return
	}
	if err := c.archiver.Archive(ctx, resource, items); err != nil {
		c.logg.Warn(c.logg.WithFields(ctx, map[string]any{
			"resource": resource,
			"error":    err.Error(),
		}), "catalog snapshot archive failed")
	}
}
