// Package bigquery wraps the analytics dataset that receives sales facts.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/taphoa39/taphoa-backend/pkg/config"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

const metadataTimeout = 10 * time.Second

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errDatasetRequired      = errors.New("bigquery dataset is required")
	errTableNameRequired    = errors.New("bigquery table name is required")
	errClientNotInitialized = errors.New("bigquery client not initialized")
)

// TableSpec describes a table the client owns. Missing tables are created
// with Schema, day-partitioned on PartitionField when set.
type TableSpec struct {
	Name           string
	Schema         bigquery.Schema
	PartitionField string
}

type Client struct {
	client  *bigquery.Client
	dataset *bigquery.Dataset
	tables  []TableSpec
}

// NewClient connects to the configured dataset and makes sure every table in
// specs exists. The dataset itself must already exist.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger, specs ...TableSpec) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	datasetID := strings.TrimSpace(cfg.Dataset)
	if datasetID == "" {
		return nil, errDatasetRequired
	}
	tables, err := normalizeSpecs(specs)
	if err != nil {
		return nil, err
	}

	bqClient, err := bigquery.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	client := &Client{
		client:  bqClient,
		dataset: bqClient.Dataset(datasetID),
		tables:  tables,
	}
	if err := client.ensureTables(ctx); err != nil {
		_ = bqClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{"dataset": datasetID, "tables": len(tables)}), "bigquery client initialized")
	}
	return client, nil
}

func normalizeSpecs(specs []TableSpec) ([]TableSpec, error) {
	out := make([]TableSpec, 0, len(specs))
	for _, spec := range specs {
		spec.Name = strings.TrimSpace(spec.Name)
		if spec.Name == "" {
			return nil, errTableNameRequired
		}
		out = append(out, spec)
	}
	return out, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	var opts []option.ClientOption
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(gcp.CredentialsJSON)))
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		opts = append(opts, option.WithCredentialsFile(gcp.ApplicationCredentials))
	}
	return opts
}

func tableMetadata(spec TableSpec) *bigquery.TableMetadata {
	meta := &bigquery.TableMetadata{Schema: spec.Schema}
	if spec.PartitionField != "" {
		meta.TimePartitioning = &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: spec.PartitionField,
		}
	}
	return meta
}

func (c *Client) ensureTables(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	if _, err := c.dataset.Metadata(ctx); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("dataset %q does not exist", c.dataset.DatasetID)
		}
		return fmt.Errorf("checking dataset %q: %w", c.dataset.DatasetID, err)
	}

	for _, spec := range c.tables {
		table := c.dataset.Table(spec.Name)
		_, err := table.Metadata(ctx)
		if err == nil {
			continue
		}
		if !isNotFound(err) {
			return fmt.Errorf("checking table %q: %w", spec.Name, err)
		}
		if len(spec.Schema) == 0 {
			return fmt.Errorf("table %q does not exist", spec.Name)
		}
		if err := table.Create(ctx, tableMetadata(spec)); err != nil && !isConflict(err) {
			return fmt.Errorf("creating table %q: %w", spec.Name, err)
		}
	}
	return nil
}

// Ping verifies the dataset is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()
	if _, err := c.dataset.Metadata(ctx); err != nil {
		return fmt.Errorf("checking dataset %q: %w", c.dataset.DatasetID, err)
	}
	return nil
}

// InsertRows streams rows into table.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.client == nil {
		return errClientNotInitialized
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return errTableNameRequired
	}
	if len(rows) == 0 {
		return nil
	}
	return c.dataset.Table(table).Inserter().Put(ctx, rows)
}

// Close releases the BigQuery client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func isNotFound(err error) bool {
	return apiStatus(err) == http.StatusNotFound
}

func isConflict(err error) bool {
	return apiStatus(err) == http.StatusConflict
}

func apiStatus(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.Code
	}
	return 0
}
