package bigquery

import (
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/taphoa39/taphoa-backend/pkg/config"
)

func TestNormalizeSpecsTrimsAndRejectsEmpty(t *testing.T) {
	specs, err := normalizeSpecs([]TableSpec{{Name: " sales_facts "}})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if specs[0].Name != "sales_facts" {
		t.Fatalf("expected trimmed name, got %q", specs[0].Name)
	}
	if _, err := normalizeSpecs([]TableSpec{{Name: "  "}}); err == nil {
		t.Fatal("expected error for blank table name")
	}
}

func TestTableMetadataPartitionsOnField(t *testing.T) {
	spec := TableSpec{
		Name:           "sales_facts",
		Schema:         bigquery.Schema{{Name: "recorded_at", Type: bigquery.TimestampFieldType}},
		PartitionField: "recorded_at",
	}
	meta := tableMetadata(spec)
	if meta.TimePartitioning == nil || meta.TimePartitioning.Field != "recorded_at" {
		t.Fatalf("expected day partitioning on recorded_at, got %+v", meta.TimePartitioning)
	}
	if meta := tableMetadata(TableSpec{Name: "plain"}); meta.TimePartitioning != nil {
		t.Fatal("expected no partitioning without a field")
	}
}

func TestAPIStatusClassification(t *testing.T) {
	notFound := fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusNotFound})
	if !isNotFound(notFound) || isConflict(notFound) {
		t.Fatal("expected wrapped 404 to classify as not found")
	}
	if !isConflict(&googleapi.Error{Code: http.StatusConflict}) {
		t.Fatal("expected 409 to classify as conflict")
	}
	if isNotFound(fmt.Errorf("plain")) {
		t.Fatal("plain errors carry no status")
	}
}

func TestClientOptionsPrioritizesJSON(t *testing.T) {
	opts := clientOptions(config.GCPConfig{
		CredentialsJSON:        `{"dummy": "value"}`,
		ApplicationCredentials: "/tmp/creds",
	})
	if len(opts) != 1 {
		t.Fatalf("expected 1 option, got %d", len(opts))
	}
	if got := clientOptions(config.GCPConfig{}); len(got) != 0 {
		t.Fatalf("expected no options without credentials, got %d", len(got))
	}
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Ping(t.Context()); err == nil {
		t.Fatal("expected ping error on nil client")
	}
}
