package customers

import (
	"errors"
	"testing"
)

func TestFromRecordNormalizesIdentity(t *testing.T) {
	c, err := FromRecord(map[string]any{
		"Id":            float64(4412),
		"CustomerId":    "KH0042",
		"Name":          "Chi Lan",
		"IsActive":      false,
		FieldDebt:       120.0,
		FieldTotalPoint: 3.0,
	})
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	if c.Key != "4412" || c.CustomerID != "KH0042" {
		t.Fatalf("unexpected identity %+v", c)
	}
	if c.IsActive || c.IsDeleted {
		t.Fatalf("unexpected status active=%v deleted=%v", c.IsActive, c.IsDeleted)
	}
	if c.Totals.Debt != 120 {
		t.Fatalf("expected aggregates to be read, got %+v", c.Totals)
	}

	doc := c.Document()
	if doc["Id"] != float64(4412) || doc["id"] != "4412" || doc["Name"] != "Chi Lan" {
		t.Fatalf("unexpected document %v", doc)
	}
	for _, field := range AggregateFields {
		if _, ok := doc[field]; ok {
			t.Fatalf("document must not carry %s", field)
		}
	}
}

func TestFromRecordRejectsMissingID(t *testing.T) {
	for _, raw := range []map[string]any{{}, {"Id": 0}, {"id": " "}} {
		if _, err := FromRecord(raw); !errors.Is(err, ErrMissingID) {
			t.Fatalf("expected ErrMissingID for %v, got %v", raw, err)
		}
	}
	c, err := FromRecord(map[string]any{"id": "C7"})
	if err != nil || c.Key != "C7" || c.Document()["Id"] != "C7" {
		t.Fatalf("lowercase id should be accepted: %+v %v", c, err)
	}
}

func TestLookupIDsDeduplicatesKeyFirst(t *testing.T) {
	c := FromDocument("C9", map[string]any{"Id": "C9", "CustomerId": "KH9"})
	ids := c.LookupIDs()
	if len(ids) != 2 || ids[0] != "C9" || ids[1] != "KH9" {
		t.Fatalf("unexpected lookup ids %v", ids)
	}
	if ids := FromDocument("C3", map[string]any{"Name": "x"}).LookupIDs(); len(ids) != 1 || ids[0] != "C3" {
		t.Fatalf("document id should stand in for missing Id fields, got %v", ids)
	}
}
