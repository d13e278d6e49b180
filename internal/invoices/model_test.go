package invoices

import (
	"testing"
	"time"
)

func TestFromRecordNormalizesAliases(t *testing.T) {
	inv, err := FromRecord(map[string]any{
		"Id":          float64(77),
		"CreatedDate": "2025-06-17T10:00:00Z",
		"customer":    map[string]any{"Id": float64(5)},
		"TotalPrice":  120.5,
		"costTotal":   20,
		"status":      "done",
		"cartItems": []any{
			map[string]any{
				"product":  map[string]any{"Id": float64(101), "Cost": 3.0, "FullName": "Tea", "BasePrice": 9.0},
				"quantity": float64(2),
			},
			"not a line",
			map[string]any{"productId": "202", "quantity": 1, "price": 4.5},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.ID != "77" || inv.CustomerID != "5" {
		t.Fatalf("unexpected ids id=%s customer=%s", inv.ID, inv.CustomerID)
	}
	if inv.Date != "2025-06-17" || inv.Month != "2025-06" || inv.Year != "2025" {
		t.Fatalf("unexpected date keys %s %s %s", inv.Date, inv.Month, inv.Year)
	}
	if inv.TotalPrice != 120.5 || inv.TotalCost != 20 || inv.Status != "done" {
		t.Fatalf("unexpected totals %+v", inv)
	}
	if len(inv.Items) != 2 {
		t.Fatalf("expected two cart lines, got %d", len(inv.Items))
	}
	first := inv.Items[0]
	if first.ProductID != "101" || first.Price != 9 || first.Cost != 3 || first.ProductName != "Tea" || first.Quantity != 2 {
		t.Fatalf("unexpected nested product line %+v", first)
	}
	if second := inv.Items[1]; second.ProductID != "202" || second.Price != 4.5 {
		t.Fatalf("unexpected flat line %+v", second)
	}
}

func TestFromRecordRejectsNil(t *testing.T) {
	if _, err := FromRecord(nil); err != ErrInvalidInvoice {
		t.Fatalf("expected ErrInvalidInvoice, got %v", err)
	}
}

func TestFromRecordAcceptsTimeValues(t *testing.T) {
	at := time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC)
	inv, err := FromRecord(map[string]any{"id": "A", "createdDate": at})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Date != "2024-12-31" || inv.Year != "2024" {
		t.Fatalf("unexpected date %s", inv.Date)
	}
}

func TestFromRecordLeavesBadDatesEmpty(t *testing.T) {
	for _, raw := range []any{"yesterday", "2025-13-40T00:00:00Z", "2025"} {
		inv, _ := FromRecord(map[string]any{"id": "A", "createdDate": raw})
		if inv.Date != "" || inv.Month != "" {
			t.Fatalf("expected no date for %v, got %q", raw, inv.Date)
		}
	}
}

func TestTotalsFallsBackToCart(t *testing.T) {
	inv := Invoice{Items: []LineItem{
		{Quantity: 2, Price: 10.005, Cost: 4},
		{Quantity: 1, Price: 18, Cost: 15},
	}}
	revenue, cost := inv.Totals()
	if revenue != 38.01 || cost != 23 {
		t.Fatalf("unexpected cart totals %v %v", revenue, cost)
	}

	inv.TotalPrice = 50
	revenue, cost = inv.Totals()
	if revenue != 50 || cost != 0 {
		t.Fatalf("top-level totals must win, got %v %v", revenue, cost)
	}
}

func TestCustomerIDLookupOrder(t *testing.T) {
	cases := []struct {
		raw  map[string]any
		want string
	}{
		{map[string]any{"customerId": "C1", "customer": map[string]any{"Id": "C9"}}, "C1"},
		{map[string]any{"customer_id": float64(12)}, "12"},
		{map[string]any{"customer": map[string]any{"CustomerId": "C3"}}, "C3"},
		{map[string]any{}, ""},
	}
	for _, c := range cases {
		if got := CustomerID(c.raw); got != c.want {
			t.Fatalf("CustomerID(%v) = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestDayRange(t *testing.T) {
	start, end := DayRange("2025-06-17")
	if start != "2025-06-17T00:00:00.000Z" || end != "2025-06-17T23:59:59.999Z" {
		t.Fatalf("unexpected range %s %s", start, end)
	}
}
