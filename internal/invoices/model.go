package invoices

import (
	"errors"
	"strings"
	"time"

	"github.com/taphoa39/taphoa-backend/pkg/firestore"
	"github.com/taphoa39/taphoa-backend/pkg/types"
)

const (
	Collection      = "invoices"
	OrderCollection = "orders"
)

var ErrInvalidInvoice = errors.New("invoice must be an object")

// LineItem is one cart line of an invoice.
type LineItem struct {
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName,omitempty"`
	Quantity    int64   `json:"quantity"`
	Price       float64 `json:"price"`
	Cost        float64 `json:"cost"`
}

// Invoice is the canonical view of an invoice document. Raw keeps the stored
// payload for debt resolution and write-through.
type Invoice struct {
	ID          string
	CustomerID  string
	CreatedDate string
	Date        string
	Month       string
	Year        string
	Status      string
	TotalPrice  float64
	TotalCost   float64
	Items       []LineItem
	Raw         map[string]any
}

// FromRecord normalizes a stored or submitted invoice.
func FromRecord(raw map[string]any) (Invoice, error) {
	if raw == nil {
		return Invoice{}, ErrInvalidInvoice
	}
	inv := Invoice{
		ID:         types.FirstID(raw, "id", "Id", "invoiceId"),
		CustomerID: CustomerID(raw),
		Status:     types.ToID(raw["status"]),
		TotalPrice: firstNumber(raw, "totalPrice", "TotalPrice", "grandTotal"),
		TotalCost:  firstNumber(raw, "totalCost", "TotalCost", "costTotal"),
		Raw:        raw,
	}
	if created, ok := types.FirstTruthy(raw, "createdDate", "CreatedDate", "date", "Date"); ok {
		inv.CreatedDate, inv.Date = dateKey(created)
		if inv.Date != "" {
			inv.Month = inv.Date[:7]
			inv.Year = inv.Date[:4]
		}
	}
	if items, ok := raw["cartItems"].([]any); ok {
		for _, entry := range items {
			item, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			inv.Items = append(inv.Items, lineItem(item))
		}
	}
	return inv, nil
}

// CustomerID resolves the customer reference across the legacy field names.
func CustomerID(raw map[string]any) string {
	if id := types.FirstID(raw, "customerId", "CustomerId", "customer_id"); id != "" {
		return id
	}
	if customer, ok := raw["customer"].(map[string]any); ok {
		return types.FirstID(customer, "Id", "id", "CustomerId")
	}
	return ""
}

func lineItem(item map[string]any) LineItem {
	product, _ := item["product"].(map[string]any)
	li := LineItem{Quantity: types.ToInt(item["quantity"])}
	if product != nil {
		li.ProductID = types.FirstID(product, "Id", "id")
		li.Cost = types.ToFloat(product["Cost"])
		if name, ok := product["FullName"].(string); ok {
			li.ProductName = name
		}
	}
	if li.ProductID == "" {
		li.ProductID = types.ToID(item["productId"])
	}
	if price, ok := types.FirstTruthy(item, "price"); ok {
		li.Price = types.ToFloat(price)
	} else if product != nil {
		li.Price = firstNumber(product, "BasePrice", "Price")
	}
	return li
}

// Totals are the revenue and cost an invoice contributes to summaries. Cart
// lines are only summed when both top-level totals are zero.
func (i Invoice) Totals() (revenue, cost float64) {
	revenue, cost = i.TotalPrice, i.TotalCost
	if revenue == 0 && cost == 0 {
		for _, li := range i.Items {
			revenue += li.Price * float64(li.Quantity)
			cost += li.Cost * float64(li.Quantity)
		}
	}
	return types.Round2(revenue), types.Round2(cost)
}

// Profit is the customer-facing margin of the invoice.
func (i Invoice) Profit() float64 {
	return i.TotalPrice - i.TotalCost
}

// DayRange is the createdDate window of a YYYY-MM-DD day.
func DayRange(date string) (start, end string) {
	return date + "T00:00:00.000Z", date + "T23:59:59.999Z"
}

func dateKey(v any) (created, date string) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), t.UTC().Format(time.DateOnly)
	case *time.Time:
		if t == nil {
			return "", ""
		}
		return dateKey(*t)
	}
	s := strings.TrimSpace(types.ToID(v))
	if len(s) < 10 {
		return s, ""
	}
	if _, err := time.Parse(time.DateOnly, s[:10]); err != nil {
		return s, ""
	}
	return s, s[:10]
}

func firstNumber(raw map[string]any, keys ...string) float64 {
	if v, ok := types.FirstTruthy(raw, keys...); ok {
		return types.ToFloat(v)
	}
	return 0
}

// documents extracts Raw payloads with their document ids filled in.
func documents(docs []firestore.Document) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		data := doc.Data
		if data == nil {
			data = map[string]any{}
		}
		if _, ok := data["id"]; !ok {
			data["id"] = doc.ID
		}
		out = append(out, data)
	}
	return out
}
