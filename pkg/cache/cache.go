package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Cache is a TTL key-value cache for read models. Values round-trip through
// JSON so every backend hands callers an independent copy.
type Cache interface {
	// Get decodes the cached value into dest and reports whether it was found.
	Get(ctx context.Context, key string, dest any) (bool, error)
	// Set stores value for ttl. A non-positive ttl uses the backend default.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Invalidate drops every listed key. Missing keys are ignored.
	Invalidate(ctx context.Context, keys ...string) error
}

const (
	KeyAllProducts  = "all_products"
	KeyAllCustomers = "all_customers"
	KeyAllInvoices  = "all_invoices"
	KeyAllOrders    = "all_orders"
)

func ProductKey(id string) string { return "product:" + id }

func CustomerKey(id string) string { return "customer:" + id }

func InvoiceKey(id string) string { return "invoice:" + id }

func OrderKey(id string) string { return "order:" + id }

// InvoicesByCustomerKey caches the invoice list of one customer.
func InvoicesByCustomerKey(customerID string) string {
	return "invoices_by_customer_id:" + customerID
}

// ProductListKey is the key of a filtered product list read.
func ProductListKey(includeInactive, includeDeleted bool) string {
	return fmt.Sprintf("%s:inactive=%s:deleted=%s", KeyAllProducts,
		strconv.FormatBool(includeInactive), strconv.FormatBool(includeDeleted))
}

// ProductListKeys enumerates every product list variant.
func ProductListKeys() []string {
	keys := []string{KeyAllProducts}
	for _, inactive := range []bool{false, true} {
		for _, deleted := range []bool{false, true} {
			keys = append(keys, ProductListKey(inactive, deleted))
		}
	}
	return keys
}
