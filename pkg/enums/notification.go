package enums

import "fmt"

// NotificationEvent names a best-effort realtime event.
type NotificationEvent string

const (
	EventProductOnHandUpdated  NotificationEvent = "product_onhand_updated"
	EventProductsOnHandUpdated NotificationEvent = "products_onhand_updated"
	EventProductsSynced        NotificationEvent = "products_synced"
	EventCustomerUpdated       NotificationEvent = "customer_updated"
	EventCustomersUpdated      NotificationEvent = "customers_updated"
	EventCustomerCreated       NotificationEvent = "customer_created"
	EventCustomersDeleted      NotificationEvent = "customers_deleted"
	EventInvoiceCreated        NotificationEvent = "invoice_created"
	EventInvoiceUpdated        NotificationEvent = "invoice_updated"
	EventInvoiceDeleted        NotificationEvent = "invoice_deleted"
	EventOrderCreated          NotificationEvent = "order_created"
	EventOrderUpdated          NotificationEvent = "order_updated"
	EventOrderDeleted          NotificationEvent = "order_deleted"
	EventDailySummary          NotificationEvent = "daily_summary"
	EventMonthlySummary        NotificationEvent = "monthly_summary"
	EventYearlySummary         NotificationEvent = "yearly_summary"
	EventTopProducts           NotificationEvent = "top_products"
)

// Namespaces group events the way realtime clients subscribe to them.
const (
	NamespaceProducts  = "products"
	NamespaceCustomers = "customers"
	NamespaceInvoices  = "invoices"
	NamespaceOrders    = "orders"
	NamespaceSummaries = "summaries"
)

var eventNamespaces = map[NotificationEvent]string{
	EventProductOnHandUpdated:  NamespaceProducts,
	EventProductsOnHandUpdated: NamespaceProducts,
	EventProductsSynced:        NamespaceProducts,
	EventCustomerUpdated:       NamespaceCustomers,
	EventCustomersUpdated:      NamespaceCustomers,
	EventCustomerCreated:       NamespaceCustomers,
	EventCustomersDeleted:      NamespaceCustomers,
	EventInvoiceCreated:        NamespaceInvoices,
	EventInvoiceUpdated:        NamespaceInvoices,
	EventInvoiceDeleted:        NamespaceInvoices,
	EventOrderCreated:          NamespaceOrders,
	EventOrderUpdated:          NamespaceOrders,
	EventOrderDeleted:          NamespaceOrders,
	EventDailySummary:          NamespaceSummaries,
	EventMonthlySummary:        NamespaceSummaries,
	EventYearlySummary:         NamespaceSummaries,
	EventTopProducts:           NamespaceSummaries,
}

// IsValid checks whether the event is one the service emits.
func (e NotificationEvent) IsValid() bool {
	_, ok := eventNamespaces[e]
	return ok
}

// Namespace returns the subscriber namespace for the event.
func (e NotificationEvent) Namespace() string {
	return eventNamespaces[e]
}

// ParseNotificationEvent converts raw strings into NotificationEvent.
func ParseNotificationEvent(value string) (NotificationEvent, error) {
	e := NotificationEvent(value)
	if !e.IsValid() {
		return "", fmt.Errorf("invalid notification event %q", value)
	}
	return e, nil
}
