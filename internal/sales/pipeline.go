// Package sales runs invoice and order events through stock, summaries and
// customer aggregates.
package sales

import (
	"context"
	"fmt"
	"maps"

	"github.com/taphoa39/taphoa-backend/internal/customers"
	"github.com/taphoa39/taphoa-backend/internal/inventory"
	"github.com/taphoa39/taphoa-backend/internal/invoices"
	"github.com/taphoa39/taphoa-backend/internal/notifications"
	"github.com/taphoa39/taphoa-backend/internal/products"
	"github.com/taphoa39/taphoa-backend/internal/summaries"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

// Inventory adjusts stock for an invoice.
type Inventory interface {
	Adjust(ctx context.Context, inv *invoices.Invoice, dir enums.Direction) *inventory.Report
}

// FactRecorder exports applied and reversed invoices.
type FactRecorder interface {
	Record(ctx context.Context, inv *invoices.Invoice, dir enums.Direction, event enums.NotificationEvent) error
}

// Outcome collects what each step did for one event.
type Outcome struct {
	ID        string                    `json:"id"`
	Message   string                    `json:"message"`
	Inventory []*inventory.Report       `json:"inventory,omitempty"`
	Summaries []*summaries.AdjustResult `json:"summary_adjusted,omitempty"`
	Customers []*customers.ApplyResult  `json:"customers,omitempty"`
	OnHand    []products.OnHandChange   `json:"restocked_products,omitempty"`
}

type PipelineParams struct {
	Invoices  invoices.Service
	Orders    invoices.Service
	Inventory Inventory
	Summaries summaries.Service
	Customers customers.Service
	Facts     FactRecorder
	Notifier  notifications.Sink
	Logger    *logger.Logger
}

// Pipeline persists the invoice first, then runs inventory, summary buckets
// and the customer aggregate in that order before notifying. A failing step
// stops the event; earlier steps are not rolled back.
type Pipeline struct {
	invoices  invoices.Service
	orders    invoices.Service
	inventory Inventory
	summaries summaries.Service
	customers customers.Service
	facts     FactRecorder
	notifier  notifications.Sink
	logg      *logger.Logger
}

func NewPipeline(params PipelineParams) (*Pipeline, error) {
	switch {
	case params.Invoices == nil:
		return nil, fmt.Errorf("invoice service required")
	case params.Orders == nil:
		return nil, fmt.Errorf("order service required")
	case params.Inventory == nil:
		return nil, fmt.Errorf("inventory adjuster required")
	case params.Summaries == nil:
		return nil, fmt.Errorf("summary service required")
	case params.Customers == nil:
		return nil, fmt.Errorf("customer service required")
	}
	p := &Pipeline{
		invoices:  params.Invoices,
		orders:    params.Orders,
		inventory: params.Inventory,
		summaries: params.Summaries,
		customers: params.Customers,
		facts:     params.Facts,
		notifier:  params.Notifier,
		logg:      params.Logger,
	}
	if p.notifier == nil {
		p.notifier = notifications.NopSink{}
	}
	if p.logg == nil {
		p.logg = logger.Nop()
	}
	return p, nil
}

func (p *Pipeline) InvoiceCreated(ctx context.Context, raw map[string]any) (*Outcome, error) {
	next, err := invoices.FromRecord(raw)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid invoice")
	}
	id, err := p.invoices.Add(ctx, raw)
	if err != nil {
		return nil, err
	}
	next.ID = id
	ctx = p.logg.WithInvoiceID(ctx, id)

	out := &Outcome{ID: id, Message: "invoice created"}
	p.adjustStock(ctx, out, &next, enums.DirectionApply)
	if err := p.adjustSummaries(ctx, out, &next, enums.DirectionApply); err != nil {
		return out, err
	}
	res, err := p.customers.ApplyInvoiceDelta(ctx, &next, enums.DirectionApply)
	if err != nil {
		return out, err
	}
	out.Customers = append(out.Customers, res)

	p.record(ctx, &next, enums.DirectionApply, enums.EventInvoiceCreated)
	p.notify(ctx, out, enums.EventInvoiceCreated, raw)
	return out, nil
}

// InvoiceUpdated fully reverses the stored invoice and applies the updated
// one, so a changed customer or cart is handled the same as any other edit.
func (p *Pipeline) InvoiceUpdated(ctx context.Context, id string, updates map[string]any) (*Outcome, error) {
	ctx = p.logg.WithInvoiceID(ctx, id)
	stored, err := p.invoices.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	prev, err := invoices.FromRecord(stored)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "stored invoice unreadable")
	}
	merged := maps.Clone(stored)
	maps.Copy(merged, updates)
	next, err := invoices.FromRecord(merged)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid invoice")
	}
	if err := p.invoices.Update(ctx, id, updates); err != nil {
		return nil, err
	}
	prev.ID, next.ID = id, id

	out := &Outcome{ID: id, Message: "invoice updated"}
	p.adjustStock(ctx, out, &prev, enums.DirectionReverse)
	p.adjustStock(ctx, out, &next, enums.DirectionApply)
	if err := p.adjustSummaries(ctx, out, &prev, enums.DirectionReverse); err != nil {
		return out, err
	}
	if err := p.adjustSummaries(ctx, out, &next, enums.DirectionApply); err != nil {
		return out, err
	}
	results, err := p.customers.ApplyInvoiceChange(ctx, &prev, &next)
	out.Customers = append(out.Customers, results...)
	if err != nil {
		return out, err
	}

	p.record(ctx, &prev, enums.DirectionReverse, enums.EventInvoiceUpdated)
	p.record(ctx, &next, enums.DirectionApply, enums.EventInvoiceUpdated)
	p.notify(ctx, out, enums.EventInvoiceUpdated, merged)
	return out, nil
}

func (p *Pipeline) InvoiceDeleted(ctx context.Context, id string) (*Outcome, error) {
	ctx = p.logg.WithInvoiceID(ctx, id)
	stored, err := p.invoices.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	prev, err := invoices.FromRecord(stored)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "stored invoice unreadable")
	}
	prev.ID = id
	if err := p.invoices.Delete(ctx, id); err != nil {
		return nil, err
	}

	out := &Outcome{ID: id, Message: "invoice deleted"}
	p.adjustStock(ctx, out, &prev, enums.DirectionReverse)
	if err := p.adjustSummaries(ctx, out, &prev, enums.DirectionReverse); err != nil {
		return out, err
	}
	res, err := p.customers.ApplyInvoiceDelta(ctx, &prev, enums.DirectionReverse)
	if err != nil {
		return out, err
	}
	out.Customers = append(out.Customers, res)

	p.record(ctx, &prev, enums.DirectionReverse, enums.EventInvoiceDeleted)
	p.notify(ctx, out, enums.EventInvoiceDeleted, map[string]any{"id": id})
	return out, nil
}

// Orders carry no stock or aggregate effect; they are stored and announced.

func (p *Pipeline) OrderCreated(ctx context.Context, raw map[string]any) (*Outcome, error) {
	id, err := p.orders.Add(ctx, raw)
	if err != nil {
		return nil, err
	}
	p.notifier.Emit(ctx, enums.EventOrderCreated, raw)
	return &Outcome{ID: id, Message: "order created"}, nil
}

func (p *Pipeline) OrderUpdated(ctx context.Context, id string, updates map[string]any) (*Outcome, error) {
	if err := p.orders.Update(ctx, id, updates); err != nil {
		return nil, err
	}
	p.notifier.Emit(ctx, enums.EventOrderUpdated, map[string]any{"id": id, "changes": updates})
	return &Outcome{ID: id, Message: "order updated"}, nil
}

func (p *Pipeline) OrderDeleted(ctx context.Context, id string) (*Outcome, error) {
	if err := p.orders.Delete(ctx, id); err != nil {
		return nil, err
	}
	p.notifier.Emit(ctx, enums.EventOrderDeleted, map[string]any{"id": id})
	return &Outcome{ID: id, Message: "order deleted"}, nil
}

func (p *Pipeline) adjustStock(ctx context.Context, out *Outcome, inv *invoices.Invoice, dir enums.Direction) {
	report := p.inventory.Adjust(ctx, inv, dir)
	out.Inventory = append(out.Inventory, report)
	out.OnHand = append(out.OnHand, report.Changes()...)
	for _, adj := range report.Adjustments {
		if adj.Error != "" {
			p.logg.Warn(p.logg.WithField(ctx, "product_id", adj.ProductID), "stock adjustment failed: "+adj.Error)
		}
	}
}

func (p *Pipeline) adjustSummaries(ctx context.Context, out *Outcome, inv *invoices.Invoice, dir enums.Direction) error {
	res, err := p.summaries.AdjustInvoiceSummaries(ctx, inv, dir)
	if err != nil {
		return err
	}
	out.Summaries = append(out.Summaries, res)
	return nil
}

func (p *Pipeline) record(ctx context.Context, inv *invoices.Invoice, dir enums.Direction, event enums.NotificationEvent) {
	if p.facts == nil {
		return
	}
	if err := p.facts.Record(ctx, inv, dir, event); err != nil {
		p.logg.Warn(ctx, "sales fact export failed: "+err.Error())
	}
}

func (p *Pipeline) notify(ctx context.Context, out *Outcome, event enums.NotificationEvent, payload any) {
	p.notifier.Emit(ctx, event, payload)
	for _, res := range out.Customers {
		if res != nil && res.Applied {
			p.notifier.Emit(ctx, enums.EventCustomerUpdated, res.Customer)
		}
	}
	products.EmitOnHand(ctx, p.notifier, out.OnHand)
}
