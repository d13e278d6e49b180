// Package inventory converts invoice cart lines into master-unit stock
// adjustments.
package inventory

import (
	"context"
	"fmt"

	"github.com/taphoa39/taphoa-backend/internal/invoices"
	"github.com/taphoa39/taphoa-backend/internal/products"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/types"
)

const (
	ReasonInvalidInvoice   = "invalid_invoice"
	ReasonInvalidDirection = "invalid_direction"
	ReasonNoCartItems      = "no_cart_items"
)

// Stock is the product surface the adjuster needs.
type Stock interface {
	Product(ctx context.Context, id string) (*products.Product, error)
	AdjustOnHand(ctx context.Context, id string, fn func(current float64) float64) (*products.OnHandChange, error)
}

// Contribution is one cart line folded into a target adjustment.
type Contribution struct {
	ProductID       string  `json:"productId"`
	Quantity        int64   `json:"quantity"`
	ConversionValue float64 `json:"conversionValue"`
	MasterQuantity  float64 `json:"masterQuantity"`
}

type Adjustment struct {
	ProductID        string         `json:"productId"`
	OldOnHand        float64        `json:"old_onhand"`
	NewOnHand        float64        `json:"new_onhand"`
	QuantityAdjusted float64        `json:"quantity_adjusted"`
	Items            []Contribution `json:"items,omitempty"`
	Error            string         `json:"error,omitempty"`
}

type Report struct {
	Updated     bool         `json:"updated"`
	Reason      string       `json:"reason,omitempty"`
	Adjustments []Adjustment `json:"adjustments"`
}

// Changes lists the successful writes.
func (r *Report) Changes() []products.OnHandChange {
	var out []products.OnHandChange
	for _, a := range r.Adjustments {
		if a.Error == "" {
			out = append(out, products.OnHandChange{ID: a.ProductID, OldOnHand: a.OldOnHand, NewOnHand: a.NewOnHand})
		}
	}
	return out
}

type Adjuster struct {
	stock Stock
	logg  *logger.Logger
}

func NewAdjuster(stock Stock, logg *logger.Logger) (*Adjuster, error) {
	if stock == nil {
		return nil, fmt.Errorf("product stock required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Adjuster{stock: stock, logg: logg}, nil
}

type target struct {
	id    string
	total float64
	items []Contribution
}

// Adjust removes (DirectionApply) or restores (DirectionReverse) the stock an
// invoice sold. Lines sharing a master product are combined into one write;
// each target is written in its own transaction and fails on its own.
func (a *Adjuster) Adjust(ctx context.Context, inv *invoices.Invoice, dir enums.Direction) *Report {
	if inv == nil {
		return &Report{Reason: ReasonInvalidInvoice, Adjustments: []Adjustment{}}
	}
	if !dir.IsValid() {
		return &Report{Reason: ReasonInvalidDirection, Adjustments: []Adjustment{}}
	}
	if len(inv.Items) == 0 {
		return &Report{Reason: ReasonNoCartItems, Adjustments: []Adjustment{}}
	}

	var order []string
	targets := map[string]*target{}
	for _, line := range inv.Items {
		if line.Quantity <= 0 || line.ProductID == "" {
			continue
		}
		p, err := a.stock.Product(ctx, line.ProductID)
		if err != nil {
			if pkgerrors.IsQuotaExceeded(err) {
				a.logg.Warn(a.logg.WithField(ctx, "product_id", line.ProductID), "product lookup hit quota")
			} else {
				a.logg.Error(a.logg.WithField(ctx, "product_id", line.ProductID), "product lookup failed", err)
			}
			continue
		}
		if p == nil {
			continue
		}
		cv := p.Conversion()
		masterQty := float64(line.Quantity) / cv
		id := p.StockTarget()
		t, ok := targets[id]
		if !ok {
			t = &target{id: id}
			targets[id] = t
			order = append(order, id)
		}
		t.total += masterQty
		t.items = append(t.items, Contribution{
			ProductID:       line.ProductID,
			Quantity:        line.Quantity,
			ConversionValue: cv,
			MasterQuantity:  masterQty,
		})
	}

	report := &Report{Adjustments: []Adjustment{}}
	for _, id := range order {
		t := targets[id]
		delta := float64(dir) * t.total
		change, err := a.stock.AdjustOnHand(ctx, id, func(current float64) float64 {
			return types.ClampZero(current - delta)
		})
		if err != nil {
			msg := err.Error()
			if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeNotFound {
				msg = "Master product not found"
			}
			a.logg.Error(a.logg.WithField(ctx, "product_id", id), "stock adjustment failed", err)
			report.Adjustments = append(report.Adjustments, Adjustment{ProductID: id, Error: msg})
			continue
		}
		report.Adjustments = append(report.Adjustments, Adjustment{
			ProductID:        id,
			OldOnHand:        change.OldOnHand,
			NewOnHand:        change.NewOnHand,
			QuantityAdjusted: delta,
			Items:            t.items,
		})
	}
	report.Updated = len(report.Adjustments) > 0
	return report
}
