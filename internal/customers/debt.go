package customers

import (
	"math"
	"strings"

	"github.com/taphoa39/taphoa-backend/pkg/config"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
	"github.com/taphoa39/taphoa-backend/pkg/types"
)

// Field tables observed on upstream invoice payloads, in priority order.
var (
	DefaultCandidatePaths = []string{
		"debt", "Debt", "customerDebt", "CustomerDebt", "remainAmount", "RemainAmount",
		"remainingAmount", "remainingDebt", "customer.debt", "customer.Debt",
		"payment.debt", "payment.Debt", "payment.remaining", "payment.remainingAmount",
	}
	DefaultPaidPaths = []string{
		"totalPaid", "TotalPaid", "paid", "Paid", "customerPaid", "CustomerPaid",
		"payment.totalPaid", "payment.TotalPaid", "payment.paid", "payment.Paid",
		"payment.received", "payment.receivedAmount",
	}
)

// DebtResolver derives the outstanding amount of an invoice. The first
// non-zero candidate wins; otherwise debt is totalPrice minus the largest
// paid figure, floored at zero.
type DebtResolver struct {
	candidates []string
	paid       []string
}

func NewDebtResolver(cfg config.DebtConfig) *DebtResolver {
	r := &DebtResolver{candidates: DefaultCandidatePaths, paid: DefaultPaidPaths}
	if paths := cleanPaths(cfg.CandidatePaths); len(paths) > 0 {
		r.candidates = paths
	}
	if paths := cleanPaths(cfg.PaidPaths); len(paths) > 0 {
		r.paid = paths
	}
	return r
}

func (r *DebtResolver) Resolve(invoice map[string]any) float64 {
	if invoice == nil {
		return 0
	}
	for _, path := range r.candidates {
		v, ok := firestore.Lookup(invoice, path)
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		if amount := types.ToFloat(v); amount != 0 {
			return math.Abs(types.Round2(amount))
		}
	}

	var total float64
	for _, path := range []string{"totalPrice", "TotalPrice"} {
		if v, ok := firestore.Lookup(invoice, path); ok && v != nil {
			total = types.ToFloat(v)
			break
		}
	}

	var paid float64
	for _, path := range r.paid {
		if v, ok := firestore.Lookup(invoice, path); ok && v != nil {
			paid = math.Max(paid, types.ToFloat(v))
		}
	}
	if payments, ok := invoice["payments"].([]any); ok {
		var sum float64
		for _, entry := range payments {
			if m, ok := entry.(map[string]any); ok {
				sum += types.ToFloat(m["amount"])
			}
		}
		paid = math.Max(paid, sum)
	}
	return types.Round2(types.ClampZero(total - paid))
}

func cleanPaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
