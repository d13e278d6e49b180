// Package summaries maintains the daily, monthly and yearly sales buckets and
// the top products rankings derived from invoices.
package summaries

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taphoa39/taphoa-backend/internal/invoices"
	"github.com/taphoa39/taphoa-backend/internal/notifications"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/types"
)

const (
	DailyCollection       = "DailySummary"
	MonthlyCollection     = "MonthlySummary"
	YearlyCollection      = "YearlySummary"
	TopProductsCollection = "TopProductsSummary"

	TopProductsLimit = 20
	topProductsAll   = "all"
	rollupFanOut     = 8
)

const (
	ReasonInvalidInvoice   = "invalid_invoice"
	ReasonInvalidDirection = "invalid_direction"
	ReasonMissingDate      = "missing_date"
)

// Period is a bucket granularity. KeyField names the bucket on the stored
// document.
type Period struct {
	Collection string
	KeyField   string
	Event      enums.NotificationEvent
}

var (
	Daily   = Period{Collection: DailyCollection, KeyField: "date", Event: enums.EventDailySummary}
	Monthly = Period{Collection: MonthlyCollection, KeyField: "month", Event: enums.EventMonthlySummary}
	Yearly  = Period{Collection: YearlyCollection, KeyField: "year", Event: enums.EventYearlySummary}
)

// Bucket is the running totals of one period.
type Bucket struct {
	Revenue       float64 `json:"revenue"`
	Cost          float64 `json:"cost"`
	Profit        float64 `json:"profit"`
	BuyerQuantity int64   `json:"buyer_quantity"`
}

func bucketOf(data map[string]any) Bucket {
	return Bucket{
		Revenue:       types.ToFloat(data["revenue"]),
		Cost:          types.ToFloat(data["cost"]),
		Profit:        types.ToFloat(data["profit"]),
		BuyerQuantity: types.ToInt(data["buyer_quantity"]),
	}
}

func (b Bucket) add(o Bucket) Bucket {
	return Bucket{
		Revenue:       b.Revenue + o.Revenue,
		Cost:          b.Cost + o.Cost,
		Profit:        b.Profit + o.Profit,
		BuyerQuantity: b.BuyerQuantity + o.BuyerQuantity,
	}
}

func (b Bucket) scale(dir enums.Direction) Bucket {
	f := float64(dir)
	return Bucket{
		Revenue:       f * b.Revenue,
		Cost:          f * b.Cost,
		Profit:        f * b.Profit,
		BuyerQuantity: int64(dir) * b.BuyerQuantity,
	}
}

// normalized clamps every field at zero and rounds money to cents.
func (b Bucket) normalized() Bucket {
	return Bucket{
		Revenue:       types.Round2(types.ClampZero(b.Revenue)),
		Cost:          types.Round2(types.ClampZero(b.Cost)),
		Profit:        types.Round2(types.ClampZero(b.Profit)),
		BuyerQuantity: max(b.BuyerQuantity, 0),
	}
}

// Summary is one stored bucket.
type Summary struct {
	Key string `json:"key"`
	Bucket
}

// Keys are the bucket ids an invoice contributes to.
type Keys struct {
	Date  string `json:"date"`
	Month string `json:"month"`
	Year  string `json:"year"`
}

type AdjustResult struct {
	Updated bool    `json:"updated"`
	Reason  string  `json:"reason,omitempty"`
	Keys    *Keys   `json:"keys,omitempty"`
	Deltas  *Bucket `json:"deltas,omitempty"`
}

// TopProduct is one ranked product.
type TopProduct struct {
	ProductID     string  `json:"productId"`
	ProductName   string  `json:"productName"`
	TotalProfit   float64 `json:"totalProfit"`
	TotalQuantity int64   `json:"totalQuantity"`
}

// TopFilter selects the invoice window. Date wins over Year and Month; an
// empty filter ranks every invoice.
type TopFilter struct {
	Date  string
	Year  int
	Month int
}

type Service interface {
	AdjustInvoiceSummaries(ctx context.Context, inv *invoices.Invoice, dir enums.Direction) (*AdjustResult, error)
	Read(ctx context.Context, period Period, key string) (*Summary, error)
	RecomputeDaily(ctx context.Context, date string) (*Summary, error)
	RecomputeMonthly(ctx context.Context, year, month int) (*Summary, error)
	RecomputeYearly(ctx context.Context, year int) (*Summary, error)
	TopProducts(ctx context.Context, filter TopFilter) ([]TopProduct, error)
}

type ServiceParams struct {
	Store    firestore.Store
	Invoices invoices.Service
	Notifier notifications.Sink
	Logger   *logger.Logger
	Now      func() time.Time
}

type service struct {
	store    firestore.Store
	invoices invoices.Service
	notifier notifications.Sink
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("summary store required")
	}
	if params.Invoices == nil {
		return nil, fmt.Errorf("invoice service required")
	}
	s := &service{
		store:    params.Store,
		invoices: params.Invoices,
		notifier: params.Notifier,
		logg:     params.Logger,
		now:      params.Now,
	}
	if s.notifier == nil {
		s.notifier = notifications.NopSink{}
	}
	if s.logg == nil {
		s.logg = logger.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// AdjustInvoiceSummaries applies the signed invoice totals to the day, month
// and year buckets. Each bucket is its own transaction and a reversal never
// creates a missing bucket.
func (s *service) AdjustInvoiceSummaries(ctx context.Context, inv *invoices.Invoice, dir enums.Direction) (*AdjustResult, error) {
	if inv == nil || inv.Raw == nil {
		return &AdjustResult{Reason: ReasonInvalidInvoice}, nil
	}
	if !dir.IsValid() {
		return &AdjustResult{Reason: ReasonInvalidDirection}, nil
	}
	if inv.Date == "" {
		return &AdjustResult{Reason: ReasonMissingDate}, nil
	}
	keys := Keys{Date: inv.Date, Month: inv.Month, Year: inv.Year}
	revenue, cost := inv.Totals()
	delta := Bucket{
		Revenue:       revenue,
		Cost:          cost,
		Profit:        types.Round2(revenue - cost),
		BuyerQuantity: 1,
	}.scale(dir)

	steps := []struct {
		period Period
		key    string
	}{{Daily, keys.Date}, {Monthly, keys.Month}, {Yearly, keys.Year}}
	for _, step := range steps {
		if step.key == "" {
			continue
		}
		if err := s.applyDelta(ctx, step.period, step.key, delta, dir); err != nil {
			return nil, err
		}
	}
	s.notifier.Emit(ctx, enums.EventDailySummary, map[string]any{"keys": keys, "direction": dir})
	return &AdjustResult{Updated: true, Keys: &keys, Deltas: &delta}, nil
}

func (s *service) applyDelta(ctx context.Context, period Period, key string, delta Bucket, dir enums.Direction) error {
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx firestore.Tx) error {
		doc, err := tx.Get(period.Collection, key)
		if err != nil {
			return err
		}
		if doc == nil && dir == enums.DirectionReverse {
			return nil
		}
		var current Bucket
		if doc != nil {
			current = bucketOf(doc.Data)
		}
		next := current.add(delta).normalized()
		return tx.Set(period.Collection, key, s.document(period, key, next), true)
	})
	if err != nil {
		return pkgerrors.FromGRPC(err, "adjust "+period.Collection+" "+key)
	}
	return nil
}

func (s *service) document(period Period, key string, b Bucket) map[string]any {
	return map[string]any{
		"revenue":        b.Revenue,
		"cost":           b.Cost,
		"profit":         b.Profit,
		"buyer_quantity": b.BuyerQuantity,
		period.KeyField:  key,
		"lastUpdated":    s.now().UTC().Format(time.RFC3339Nano),
	}
}

func (s *service) Read(ctx context.Context, period Period, key string) (*Summary, error) {
	doc, err := s.store.Get(ctx, period.Collection, key)
	if err != nil {
		return nil, pkgerrors.FromGRPC(err, "read "+period.Collection)
	}
	if doc == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("%s %s not found", period.Collection, key))
	}
	return &Summary{Key: key, Bucket: bucketOf(doc.Data)}, nil
}

// RecomputeDaily rebuilds a day bucket from the invoices created that day.
func (s *service) RecomputeDaily(ctx context.Context, date string) (*Summary, error) {
	list, err := s.invoices.ByDate(ctx, date)
	if err != nil {
		return nil, err
	}
	var total Bucket
	for _, raw := range list {
		inv, err := invoices.FromRecord(raw)
		if err != nil {
			continue
		}
		revenue, cost := inv.Totals()
		total = total.add(Bucket{Revenue: revenue, Cost: cost, Profit: revenue - cost, BuyerQuantity: 1})
	}
	return s.save(ctx, Daily, date, total)
}

// RecomputeMonthly sums the day buckets of a month.
func (s *service) RecomputeMonthly(ctx context.Context, year, month int) (*Summary, error) {
	if year <= 0 || month < 1 || month > 12 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "year and month must be valid")
	}
	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	days := first.AddDate(0, 1, -1).Day()
	keys := make([]string, 0, days)
	for d := 0; d < days; d++ {
		keys = append(keys, first.AddDate(0, 0, d).Format(time.DateOnly))
	}
	total, err := s.sum(ctx, Daily, keys)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, Monthly, first.Format("2006-01"), total)
}

// RecomputeYearly sums the month buckets of a year.
func (s *service) RecomputeYearly(ctx context.Context, year int) (*Summary, error) {
	if year <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "year must be valid")
	}
	keys := make([]string, 0, 12)
	for m := 1; m <= 12; m++ {
		keys = append(keys, fmt.Sprintf("%04d-%02d", year, m))
	}
	total, err := s.sum(ctx, Monthly, keys)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, Yearly, fmt.Sprintf("%04d", year), total)
}

func (s *service) sum(ctx context.Context, period Period, keys []string) (Bucket, error) {
	var (
		mu    sync.Mutex
		total Bucket
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rollupFanOut)
	for _, key := range keys {
		g.Go(func() error {
			doc, err := s.store.Get(gctx, period.Collection, key)
			if err != nil {
				return pkgerrors.FromGRPC(err, "read "+period.Collection+" "+key)
			}
			if doc == nil {
				return nil
			}
			b := bucketOf(doc.Data)
			mu.Lock()
			total = total.add(b)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Bucket{}, err
	}
	total.Profit = total.Revenue - total.Cost
	return total, nil
}

// save overwrites a bucket with recomputed totals.
func (s *service) save(ctx context.Context, period Period, key string, total Bucket) (*Summary, error) {
	total = total.normalized()
	if err := s.store.Set(ctx, period.Collection, key, s.document(period, key, total), false); err != nil {
		return nil, pkgerrors.FromGRPC(err, "write "+period.Collection)
	}
	summary := &Summary{Key: key, Bucket: total}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{"collection": period.Collection, "key": key}), "summary recomputed")
	s.notifier.Emit(ctx, period.Event, summary)
	return summary, nil
}

// TopProducts ranks products by profit over the filtered invoices and stores
// the leaders under the window key.
func (s *service) TopProducts(ctx context.Context, filter TopFilter) ([]TopProduct, error) {
	docID, list, err := s.window(ctx, filter)
	if err != nil {
		return nil, err
	}

	byID := map[string]*TopProduct{}
	for _, raw := range list {
		inv, err := invoices.FromRecord(raw)
		if err != nil {
			continue
		}
		for _, li := range inv.Items {
			if li.ProductID == "" {
				continue
			}
			tp, ok := byID[li.ProductID]
			if !ok {
				name := li.ProductName
				if name == "" {
					name = "Unknown"
				}
				tp = &TopProduct{ProductID: li.ProductID, ProductName: name}
				byID[li.ProductID] = tp
			}
			tp.TotalProfit += (li.Price - li.Cost) * float64(li.Quantity)
			tp.TotalQuantity += li.Quantity
		}
	}

	ranked := make([]TopProduct, 0, len(byID))
	for _, tp := range byID {
		tp.TotalProfit = types.Round2(tp.TotalProfit)
		ranked = append(ranked, *tp)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].TotalProfit != ranked[j].TotalProfit {
			return ranked[i].TotalProfit > ranked[j].TotalProfit
		}
		return ranked[i].ProductID < ranked[j].ProductID
	})
	if len(ranked) > TopProductsLimit {
		ranked = ranked[:TopProductsLimit]
	}

	rows := make([]any, 0, len(ranked))
	for _, tp := range ranked {
		rows = append(rows, map[string]any{
			"productId":     tp.ProductID,
			"productName":   tp.ProductName,
			"totalProfit":   tp.TotalProfit,
			"totalQuantity": tp.TotalQuantity,
		})
	}
	doc := map[string]any{
		"top_products": rows,
		"lastUpdated":  s.now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.store.Set(ctx, TopProductsCollection, docID, doc, false); err != nil {
		return nil, pkgerrors.FromGRPC(err, "write top products")
	}
	s.notifier.Emit(ctx, enums.EventTopProducts, map[string]any{"key": docID, "top_products": ranked})
	return ranked, nil
}

func (s *service) window(ctx context.Context, filter TopFilter) (string, []map[string]any, error) {
	switch {
	case filter.Date != "":
		list, err := s.invoices.ByDate(ctx, filter.Date)
		return filter.Date, list, err
	case filter.Month > 12 || filter.Month < 0:
		return "", nil, pkgerrors.New(pkgerrors.CodeValidation, "month must be 1-12")
	case filter.Year > 0 && filter.Month > 0:
		first := time.Date(filter.Year, time.Month(filter.Month), 1, 0, 0, 0, 0, time.UTC)
		last := first.AddDate(0, 1, -1)
		list, err := s.invoices.ByDateRange(ctx, first.Format(time.DateOnly), last.Format(time.DateOnly))
		return first.Format("2006-01"), list, err
	case filter.Year > 0:
		from := fmt.Sprintf("%04d-01-01", filter.Year)
		to := fmt.Sprintf("%04d-12-31", filter.Year)
		list, err := s.invoices.ByDateRange(ctx, from, to)
		return fmt.Sprintf("%04d", filter.Year), list, err
	case filter.Month > 0:
		return "", nil, pkgerrors.New(pkgerrors.CodeValidation, "month requires year")
	}
	list, err := s.invoices.ReadAll(ctx)
	return topProductsAll, list, err
}
