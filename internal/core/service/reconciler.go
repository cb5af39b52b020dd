package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/logger"
	"github.com/rl1809/stock-ledger/internal/metrics"
	"github.com/rl1809/stock-ledger/internal/port"
)

const reconcilerActor = "reconciler"

type ReconcileAction string

const (
	ActionDebited   ReconcileAction = "debited"
	ActionCredited  ReconcileAction = "credited"
	ActionDuplicate ReconcileAction = "duplicate"
	ActionRecorded  ReconcileAction = "recorded"
	ActionIgnored   ReconcileAction = "ignored"
)

// OrderStockResult is what a debit or credit of one order produced.
type OrderStockResult struct {
	Batch   BatchResult `json:"batch"`
	Skipped []string    `json:"skipped,omitempty"`
}

type ReconcileResult struct {
	Action ReconcileAction
	Stock  *OrderStockResult
}

type ReconcilerConfig struct {
	Workers       int
	Timeout       time.Duration
	OrderKeyTTL   time.Duration
	LockTTL       time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	HolderPrefix  string
}

// Reconciler turns observed order status transitions into stock mutations.
// It is the only consumer of order events: stock is debited once when an order
// is first seen active and credited once when it moves to CANCELLED or RETURNED.
type Reconciler struct {
	stock  *StockService
	idem   *IdempotencyStore
	locks  *LockManager
	orders port.OrderRepository
	mapper port.ProductMapper
	cfg    ReconcilerConfig
	tracer trace.Tracer
	now    func() time.Time
}

func NewReconciler(
	stock *StockService,
	idem *IdempotencyStore,
	locks *LockManager,
	orders port.OrderRepository,
	mapper port.ProductMapper,
	cfg ReconcilerConfig,
) *Reconciler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Reconciler{
		stock:  stock,
		idem:   idem,
		locks:  locks,
		orders: orders,
		mapper: mapper,
		cfg:    cfg,
		tracer: otel.Tracer("stock-ledger/reconciler"),
		now:    time.Now,
	}
}

// Run consumes events until ctx is done or events is closed, then waits for
// in-flight orders to finish.
func (r *Reconciler) Run(ctx context.Context, events <-chan domain.OrderEvent) error {
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.workerLoop(ctx, id, events)
		}(i)
	}
	logger.Ctx(ctx).Info().Int("workers", r.cfg.Workers).Msg("reconciler started")
	wg.Wait()
	logger.Ctx(ctx).Info().Msg("reconciler stopped")
	return nil
}

func (r *Reconciler) workerLoop(ctx context.Context, id int, events <-chan domain.OrderEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			// finish the current order even if shutdown starts mid-way
			octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
			res, err := r.Reconcile(octx, ev.Order)
			cancel()

			log := logger.Ctx(ctx).With().Int("worker", id).Str("order_id", ev.Order.Reference()).
				Str("status", string(ev.Order.Status)).Str("source", ev.Source).Logger()
			if err != nil {
				log.Error().Err(err).Str("code", domain.ErrorCode(err)).Msg("order not reconciled, will retry on next observation")
				continue
			}
			log.Debug().Str("action", string(res.Action)).Msg("order reconciled")
		}
	}
}

// Reconcile applies the stock side effect of one order observation. It is safe to
// call any number of times with the same order.
func (r *Reconciler) Reconcile(ctx context.Context, order domain.Order) (*ReconcileResult, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.Reconcile", trace.WithAttributes(
		attribute.String("order.id", order.Reference()),
		attribute.String("order.status", string(order.Status)),
	))
	defer span.End()

	res, err := r.reconcile(ctx, order)
	if err != nil {
		metrics.Reconciliations.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.ErrorCode(err))
		return nil, err
	}
	metrics.Reconciliations.WithLabelValues(string(res.Action)).Inc()
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, order domain.Order) (*ReconcileResult, error) {
	log := logger.Ctx(ctx)
	if order.Marketplace == "" || order.MarketplaceOrderID == "" {
		return nil, errors.New("order without marketplace or marketplace order id")
	}
	if len(order.MarketplaceOrderID) > domain.MaxMarketplaceOrderIDLength {
		return nil, errors.Errorf("marketplace order id longer than %d bytes", domain.MaxMarketplaceOrderIDLength)
	}
	if order.Status == domain.OrderStatusUnknown || order.Status == "" {
		log.Warn().Str("order_id", order.Reference()).Msg("order status has no mapping, ignoring")
		return &ReconcileResult{Action: ActionIgnored}, nil
	}

	lockKey := "order:" + order.Reference()
	holder := NewHolderToken(r.cfg.HolderPrefix)
	if err := acquireWithBackoff(ctx, r.locks, lockKey, holder, r.cfg.LockTTL, r.cfg.RetryAttempts, r.cfg.RetryBackoff); err != nil {
		return nil, err
	}
	defer releaseDetached(ctx, r.locks, lockKey, holder)

	stored, err := r.orders.Get(ctx, order.Marketplace, order.MarketplaceOrderID)
	if err != nil {
		return nil, domain.Persistence(errors.Wrap(err, "load order"))
	}

	rec := order
	rec.CreatedAt = r.now()
	if stored != nil {
		rec.StockDebited = stored.StockDebited
		rec.StockCredited = stored.StockCredited
		rec.Booked = stored.Booked
		rec.CreatedAt = stored.CreatedAt
		if len(rec.Items) == 0 {
			rec.Items = stored.Items
		}
	}

	res := &ReconcileResult{Action: ActionRecorded}
	switch {
	case order.Status.IsActive():
		if rec.StockDebited || (stored != nil && stored.Status.IsCompensating()) {
			break
		}
		stock, wasNew, err := Do(ctx, r.idem, domain.OrderKey(order.Marketplace, order.MarketplaceOrderID), r.cfg.OrderKeyTTL,
			func(ctx context.Context) (OrderStockResult, error) {
				return r.debitLines(ctx, rec)
			})
		if err != nil {
			return nil, err
		}
		rec.StockDebited = true
		rec.Booked = stock.booked()
		res.Stock = &stock
		res.Action = ActionDebited
		if !wasNew {
			res.Action = ActionDuplicate
		}

	case order.Status.IsCompensating():
		if stored == nil || stored.Status.IsCompensating() || rec.StockCredited {
			break
		}
		booked, err := r.bookedLines(ctx, *stored)
		if err != nil {
			return nil, err
		}
		if len(booked) == 0 {
			break
		}
		movement := domain.MovementCancel
		if order.Status == domain.OrderStatusReturned {
			movement = domain.MovementReturn
		}
		stock, wasNew, err := Do(ctx, r.idem, domain.OrderStatusKey(order.Marketplace, order.MarketplaceOrderID, order.Status), r.cfg.OrderKeyTTL,
			func(ctx context.Context) (OrderStockResult, error) {
				return r.creditLines(ctx, rec, booked, movement)
			})
		if err != nil {
			return nil, err
		}
		rec.StockDebited = true
		rec.StockCredited = true
		rec.Booked = booked
		res.Stock = &stock
		res.Action = ActionCredited
		if !wasNew {
			res.Action = ActionDuplicate
		}
	}

	rec.UpdatedAt = r.now()
	if err := r.orders.Save(ctx, rec); err != nil {
		// stock is already booked under idempotency keys, a retry only re-saves the row
		return nil, domain.Persistence(errors.Wrap(err, "save order"))
	}
	return res, nil
}

// bookedLines returns what the debit of stored took from stock. The order row
// is read first; the cached debit result covers a row that was never saved.
func (r *Reconciler) bookedLines(ctx context.Context, stored domain.Order) ([]domain.BookedLine, error) {
	if len(stored.Booked) > 0 {
		return stored.Booked, nil
	}
	check, err := r.idem.Check(ctx, domain.OrderKey(stored.Marketplace, stored.MarketplaceOrderID))
	if err != nil {
		return nil, err
	}
	if check.IsNew || len(check.Cached) == 0 {
		if stored.StockDebited {
			logger.Ctx(ctx).Error().Str("order_id", stored.Reference()).
				Msg("debit outcome is no longer known, nothing credited")
		}
		return nil, nil
	}
	var debit OrderStockResult
	if err := json.Unmarshal(check.Cached, &debit); err != nil {
		return nil, errors.Wrapf(err, "decode debit of %s", stored.Reference())
	}
	return debit.booked(), nil
}

// booked lists the quantity taken per product. Skipped lines and missing
// products never reach the results.
func (o OrderStockResult) booked() []domain.BookedLine {
	lines := make([]domain.BookedLine, 0, len(o.Batch.Results))
	for _, res := range o.Batch.Results {
		if res.Delta >= 0 {
			continue
		}
		lines = append(lines, domain.BookedLine{ProductID: res.ProductID, Quantity: -res.Delta})
	}
	return lines
}

// debitLines resolves every line of the order and takes the mapped quantities
// out of stock in one batch.
func (r *Reconciler) debitLines(ctx context.Context, order domain.Order) (OrderStockResult, error) {
	var out OrderStockResult
	totals := make(map[string]int)
	for _, item := range order.Items {
		if item.Quantity <= 0 {
			continue
		}
		productID, ok, err := r.mapper.Resolve(ctx, order.Marketplace, item.SKU)
		if err != nil {
			return out, domain.Persistence(errors.Wrapf(err, "resolve sku %s", item.SKU))
		}
		if !ok {
			logger.Ctx(ctx).Warn().Str("order_id", order.Reference()).Str("sku", item.SKU).Msg("sku has no product mapping, line skipped")
			out.Skipped = append(out.Skipped, item.SKU)
			continue
		}
		totals[productID] += item.Quantity
	}

	batch, err := r.book(ctx, order, totals, -1, domain.MovementSale)
	if err != nil {
		return out, err
	}
	out.Batch = *batch
	return out, nil
}

// creditLines gives back exactly what the debit booked.
func (r *Reconciler) creditLines(ctx context.Context, order domain.Order, booked []domain.BookedLine, movement domain.MovementType) (OrderStockResult, error) {
	var out OrderStockResult
	totals := make(map[string]int, len(booked))
	for _, line := range booked {
		totals[line.ProductID] += line.Quantity
	}
	batch, err := r.book(ctx, order, totals, +1, movement)
	if err != nil {
		return out, err
	}
	out.Batch = *batch
	return out, nil
}

// book applies totals per product in one batch. sign is -1 for a debit and +1
// for a credit.
func (r *Reconciler) book(ctx context.Context, order domain.Order, totals map[string]int, sign int, movement domain.MovementType) (*BatchResult, error) {
	productIDs := make([]string, 0, len(totals))
	for id := range totals {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	reqs := make([]DeltaRequest, 0, len(productIDs))
	for _, id := range productIDs {
		reqs = append(reqs, DeltaRequest{
			ProductID: id,
			Delta:     sign * totals[id],
			Type:      movement,
			Reason:    "marketplace order " + string(order.Status),
			Actor:     reconcilerActor,
			OrderID:   order.Reference(),
			Reference: order.MarketplaceOrderID,
		})
	}
	return r.stock.ApplyBatch(ctx, reqs)
}
