package service

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
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

const (
	pathSingle = "single"
	pathBatch  = "batch"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type DeltaRequest struct {
	ProductID string
	Delta     int
	Type      domain.MovementType
	Reason    string
	Actor     string
	OrderID   string
	Reference string
	IPAddress string
}

type DeltaResult struct {
	ProductID string              `json:"product_id"`
	OrderID   string              `json:"order_id,omitempty"`
	Type      domain.MovementType `json:"type"`
	Delta     int                 `json:"delta"`
	OldStock  int                 `json:"old_stock"`
	NewStock  int                 `json:"new_stock"`
	EntryID   string              `json:"entry_id"`
	Duplicate bool                `json:"duplicate"`
}

type BatchResult struct {
	BatchID string        `json:"batch_id"`
	Results []DeltaResult `json:"results"`
	// Missing lists product ids that do not exist; their items were skipped.
	Missing []string `json:"missing,omitempty"`
}

type StockServiceConfig struct {
	LockTTL       time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	StockKeyTTL   time.Duration
	HolderPrefix  string
}

// StockService is the only code path allowed to change stock quantities.
type StockService struct {
	ledger port.LedgerRepository
	locks  *LockManager
	idem   *IdempotencyStore
	audit  port.AuditSink
	events port.StockEventPublisher
	cfg    StockServiceConfig
	tracer trace.Tracer
	now    func() time.Time
}

func NewStockService(
	ledger port.LedgerRepository,
	locks *LockManager,
	idem *IdempotencyStore,
	audit port.AuditSink,
	events port.StockEventPublisher,
	cfg StockServiceConfig,
) *StockService {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &StockService{
		ledger: ledger,
		locks:  locks,
		idem:   idem,
		audit:  audit,
		events: events,
		cfg:    cfg,
		tracer: otel.Tracer("stock-ledger/stock"),
		now:    time.Now,
	}
}

// ApplyDelta applies one signed delta. When OrderID is set the (product, order, delta)
// triple is processed at most once; replays return the first result with Duplicate set.
func (s *StockService) ApplyDelta(ctx context.Context, req DeltaRequest) (*DeltaResult, error) {
	ctx, span := s.tracer.Start(ctx, "stock.ApplyDelta", trace.WithAttributes(
		attribute.String("product.id", req.ProductID),
		attribute.Int("stock.delta", req.Delta),
		attribute.String("order.id", req.OrderID),
	))
	defer span.End()

	res, err := s.applyDelta(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.ErrorCode(err))
		return nil, err
	}
	span.SetAttributes(attribute.Bool("stock.duplicate", res.Duplicate))
	return res, nil
}

func (s *StockService) applyDelta(ctx context.Context, req DeltaRequest) (*DeltaResult, error) {
	if err := validateRequest(req); err != nil {
		s.recordFailure(ctx, domain.AuditActionApplyDelta, []DeltaRequest{req}, err)
		return nil, err
	}

	if req.OrderID == "" {
		batch, err := s.commit(ctx, pathSingle, domain.AuditActionApplyDelta, []DeltaRequest{req}, false)
		if err != nil {
			return nil, err
		}
		return &batch.Results[0], nil
	}

	key := domain.StockKey(req.ProductID, req.OrderID, req.Delta)
	res, wasNew, err := Do(ctx, s.idem, key, s.cfg.StockKeyTTL, func(ctx context.Context) (DeltaResult, error) {
		batch, err := s.commit(ctx, pathSingle, domain.AuditActionApplyDelta, []DeltaRequest{req}, false)
		if err != nil {
			return DeltaResult{}, err
		}
		return batch.Results[0], nil
	})
	if err != nil {
		return nil, err
	}
	if !wasNew {
		res.Duplicate = true
		metrics.Mutations.WithLabelValues(pathSingle, "DUPLICATE_EVENT").Inc()
		logger.Ctx(ctx).Info().Str("product_id", req.ProductID).Str("order_id", req.OrderID).
			Int("delta", req.Delta).Msg("duplicate stock delta, returning cached result")
	}
	return &res, nil
}

// ApplyBatch applies all deltas in one transaction after locking every involved
// product. Any lock failure or negative result aborts the whole batch. Items for
// products that do not exist are skipped and listed in Missing.
func (s *StockService) ApplyBatch(ctx context.Context, reqs []DeltaRequest) (*BatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "stock.ApplyBatch", trace.WithAttributes(attribute.Int("batch.size", len(reqs))))
	defer span.End()

	if len(reqs) == 0 {
		return &BatchResult{BatchID: uuid.NewString()}, nil
	}
	for _, req := range reqs {
		if err := validateRequest(req); err != nil {
			s.recordFailure(ctx, domain.AuditActionApplyBatch, reqs, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, domain.ErrorCode(err))
			return nil, err
		}
	}

	batch, err := s.commit(ctx, pathBatch, domain.AuditActionApplyBatch, reqs, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.ErrorCode(err))
		return nil, err
	}

	// Let later single-item replays of the same order lines hit the fast path.
	for _, r := range batch.Results {
		if r.OrderID == "" || r.Duplicate {
			continue
		}
		raw, err := json.Marshal(r)
		if err == nil {
			err = s.idem.MarkProcessed(ctx, domain.StockKey(r.ProductID, r.OrderID, r.Delta), raw, s.cfg.StockKeyTTL)
		}
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("product_id", r.ProductID).Msg("could not record batch line as processed")
		}
	}
	return batch, nil
}

func (s *StockService) commit(ctx context.Context, path, action string, reqs []DeltaRequest, skipMissing bool) (*BatchResult, error) {
	log := logger.Ctx(ctx)
	holder := NewHolderToken(s.cfg.HolderPrefix)
	batch := &BatchResult{BatchID: uuid.NewString()}

	ids := uniqueProductIDs(reqs)
	held := make([]string, 0, len(ids))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			releaseDetached(ctx, s.locks, held[i], holder)
		}
		held = held[:0]
	}
	defer releaseAll()

	for _, id := range ids {
		if err := acquireWithBackoff(ctx, s.locks, id, holder, s.cfg.LockTTL, s.cfg.RetryAttempts, s.cfg.RetryBackoff); err != nil {
			releaseAll()
			log.Warn().Err(err).Str("product_id", id).Str("holder", holder).Msg("could not lock product, aborting")
			s.recordFailure(ctx, action, reqs, err)
			return nil, err
		}
		held = append(held, id)
	}

	start := s.now()
	err := s.ledger.WithinTx(ctx, func(ctx context.Context, tx port.LedgerTx) error {
		batch.Results = batch.Results[:0]
		batch.Missing = batch.Missing[:0]

		for _, req := range reqs {
			res, err := s.applyInTx(ctx, tx, action, batch.BatchID, req)
			if errors.Is(err, domain.ErrProductNotFound) && skipMissing {
				batch.Missing = append(batch.Missing, req.ProductID)
				continue
			}
			if err != nil {
				return err
			}
			batch.Results = append(batch.Results, *res)
		}
		return nil
	})
	metrics.MutationDuration.WithLabelValues(path).Observe(s.now().Sub(start).Seconds())
	releaseAll()

	if err != nil {
		if !domain.IsKnown(err) {
			err = domain.Persistence(err)
		}
		log.Error().Err(err).Str("code", domain.ErrorCode(err)).Int("items", len(reqs)).Msg("stock mutation rejected")
		s.recordFailure(ctx, action, reqs, err)
		return nil, err
	}

	metrics.Mutations.WithLabelValues(path, "OK").Inc()
	s.publish(ctx, batch.Results)
	return batch, nil
}

func (s *StockService) applyInTx(ctx context.Context, tx port.LedgerTx, action, batchID string, req DeltaRequest) (*DeltaResult, error) {
	product, err := tx.GetProductForUpdate(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, &domain.StockError{Kind: domain.ErrProductNotFound, ProductID: req.ProductID, Delta: req.Delta}
	}

	if req.OrderID != "" {
		prior, err := tx.FindOrderEntry(ctx, req.ProductID, req.OrderID, req.Delta)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			res := resultFromEntry(*prior)
			res.Duplicate = true
			return &res, nil
		}
	}

	newStock := product.StockQuantity + req.Delta
	if newStock < 0 {
		return nil, &domain.StockError{
			Kind:      domain.ErrInsufficientStock,
			ProductID: req.ProductID,
			Current:   product.StockQuantity,
			Delta:     req.Delta,
		}
	}

	entry := domain.NewStockLogEntry(req.ProductID, req.Type, product.StockQuantity, req.Delta, s.now())
	entry.OrderID = req.OrderID
	entry.Reason = req.Reason
	entry.Reference = req.Reference
	entry.CreatedBy = req.Actor

	if err := tx.UpdateStock(ctx, req.ProductID, newStock); err != nil {
		return nil, err
	}
	if err := tx.InsertLog(ctx, entry); err != nil {
		return nil, err
	}
	if err := tx.InsertAudit(ctx, domain.AuditEntry{
		UserID:     req.Actor,
		Action:     action,
		Resource:   domain.AuditResourceProduct,
		ResourceID: req.ProductID,
		Details: map[string]any{
			"batch_id":  batchID,
			"entry_id":  entry.ID,
			"type":      entry.Type,
			"delta":     entry.Quantity,
			"old_stock": entry.OldStock,
			"new_stock": entry.NewStock,
			"order_id":  entry.OrderID,
			"reason":    entry.Reason,
		},
		IPAddress: req.IPAddress,
		Success:   true,
		CreatedAt: entry.CreatedAt,
	}); err != nil {
		return nil, err
	}

	res := resultFromEntry(entry)
	return &res, nil
}

func (s *StockService) recordFailure(ctx context.Context, action string, reqs []DeltaRequest, cause error) {
	code := domain.ErrorCode(cause)
	path := pathSingle
	if action == domain.AuditActionApplyBatch {
		path = pathBatch
	}
	metrics.Mutations.WithLabelValues(path, code).Inc()

	for _, req := range reqs {
		err := s.audit.Record(ctx, domain.AuditEntry{
			UserID:     req.Actor,
			Action:     action,
			Resource:   domain.AuditResourceProduct,
			ResourceID: req.ProductID,
			Details: map[string]any{
				"delta":    req.Delta,
				"type":     req.Type,
				"order_id": req.OrderID,
				"reason":   req.Reason,
				"error":    cause.Error(),
			},
			IPAddress: req.IPAddress,
			Success:   false,
			ErrorCode: code,
			CreatedAt: s.now(),
		})
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("product_id", req.ProductID).Str("code", code).Msg("failed to audit rejected mutation")
		}
	}
}

func (s *StockService) publish(ctx context.Context, results []DeltaResult) {
	if s.events == nil {
		return
	}
	events := make([]domain.StockChanged, 0, len(results))
	for _, r := range results {
		if r.Duplicate {
			continue
		}
		events = append(events, domain.StockChanged{
			ProductID:  r.ProductID,
			OrderID:    r.OrderID,
			Type:       r.Type,
			Delta:      r.Delta,
			OldStock:   r.OldStock,
			NewStock:   r.NewStock,
			OccurredAt: s.now(),
		})
	}
	if len(events) == 0 {
		return
	}
	if err := s.events.PublishStockChanged(ctx, events); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Int("events", len(events)).Msg("failed to publish stock changes")
	}
}

// CreateProduct registers a product at zero stock and books any initial quantity
// as an ENTRY so the ledger starts from zero.
func (s *StockService) CreateProduct(ctx context.Context, productID, location string, initialStock int, actor string) (*domain.Product, error) {
	if productID == "" || initialStock < 0 {
		return nil, errors.Wrap(domain.ErrInvalidDelta, "product id is required and initial stock must not be negative")
	}
	now := s.now()
	if err := s.ledger.CreateProduct(ctx, domain.Product{ID: productID, Location: location, CreatedAt: now, UpdatedAt: now}); err != nil {
		if !domain.IsKnown(err) {
			err = domain.Persistence(err)
		}
		return nil, err
	}
	if initialStock > 0 {
		if _, err := s.ApplyDelta(ctx, DeltaRequest{
			ProductID: productID,
			Delta:     initialStock,
			Type:      domain.MovementEntry,
			Reason:    "initial stock",
			Actor:     actor,
		}); err != nil {
			return nil, err
		}
	}
	return s.GetProduct(ctx, productID)
}

func (s *StockService) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	p, err := s.ledger.GetProduct(ctx, productID)
	if err != nil {
		return nil, domain.Persistence(err)
	}
	if p == nil {
		return nil, &domain.StockError{Kind: domain.ErrProductNotFound, ProductID: productID}
	}
	return p, nil
}

func (s *StockService) History(ctx context.Context, productID string, limit, offset int) ([]domain.StockLogEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	if _, err := s.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	entries, err := s.ledger.History(ctx, productID, limit, offset)
	if err != nil {
		return nil, domain.Persistence(err)
	}
	return entries, nil
}

func (s *StockService) Status(ctx context.Context, productID string) (*domain.StockStatus, error) {
	p, err := s.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	lock, err := s.locks.Status(ctx, productID)
	if err != nil {
		return nil, domain.Persistence(err)
	}
	return &domain.StockStatus{
		ProductID:    p.ID,
		CurrentStock: p.StockQuantity,
		Location:     p.Location,
		IsLocked:     lock.IsLocked,
		LockedUntil:  lock.LockedUntil,
	}, nil
}

// Verify replays the product ledger and compares it with the stored quantity.
func (s *StockService) Verify(ctx context.Context, productID string) (*domain.LedgerReport, error) {
	p, err := s.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.Entries(ctx, productID)
	if err != nil {
		return nil, domain.Persistence(err)
	}
	report := domain.Replay(productID, entries, p.StockQuantity)
	if !report.Consistent {
		logger.Ctx(ctx).Error().Str("product_id", productID).Int("expected", report.Expected).
			Int("actual", report.Actual).Str("first_break", report.FirstBreakID).Msg("ledger inconsistency")
	}
	return &report, nil
}

func validateRequest(req DeltaRequest) error {
	if req.ProductID == "" {
		return errors.Wrap(domain.ErrInvalidDelta, "product id is required")
	}
	return req.Type.ValidateDelta(req.Delta)
}

func uniqueProductIDs(reqs []DeltaRequest) []string {
	seen := make(map[string]struct{}, len(reqs))
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if _, ok := seen[r.ProductID]; ok {
			continue
		}
		seen[r.ProductID] = struct{}{}
		ids = append(ids, r.ProductID)
	}
	// fixed order keeps two overlapping batches from waiting on each other
	sort.Strings(ids)
	return ids
}

func resultFromEntry(e domain.StockLogEntry) DeltaResult {
	return DeltaResult{
		ProductID: e.ProductID,
		OrderID:   e.OrderID,
		Type:      e.Type,
		Delta:     e.Quantity,
		OldStock:  e.OldStock,
		NewStock:  e.NewStock,
		EntryID:   e.ID,
	}
}
