package handler

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/stock-ledger/internal/adapter/marketplace"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/logger"
)

const (
	deliveryIDHeader    = "X-Delivery-Id"
	maxDeliveryIDLength = 128
	webhookSource       = "webhook"
)

var errQueueFull = errors.New("order queue unavailable")

type WebhookResponse struct {
	Marketplace string             `json:"marketplace"`
	OrderID     string             `json:"order_id"`
	Status      domain.OrderStatus `json:"status"`
	Duplicate   bool               `json:"duplicate"`
}

// WebhookHandler accepts marketplace order notifications and queues them for
// the reconciler. A delivery id is processed at most once.
type WebhookHandler struct {
	idem   *service.IdempotencyStore
	events chan<- domain.OrderEvent
	ttl    time.Duration
	wait   time.Duration
}

func NewWebhookHandler(idem *service.IdempotencyStore, events chan<- domain.OrderEvent, ttl time.Duration) *WebhookHandler {
	return &WebhookHandler{idem: idem, events: events, ttl: ttl, wait: 2 * time.Second}
}

func (h *WebhookHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/webhooks/{marketplace}/orders", h.Orders)
}

func (h *WebhookHandler) Orders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mk := strings.ToLower(r.PathValue("marketplace"))
	if !marketplace.Supported(mk) {
		writeJSON(w, http.StatusNotFound, ErrorHTTPResponse{Error: "UNKNOWN_MARKETPLACE", Message: "unsupported marketplace " + mk})
		return
	}
	deliveryID := strings.TrimSpace(r.Header.Get(deliveryIDHeader))
	if deliveryID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Error: "INVALID_REQUEST", Message: deliveryIDHeader + " header is required"})
		return
	}
	if len(deliveryID) > maxDeliveryIDLength {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Error: "INVALID_REQUEST", Message: deliveryIDHeader + " header is too long"})
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Error: "INVALID_REQUEST", Message: "unreadable body"})
		return
	}
	payload, err := marketplace.DecodeOrder(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Error: "INVALID_REQUEST", Message: err.Error()})
		return
	}
	payload.Marketplace = mk
	order, err := payload.ToOrder()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Error: "INVALID_REQUEST", Message: err.Error()})
		return
	}

	log := logger.Ctx(ctx).With().Str("marketplace", mk).Str("delivery_id", deliveryID).
		Str("order_id", order.MarketplaceOrderID).Logger()

	res, wasNew, err := service.Do(ctx, h.idem, domain.WebhookKey(mk, deliveryID), h.ttl,
		func(ctx context.Context) (WebhookResponse, error) {
			if err := h.enqueue(ctx, order); err != nil {
				return WebhookResponse{}, err
			}
			return WebhookResponse{Marketplace: mk, OrderID: order.MarketplaceOrderID, Status: order.Status}, nil
		})
	if err != nil {
		log.Error().Err(err).Msg("webhook not accepted")
		if errors.Is(err, errQueueFull) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, ErrorHTTPResponse{Error: "QUEUE_FULL", Message: err.Error()})
			return
		}
		writeError(w, r, err)
		return
	}

	if !wasNew {
		res.Duplicate = true
		log.Info().Msg("duplicate webhook delivery")
		writeJSON(w, http.StatusOK, res)
		return
	}
	log.Debug().Str("status", string(order.Status)).Msg("webhook order queued")
	writeJSON(w, http.StatusAccepted, res)
}

func (h *WebhookHandler) enqueue(ctx context.Context, order domain.Order) error {
	ev := domain.OrderEvent{Order: order, Source: webhookSource, ReceivedAt: time.Now()}
	timer := time.NewTimer(h.wait)
	defer timer.Stop()

	select {
	case h.events <- ev:
		return nil
	case <-timer.C:
		return errQueueFull
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "enqueue order")
	}
}
