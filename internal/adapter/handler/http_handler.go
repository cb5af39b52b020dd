package handler

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/logger"
)

const maxBodyBytes = 1 << 20

type StockUseCase interface {
	ApplyDelta(ctx context.Context, req service.DeltaRequest) (*service.DeltaResult, error)
	ApplyBatch(ctx context.Context, reqs []service.DeltaRequest) (*service.BatchResult, error)
	CreateProduct(ctx context.Context, productID, location string, initialStock int, actor string) (*domain.Product, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	History(ctx context.Context, productID string, limit, offset int) ([]domain.StockLogEntry, error)
	Status(ctx context.Context, productID string) (*domain.StockStatus, error)
	Verify(ctx context.Context, productID string) (*domain.LedgerReport, error)
}

type MappingStore interface {
	Upsert(ctx context.Context, mapping storage.ProductMapping) error
	List(ctx context.Context, marketplace string) ([]storage.ProductMapping, error)
}

type HTTPHandler struct {
	stock    StockUseCase
	mappings MappingStore
}

type DeltaHTTPRequest struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	OrderID   string `json:"order_id"`
	Reference string `json:"reference"`
}

type BatchHTTPRequest struct {
	Items []DeltaHTTPRequest `json:"items"`
}

type ProductHTTPRequest struct {
	ProductID    string `json:"product_id"`
	Location     string `json:"location"`
	InitialStock int    `json:"initial_stock"`
}

type ErrorHTTPResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewHTTPHandler(stock StockUseCase, mappings MappingStore) *HTTPHandler {
	return &HTTPHandler{stock: stock, mappings: mappings}
}

func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/stock/apply-delta", h.ApplyDelta)
	mux.HandleFunc("POST /api/stock/apply-batch", h.ApplyBatch)
	mux.HandleFunc("GET /api/stock/history/{productID}", h.History)
	mux.HandleFunc("GET /api/stock/status/{productID}", h.Status)
	mux.HandleFunc("GET /api/stock/verify/{productID}", h.Verify)
	mux.HandleFunc("POST /api/products", h.CreateProduct)
	mux.HandleFunc("GET /api/products/{productID}", h.GetProduct)
	mux.HandleFunc("PUT /api/mappings", h.PutMapping)
	mux.HandleFunc("GET /api/mappings", h.ListMappings)
}

func (h *HTTPHandler) ApplyDelta(w http.ResponseWriter, r *http.Request) {
	var body DeltaHTTPRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := toDeltaRequest(body, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.stock.ApplyDelta(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) ApplyBatch(w http.ResponseWriter, r *http.Request) {
	var body BatchHTTPRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Error: "INVALID_REQUEST", Message: "items must not be empty"})
		return
	}

	reqs := make([]service.DeltaRequest, 0, len(body.Items))
	for _, item := range body.Items {
		req, err := toDeltaRequest(item, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		reqs = append(reqs, req)
	}

	res, err := h.stock.ApplyBatch(r.Context(), reqs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err1 := queryInt(r, "limit")
	offset, err2 := queryInt(r, "offset")
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Error: "INVALID_REQUEST", Message: "limit and offset must be integers"})
		return
	}

	entries, err := h.stock.History(r.Context(), r.PathValue("productID"), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.StockLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *HTTPHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.stock.Status(r.Context(), r.PathValue("productID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *HTTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.stock.Verify(r.Context(), r.PathValue("productID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var body ProductHTTPRequest
	if !decodeBody(w, r, &body) {
		return
	}
	p, err := h.stock.CreateProduct(r.Context(), body.ProductID, body.Location, body.InitialStock, actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, productResponse(p))
}

func (h *HTTPHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.stock.GetProduct(r.Context(), r.PathValue("productID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, productResponse(p))
}

func (h *HTTPHandler) PutMapping(w http.ResponseWriter, r *http.Request) {
	var body storage.ProductMapping
	if !decodeBody(w, r, &body) {
		return
	}
	body.Marketplace = strings.ToLower(body.Marketplace)
	if err := h.mappings.Upsert(r.Context(), body); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Error: "INVALID_REQUEST", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *HTTPHandler) ListMappings(w http.ResponseWriter, r *http.Request) {
	list, err := h.mappings.List(r.Context(), strings.ToLower(r.URL.Query().Get("marketplace")))
	if err != nil {
		writeError(w, r, domain.Persistence(err))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func toDeltaRequest(body DeltaHTTPRequest, r *http.Request) (service.DeltaRequest, error) {
	// manual corrections are the default movement for this entry point
	mt := domain.MovementAdjustment
	if body.Type != "" {
		t, ok := domain.ParseMovementType(strings.ToUpper(body.Type))
		if !ok {
			return service.DeltaRequest{}, errors.Wrapf(domain.ErrInvalidDelta, "unknown movement type %q", body.Type)
		}
		mt = t
	}
	return service.DeltaRequest{
		ProductID: body.ProductID,
		Delta:     body.Delta,
		Type:      mt,
		Reason:    body.Reason,
		Actor:     actorOf(r),
		OrderID:   body.OrderID,
		Reference: body.Reference,
		IPAddress: clientIP(r),
	}, nil
}

func productResponse(p *domain.Product) map[string]any {
	return map[string]any{
		"product_id":     p.ID,
		"stock_quantity": p.StockQuantity,
		"location":       p.Location,
		"created_at":     p.CreatedAt,
		"updated_at":     p.UpdatedAt,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidDelta):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrLockContention), errors.Is(err, domain.ErrProductExists),
		errors.Is(err, domain.ErrDuplicateEvent):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := domain.ErrorCode(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error, contact support"
	}
	if errors.Is(err, domain.ErrLockContention) || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, ErrorHTTPResponse{Error: code, Message: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Error: "INVALID_REQUEST", Message: "invalid request body"})
		return false
	}
	return true
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func actorOf(r *http.Request) string {
	if u := r.Header.Get("X-User-Id"); u != "" {
		return u
	}
	return "api"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
