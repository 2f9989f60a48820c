package inventory

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/workflow"
)

// Handler exposes read-only stock endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/balance", h.handleBalance)
	r.Get("/stock-card", h.handleStockCard)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	warehouseID, productID, err := parseRefs(r)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	bal, err := h.service.GetBalance(r.Context(), warehouseID, productID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	warehouseID, productID, err := parseRefs(r)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	filter := StockCardFilter{WarehouseID: warehouseID, ProductID: productID}
	q := r.URL.Query()
	if filter.From, err = parseDate(q.Get("from"), "from"); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	if filter.To, err = parseDate(q.Get("to"), "to"); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	if !filter.To.IsZero() {
		filter.To = filter.To.Add(24*time.Hour - time.Nanosecond)
	}
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			httpx.RespondError(w, h.logger, workflow.Invalid("limit", "must be a positive integer"))
			return
		}
	}
	entries, err := h.service.GetStockCard(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": entries})
}

func parseRefs(r *http.Request) (int64, int64, error) {
	q := r.URL.Query()
	warehouseID, err := strconv.ParseInt(strings.TrimSpace(q.Get("warehouse_id")), 10, 64)
	if err != nil || warehouseID <= 0 {
		return 0, 0, workflow.Invalid("warehouse_id", "is required")
	}
	productID, err := strconv.ParseInt(strings.TrimSpace(q.Get("product_id")), 10, 64)
	if err != nil || productID <= 0 {
		return 0, 0, workflow.Invalid("product_id", "is required")
	}
	return warehouseID, productID, nil
}

func parseDate(value, field string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, workflow.Invalid(field, "must be YYYY-MM-DD")
	}
	return t, nil
}
