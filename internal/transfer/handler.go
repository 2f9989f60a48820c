package transfer

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/query"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Handler exposes transfer endpoints as JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the transfer handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers transfer routes under the caller's prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Post("/delete", h.deleteMany)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Post("/submit", h.submit)
		r.Put("/receipts", h.receipts)
		r.Post("/complete", h.complete)
		r.Post("/cancel", h.cancel)
	})
}

type receiptsRequest struct {
	Receipts []Receipt `json:"receipts"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type deleteRequest struct {
	IDs []int64 `json:"ids"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter, err := query.FromValues(r.URL.Query())
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	page, err := h.service.List(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var input CreateInput
	if err := httpx.DecodeJSON(r, &input, false); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	doc, err := h.service.Create(r.Context(), shared.ActorFromContext(r.Context()), input)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	doc, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	doc, err := h.service.Submit(r.Context(), shared.ActorFromContext(r.Context()), id)
	h.respondDocument(w, doc, err)
}

func (h *Handler) receipts(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	var req receiptsRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	doc, err := h.service.SetReceivedQuantities(r.Context(), shared.ActorFromContext(r.Context()), id, req.Receipts)
	h.respondDocument(w, doc, err)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	var req receiptsRequest
	if err := httpx.DecodeJSON(r, &req, true); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	doc, err := h.service.Complete(r.Context(), shared.ActorFromContext(r.Context()), id, req.Receipts)
	h.respondDocument(w, doc, err)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	doc, err := h.service.Cancel(r.Context(), shared.ActorFromContext(r.Context()), id, req.Reason)
	h.respondDocument(w, doc, err)
}

func (h *Handler) deleteMany(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	result, err := h.service.DeleteMany(r.Context(), shared.ActorFromContext(r.Context()), req.IDs)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) respondDocument(w http.ResponseWriter, doc Document, err error) {
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}
