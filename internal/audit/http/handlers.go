// Package audithttp exposes the audit timeline over JSON and CSV.
package audithttp

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/concilio/concilio/internal/audit"
	"github.com/concilio/concilio/internal/platform/httpx"
)

// Handler serves the audit timeline endpoints.
type Handler struct {
	logger  *slog.Logger
	service *audit.Service
}

// NewHandler constructs an audit HTTP handler.
func NewHandler(logger *slog.Logger, service *audit.Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/audit", func(r chi.Router) {
		r.Get("/timeline", h.timeline)
		r.Get("/timeline.csv", h.exportCSV)
	})
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, struct {
		Items  []audit.TimelineRow `json:"items"`
		Paging audit.PagingInfo    `json:"paging"`
	}{Items: result.Rows, Paging: result.Paging})
}

func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit export", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-timeline.csv"`)
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"at", "actor", "action", "entity", "entity_id", "meta"})
	for _, row := range rows {
		meta := ""
		if row.Meta != nil {
			raw, err := json.Marshal(row.Meta)
			if err == nil {
				meta = string(raw)
			}
		}
		_ = writer.Write([]string{
			row.At.Format(time.RFC3339),
			row.Actor,
			row.Action,
			row.Entity,
			row.EntityID,
			meta,
		})
	}
	writer.Flush()
}

func parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	filters := audit.TimelineFilters{
		Actor:    q.Get("actor"),
		Entity:   q.Get("entity"),
		Action:   q.Get("action"),
		EntityID: q.Get("entityId"),
	}
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.TimelineFilters{}, fmt.Errorf("from must be RFC3339")
		}
		filters.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.TimelineFilters{}, fmt.Errorf("to must be RFC3339")
		}
		filters.To = to
	}
	if raw := q.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page <= 0 {
			return audit.TimelineFilters{}, fmt.Errorf("page must be a positive integer")
		}
		filters.Page = page
	}
	if raw := q.Get("pageSize"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return audit.TimelineFilters{}, fmt.Errorf("pageSize must be a positive integer")
		}
		filters.PageSize = size
	}
	return filters, nil
}
