// Package reconhttp exposes the reconciliation API over JSON.
package reconhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/concilio/concilio/internal/platform/httpx"
	"github.com/concilio/concilio/internal/recon"
	"github.com/concilio/concilio/internal/recon/match"
	"github.com/concilio/concilio/internal/shared"
)

const defaultPageLimit = 50

type reconService interface {
	Create(ctx context.Context, in recon.CreateInput) (recon.Reconciliation, error)
	Get(ctx context.Context, id uuid.UUID) (recon.Reconciliation, error)
	List(ctx context.Context, filter recon.ListFilter) ([]recon.Reconciliation, int, error)
	Transactions(ctx context.Context, id uuid.UUID) ([]recon.Transaction, error)
	Divergences(ctx context.Context, id uuid.UUID) ([]recon.Divergence, error)
	Treatments(ctx context.Context, id uuid.UUID) ([]recon.TreatmentEntry, error)
	Summary(ctx context.Context, id uuid.UUID) (recon.Summary, error)
	RunMatchingFromSources(ctx context.Context, id uuid.UUID, cfg match.Config) (recon.MatchOutcome, error)
	ApplyTreatment(ctx context.Context, in recon.TreatmentInput) (recon.TreatmentEntry, error)
	AttemptClose(ctx context.Context, id uuid.UUID) (recon.Reconciliation, error)
	Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (recon.Reconciliation, error)
}

type matchEnqueuer interface {
	EnqueueMatching(ctx context.Context, reconciliationID uuid.UUID) error
}

// Handler wires the reconciliation HTTP endpoints.
type Handler struct {
	logger   *slog.Logger
	service  reconService
	enqueuer matchEnqueuer
	validate *validator.Validate
	defaults match.Config
}

// NewHandler constructs a reconciliation HTTP handler. The enqueuer is
// optional; without one, matching runs synchronously.
func NewHandler(logger *slog.Logger, service reconService, enqueuer matchEnqueuer, defaults match.Config) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		enqueuer: enqueuer,
		validate: validator.New(),
		defaults: defaults,
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/reconciliations", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Get("/summary", h.summary)
			r.Get("/transactions", h.transactions)
			r.Get("/divergences", h.divergences)
			r.Get("/treatments", h.treatments)
			r.Post("/match", h.runMatching)
			r.Post("/treatments", h.applyTreatment)
			r.Post("/close", h.attemptClose)
			r.Post("/cancel", h.cancel)
		})
	})
}

type createRequest struct {
	ClientID     string  `json:"clientId" validate:"required,uuid"`
	Bank         string  `json:"bank" validate:"required"`
	Account      string  `json:"account" validate:"required"`
	Period       string  `json:"period" validate:"required"`
	StartBalance string  `json:"startBalance" validate:"required"`
	Responsible  string  `json:"responsible" validate:"required"`
	DueDate      *string `json:"dueDate,omitempty"`
	Observations string  `json:"observations,omitempty"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, err.(validator.ValidationErrors))
		return
	}
	clientID, _ := uuid.Parse(req.ClientID)
	startBalance, err := decimal.NewFromString(req.StartBalance)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "startBalance must be a decimal amount")
		return
	}
	in := recon.CreateInput{
		ClientID:     clientID,
		Bank:         req.Bank,
		Account:      req.Account,
		Period:       req.Period,
		StartBalance: startBalance,
		Responsible:  req.Responsible,
		Observations: req.Observations,
	}
	if req.DueDate != nil {
		due, err := time.Parse(time.RFC3339, *req.DueDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "dueDate must be RFC3339")
			return
		}
		in.DueDate = &due
	}

	rec, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toReconciliationView(rec))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter := recon.ListFilter{Limit: defaultPageLimit}
	q := r.URL.Query()
	if raw := q.Get("clientId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "clientId must be a valid UUID")
			return
		}
		filter.ClientID = id
	}
	if raw := q.Get("status"); raw != "" {
		filter.Status = recon.Status(raw)
	}
	filter.Period = q.Get("period")
	page := shared.ParsePagination(q.Get("page"), q.Get("limit"), defaultPageLimit)
	filter.Limit = page.Limit
	filter.Offset = page.Offset

	recs, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	views := make([]reconciliationView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, toReconciliationView(rec))
	}
	httpx.JSON(w, http.StatusOK, struct {
		Items []reconciliationView `json:"items"`
		Total int                  `json:"total"`
		Page  int                  `json:"page"`
		Limit int                  `json:"limit"`
	}{Items: views, Total: total, Page: page.Page, Limit: page.Limit})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReconciliationView(rec))
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	sum, err := h.service.Summary(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sum)
}

func (h *Handler) transactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	txs, err := h.service.Transactions(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	views := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, toTransactionView(tx))
	}
	httpx.JSON(w, http.StatusOK, struct {
		Items []transactionView `json:"items"`
	}{Items: views})
}

func (h *Handler) divergences(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	divs, err := h.service.Divergences(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	views := make([]divergenceView, 0, len(divs))
	for _, d := range divs {
		views = append(views, toDivergenceView(d))
	}
	httpx.JSON(w, http.StatusOK, struct {
		Items []divergenceView `json:"items"`
	}{Items: views})
}

func (h *Handler) treatments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.Treatments(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	views := make([]treatmentView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toTreatmentView(e))
	}
	httpx.JSON(w, http.StatusOK, struct {
		Items []treatmentView `json:"items"`
	}{Items: views})
}

type matchRequest struct {
	AmountTolerance *string `json:"amountTolerance,omitempty"`
	DateWindowDays  *int    `json:"dateWindowDays,omitempty" validate:"omitempty,min=0,max=31"`
	Async           bool    `json:"async,omitempty"`
}

func (h *Handler) runMatching(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	cfg := h.defaults
	var req matchRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "request body must be valid JSON")
			return
		}
		if err := h.validate.Struct(req); err != nil {
			httpx.ValidationProblem(w, err.(validator.ValidationErrors))
			return
		}
		if req.AmountTolerance != nil {
			tol, err := decimal.NewFromString(*req.AmountTolerance)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amountTolerance must be a decimal amount")
				return
			}
			cfg.AmountTolerance = tol
		}
		if req.DateWindowDays != nil {
			cfg.DateWindowDays = *req.DateWindowDays
		}
	}

	if req.Async && h.enqueuer != nil {
		if err := h.enqueuer.EnqueueMatching(r.Context(), id); err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, struct {
			ReconciliationID uuid.UUID `json:"reconciliationId"`
			Enqueued         bool      `json:"enqueued"`
		}{ReconciliationID: id, Enqueued: true})
		return
	}

	out, err := h.service.RunMatchingFromSources(r.Context(), id, cfg)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toMatchOutcomeView(out))
}

type treatmentRequest struct {
	TargetID      string  `json:"targetId" validate:"required,uuid"`
	Action        string  `json:"action" validate:"required,oneof=APPROVE REJECT ADJUST_VALUE MARK_DUPLICATE REQUEST_CLARIFICATION"`
	Observation   string  `json:"observation" validate:"required"`
	AdjustedValue *string `json:"adjustedValue,omitempty"`
}

func (h *Handler) applyTreatment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req treatmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, err.(validator.ValidationErrors))
		return
	}
	targetID, _ := uuid.Parse(req.TargetID)
	in := recon.TreatmentInput{
		ReconciliationID: id,
		TargetID:         targetID,
		Action:           recon.TreatmentAction(req.Action),
		Observation:      req.Observation,
		Actor:            shared.ActorFromContext(r.Context()),
	}
	if req.AdjustedValue != nil {
		v, err := decimal.NewFromString(*req.AdjustedValue)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "adjustedValue must be a decimal amount")
			return
		}
		in.AdjustedValue = &v
	}

	entry, err := h.service.ApplyTreatment(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTreatmentView(entry))
}

func (h *Handler) attemptClose(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.service.AttemptClose(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReconciliationView(rec))
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ValidationProblem(w, err.(validator.ValidationErrors))
		return
	}
	rec, err := h.service.Cancel(r.Context(), id, req.Reason, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReconciliationView(rec))
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// respondError maps domain errors onto HTTP statuses. A blocked close gets a
// structured 422 payload so clients can render the blockers.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var blocked *recon.CloseBlockedError
	switch {
	case errors.As(err, &blocked):
		ids := make([]string, len(blocked.DivergenceIDs))
		for i, id := range blocked.DivergenceIDs {
			ids[i] = id.String()
		}
		httpx.JSON(w, http.StatusUnprocessableEntity, struct {
			httpx.ProblemDetail
			DivergenceIDs []string `json:"divergenceIds"`
			Residual      string   `json:"residual"`
			Tolerance     string   `json:"tolerance"`
		}{
			ProblemDetail: httpx.ProblemDetail{
				Title:  "Close Blocked",
				Status: http.StatusUnprocessableEntity,
				Detail: blocked.Error(),
			},
			DivergenceIDs: ids,
			Residual:      blocked.Residual.String(),
			Tolerance:     blocked.Tolerance.String(),
		})
	case errors.Is(err, recon.ErrInvalidInput):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, recon.ErrNotFound), errors.Is(err, recon.ErrUnknownTarget):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, recon.ErrReconciliationClosed):
		httpx.Problem(w, http.StatusConflict, "Reconciliation Closed", err.Error())
	case errors.Is(err, recon.ErrConcurrentModification):
		httpx.Problem(w, http.StatusConflict, "Concurrent Modification", err.Error())
	default:
		h.logger.Error("unhandled error", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
