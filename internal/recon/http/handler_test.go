package reconhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/concilio/concilio/internal/recon"
	"github.com/concilio/concilio/internal/recon/match"
	"github.com/concilio/concilio/internal/shared"
)

type stubService struct {
	createFn     func(ctx context.Context, in recon.CreateInput) (recon.Reconciliation, error)
	getFn        func(ctx context.Context, id uuid.UUID) (recon.Reconciliation, error)
	listFn       func(ctx context.Context, filter recon.ListFilter) ([]recon.Reconciliation, int, error)
	matchFn      func(ctx context.Context, id uuid.UUID, cfg match.Config) (recon.MatchOutcome, error)
	treatmentFn  func(ctx context.Context, in recon.TreatmentInput) (recon.TreatmentEntry, error)
	closeFn      func(ctx context.Context, id uuid.UUID) (recon.Reconciliation, error)
	cancelFn     func(ctx context.Context, id uuid.UUID, reason, actor string) (recon.Reconciliation, error)
	summaryFn    func(ctx context.Context, id uuid.UUID) (recon.Summary, error)
	treatmentsFn func(ctx context.Context, id uuid.UUID) ([]recon.TreatmentEntry, error)
}

func (s *stubService) Create(ctx context.Context, in recon.CreateInput) (recon.Reconciliation, error) {
	return s.createFn(ctx, in)
}

func (s *stubService) Get(ctx context.Context, id uuid.UUID) (recon.Reconciliation, error) {
	return s.getFn(ctx, id)
}

func (s *stubService) List(ctx context.Context, filter recon.ListFilter) ([]recon.Reconciliation, int, error) {
	return s.listFn(ctx, filter)
}

func (s *stubService) Transactions(context.Context, uuid.UUID) ([]recon.Transaction, error) {
	return nil, nil
}

func (s *stubService) Divergences(context.Context, uuid.UUID) ([]recon.Divergence, error) {
	return nil, nil
}

func (s *stubService) Treatments(ctx context.Context, id uuid.UUID) ([]recon.TreatmentEntry, error) {
	if s.treatmentsFn != nil {
		return s.treatmentsFn(ctx, id)
	}
	return nil, nil
}

func (s *stubService) Summary(ctx context.Context, id uuid.UUID) (recon.Summary, error) {
	return s.summaryFn(ctx, id)
}

func (s *stubService) RunMatchingFromSources(ctx context.Context, id uuid.UUID, cfg match.Config) (recon.MatchOutcome, error) {
	return s.matchFn(ctx, id, cfg)
}

func (s *stubService) ApplyTreatment(ctx context.Context, in recon.TreatmentInput) (recon.TreatmentEntry, error) {
	return s.treatmentFn(ctx, in)
}

func (s *stubService) AttemptClose(ctx context.Context, id uuid.UUID) (recon.Reconciliation, error) {
	return s.closeFn(ctx, id)
}

func (s *stubService) Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (recon.Reconciliation, error) {
	return s.cancelFn(ctx, id, reason, actor)
}

func newTestRouter(svc *stubService) chi.Router {
	h := NewHandler(slog.Default(), svc, nil, match.DefaultConfig())
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), "ana.souza")))
		})
	})
	h.MountRoutes(r)
	return r
}

func sampleRecon(id uuid.UUID) recon.Reconciliation {
	return recon.Reconciliation{
		ID:            id,
		ClientID:      uuid.New(),
		Bank:          "341",
		Account:       "12345-6",
		Period:        "2026-01",
		StartBalance:  decimal.RequireFromString("100.00"),
		BankBalance:   decimal.RequireFromString("150.00"),
		SystemBalance: decimal.RequireFromString("150.00"),
		Status:        recon.StatusInProgress,
		Responsible:   "ana.souza",
		StartDate:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreateReconciliation(t *testing.T) {
	var got recon.CreateInput
	svc := &stubService{
		createFn: func(_ context.Context, in recon.CreateInput) (recon.Reconciliation, error) {
			got = in
			rec := sampleRecon(uuid.New())
			rec.Status = recon.StatusPending
			return rec, nil
		},
	}
	router := newTestRouter(svc)

	body := `{"clientId":"` + uuid.New().String() + `","bank":"341","account":"12345-6","period":"2026-01","startBalance":"100.00","responsible":"ana.souza"}`
	req := httptest.NewRequest(http.MethodPost, "/reconciliations", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "341", got.Bank)
	require.True(t, got.StartBalance.Equal(decimal.RequireFromString("100.00")))

	var view map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, "PENDING", view["status"])
	require.Equal(t, "0", view["difference"])
}

func TestCreateReconciliationValidation(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/reconciliations", strings.NewReader(`{"bank":"341"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var problem struct {
		Fields []struct {
			Field string `json:"field"`
		} `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	require.NotEmpty(t, problem.Fields)
}

func TestGetReconciliationNotFound(t *testing.T) {
	svc := &stubService{
		getFn: func(context.Context, uuid.UUID) (recon.Reconciliation, error) {
			return recon.Reconciliation{}, recon.ErrNotFound
		},
	}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/reconciliations/"+uuid.New().String(), nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetReconciliationBadID(t *testing.T) {
	router := newTestRouter(&stubService{})

	req := httptest.NewRequest(http.MethodGet, "/reconciliations/not-a-uuid", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRunMatchingOverridesDefaults(t *testing.T) {
	id := uuid.New()
	var gotCfg match.Config
	svc := &stubService{
		matchFn: func(_ context.Context, _ uuid.UUID, cfg match.Config) (recon.MatchOutcome, error) {
			gotCfg = cfg
			return recon.MatchOutcome{Reconciliation: sampleRecon(id)}, nil
		},
	}
	router := newTestRouter(svc)

	body := `{"amountTolerance":"0.05","dateWindowDays":5}`
	req := httptest.NewRequest(http.MethodPost, "/reconciliations/"+id.String()+"/match", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, gotCfg.AmountTolerance.Equal(decimal.RequireFromString("0.05")))
	require.Equal(t, 5, gotCfg.DateWindowDays)
}

func TestApplyTreatmentUsesContextActor(t *testing.T) {
	id := uuid.New()
	target := uuid.New()
	var got recon.TreatmentInput
	svc := &stubService{
		treatmentFn: func(_ context.Context, in recon.TreatmentInput) (recon.TreatmentEntry, error) {
			got = in
			return recon.TreatmentEntry{
				ID: uuid.New(), ReconciliationID: in.ReconciliationID,
				TargetKind: recon.TargetDivergence, TargetID: in.TargetID,
				Action: in.Action, Observation: in.Observation, Actor: in.Actor,
				Before: map[string]any{}, After: map[string]any{},
			}, nil
		},
	}
	router := newTestRouter(svc)

	body := `{"targetId":"` + target.String() + `","action":"MARK_DUPLICATE","observation":"duplicado"}`
	req := httptest.NewRequest(http.MethodPost, "/reconciliations/"+id.String()+"/treatments", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "ana.souza", got.Actor)
	require.Equal(t, recon.ActionMarkDuplicate, got.Action)
	require.Equal(t, target, got.TargetID)
}

func TestApplyTreatmentRejectsUnknownAction(t *testing.T) {
	router := newTestRouter(&stubService{})

	body := `{"targetId":"` + uuid.New().String() + `","action":"ESCALATE","observation":"x"}`
	req := httptest.NewRequest(http.MethodPost, "/reconciliations/"+uuid.New().String()+"/treatments", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAttemptCloseBlockedPayload(t *testing.T) {
	id := uuid.New()
	divID := uuid.New()
	svc := &stubService{
		closeFn: func(context.Context, uuid.UUID) (recon.Reconciliation, error) {
			return recon.Reconciliation{}, &recon.CloseBlockedError{
				ReconciliationID: id,
				DivergenceIDs:    []uuid.UUID{divID},
				Residual:         decimal.RequireFromString("-30.00"),
				Tolerance:        decimal.Zero,
			}
		},
	}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/reconciliations/"+id.String()+"/close", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var payload struct {
		DivergenceIDs []string `json:"divergenceIds"`
		Residual      string   `json:"residual"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	require.Equal(t, []string{divID.String()}, payload.DivergenceIDs)
	require.Equal(t, "-30", payload.Residual)
}

func TestAttemptCloseConflictWhenTerminal(t *testing.T) {
	svc := &stubService{
		closeFn: func(context.Context, uuid.UUID) (recon.Reconciliation, error) {
			return recon.Reconciliation{}, recon.ErrReconciliationClosed
		},
	}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/reconciliations/"+uuid.New().String()+"/close", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestCancelRequiresReason(t *testing.T) {
	router := newTestRouter(&stubService{})

	req := httptest.NewRequest(http.MethodPost, "/reconciliations/"+uuid.New().String()+"/cancel", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}
