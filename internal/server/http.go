// Package server exposes the engine over an HTTP JSON API.
package server

import (
	"ShiftLedger/internal/domain"
	"ShiftLedger/internal/funding"
	"ShiftLedger/internal/observability"
	"ShiftLedger/internal/settlement"
	"ShiftLedger/internal/store"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server wires the coordinator, scheduler, and store behind a chi router.
type Server struct {
	coordinator *funding.Coordinator
	scheduler   *settlement.Scheduler
	store       store.Store
	health      *observability.HealthChecker
	logger      zerolog.Logger
	metrics     *observability.Metrics
}

func New(c *funding.Coordinator, sched *settlement.Scheduler, st store.Store, health *observability.HealthChecker, metrics *observability.Metrics) *Server {
	return &Server{
		coordinator: c,
		scheduler:   sched,
		store:       st,
		health:      health,
		logger:      observability.NewLogger("http"),
		metrics:     metrics,
	}
}

// Router builds the HTTP route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.instrument)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/trades", func(r chi.Router) {
			r.Post("/", s.createTrade)
			r.Route("/{tradeID}", func(r chi.Router) {
				r.Get("/", s.getTrade)
				r.Get("/allocations", s.getAllocations)
				r.Post("/submit", s.submitTrade)
				r.Post("/cancel", s.cancelTrade)
				r.Post("/match", s.matchTrade)
				r.Post("/fund", s.fundTrade)
			})
		})

		r.Route("/pots/{userID}", func(r chi.Router) {
			r.Get("/", s.getPot)
			r.Get("/ledger", s.getLedger)
			r.Post("/deposit", s.deposit)
			r.Post("/withdraw", s.withdraw)
			r.Post("/withdrawal-queue", s.queueWithdrawal)
		})

		r.Route("/lenders/{userID}/preferences", func(r chi.Router) {
			r.Get("/", s.getPreferences)
			r.Put("/", s.putPreferences)
		})

		r.Get("/platform/revenue", s.getRevenue)
		r.Post("/settlement/run", s.runSettlement)
	})

	return r
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// --- Trades ---

type createTradeRequest struct {
	BorrowerID      uuid.UUID `json:"borrower_id"`
	Amount          int64     `json:"amount"`
	ShiftDays       int       `json:"shift_days"`
	RiskGrade       string    `json:"risk_grade"`
	OriginalDueDate string    `json:"original_due_date"` // YYYY-MM-DD
}

func (s *Server) createTrade(w http.ResponseWriter, r *http.Request) {
	var req createTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest("invalid request body"))
		return
	}
	due, err := time.Parse("2006-01-02", req.OriginalDueDate)
	if err != nil {
		s.writeError(w, r, badRequest("original_due_date must be YYYY-MM-DD"))
		return
	}

	trade, err := s.coordinator.CreateTrade(r.Context(), funding.CreateTradeInput{
		BorrowerID:      req.BorrowerID,
		Amount:          req.Amount,
		ShiftDays:       req.ShiftDays,
		RiskGrade:       domain.RiskGrade(req.RiskGrade),
		OriginalDueDate: due,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, trade)
}

func (s *Server) getTrade(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "tradeID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trade, err := s.store.GetTrade(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trade)
}

func (s *Server) getAllocations(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "tradeID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	allocs, err := s.store.AllocationsByTrade(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"allocations": allocs})
}

func (s *Server) submitTrade(w http.ResponseWriter, r *http.Request) {
	s.tradeAction(w, r, s.coordinator.SubmitTrade)
}

func (s *Server) cancelTrade(w http.ResponseWriter, r *http.Request) {
	s.tradeAction(w, r, s.coordinator.CancelTrade)
}

func (s *Server) tradeAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (*domain.Trade, error)) {
	id, err := pathUUID(r, "tradeID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trade, err := fn(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trade)
}

func (s *Server) matchTrade(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "tradeID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.coordinator.MatchTrade(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type fundTradeRequest struct {
	LenderID uuid.UUID `json:"lender_id"`
}

func (s *Server) fundTrade(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "tradeID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req fundTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LenderID == uuid.Nil {
		s.writeError(w, r, badRequest("lender_id is required"))
		return
	}
	trade, err := s.coordinator.FundTrade(r.Context(), id, req.LenderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trade)
}

// --- Pots ---

type potCashRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (s *Server) getPot(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "userID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pot, err := s.store.GetPot(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pot)
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "userID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.store.LedgerEntries(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	s.potCash(w, r, s.coordinator.Deposit)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	s.potCash(w, r, s.coordinator.Withdraw)
}

func (s *Server) potCash(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, int64, string) (*domain.PoolLedgerEntry, error)) {
	id, err := pathUUID(r, "userID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req potCashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest("invalid request body"))
		return
	}
	entry, err := fn(r.Context(), id, req.Amount, req.IdempotencyKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) queueWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "userID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pot, err := s.coordinator.QueueWithdrawal(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pot)
}

// --- Preferences ---

type preferencesRequest struct {
	MinAPR           float64  `json:"min_apr"`
	MaxShiftDays     int      `json:"max_shift_days"`
	MaxExposure      int64    `json:"max_exposure"`
	MaxTotalExposure int64    `json:"max_total_exposure"`
	RiskBands        []string `json:"risk_bands"`
	AutoMatchEnabled bool     `json:"auto_match_enabled"`
}

func (s *Server) putPreferences(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "userID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req preferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest("invalid request body"))
		return
	}

	prefs := &domain.LenderPreferences{
		UserID:           id,
		MinAPR:           req.MinAPR,
		MaxShiftDays:     req.MaxShiftDays,
		MaxExposure:      req.MaxExposure,
		MaxTotalExposure: req.MaxTotalExposure,
		AutoMatchEnabled: req.AutoMatchEnabled,
	}
	for _, b := range req.RiskBands {
		grade := domain.RiskGrade(b)
		if !grade.Valid() {
			s.writeError(w, r, badRequest("unknown risk band "+b))
			return
		}
		prefs.RiskBands = append(prefs.RiskBands, grade)
	}

	if err := s.store.UpsertLenderPreferences(r.Context(), prefs); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "userID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prefs, err := s.store.GetLenderPreferences(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

// --- Platform ---

func (s *Server) getRevenue(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.RevenueTotal(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"total": total})
}

type settlementRequest struct {
	AsOf    string     `json:"as_of,omitempty"` // YYYY-MM-DD, defaults to today
	TradeID *uuid.UUID `json:"trade_id,omitempty"`
}

func (s *Server) runSettlement(w http.ResponseWriter, r *http.Request) {
	var req settlementRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, badRequest("invalid request body"))
			return
		}
	}

	asOf := time.Now().UTC()
	if req.AsOf != "" {
		parsed, err := time.Parse("2006-01-02", req.AsOf)
		if err != nil {
			s.writeError(w, r, badRequest("as_of must be YYYY-MM-DD"))
			return
		}
		asOf = parsed
	}

	res, err := s.scheduler.Run(r.Context(), asOf, req.TradeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// --- Helpers ---

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, badRequest(name + " must be a UUID")
	}
	return id, nil
}

func badRequest(msg string) error {
	return &apiError{status: http.StatusBadRequest, message: msg}
}

type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.status
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrSelfDealing):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrAlreadyFunded), errors.Is(err, domain.ErrStateConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	}

	if status >= 500 {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}
