package lending

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// Service exposes the engine over HTTP. Handlers only decode, delegate and
// encode; every rule lives in Engine.
type Service struct {
	engine *Engine
}

// NewService creates the HTTP service for an engine.
func NewService(engine *Engine) *Service {
	return &Service{engine: engine}
}

// --- Request/Response types ---

// BorrowRequest is the JSON body for POST /positions.
type BorrowRequest struct {
	Borrower   string          `json:"borrower"`
	Collateral decimal.Decimal `json:"collateral"` // whole units of the collateral asset
}

// RepayRequest is the JSON body for POST /positions/{id}/repay.
type RepayRequest struct {
	Borrower string          `json:"borrower"`
	Amount   decimal.Decimal `json:"amount"`
}

// LiquidateRequest is the JSON body for POST /positions/{id}/liquidate.
type LiquidateRequest struct {
	Liquidator string          `json:"liquidator"`
	Amount     decimal.Decimal `json:"amount"` // debt to repay; capped at the outstanding debt
}

// PoolRequest is the JSON body for POST /pool/deposit and /pool/withdraw.
type PoolRequest struct {
	Owner  string          `json:"owner"`
	Amount decimal.Decimal `json:"amount"`
}

// CreditResponse is the JSON body returned from GET /credit.
type CreditResponse struct {
	PairID     string          `json:"pair_id"`
	Collateral decimal.Decimal `json:"collateral"`
	Credit     decimal.Decimal `json:"credit"`
}

// --- HTTP Handlers ---

// GetPool handles GET /api/v1/pool
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.engine.Pool(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// Deposit handles POST /api/v1/pool/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req PoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	pool, err := s.engine.Deposit(r.Context(), req.Owner, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// Withdraw handles POST /api/v1/pool/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req PoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	pool, err := s.engine.Withdraw(r.Context(), req.Owner, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// EstimateCredit handles GET /api/v1/credit?collateral=N
func (s *Service) EstimateCredit(w http.ResponseWriter, r *http.Request) {
	collateral, err := decimal.NewFromString(r.URL.Query().Get("collateral"))
	if err != nil {
		writeError(w, "collateral must be a number", http.StatusBadRequest)
		return
	}
	amount, err := s.engine.EstimateCredit(r.Context(), collateral)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CreditResponse{
		PairID:     s.engine.Config().PairID,
		Collateral: collateral,
		Credit:     amount,
	})
}

// Borrow handles POST /api/v1/positions
func (s *Service) Borrow(w http.ResponseWriter, r *http.Request) {
	var req BorrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	receipt, err := s.engine.Borrow(r.Context(), req.Borrower, req.Collateral)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// ListPositions handles GET /api/v1/positions?borrower=X
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	borrower := r.URL.Query().Get("borrower")
	if borrower == "" {
		writeError(w, "borrower is required", http.StatusBadRequest)
		return
	}
	positions, err := s.engine.ListPositions(r.Context(), borrower)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []model.DebtPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/positions/{id}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	pos, err := s.engine.GetPosition(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// Repay handles POST /api/v1/positions/{id}/repay
func (s *Service) Repay(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req RepayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	receipt, err := s.engine.Repay(r.Context(), req.Borrower, id, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// EstimateLiquidation handles GET /api/v1/positions/{id}/liquidation?repay=N
func (s *Service) EstimateLiquidation(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	repay, err := decimal.NewFromString(r.URL.Query().Get("repay"))
	if err != nil {
		writeError(w, "repay must be a number", http.StatusBadRequest)
		return
	}
	est, err := s.engine.EstimateLiquidation(r.Context(), id, repay)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// Liquidate handles POST /api/v1/positions/{id}/liquidate
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	receipt, err := s.engine.Liquidate(r.Context(), req.Liquidator, id, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// GetEvents handles GET /api/v1/positions/{id}/events
func (s *Service) GetEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	events, err := s.engine.Events(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []model.PositionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ListLiquidatable handles GET /api/v1/liquidatable
// Returns Active positions past expiry, the feed liquidators poll.
func (s *Service) ListLiquidatable(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.ListLiquidatable(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []model.DebtPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Helpers ---

func positionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidAccount):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrNotActive),
		errors.Is(err, ErrRepaymentExceedsDebt),
		errors.Is(err, ErrNotOverdue),
		errors.Is(err, ErrInsufficientLiquidity),
		errors.Is(err, ErrInsufficientAvailableLiquidity),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInsufficientAllowance):
		return http.StatusConflict
	case errors.Is(err, ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
