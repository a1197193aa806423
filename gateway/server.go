// Package gateway exposes the launch and vesting engines over HTTP. All
// numeric values cross the wire as decimal strings of 1e18-scaled integers;
// no floating point enters or leaves the engines.
package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dlp/native/fixedpoint"
	"dlp/native/launch"
	"dlp/native/pricing"
	"dlp/native/vesting"
	"dlp/observability/metrics"
)

// Config wires the gateway's collaborators.
type Config struct {
	Engine    *launch.Engine
	Logger    *slog.Logger
	Metrics   *metrics.LaunchMetrics
	RateLimit RateLimitConfig
}

type server struct {
	engine  *launch.Engine
	logger  *slog.Logger
	metrics *metrics.LaunchMetrics
}

// New builds the HTTP handler serving the launch API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("gateway: engine required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{engine: cfg.Engine, logger: logger, metrics: cfg.Metrics}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(newRateLimiter(cfg.RateLimit).middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/distributions", s.handleCreateDistribution)
		v1.Get("/distributions/{id}", s.handleGetDistribution)
		v1.Get("/distributions/{id}/quote", s.handleQuote)
		v1.Get("/distributions/{id}/budget", s.handleBudgetQuote)
		v1.Post("/distributions/{id}/purchases", s.handlePurchase)
		v1.Get("/beneficiaries/{address}/unlocked", s.handleUnlocked)
		v1.Post("/transfers", s.handleTransfer)
	})
	return r, nil
}

type distributionRequest struct {
	ID              string `json:"id"`
	Asset           string `json:"asset"`
	InitialPrice    string `json:"initialPrice"`
	TotalSupply     string `json:"totalSupply"`
	RemainingSupply string `json:"remainingSupply"`
	Alpha           int64  `json:"alpha"`
	K               uint64 `json:"k"`
	Beta            string `json:"beta"`
	MaxPurchase     string `json:"maxPurchase"`
	CliffDuration   int64  `json:"cliffDuration"`
}

type distributionResponse struct {
	ID              string `json:"id"`
	Asset           string `json:"asset"`
	InitialPrice    string `json:"initialPrice"`
	TotalSupply     string `json:"totalSupply"`
	RemainingSupply string `json:"remainingSupply"`
	Alpha           int64  `json:"alpha"`
	K               uint64 `json:"k"`
	Beta            string `json:"beta"`
	MaxPurchase     string `json:"maxPurchase"`
	CliffDuration   int64  `json:"cliffDuration"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`
}

type quoteResponse struct {
	BasePrice string `json:"basePrice"`
	Premium   string `json:"premium"`
	BaseCost  string `json:"baseCost"`
	FinalCost string `json:"finalCost"`
}

type purchaseRequest struct {
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
	Payment     string `json:"payment"`
	Budget      string `json:"budget"`
}

type receiptResponse struct {
	DistributionID  string        `json:"distributionId"`
	Beneficiary     string        `json:"beneficiary"`
	Amount          string        `json:"amount"`
	Quote           quoteResponse `json:"quote"`
	GrantID         uint64        `json:"grantId"`
	VestingDuration int64         `json:"vestingDuration"`
	PurchasedAt     int64         `json:"purchasedAt"`
}

type transferRequest struct {
	Beneficiary string `json:"beneficiary"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) handleCreateDistribution(w http.ResponseWriter, r *http.Request) {
	var req distributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, fmt.Errorf("gateway: decode request: %w", err))
		return
	}
	initialPrice, err := parseAmount(req.InitialPrice)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	totalSupply, err := parseAmount(req.TotalSupply)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	remaining := totalSupply
	if strings.TrimSpace(req.RemainingSupply) != "" {
		if remaining, err = parseAmount(req.RemainingSupply); err != nil {
			s.respondError(w, r, http.StatusBadRequest, err)
			return
		}
	}
	beta, err := parseAmount(req.Beta)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	var maxPurchase *big.Int
	if strings.TrimSpace(req.MaxPurchase) != "" {
		if maxPurchase, err = parseAmount(req.MaxPurchase); err != nil {
			s.respondError(w, r, http.StatusBadRequest, err)
			return
		}
	}
	dist, err := s.engine.CreateDistribution(&launch.Distribution{
		ID:    req.ID,
		Asset: req.Asset,
		Pricing: &pricing.State{
			InitialPrice:    initialPrice,
			TotalSupply:     totalSupply,
			RemainingSupply: remaining,
			Alpha:           req.Alpha,
			K:               req.K,
			Beta:            beta,
		},
		MaxPurchase:   maxPurchase,
		CliffDuration: req.CliffDuration,
	})
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, renderDistribution(dist))
}

func (s *server) handleGetDistribution(w http.ResponseWriter, r *http.Request) {
	dist, err := s.engine.Distribution(chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, renderDistribution(dist))
}

func (s *server) handleQuote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	amount, err := parseAmount(r.URL.Query().Get("amount"))
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	quote, err := s.engine.Quote(id, amount)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.metrics.ObserveQuote(id)
	s.respondJSON(w, http.StatusOK, renderQuote(quote))
}

func (s *server) handleBudgetQuote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	budget, err := parseAmount(r.URL.Query().Get("budget"))
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	amount, err := s.engine.QuoteBudget(id, budget)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.metrics.ObserveQuote(id)
	s.respondJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

func (s *server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, fmt.Errorf("gateway: decode request: %w", err))
		return
	}
	beneficiary, err := parseAddress(req.Beneficiary)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}

	var receipt *launch.Receipt
	if strings.TrimSpace(req.Budget) != "" {
		budget, err := parseAmount(req.Budget)
		if err != nil {
			s.respondError(w, r, http.StatusBadRequest, err)
			return
		}
		receipt, err = s.engine.PurchaseWithBudget(id, beneficiary, budget)
		if err != nil {
			s.metrics.ObservePurchaseFailure(id)
			s.respondEngineError(w, r, err)
			return
		}
	} else {
		amount, err := parseAmount(req.Amount)
		if err != nil {
			s.respondError(w, r, http.StatusBadRequest, err)
			return
		}
		payment, err := parseAmount(req.Payment)
		if err != nil {
			s.respondError(w, r, http.StatusBadRequest, err)
			return
		}
		receipt, err = s.engine.Purchase(id, beneficiary, amount, payment)
		if err != nil {
			s.metrics.ObservePurchaseFailure(id)
			s.respondEngineError(w, r, err)
			return
		}
	}

	if dist, err := s.engine.Distribution(id); err == nil {
		s.metrics.ObservePurchase(id, wadApprox(dist.Pricing.RemainingSupply))
	}
	s.logger.Info("purchase committed",
		"distribution", id,
		"beneficiary", req.Beneficiary,
		"amount", receipt.Amount.String(),
		"finalCost", receipt.Quote.FinalCost.String(),
		"grantId", receipt.GrantID,
	)
	s.respondJSON(w, http.StatusCreated, receiptResponse{
		DistributionID:  receipt.DistributionID,
		Beneficiary:     req.Beneficiary,
		Amount:          receipt.Amount.String(),
		Quote:           renderQuote(receipt.Quote),
		GrantID:         receipt.GrantID,
		VestingDuration: receipt.VestingDuration,
		PurchasedAt:     receipt.PurchasedAt,
	})
}

func (s *server) handleUnlocked(w http.ResponseWriter, r *http.Request) {
	beneficiary, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	asset := strings.TrimSpace(r.URL.Query().Get("asset"))
	if asset == "" {
		s.respondError(w, r, http.StatusBadRequest, fmt.Errorf("gateway: asset query parameter required"))
		return
	}
	atTime := int64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		if atTime, err = strconv.ParseInt(raw, 10, 64); err != nil {
			s.respondError(w, r, http.StatusBadRequest, fmt.Errorf("gateway: invalid at timestamp %q", raw))
			return
		}
	}
	if atTime == 0 {
		atTime = timeNow()
	}
	unlocked, err := s.engine.Unlocked(beneficiary, asset, atTime)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"unlocked": unlocked.String()})
}

func (s *server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, fmt.Errorf("gateway: decode request: %w", err))
		return
	}
	beneficiary, err := parseAddress(req.Beneficiary)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Transfer(beneficiary, strings.TrimSpace(req.Asset), amount); err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.metrics.ObserveTransfer()
	w.WriteHeader(http.StatusNoContent)
}

func renderDistribution(d *launch.Distribution) distributionResponse {
	maxPurchase := ""
	if d.MaxPurchase != nil {
		maxPurchase = d.MaxPurchase.String()
	}
	return distributionResponse{
		ID:              d.ID,
		Asset:           d.Asset,
		InitialPrice:    d.Pricing.InitialPrice.String(),
		TotalSupply:     d.Pricing.TotalSupply.String(),
		RemainingSupply: d.Pricing.RemainingSupply.String(),
		Alpha:           d.Pricing.Alpha,
		K:               d.Pricing.K,
		Beta:            d.Pricing.Beta.String(),
		MaxPurchase:     maxPurchase,
		CliffDuration:   d.CliffDuration,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func renderQuote(q *pricing.Quote) quoteResponse {
	return quoteResponse{
		BasePrice: q.BasePrice.String(),
		Premium:   q.Premium.String(),
		BaseCost:  q.BaseCost.String(),
		FinalCost: q.FinalCost.String(),
	}
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("gateway: amount required")
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("gateway: invalid amount %q", raw)
	}
	return v, nil
}

func parseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != 20 {
		return addr, fmt.Errorf("gateway: invalid address %q", raw)
	}
	copy(addr[:], decoded)
	return addr, nil
}

// timeNow is replaced in tests to pin unlock queries to a fixed clock.
var timeNow = func() int64 { return time.Now().Unix() }

// wadApprox converts a 1e18-scaled integer to a float for gauge export only.
// Engine math never touches this value.
func wadApprox(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(fixedpoint.One)).Float64()
	return f
}

func (s *server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *server) respondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.logger.Warn("request rejected",
		"path", r.URL.Path,
		"status", status,
		"error", err.Error(),
	)
	s.respondJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *server) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	s.respondError(w, r, statusForError(err), err)
}

// statusForError maps engine error classes onto HTTP statuses: bad input is
// 400, unknown records 404, unaffordable purchases 402, arithmetic domain
// failures 422, everything else 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, launch.ErrDistributionNotFound),
		errors.Is(err, vesting.ErrAssetNotRegistered),
		errors.Is(err, vesting.ErrNoGrants):
		return http.StatusNotFound
	case errors.Is(err, launch.ErrInsufficientPayment):
		return http.StatusPaymentRequired
	case errors.Is(err, launch.ErrDistributionExists):
		return http.StatusConflict
	case errors.Is(err, launch.ErrInvalidAmount),
		errors.Is(err, launch.ErrIDRequired),
		errors.Is(err, launch.ErrAssetRequired),
		errors.Is(err, launch.ErrZeroBeneficiary),
		errors.Is(err, launch.ErrAmountTooLarge),
		errors.Is(err, launch.ErrExceedsSupply),
		errors.Is(err, launch.ErrNegativeCliff),
		errors.Is(err, vesting.ErrInvalidAmount),
		errors.Is(err, vesting.ErrZeroBeneficiary),
		errors.Is(err, vesting.ErrInvalidDuration),
		errors.Is(err, vesting.ErrCliffBeyondEnd),
		errors.Is(err, vesting.ErrStartOutOfWindow),
		errors.Is(err, vesting.ErrEndTooFar),
		errors.Is(err, vesting.ErrAggregateCapReached),
		errors.Is(err, vesting.ErrInsufficientVested),
		errors.Is(err, vesting.ErrInvalidPolicy),
		errors.Is(err, pricing.ErrInvalidAmount),
		errors.Is(err, pricing.ErrInvalidBudget),
		errors.Is(err, pricing.ErrAlphaOutOfBounds),
		errors.Is(err, pricing.ErrIntensityOutOfBounds),
		errors.Is(err, pricing.ErrBetaOutOfBounds),
		errors.Is(err, pricing.ErrInvalidPrice),
		errors.Is(err, pricing.ErrSupplyExceeded):
		return http.StatusBadRequest
	case errors.Is(err, pricing.ErrZeroSupply),
		errors.Is(err, fixedpoint.ErrOverflow),
		errors.Is(err, fixedpoint.ErrDivisionByZero),
		errors.Is(err, fixedpoint.ErrNotPositive):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
