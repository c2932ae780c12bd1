// Package api exposes the reward engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/open-rewards/talon/internal/calculator"
	"github.com/open-rewards/talon/internal/domain"
	"github.com/open-rewards/talon/internal/presets"
	"github.com/open-rewards/talon/internal/rulestore"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	calc     *calculator.Service
	store    *rulestore.Store
	registry *presets.Registry
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, calc *calculator.Service, store *rulestore.Store, registry *presets.Registry, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		calc:     calc,
		store:    store,
		registry: registry,
		version:  version,
	}
}

// CalculateResponse is the response for POST /calculate.
type CalculateResponse struct {
	*domain.CalculationResult
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Calculate handles POST /calculate requests: one transaction snapshot
// in, one calculation result out. Nothing is persisted.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	traceID := GetTraceID(ctx)

	var in domain.CalculationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if in.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "productId is required",
		})
		return
	}
	if in.Amount < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must be non-negative",
		})
		return
	}
	if in.Date.IsZero() {
		in.Date = time.Now().UTC()
	}

	result, err := h.calc.Calculate(ctx, &in)
	if err != nil {
		h.writeError(w, "calculation failed", err)
		return
	}

	resp := CalculateResponse{CalculationResult: result}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// RecordTransactionRequest is the request body for POST /transactions.
type RecordTransactionRequest struct {
	InstrumentID       string   `json:"instrumentId"`
	ProductID          string   `json:"productId"`
	Amount             float64  `json:"amount"`
	Currency           string   `json:"currency"`
	SettlementAmount   *float64 `json:"settlementAmount,omitempty"`
	SettlementCurrency string   `json:"settlementCurrency,omitempty"`
	MCC                string   `json:"mcc,omitempty"`
	MerchantName       string   `json:"merchantName,omitempty"`
	Category           string   `json:"category,omitempty"`
	IsOnline           bool     `json:"isOnline"`
	IsContactless      bool     `json:"isContactless"`
	BonusPoints        int64    `json:"bonusPoints"`
	Timestamp          string   `json:"timestamp,omitempty"` // RFC 3339, defaults to now
}

// RecordTransaction handles POST /transactions: persists a transaction
// into the spend history and announces it so cached period totals for
// the instrument are dropped everywhere.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RecordTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.InstrumentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "instrumentId is required",
		})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must be positive",
		})
		return
	}

	timestamp := time.Now().UTC()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "timestamp must be RFC 3339",
			})
			return
		}
		timestamp = parsed.UTC()
	}

	tx := &domain.Transaction{
		ID:                 uuid.New().String(),
		InstrumentID:       req.InstrumentID,
		ProductID:          req.ProductID,
		Amount:             req.Amount,
		Currency:           req.Currency,
		SettlementAmount:   req.SettlementAmount,
		SettlementCurrency: req.SettlementCurrency,
		MCC:                req.MCC,
		MerchantName:       req.MerchantName,
		Category:           req.Category,
		IsOnline:           req.IsOnline,
		IsContactless:      req.IsContactless,
		BonusPoints:        req.BonusPoints,
		Timestamp:          timestamp,
		CreatedAt:          time.Now().UTC(),
	}

	if err := h.repo.SaveTransaction(ctx, tx); err != nil {
		h.writeError(w, "failed to save transaction", err)
		return
	}

	if h.bus != nil {
		payload, _ := json.Marshal(domain.TransactionRecordedEvent{
			TransactionID: tx.ID,
			InstrumentID:  tx.InstrumentID,
			ProductID:     tx.ProductID,
			Amount:        tx.Amount,
			BonusPoints:   tx.BonusPoints,
		})
		if err := h.bus.Publish(ctx, domain.TopicTransactionRecorded, payload); err != nil {
			slog.Error("failed to publish transaction event",
				"transaction_id", tx.ID,
				"error", err,
			)
		}
	}

	writeJSON(w, http.StatusCreated, tx)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "id")
	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	tx, err := h.repo.GetTransaction(r.Context(), txID)
	if err != nil {
		h.writeError(w, "failed to get transaction", err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// ListProductRules returns the rule set for a card product, cache-first.
func (h *Handler) ListProductRules(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")

	rules, err := h.store.GetRulesForProduct(r.Context(), productID)
	if err != nil {
		h.writeError(w, "failed to list rules", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// CreateRule creates a new reward rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.RewardRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	created, err := h.store.CreateRule(r.Context(), &rule)
	if err != nil {
		h.writeError(w, "failed to create rule", err)
		return
	}

	slog.Info("rule created",
		"rule_id", created.ID,
		"product_id", created.ProductID,
		"name", created.Name,
	)
	writeJSON(w, http.StatusCreated, created)
}

// UpdateRule replaces a reward rule in full.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	var rule domain.RewardRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	rule.ID = ruleID

	if err := h.store.UpdateRule(r.Context(), &rule); err != nil {
		h.writeError(w, "failed to update rule", err)
		return
	}

	slog.Info("rule updated", "rule_id", ruleID)
	writeJSON(w, http.StatusOK, &rule)
}

// DeleteRule removes a reward rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if err := h.store.DeleteRule(r.Context(), ruleID); err != nil {
		h.writeError(w, "failed to delete rule", err)
		return
	}

	slog.Info("rule deleted", "rule_id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// BootstrapRequest is the request body for POST /products/{id}/bootstrap.
type BootstrapRequest struct {
	PresetKey string `json:"presetKey"`
}

// BootstrapProduct seeds a product's rule set from a preset.
func (h *Handler) BootstrapProduct(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")

	var req BootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	created, err := h.registry.Bootstrap(r.Context(), productID, req.PresetKey)
	if err != nil {
		h.writeError(w, "bootstrap failed", err)
		return
	}

	slog.Info("product bootstrapped",
		"product_id", productID,
		"preset", req.PresetKey,
		"rules_created", created,
	)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"productId":    productID,
		"presetKey":    req.PresetKey,
		"rulesCreated": created,
	})
}

// ListPresets returns the built-in card preset catalog.
func (h *Handler) ListPresets(w http.ResponseWriter, r *http.Request) {
	list := h.registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"presets": list,
		"count":   len(list),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps domain errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	switch {
	case domain.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	case domain.IsAuthentication(err):
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "authentication required",
		})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "not found",
		})
	default:
		slog.Error(msg, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": msg,
		})
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
