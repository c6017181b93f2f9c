// Package rest provides HTTP/JSON endpoints for the credit service.
//
// The handlers are thin adapters over api.CreditService and share its
// request types with the gRPC transport.
//
// Endpoints:
//
//	POST /v1/holds              - Place holds for an upper-bound estimate
//	POST /v1/holds/capture      - Record token usage and capture holds
//	POST /v1/credits            - Grant a credit batch
//	POST /v1/credits/remove     - Claw back credit from a batch
//	POST /v1/usage/quote        - Price usage without touching the ledger
//	GET  /v1/balance/:account   - Get balance
//	GET  /health                - Health check
//	GET  /ready                 - Readiness check
//	GET  /metrics               - Prometheus metrics
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kelpejol/creditledger/internal/api"
	"github.com/kelpejol/creditledger/internal/usage"
)

// ReadyFunc reports whether the service's dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// QuoteRequest is the POST /v1/usage/quote payload.
type QuoteRequest struct {
	InputTokens   int64  `json:"input_tokens"`
	OutputTokens  int64  `json:"output_tokens"`
	ResourceClass string `json:"resource_class"`
}

// QuoteResponse carries the priced usage.
type QuoteResponse struct {
	Credits decimal.Decimal `json:"credits"`
}

// Handler provides REST API endpoints.
type Handler struct {
	svc   *api.CreditService
	ready ReadyFunc
	log   zerolog.Logger
}

// NewHandler creates a new REST API handler. ready may be nil.
func NewHandler(svc *api.CreditService, ready ReadyFunc, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:   svc,
		ready: ready,
		log:   logger.With().Str("component", "rest_handler").Logger(),
	}
}

// RegisterRoutes registers all REST API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/holds", h.handleCreateHold)
	mux.HandleFunc("/v1/holds/capture", h.handleCapture)
	mux.HandleFunc("/v1/credits", h.handleAddCredit)
	mux.HandleFunc("/v1/credits/remove", h.handleRemoveCredit)
	mux.HandleFunc("/v1/usage/quote", h.handleQuote)
	mux.HandleFunc("/v1/balance/", h.handleBalance)

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

// handleCreateHold handles POST /v1/holds
func (h *Handler) handleCreateHold(w http.ResponseWriter, r *http.Request) {
	var req api.HoldRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	ids, err := h.svc.CreateCreditHold(r.Context(), req.AccountID, req.MaxQuantity, req.Ref, req.IdempotencyKey)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, api.HoldResponse{HoldIDs: ids})
}

// handleCapture handles POST /v1/holds/capture
func (h *Handler) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req api.UsageRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	rec := usage.Record{InputTokens: req.InputTokens, OutputTokens: req.OutputTokens}
	res, err := h.svc.RecordUsedTokens(r.Context(), req.AccountID, req.HoldIDs, rec, req.ResourceClass, req.Ref, req.IdempotencyKey)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// handleAddCredit handles POST /v1/credits
func (h *Handler) handleAddCredit(w http.ResponseWriter, r *http.Request) {
	var req api.AddCreditRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	id, err := h.svc.AddCredit(r.Context(), req.AccountID, req.Quantity, req.IdempotencyKey, req.ExpiresAt)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, api.AddCreditResponse{BatchID: id})
}

// handleRemoveCredit handles POST /v1/credits/remove
func (h *Handler) handleRemoveCredit(w http.ResponseWriter, r *http.Request) {
	var req api.RemoveCreditRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	n, err := h.svc.RemoveCredit(r.Context(), req.AccountID, req.BatchID, req.Quantity, req.Reason, req.IdempotencyKey)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, api.RemoveCreditResponse{Removed: n})
}

// handleQuote handles POST /v1/usage/quote
func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	credits, err := h.svc.Quote(usage.Record{InputTokens: req.InputTokens, OutputTokens: req.OutputTokens}, req.ResourceClass)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, QuoteResponse{Credits: credits})
}

// handleBalance handles GET /v1/balance/:account
func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	accountID := strings.TrimPrefix(r.URL.Path, "/v1/balance/")
	if accountID == "" || strings.Contains(accountID, "/") {
		h.writeError(w, http.StatusBadRequest, "Invalid account_id")
		return
	}

	b, err := h.svc.GetBalance(r.Context(), accountID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, b)
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady handles GET /ready
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.ready(ctx); err != nil {
			h.log.Warn().Err(err).Msg("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// decodePost enforces POST and decodes the JSON body into v.
func (h *Handler) decodePost(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

// handleServiceError converts service errors to HTTP errors.
func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	message := "internal server error"

	switch api.Classify(err) {
	case api.KindInsufficient:
		statusCode, message = http.StatusPaymentRequired, err.Error()
	case api.KindInvalid:
		statusCode, message = http.StatusBadRequest, err.Error()
	case api.KindNotFound:
		statusCode, message = http.StatusNotFound, err.Error()
	}

	if statusCode == http.StatusInternalServerError {
		h.log.Error().Err(err).Int("status", statusCode).Msg("REST API error")
	} else {
		h.log.Debug().Err(err).Int("status", statusCode).Msg("REST API request rejected")
	}
	h.writeError(w, statusCode, message)
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}

// CORS middleware for development
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs all HTTP requests
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
