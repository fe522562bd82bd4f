// Package httpapi exposes the canvas over HTTP: claim endpoints guarded by
// x402 payment challenges, binary snapshots, a live change stream, and an
// authenticated admin surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	app "github.com/grid402/canvas/internal/app"
	"github.com/grid402/canvas/internal/app/metrics"
	canvassvc "github.com/grid402/canvas/internal/app/services/canvas"
	"github.com/grid402/canvas/internal/app/storage"
	"github.com/grid402/canvas/internal/app/x402"
	"github.com/grid402/canvas/pkg/logger"
)

// Config carries the handler's admin and audit settings.
type Config struct {
	AdminUser     string
	AdminPassword string
	JWTSecret     string
	AuditFile     string
	AuditLimit    int
}

// handler bundles HTTP endpoints for the canvas service.
type handler struct {
	app   *app.Application
	auth  *authManager
	audit *auditLog
	log   *logger.Logger
}

// NewHandler returns a router exposing the canvas API.
func NewHandler(application *app.Application, cfg Config, log *logger.Logger) (http.Handler, error) {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	sink, err := newFileAuditSink(cfg.AuditFile)
	if err != nil {
		return nil, fmt.Errorf("open audit sink: %w", err)
	}
	var auditSinkIface auditSink
	if sink != nil {
		auditSinkIface = sink
	}

	h := &handler{
		app:   application,
		auth:  newAuthManager(cfg.JWTSecret, cfg.AdminUser, cfg.AdminPassword),
		audit: newAuditLog(cfg.AuditLimit, auditSinkIface),
		log:   log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/pixels", h.quotePixel).Methods(http.MethodGet)
	r.HandleFunc("/pixels", h.claimPixel).Methods(http.MethodPost)
	r.HandleFunc("/pixels/batch", h.claimBatch).Methods(http.MethodPost)
	r.HandleFunc("/canvas/binary", h.canvasBinary).Methods(http.MethodGet)
	r.HandleFunc("/canvas/stream", h.canvasStream).Methods(http.MethodGet)

	r.HandleFunc("/auth/login", h.login).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(h.auth.middleware, h.auditMiddleware)
	admin.HandleFunc("/payments", h.adminPayments).Methods(http.MethodGet)
	admin.HandleFunc("/audit", h.adminAudit).Methods(http.MethodGet)

	return r, nil
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Claims -----------------------------------------------------------------

func (h *handler) claimPixel(w http.ResponseWriter, r *http.Request) {
	var payload canvassvc.ClaimRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.executeClaim(w, r, []canvassvc.ClaimRequest{payload})
}

func (h *handler) claimBatch(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Cells []canvassvc.ClaimRequest `json:"cells"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.executeClaim(w, r, payload.Cells)
}

func (h *handler) executeClaim(w http.ResponseWriter, r *http.Request, reqs []canvassvc.ClaimRequest) {
	result, err := h.app.Canvas.Claim(r.Context(), reqs, r.Header.Get(x402.Header), requestResource(r))
	if err != nil {
		h.writeClaimError(w, err)
		return
	}

	payer := ""
	if len(result.Payments) > 0 {
		payer = result.Payments[0].Payer
	}
	h.audit.add(auditEntry{
		Time:        time.Now().UTC(),
		User:        payer,
		Path:        r.URL.Path,
		Method:      r.Method,
		Status:      http.StatusOK,
		Transaction: result.Transaction,
		RemoteAddr:  r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	})

	w.Header().Set(x402.ResponseHeader, result.Receipt)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"transaction": result.Transaction,
		"network":     h.app.Canvas.Network(),
		"amount":      strconv.FormatInt(int64(result.Amount), 10),
		"cells":       result.Cells,
	})
}

func (h *handler) writeClaimError(w http.ResponseWriter, err error) {
	var payErr *canvassvc.PaymentRequiredError
	if errors.As(err, &payErr) {
		writeJSON(w, http.StatusPaymentRequired, payErr.Challenge)
		return
	}

	var limitErr *canvassvc.ClaimLimitError
	if errors.As(err, &limitErr) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": "claim limit reached",
			"cells": limitErr.Coords,
		})
		return
	}

	var conflictErr *canvassvc.ConflictError
	if errors.As(err, &conflictErr) {
		// The payment settled but the ledger rejected the batch. The client
		// must learn that money moved, and against which transaction.
		w.Header().Set(x402.ResponseHeader, conflictErr.Receipt)
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":       conflictErr.Err.Error(),
			"settled":     true,
			"transaction": conflictErr.Transaction,
			"network":     conflictErr.Network,
		})
		return
	}

	var verErr *x402.VerificationError
	if errors.As(err, &verErr) {
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": verErr.Reason})
		return
	}
	var setErr *x402.SettlementError
	if errors.As(err, &setErr) {
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": setErr.Reason})
		return
	}

	switch {
	case errors.Is(err, canvassvc.ErrInvalidInput), errors.Is(err, x402.ErrInvalidProof):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, storage.ErrSuperseded):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, storage.ErrDuplicateNonce):
		writeError(w, http.StatusConflict, err)
	default:
		h.log.WithError(err).Error("claim failed")
		writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
	}
}

// --- Quotes and snapshots ---------------------------------------------------

func (h *handler) quotePixel(w http.ResponseWriter, r *http.Request) {
	x, err := strconv.Atoi(r.URL.Query().Get("x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid x coordinate"))
		return
	}
	y, err := strconv.Atoi(r.URL.Query().Get("y"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid y coordinate"))
		return
	}

	quote, err := h.app.Canvas.Quote(r.Context(), x, y)
	if err != nil {
		if errors.Is(err, canvassvc.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.log.WithError(err).Error("quote failed")
		writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
		return
	}

	response := map[string]any{"pixel": quote}
	if quote.Claimable {
		reqs, err := h.app.Canvas.Requirements(r.Context(),
			[]canvassvc.ClaimRequest{{X: x, Y: y, Color: quote.Color}}, requestResource(r))
		if err == nil {
			response["accepts"] = []x402.Requirements{reqs}
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *handler) canvasBinary(w http.ResponseWriter, r *http.Request) {
	payload, _, err := h.app.Canvas.Snapshot(r.Context())
	if err != nil {
		h.log.WithError(err).Error("snapshot failed")
		writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.Header().Set("Cache-Control", "public, max-age=5, stale-while-revalidate=10")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// --- Admin ------------------------------------------------------------------

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if !h.auth.enabled() {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("admin API is not configured"))
		return
	}
	if !h.auth.checkCredentials(payload.Username, payload.Password) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid credentials"))
		return
	}

	token, expiry, err := h.auth.issueToken(payload.Username)
	if err != nil {
		h.log.WithError(err).Error("issue token")
		writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiry.UTC().Format(time.RFC3339),
	})
}

func (h *handler) adminPayments(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	payments, err := h.app.Canvas.Payments(r.Context(), limit)
	if err != nil {
		h.log.WithError(err).Error("list payments")
		writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (h *handler) adminAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

func (h *handler) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.audit.add(auditEntry{
			Time:       time.Now().UTC(),
			User:       userFrom(r.Context()),
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// --- Helpers ----------------------------------------------------------------

func requestResource(r *http.Request) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		if r.TLS != nil {
			proto = "https"
		} else {
			proto = "http"
		}
	}
	return proto + "://" + r.Host + r.URL.Path
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
