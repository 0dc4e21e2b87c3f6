package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"guard-service/internal/guard"
	"guard-service/internal/service"
	"guard-service/internal/util"
)

const maxBodyBytes = 64 << 10

type HandlerOptions struct {
	// FailOpen lets GuardMiddleware pass requests while the counter store
	// is unavailable.
	FailOpen bool
	// TrustProxyHeaders keys GuardMiddleware on X-Forwarded-For and
	// X-Real-IP. Without it only the connection's address counts, since
	// any client can set those headers.
	TrustProxyHeaders bool
}

// GuardHandler serves the guard API and the guard middleware.
type GuardHandler struct {
	guardService *service.GuardService
	failOpen     bool
	trustProxy   bool
	logger       *zap.Logger
}

func NewGuardHandler(guardService *service.GuardService, opts HandlerOptions, logger *zap.Logger) *GuardHandler {
	return &GuardHandler{
		guardService: guardService,
		failOpen:     opts.FailOpen,
		trustProxy:   opts.TrustProxyHeaders,
		logger:       logger,
	}
}

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

type checkRequest struct {
	Key string `json:"key"`
}

type batchRequest struct {
	Keys []string `json:"keys"`
}

func (h *GuardHandler) RegisterRoutes(router chi.Router) {
	router.Route("/guard", func(r chi.Router) {
		r.Post("/check", h.Check)
		r.Post("/check/batch", h.CheckBatch)
		r.Get("/keys/{key}", h.Status)
		r.Delete("/keys/{key}", h.Reset)
		r.Post("/repair", h.RepairOrphans)
		r.Get("/stats", h.Stats)
	})

	router.Route("/protected", func(r chi.Router) {
		r.Use(h.GuardMiddleware)
		r.Get("/ping", h.Ping)
	})
}

// Check counts one call for the posted key. Blocked calls answer 429 with
// the guard's decision in the body.
func (h *GuardHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res, err := h.guardService.Check(r.Context(), req.Key)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Guard check failed")
		return
	}

	if !res.Allowed {
		h.respondWithJSON(w, http.StatusTooManyRequests, Response{Success: false, Data: res, Message: res.Message})
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(res, res.Message))
}

func (h *GuardHandler) CheckBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	items, err := h.guardService.CheckBatch(r.Context(), req.Keys)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Batch check failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(items, "Batch checked"))
	h.logger.Debug("Batch check served",
		util.Int("keys", len(items)),
		util.Duration("duration", time.Since(start)))
}

func (h *GuardHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.guardService.Status(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to read key status")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(status, ""))
}

func (h *GuardHandler) Reset(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.guardService.Reset(r.Context(), key); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to reset key")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Window reset"))
}

func (h *GuardHandler) RepairOrphans(w http.ResponseWriter, r *http.Request) {
	n, err := h.guardService.RepairOrphans(r.Context())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to repair counters")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"armed": n}, "Orphaned counters repaired"))
}

func (h *GuardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.guardService.Stats(r.Context()), ""))
}

// Ping is a sample endpoint behind GuardMiddleware.
func (h *GuardHandler) Ping(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"pong": clientIP(r, h.trustProxy)}, ""))
}

// HealthCheck reports whether the counter store answers.
func (h *GuardHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.guardService.HealthCheck(r.Context()); err != nil {
		h.respondWithJSON(w, http.StatusServiceUnavailable, Response{
			Success: false,
			Error:   err.Error(),
			Data:    map[string]string{"status": "unhealthy", "service": "guard-service"},
		})
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"status": "healthy", "service": "guard-service"}, ""))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (h *GuardHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *GuardHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

func (h *GuardHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidKey),
		errors.Is(err, service.ErrEmptyBatch),
		errors.Is(err, guard.ErrEmptyKey):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, guard.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
