package handler

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"guard-service/internal/guard"
	"guard-service/internal/util"
)

// GuardMiddleware counts every request against its client IP. Blocked
// requests get 429. When the store is unavailable the request passes in
// fail-open mode and gets 503 otherwise.
func (h *GuardHandler) GuardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, h.trustProxy)

		res, err := h.guardService.Check(r.Context(), ip)
		switch {
		case err == nil && res.Allowed:
			next.ServeHTTP(w, r)
		case err == nil:
			w.Header().Set("Retry-After", retryAfter(h.guardService.Config()))
			h.respondWithJSON(w, http.StatusTooManyRequests, Response{Success: false, Data: res, Message: res.Message})
		case guard.IsStoreUnavailable(err) && h.failOpen:
			h.logger.Warn("Guard unavailable, failing open",
				util.String("client_ip", ip),
				util.ErrorField(err))
			next.ServeHTTP(w, r)
		default:
			h.respondWithError(w, h.getStatusCode(err), err, "Request could not be verified")
		}
	})
}

// retryAfter is the full window length: a fixed window exposes no
// cheaper bound without another store read.
func retryAfter(cfg guard.Config) string {
	return strconv.FormatInt(int64(cfg.Window/time.Second), 10)
}

// clientIP is the connection's remote address. Behind a trusted proxy it
// prefers the first X-Forwarded-For hop, then X-Real-IP.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
