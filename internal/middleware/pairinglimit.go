package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/openclaw/console-server-go/internal/audit"
	"github.com/openclaw/console-server-go/internal/service"
)

// PairingRateLimitMiddleware sits on the open-pairing route only. Every open
// makes the gateway reissue codes with the channel provider, so unbounded
// opens from one client are a remote-side problem, not just a local one.
type PairingRateLimitMiddleware struct {
	limiter *service.PairingRateLimiter
}

func NewPairingRateLimitMiddleware(limiter *service.PairingRateLimiter) *PairingRateLimitMiddleware {
	return &PairingRateLimitMiddleware{limiter: limiter}
}

func (m *PairingRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr

		allowed, resetAt := m.limiter.CheckOpen(r.Context(), ip)
		if !allowed {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventRateLimitExceed})

			secondsLeft := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secondsLeft))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "Too many pairing attempts. Please try again later.",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
