package api

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/blueberrycongee/memgate/internal/proxy"
	gwerrors "github.com/blueberrycongee/memgate/pkg/errors"
)

// RateLimiter applies a global token-bucket limit to inbound requests.
// A nil RateLimiter admits everything.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter admitting rps requests per second
// with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether one more request may proceed.
func (rl *RateLimiter) Allow() bool {
	if rl == nil {
		return true
	}
	return rl.limiter.Allow()
}

// SetRateLimiter installs rl on the handler. Chat handlers check it
// before touching the body so the rejection renders in the shape the
// route speaks.
func (h *Handler) SetRateLimiter(rl *RateLimiter) {
	h.limits = rl
}

func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, pinned string) bool {
	if h.limits.Allow() {
		return true
	}
	name := r.Header.Get(proxy.ProviderHeader)
	if name == "" {
		name = pinned
	}
	inbound, _ := h.registry.Get(name)
	h.writeError(w, r, inbound, gwerrors.NewRateLimited("rate limit exceeded, retry later"))
	return false
}
