package http

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/metergate/app"
	"github.com/artpar/metergate/domain/tier"
	"github.com/artpar/metergate/domain/usage"
)

// IdentityResolver maps a request to the identity and tier it is billed
// against. ok is false when the request carries no usable identity.
type IdentityResolver func(r *http.Request) (identity string, t tier.Tier, ok bool)

// HeaderIdentity resolves identity and tier from the X-Api-Identity and
// X-Api-Tier headers, for deployments where an upstream auth layer has
// already verified the caller.
func HeaderIdentity(r *http.Request) (string, tier.Tier, bool) {
	identity := r.Header.Get("X-Api-Identity")
	if identity == "" {
		return "", "", false
	}
	return identity, tier.Tier(r.Header.Get("X-Api-Tier")), true
}

// Gate wraps a resource handler with admission control and usage metering:
// check first, serve if allowed, then queue a usage record measuring what
// the request actually consumed. The usage record's ID is exposed as
// X-Usage-Id so callers can correlate charges.
func (h *Handler) Gate(category string, resolve IdentityResolver) func(next http.Handler) http.Handler {
	if resolve == nil {
		resolve = HeaderIdentity
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, t, ok := resolve(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing_identity",
					"request carries no identity")
				return
			}

			d := h.limiter.Check(r.Context(), identity, t)
			writeDecisionHeaders(w, d, h.clock.Now())

			if !d.Allowed {
				writeRejection(w, d)
				return
			}

			usageID := h.ids.New()
			w.Header().Set("X-Usage-Id", usageID)

			start := h.clock.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			elapsed := h.clock.Now().Sub(start)

			rec := h.costs().Apply(usage.Record{
				ID:        usageID,
				Identity:  identity,
				Tier:      t,
				Category:  category,
				Timestamp: start,
			}, app.Measurements{
				Duration:      elapsed,
				RequestBytes:  r.ContentLength,
				ResponseBytes: int64(ww.BytesWritten()),
				Success:       ww.Status() < 500,
			})
			h.recorder.Record(rec)
		})
	}
}
