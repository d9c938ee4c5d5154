// Package http exposes the metering service over HTTP: an admission check
// endpoint, external usage submission, usage summaries and billing.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/metergate/app"
	"github.com/artpar/metergate/domain/ratelimit"
	"github.com/artpar/metergate/domain/tier"
	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

const dayFormat = "2006-01-02"

// Handler serves the metering API.
type Handler struct {
	limiter    *app.Limiter
	recorder   ports.Recorder
	aggregator *app.Aggregator
	costs      func() *app.CostTable
	ids        ports.IDGenerator
	clock      ports.Clock
	logger     zerolog.Logger
}

// HandlerDeps contains dependencies for Handler.
type HandlerDeps struct {
	Limiter    *app.Limiter
	Recorder   ports.Recorder
	Aggregator *app.Aggregator
	Costs      func() *app.CostTable
	IDs        ports.IDGenerator
	Clock      ports.Clock
	Logger     zerolog.Logger
}

// NewHandler creates the metering API handler.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		limiter:    deps.Limiter,
		recorder:   deps.Recorder,
		aggregator: deps.Aggregator,
		costs:      deps.Costs,
		ids:        deps.IDs,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}
}

// RouterConfig holds optional configuration for the router.
type RouterConfig struct {
	Registry    *prometheus.Registry // when set, /metrics is served from it
	MetricsPath string
}

// NewRouter creates the main HTTP router.
func NewRouter(h *Handler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", h.Health)

	if cfg.Registry != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/check", h.Check)
		r.Post("/records", h.SubmitRecords)
		r.Get("/usage/{identity}/summary", h.Summary)
		r.Get("/usage/{identity}/billing", h.Billing)
	})

	return r
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error      errorDetail `json:"error"`
	RetryAfter int64       `json:"retry_after_secs,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{Code: code, Message: message}})
}

// checkRequest is the body of POST /v1/check.
type checkRequest struct {
	Identity string `json:"identity"`
	Tier     string `json:"tier"`
}

type checkResponse struct {
	Allowed   bool   `json:"allowed"`
	Window    string `json:"window"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	ResetSecs int64  `json:"reset_secs"`
	Degraded  bool   `json:"degraded,omitempty"`
}

// Check runs an admission decision for an identity without serving a
// resource, for callers that gate work outside this process.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Identity == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "identity is required")
		return
	}

	d := h.limiter.Check(r.Context(), req.Identity, tier.Tier(req.Tier))
	writeDecisionHeaders(w, d, h.clock.Now())

	if !d.Allowed {
		writeRejection(w, d)
		return
	}

	writeJSON(w, http.StatusOK, checkResponse{
		Allowed:   true,
		Window:    string(d.Binding),
		Limit:     d.Limit,
		Remaining: d.Remaining,
		ResetSecs: d.ResetSeconds(h.clock.Now()),
		Degraded:  d.Degraded,
	})
}

// writeDecisionHeaders sets the rate limit metadata headers every gated
// response carries, allowed or not.
func writeDecisionHeaders(w http.ResponseWriter, d ratelimit.Decision, now time.Time) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetSeconds(now), 10))
	if d.DayObserved {
		h.Set("X-Quota-Limit", strconv.FormatInt(d.DayLimit, 10))
		h.Set("X-Quota-Remaining", strconv.FormatInt(d.DayRemaining, 10))
		h.Set("X-Quota-Reset", strconv.FormatInt(ceilSeconds(d.DayResetAt.Sub(now)), 10))
	}
	if d.Degraded {
		h.Set("X-RateLimit-Degraded", "true")
	}
}

// writeRejection writes the rejection contract: a 429 (or 503 when the
// counter store is down under fail-closed) with Retry-After and a JSON body
// naming the reason.
func writeRejection(w http.ResponseWriter, d ratelimit.Decision) {
	status := http.StatusTooManyRequests
	message := "rate limit exceeded for window " + string(d.Binding)
	if d.Reason == ratelimit.ReasonStoreUnavailable {
		status = http.StatusServiceUnavailable
		message = "counter store unavailable"
	}
	w.Header().Set("Retry-After", strconv.FormatInt(d.RetryAfterSeconds(), 10))
	writeJSON(w, status, errorResponse{
		Error:      errorDetail{Code: d.Reason, Message: message},
		RetryAfter: d.RetryAfterSeconds(),
	})
}

// recordPayload is one externally metered usage event.
type recordPayload struct {
	ID           string    `json:"id,omitempty"`
	Identity     string    `json:"identity"`
	Tier         string    `json:"tier"`
	Category     string    `json:"category"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	TokensIn     int64     `json:"tokens_in"`
	TokensOut    int64     `json:"tokens_out"`
	ComputeUnits float64   `json:"compute_units"`
	StorageBytes int64     `json:"storage_bytes"`
	Success      bool      `json:"success"`
}

type recordsRequest struct {
	Records []recordPayload `json:"records"`
}

type recordsResponse struct {
	Accepted int      `json:"accepted"`
	IDs      []string `json:"ids"`
}

// SubmitRecords accepts usage events metered outside the gate, for backends
// that know the real work done (token counts, storage deltas) only after the
// fact. Records are queued asynchronously; a 202 means accepted, not yet
// durable.
func (h *Handler) SubmitRecords(w http.ResponseWriter, r *http.Request) {
	var req recordsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "records is empty")
		return
	}

	table := h.costs()
	ids := make([]string, 0, len(req.Records))
	records := make([]usage.Record, 0, len(req.Records))
	for i, p := range req.Records {
		rec := usage.Record{
			ID:           p.ID,
			Identity:     p.Identity,
			Tier:         tier.Tier(p.Tier),
			Category:     p.Category,
			Timestamp:    p.Timestamp,
			Duration:     time.Duration(p.DurationMs) * time.Millisecond,
			TokensIn:     p.TokensIn,
			TokensOut:    p.TokensOut,
			ComputeUnits: p.ComputeUnits,
			StorageBytes: p.StorageBytes,
			Success:      p.Success,
		}
		if rec.ID == "" {
			rec.ID = h.ids.New()
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = h.clock.Now()
		}
		if rec.ComputeUnits == 0 {
			rec = table.Apply(rec, app.Measurements{
				Duration:     rec.Duration,
				TokensIn:     rec.TokensIn,
				TokensOut:    rec.TokensOut,
				StorageBytes: rec.StorageBytes,
				Success:      rec.Success,
			})
		}
		if err := rec.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request",
				"record "+strconv.Itoa(i)+": "+err.Error())
			return
		}
		records = append(records, rec)
		ids = append(ids, rec.ID)
	}

	for _, rec := range records {
		h.recorder.Record(rec)
	}

	writeJSON(w, http.StatusAccepted, recordsResponse{Accepted: len(records), IDs: ids})
}

type aggregatePayload struct {
	Day          string  `json:"day"`
	Category     string  `json:"category"`
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Errors       int64   `json:"errors"`
	DurationMs   int64   `json:"duration_ms"`
	Tokens       int64   `json:"tokens"`
	ComputeUnits float64 `json:"compute_units"`
	StorageBytes int64   `json:"storage_bytes"`
	Reconciled   bool    `json:"reconciled,omitempty"`
}

type summaryResponse struct {
	Identity   string             `json:"identity"`
	From       string             `json:"from"`
	To         string             `json:"to"`
	Aggregates []aggregatePayload `json:"aggregates"`
}

// Summary returns the per-day aggregates for an identity over a date range.
// Defaults to the last 30 days.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	from, to, err := h.dateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	aggs, err := h.aggregator.Summary(r.Context(), identity, from, to)
	if err != nil {
		h.logger.Error().Err(err).Str("identity", identity).Msg("usage summary failed")
		writeError(w, http.StatusInternalServerError, "internal", "usage summary failed")
		return
	}

	resp := summaryResponse{
		Identity:   identity,
		From:       from.Format(dayFormat),
		To:         to.Format(dayFormat),
		Aggregates: make([]aggregatePayload, 0, len(aggs)),
	}
	for _, a := range aggs {
		resp.Aggregates = append(resp.Aggregates, aggregatePayload{
			Day:          a.Day.Format(dayFormat),
			Category:     a.Category,
			Requests:     a.RequestCount,
			Successes:    a.SuccessCount,
			Errors:       a.ErrorCount,
			DurationMs:   a.DurationTotal.Milliseconds(),
			Tokens:       a.Tokens,
			ComputeUnits: a.ComputeUnits,
			StorageBytes: a.StorageBytes,
			Reconciled:   a.Reconciled,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type lineItemPayload struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	Rate        float64 `json:"rate"`
	AmountCents int64   `json:"amount_cents"`
}

type billingResponse struct {
	Identity   string            `json:"identity"`
	Tier       string            `json:"tier"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	Items      []lineItemPayload `json:"items"`
	UsageCents int64             `json:"usage_cents"`
	BaseCents  int64             `json:"base_cents"`
	TotalCents int64             `json:"total_cents"`
}

// Billing prices an identity's aggregates over a date range at its tier's
// rates.
func (h *Handler) Billing(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	from, to, err := h.dateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	t := tier.Tier(r.URL.Query().Get("tier"))

	bill, err := h.aggregator.BillingAmount(r.Context(), identity, from, to, t)
	if err != nil {
		h.logger.Error().Err(err).Str("identity", identity).Msg("billing failed")
		writeError(w, http.StatusInternalServerError, "internal", "billing failed")
		return
	}

	resp := billingResponse{
		Identity:   bill.Identity,
		Tier:       string(bill.Tier),
		From:       from.Format(dayFormat),
		To:         to.Format(dayFormat),
		Items:      make([]lineItemPayload, 0, len(bill.Items)),
		UsageCents: bill.UsageCents,
		BaseCents:  bill.BaseCents,
		TotalCents: bill.TotalCents,
	}
	for _, item := range bill.Items {
		resp.Items = append(resp.Items, lineItemPayload{
			Description: item.Description,
			Quantity:    item.Quantity,
			Rate:        item.Rate,
			AmountCents: item.AmountCents,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

// dateRange parses the from/to query parameters (YYYY-MM-DD, inclusive).
func (h *Handler) dateRange(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()
	now := h.clock.Now().UTC()
	to = now.Truncate(24 * time.Hour)
	from = to.AddDate(0, 0, -30)

	if s := q.Get("from"); s != "" {
		from, err = time.ParseInLocation(dayFormat, s, time.UTC)
		if err != nil {
			return from, to, err
		}
	}
	if s := q.Get("to"); s != "" {
		to, err = time.ParseInLocation(dayFormat, s, time.UTC)
		if err != nil {
			return from, to, err
		}
	}
	return from, to, nil
}

// Health reports liveness and counter store reachability. The service stays
// up when the store is down (the limiter degrades), so the status is
// reported in the body rather than a 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok", "counter_store": "ok"}
	if err := h.limiter.Ping(ctx); err != nil {
		status["counter_store"] = "unavailable"
	}
	writeJSON(w, http.StatusOK, status)
}

// NewLoggingMiddleware creates a middleware that logs each request at debug.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
