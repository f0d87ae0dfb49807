package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/usage-meter/internal/auth"
	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/feature"
	"github.com/vnmchuo/usage-meter/internal/limits"
	"github.com/vnmchuo/usage-meter/internal/provider"
	"github.com/vnmchuo/usage-meter/internal/reporting"
	"github.com/vnmchuo/usage-meter/internal/session"
	"github.com/vnmchuo/usage-meter/internal/tracker"
	"github.com/vnmchuo/usage-meter/pkg/ratelimit"
)

const (
	defaultEstimatedTokens = 1000
	defaultHistoryDays     = 30
	sessionHeader          = "X-Session-ID"
	// one rate-limit window
	defaultRetryAfterSeconds = 60
)

type Handler struct {
	router   *Router
	tracker  *tracker.Tracker
	limits   *limits.Evaluator
	reports  *reporting.Service
	limiter  *ratelimit.Limiter
	sessions session.Store
	tracer   trace.Tracer
	now      func() time.Time
}

// NewHandler wires the metered completion and reporting endpoints. limiter
// and sessions may be nil.
func NewHandler(router *Router, t *tracker.Tracker, evaluator *limits.Evaluator, reports *reporting.Service,
	limiter *ratelimit.Limiter, sessions session.Store, tracer trace.Tracer) *Handler {
	return &Handler{
		router:   router,
		tracker:  t,
		limits:   evaluator,
		reports:  reports,
		limiter:  limiter,
		sessions: sessions,
		tracer:   tracer,
		now:      time.Now,
	}
}

// completeRequest is the completion body: an OpenAI-style request plus
// optional metering fields.
type completeRequest struct {
	provider.Request
	AgentID string            `json:"agent_id,omitempty"`
	Feature *feature.Envelope `json:"feature,omitempty"`
}

// prepared is everything a completion needs once admission has passed. ctx
// carries the resolved session id.
type prepared struct {
	ctx      context.Context
	req      *provider.Request
	provider provider.Provider
	call     tracker.CallContext
}

type streamDelta struct {
	Content string `json:"content"`
}

type streamChoice struct {
	Delta streamDelta `json:"delta"`
	Index int         `json:"index"`
}

type streamEvent struct {
	Choices []streamChoice `json:"choices"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.complete")
	defer span.End()

	p, ok := h.prepare(ctx, w, r, span)
	if !ok {
		return
	}

	var response *provider.Response
	err := h.tracker.Track(p.ctx, p.call, func(ctx context.Context) (*tracker.Usage, error) {
		resp, err := h.router.Execute(ctx, p.req, p.provider)
		if err != nil {
			return nil, err
		}
		response = resp
		return &tracker.Usage{
			PromptUnits:     int64(resp.InputTokens),
			CompletionUnits: int64(resp.OutputTokens),
		}, nil
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	respID := response.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	w.Header().Set(auth.IdempotencyHeader, p.call.IdempotencyKey)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       respID,
		"object":   "chat.completion",
		"model":    response.Model,
		"provider": response.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": response.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     response.InputTokens,
			"completion_tokens": response.OutputTokens,
			"total_tokens":      response.InputTokens + response.OutputTokens,
		},
	})
}

// HandleCompleteStream relays SSE chunks and meters the usage the provider
// reports on its final chunk. A stream with no reported usage is recorded
// with unknown usage and does not count toward rollups.
func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.complete_stream")
	defer span.End()

	p, ok := h.prepare(ctx, w, r, span)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	started := false
	err := h.tracker.Track(p.ctx, p.call, func(ctx context.Context) (*tracker.Usage, error) {
		ch, err := h.router.ExecuteStream(ctx, p.req, p.provider)
		if err != nil {
			return nil, err
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set(auth.IdempotencyHeader, p.call.IdempotencyKey)
		w.WriteHeader(http.StatusOK)
		started = true

		for chunk := range ch {
			if chunk.Err != nil {
				msg, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", msg)
				flusher.Flush()
				return nil, chunk.Err
			}

			if chunk.Delta != "" {
				data, _ := json.Marshal(streamEvent{Choices: []streamChoice{{Delta: streamDelta{Content: chunk.Delta}}}})
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}

			if chunk.Done {
				fmt.Fprintf(w, "data: [DONE]\n\n")
				flusher.Flush()
				if chunk.Usage == nil {
					return nil, nil
				}
				return &tracker.Usage{
					PromptUnits:     int64(chunk.Usage.InputTokens),
					CompletionUnits: int64(chunk.Usage.OutputTokens),
				}, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("stream ended without completion")
	})
	if err != nil && !started {
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// prepare authenticates, decodes, checks caps and rate limits, routes, and
// builds the call context. It writes the error response itself.
func (h *Handler) prepare(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span) (*prepared, bool) {
	ownerID := auth.GetOwnerID(ctx)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var body completeRequest
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		msg := "invalid request body"
		if errors.Is(err, feature.ErrUnknownType) || errors.Is(err, feature.ErrMissingField) {
			msg = err.Error()
		}
		writeError(w, http.StatusBadRequest, msg)
		return nil, false
	}
	req := &body.Request
	req.OwnerID = ownerID
	req.RequestID = requestID

	span.SetAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	if d := h.limits.CheckCanProceed(ctx, ownerID); !d.Allow {
		span.SetAttributes(attribute.String("denied_reason", string(d.Reason)))
		writeJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":   "usage cap reached",
			"reason":  string(d.Reason),
			"message": d.Message,
			"tier":    d.Tier,
		})
		return nil, false
	}

	estimatedTokens := req.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = defaultEstimatedTokens
	}

	keyLimit := auth.GetRateLimit(ctx)
	allowed, err := h.limiter.Allow(ctx, ownerID, keyLimit, estimatedTokens)
	if err != nil || !allowed {
		if err != nil {
			log.Warn().Err(err).Str("owner_id", ownerID).Msg("rate limiter error")
		}
		retry := h.retryAfter(ctx, ownerID, keyLimit)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":       "rate limit exceeded",
			"retry_after": retry,
		})
		return nil, false
	}

	selected, err := h.router.Route(ctx, req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	}
	if req.Model == "" {
		if models := selected.SupportedModels(); len(models) > 0 {
			req.Model = models[0]
		}
	}

	call := tracker.CallContext{
		IdempotencyKey: auth.GetIdempotencyKey(ctx),
		OwnerID:        ownerID,
		AgentID:        body.AgentID,
		Provider:       selected.Name(),
		Model:          req.Model,
		// one metered message per call; the history is context, not new messages
		Messages: 1,
		Params: map[string]any{
			"request_id": requestID,
		},
	}
	if keyID := auth.GetAPIKeyID(ctx); keyID != "" {
		call.Params["api_key_id"] = keyID
	}
	if body.Feature != nil && body.Feature.Request != nil {
		f := body.Feature.Request
		call.Feature = string(f.Type())
		if call.IdempotencyKey == "" {
			call.IdempotencyKey = f.IdempotencyKey()
		}
		if call.AgentID == "" {
			call.AgentID = f.Agent()
		}
		if raw, err := feature.Encode(f); err == nil {
			call.Params["feature_request"] = json.RawMessage(raw)
		}
	}

	if sid := h.session(ctx, r, ownerID, call.AgentID); sid != "" {
		ctx = session.WithSessionID(ctx, sid)
		w.Header().Set(sessionHeader, sid)
	}

	return &prepared{ctx: ctx, req: req, provider: selected, call: call}, true
}

// session picks the conversation session for the call. A client-supplied
// X-Session-ID wins and, when an agent is named, becomes that agent's
// session; otherwise the agent's current session is resolved or created.
func (h *Handler) session(ctx context.Context, r *http.Request, ownerID, agentID string) string {
	supplied := strings.TrimSpace(r.Header.Get(sessionHeader))
	if h.sessions == nil || agentID == "" {
		return supplied
	}
	logger := log.With().Str("owner_id", ownerID).Str("agent_id", agentID).Logger()

	if supplied != "" {
		if err := h.sessions.Set(ctx, ownerID, agentID, supplied); err != nil {
			logger.Warn().Err(err).Msg("failed to store client session")
		}
		return supplied
	}
	sid, err := h.sessions.Resolve(ctx, ownerID, agentID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to resolve session")
		return ""
	}
	return sid
}

// retryAfter returns whole seconds until the owner's window resets.
func (h *Handler) retryAfter(ctx context.Context, ownerID string, keyLimit int64) int {
	res, err := h.limiter.Status(ctx, ownerID, keyLimit)
	if err != nil || res.ResetAfter <= 0 {
		return defaultRetryAfterSeconds
	}
	return int(math.Ceil(res.ResetAfter.Seconds()))
}

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := auth.GetOwnerID(r.Context())
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return ownerID, true
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	summary, err := h.reports.Summary(r.Context(), ownerID, h.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	days := defaultHistoryDays
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'days' (must be an integer)")
			return
		}
		days = n
	}
	rows, err := h.reports.History(r.Context(), ownerID, days, h.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner_id": ownerID,
		"days":     rows,
	})
}

func (h *Handler) HandleBreakdown(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}

	// Default: last 30 days
	now := h.now()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
		to = t
	}

	groupBy := r.URL.Query().Get("group_by")
	if groupBy == "" {
		groupBy = "model"
	}

	rows, err := h.reports.Breakdown(r.Context(), ownerID, groupBy, from, to)
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidGroupBy) || errors.Is(err, reporting.ErrInvalidRange) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner_id": ownerID,
		"group_by": groupBy,
		"from":     from,
		"to":       to,
		"rows":     rows,
	})
}

func (h *Handler) HandleForecast(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	f, err := h.reports.Forecast(r.Context(), ownerID, h.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'limit' (must be an integer)")
			return
		}
		limit = n
	}
	alerts, err := h.reports.RecentAlerts(r.Context(), ownerID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []billing.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner_id": ownerID,
		"alerts":   alerts,
	})
}

func (h *Handler) HandleAckAlert(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "alert id is required")
		return
	}
	if err := h.reports.AcknowledgeAlert(r.Context(), ownerID, id); err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "acknowledged"})
}

func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	if h.sessions == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	agentID := chi.URLParam(r, "agent_id")
	sid, err := h.sessions.Get(r.Context(), ownerID, agentID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "session_id": sid})
}

// HandleResetSession drops the agent's session so the next call starts a
// new conversation.
func (h *Handler) HandleResetSession(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	if h.sessions != nil {
		if err := h.sessions.Delete(r.Context(), ownerID, chi.URLParam(r, "agent_id")); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routes mounts the authenticated endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/chat/completions", h.HandleComplete)
	r.Post("/v1/chat/completions/stream", h.HandleCompleteStream)
	r.Get("/v1/usage", h.HandleUsage)
	r.Get("/v1/usage/history", h.HandleHistory)
	r.Get("/v1/usage/breakdown", h.HandleBreakdown)
	r.Get("/v1/usage/forecast", h.HandleForecast)
	r.Get("/v1/alerts", h.HandleAlerts)
	r.Post("/v1/alerts/{id}/ack", h.HandleAckAlert)
	r.Get("/v1/sessions/{agent_id}", h.HandleGetSession)
	r.Delete("/v1/sessions/{agent_id}", h.HandleResetSession)
}
