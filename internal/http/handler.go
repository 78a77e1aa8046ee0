package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"parking-service/internal/domain/parking"
	"parking-service/internal/domain/payment"
	"parking-service/internal/gateway/square"
	"parking-service/internal/service"
)

type SessionService interface {
	GetSession(ctx context.Context, id int64) (*service.SessionDetail, error)
	ListSessions(ctx context.Context, lot, plate, status string, limit, offset int) ([]parking.Session, error)
	Stats(ctx context.Context, lot string) (*parking.SessionStats, error)
	InitiatePayment(ctx context.Context, id int64, deviceID string) (*service.TransitionResult, error)
	ResendDisplay(ctx context.Context, id int64, deviceID string) (*parking.Session, error)
}

type PaymentService interface {
	Apply(ctx context.Context, ev payment.StatusEvent) (*service.ReconcileResult, error)
	GetIntent(ctx context.Context, id int64) (*payment.Intent, error)
	FindIntent(ctx context.Context, checkoutID, orderID, paymentID string) (*payment.Intent, error)
	ListIntents(ctx context.Context, sessionID int64) ([]payment.Intent, error)
}

// HealthCheck reports whether backing stores are reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	sessions SessionService
	payments PaymentService
	verifier *square.Verifier
	health   HealthCheck
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

func NewHandler(
	sessions SessionService,
	payments PaymentService,
	verifier *square.Verifier,
	health HealthCheck,
	gatherer prometheus.Gatherer,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		sessions: sessions,
		payments: payments,
		verifier: verifier,
		health:   health,
		gatherer: gatherer,
		log:      log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.healthz)
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.POST("/webhooks/square", h.squareWebhook)
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.GET("/sessions", h.listSessions)
		protected.GET("/sessions/stats", h.sessionStats)
		protected.GET("/sessions/:id", h.getSession)
		protected.POST("/sessions/:id/initiate-payment", h.initiatePayment)
		protected.POST("/sessions/:id/display", h.resendDisplay)

		protected.GET("/payment-intents", h.findPaymentIntents)
		protected.GET("/payment-intents/:id", h.getPaymentIntent)
	}
}

func (h *Handler) healthz(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.log.Warn().Err(err).Msg("health check failed")
			c.JSON(http.StatusServiceUnavailable, errorResponse("unhealthy"))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) squareWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("unreadable body"))
		return
	}

	if h.verifier.Enabled() {
		if err := h.verifier.Verify(body, c.Request.Header, requestURL(c.Request)); err != nil {
			h.log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("webhook signature rejected")
			c.JSON(http.StatusUnauthorized, errorResponse("invalid signature"))
			return
		}
	}

	ev, err := square.ParseEvent(body)
	if err != nil {
		if errors.Is(err, square.ErrIgnoredEvent) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		h.log.Warn().Err(err).Msg("webhook payload rejected")
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	res, err := h.payments.Apply(c.Request.Context(), *ev)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
		// A 5xx makes the gateway redeliver; reapplying is harmless.
		h.log.Error().Err(err).Str("event_id", ev.EventID).Msg("failed to apply payment event")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"outcome":   res.Outcome,
		"intent_id": res.Intent.ID,
		"paid":      res.Paid,
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	sessions, err := h.sessions.ListSessions(
		c.Request.Context(),
		strings.TrimSpace(c.Query("lot")),
		strings.TrimSpace(c.Query("plate")),
		strings.TrimSpace(c.Query("status")),
		limit,
		offset,
	)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(sessions))
}

func (h *Handler) getSession(c *gin.Context) {
	id, ok := pathID(c, "invalid session id")
	if !ok {
		return
	}

	detail, err := h.sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(detail))
}

func (h *Handler) sessionStats(c *gin.Context) {
	stats, err := h.sessions.Stats(c.Request.Context(), c.Query("lot"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(stats))
}

type channelResult struct {
	OK         bool   `json:"ok"`
	IntentID   int64  `json:"intent_id,omitempty"`
	PaymentURL string `json:"payment_url,omitempty"`
	Error      string `json:"error,omitempty"`
}

func toChannelResult(o service.ChannelOutcome) channelResult {
	res := channelResult{OK: o.OK, PaymentURL: o.PaymentURL}
	if o.Intent != nil {
		res.IntentID = o.Intent.ID
	}
	if o.Err != nil {
		res.Error = o.Err.Error()
	}
	return res
}

func (h *Handler) initiatePayment(c *gin.Context) {
	id, ok := pathID(c, "invalid session id")
	if !ok {
		return
	}

	res, err := h.sessions.InitiatePayment(c.Request.Context(), id, strings.TrimSpace(c.Query("payment_device_id")))
	if err != nil {
		h.handleError(c, err)
		return
	}

	status := http.StatusOK
	if !res.Payment.AnySucceeded() {
		status = http.StatusBadGateway
	}
	c.JSON(status, successResponse(gin.H{
		"session":  res.Session,
		"terminal": toChannelResult(res.Payment.Terminal),
		"online":   toChannelResult(res.Payment.Online),
	}))
}

func (h *Handler) resendDisplay(c *gin.Context) {
	id, ok := pathID(c, "invalid session id")
	if !ok {
		return
	}

	sess, err := h.sessions.ResendDisplay(c.Request.Context(), id, strings.TrimSpace(c.Query("device_id")))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(sess))
}

func (h *Handler) findPaymentIntents(c *gin.Context) {
	ctx := c.Request.Context()

	if sid := strings.TrimSpace(c.Query("session_id")); sid != "" {
		sessionID, err := strconv.ParseInt(sid, 10, 64)
		if err != nil || sessionID <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse("invalid session id"))
			return
		}
		intents, err := h.payments.ListIntents(ctx, sessionID)
		if err != nil {
			h.handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, successResponse(intents))
		return
	}

	intent, err := h.payments.FindIntent(ctx,
		strings.TrimSpace(c.Query("checkout_id")),
		strings.TrimSpace(c.Query("order_id")),
		strings.TrimSpace(c.Query("payment_id")),
	)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse([]payment.Intent{*intent}))
}

func (h *Handler) getPaymentIntent(c *gin.Context) {
	id, ok := pathID(c, "invalid payment intent id")
	if !ok {
		return
	}

	intent, err := h.payments.GetIntent(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(intent))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

// requestURL rebuilds the URL the caller used, honouring proxy headers.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func pathID(c *gin.Context, message string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse(message))
		return 0, false
	}
	return id, true
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
