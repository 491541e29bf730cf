package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"escrow-service/internal/models"
	"escrow-service/internal/resilience"
	"escrow-service/internal/service"
	"escrow-service/internal/strategy"
	"escrow-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Handler contains HTTP handlers
type Handler struct {
	payments *service.PaymentService
	bridge   *service.BridgeService
	registry *strategy.Registry
	engine   *strategy.Engine
	executor *resilience.Executor
}

// NewHandler creates a new HTTP handler
func NewHandler(
	payments *service.PaymentService,
	bridge *service.BridgeService,
	registry *strategy.Registry,
	engine *strategy.Engine,
	executor *resilience.Executor,
) *Handler {
	return &Handler{
		payments: payments,
		bridge:   bridge,
		registry: registry,
		engine:   engine,
		executor: executor,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments", h.createPayment)
		v1.GET("/payments", h.listPayments)
		v1.GET("/payments/:id", h.getPayment)
		v1.GET("/payments/:id/events", h.getPaymentEvents)
		v1.POST("/payments/:id/confirm", h.confirmPayment)
		v1.POST("/payments/:id/yield", h.accrueYield)
		v1.POST("/payments/:id/release", h.releasePayment)
		v1.POST("/payments/:id/cancel", h.cancelPayment)

		v1.POST("/bridge", h.initiateBridge)
		v1.GET("/bridge/:id", h.getBridge)
		v1.POST("/bridge/:id/validate", requireRole("validator"), h.validateBridge)
		v1.POST("/bridge/:id/complete", requireRole("operator"), h.completeBridge)
		v1.POST("/bridge/:id/refund", h.refundBridge)
		v1.POST("/bridge/:id/fail", requireRole("operator"), h.failBridge)

		v1.GET("/strategies", h.listStrategies)
		v1.GET("/allocations", h.getAllocations)
		v1.GET("/allocations/target", h.computeTarget)
		v1.POST("/allocations/rebalance", requireRole("operator"), h.rebalance)
		v1.POST("/strategies/harvest", requireRole("operator"), h.harvest)
	}
}

// healthCheck reports liveness plus the per-protocol breaker snapshot.
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"time":     time.Now().Unix(),
		"services": h.executor.HealthSnapshot(),
		"breakers": h.executor.BreakerSnapshot(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) createPayment(c *gin.Context) {
	var req service.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	payment, err := h.payments.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

func (h *Handler) getPayment(c *gin.Context) {
	payment, err := h.payments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) listPayments(c *gin.Context) {
	merchant := c.Query("merchant")
	if merchant == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "merchant query parameter required"})
		return
	}
	payments, err := h.payments.ListByMerchant(c.Request.Context(), merchant)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (h *Handler) getPaymentEvents(c *gin.Context) {
	events, err := h.payments.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) confirmPayment(c *gin.Context) {
	var req service.ConfirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	payment, err := h.payments.ConfirmDeposit(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) accrueYield(c *gin.Context) {
	payment, err := h.payments.AccrueYield(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) releasePayment(c *gin.Context) {
	merchant := c.GetHeader("X-Merchant-Address")
	if merchant == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "X-Merchant-Address header required"})
		return
	}

	payment, err := h.payments.Release(c.Request.Context(), c.Param("id"), merchant)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) cancelPayment(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by caller"
	}

	payment, err := h.payments.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) initiateBridge(c *gin.Context) {
	var req service.InitiateBridgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	tx, err := h.bridge.Initiate(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (h *Handler) getBridge(c *gin.Context) {
	tx, err := h.bridge.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) validateBridge(c *gin.Context) {
	validator := c.GetHeader("X-Validator-Id")
	if validator == "" {
		validator = "validator"
	}

	tx, err := h.bridge.Validate(c.Request.Context(), c.Param("id"), validator)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) completeBridge(c *gin.Context) {
	var req struct {
		Proof string `json:"proof"`
	}
	_ = c.ShouldBindJSON(&req)

	tx, err := h.bridge.Complete(c.Request.Context(), c.Param("id"), req.Proof)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) refundBridge(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason required", "details": err.Error()})
		return
	}

	tx, err := h.bridge.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) failBridge(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason required", "details": err.Error()})
		return
	}

	tx, err := h.bridge.Fail(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) listStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": h.registry.All()})
}

func (h *Handler) getAllocations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"weights_bp": h.engine.CurrentWeights()})
}

func (h *Handler) computeTarget(c *gin.Context) {
	pool, err := decimal.NewFromString(c.DefaultQuery("pool", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pool"})
		return
	}
	tolerance := strategy.RiskTolerance(c.DefaultQuery("risk_tolerance", string(strategy.RiskModerate)))

	target, err := h.engine.ComputeTargetAllocation(pool, tolerance)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"target_bp":       target,
		"needs_rebalance": h.engine.NeedsRebalance(target),
	})
}

func (h *Handler) rebalance(c *gin.Context) {
	var req struct {
		Allocations map[string]int64 `json:"allocations" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := h.engine.Rebalance(c.Request.Context(), req.Allocations, "manual"); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"weights_bp": h.engine.CurrentWeights()})
}

func (h *Handler) harvest(c *gin.Context) {
	results := h.engine.HarvestAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// requireRole gates an endpoint on the X-Role header. Real authentication is
// out of scope; this only separates the validator/operator surfaces.
func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Role") != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role " + role + " required"})
			return
		}
		c.Next()
	}
}

// respondError maps the error taxonomy to HTTP status codes.
func respondError(c *gin.Context, err error) {
	var (
		validationErr     *models.ValidationError
		stateErr          *models.InvalidStateError
		tokenErr          *models.UnsupportedTokenError
		chainErr          *models.UnsupportedChainError
		expiredErr        *models.ExpiredError
		externalErr       *models.ExternalServiceError
		reconciliationErr *models.ReconciliationRequiredError
	)

	switch {
	case errors.As(err, &validationErr), errors.As(err, &tokenErr), errors.As(err, &chainErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &stateErr), errors.Is(err, models.ErrRebalanceCooldownActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &expiredErr):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrServiceUnavailable):
		c.Header("Retry-After", "60")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &reconciliationErr):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "operation requires manual reconciliation",
			"reference": reconciliationErr.ID,
		})
	case errors.As(err, &externalErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
