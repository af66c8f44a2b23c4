package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"iap-coordinator/internal/models"
	"iap-coordinator/internal/payload"
	"iap-coordinator/internal/service"
	"iap-coordinator/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Billing is the part of the coordinator served over HTTP
type Billing interface {
	PurchaseProduct(ctx context.Context, sku, developerPayload string) error
	PurchaseSubscription(ctx context.Context, sku, developerPayload string) error
	ConsumeProduct(ctx context.Context, sku string) error
	RestoreTransactions(ctx context.Context) error
	QueryInventory(ctx context.Context, skus []string) error
	State() service.State
	Pending() (models.OperationKind, bool)
	StoreName() string
	Inventory() models.Inventory
	SkuDetails(sku string) (models.SkuDetails, bool)
	Entitlements() []string
	AreSubscriptionsSupported() bool
}

// Handler contains HTTP handlers
type Handler struct {
	billing  Billing
	payloads payload.Registry
	limiter  *RateLimiter
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. payloads and limiter may be nil.
func NewHandler(billing Billing, payloads payload.Registry, limiter *RateLimiter) *Handler {
	return &Handler{
		billing:  billing,
		payloads: payloads,
		limiter:  limiter,
		logger:   util.Named("api"),
	}
}

// PurchaseRequest starts a purchase
type PurchaseRequest struct {
	Sku              string `json:"sku" binding:"required"`
	DeveloperPayload string `json:"developer_payload"`
	Subscription     bool   `json:"subscription"`
}

// ConsumeRequest consumes an owned product
type ConsumeRequest struct {
	Sku string `json:"sku" binding:"required"`
}

// QueryRequest refreshes ownership of some SKUs, or all when empty
type QueryRequest struct {
	Skus []string `json:"skus"`
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		purchases := v1.Group("")
		if h.limiter != nil {
			purchases.Use(h.limiter.Middleware())
		}
		purchases.POST("/purchases", h.purchase)
		purchases.POST("/consumptions", h.consume)
		purchases.POST("/restore", h.restore)

		v1.POST("/inventory/query", h.queryInventory)
		v1.GET("/inventory", h.getInventory)
		v1.GET("/inventory/:sku", h.getSkuDetails)
		v1.GET("/entitlements", h.getEntitlements)
		v1.GET("/state", h.getState)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once the store connection is up
func (h *Handler) readinessCheck(c *gin.Context) {
	state := h.billing.State()
	switch state {
	case service.StateUninitialized, service.StateInitializing, service.StateDisposed:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"state":  state.String(),
			"time":   time.Now().Unix(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"state":  state.String(),
		"time":   time.Now().Unix(),
	})
}

// purchase starts a product or subscription purchase
func (h *Handler) purchase(c *gin.Context) {
	ctx, span := util.StartSpan(c.Request.Context(), "API.Purchase")
	defer span.End()

	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.DeveloperPayload == "" && h.payloads != nil {
		p, err := h.payloads.Issue(ctx, req.Sku)
		if err != nil {
			h.logger.Error("Failed to issue developer payload", zap.String("sku", req.Sku), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to issue developer payload",
				"details": err.Error(),
			})
			return
		}
		req.DeveloperPayload = p
	}

	var err error
	if req.Subscription {
		err = h.billing.PurchaseSubscription(ctx, req.Sku, req.DeveloperPayload)
	} else {
		err = h.billing.PurchaseProduct(ctx, req.Sku, req.DeveloperPayload)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":            "accepted",
		"sku":               req.Sku,
		"developer_payload": req.DeveloperPayload,
	})
}

// consume consumes an owned product
func (h *Handler) consume(c *gin.Context) {
	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.billing.ConsumeProduct(c.Request.Context(), req.Sku); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "sku": req.Sku})
}

// restore replays owned purchases
func (h *Handler) restore(c *gin.Context) {
	if err := h.billing.RestoreTransactions(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// queryInventory refreshes ownership
func (h *Handler) queryInventory(c *gin.Context) {
	var req QueryRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}

	if err := h.billing.QueryInventory(c.Request.Context(), req.Skus); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "skus": req.Skus})
}

func (h *Handler) getInventory(c *gin.Context) {
	c.JSON(http.StatusOK, h.billing.Inventory())
}

// getSkuDetails returns the store listing of one SKU and its purchase if owned
func (h *Handler) getSkuDetails(c *gin.Context) {
	sku := c.Param("sku")
	details, ok := h.billing.SkuDetails(sku)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no details for sku", "sku": sku})
		return
	}

	resp := gin.H{"details": details}
	if p, owned := h.billing.Inventory().Purchases[sku]; owned {
		resp["purchase"] = p
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getEntitlements(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entitlements": h.billing.Entitlements()})
}

func (h *Handler) getState(c *gin.Context) {
	resp := gin.H{
		"state":                   h.billing.State().String(),
		"store_name":              h.billing.StoreName(),
		"subscriptions_supported": h.billing.AreSubscriptionsSupported(),
	}
	if kind, ok := h.billing.Pending(); ok {
		resp["pending"] = kind
	}
	c.JSON(http.StatusOK, resp)
}

// writeError maps coordinator errors to HTTP statuses
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, models.ErrOperationInProgress):
		status = http.StatusConflict
	case errors.Is(err, models.ErrNotReady):
		status = http.StatusServiceUnavailable
	case errors.Is(err, models.ErrCoordinatorDisposed):
		status = http.StatusGone
	case errors.Is(err, models.ErrUnknownSku), errors.Is(err, models.ErrNotOwned):
		status = http.StatusBadRequest
	default:
		h.logger.Error("Billing request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
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
