package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"seckill-service/internal/cache"
	"seckill-service/internal/models"
	"seckill-service/internal/service"
	"seckill-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// UserIDHeader carries the authenticated user. Authentication itself happens
// in front of this service.
const UserIDHeader = "X-User-ID"

const userIDKey = "user_id"

// Handler contains HTTP handlers
type Handler struct {
	orders   *service.VoucherOrderService
	vouchers *service.VoucherService
	shops    *service.ShopService
	ready    func(ctx context.Context) error
}

// NewHandler creates a new HTTP handler. ready may be nil.
func NewHandler(
	orders *service.VoucherOrderService,
	vouchers *service.VoucherService,
	shops *service.ShopService,
	ready func(ctx context.Context) error,
) *Handler {
	return &Handler{
		orders:   orders,
		vouchers: vouchers,
		shops:    shops,
		ready:    ready,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(util.GetLogger()))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/voucher-orders/seckill/:id", requireUser(), h.seckillVoucher)
		v1.GET("/orders/:id", h.getOrder)

		v1.POST("/vouchers/seckill", h.addSeckillVoucher)
		v1.GET("/vouchers/seckill/:id", h.getSeckillVoucher)

		v1.GET("/shops/:id", h.getShop)
		v1.GET("/shops/:id/hot", h.getHotShop)
		v1.POST("/shops/:id/warm", h.warmShop)
		v1.PUT("/shops", h.updateShop)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports whether the database and Redis answer
func (h *Handler) readinessCheck(c *gin.Context) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not ready",
				"details": err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// seckillVoucher handles a flash sale purchase attempt
func (h *Handler) seckillVoucher(c *gin.Context) {
	voucherID, ok := parseID(c, "Invalid voucher ID")
	if !ok {
		return
	}

	orderID, err := h.orders.PlaceOrder(c.Request.Context(), c.GetInt64(userIDKey), voucherID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": orderID,
	})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := parseID(c, "Invalid order ID")
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) addSeckillVoucher(c *gin.Context) {
	var req service.AddSeckillVoucherRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	v, err := h.vouchers.AddSeckillVoucher(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, v)
}

func (h *Handler) getSeckillVoucher(c *gin.Context) {
	voucherID, ok := parseID(c, "Invalid voucher ID")
	if !ok {
		return
	}

	v, err := h.vouchers.GetSeckillVoucher(c.Request.Context(), voucherID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, v)
}

func (h *Handler) getShop(c *gin.Context) {
	shopID, ok := parseID(c, "Invalid shop ID")
	if !ok {
		return
	}

	shop, err := h.shops.QueryByID(c.Request.Context(), shopID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, shop)
}

func (h *Handler) getHotShop(c *gin.Context) {
	shopID, ok := parseID(c, "Invalid shop ID")
	if !ok {
		return
	}

	shop, err := h.shops.QueryHotByID(c.Request.Context(), shopID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, shop)
}

func (h *Handler) warmShop(c *gin.Context) {
	shopID, ok := parseID(c, "Invalid shop ID")
	if !ok {
		return
	}

	if err := h.shops.Warm(c.Request.Context(), shopID); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) updateShop(c *gin.Context) {
	var shop models.Shop

	if err := c.ShouldBindJSON(&shop); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.shops.Update(c.Request.Context(), &shop); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, shop)
}

func parseID(c *gin.Context, msg string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": msg,
		})
		return 0, false
	}
	return id, true
}

// writeError maps service errors to status codes. Rejected purchase attempts
// carry a machine readable reason.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrOutOfStock):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "reason": "OUT_OF_STOCK"})
	case errors.Is(err, service.ErrDuplicateOrder):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "reason": "DUPLICATE_ORDER"})
	case errors.Is(err, service.ErrSeckillNotStarted):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "reason": "NOT_STARTED"})
	case errors.Is(err, service.ErrSeckillEnded):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "reason": "ENDED"})
	case errors.Is(err, service.ErrInvalidVoucher), errors.Is(err, service.ErrInvalidShop):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrVoucherNotFound),
		errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrShopNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, cache.ErrCacheUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
	default:
		util.GetLogger().Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// requireUser reads the caller's id from UserIDHeader
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.GetHeader(UserIDHeader), 10, 64)
		if err != nil || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or invalid " + UserIDHeader,
			})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
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
