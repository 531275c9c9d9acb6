package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"dropshop/internal/auth"
	"dropshop/internal/models"
	"dropshop/internal/service"
	"dropshop/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles what the handlers call into
type Services struct {
	Orders      *service.OrderService
	Inventory   *service.InventoryService
	Fulfillment *service.FulfillmentService
	Reconciler  *service.Reconciler
}

// Handler contains HTTP handlers
type Handler struct {
	orders      *service.OrderService
	inventory   *service.InventoryService
	fulfillment *service.FulfillmentService
	reconciler  *service.Reconciler
	tokens      *auth.TokenSet
	ready       map[string]Pinger
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler. ready lists the dependencies the
// readiness probe pings; nil entries are skipped.
func NewHandler(svc Services, tokens *auth.TokenSet, ready map[string]Pinger) *Handler {
	return &Handler{
		orders:      svc.Orders,
		inventory:   svc.Inventory,
		fulfillment: svc.Fulfillment,
		reconciler:  svc.Reconciler,
		tokens:      tokens,
		ready:       ready,
		logger:      util.GetLogger(),
	}
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
		v1.GET("/products", h.listCatalog)
		v1.GET("/products/:id/stock", h.getStock)
		v1.POST("/orders", h.createOrder)
	}

	admin := v1.Group("/admin", operatorAuth(h.tokens))
	{
		admin.GET("/products", h.listProducts)
		admin.POST("/products", h.createProduct)
		admin.PATCH("/products/:id/availability", h.setAvailability)
		admin.POST("/products/:id/credentials", h.addCredential)
		admin.GET("/products/:id/credentials", h.listCredentials)
		admin.POST("/products/:id/reconcile", h.reconcileProduct)
		admin.POST("/reconcile", h.reconcileAll)

		admin.GET("/orders", h.listOrders)
		admin.GET("/orders/:id", h.getOrder)
		admin.PATCH("/orders/:id/status", h.setOrderStatus)
		admin.POST("/orders/:id/fulfill", h.fulfillOrder)
		admin.POST("/orders/:id/confirm-and-fulfill", h.confirmAndFulfill)

		admin.GET("/sales-summary", h.salesSummary)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ok := true
	for name, p := range h.ready {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			ok = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ok {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) listCatalog(c *gin.Context) {
	products, err := h.inventory.ListCatalog(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.inventory.ListProducts(c.Request.Context(), operator(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) getStock(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	view, err := h.inventory.GetStock(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, created, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	c.JSON(code, order)
}

func (h *Handler) createProduct(c *gin.Context) {
	var req service.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	product, err := h.inventory.CreateProduct(c.Request.Context(), operator(c), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

type availabilityRequest struct {
	Available *bool `json:"available" binding:"required"`
}

func (h *Handler) setAvailability(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := h.inventory.SetProductAvailability(c.Request.Context(), operator(c), id, *req.Available); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": id, "available": *req.Available})
}

func (h *Handler) addCredential(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var fields models.SecretFields
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	cred, err := h.inventory.AddCredential(c.Request.Context(), operator(c), id, fields)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cred)
}

func (h *Handler) listCredentials(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	creds, err := h.inventory.ListCredentials(c.Request.Context(), operator(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

func (h *Handler) reconcileProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := h.reconciler.Reconcile(c.Request.Context(), operator(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) reconcileAll(c *gin.Context) {
	corrections, err := h.reconciler.ReconcileAll(c.Request.Context(), operator(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"corrections": corrections})
}

func (h *Handler) listOrders(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	var status models.OrderStatus
	if raw := c.Query("status"); raw != "" {
		parsed, err := models.ParseOrderStatus(raw)
		if err != nil {
			h.writeError(c, err)
			return
		}
		status = parsed
	}

	orders, err := h.orders.ListOrders(c.Request.Context(), operator(c), status, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(c.Request.Context(), operator(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) setOrderStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	order, err := h.orders.SetOrderStatus(c.Request.Context(), operator(c), id, models.OrderStatus(req.Status))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) fulfillOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := h.fulfillment.Fulfill(c.Request.Context(), operator(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) confirmAndFulfill(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := h.fulfillment.ConfirmAndFulfill(c.Request.Context(), operator(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) salesSummary(c *gin.Context) {
	rows, err := h.orders.SalesSummary(c.Request.Context(), operator(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": rows})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return id, true
}

// writeError maps domain errors to HTTP statuses
func (h *Handler) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrOutOfStock), errors.Is(err, models.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, models.ErrOrderNotFound), errors.Is(err, models.ErrProductNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrConcurrencyConflict):
		code = http.StatusServiceUnavailable
		c.Header("Retry-After", "1")
	case errors.Is(err, models.ErrUnauthorized):
		code = http.StatusForbidden
	case errors.Is(err, models.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, models.ErrProductUnavailable):
		code = http.StatusUnprocessableEntity
	}

	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(code, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
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
