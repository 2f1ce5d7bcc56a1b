package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cattybeo/inventory-dashboard/internal/cache"
	"github.com/cattybeo/inventory-dashboard/internal/domain"
	"github.com/cattybeo/inventory-dashboard/internal/mqtt"
	"github.com/cattybeo/inventory-dashboard/internal/service"
)

// StatusReporter exposes the broker connection state for the status endpoint.
type StatusReporter interface {
	Status() mqtt.Status
}

// Pinger verifies the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ProductHandler struct {
	productService *service.ProductService
	queryCache     *cache.QueryCache
	transport      StatusReporter
	store          Pinger
	logger         *zap.Logger
}

func NewProductHandler(productService *service.ProductService, queryCache *cache.QueryCache, transport StatusReporter, store Pinger, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{
		productService: productService,
		queryCache:     queryCache,
		transport:      transport,
		store:          store,
		logger:         logger,
	}
}

func (h *ProductHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/products", h.ListProducts)
		v1.POST("/products", h.CreateProduct)
		v1.GET("/products/:id", h.GetProduct)
		v1.PUT("/products/:id", h.UpdateProduct)
		v1.DELETE("/products/:id", h.DeleteProduct)
		v1.PUT("/products/:id/stock", h.SetStock)
		v1.GET("/products/:id/sales/daily", h.ProductDailySales)
		v1.GET("/dashboard/stats", h.DashboardStats)
		v1.GET("/sales/today", h.SalesToday)
		v1.GET("/mqtt/status", h.MQTTStatus)
		v1.GET("/health", h.Health)
	}
}

// ListProducts serves the cached product list; the cache is repopulated after
// the sale pipeline or an edit invalidates it.
func (h *ProductHandler) ListProducts(c *gin.Context) {
	products, err := h.queryCache.GetOrPopulate(cache.KeyProducts, func() (interface{}, error) {
		return h.productService.ListProducts(c.Request.Context())
	})
	if err != nil {
		h.logger.Error("Failed to list products", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list products",
		})
		return
	}

	c.JSON(http.StatusOK, products)
}

func (h *ProductHandler) CreateProduct(c *gin.Context) {
	var req domain.CreateProductRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request format",
		})
		return
	}

	product, err := h.productService.CreateProduct(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrRFIDInUse) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "RFID already assigned to another product",
			})
			return
		}

		h.logger.Error("Failed to create product",
			zap.String("sku", req.SKU),
			zap.Error(err))

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create product",
		})
		return
	}

	h.queryCache.Invalidate(cache.KeyProducts)
	c.JSON(http.StatusCreated, product)
}

func (h *ProductHandler) GetProduct(c *gin.Context) {
	productID := c.Param("id")

	product, err := h.productService.GetProduct(c.Request.Context(), productID)
	if err != nil {
		if errors.Is(err, service.ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Product not found",
			})
			return
		}

		h.logger.Error("Failed to get product",
			zap.String("product_id", productID),
			zap.Error(err))

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get product",
		})
		return
	}

	c.JSON(http.StatusOK, product)
}

func (h *ProductHandler) UpdateProduct(c *gin.Context) {
	productID := c.Param("id")

	var up domain.ProductUpdate
	if err := c.ShouldBindJSON(&up); err != nil {
		h.logger.Error("Invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request format",
		})
		return
	}

	product, err := h.productService.UpdateProduct(c.Request.Context(), productID, up)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrProductNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Product not found",
			})
		case errors.Is(err, service.ErrRFIDInUse):
			c.JSON(http.StatusConflict, gin.H{
				"error": "RFID already assigned to another product",
			})
		case errors.Is(err, service.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Stock changed since last read",
			})
		default:
			h.logger.Error("Failed to update product",
				zap.String("product_id", productID),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to update product",
			})
		}
		return
	}

	h.queryCache.Invalidate(cache.KeyProducts)
	c.JSON(http.StatusOK, product)
}

// SetStock is the direct edit path from the dashboard form. The write is
// unconditional and bypasses the sale pipeline's compare-and-set.
func (h *ProductHandler) SetStock(c *gin.Context) {
	productID := c.Param("id")

	var req domain.SetStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request format",
		})
		return
	}
	if *req.CurrentStock < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Stock must not be negative",
		})
		return
	}

	product, err := h.productService.SetStock(c.Request.Context(), productID, *req.CurrentStock)
	if err != nil {
		if errors.Is(err, service.ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Product not found",
			})
			return
		}

		h.logger.Error("Failed to set stock",
			zap.String("product_id", productID),
			zap.Error(err))

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to set stock",
		})
		return
	}

	h.queryCache.Invalidate(cache.KeyProducts, cache.KeySalesToday)
	c.JSON(http.StatusOK, product)
}

func (h *ProductHandler) DeleteProduct(c *gin.Context) {
	productID := c.Param("id")

	if err := h.productService.DeleteProduct(c.Request.Context(), productID); err != nil {
		if errors.Is(err, service.ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Product not found",
			})
			return
		}

		h.logger.Error("Failed to delete product",
			zap.String("product_id", productID),
			zap.Error(err))

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete product",
		})
		return
	}

	h.queryCache.Invalidate(cache.KeyProducts)
	c.Status(http.StatusNoContent)
}

func (h *ProductHandler) DashboardStats(c *gin.Context) {
	stats, err := h.productService.DashboardStats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to compute dashboard stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to compute dashboard stats",
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *ProductHandler) SalesToday(c *gin.Context) {
	sales, err := h.queryCache.GetOrPopulate(cache.KeySalesToday, func() (interface{}, error) {
		return h.productService.SalesToday(c.Request.Context())
	})
	if err != nil {
		h.logger.Error("Failed to aggregate today's sales", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to aggregate today's sales",
		})
		return
	}

	c.JSON(http.StatusOK, sales)
}

func (h *ProductHandler) ProductDailySales(c *gin.Context) {
	productID := c.Param("id")

	days := 7
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 90 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "days must be between 1 and 90",
			})
			return
		}
		days = parsed
	}

	series, err := h.productService.ProductDailySales(c.Request.Context(), productID, days)
	if err != nil {
		if errors.Is(err, service.ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Product not found",
			})
			return
		}

		h.logger.Error("Failed to query daily sales",
			zap.String("product_id", productID),
			zap.Error(err))

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to query daily sales",
		})
		return
	}

	c.JSON(http.StatusOK, series)
}

func (h *ProductHandler) MQTTStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.transport.Status())
}

func (h *ProductHandler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"store":  err.Error(),
			"mqtt":   h.transport.Status().StateName,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"mqtt":   h.transport.Status().StateName,
	})
}
