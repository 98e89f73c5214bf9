package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/gatekit/internal/pkg/response"
	"github.com/Wei-Shaw/gatekit/internal/service"
)

// DemoHandler exposes one endpoint per toolkit stage so every interceptor can
// be exercised from the outside.
type DemoHandler struct {
	demoService *service.DemoService
}

func NewDemoHandler(demoService *service.DemoService) *DemoHandler {
	return &DemoHandler{demoService: demoService}
}

// Cache returns a stable value per customer id while the cache entry lives.
// GET /api/demo/cache?customer_id=42
func (h *DemoHandler) Cache(c *gin.Context) {
	customerID, err := strconv.ParseInt(c.Query("customer_id"), 10, 64)
	if err != nil || customerID <= 0 {
		response.BadRequest(c, "customer_id must be a positive integer")
		return
	}

	result, err := h.demoService.CachedCustomerView(c.Request.Context(), customerID)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}

// Idempotent accepts a payment exactly once per X-Idempotency-Key.
// POST /api/demo/idempotent
func (h *DemoHandler) Idempotent(c *gin.Context) {
	var req service.DemoPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	result, err := h.demoService.IdempotentPayment(c.Request.Context(), req)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}

// RateLimited trips the limiter after two quick calls per subject.
// GET /api/demo/ratelimited
func (h *DemoHandler) RateLimited(c *gin.Context) {
	result, err := h.demoService.RateLimitedPing(c.Request.Context())
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}

// Retry fails transiently failTimes times, then succeeds.
// GET /api/demo/retry?failTimes=2
func (h *DemoHandler) Retry(c *gin.Context) {
	failTimes, err := strconv.Atoi(c.DefaultQuery("failTimes", "2"))
	if err != nil || failTimes < 0 || failTimes > 10 {
		response.BadRequest(c, "failTimes must be between 0 and 10")
		return
	}

	result, err := h.demoService.RetryDemo(c.Request.Context(), failTimes)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}
