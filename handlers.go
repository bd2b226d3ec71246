package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/NotVinay/stock-stream/finnhub"
	"github.com/NotVinay/stock-stream/stream"
)

// Response structure for API responses
type Response struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// ErrorResponse represents an error API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StreamStatus is the body of GET /api/v1/stream/status.
type StreamStatus struct {
	Enabled  bool          `json:"enabled"`
	Upstream stream.Status `json:"upstream"`
	Sessions int           `json:"sessions"`
	Dropped  int64         `json:"snapshotsDropped"`
}

type quoteFetcher interface {
	GetQuote(ctx context.Context, symbol string) (*finnhub.Quote, error)
}

// statusSource reports the upstream connection state.
type statusSource interface {
	Status() stream.Status
}

// apiHandler holds dependencies for HTTP handlers.
type apiHandler struct {
	quotes        quoteFetcher
	upstream      statusSource
	streamEnabled bool
	sessions      func() int
	dropped       func() int64
	logger        *zap.Logger
}

// sendError sends an error response.
func sendError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

// corsMiddleware handles CORS for the browser frontend.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	_, allowAll := allowed["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := allowed[origin]; origin != "" && (ok || allowAll) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// healthCheck handles GET /api/health.
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Message: "Stock Stream API is running",
		Status:  "healthy",
	})
}

// handleStockQuote handles GET /api/v1/stocks/quote/:symbol
// Gets quote for given stock symbol.
func (h *apiHandler) handleStockQuote(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		sendError(c, http.StatusBadRequest, "Stock symbol is required")
		return
	}

	quote, err := h.quotes.GetQuote(c.Request.Context(), symbol)
	if err != nil {
		h.logger.Error("Error fetching quote", zap.String("symbol", symbol), zap.Error(err))
		sendError(c, http.StatusInternalServerError, "Failed to fetch quote")
		return
	}

	c.JSON(http.StatusOK, quote)
}

// handleStreamStatus handles GET /api/v1/stream/status.
func (h *apiHandler) handleStreamStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StreamStatus{
		Enabled:  h.streamEnabled,
		Upstream: h.upstream.Status(),
		Sessions: h.sessions(),
		Dropped:  h.dropped(),
	})
}
