package broadcast

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse represents an error API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func sendError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

// errWriter remembers the first write error; sse.Encode does not report it.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

// SSEHandler handles GET /api/v1/stream/prices?symbols=AAPL,MSFT.
// It must be mounted behind the auth middleware.
func (b *Broadcaster) SSEHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbols := ParseSymbols(c.Query("symbols"))
		if len(symbols) == 0 {
			sendError(c, http.StatusBadRequest, ErrNoSymbols.Error())
			return
		}

		s, err := b.Open(c.Request.Context(), symbols)
		switch {
		case errors.Is(err, ErrTooManySymbols):
			sendError(c, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			sendError(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		defer b.Close(s)

		h := c.Writer.Header()
		h.Set("Content-Type", sse.ContentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		w := &errWriter{w: c.Writer}
		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.Done():
				return
			case m := <-s.Messages():
				if err := sse.Encode(w, sse.Event{Event: m.Event, Data: string(m.Data)}); err != nil || w.err != nil {
					s.logger.Debug("Client write failed", zap.Error(errors.Join(err, w.err)))
					return
				}
				c.Writer.Flush()
			}
		}
	}
}
