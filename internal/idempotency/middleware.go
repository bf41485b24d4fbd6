package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/metrics"
)

// HeaderKey is the request header carrying the client's key.
const HeaderKey = "Idempotency-Key"

// HeaderReplayed marks a response served from the cache.
const HeaderReplayed = "Idempotent-Replayed"

// MaxKeyLength bounds the header value.
const MaxKeyLength = 255

// bodyWriter tees the response body so it can be stored.
type bodyWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Middleware replays the stored response for a repeated Idempotency-Key.
// Requests without the header pass through. Responses with a 5xx status
// are not stored, so the client may retry them with the same key.
func Middleware(store *Store, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > MaxKeyLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": "Idempotency-Key is too long",
			})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Could not read request body",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		userID := auth.GetUserID(c)
		hash := requestHash(c.Request.Method, c.Request.URL.Path, body)

		rec, reserved, err := store.Reserve(userID, key, hash)
		if err != nil {
			logger.Error("idempotency reserve failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Internal server error",
			})
			return
		}

		if !reserved {
			switch {
			case rec.RequestHash != hash:
				c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
					"error":   "idempotency_key_reused",
					"message": "Idempotency-Key was used with a different request",
				})
			case rec.Pending():
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"error":   "request_in_progress",
					"message": "A request with this Idempotency-Key is still in progress",
				})
			default:
				metrics.IdempotentReplaysTotal.Inc()
				c.Header(HeaderReplayed, "true")
				c.Data(rec.Status, "application/json; charset=utf-8", rec.Body)
				c.Abort()
			}
			return
		}

		w := &bodyWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status >= http.StatusInternalServerError {
			if err := store.Release(userID, key); err != nil {
				logger.Error("idempotency release failed", "error", err)
			}
			return
		}
		if err := store.Complete(userID, key, status, w.buf.Bytes()); err != nil {
			logger.Error("idempotency complete failed", "error", err)
		}
	}
}
