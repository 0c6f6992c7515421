package server

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/promptgate/promptgate/internal/gateway"
	"github.com/promptgate/promptgate/internal/logger"
	"github.com/promptgate/promptgate/internal/models"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/validator"
	"go.uber.org/zap"
)

// gin context keys
const (
	ctxRequestID   = "request_id"
	ctxAPIKey      = "api_key"
	ctxKeyPrefix   = "key_prefix"
	ctxPayload     = "payload"
	ctxQuota       = "quota"
	ctxInputWords  = "input_words"
	ctxOutputWords = "output_words"
)

// loggerMiddleware logs HTTP requests
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(ctxRequestID)),
		}
		if prefix := c.GetString(ctxKeyPrefix); prefix != "" {
			fields = append(fields, zap.String("key", prefix))
		}

		switch {
		case statusCode >= 500:
			s.logger.Error("HTTP Request", fields...)
		case statusCode >= 400:
			s.logger.Warn("HTTP Request", fields...)
		default:
			s.logger.Info("HTTP Request", fields...)
		}
	}
}

// requestIDMiddleware tags every request with an id, reusing a client supplied one
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// corsMiddleware handles CORS
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range s.cfg.Security.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin != "" {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			}
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-API-Key, X-Request-ID")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")
			c.Writer.Header().Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After, X-Request-ID")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// gatewayMiddleware admits a request to an API endpoint: key, then quota, then payload.
// The body is only read once the key and quota checks passed.
func (s *Server) gatewayMiddleware(endpoint validator.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractAPIKey(c)
		if raw != "" {
			c.Set(ctxKeyPrefix, logger.MaskKey(raw))
		}

		var inputWords int
		decode := func() (validator.Payload, error) {
			if c.Request.Body == nil {
				return validator.Payload{}, nil
			}
			body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Server.MaxBodyBytes))
			if err != nil {
				return nil, fmt.Errorf("request body exceeds %d bytes or could not be read", s.cfg.Server.MaxBodyBytes)
			}
			payload, err := validator.ParsePayload(body)
			if err != nil {
				return nil, err
			}
			inputWords = payloadWords(payload)
			return payload, nil
		}

		out := s.gateway.AdmitFunc(c.Request.Context(), raw, endpoint, decode, s.clock())
		setRateLimitHeaders(c, out.Quota)

		switch out.Kind {
		case gateway.Admitted:
		case gateway.Unauthorized:
			s.logger.Warn("Rejected API key",
				zap.String("key", logger.MaskKey(raw)),
				zap.String("client_ip", c.ClientIP()))
			s.respondError(c, 401, "invalid or missing API key")
			return
		case gateway.RateLimited:
			c.Header("Retry-After", strconv.FormatInt(retryAfterSeconds(out.RetryAfter()), 10))
			s.respondError(c, 429, fmt.Sprintf("rate limit of %d requests exceeded, retry after %d seconds",
				out.Quota.Limit, retryAfterSeconds(out.RetryAfter())))
			return
		case gateway.Invalid:
			s.respondError(c, 400, validator.Invalid(out.Field, out.Reason).Message())
			return
		default:
			s.logger.Error("Gateway fault", zap.String("endpoint", string(endpoint)), zap.Error(out.Err))
			s.respondError(c, 500, "internal server error")
			return
		}

		c.Set(ctxAPIKey, out.Key)
		c.Set(ctxPayload, out.Payload)
		c.Set(ctxQuota, out.Quota)

		c.Next()

		if c.Writer.Status() < 400 {
			s.usageStore.Record(out.Key.ID, s.clock(), int64(inputWords), int64(c.GetInt(ctxOutputWords)))
		}
	}
}

// extractAPIKey reads X-API-Key, falling back to a Bearer token
func extractAPIKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader("X-API-Key")); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func setRateLimitHeaders(c *gin.Context, d *ratelimit.Decision) {
	if d == nil {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// retryAfterSeconds rounds up so a client never retries early
func retryAfterSeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// payloadWords counts the words of every string in the payload
func payloadWords(p validator.Payload) int {
	n := 0
	for _, v := range p {
		if str, ok := v.(string); ok {
			n += len(strings.Fields(str))
		}
	}
	return n
}

// apiKeyFrom returns the key admitted by gatewayMiddleware
func apiKeyFrom(c *gin.Context) *models.APIKey {
	if v, ok := c.Get(ctxAPIKey); ok {
		if key, ok := v.(*models.APIKey); ok {
			return key
		}
	}
	return nil
}
