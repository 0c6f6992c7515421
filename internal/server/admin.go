package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/promptgate/promptgate/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// adminSubject is the subject of every admin session token
const adminSubject = "admin"

var errAdminToken = errors.New("invalid admin token")

// ==================== Admin sessions ====================

// signingKey is the configured JWT secret, or one derived from the admin password
func (s *Server) signingKey() []byte {
	if s.cfg.Security.JWTSecret != "" {
		return []byte(s.cfg.Security.JWTSecret)
	}
	sum := sha256.Sum256([]byte("promptgate-admin-" + s.cfg.Security.AdminPassword))
	return sum[:]
}

func (s *Server) issueAdminToken(now time.Time) (string, time.Time, error) {
	expires := now.Add(s.cfg.Security.AdminTokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey())
	return token, expires, err
}

func (s *Server) parseAdminToken(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errAdminToken, err)
	}
	if !token.Valid || claims.Subject != adminSubject {
		return nil, errAdminToken
	}
	return claims, nil
}

// adminTokenFrom reads X-Admin-Token, falling back to a Bearer token
func adminTokenFrom(c *gin.Context) string {
	if token := c.GetHeader("X-Admin-Token"); token != "" {
		return token
	}
	auth := c.GetHeader("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	return ""
}

// adminAuthMiddleware checks admin authentication
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := adminTokenFrom(c)
		if token == "" {
			s.respondError(c, 401, "admin token required")
			return
		}

		if _, err := s.parseAdminToken(token); err != nil {
			s.logger.Warn("Invalid admin token attempt",
				zap.String("client_ip", c.ClientIP()),
				zap.Error(err))
			s.respondError(c, 401, "invalid admin token")
			return
		}

		c.Next()
	}
}

// loginThrottle limits admin login attempts per client IP
type loginThrottle struct {
	mu       sync.Mutex
	limiters map[string]*loginEntry
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
}

type loginEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLoginThrottle(rps float64, burst int) *loginThrottle {
	if burst <= 0 {
		burst = 1
	}
	return &loginThrottle{
		limiters: make(map[string]*loginEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  15 * time.Minute,
	}
}

func (t *loginThrottle) allow(ip string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Sweep idle entries once the map grows
	if len(t.limiters) > 1024 {
		cutoff := now.Add(-t.idleTTL)
		for k, ent := range t.limiters {
			if ent.lastSeen.Before(cutoff) {
				delete(t.limiters, k)
			}
		}
	}

	ent, ok := t.limiters[ip]
	if !ok {
		ent = &loginEntry{lim: rate.NewLimiter(t.rps, t.burst)}
		t.limiters[ip] = ent
	}
	ent.lastSeen = now
	return ent.lim.AllowN(now, 1)
}

// ==================== Admin authentication ====================

func (s *Server) adminLogin(c *gin.Context) {
	if !s.logins.allow(c.ClientIP(), time.Now()) {
		s.logger.Warn("Admin login throttled", zap.String("client_ip", c.ClientIP()))
		s.respondError(c, 429, "too many login attempts")
		return
	}

	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, 400, "password is required")
		return
	}

	if s.cfg.Security.AdminPassword == "" ||
		subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.Security.AdminPassword)) != 1 {
		s.logger.Warn("Failed login attempt", zap.String("client_ip", c.ClientIP()))
		s.respondError(c, 401, "invalid password")
		return
	}

	token, expires, err := s.issueAdminToken(time.Now())
	if err != nil {
		s.logger.Error("Failed to sign admin token", zap.Error(err))
		s.respondError(c, 500, "internal server error")
		return
	}

	s.logger.Info("Admin logged in successfully", zap.String("client_ip", c.ClientIP()))
	c.JSON(200, gin.H{
		"success":   true,
		"token":     token,
		"expiresAt": expires.Unix(),
	})
}

func (s *Server) adminVerify(c *gin.Context) {
	claims, err := s.parseAdminToken(adminTokenFrom(c))
	if err != nil {
		c.JSON(401, gin.H{"valid": false})
		return
	}
	c.JSON(200, gin.H{"valid": true, "expiresAt": claims.ExpiresAt.Unix()})
}

// ==================== Key management ====================

func (s *Server) listKeys(c *gin.Context) {
	now := s.clock()
	keys := s.keyStore.List()

	out := make([]gin.H, 0, len(keys))
	for _, key := range keys {
		quota := key.QuotaOr(s.limiter.DefaultQuota())
		snap := s.limiter.Snapshot(key.ID, quota, now)
		out = append(out, gin.H{
			"id":        key.ID,
			"name":      key.Name,
			"keyPrefix": key.KeyPrefix,
			"createdAt": key.CreatedAt,
			"active":    key.Active,
			"quota":     quota,
			"revokedAt": key.RevokedAt,
			"window": gin.H{
				"used":      snap.Count,
				"remaining": snap.Remaining,
				"reset":     snap.ResetAt.Unix(),
			},
		})
	}

	c.JSON(200, gin.H{"keys": out})
}

func (s *Server) createKey(c *gin.Context) {
	var req struct {
		Name  string `json:"name"`
		Quota int    `json:"quota"`
	}
	// An empty body creates an unnamed key with the default quota
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(c, 400, "invalid request body")
		return
	}
	if req.Quota < 0 {
		s.respondError(c, 400, "quota must not be negative")
		return
	}

	key, raw, err := s.keyStore.Provision(req.Name, req.Quota)
	if err != nil {
		s.logger.Error("Failed to provision API key", zap.Error(err))
		s.respondError(c, 500, "failed to create key")
		return
	}

	s.logger.Info("API key created", zap.String("key_id", key.ID), zap.String("name", key.Name))
	// The raw key is only ever returned here
	c.JSON(201, gin.H{
		"id":        key.ID,
		"name":      key.Name,
		"key":       raw,
		"keyPrefix": key.KeyPrefix,
		"quota":     key.QuotaOr(s.limiter.DefaultQuota()),
		"createdAt": key.CreatedAt,
	})
}

func (s *Server) revokeKey(c *gin.Context) {
	key, err := s.keyStore.Revoke(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			s.respondError(c, 404, "key not found")
			return
		}
		s.logger.Error("Failed to revoke API key", zap.Error(err))
		s.respondError(c, 500, "failed to revoke key")
		return
	}

	s.limiter.Reset(key.ID)
	s.logger.Info("API key revoked", zap.String("key_id", key.ID))
	c.JSON(200, gin.H{"success": true, "id": key.ID, "revokedAt": key.RevokedAt})
}

// resetKey clears the key's current rate limit window
func (s *Server) resetKey(c *gin.Context) {
	key, err := s.keyStore.Get(c.Param("id"))
	if err != nil {
		s.respondError(c, 404, "key not found")
		return
	}

	cleared := s.limiter.Reset(key.ID)
	s.logger.Info("Rate limit window reset", zap.String("key_id", key.ID), zap.Bool("had_window", cleared))
	c.JSON(200, gin.H{"success": true, "id": key.ID, "cleared": cleared})
}

// ==================== Usage and stats ====================

func (s *Server) getUsage(c *gin.Context) {
	days := 7
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 365 {
			s.respondError(c, 400, "days must be between 1 and 365")
			return
		}
		days = n
	}

	records, err := s.usageStore.History(c.Query("key"), days, s.clock())
	if err != nil {
		s.logger.Error("Failed to read usage history", zap.Error(err))
		s.respondError(c, 500, "failed to read usage")
		return
	}

	var requests, input, output int64
	for _, r := range records {
		requests += r.RequestCount
		input += r.InputWords
		output += r.OutputWords
	}

	c.JSON(200, gin.H{
		"days":    days,
		"records": records,
		"summary": gin.H{
			"totalRequests": requests,
			"inputWords":    input,
			"outputWords":   output,
		},
	})
}

func (s *Server) getStats(c *gin.Context) {
	now := s.clock()
	total, active := s.keyStore.Count()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	resp := gin.H{
		"keys": gin.H{
			"total":  total,
			"active": active,
		},
		"decisions":     s.memStats.Total(),
		"byEndpoint":    s.memStats.ByEndpoint(),
		"byKey":         s.memStats.ByKey(),
		"activeWindows": s.limiter.Len(),
		"uptimeSeconds": int64(now.Sub(s.startedAt).Seconds()),
		"memoryAlloc":   fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
		"numGoroutine":  runtime.NumGoroutine(),
	}

	// Shared counters cover every instance writing to the same Redis
	if s.totals != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		shared, err := s.totals.Totals(ctx)
		if err != nil {
			s.logger.Warn("Failed to read shared stats", zap.Error(err))
			resp["sharedError"] = "shared stats unavailable"
		} else {
			resp["sharedDecisions"] = shared
		}
	}

	c.JSON(200, resp)
}

// ==================== Logs ====================

func (s *Server) getLogs(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	level := zapcore.DebugLevel
	if v := c.Query("level"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			s.respondError(c, 400, "unknown log level")
			return
		}
	}

	c.JSON(200, gin.H{"logs": s.logs.GetRecent(limit, level)})
}

func (s *Server) clearLogs(c *gin.Context) {
	s.logs.Clear()
	c.JSON(200, gin.H{"success": true})
}
