package server

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/gin-gonic/gin"
	"github.com/promptgate/promptgate/internal/models"
	"github.com/promptgate/promptgate/internal/validator"
	"go.uber.org/zap"
)

// ==================== Public ====================

func (s *Server) root(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":    "operational",
		"service":   "promptgate",
		"version":   s.version,
		"timestamp": timestamp(s.clock()),
		"capabilities": []string{
			"extended thinking",
			"vision analysis",
			"code generation",
			"data analysis",
			"translation",
			"per-key rate limiting",
		},
		"models": models.ModelIDs(),
	})
}

// ==================== API (behind the gateway) ====================

func (s *Server) chat(c *gin.Context) {
	req := models.NewChatRequest()
	if !s.bindPayload(c, &req) {
		return
	}
	resp := generateChat(req, s.clock())
	c.Set(ctxOutputWords, resp.TokensUsed.Output)
	c.JSON(200, resp)
}

func (s *Server) vision(c *gin.Context) {
	req := models.NewVisionRequest()
	if !s.bindPayload(c, &req) {
		return
	}
	s.respondGenerated(c, generateVision(req, s.clock()))
}

func (s *Server) code(c *gin.Context) {
	req := models.NewCodeRequest()
	if !s.bindPayload(c, &req) {
		return
	}
	s.respondGenerated(c, generateCode(req, s.clock()))
}

func (s *Server) translate(c *gin.Context) {
	req := models.NewTranslateRequest()
	if !s.bindPayload(c, &req) {
		return
	}
	s.respondGenerated(c, generateTranslation(req, s.clock()))
}

func (s *Server) analyze(c *gin.Context) {
	req := models.NewAnalysisRequest()
	if !s.bindPayload(c, &req) {
		return
	}
	s.respondGenerated(c, generateAnalysis(req, s.clock()))
}

func (s *Server) configure(c *gin.Context) {
	req := models.NewConfigRequest()
	if !s.bindPayload(c, &req) {
		return
	}
	c.JSON(200, gin.H{
		"status":  "success",
		"message": "Configuration applied successfully",
		"settings": gin.H{
			"filter_level":  req.FilterLevel,
			"response_mode": req.ResponseMode,
			"caching":       req.EnableCaching,
			"rate_limit":    fmt.Sprintf("%d requests per %s", s.quotaOf(c), s.limiter.Window()),
		},
		"timestamp": timestamp(s.clock()),
	})
}

// stats reports live gateway counters and the caller's own window
func (s *Server) stats(c *gin.Context) {
	now := s.clock()
	key := apiKeyFrom(c)

	quota := gin.H{}
	if key != nil {
		snap := s.limiter.Snapshot(key.ID, key.Quota, now)
		quota = gin.H{
			"limit":     s.quotaOf(c),
			"used":      snap.Count,
			"remaining": snap.Remaining,
			"reset":     snap.ResetAt.Unix(),
		}
	}

	modelStatus := make(gin.H, len(models.Catalog))
	for _, m := range models.Catalog {
		modelStatus[m.ID] = gin.H{"status": "active", "latency_ms": m.LatencyMs}
	}

	c.JSON(200, gin.H{
		"status":    "operational",
		"timestamp": timestamp(now),
		"metrics": gin.H{
			"uptime_seconds": int64(now.Sub(s.startedAt).Seconds()),
			"decisions":      s.memStats.Total(),
			"active_windows": s.limiter.Len(),
		},
		"quota":  quota,
		"models": modelStatus,
		"features": gin.H{
			"reasoning": true,
			"vision":    true,
			"streaming": false,
			"caching":   true,
		},
	})
}

func (s *Server) listModels(c *gin.Context) {
	catalog := make(gin.H, len(models.Catalog))
	for _, m := range models.Catalog {
		catalog[m.ID] = gin.H{
			"max_tokens": m.MaxTokens,
			"thinking":   m.Thinking,
			"vision":     m.Vision,
		}
	}

	c.JSON(200, gin.H{
		"status":    "success",
		"models":    catalog,
		"default":   models.DefaultModel,
		"timestamp": timestamp(s.clock()),
	})
}

// ==================== Helpers ====================

func (s *Server) respondGenerated(c *gin.Context, resp gin.H) {
	c.Set(ctxOutputWords, outputWords(resp))
	c.JSON(200, resp)
}

// quotaOf is the effective quota of the admitted key
func (s *Server) quotaOf(c *gin.Context) int {
	if key := apiKeyFrom(c); key != nil {
		return key.QuotaOr(s.limiter.DefaultQuota())
	}
	return s.limiter.DefaultQuota()
}

// bindPayload fills dst, which already carries defaults, from the validated payload
func (s *Server) bindPayload(c *gin.Context, dst interface{}) bool {
	payload, _ := c.Get(ctxPayload)
	p, _ := payload.(validator.Payload)

	data, err := json.Marshal(normalizeNumbers(p))
	if err == nil {
		err = json.Unmarshal(data, dst)
	}
	if err != nil {
		s.logger.Error("Failed to bind validated payload", zap.Error(err))
		s.respondError(c, 500, "internal server error")
		return false
	}
	return true
}

// normalizeNumbers rewrites integral numbers such as 2000.0 to integers
// so they decode into int fields. Explicit nulls are dropped to keep defaults.
func normalizeNumbers(p validator.Payload) map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		switch n := v.(type) {
		case nil:
			continue
		case json.Number:
			if _, err := n.Int64(); err != nil {
				if f, err := n.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
					out[k] = int64(f)
					continue
				}
			}
			out[k] = n
		default:
			out[k] = v
		}
	}
	return out
}
