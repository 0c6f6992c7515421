package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/promptgate/promptgate/internal/models"
)

// respondError aborts the request with the error envelope, stamped by the server clock
func (s *Server) respondError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, models.ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		Timestamp: timestamp(s.clock()),
	})
}

// timestamp formats t as ISO 8601 in UTC
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
