package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/isdmx/codepad/engine"
)

// jsonOverhead bounds the request body beyond the snippet itself
const jsonOverhead = 4096

type compileRequest struct {
	Code string `json:"code"`
}

// Compile handles POST /api/compile.
//
//	{"code": "fn main() { io.print(\"hi\"); }"}
//
// Snippet failures come back as 200 with success=false; only system errors give 500.
func (s *Server) Compile(c *gin.Context) {
	limit := int64(s.config.Server.MaxSourceBytes)
	// JSON escaping can grow the snippet up to six times
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 6*limit+jsonOverhead)

	var req compileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "Code exceeds the maximum allowed size"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}

	if req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "No code provided"})
		return
	}
	if int64(len(req.Code)) > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "Code exceeds the maximum allowed size"})
		return
	}

	result, err := s.compiler.CompileAndRun(c.Request.Context(), req.Code)
	if err != nil {
		var engineErr *engine.Error
		kind := engine.IsolationSpawnFailed
		if errors.As(err, &engineErr) {
			kind = engineErr.Kind
		}
		s.logger.Error("error during compilation", zap.Stringer("kind", kind), zap.Error(err))

		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"output":  "",
			"error":   "Server error during compilation",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Health handles GET /api/health
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backend": s.config.Sandbox.Backend})
}
