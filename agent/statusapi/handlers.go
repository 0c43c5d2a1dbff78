package statusapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ctolnik/activity-agent/agent/idle"
	"github.com/ctolnik/activity-agent/zapctx"
)

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) statusHandler(c *gin.Context) {
	if s.cfg.Status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Status unavailable"})
		return
	}

	ctx := c.Request.Context()
	status, err := s.cfg.Status(ctx)
	if err != nil {
		zapctx.Error(ctx, "Failed to build status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get status"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) listAnnotationsHandler(c *gin.Context) {
	prompts := []idle.Prompt{}
	if s.cfg.Prompts != nil {
		prompts = append(prompts, s.cfg.Prompts.Pending()...)
	}
	c.JSON(http.StatusOK, gin.H{"reasons": idle.Reasons, "pending": prompts})
}

func (s *Server) answerAnnotationHandler(c *gin.Context) {
	id := c.Param("id")
	if s.cfg.Prompts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Prompt not found"})
		return
	}

	var ann idle.Annotation
	if err := c.ShouldBindJSON(&ann); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	err := s.cfg.Prompts.Answer(id, ann)
	switch {
	case errors.Is(err, idle.ErrInvalidReason):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown reason", "reasons": idle.Reasons})
		return
	case errors.Is(err, idle.ErrPromptNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Prompt not found"})
		return
	case err != nil:
		zapctx.Error(c.Request.Context(), "Failed to answer prompt", zap.String("prompt_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to answer prompt"})
		return
	}

	zapctx.Info(c.Request.Context(), "Idle session annotated",
		zap.String("prompt_id", id),
		zap.String("reason", ann.Reason),
	)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
