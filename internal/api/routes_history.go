package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		return 100
	}
	return limit
}

func (s *Server) handleTransitions(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	recs, err := s.deps.History.RecentTransitions(c.Request.Context(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": recs, "total": len(recs)})
}

// handleEvents accepts ?type=LOBBY_UPDATE to filter.
func (s *Server) handleEvents(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	recs, err := s.deps.History.RecentEvents(c.Request.Context(), strings.ToUpper(c.Query("type")), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": recs, "total": len(recs)})
}
