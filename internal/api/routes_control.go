package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type kickRequest struct {
	Reason string `json:"reason"`
}

type announceRequest struct {
	Message string `json:"message" binding:"required"`
}

// handleKick closes a participant's session.
func (s *Server) handleKick(c *gin.Context) {
	id := c.Param("id")

	var req kickRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "kicked by operator"
	}

	if !s.manager.Kick(id, req.Reason) {
		c.JSON(http.StatusNotFound, gin.H{"error": "participant not found", "id": id})
		return
	}

	operator, _ := c.Get(operatorKey)
	log.Info().
		Str("participant", id).
		Str("reason", req.Reason).
		Interface("operator", operator).
		Msg("API: participant kicked")

	c.JSON(http.StatusOK, gin.H{
		"status": "kicked",
		"id":     id,
	})
}

// handleAnnounce sends an announcement notification to every participant.
func (s *Server) handleAnnounce(c *gin.Context) {
	var req announceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	n, err := s.manager.Announce(c.Request.Context(), req.Message)
	if err != nil {
		log.Error().Err(err).Msg("API: announcement failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	operator, _ := c.Get(operatorKey)
	log.Info().
		Int("recipients", n).
		Interface("operator", operator).
		Msg("API: announcement sent")

	c.JSON(http.StatusOK, gin.H{
		"status":     "sent",
		"recipients": n,
	})
}
