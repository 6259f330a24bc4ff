package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tether/internal/config"
	"github.com/energizer-project/tether/internal/events"
	"github.com/energizer-project/tether/internal/telemetry"
)

const redacted = "********"

// handleGetConfig returns the current configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	appData := s.cfg.GetApplicationData()
	if appData.Security.AdminToken != "" {
		appData.Security.AdminToken = redacted
	}
	c.JSON(http.StatusOK, gin.H{
		"server_data":      s.cfg.GetServerData(),
		"application_data": appData,
	})
}

type serverFieldRequest struct {
	Key   string      `json:"key" binding:"required"`
	Value interface{} `json:"value"`
}

// handleSetServerField updates one server_data field. The change is rolled
// back when the resulting configuration fails validation. Fields read per
// session, such as max_participants, apply immediately; listener and tick
// settings apply on restart.
func (s *Server) handleSetServerField(c *gin.Context) {
	var req serverFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prev := s.cfg.GetServerData()
	if err := s.cfg.UpdateServerField(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetServerData(prev)
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Error())
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configuration", "details": msgs})
		return
	}

	if s.cfg.Path() != "" {
		if err := s.cfg.Save(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
			return
		}
	}

	if s.eventBus != nil {
		s.eventBus.Emit(context.WithoutCancel(c.Request.Context()), events.Event{
			Type:   events.EventNotifyMQTT,
			Source: "api",
			Payload: events.NotifyMQTTPayload{
				Topic: telemetry.TopicAdmin,
				Data: map[string]interface{}{
					"type":  "config_changed",
					"field": req.Key,
				},
			},
		})
	}

	operator, _ := c.Get(operatorKey)
	log.Info().Str("field", req.Key).Interface("operator", operator).Msg("API: server data updated")

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"data":   s.cfg.GetServerData(),
	})
}
