package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/tether/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "tether",
		"version": s.version,
	})
}

// handleGetServerInfo returns basic server information.
func (s *Server) handleGetServerInfo(c *gin.Context) {
	sd := s.cfg.GetServerData()
	sysInfo := util.GetSystemInfo()

	c.JSON(http.StatusOK, gin.H{
		"server_name":      sd.Name,
		"version":          s.version,
		"participants":     s.manager.Registry().Len(),
		"max_participants": sd.MaxParticipants,
		"tick_interval_ms": sd.TickIntervalMs,
		"session_path":     sd.SessionPath,
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"hostname":         sysInfo.Hostname,
		"os":               sysInfo.OS,
		"cpu_model":        sysInfo.CPUModel,
		"cpu_cores":        sysInfo.CPUCores,
		"total_memory_mb":  sysInfo.TotalMemory,
		"go_version":       sysInfo.GoVersion,
	})
}
