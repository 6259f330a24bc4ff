package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/tether/internal/protocol"
	"github.com/energizer-project/tether/internal/registry"
	"github.com/energizer-project/tether/internal/util"
)

// participantView is the API representation of a participant.
type participantView struct {
	ID          string        `json:"id"`
	RemoteAddr  string        `json:"remote_addr"`
	DisplayName string        `json:"display_name"`
	Position    protocol.Vec3 `json:"position"`
	Rotation    protocol.Vec3 `json:"rotation"`
	Velocity    protocol.Vec3 `json:"velocity"`
	Input       uint8         `json:"input"`
	LastUpdate  int64         `json:"last_update"`
	JoinedAt    time.Time     `json:"joined_at"`
}

func newParticipantView(st registry.State) participantView {
	v := participantView{
		ID:          st.ID,
		RemoteAddr:  st.RemoteAddr,
		DisplayName: st.DisplayName,
		Position:    st.Position,
		Rotation:    st.Rotation,
		Velocity:    st.Velocity,
		Input:       st.Input,
		JoinedAt:    st.JoinedAt,
	}
	if !st.LastUpdate.IsZero() {
		v.LastUpdate = st.LastUpdate.UnixMilli()
	}
	return v
}

// handleGetParticipants lists connected participants.
func (s *Server) handleGetParticipants(c *gin.Context) {
	entries := s.manager.Registry().Snapshot()
	views := make([]participantView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newParticipantView(e.State))
	}
	c.JSON(http.StatusOK, gin.H{
		"participants": views,
		"total":        len(views),
	})
}

// handleGetParticipant returns one participant.
func (s *Server) handleGetParticipant(c *gin.Context) {
	id := c.Param("id")
	p, ok := s.manager.Registry().Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "participant not found", "id": id})
		return
	}
	c.JSON(http.StatusOK, newParticipantView(p.State()))
}

// handleGetTicks returns broadcast overrun history.
func (s *Server) handleGetTicks(c *gin.Context) {
	if s.ticks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tick monitor not running"})
		return
	}
	data := s.ticks.Data()
	resp := gin.H{"data": data}
	if alert := s.ticks.CheckThresholds(); alert != nil {
		resp["alert"] = alert
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetSessions returns recent entries from the session audit log.
func (s *Server) handleGetSessions(c *gin.Context) {
	if s.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session log disabled"})
		return
	}

	if id := c.Query("id"); id != "" {
		rec, err := s.sessions.Get(c.Request.Context(), id)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "id": id})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rec)
		return
	}

	limit := queryInt(c, "limit", 50, 500)
	records, err := s.sessions.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": records,
		"count":    len(records),
	})
}

// handleGetResources returns current host and process resource usage.
func (s *Server) handleGetResources(c *gin.Context) {
	c.JSON(http.StatusOK, util.GetResourceUsage("."))
}

// handleGetLogEntries returns recent log entries.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	count := queryInt(c, "count", 100, 1000)

	logDir := s.cfg.GetApplicationData().Logging.Directory
	entries, err := readRecentLogEntries(logDir, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// queryInt parses a positive integer query parameter, clamped to max.
func queryInt(c *gin.Context, key string, def, max int) int {
	n, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil || n < 1 {
		n = def
	}
	if n > max {
		n = max
	}
	return n
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count JSON lines of the newest log
// file.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	files, err := util.LogFiles(logDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return []logEntry{}, nil
	}

	data, err := os.ReadFile(files[len(files)-1])
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	start := len(lines) - count
	if start < 0 {
		start = 0
	}

	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}

	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
