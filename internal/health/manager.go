// Package health implements periodic health monitoring for the session
// server: participant activity, host resources and broadcast tick health.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tether/internal/config"
	"github.com/energizer-project/tether/internal/events"
	"github.com/energizer-project/tether/internal/registry"
	"github.com/energizer-project/tether/internal/scheduler"
	"github.com/energizer-project/tether/internal/util"
)

// Manager runs periodic health checks on all subsystems.
type Manager struct {
	cfg         *config.Config
	eventBus    *events.EventBus
	reg         *registry.Registry
	broadcaster *scheduler.Broadcaster
	ticks       *TickMonitor

	resources func() util.ResourceUsage
	lastStats scheduler.BroadcastStats
}

// NewManager creates a new health check manager.
func NewManager(
	cfg *config.Config,
	eventBus *events.EventBus,
	reg *registry.Registry,
	broadcaster *scheduler.Broadcaster,
	ticks *TickMonitor,
) *Manager {
	return &Manager{
		cfg:         cfg,
		eventBus:    eventBus,
		reg:         reg,
		broadcaster: broadcaster,
		ticks:       ticks,
		resources:   func() util.ResourceUsage { return util.GetResourceUsage(".") },
	}
}

// Start launches all health check goroutines and blocks until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	timers := m.cfg.GetApplicationData().Timers

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"general_health", timers.GeneralHealthInterval, func(ctx context.Context) { m.checkGeneralHealth(ctx) }},
		{"system_resources", timers.ResourceCheckInterval, func(ctx context.Context) { m.checkResources(ctx) }},
		{"tick_health", timers.TickCheckInterval, func(ctx context.Context) { m.checkTickHealth(ctx) }},
	}

	for _, check := range checks {
		check := check
		if check.interval <= 0 {
			continue
		}

		go func() {
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			log.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	if m.ticks != nil && timers.TickCheckInterval > 0 {
		go m.ticks.Start(ctx, time.Duration(timers.TickCheckInterval)*time.Second)
	}

	if timers.HeartbeatInterval > 0 {
		go m.heartbeatLoop(ctx, time.Duration(timers.HeartbeatInterval)*time.Second)
	}

	log.Info().Int("checks", len(checks)).Msg("health check manager started")

	<-ctx.Done()
	log.Info().Msg("health check manager stopped")
}

// GeneralReport is the outcome of the general health check.
type GeneralReport struct {
	Participants int
	Idle         int
}

// checkGeneralHealth reports participant counts. Idle participants are
// advisory only and are never evicted.
func (m *Manager) checkGeneralHealth(ctx context.Context) GeneralReport {
	threshold := time.Duration(m.cfg.GetApplicationData().Timers.IdleThreshold) * time.Second
	report := GeneralReport{Participants: m.reg.Len()}
	if threshold > 0 {
		report.Idle = m.reg.IdleSince(time.Now().Add(-threshold))
	}

	event := log.Debug()
	if report.Idle > 0 {
		event = log.Info()
	}
	event.
		Int("participants", report.Participants).
		Int("idle", report.Idle).
		Dur("idle_threshold", threshold).
		Msg("general health")

	return report
}

// checkResources monitors disk and memory and alerts at thresholds.
func (m *Manager) checkResources(ctx context.Context) string {
	usage := m.resources()

	log.Debug().
		Float64("cpu_percent", usage.CPUPercent).
		Float64("memory_used_percent", usage.MemoryUsedPercent).
		Float64("disk_used_percent", usage.DiskUsedPercent).
		Uint64("process_rss_mb", usage.ProcessRSSMB).
		Int("goroutines", usage.Goroutines).
		Msg("system resources")

	level := resourceLevel(usage)
	if level == "" {
		return ""
	}

	message := fmt.Sprintf("Disk usage at %.1f%%, memory usage at %.1f%%",
		usage.DiskUsedPercent, usage.MemoryUsedPercent)
	log.Warn().Str("level", level).Msg(message)

	if level == "critical" || level == "error" {
		m.emit(ctx, "resources", map[string]interface{}{
			"type":    "resource_alert",
			"level":   level,
			"message": message,
		})
	}
	return level
}

// resourceLevel maps disk and memory pressure to an alert level.
func resourceLevel(u util.ResourceUsage) string {
	worst := u.DiskUsedPercent
	if u.MemoryUsedPercent > worst {
		worst = u.MemoryUsedPercent
	}
	switch {
	case worst >= 99:
		return "critical"
	case worst >= 95:
		return "error"
	case worst >= 90:
		return "warning"
	case worst >= 80:
		return "info"
	default:
		return ""
	}
}

// checkTickHealth compares broadcast counters with the previous check.
func (m *Manager) checkTickHealth(ctx context.Context) scheduler.BroadcastStats {
	if m.broadcaster == nil {
		return scheduler.BroadcastStats{}
	}

	stats := m.broadcaster.Stats()
	prev := m.lastStats
	m.lastStats = stats

	sent := stats.Sent - prev.Sent
	failed := stats.Failed - prev.Failed

	event := log.Debug()
	if failed > 0 && failed*10 >= sent+failed {
		event = log.Warn()
	}
	event.
		Uint64("ticks", stats.Ticks-prev.Ticks).
		Uint64("skipped", stats.Skipped-prev.Skipped).
		Uint64("datagrams_sent", sent).
		Uint64("datagrams_failed", failed).
		Uint64("overruns", stats.Overruns-prev.Overruns).
		Dur("last_duration", stats.LastDuration).
		Msg("tick health")

	return stats
}

// heartbeatLoop publishes periodic heartbeat via MQTT.
func (m *Manager) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.emit(ctx, "heartbeat", m.heartbeat())
		}
	}
}

func (m *Manager) heartbeat() map[string]interface{} {
	hb := map[string]interface{}{
		"type":         "heartbeat",
		"server":       m.cfg.GetServerData().Name,
		"participants": m.reg.Len(),
		"timestamp":    time.Now().Unix(),
	}
	if m.broadcaster != nil {
		stats := m.broadcaster.Stats()
		hb["ticks"] = stats.Ticks
		hb["overruns"] = stats.Overruns
	}
	return hb
}

func (m *Manager) emit(ctx context.Context, source string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventNotifyMQTT,
		Source:  source,
		Payload: events.NotifyMQTTPayload{Data: data},
	})
}
