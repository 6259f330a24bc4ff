package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tether/internal/events"
)

// Overrun alert thresholds, in overruns during the last hour.
const (
	OverrunWarningThreshold  = 10
	OverrunCriticalThreshold = 50
)

const maxOverrunHistory = 1000

// TickMonitor tracks broadcast ticks that took longer than their interval.
// It aggregates overrun data, raises alerts and backs the
// /api/monitor/ticks endpoint.
type TickMonitor struct {
	mu       sync.RWMutex
	eventBus *events.EventBus
	data     TickData

	warningThreshold  int
	criticalThreshold int

	now func() time.Time
}

// TickData holds overrun tracking data.
type TickData struct {
	TotalOverruns  int             `json:"total_overruns"`
	OverrunsInHour int             `json:"overruns_last_hour"`
	LastOverrun    time.Time       `json:"last_overrun"`
	MaxDuration    time.Duration   `json:"max_duration_ns"`
	AvgDuration    time.Duration   `json:"avg_duration_ns"`
	History        []OverrunRecord `json:"history"`
	HourlyBuckets  map[int]int     `json:"hourly_buckets"`
}

// OverrunRecord represents a single overrun tick.
type OverrunRecord struct {
	Timestamp    time.Time     `json:"timestamp"`
	Duration     time.Duration `json:"duration_ns"`
	Interval     time.Duration `json:"interval_ns"`
	Participants int           `json:"participants"`
}

// TickAlert represents an overrun threshold alert.
type TickAlert struct {
	Level    string `json:"level"`
	Overruns int    `json:"overruns"`
	Message  string `json:"message"`
}

// NewTickMonitor creates a tick monitor subscribed to overrun events.
func NewTickMonitor(eventBus *events.EventBus) *TickMonitor {
	tm := &TickMonitor{
		eventBus:          eventBus,
		data:              TickData{HourlyBuckets: make(map[int]int)},
		warningThreshold:  OverrunWarningThreshold,
		criticalThreshold: OverrunCriticalThreshold,
		now:               time.Now,
	}

	eventBus.Subscribe(events.EventTickOverrun, "tick_monitor", tm.handleOverrun)

	return tm
}

// handleOverrun processes incoming overrun events.
func (tm *TickMonitor) handleOverrun(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.TickOverrunPayload)
	if !ok {
		return nil
	}
	tm.record(OverrunRecord{
		Timestamp:    tm.now(),
		Duration:     payload.Duration,
		Interval:     payload.Interval,
		Participants: payload.Participants,
	})
	return nil
}

func (tm *TickMonitor) record(rec OverrunRecord) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	d := &tm.data
	d.TotalOverruns++
	d.LastOverrun = rec.Timestamp
	d.History = append(d.History, rec)
	if len(d.History) > maxOverrunHistory {
		d.History = d.History[len(d.History)-maxOverrunHistory:]
	}

	if rec.Duration > d.MaxDuration {
		d.MaxDuration = rec.Duration
	}

	var total time.Duration
	for _, e := range d.History {
		total += e.Duration
	}
	d.AvgDuration = total / time.Duration(len(d.History))

	d.HourlyBuckets[rec.Timestamp.Hour()]++
	d.OverrunsInHour = tm.countSince(rec.Timestamp.Add(-time.Hour))
}

// countSince must be called with tm.mu held.
func (tm *TickMonitor) countSince(cutoff time.Time) int {
	n := 0
	for _, e := range tm.data.History {
		if e.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// Data returns a copy of the tracking data with the hourly count refreshed.
func (tm *TickMonitor) Data() TickData {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	d := tm.data
	d.OverrunsInHour = tm.countSince(tm.now().Add(-time.Hour))
	d.History = append([]OverrunRecord(nil), tm.data.History...)
	d.HourlyBuckets = make(map[int]int, len(tm.data.HourlyBuckets))
	for k, v := range tm.data.HourlyBuckets {
		d.HourlyBuckets[k] = v
	}
	return d
}

// CheckThresholds evaluates the last hour of overruns against thresholds.
func (tm *TickMonitor) CheckThresholds() *TickAlert {
	tm.mu.RLock()
	recent := tm.countSince(tm.now().Add(-time.Hour))
	tm.mu.RUnlock()

	var level string
	switch {
	case recent >= tm.criticalThreshold:
		level = "critical"
	case recent >= tm.warningThreshold:
		level = "warning"
	default:
		return nil
	}
	return &TickAlert{
		Level:    level,
		Overruns: recent,
		Message:  fmt.Sprintf("%d broadcast tick overruns in the last hour", recent),
	}
}

// Start begins periodic overrun threshold checks.
func (tm *TickMonitor) Start(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tm.evaluate(ctx)
		}
	}
}

func (tm *TickMonitor) evaluate(ctx context.Context) *TickAlert {
	alert := tm.CheckThresholds()
	if alert == nil {
		return nil
	}

	log.Warn().
		Str("level", alert.Level).
		Int("overruns", alert.Overruns).
		Msg("tick overrun threshold alert")

	if alert.Level == "critical" {
		tm.eventBus.Emit(ctx, events.Event{
			Type:   events.EventNotifyMQTT,
			Source: "tick_monitor",
			Payload: events.NotifyMQTTPayload{
				Data: map[string]interface{}{
					"type":     "tick_alert",
					"level":    alert.Level,
					"overruns": alert.Overruns,
					"message":  alert.Message,
				},
			},
		})
	}
	return alert
}
