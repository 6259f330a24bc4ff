package health

import (
	"context"
	"testing"
	"time"

	"github.com/energizer-project/tether/internal/config"
	"github.com/energizer-project/tether/internal/events"
	"github.com/energizer-project/tether/internal/protocol"
	"github.com/energizer-project/tether/internal/registry"
	"github.com/energizer-project/tether/internal/scheduler"
	"github.com/energizer-project/tether/internal/transport/transporttest"
	"github.com/energizer-project/tether/internal/util"
)

func TestTickMonitorRecordsOverruns(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	tm := NewTickMonitor(bus)

	for _, d := range []time.Duration{20, 30, 40} {
		err := bus.EmitSync(context.Background(), events.Event{
			Type: events.EventTickOverrun,
			Payload: events.TickOverrunPayload{
				Duration:     d * time.Millisecond,
				Interval:     16 * time.Millisecond,
				Participants: 4,
			},
		})
		if err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	data := tm.Data()
	if data.TotalOverruns != 3 || data.OverrunsInHour != 3 || len(data.History) != 3 {
		t.Fatalf("data = %+v", data)
	}
	if data.MaxDuration != 40*time.Millisecond || data.AvgDuration != 30*time.Millisecond {
		t.Fatalf("max=%v avg=%v", data.MaxDuration, data.AvgDuration)
	}
	if tm.CheckThresholds() != nil {
		t.Fatal("unexpected alert below threshold")
	}
}

func TestTickMonitorThresholds(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	tm := NewTickMonitor(bus)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	tm.now = func() time.Time { return now }

	for i := 0; i < OverrunWarningThreshold; i++ {
		tm.record(OverrunRecord{Timestamp: now.Add(-time.Minute), Duration: 20 * time.Millisecond})
	}
	if a := tm.CheckThresholds(); a == nil || a.Level != "warning" {
		t.Fatalf("alert = %+v", a)
	}

	for i := OverrunWarningThreshold; i < OverrunCriticalThreshold; i++ {
		tm.record(OverrunRecord{Timestamp: now.Add(-time.Minute), Duration: 20 * time.Millisecond})
	}
	if a := tm.CheckThresholds(); a == nil || a.Level != "critical" {
		t.Fatalf("alert = %+v", a)
	}

	// Overruns older than an hour no longer count.
	tm.now = func() time.Time { return now.Add(2 * time.Hour) }
	if a := tm.CheckThresholds(); a != nil {
		t.Fatalf("stale alert = %+v", a)
	}
}

func TestTickMonitorHistoryBounded(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	tm := NewTickMonitor(bus)

	for i := 0; i < maxOverrunHistory+5; i++ {
		tm.record(OverrunRecord{Timestamp: time.Now(), Duration: time.Millisecond})
	}
	if data := tm.Data(); len(data.History) != maxOverrunHistory || data.TotalOverruns != maxOverrunHistory+5 {
		t.Fatalf("history=%d total=%d", len(data.History), data.TotalOverruns)
	}
}

func TestGeneralHealthCountsIdle(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ApplicationData.Timers.IdleThreshold = 60
	reg := registry.New()

	active, _ := reg.Add("active", transporttest.NewSession("a"))
	active.SetTransform(protocol.Vec3{X: 1}, protocol.Vec3{}, time.Now())
	idle, _ := reg.Add("idle", transporttest.NewSession("b"))
	idle.SetTransform(protocol.Vec3{}, protocol.Vec3{}, time.Now().Add(-time.Hour))

	m := NewManager(cfg, nil, reg, nil, nil)
	report := m.checkGeneralHealth(context.Background())
	if report.Participants != 2 || report.Idle != 1 {
		t.Fatalf("report = %+v", report)
	}
	if reg.Len() != 2 {
		t.Fatal("idle participant evicted")
	}
}

func TestResourceLevels(t *testing.T) {
	tests := []struct {
		usage util.ResourceUsage
		want  string
	}{
		{util.ResourceUsage{DiskUsedPercent: 40, MemoryUsedPercent: 50}, ""},
		{util.ResourceUsage{DiskUsedPercent: 85}, "info"},
		{util.ResourceUsage{MemoryUsedPercent: 92}, "warning"},
		{util.ResourceUsage{DiskUsedPercent: 96}, "error"},
		{util.ResourceUsage{DiskUsedPercent: 99.5}, "critical"},
	}
	for _, tt := range tests {
		if got := resourceLevel(tt.usage); got != tt.want {
			t.Errorf("%+v: level = %q, want %q", tt.usage, got, tt.want)
		}
	}
}

func TestCheckResourcesNotifiesOnCritical(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	got := make(chan events.NotifyMQTTPayload, 1)
	bus.Subscribe(events.EventNotifyMQTT, "test", func(ctx context.Context, e events.Event) error {
		got <- e.Payload.(events.NotifyMQTTPayload)
		return nil
	})

	m := NewManager(config.DefaultConfig(), bus, registry.New(), nil, nil)
	m.resources = func() util.ResourceUsage { return util.ResourceUsage{DiskUsedPercent: 100} }

	if level := m.checkResources(context.Background()); level != "critical" {
		t.Fatalf("level = %q", level)
	}
	select {
	case p := <-got:
		if p.Data.(map[string]interface{})["type"] != "resource_alert" {
			t.Fatalf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no MQTT notification for critical resources")
	}
}

func TestCheckTickHealthDeltas(t *testing.T) {
	reg := registry.New()
	reg.Add("a", transporttest.NewSession("a"))
	reg.Add("b", transporttest.NewSession("b"))
	b := scheduler.NewBroadcaster(reg, 16*time.Millisecond, nil, nil)
	m := NewManager(config.DefaultConfig(), nil, reg, b, nil)

	b.Tick(context.Background())
	first := m.checkTickHealth(context.Background())
	b.Tick(context.Background())
	second := m.checkTickHealth(context.Background())

	if first.Ticks != 1 || second.Ticks != 2 || second.Sent != 4 {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if m.heartbeat()["participants"] != 2 {
		t.Fatalf("heartbeat = %v", m.heartbeat())
	}
}
