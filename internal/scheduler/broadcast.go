package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/tether/internal/events"
	"github.com/energizer-project/tether/internal/protocol"
	"github.com/energizer-project/tether/internal/registry"
	"github.com/energizer-project/tether/internal/telemetry"
	"github.com/energizer-project/tether/internal/util"
)

// MinBroadcastParticipants is the smallest membership worth a snapshot.
const MinBroadcastParticipants = 2

// TickResult describes one broadcast tick.
type TickResult struct {
	Skipped      bool
	Participants int
	Sent         int
	Failed       int
	FrameBytes   int
	Duration     time.Duration
}

// BroadcastStats are cumulative counters since the broadcaster started.
type BroadcastStats struct {
	Interval     time.Duration `json:"interval"`
	Ticks        uint64        `json:"ticks"`
	Skipped      uint64        `json:"skipped"`
	Sent         uint64        `json:"datagrams_sent"`
	Failed       uint64        `json:"datagrams_failed"`
	Overruns     uint64        `json:"overruns"`
	LastDuration time.Duration `json:"last_duration"`
}

// Broadcaster pushes an authoritative snapshot of every participant to
// every participant once per interval.
type Broadcaster struct {
	reg      *registry.Registry
	eventBus *events.EventBus
	metrics  *telemetry.Metrics
	interval time.Duration
	logger   zerolog.Logger

	now func() time.Time

	ticks        atomic.Uint64
	skipped      atomic.Uint64
	sent         atomic.Uint64
	failed       atomic.Uint64
	overruns     atomic.Uint64
	lastDuration atomic.Int64
}

// NewBroadcaster creates a broadcaster. eventBus and metrics may be nil.
func NewBroadcaster(reg *registry.Registry, interval time.Duration, eventBus *events.EventBus, metrics *telemetry.Metrics) *Broadcaster {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	return &Broadcaster{
		reg:      reg,
		eventBus: eventBus,
		metrics:  metrics,
		interval: interval,
		logger:   util.ComponentLogger("broadcaster"),
		now:      time.Now,
	}
}

// Interval returns the tick interval.
func (b *Broadcaster) Interval() time.Duration {
	return b.interval
}

// Start runs the tick loop until ctx is cancelled.
func (b *Broadcaster) Start(ctx context.Context) {
	b.logger.Info().Dur("interval", b.interval).Msg("broadcast loop started")

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Uint64("ticks", b.ticks.Load()).Msg("broadcast loop stopped")
			return
		case <-ticker.C:
			b.safeTick(ctx)
		}
	}
}

// safeTick keeps the loop alive if a tick panics.
func (b *Broadcaster) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("broadcast tick panicked")
		}
	}()
	b.Tick(ctx)
}

// Tick broadcasts one snapshot, or skips when fewer than two participants
// are registered.
func (b *Broadcaster) Tick(ctx context.Context) TickResult {
	start := time.Now()
	b.ticks.Add(1)

	entries := b.reg.Snapshot()
	res := TickResult{Participants: len(entries)}

	if len(entries) < MinBroadcastParticipants {
		res.Skipped = true
		b.skipped.Add(1)
		b.metrics.TickSkipped()
		return res
	}

	frame, err := b.buildFrame(entries)
	if err != nil {
		b.logger.Error().Err(err).Int("participants", len(entries)).Msg("failed to build snapshot")
		return res
	}
	res.FrameBytes = len(frame)

	for _, e := range entries {
		if b.sendFrame(e.Participant, frame) {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	b.sent.Add(uint64(res.Sent))
	b.failed.Add(uint64(res.Failed))

	res.Duration = time.Since(start)
	b.lastDuration.Store(int64(res.Duration))
	b.metrics.TickSent(res.Duration, res.FrameBytes)

	if res.Duration > b.interval {
		b.overrun(ctx, res)
	}

	b.logger.Trace().
		Int("participants", res.Participants).
		Int("failed", res.Failed).
		Dur("duration", res.Duration).
		Msg("snapshot broadcast")

	return res
}

// buildFrame encodes every captured participant. This is the full O(N)
// pass; a dirty-set strategy would replace only this step.
func (b *Broadcaster) buildFrame(entries []registry.Entry) ([]byte, error) {
	states := make([]protocol.ParticipantState, len(entries))
	for i, e := range entries {
		states[i] = e.State.Wire()
	}
	return protocol.EncodeSnapshot(uint64(b.now().UnixMilli()), states)
}

// sendFrame is a best-effort datagram send: the error is counted and
// logged, never retried.
func (b *Broadcaster) sendFrame(p *registry.Participant, frame []byte) bool {
	err := p.Session().SendDatagram(frame)
	b.metrics.DatagramSent(err == nil)
	if err != nil {
		b.logger.Debug().Err(err).Str("participant", p.ID).Msg("snapshot datagram dropped")
		return false
	}
	return true
}

func (b *Broadcaster) overrun(ctx context.Context, res TickResult) {
	b.overruns.Add(1)
	b.logger.Warn().
		Dur("duration", res.Duration).
		Dur("interval", b.interval).
		Int("participants", res.Participants).
		Msg("broadcast tick overran interval")

	if b.eventBus != nil {
		b.eventBus.Emit(ctx, events.Event{
			Type:   events.EventTickOverrun,
			Source: "broadcaster",
			Payload: events.TickOverrunPayload{
				Duration:     res.Duration,
				Interval:     b.interval,
				Participants: res.Participants,
			},
		})
	}
}

// Stats returns cumulative counters.
func (b *Broadcaster) Stats() BroadcastStats {
	return BroadcastStats{
		Interval:     b.interval,
		Ticks:        b.ticks.Load(),
		Skipped:      b.skipped.Load(),
		Sent:         b.sent.Load(),
		Failed:       b.failed.Load(),
		Overruns:     b.overruns.Load(),
		LastDuration: time.Duration(b.lastDuration.Load()),
	}
}
