package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/tether/internal/registry"
	"github.com/energizer-project/tether/internal/telemetry"
	"github.com/energizer-project/tether/internal/util"
)

// DefaultDeliveryTimeout bounds one notification delivery.
const DefaultDeliveryTimeout = 5 * time.Second

// Notifier fans JSON notifications out to participants, one fresh
// unidirectional stream per target. Delivery is best-effort: failures are
// counted and logged, never retried, and never affect other targets.
type Notifier struct {
	reg     *registry.Registry
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

// NewNotifier creates a notifier over the registry's membership.
func NewNotifier(reg *registry.Registry, metrics *telemetry.Metrics) *Notifier {
	return &Notifier{
		reg:     reg,
		metrics: metrics,
		logger:  util.ComponentLogger("notifier"),
		timeout: DefaultDeliveryTimeout,
	}
}

// NotifyAll sends msg to every registered participant.
func (n *Notifier) NotifyAll(ctx context.Context, msg []byte) int {
	targets := n.reg.All()
	for _, p := range targets {
		n.deliver(ctx, p, msg)
	}
	return len(targets)
}

// NotifyAllExcept sends msg to every participant other than exceptID.
func (n *Notifier) NotifyAllExcept(ctx context.Context, exceptID string, msg []byte) int {
	sent := 0
	for _, p := range n.reg.All() {
		if p.ID == exceptID {
			continue
		}
		n.deliver(ctx, p, msg)
		sent++
	}
	return sent
}

// NotifyOne sends msg to a single participant. It reports whether the
// participant was registered.
func (n *Notifier) NotifyOne(ctx context.Context, id string, msg []byte) bool {
	p, ok := n.reg.Get(id)
	if !ok {
		return false
	}
	n.deliver(ctx, p, msg)
	return true
}

// Wait blocks until every in-flight delivery has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// deliver sends msg to p in its own goroutine. The delivery outlives the
// caller's cancellation but not the participant's session.
func (n *Notifier) deliver(ctx context.Context, p *registry.Participant, msg []byte) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error().Str("participant", p.ID).Interface("panic", r).Msg("notification delivery panicked")
			}
		}()

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()

		err := n.send(dctx, p, msg)
		n.metrics.NotificationDelivered(err == nil)
		if err != nil {
			n.logger.Debug().Err(err).Str("participant", p.ID).Msg("notification dropped")
		}
	}()
}

func (n *Notifier) send(ctx context.Context, p *registry.Participant, msg []byte) error {
	stream, err := p.Session().OpenUniStream(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if _, err := stream.Write(msg); err != nil {
		stream.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}
