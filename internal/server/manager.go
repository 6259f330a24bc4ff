// Package server runs participant sessions: it registers participants,
// dispatches their reliable commands, applies their state datagrams and
// fans notifications out to them.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/tether/internal/config"
	"github.com/energizer-project/tether/internal/events"
	"github.com/energizer-project/tether/internal/protocol"
	"github.com/energizer-project/tether/internal/registry"
	"github.com/energizer-project/tether/internal/telemetry"
	"github.com/energizer-project/tether/internal/transport"
	"github.com/energizer-project/tether/internal/util"
)

// ErrServerFull is returned when a session arrives at the participant cap.
var ErrServerFull = registry.ErrFull

var errSessionEnded = errors.New("session ended")

// Manager owns the lifecycle of every participant session.
type Manager struct {
	cfg        *config.Config
	reg        *registry.Registry
	eventBus   *events.EventBus
	metrics    *telemetry.Metrics
	notifier   *Notifier
	dispatcher *Dispatcher
	logger     zerolog.Logger

	newID func() string

	kicked   sync.Map // participant id -> struct{}
	sessions sync.WaitGroup
}

var _ transport.Handler = (*Manager)(nil)

// NewManager creates the session manager. eventBus and metrics may be nil.
func NewManager(cfg *config.Config, reg *registry.Registry, eventBus *events.EventBus, metrics *telemetry.Metrics) *Manager {
	notifier := NewNotifier(reg, metrics)
	m := &Manager{
		cfg:        cfg,
		reg:        reg,
		eventBus:   eventBus,
		metrics:    metrics,
		notifier:   notifier,
		dispatcher: NewDispatcher(reg, notifier, eventBus, metrics),
		logger:     util.ComponentLogger("session_manager"),
		newID:      uuid.NewString,
	}

	if eventBus != nil {
		m.subscribeEvents()
	}
	return m
}

// subscribeEvents registers operator command handlers on the EventBus.
func (m *Manager) subscribeEvents() {
	m.eventBus.Subscribe(events.EventKickParticipant, "manager.kick", m.onKick)
	m.eventBus.Subscribe(events.EventAnnounce, "manager.announce", m.onAnnounce)
}

// Registry returns the participant registry.
func (m *Manager) Registry() *registry.Registry {
	return m.reg
}

// Notifier returns the notification fan-out.
func (m *Manager) Notifier() *Notifier {
	return m.notifier
}

// Dispatcher returns the reliable command dispatcher.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// HandleSession runs one session from readiness to close. It returns once
// the participant has been removed and every per-session goroutine has
// stopped.
func (m *Manager) HandleSession(ctx context.Context, sess transport.Session) {
	m.sessions.Add(1)
	defer m.sessions.Done()

	select {
	case <-sess.Ready():
	case <-sess.Done():
		return
	case <-ctx.Done():
		sess.Close()
		return
	}

	serverData := m.cfg.GetServerData()
	p, err := m.reg.AddLimited(m.newID(), sess, serverData.MaxParticipants)
	if errors.Is(err, ErrServerFull) {
		m.logger.Warn().
			Err(err).
			Str("remote", sess.RemoteAddr()).
			Int("max", serverData.MaxParticipants).
			Msg("session rejected")
		sess.Close()
		return
	}
	if err != nil {
		m.logger.Error().Err(err).Str("remote", sess.RemoteAddr()).Msg("failed to register participant")
		sess.Close()
		return
	}

	logger := m.logger.With().Str("participant", p.ID).Logger()
	m.join(ctx, p, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.acceptStreams(gctx, g, p, serverData.MaxMessageBytes, logger) })
	g.Go(func() error { return m.pumpDatagrams(gctx, p) })
	g.Go(func() error {
		select {
		case <-sess.Done():
			return errSessionEnded
		case <-gctx.Done():
			// Unblocks stream readers still waiting on the peer.
			sess.Close()
			return nil
		}
	})
	err = g.Wait()

	sess.Close()
	m.leave(ctx, p, m.leaveReason(ctx, p), err, logger)
}

// join announces a freshly registered participant.
func (m *Manager) join(ctx context.Context, p *registry.Participant, logger zerolog.Logger) {
	count := m.reg.Len()
	m.metrics.SetParticipants(count)

	logger.Info().
		Str("remote", p.Session().RemoteAddr()).
		Int("participants", count).
		Msg("participant joined")

	if welcome, err := protocol.Encode(protocol.ParticipantNotice{Type: protocol.MsgWelcome, Participant: p.ID}); err == nil {
		m.notifier.NotifyOne(ctx, p.ID, welcome)
	}
	if joined, err := protocol.Encode(protocol.ParticipantNotice{Type: protocol.MsgPlayerJoined, Participant: p.ID}); err == nil {
		m.notifier.NotifyAllExcept(ctx, p.ID, joined)
	}

	m.emit(ctx, events.EventParticipantJoined, p.ID, events.ParticipantJoinedPayload{
		ID:         p.ID,
		RemoteAddr: p.Session().RemoteAddr(),
		JoinedAt:   p.JoinedAt,
		Count:      count,
	})
}

// leave removes p exactly once and tells the remaining participants.
func (m *Manager) leave(ctx context.Context, p *registry.Participant, reason events.LeaveReason, cause error, logger zerolog.Logger) {
	m.kicked.Delete(p.ID)
	if !m.reg.Remove(p.ID) {
		return
	}

	ctx = context.WithoutCancel(ctx)
	count := m.reg.Len()
	m.metrics.SetParticipants(count)

	var errText string
	if reason == events.LeaveError {
		errText = describeSessionError(p.Session().Err(), cause)
	}

	logger.Info().
		Str("reason", reason.String()).
		Str("error", errText).
		Dur("duration", time.Since(p.JoinedAt)).
		Int("participants", count).
		Msg("participant left")

	if left, err := protocol.Encode(protocol.ParticipantNotice{Type: protocol.MsgPlayerLeft, Participant: p.ID}); err == nil {
		m.notifier.NotifyAll(ctx, left)
	}

	m.emit(ctx, events.EventParticipantLeft, p.ID, events.ParticipantLeftPayload{
		ID:       p.ID,
		Reason:   reason,
		Error:    errText,
		Duration: time.Since(p.JoinedAt),
		Count:    count,
	})
}

func (m *Manager) leaveReason(ctx context.Context, p *registry.Participant) events.LeaveReason {
	if _, ok := m.kicked.Load(p.ID); ok {
		return events.LeaveKicked
	}
	if ctx.Err() != nil {
		return events.LeaveShutdown
	}
	if p.Session().Err() != nil {
		return events.LeaveError
	}
	return events.LeaveClosed
}

func describeSessionError(sessErr, cause error) string {
	if sessErr != nil {
		return sessErr.Error()
	}
	if cause != nil && !errors.Is(cause, errSessionEnded) {
		return cause.Error()
	}
	return ""
}

// acceptStreams runs one goroutine per reliable stream the peer opens.
func (m *Manager) acceptStreams(ctx context.Context, g *errgroup.Group, p *registry.Participant, maxMessage int, logger zerolog.Logger) error {
	if maxMessage <= 0 {
		maxMessage = 64 * 1024
	}
	for {
		stream, err := p.Session().AcceptStream(ctx)
		if err != nil {
			return fmt.Errorf("accept stream: %w", err)
		}
		g.Go(func() error {
			m.serveStream(ctx, p, stream, maxMessage, logger)
			return nil
		})
	}
}

// serveStream handles messages on one stream in arrival order until the
// peer finishes it or the session ends. One read chunk is one message.
func (m *Manager) serveStream(ctx context.Context, p *registry.Participant, stream transport.Stream, maxMessage int, logger zerolog.Logger) {
	defer stream.Close()

	buf := make([]byte, maxMessage)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if reply := m.dispatch(ctx, p, buf[:n], logger); reply != nil {
				if _, werr := stream.Write(reply); werr != nil {
					logger.Debug().Err(werr).Msg("failed to write reply")
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, transport.ErrSessionClosed) {
				logger.Debug().Err(err).Msg("stream read failed")
			}
			return
		}
	}
}

// dispatch runs the dispatcher with panic recovery so one bad command
// cannot take the session down.
func (m *Manager) dispatch(ctx context.Context, p *registry.Participant, raw []byte, logger zerolog.Logger) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("command handler panicked")
			reply = nil
		}
	}()
	return m.dispatcher.Handle(ctx, p, raw)
}

func (m *Manager) pumpDatagrams(ctx context.Context, p *registry.Participant) error {
	for {
		data, err := p.Session().ReceiveDatagram(ctx)
		if err != nil {
			return fmt.Errorf("receive datagram: %w", err)
		}
		m.HandleDatagram(p.ID, data)
	}
}

// HandleDatagram applies one state datagram from the participant with the
// given id. Short, unknown or unattributable datagrams are dropped; it
// reports whether the update was applied.
func (m *Manager) HandleDatagram(id string, data []byte) bool {
	p, ok := m.reg.Get(id)
	if !ok {
		return false
	}

	upd, err := protocol.ParseDatagram(data)
	if err != nil {
		var op byte
		if len(data) > 0 {
			op = data[0]
		}
		m.metrics.DatagramReceived(protocol.OpName(op), false)
		m.logger.Trace().Err(err).Str("participant", id).Int("len", len(data)).Msg("datagram ignored")
		return false
	}

	switch upd.Op {
	case protocol.OpTransform:
		p.SetTransform(upd.Position, upd.Rotation, time.Now())
	case protocol.OpVelocity:
		p.SetVelocity(upd.Velocity)
	case protocol.OpInput:
		p.SetInput(upd.Input)
	}
	m.metrics.DatagramReceived(protocol.OpName(upd.Op), true)
	return true
}

// Kick closes a participant's session. Normal close handling removes it.
func (m *Manager) Kick(id, reason string) bool {
	p, ok := m.reg.Get(id)
	if !ok {
		return false
	}
	m.kicked.Store(id, struct{}{})
	m.logger.Info().Str("participant", id).Str("reason", reason).Msg("kicking participant")
	p.Session().Close()
	return true
}

// Announce sends an operator message to every participant and returns the
// number of recipients.
func (m *Manager) Announce(ctx context.Context, message string) (int, error) {
	data, err := protocol.Encode(protocol.Announcement{
		Type:      protocol.MsgAnnouncement,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return 0, err
	}
	n := m.notifier.NotifyAll(ctx, data)
	m.logger.Info().Int("recipients", n).Str("message", message).Msg("announcement sent")
	return n, nil
}

// Wait blocks until every session handler and notification has finished.
func (m *Manager) Wait() {
	m.sessions.Wait()
	m.notifier.Wait()
}

// Shutdown closes every participant session, then waits up to timeout for
// the session handlers to finish.
func (m *Manager) Shutdown(timeout time.Duration) error {
	for _, p := range m.reg.All() {
		p.Session().Close()
	}

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info().Msg("all sessions closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s waiting for sessions", timeout)
	}
}

func (m *Manager) emit(ctx context.Context, t events.EventType, source string, payload any) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Emit(ctx, events.Event{Type: t, Source: source, Payload: payload})
}

func (m *Manager) onKick(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.KickParticipantPayload)
	if !ok {
		return nil
	}
	if !m.Kick(payload.ID, payload.Reason) {
		return fmt.Errorf("participant %s not found", payload.ID)
	}
	return nil
}

func (m *Manager) onAnnounce(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.AnnouncePayload)
	if !ok {
		return nil
	}
	_, err := m.Announce(ctx, payload.Message)
	return err
}
