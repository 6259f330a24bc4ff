package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/energizer-project/tether/internal/events"
	"github.com/energizer-project/tether/internal/protocol"
	"github.com/energizer-project/tether/internal/registry"
	"github.com/energizer-project/tether/internal/telemetry"
	"github.com/energizer-project/tether/internal/util"
)

const tracerName = "github.com/energizer-project/tether/internal/server"

// Dispatcher interprets reliable JSON commands from one participant.
type Dispatcher struct {
	reg      *registry.Registry
	notifier *Notifier
	eventBus *events.EventBus
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	logger   zerolog.Logger

	now func() time.Time
}

// NewDispatcher creates a dispatcher that relays through notifier.
// eventBus and metrics may be nil.
func NewDispatcher(reg *registry.Registry, notifier *Notifier, eventBus *events.EventBus, metrics *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{
		reg:      reg,
		notifier: notifier,
		eventBus: eventBus,
		metrics:  metrics,
		tracer:   otel.Tracer(tracerName),
		logger:   util.ComponentLogger("dispatcher"),
		now:      time.Now,
	}
}

// Handle consumes one reliable message from sender and returns the reply
// to write back on the same stream, or nil when the command has none.
func (d *Dispatcher) Handle(ctx context.Context, sender *registry.Participant, raw []byte) []byte {
	cmd, err := protocol.ParseCommand(raw)
	if err != nil {
		d.logger.Debug().Err(err).Str("participant", sender.ID).Msg("malformed command")
		d.metrics.CommandHandled("malformed")
		return protocol.InvalidFormatReply()
	}

	ctx, span := d.tracer.Start(ctx, "command "+commandLabel(cmd.Type),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("tether.participant", sender.ID),
			attribute.String("tether.command", cmd.Type),
		),
	)
	defer span.End()

	d.metrics.CommandHandled(commandLabel(cmd.Type))

	var reply any
	switch cmd.Type {
	case protocol.CmdChat:
		reply = d.handleChat(ctx, sender, cmd)
	case protocol.CmdAction:
		reply = d.handleAction(ctx, sender, cmd)
	case protocol.CmdPing:
		reply = protocol.Pong{Type: protocol.MsgPong, Timestamp: d.timestamp()}
	case protocol.CmdGetState:
		reply = d.handleGetState()
	case protocol.CmdSetName:
		reply = d.handleSetName(ctx, sender, cmd)
	default:
		d.logger.Debug().Str("participant", sender.ID).Str("type", cmd.Type).Msg("unknown command type")
		return nil
	}

	data, err := protocol.Encode(reply)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode reply")
		d.logger.Error().Err(err).Str("type", cmd.Type).Msg("failed to encode reply")
		return nil
	}
	return data
}

func (d *Dispatcher) handleChat(ctx context.Context, sender *registry.Participant, cmd *protocol.Command) any {
	d.broadcast(ctx, protocol.ChatBroadcast{
		Type:        protocol.MsgChat,
		Participant: sender.ID,
		Message:     cmd.Message,
		Timestamp:   d.timestamp(),
	})
	d.emit(ctx, events.EventChatMessage, sender.ID, events.ChatMessagePayload{
		ID:      sender.ID,
		Message: string(cmd.Message),
	})
	return protocol.Ack{Type: protocol.MsgAck, ID: cmd.ID}
}

func (d *Dispatcher) handleAction(ctx context.Context, sender *registry.Participant, cmd *protocol.Command) any {
	d.broadcast(ctx, protocol.ActionBroadcast{
		Type:        protocol.MsgAction,
		Participant: sender.ID,
		Action:      cmd.Action,
		Params:      cmd.Params,
		Timestamp:   d.timestamp(),
	})
	d.emit(ctx, events.EventParticipantAction, sender.ID, events.ParticipantActionPayload{
		ID:     sender.ID,
		Action: string(cmd.Action),
	})
	return protocol.ActionResult{Type: protocol.MsgActionResult, ActionID: cmd.ID, Success: true}
}

func (d *Dispatcher) handleGetState() any {
	entries := d.reg.Snapshot()
	reply := protocol.StateReply{
		Type:         protocol.MsgState,
		Participants: make(map[string]protocol.StateEntry, len(entries)),
	}
	for _, e := range entries {
		var last int64
		if !e.State.LastUpdate.IsZero() {
			last = e.State.LastUpdate.UnixMilli()
		}
		reply.Participants[e.State.ID] = protocol.StateEntry{
			Position:   e.State.Position,
			Rotation:   e.State.Rotation,
			Velocity:   e.State.Velocity,
			LastUpdate: last,
		}
	}
	return reply
}

func (d *Dispatcher) handleSetName(ctx context.Context, sender *registry.Participant, cmd *protocol.Command) any {
	name := cmd.NameString()
	sender.SetName(name)

	d.broadcast(ctx, protocol.PlayerName{
		Type:        protocol.MsgPlayerName,
		Participant: sender.ID,
		Name:        name,
	})
	d.emit(ctx, events.EventParticipantRenamed, sender.ID, events.ParticipantRenamedPayload{
		ID:   sender.ID,
		Name: name,
	})
	return protocol.Ack{Type: protocol.MsgAck, ID: cmd.ID}
}

// broadcast relays msg to every participant, the sender included.
func (d *Dispatcher) broadcast(ctx context.Context, msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to encode broadcast")
		return
	}
	n := d.notifier.NotifyAll(ctx, data)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("tether.recipients", n))
}

func (d *Dispatcher) emit(ctx context.Context, t events.EventType, source string, payload any) {
	if d.eventBus == nil {
		return
	}
	d.eventBus.Emit(ctx, events.Event{Type: t, Source: source, Payload: payload})
}

func (d *Dispatcher) timestamp() int64 {
	return d.now().UnixMilli()
}

// commandLabel bounds metric and span label cardinality to known types.
func commandLabel(t string) string {
	switch t {
	case protocol.CmdChat, protocol.CmdAction, protocol.CmdPing, protocol.CmdGetState, protocol.CmdSetName:
		return t
	}
	return "unknown"
}
