package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/energizer-project/tether/internal/config"
	"github.com/energizer-project/tether/internal/events"
	"github.com/energizer-project/tether/internal/protocol"
	"github.com/energizer-project/tether/internal/registry"
	"github.com/energizer-project/tether/internal/transport/transporttest"
)

const waitTimeout = 2 * time.Second

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type managerFixture struct {
	m      *Manager
	bus    *events.EventBus
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	ids []string
}

func newManagerFixture(t *testing.T, cfg *config.Config) *managerFixture {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	bus := events.NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	f := &managerFixture{
		m:      NewManager(cfg, registry.New(), bus, nil),
		bus:    bus,
		ctx:    ctx,
		cancel: cancel,
	}
	f.m.newID = f.nextID
	t.Cleanup(func() {
		f.cancel()
		f.wg.Wait()
		f.m.Wait()
		bus.Stop()
	})
	return f
}

var participantIDs = []string{
	"00000000-0000-4000-8000-00000000000a",
	"00000000-0000-4000-8000-00000000000b",
	"00000000-0000-4000-8000-00000000000c",
}

func (f *managerFixture) nextID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := participantIDs[len(f.ids)%len(participantIDs)]
	f.ids = append(f.ids, id)
	return id
}

// connect starts a session handler and waits until the participant is
// registered and has received its welcome.
func (f *managerFixture) connect(t *testing.T, remote string) (*transporttest.Session, string) {
	t.Helper()
	sess := transporttest.NewSession(remote)
	before := f.m.Registry().Len()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.m.HandleSession(f.ctx, sess)
	}()

	waitFor(t, "registration", func() bool { return f.m.Registry().Len() == before+1 })
	welcome := nextNotice(t, sess)
	if welcome.Type != protocol.MsgWelcome {
		t.Fatalf("first notification = %+v, want welcome", welcome)
	}
	return sess, welcome.Participant
}

func nextNotice(t *testing.T, sess *transporttest.Session) protocol.ParticipantNotice {
	t.Helper()
	data, err := sess.NextNotification(waitTimeout)
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	var n protocol.ParticipantNotice
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return n
}

func TestSessionJoinAndLeave(t *testing.T) {
	f := newManagerFixture(t, nil)

	sa, idA := f.connect(t, "10.0.0.1:1")
	sb, idB := f.connect(t, "10.0.0.2:1")
	if idA == idB {
		t.Fatalf("duplicate ids %q", idA)
	}

	joined := nextNotice(t, sa)
	if joined.Type != protocol.MsgPlayerJoined || joined.Participant != idB {
		t.Fatalf("a received %+v", joined)
	}

	sb.CloseWithError(nil)
	waitFor(t, "removal", func() bool { return f.m.Registry().Len() == 1 })

	left := nextNotice(t, sa)
	if left.Type != protocol.MsgPlayerLeft || left.Participant != idB {
		t.Fatalf("a received %+v", left)
	}
	if _, ok := f.m.Registry().Get(idB); ok {
		t.Fatal("closed participant still registered")
	}
}

func TestSessionLeftEventReasons(t *testing.T) {
	f := newManagerFixture(t, nil)

	reasons := make(chan events.LeaveReason, 4)
	f.bus.Subscribe(events.EventParticipantLeft, "test", func(ctx context.Context, e events.Event) error {
		reasons <- e.Payload.(events.ParticipantLeftPayload).Reason
		return nil
	})

	sa, _ := f.connect(t, "10.0.0.1:1")
	sa.CloseWithError(errors.New("connection reset"))
	if r := <-reasons; r != events.LeaveError {
		t.Fatalf("reason = %v, want error", r)
	}

	_, idB := f.connect(t, "10.0.0.2:1")
	if !f.m.Kick(idB, "test") {
		t.Fatal("kick reported unknown participant")
	}
	if r := <-reasons; r != events.LeaveKicked {
		t.Fatalf("reason = %v, want kicked", r)
	}

	f.connect(t, "10.0.0.3:1")
	f.cancel()
	if r := <-reasons; r != events.LeaveShutdown {
		t.Fatalf("reason = %v, want shutdown", r)
	}
	waitFor(t, "empty registry", func() bool { return f.m.Registry().Len() == 0 })
}

func TestSessionStreamCommands(t *testing.T) {
	f := newManagerFixture(t, nil)
	sa, _ := f.connect(t, "10.0.0.1:1")

	stream := sa.OpenStream()
	stream.Send(`{"type":"ping"}`)
	reply, err := stream.NextReply(waitTimeout)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if decode(t, reply)["type"] != "pong" {
		t.Fatalf("reply = %s", reply)
	}

	stream.Send(`not json`)
	stream.Send(`{"type":"set_name","name":"Alex","id":1}`)

	first, err := stream.NextReply(waitTimeout)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if string(first) != `{"type":"error","message":"invalid message format"}` {
		t.Fatalf("first reply = %s", first)
	}
	second, err := stream.NextReply(waitTimeout)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if string(second) != `{"type":"ack","id":1}` {
		t.Fatalf("second reply = %s", second)
	}

	stream.Finish()
	waitFor(t, "stream close", stream.Closed)

	if f.m.Registry().Len() != 1 {
		t.Fatal("finishing a stream ended the session")
	}
}

func TestSessionDatagrams(t *testing.T) {
	f := newManagerFixture(t, nil)
	sa, idA := f.connect(t, "10.0.0.1:1")
	f.connect(t, "10.0.0.2:1")

	sa.PushDatagram(protocol.BuildTransformDatagram(protocol.Vec3{X: 1, Y: 2, Z: 3}, protocol.Vec3{}))

	p, _ := f.m.Registry().Get(idA)
	waitFor(t, "position update", func() bool {
		return p.State().Position == protocol.Vec3{X: 1, Y: 2, Z: 3}
	})
	if p.State().LastUpdate.IsZero() {
		t.Fatal("lastUpdate not set")
	}
}

func TestHandleDatagram(t *testing.T) {
	f := newManagerFixture(t, nil)
	_, id := f.connect(t, "10.0.0.1:1")
	p, _ := f.m.Registry().Get(id)

	short := protocol.BuildTransformDatagram(protocol.Vec3{X: 9}, protocol.Vec3{})[:24]
	if f.m.HandleDatagram(id, short) {
		t.Fatal("short transform applied")
	}
	if f.m.HandleDatagram(id, []byte{0x02, 0, 0, 0}) {
		t.Fatal("short velocity applied")
	}
	if f.m.HandleDatagram(id, []byte{0x03}) {
		t.Fatal("short input applied")
	}
	if f.m.HandleDatagram(id, []byte{0x7F, 1, 2, 3}) {
		t.Fatal("unknown opcode applied")
	}
	if st := p.State(); st.Position != (protocol.Vec3{}) || st.Velocity != (protocol.Vec3{}) || st.Input != 0 || !st.LastUpdate.IsZero() {
		t.Fatalf("state mutated: %+v", st)
	}

	if !f.m.HandleDatagram(id, protocol.BuildVelocityDatagram(protocol.Vec3{Y: 4})) {
		t.Fatal("velocity not applied")
	}
	if !f.m.HandleDatagram(id, append(protocol.BuildInputDatagram(5), 0xAA)) {
		t.Fatal("input with trailing bytes not applied")
	}
	st := p.State()
	if st.Velocity != (protocol.Vec3{Y: 4}) || st.Input != 5 {
		t.Fatalf("state = %+v", st)
	}

	if f.m.HandleDatagram("unknown", protocol.BuildInputDatagram(1)) {
		t.Fatal("datagram for unknown participant applied")
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.m.newID = func() string { return "same" }

	sa, _ := f.connect(t, "10.0.0.1:1")

	sb := transporttest.NewSession("10.0.0.2:1")
	f.m.HandleSession(f.ctx, sb)

	if sb.CloseCalls() == 0 {
		t.Fatal("duplicate session not closed")
	}
	if f.m.Registry().Len() != 1 {
		t.Fatalf("registry len = %d", f.m.Registry().Len())
	}
	select {
	case <-sa.Done():
		t.Fatal("original session closed")
	default:
	}
}

func TestParticipantLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ServerData.MaxParticipants = 1
	f := newManagerFixture(t, cfg)

	f.connect(t, "10.0.0.1:1")

	sb := transporttest.NewSession("10.0.0.2:1")
	f.m.HandleSession(f.ctx, sb)
	if sb.CloseCalls() == 0 || f.m.Registry().Len() != 1 {
		t.Fatal("session over the limit was not rejected")
	}
}

func TestParticipantLimitConcurrentSessions(t *testing.T) {
	const limit = 2
	cfg := config.DefaultConfig()
	cfg.ServerData.MaxParticipants = limit
	f := newManagerFixture(t, cfg)

	var seq atomic.Int64
	f.m.newID = func() string { return fmt.Sprintf("participant-%d", seq.Add(1)) }

	sessions := make([]*transporttest.Session, 8)
	for i := range sessions {
		sess := transporttest.NewPendingSession(fmt.Sprintf("10.0.1.%d:1", i))
		sessions[i] = sess
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.m.HandleSession(f.ctx, sess)
		}()
	}
	// Every handler is parked on Ready; release them together.
	for _, sess := range sessions {
		sess.MarkReady()
	}

	rejected := len(sessions) - limit
	waitFor(t, "rejections", func() bool {
		closed := 0
		for _, sess := range sessions {
			if sess.CloseCalls() > 0 {
				closed++
			}
		}
		return closed == rejected
	})
	if n := f.m.Registry().Len(); n != limit {
		t.Fatalf("registry len = %d, want %d", n, limit)
	}
}

func TestSessionNeverReady(t *testing.T) {
	f := newManagerFixture(t, nil)
	sess := transporttest.NewPendingSession("10.0.0.1:1")
	sess.CloseWithError(errors.New("handshake failed"))

	f.m.HandleSession(f.ctx, sess)
	if f.m.Registry().Len() != 0 {
		t.Fatal("participant registered for a session that never became ready")
	}
}

func TestAnnounceAndEvents(t *testing.T) {
	f := newManagerFixture(t, nil)
	sa, _ := f.connect(t, "10.0.0.1:1")

	if err := f.bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventAnnounce,
		Payload: events.AnnouncePayload{Message: "restart soon"},
	}); err != nil {
		t.Fatalf("announce: %v", err)
	}

	data, err := sa.NextNotification(waitTimeout)
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	msg := decode(t, data)
	if msg["type"] != "announcement" || msg["message"] != "restart soon" {
		t.Fatalf("announcement = %s", data)
	}

	err = f.bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventKickParticipant,
		Payload: events.KickParticipantPayload{ID: "missing"},
	})
	if err == nil {
		t.Fatal("expected error kicking unknown participant")
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	f := newManagerFixture(t, nil)
	sa, _ := f.connect(t, "10.0.0.1:1")
	sb, _ := f.connect(t, "10.0.0.2:1")

	if err := f.m.Shutdown(waitTimeout); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, s := range []*transporttest.Session{sa, sb} {
		if s.CloseCalls() == 0 {
			t.Fatal("session not closed")
		}
	}
	if f.m.Registry().Len() != 0 {
		t.Fatalf("registry len = %d", f.m.Registry().Len())
	}
}
