// Package registry tracks the participants connected to the server and
// their latest replicated state.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tether/internal/protocol"
	"github.com/energizer-project/tether/internal/transport"
)

var (
	// ErrDuplicateID is returned when adding an id that is already registered.
	ErrDuplicateID = errors.New("participant id already registered")
	// ErrFull is returned by AddLimited when the registry is at capacity.
	ErrFull = errors.New("participant limit reached")
)

// Participant is one connected session and its replicated state.
// Field groups are written atomically under the record mutex.
type Participant struct {
	ID       string
	JoinedAt time.Time

	session transport.Session

	mu          sync.RWMutex
	displayName string
	position    protocol.Vec3
	rotation    protocol.Vec3
	velocity    protocol.Vec3
	input       uint8
	lastUpdate  time.Time
}

// State is a coherent copy of a participant's fields.
type State struct {
	ID          string
	RemoteAddr  string
	DisplayName string
	Position    protocol.Vec3
	Rotation    protocol.Vec3
	Velocity    protocol.Vec3
	Input       uint8
	LastUpdate  time.Time
	JoinedAt    time.Time
}

// Wire returns the snapshot record for this state.
func (s State) Wire() protocol.ParticipantState {
	return protocol.ParticipantState{
		ID:       s.ID,
		Position: s.Position,
		Rotation: s.Rotation,
		Velocity: s.Velocity,
	}
}

// NewParticipant creates a participant with zeroed state.
func NewParticipant(id string, sess transport.Session) *Participant {
	return &Participant{
		ID:       id,
		JoinedAt: time.Now(),
		session:  sess,
	}
}

// Session returns the participant's transport session.
func (p *Participant) Session() transport.Session {
	return p.session
}

// State returns a coherent copy of the participant's fields.
func (p *Participant) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var remote string
	if p.session != nil {
		remote = p.session.RemoteAddr()
	}

	return State{
		ID:          p.ID,
		RemoteAddr:  remote,
		DisplayName: p.displayName,
		Position:    p.position,
		Rotation:    p.rotation,
		Velocity:    p.velocity,
		Input:       p.input,
		LastUpdate:  p.lastUpdate,
		JoinedAt:    p.JoinedAt,
	}
}

// DisplayName returns the current display name.
func (p *Participant) DisplayName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.displayName
}

// SetName replaces the display name.
func (p *Participant) SetName(name string) {
	p.mu.Lock()
	p.displayName = name
	p.mu.Unlock()
}

// SetTransform replaces position and rotation together and stamps lastUpdate.
func (p *Participant) SetTransform(pos, rot protocol.Vec3, at time.Time) {
	p.mu.Lock()
	p.position = pos
	p.rotation = rot
	p.lastUpdate = at
	p.mu.Unlock()
}

// SetVelocity replaces the velocity.
func (p *Participant) SetVelocity(vel protocol.Vec3) {
	p.mu.Lock()
	p.velocity = vel
	p.mu.Unlock()
}

// SetInput replaces the input bitfield.
func (p *Participant) SetInput(input uint8) {
	p.mu.Lock()
	p.input = input
	p.mu.Unlock()
}

// Entry pairs a participant with the state captured in a snapshot.
type Entry struct {
	Participant *Participant
	State       State
}

// Registry is the set of connected participants keyed by id.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]*Participant
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		participants: make(map[string]*Participant),
	}
}

// Add registers a new participant for sess.
func (r *Registry) Add(id string, sess transport.Session) (*Participant, error) {
	return r.AddLimited(id, sess, 0)
}

// AddLimited registers a new participant unless limit records are already
// present. The capacity check and the insert happen under one lock.
// A limit of zero or less means no limit.
func (r *Registry) AddLimited(id string, sess transport.Session, limit int) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit > 0 && len(r.participants) >= limit {
		return nil, ErrFull
	}
	if _, ok := r.participants[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	p := NewParticipant(id, sess)
	r.participants[id] = p
	log.Debug().Str("participant", id).Int("count", len(r.participants)).Msg("participant registered")
	return p, nil
}

// Remove deletes a participant. It reports whether a record was removed,
// so repeated calls for the same id are no-ops.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[id]; !ok {
		return false
	}
	delete(r.participants, id)
	log.Debug().Str("participant", id).Int("count", len(r.participants)).Msg("participant unregistered")
	return true
}

// Get returns the participant with the given id.
func (r *Registry) Get(id string) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	return p, ok
}

// All returns a point-in-time copy of the membership.
func (r *Registry) All() []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		result = append(result, p)
	}
	return result
}

// Snapshot captures membership and every participant's state while
// holding the registry lock, so no participant joins or leaves mid-capture.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Entry, 0, len(r.participants))
	for _, p := range r.participants {
		result = append(result, Entry{Participant: p, State: p.State()})
	}
	return result
}

// Len returns the number of registered participants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// IdleSince counts participants whose last transform update is older than
// cutoff. Participants that never sent one count from their join time.
func (r *Registry) IdleSince(cutoff time.Time) int {
	idle := 0
	for _, p := range r.All() {
		st := p.State()
		last := st.LastUpdate
		if last.IsZero() {
			last = st.JoinedAt
		}
		if last.Before(cutoff) {
			idle++
		}
	}
	return idle
}
