package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Mux frame kinds. Every binary WebSocket message carries one frame.
// Format: [kind:1][stream_id:4 LE][payload...]
const (
	FrameStreamData byte = 0x01 // data on a bidirectional stream
	FrameStreamFin  byte = 0x02 // sender finished its half of a stream
	FrameUniStream  byte = 0x03 // complete unidirectional stream
	FrameDatagram   byte = 0x04 // unreliable datagram, stream id 0

	FrameHeaderLen = 5
)

// ErrDatagramDropped is returned when the outbound datagram queue is full.
var ErrDatagramDropped = errors.New("datagram dropped")

var _ Session = (*WSSession)(nil)

// Role selects which side of the connection a session represents.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// WSConfig holds tuning for a WebSocket session.
type WSConfig struct {
	MaxMessageBytes int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	SendQueue       int
	DatagramQueue   int
	AcceptQueue     int
}

// DefaultWSConfig returns the session tuning used by the server.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		MaxMessageBytes: 64 * 1024,
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		SendQueue:       256,
		DatagramQueue:   64,
		AcceptQueue:     16,
	}
}

// EncodeFrame builds one mux frame.
func EncodeFrame(kind byte, streamID uint32, payload []byte) []byte {
	frame := make([]byte, FrameHeaderLen+len(payload))
	frame[0] = kind
	binary.LittleEndian.PutUint32(frame[1:FrameHeaderLen], streamID)
	copy(frame[FrameHeaderLen:], payload)
	return frame
}

// DecodeFrame splits a mux frame into its parts.
func DecodeFrame(frame []byte) (kind byte, streamID uint32, payload []byte, err error) {
	if len(frame) < FrameHeaderLen {
		return 0, 0, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	return frame[0], binary.LittleEndian.Uint32(frame[1:FrameHeaderLen]), frame[FrameHeaderLen:], nil
}

// WSSession multiplexes streams and datagrams over one WebSocket connection.
type WSSession struct {
	conn   *websocket.Conn
	cfg    WSConfig
	role   Role
	remote string
	logger zerolog.Logger

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	send     chan []byte
	dgramOut chan []byte
	dgramIn  chan []byte
	accept   chan *wsStream
	uniIn    chan []byte

	mu         sync.Mutex
	streams    map[uint32]*wsStream
	nextUni    atomic.Uint32
	nextStream atomic.Uint32
}

// NewWSSession wraps an established connection and starts its pumps.
func NewWSSession(conn *websocket.Conn, cfg WSConfig, role Role) *WSSession {
	s := &WSSession{
		conn:     conn,
		cfg:      cfg,
		role:     role,
		remote:   conn.RemoteAddr().String(),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		send:     make(chan []byte, cfg.SendQueue),
		dgramOut: make(chan []byte, cfg.DatagramQueue),
		dgramIn:  make(chan []byte, cfg.DatagramQueue),
		accept:   make(chan *wsStream, cfg.AcceptQueue),
		uniIn:    make(chan []byte, cfg.AcceptQueue),
		streams:  make(map[uint32]*wsStream),
	}
	s.logger = log.With().
		Str("component", "ws_session").
		Str("remote", s.remote).
		Logger()

	go s.readPump()
	go s.writePump()

	// The upgrade handshake has completed by the time a *websocket.Conn exists.
	close(s.ready)
	return s
}

// Dial connects to a session endpoint as a client.
func Dial(ctx context.Context, url string, header http.Header, cfg WSConfig) (*WSSession, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewWSSession(conn, cfg, RoleClient), nil
}

// Ready is closed once the upgrade handshake has completed.
func (s *WSSession) Ready() <-chan struct{} { return s.ready }

// Done is closed when the session ends.
func (s *WSSession) Done() <-chan struct{} { return s.done }

// RemoteAddr returns the peer address of the underlying connection.
func (s *WSSession) RemoteAddr() string { return s.remote }

// Err reports why the session ended.
func (s *WSSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close ends the session with a normal close frame.
func (s *WSSession) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *WSSession) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
		s.conn.Close()

		if err != nil {
			s.logger.Debug().Err(err).Msg("session closed with error")
		} else {
			s.logger.Debug().Msg("session closed")
		}
	})
}

// AcceptStream waits for the peer to open a bidirectional stream.
func (s *WSSession) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case st := <-s.accept:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// OpenStream opens a bidirectional stream. Only clients open streams.
func (s *WSSession) OpenStream(ctx context.Context) (Stream, error) {
	if s.role != RoleClient {
		return nil, fmt.Errorf("server sessions cannot open bidirectional streams")
	}
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	id := s.nextStream.Add(2)
	return s.register(id), nil
}

// OpenUniStream opens a stream whose bytes are sent as one frame on Close.
func (s *WSSession) OpenUniStream(ctx context.Context) (SendStream, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	return &wsUniStream{ctx: ctx, sess: s, id: s.nextUni.Add(2) - 1}, nil
}

// AcceptUniStream returns the payload of the next unidirectional stream
// received from the server.
func (s *WSSession) AcceptUniStream(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.uniIn:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// ReceiveDatagram waits for the next inbound datagram.
func (s *WSSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.dgramIn:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// SendDatagram queues a datagram, dropping it if the queue is full.
func (s *WSSession) SendDatagram(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.dgramOut <- EncodeFrame(FrameDatagram, 0, data):
		return nil
	default:
		return ErrDatagramDropped
	}
}

func (s *WSSession) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
		return nil
	}
}

// sendReliable blocks until the frame is queued or the session ends.
func (s *WSSession) sendReliable(frame []byte) error {
	return s.sendReliableContext(context.Background(), frame)
}

// sendReliableContext is sendReliable bounded by ctx.
func (s *WSSession) sendReliableContext(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *WSSession) register(id uint32) *wsStream {
	st := &wsStream{id: id, sess: s, signal: make(chan struct{}, 1)}
	s.mu.Lock()
	s.streams[id] = st
	s.mu.Unlock()
	return st
}

func (s *WSSession) lookup(id uint32) *wsStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

func (s *WSSession) forget(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// readPump demultiplexes inbound frames until the connection fails.
func (s *WSSession) readPump() {
	var readErr error
	defer func() { s.closeWithError(readErr) }()

	s.conn.SetReadLimit(s.cfg.MaxMessageBytes + FrameHeaderLen)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				readErr = err
			}
			return
		}
		// Any traffic proves the peer is alive.
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		if msgType != websocket.BinaryMessage {
			s.logger.Debug().Int("type", msgType).Msg("ignoring non-binary message")
			continue
		}

		kind, id, payload, err := DecodeFrame(msg)
		if err != nil {
			s.logger.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}

		switch kind {
		case FrameStreamData:
			s.handleStreamData(id, payload)
		case FrameStreamFin:
			if st := s.lookup(id); st != nil {
				st.finish()
			}
		case FrameUniStream:
			if s.role != RoleClient {
				s.logger.Debug().Uint32("stream", id).Msg("ignoring unidirectional stream from client")
				continue
			}
			select {
			case s.uniIn <- payload:
			case <-s.done:
				return
			}
		case FrameDatagram:
			select {
			case s.dgramIn <- payload:
			default:
				s.logger.Trace().Msg("inbound datagram queue full, dropping")
			}
		default:
			s.logger.Debug().Uint8("kind", kind).Msg("unknown frame kind")
		}
	}
}

func (s *WSSession) handleStreamData(id uint32, payload []byte) {
	st := s.lookup(id)
	if st == nil {
		if s.role != RoleServer {
			s.logger.Debug().Uint32("stream", id).Msg("data for unknown stream")
			return
		}
		st = s.register(id)
		select {
		case s.accept <- st:
		case <-s.done:
			return
		}
	}
	st.push(payload)
}

// writePump is the only goroutine writing data messages to the connection.
func (s *WSSession) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		var frame []byte
		select {
		case frame = <-s.send:
		case frame = <-s.dgramOut:
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.closeWithError(fmt.Errorf("ping failed: %w", err))
				return
			}
			continue
		case <-s.done:
			return
		}

		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.closeWithError(fmt.Errorf("write failed: %w", err))
			return
		}
	}
}

// wsStream is a bidirectional stream. Each inbound data frame is returned
// by Read as one chunk.
type wsStream struct {
	id     uint32
	sess   *WSSession
	signal chan struct{}

	mu          sync.Mutex
	queue       [][]byte
	pending     []byte
	finished    bool
	localClosed bool
}

func (st *wsStream) push(chunk []byte) {
	st.mu.Lock()
	st.queue = append(st.queue, chunk)
	st.mu.Unlock()
	st.wake()
}

func (st *wsStream) finish() {
	st.mu.Lock()
	st.finished = true
	done := st.localClosed
	st.mu.Unlock()
	st.wake()
	if done {
		st.sess.forget(st.id)
	}
}

func (st *wsStream) wake() {
	select {
	case st.signal <- struct{}{}:
	default:
	}
}

func (st *wsStream) Read(p []byte) (int, error) {
	for {
		st.mu.Lock()
		if len(st.pending) > 0 {
			n := copy(p, st.pending)
			st.pending = st.pending[n:]
			st.mu.Unlock()
			return n, nil
		}
		if len(st.queue) > 0 {
			chunk := st.queue[0]
			st.queue = st.queue[1:]
			n := copy(p, chunk)
			st.pending = chunk[n:]
			st.mu.Unlock()
			return n, nil
		}
		if st.finished {
			st.mu.Unlock()
			return 0, io.EOF
		}
		st.mu.Unlock()

		select {
		case <-st.signal:
		case <-st.sess.done:
			st.mu.Lock()
			empty := len(st.queue) == 0 && len(st.pending) == 0
			st.mu.Unlock()
			if empty {
				return 0, ErrSessionClosed
			}
		}
	}
}

func (st *wsStream) Write(p []byte) (int, error) {
	st.mu.Lock()
	closed := st.localClosed
	st.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("write on closed stream %d", st.id)
	}

	if err := st.sess.sendReliable(EncodeFrame(FrameStreamData, st.id, p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close finishes the local half of the stream.
func (st *wsStream) Close() error {
	st.mu.Lock()
	if st.localClosed {
		st.mu.Unlock()
		return nil
	}
	st.localClosed = true
	done := st.finished
	st.mu.Unlock()

	if done {
		st.sess.forget(st.id)
	}
	return st.sess.sendReliable(EncodeFrame(FrameStreamFin, st.id, nil))
}

// wsUniStream buffers writes and sends them as one frame on Close. The
// context passed to OpenUniStream also bounds the final send.
type wsUniStream struct {
	ctx    context.Context
	sess   *WSSession
	id     uint32
	buf    bytes.Buffer
	closed bool
}

func (u *wsUniStream) Write(p []byte) (int, error) {
	if u.closed {
		return 0, fmt.Errorf("write on closed stream %d", u.id)
	}
	return u.buf.Write(p)
}

func (u *wsUniStream) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	return u.sess.sendReliableContext(u.ctx, EncodeFrame(FrameUniStream, u.id, u.buf.Bytes()))
}
