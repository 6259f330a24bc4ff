// Package transporttest provides an in-memory transport.Session for tests.
package transporttest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/energizer-project/tether/internal/transport"
)

const queueSize = 256

// Session is an in-memory session. Methods of transport.Session are the
// server side; the remaining exported methods act as the remote peer.
type Session struct {
	remote string

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	streams chan *Stream
	dgramIn chan []byte
	uni     chan []byte

	mu         sync.Mutex
	err        error
	sent       [][]byte
	dgramErr   error
	uniErr     error
	closeCalls int
}

var _ transport.Session = (*Session)(nil)

// NewSession returns a session that is already ready.
func NewSession(remote string) *Session {
	s := NewPendingSession(remote)
	s.MarkReady()
	return s
}

// NewPendingSession returns a session whose handshake has not completed.
func NewPendingSession(remote string) *Session {
	return &Session{
		remote:  remote,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		streams: make(chan *Stream, queueSize),
		dgramIn: make(chan []byte, queueSize),
		uni:     make(chan []byte, queueSize),
	}
}

// MarkReady completes the handshake.
func (s *Session) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) Ready() <-chan struct{} { return s.ready }
func (s *Session) Done() <-chan struct{} { return s.done }
func (s *Session) RemoteAddr() string { return s.remote }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.CloseWithError(nil)
	return nil
}

// CloseWithError ends the session as if the transport failed.
func (s *Session) CloseWithError(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// CloseCalls reports how many times Close was called by the server.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

func (s *Session) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case st := <-s.streams:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, transport.ErrSessionClosed
	}
}

func (s *Session) OpenUniStream(ctx context.Context) (transport.SendStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-s.done:
		return nil, transport.ErrSessionClosed
	default:
	}

	s.mu.Lock()
	err := s.uniErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &uniStream{sess: s}, nil
}

func (s *Session) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.dgramIn:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, transport.ErrSessionClosed
	}
}

func (s *Session) SendDatagram(data []byte) error {
	select {
	case <-s.done:
		return transport.ErrSessionClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dgramErr != nil {
		return s.dgramErr
	}
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

// ---- Peer side ----

// OpenStream opens a bidirectional stream from the peer.
func (s *Session) OpenStream() *Stream {
	st := &Stream{
		sess:     s,
		in:       make(chan []byte, queueSize),
		out:      make(chan []byte, queueSize),
		finished: make(chan struct{}),
	}
	s.streams <- st
	return st
}

// PushDatagram delivers a datagram from the peer.
func (s *Session) PushDatagram(data []byte) {
	s.dgramIn <- data
}

// Datagrams returns copies of every datagram the server sent.
func (s *Session) Datagrams() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// FailDatagrams makes SendDatagram return err. A nil err restores delivery.
func (s *Session) FailDatagrams(err error) {
	s.mu.Lock()
	s.dgramErr = err
	s.mu.Unlock()
}

// FailUniStreams makes OpenUniStream return err. A nil err restores it.
func (s *Session) FailUniStreams(err error) {
	s.mu.Lock()
	s.uniErr = err
	s.mu.Unlock()
}

// NextNotification waits for the next completed unidirectional stream.
func (s *Session) NextNotification(timeout time.Duration) ([]byte, error) {
	select {
	case data := <-s.uni:
		return data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no notification within %s", timeout)
	}
}

// PendingNotifications drains notifications received so far without waiting.
func (s *Session) PendingNotifications() [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-s.uni:
			out = append(out, data)
		default:
			return out
		}
	}
}

// Stream is an in-memory bidirectional stream.
type Stream struct {
	sess *Session

	in         chan []byte
	pending    []byte
	finished   chan struct{}
	finishOnce sync.Once

	out chan []byte

	mu     sync.Mutex
	closed bool
}

var _ transport.Stream = (*Stream)(nil)

// Send writes one message chunk from the peer.
func (st *Stream) Send(msg string) {
	st.in <- []byte(msg)
}

// Finish ends the peer's half of the stream.
func (st *Stream) Finish() {
	st.finishOnce.Do(func() { close(st.finished) })
}

// NextReply waits for the next chunk the server wrote.
func (st *Stream) NextReply(timeout time.Duration) ([]byte, error) {
	select {
	case data := <-st.out:
		return data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no reply within %s", timeout)
	}
}

// Closed reports whether the server closed the stream.
func (st *Stream) Closed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

func (st *Stream) Read(p []byte) (int, error) {
	if len(st.pending) > 0 {
		n := copy(p, st.pending)
		st.pending = st.pending[n:]
		return n, nil
	}

	select {
	case chunk := <-st.in:
		return st.deliver(p, chunk), nil
	default:
	}

	select {
	case chunk := <-st.in:
		return st.deliver(p, chunk), nil
	case <-st.finished:
		select {
		case chunk := <-st.in:
			return st.deliver(p, chunk), nil
		default:
			return 0, io.EOF
		}
	case <-st.sess.done:
		return 0, transport.ErrSessionClosed
	}
}

func (st *Stream) deliver(p, chunk []byte) int {
	n := copy(p, chunk)
	st.pending = chunk[n:]
	return n
}

func (st *Stream) Write(p []byte) (int, error) {
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("write on closed stream")
	}
	select {
	case <-st.sess.done:
		return 0, transport.ErrSessionClosed
	default:
	}
	st.out <- append([]byte(nil), p...)
	return len(p), nil
}

func (st *Stream) Close() error {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	return nil
}

type uniStream struct {
	sess   *Session
	buf    bytes.Buffer
	closed bool
}

func (u *uniStream) Write(p []byte) (int, error) {
	if u.closed {
		return 0, fmt.Errorf("write on closed stream")
	}
	return u.buf.Write(p)
}

func (u *uniStream) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	u.sess.uni <- append([]byte(nil), u.buf.Bytes()...)
	return nil
}
