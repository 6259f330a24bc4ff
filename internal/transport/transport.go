// Package transport defines the session abstraction the server core runs on:
// one session per participant connection, carrying reliable bidirectional
// streams opened by the participant, reliable unidirectional streams opened
// by the server, and unreliable datagrams in both directions.
package transport

import (
	"context"
	"errors"
	"io"
)

// ErrSessionClosed is returned by operations on a session that has ended.
var ErrSessionClosed = errors.New("session closed")

// Session is one participant connection.
type Session interface {
	// Ready is closed once the handshake has completed.
	Ready() <-chan struct{}
	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err reports why the session ended, nil for a clean close.
	Err() error

	// AcceptStream blocks until the peer opens a bidirectional stream.
	AcceptStream(ctx context.Context) (Stream, error)
	// OpenUniStream opens a server-to-peer stream.
	OpenUniStream(ctx context.Context) (SendStream, error)

	// ReceiveDatagram blocks until a datagram arrives.
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	// SendDatagram queues a datagram without blocking. Delivery is not
	// guaranteed.
	SendDatagram(data []byte) error

	RemoteAddr() string
	Close() error
}

// Stream is a reliable bidirectional stream. Read returns io.EOF once the
// peer has finished sending.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// SendStream is a reliable stream the server writes and then closes.
type SendStream interface {
	io.Writer
	io.Closer
}

// Handler consumes established sessions.
type Handler interface {
	HandleSession(ctx context.Context, sess Session)
}
