package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newSessionPair starts a test server and returns both ends of one session.
func newSessionPair(t *testing.T) (server, client *WSSession) {
	t.Helper()

	accepted := make(chan *WSSession, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- NewWSSession(conn, DefaultWSConfig(), RoleServer)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(ctx, url, nil, DefaultWSConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("server session not accepted")
	}
	t.Cleanup(func() { server.Close() })
	return server, client
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFrameEncoding(t *testing.T) {
	frame := EncodeFrame(FrameStreamData, 0x01020304, []byte("hi"))
	kind, id, payload, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kind != FrameStreamData || id != 0x01020304 || string(payload) != "hi" {
		t.Fatalf("got kind=%d id=%x payload=%q", kind, id, payload)
	}
	if frame[1] != 0x04 {
		t.Fatalf("stream id not little-endian: % x", frame[:5])
	}
	if _, _, _, err := DecodeFrame([]byte{1, 2}); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestWSSessionReady(t *testing.T) {
	server, _ := newSessionPair(t)
	select {
	case <-server.Ready():
	default:
		t.Fatal("server session not ready")
	}
}

func TestWSSessionBidirectionalStream(t *testing.T) {
	server, client := newSessionPair(t)
	ctx := testContext(t)

	cs, err := client.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if _, err := cs.Write([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	if _, err := cs.Write([]byte(`{"type":"get_state"}`)); err != nil {
		t.Fatalf("client write: %v", err)
	}

	ss, err := server.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	buf := make([]byte, 1024)
	for _, want := range []string{`{"type":"ping"}`, `{"type":"get_state"}`} {
		n, err := ss.Read(buf)
		if err != nil {
			t.Fatalf("server read: %v", err)
		}
		if got := string(buf[:n]); got != want {
			t.Fatalf("server read %q, want %q", got, want)
		}
	}

	if _, err := ss.Write([]byte("reply")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	n, err := cs.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf[:n]) != "reply" {
		t.Fatalf("client read %q", buf[:n])
	}

	if err := cs.Close(); err != nil {
		t.Fatalf("client close: %v", err)
	}
	if _, err := ss.Read(buf); err != io.EOF {
		t.Fatalf("server read after fin: %v, want io.EOF", err)
	}
}

func TestWSSessionUniStream(t *testing.T) {
	server, client := newSessionPair(t)
	ctx := testContext(t)

	us, err := server.OpenUniStream(ctx)
	if err != nil {
		t.Fatalf("open uni: %v", err)
	}
	us.Write([]byte(`{"type":"player_joined",`))
	us.Write([]byte(`"participant":"p"}`))
	if err := us.Close(); err != nil {
		t.Fatalf("close uni: %v", err)
	}

	data, err := client.AcceptUniStream(ctx)
	if err != nil {
		t.Fatalf("accept uni: %v", err)
	}
	if string(data) != `{"type":"player_joined","participant":"p"}` {
		t.Fatalf("uni payload %q", data)
	}
}

func TestWSSessionDatagrams(t *testing.T) {
	server, client := newSessionPair(t)
	ctx := testContext(t)

	if err := client.SendDatagram([]byte{0x03, 0x01}); err != nil {
		t.Fatalf("client send: %v", err)
	}
	got, err := server.ReceiveDatagram(ctx)
	if err != nil {
		t.Fatalf("server receive: %v", err)
	}
	if len(got) != 2 || got[0] != 0x03 || got[1] != 0x01 {
		t.Fatalf("server got % x", got)
	}

	if err := server.SendDatagram([]byte{0xFF}); err != nil {
		t.Fatalf("server send: %v", err)
	}
	got, err = client.ReceiveDatagram(ctx)
	if err != nil {
		t.Fatalf("client receive: %v", err)
	}
	if len(got) != 1 || got[0] != 0xFF {
		t.Fatalf("client got % x", got)
	}
}

func TestWSSessionClose(t *testing.T) {
	server, client := newSessionPair(t)
	ctx := testContext(t)

	client.Close()

	select {
	case <-server.Done():
	case <-ctx.Done():
		t.Fatal("server session did not observe close")
	}
	if err := server.Err(); err != nil {
		t.Fatalf("clean close reported error: %v", err)
	}
	if _, err := server.AcceptStream(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("accept after close: %v", err)
	}
	if err := server.SendDatagram([]byte{1}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after close: %v", err)
	}
	if _, err := server.OpenUniStream(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("open uni after close: %v", err)
	}
}

func TestUniStreamCloseHonorsContext(t *testing.T) {
	// No write pump drains send, so the final frame can never be queued.
	s := &WSSession{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
		send:  make(chan []byte),
	}
	close(s.ready)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	stream, err := s.OpenUniStream(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := stream.Write([]byte("notice")); err != nil {
		t.Fatalf("write: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- stream.Close() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("close err = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked past its context deadline")
	}
}
