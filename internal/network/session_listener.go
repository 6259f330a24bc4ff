// Package network accepts participant connections and hands each
// established session to the session manager.
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/energizer-project/tether/internal/config"
	"github.com/energizer-project/tether/internal/server"
	"github.com/energizer-project/tether/internal/transport"
	"github.com/energizer-project/tether/internal/util"
)

// Counter reports how many participants are currently connected.
type Counter interface {
	Len() int
}

// SessionListener serves the session endpoint and upgrades each request
// into a multiplexed transport session.
type SessionListener struct {
	cfg      *config.Config
	handler  transport.Handler
	counter  Counter
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	httpServer *http.Server
}

// NewSessionListener creates a listener that passes sessions to handler.
// counter may be nil, in which case the participant limit is left to the
// handler.
func NewSessionListener(cfg *config.Config, handler transport.Handler, counter Counter) *SessionListener {
	l := &SessionListener{
		cfg:     cfg,
		handler: handler,
		counter: counter,
		logger:  util.ComponentLogger("session_listener"),
	}
	l.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      l.checkOrigin,
	}
	return l
}

// Handler returns the HTTP handler for the session endpoint. Sessions it
// creates run until ctx is cancelled or the peer disconnects.
func (l *SessionListener) Handler(ctx context.Context) http.Handler {
	path := l.cfg.GetServerData().SessionPath
	if path == "" {
		path = config.DefaultSessionPath
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		l.serveSession(ctx, w, r)
	})
	return mux
}

// Start binds the session port and serves until ctx is cancelled.
func (l *SessionListener) Start(ctx context.Context) error {
	sd := l.cfg.GetServerData()
	addr := net.JoinHostPort(sd.BindAddress, strconv.Itoa(sd.SessionPort))

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	sec := l.cfg.GetApplicationData().Security
	scheme := "ws"
	if sec.TLSEnabled {
		cert, err := util.LoadOrCreateCertificate(sec.TLSCertFile, sec.TLSKeyFile, sec.AutoGenerateCert, sd.BindAddress)
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		scheme = "wss"
	}

	l.httpServer = &http.Server{
		Handler:           l.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.httpServer.Shutdown(shutdownCtx)
	}()

	l.logger.Info().
		Str("address", addr).
		Str("url", fmt.Sprintf("%s://%s%s", scheme, ln.Addr(), sd.SessionPath)).
		Msg("session listener started")

	if err := l.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("session listener: %w", err)
	}
	l.logger.Info().Msg("session listener stopped")
	return nil
}

func (l *SessionListener) serveSession(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	sd := l.cfg.GetServerData()
	if l.counter != nil && sd.MaxParticipants > 0 && l.counter.Len() >= sd.MaxParticipants {
		l.logger.Warn().
			Err(server.ErrServerFull).
			Str("remote", r.RemoteAddr).
			Int("max_participants", sd.MaxParticipants).
			Msg("rejecting session")
		http.Error(w, server.ErrServerFull.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		l.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("session upgrade failed")
		return
	}

	wsCfg := transport.DefaultWSConfig()
	if sd.MaxMessageBytes > 0 {
		wsCfg.MaxMessageBytes = int64(sd.MaxMessageBytes)
	}
	sess := transport.NewWSSession(conn, wsCfg, transport.RoleServer)

	l.logger.Debug().Str("remote", sess.RemoteAddr()).Msg("session established")
	go l.handler.HandleSession(ctx, sess)
}

// checkOrigin accepts requests without an Origin header and, when
// allowed_origins is set, browser requests from the listed origins.
func (l *SessionListener) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := l.cfg.GetServerData().AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
			return true
		}
	}
	return false
}
