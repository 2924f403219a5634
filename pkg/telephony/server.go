package telephony

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// SessionHandler is invoked once per accepted media stream. It runs on its own
// goroutine and owns the session; the server closes the session when the
// handler returns.
type SessionHandler func(ctx context.Context, sess *MediaSession)

// Server listens for carrier media-stream WebSocket connections and hands each
// successfully handshaken stream to the configured [SessionHandler].
type Server struct {
	addr    string
	path    string
	handler SessionHandler

	httpSrv *http.Server
}

// Option configures a [Server].
type Option func(*Server)

// WithPath sets the HTTP path the media WebSocket is served on.
// Default: "/media".
func WithPath(path string) Option {
	return func(s *Server) { s.path = path }
}

// NewServer creates a media transport server bound to addr. handler must be
// non-nil.
func NewServer(addr string, handler SessionHandler, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, errors.New("telephony: handler must not be nil")
	}
	s := &Server{
		addr:    addr,
		path:    "/media",
		handler: handler,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Run serves media connections until ctx is cancelled, then shuts the HTTP
// listener down. It always returns a non-nil error; on clean shutdown the
// error is [http.ErrServerClosed].
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	})

	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return http.ErrServerClosed
	}
}

// handleUpgrade upgrades the HTTP request, performs the carrier handshake,
// and dispatches the session to the handler.
func (s *Server) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("telephony: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sess, err := Accept(ctx, conn)
	if err != nil {
		slog.Warn("telephony: handshake failed", "remote", r.RemoteAddr, "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	slog.Info("telephony: media stream accepted",
		"call_sid", sess.Info().CallSid,
		"from", sess.Info().From,
		"to", sess.Info().To,
	)

	s.handler(ctx, sess)
	_ = sess.Close("handler finished")
}
