package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// WTServer accepts WebTransport sessions on a single path, handing each
// upgraded session to the callback as a connector. Used by the loopback
// example and integration tests as the peer endpoint for the WebTransport
// backend; a production deployment terminates sessions at the SFU instead.
type WTServer struct {
	log  *slog.Logger
	srv  *webtransport.Server
	once sync.Once
}

// NewWTServer builds a server listening on addr (e.g. ":4443") with the
// given TLS certificate. WebTransport requires certificates valid for at
// most 14 days when clients pin by hash; see the certs package. Each
// accepted session on path is passed to onSession.
func NewWTServer(addr, path string, cert tls.Certificate, onSession func(*WTConnector), log *slog.Logger) *WTServer {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "wt-server")

	s := &WTServer{log: log}
	s.srv = &webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.srv.Upgrade(w, r)
		if err != nil {
			log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		log.Info("session accepted", "remote", r.RemoteAddr)
		onSession(NewWTConnector(sess, log))
	})
	s.srv.H3.Handler = mux
	return s
}

// ListenAndServe blocks serving sessions until Close.
func (s *WTServer) ListenAndServe() error {
	if err := s.srv.ListenAndServe(); err != nil {
		return fmt.Errorf("webtransport serve: %w", err)
	}
	return nil
}

// Close shuts the listener down.
func (s *WTServer) Close() error {
	var err error
	s.once.Do(func() { err = s.srv.Close() })
	return err
}

// Shutdown is Close with context semantics for symmetry with net/http.
func (s *WTServer) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
