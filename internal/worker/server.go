package worker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/filipelabs/taskrun/internal/common/logger"
	"github.com/filipelabs/taskrun/internal/identity"
	"github.com/filipelabs/taskrun/internal/ids"
	"github.com/filipelabs/taskrun/internal/state"
)

// upgrader has CheckOrigin always-true because the worker stream is
// authenticated by mTLS, not by browser same-origin policy.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the mTLS-terminating listener Workers stream against.
type Server struct {
	store *state.StateStore
	log   *logger.Logger
}

// NewServer builds a Server bound to store.
func NewServer(store *state.StateStore, log *logger.Logger) *Server {
	return &Server{store: store, log: log}
}

// TLSConfig builds a server tls.Config requiring and verifying a client
// certificate signed by ca (spec.md §5, §6: "client-root = the CA,
// requires the client certificate").
func TLSConfig(serverCert tls.Certificate, ca *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    ca,
		MinVersion:   tls.VersionTLS12,
	}
}

// ServeHTTP upgrades an authenticated connection to a WebSocket stream and
// runs a Session over it until the session ends. The caller's http.Server
// must be configured with TLSConfig so r.TLS.PeerCertificates is
// populated.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}

	cn := r.TLS.PeerCertificates[0].Subject.CommonName
	workerIDStr, err := identity.ParseWorkerCN(cn)
	if err != nil {
		srv.log.Warn("rejecting worker session with malformed CN", zap.String("cn", cn), zap.Error(err))
		http.Error(w, "invalid client certificate subject", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	workerID := ids.WorkerId(workerIDStr)
	session := NewSession(conn, workerID, srv.store, srv.log)

	go func() {
		if err := session.Run(context.Background()); err != nil {
			srv.log.Info("worker session ended", zap.String("worker_id", workerID.String()), zap.Error(err))
		}
	}()
}
