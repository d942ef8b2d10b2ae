package bus

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/filipelabs/taskrun/internal/common/logger"
)

// NATSBridge republishes every UiNotification onto a NATS subject, giving
// external dashboards a transport that doesn't require holding a Go
// channel open inside this process. It is a bridge, not a replacement:
// the in-memory UiBus remains the source of truth and the only thing the
// StateStore ever publishes to directly.
type NATSBridge struct {
	conn    *nats.Conn
	subject string
	log     *logger.Logger
}

// NewNATSBridge connects to a NATS server at url. Connection lifecycle
// logging mirrors the teacher's event-bus NATS client: disconnect,
// reconnect, and terminal-close are all logged, never fatal to the
// control plane itself.
func NewNATSBridge(url, subject string, log *logger.Logger) (*NATSBridge, error) {
	log = log.WithFields(zap.String("component", "ui-bus-nats-bridge"))

	conn, err := nats.Connect(url,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Warn("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("nats error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}

	return &NATSBridge{conn: conn, subject: subject, log: log}, nil
}

// Run drains uiBus's subscription and publishes each notification to NATS
// until ctx is cancelled.
func (b *NATSBridge) Run(ctx context.Context, uiBus *UiBus) {
	sub := uiBus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				b.log.Error("failed to marshal ui notification", zap.Error(err))
				continue
			}
			if err := b.conn.Publish(b.subject, data); err != nil {
				b.log.Error("failed to publish ui notification", zap.Error(err))
			}
		}
	}
}

// Close drains and closes the underlying NATS connection.
func (b *NATSBridge) Close() {
	b.conn.Close()
}
