package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"dm-relay/errors"
)

// Nats is the cross-process bus implementation.
// Reconnection is delegated to the client: unlimited retries with a fixed
// wait, so a broker restart does not kill the relay.
type Nats struct {
	conn *nats.Conn
	log  *slog.Logger
	subs []*nats.Subscription
}

func ConnectNats(url, name string, log *slog.Logger) (*Nats, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrBusUnavailable, err)
	}
	return &Nats{conn: conn, log: log}, nil
}

func (n *Nats) Publish(topic string, payload []byte) error {
	if err := n.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrBusUnavailable, err)
	}
	return nil
}

func (n *Nats) Subscribe(topic string, handler func(payload []byte)) error {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrBusUnavailable, err)
	}
	n.subs = append(n.subs, sub)
	return nil
}

// Close unsubscribes and drains the connection so in-flight callbacks finish.
func (n *Nats) Close() {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	if err := n.conn.Drain(); err != nil {
		n.log.Warn("NATS drain failed", "error", err)
	}
}
