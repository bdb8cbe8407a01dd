// Package bus carries state and backup-list broadcasts from the
// supervisor to the control layer over an embedded NATS server.
package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects published by the supervisor and consumed by the control server
const (
	SubjectState   = "warden.state"
	SubjectBackups = "warden.backups"
)

const readyTimeout = 5 * time.Second

// Bus is an in-process message bus. The embedded server never binds a
// socket; clients connect through the in-process transport.
type Bus struct {
	srv  *server.Server
	conn *nats.Conn
}

// New starts the embedded server and connects to it
func New() (*Bus, error) {
	srv, err := server.NewServer(&server.Options{
		ServerName: "warden",
		DontListen: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bus server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(readyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("bus server not ready after %v", readyTimeout)
	}

	conn, err := nats.Connect("", nats.InProcessServer(srv))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connecting to bus: %w", err)
	}

	return &Bus{srv: srv, conn: conn}, nil
}

// Publish sends a payload on a subject
func (b *Bus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Subscribe registers a handler for a subject
func (b *Bus) Subscribe(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	return b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains the connection and stops the embedded server
func (b *Bus) Close() {
	b.conn.Drain()
	b.srv.Shutdown()
	b.srv.WaitForShutdown()
}
