// Package events publishes reference data resolution events so that other
// consumers can refresh their own views of the store.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subjects published by the engine, relative to the configured prefix.
const (
	SubjectRouteResolved    = "route.resolved"
	SubjectAircraftResolved = "aircraft.resolved"
)

// Event is the envelope of every published message.
type Event struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Key    string    `json:"key"`
	Source string    `json:"source,omitempty"`
	Time   time.Time `json:"time"`
	Data   any       `json:"data"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(typ, key, source string, data any) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   typ,
		Key:    key,
		Source: source,
		Time:   time.Now().UTC(),
		Data:   data,
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Config configures the NATS publisher.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATS publishes events on core NATS subjects.
type NATS struct {
	conn   *natsgo.Conn
	prefix string
	log    zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// Connect opens a NATS connection. The connection keeps retrying in the
// background, so an unreachable server does not fail startup.
func Connect(cfg Config, log zerolog.Logger) (*NATS, error) {
	log = log.With().Str("component", "events").Logger()
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	conn, err := natsgo.Connect(cfg.URL,
		natsgo.Name("web1090"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: conn, prefix: cfg.SubjectPrefix, log: log}, nil
}

// Subject returns the full subject for an event type.
func (n *NATS) Subject(typ string) string {
	if n.prefix == "" {
		return typ
	}
	return n.prefix + "." + typ
}

// Publish sends ev with its id as the message id header.
func (n *NATS) Publish(_ context.Context, ev Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return fmt.Errorf("publisher is closed")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := natsgo.NewMsg(n.Subject(ev.Type))
	msg.Header.Set(natsgo.MsgIdHdr, ev.ID)
	msg.Data = data
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.conn.Drain()
}
