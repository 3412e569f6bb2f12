// Package bus listens for rule-change notifications on NATS.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"vigil/internal/logger"
)

// Event is the optional payload of a rule-change notification. Any message
// on the subject counts as a change, whatever its body.
type Event struct {
	RuleID  string `json:"rule_id"`
	Version int    `json:"version,omitempty"`
}

// Invalidator is notified of every rule change.
type Invalidator interface {
	Invalidate()
}

// Subscriber owns one NATS connection.
type Subscriber struct {
	Conn *nats.Conn
	log  zerolog.Logger
}

// NewSubscriber connects to url and keeps reconnecting on loss.
func NewSubscriber(url, name string) (*Subscriber, error) {
	log := logger.WithComponent("bus")
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Subscriber{Conn: conn, log: log}, nil
}

// Close drains and closes the connection.
func (s *Subscriber) Close() {
	if s.Conn != nil {
		_ = s.Conn.Drain()
		s.Conn.Close()
	}
}

// Subscribe calls handler for every message on subject. Bodies that are not
// an Event decode to the zero Event.
func (s *Subscriber) Subscribe(subject string, handler func(Event)) (*nats.Subscription, error) {
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(decode(msg.Data))
	})
}

// InvalidateOn subscribes target to rule changes on subject.
func (s *Subscriber) InvalidateOn(subject string, target Invalidator) (*nats.Subscription, error) {
	sub, err := s.Subscribe(subject, func(evt Event) {
		target.Invalidate()
		s.log.Debug().Str("rule_id", evt.RuleID).Int("version", evt.Version).Msg("rule change received")
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.log.Info().Str("subject", subject).Msg("listening for rule changes")
	return sub, nil
}

func decode(data []byte) Event {
	var evt Event
	if len(data) == 0 {
		return evt
	}
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}
	}
	return evt
}
