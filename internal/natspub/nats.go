// Package natspub publishes truck proximity events to NATS subjects.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sweeney/truck-notifier/internal/logic"
)

// DefaultSubjectPrefix is the first subject token when none is configured.
const DefaultSubjectPrefix = "garbage.truck"

// Metrics receives publish results. SinkMetrics from the metrics package
// satisfies it.
type Metrics interface {
	PublishedInc()
	PublishErrInc()
	SetConnected(bool)
}

// conn is the subset of *nats.Conn used by Publisher.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
	Close()
}

// Publisher sends transition events as JSON on <prefix>.<line>.<event>.
type Publisher struct {
	nc      conn
	prefix  string
	log     zerolog.Logger
	metrics Metrics
}

// Options configures a Publisher.
type Options struct {
	URL           string
	SubjectPrefix string
	Logger        zerolog.Logger
	Metrics       Metrics
}

// Connect dials the NATS server and returns a ready Publisher.
func Connect(opts Options) (*Publisher, error) {
	log := opts.Logger
	m := opts.Metrics
	nc, err := nats.Connect(opts.URL,
		nats.Name("truck-notifier"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.SetConnected(false)
			}
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(true)
			}
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	if m != nil {
		m.SetConnected(true)
	}
	return newPublisher(nc, opts), nil
}

func newPublisher(nc conn, opts Options) *Publisher {
	prefix := strings.Trim(opts.SubjectPrefix, ". ")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{nc: nc, prefix: prefix, log: opts.Logger, metrics: opts.Metrics}
}

// EventMessage is the JSON body published for each transition.
type EventMessage struct {
	ID         string    `json:"id"`
	Event      string    `json:"event"`
	State      string    `json:"state"`
	Reason     string    `json:"reason"`
	LineID     string    `json:"lineId"`
	LineName   string    `json:"lineName"`
	CarNo      string    `json:"carNo"`
	EnterPoint string    `json:"enterPoint"`
	ExitPoint  string    `json:"exitPoint"`
	Timestamp  time.Time `json:"timestamp"`
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(ev logic.Event) string {
	line := ev.LineID
	if line == "" {
		line = ev.LineName
	}
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(line), subjectToken(string(ev.Type)))
}

// Notify publishes ev. It implements the monitor's notifier hook.
func (p *Publisher) Notify(_ context.Context, ev logic.Event) error {
	b, err := json.Marshal(EventMessage{
		ID:         ev.ID,
		Event:      string(ev.Type),
		State:      string(ev.State),
		Reason:     ev.Reason,
		LineID:     ev.LineID,
		LineName:   ev.LineName,
		CarNo:      ev.CarNo,
		EnterPoint: ev.Enter,
		ExitPoint:  ev.Exit,
		Timestamp:  ev.Timestamp,
	})
	if err != nil {
		return err
	}

	subject := p.Subject(ev)
	p.log.Debug().Str("subject", subject).Msg("nats publish")
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		if err != nil {
			p.metrics.PublishErrInc()
		} else {
			p.metrics.PublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
