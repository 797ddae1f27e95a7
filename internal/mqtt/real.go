package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sweeney/truck-notifier/internal/logic"
	"github.com/sweeney/truck-notifier/internal/status"
)

// DefaultBufferSize is the number of messages held while disconnected.
const DefaultBufferSize = 100

const publishTimeout = 5 * time.Second

// client is the subset of paho.Client used by RealPublisher.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Options configures a RealPublisher.
type Options struct {
	Broker     string
	ClientID   string
	BufferSize int
	Logger     zerolog.Logger
	Metrics    Metrics
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed on reconnect.
type RealPublisher struct {
	client client
	log    zerolog.Logger
	mets   Metrics

	mu        sync.Mutex
	outbox    *outbox
	connected bool // at least one successful connection
}

// NewRealPublisher creates a publisher connected to the given broker.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	if opts.ClientID == "" {
		opts.ClientID = "truck-notifier"
	}
	p := newPublisher(nil, opts)

	will, _ := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "OFFLINE",
		Reason:    "MQTT_DISCONNECT",
	})

	pahoOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(TopicSystem, string(will), 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { p.onConnectionLost(err) })

	c := paho.NewClient(pahoOpts)
	p.client = c

	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func newPublisher(c client, opts Options) *RealPublisher {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &RealPublisher{
		client: c,
		log:    opts.Logger,
		mets:   opts.Metrics,
		outbox: newOutbox(size, opts.Logger),
	}
}

// Publish sends a proximity event to the MQTT broker.
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return p.send(bufferedMsg{topic: Topic, payload: payload})
}

// PublishState sends the current tracker state as a retained message.
func (p *RealPublisher) PublishState(resp status.Response) error {
	payload, err := FormatStatePayload(resp)
	if err != nil {
		return fmt.Errorf("format state payload: %w", err)
	}
	return p.send(bufferedMsg{topic: TopicState, payload: payload, qos: 1, retained: true})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) for lifecycle events - we want to ensure delivery
	return p.send(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Buffered returns the number of messages waiting for a reconnect.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbox.len()
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	p.mu.Lock()
	if !p.client.IsConnected() {
		p.outbox.push(msg)
		p.mu.Unlock()
		p.log.Debug().Str("topic", msg.topic).Msg("mqtt: disconnected, message buffered")
		return nil
	}
	p.mu.Unlock()
	return p.publish(msg)
}

func (p *RealPublisher) publish(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// onConnect replays buffered messages. On reconnect it also announces
// the recovery on the system topic.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	pending := p.outbox.drainAll()
	reconnect := p.connected
	p.connected = true
	p.mu.Unlock()

	if p.mets != nil {
		p.mets.SetConnected(true)
	}
	if reconnect {
		p.log.Info().Int("buffered", len(pending)).Msg("mqtt: reconnected")
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
		pending = append(pending, bufferedMsg{topic: TopicSystem, payload: payload, qos: 1})
	}

	for _, msg := range pending {
		if err := p.publish(msg); err != nil {
			p.log.Error().Err(err).Msg("mqtt: replay failed")
		}
	}
}

func (p *RealPublisher) onConnectionLost(err error) {
	p.log.Warn().Err(err).Msg("mqtt: connection lost")
	if p.mets != nil {
		p.mets.SetConnected(false)
	}
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
