// ABOUTME: MQTT emitter for playback events
// ABOUTME: Forwards every bus event as JSON to <topic>/<event type>
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Resonate-Protocol/playout/internal/events"
	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher sends one message to a broker.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker   string // host:port or a full tcp:// URL
	ClientID string
	Logger   *log.Logger
}

// MQTTPublisher is a Publisher backed by a paho client.
type MQTTPublisher struct {
	client mqtt.Client
	logger *log.Logger

	mu        sync.RWMutex
	connected bool
}

// Connect establishes a connection to the broker. The client reconnects on
// its own after the first connection succeeds.
func Connect(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	p := &MQTTPublisher{logger: cfg.Logger.WithPrefix("mqtt")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("connection lost, reconnecting", "broker", cfg.Broker, "err", err)
	}

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return p, nil
}

func brokerURL(broker string) string {
	for _, scheme := range []string{"tcp://", "ssl://", "ws://", "wss://", "mqtt://"} {
		if len(broker) >= len(scheme) && broker[:len(scheme)] == scheme {
			return broker
		}
	}
	return "tcp://" + broker
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

// Publish implements Publisher.
func (p *MQTTPublisher) Publish(topic string, qos byte, payload []byte) error {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	if !connected {
		return fmt.Errorf("mqtt not connected")
	}
	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
}

// Config controls an Emitter.
type Config struct {
	// Topic is the prefix; events go to Topic/<type>.
	Topic  string
	Buffer int
	Logger *log.Logger
}

// Stats counts emitter activity.
type Stats struct {
	Published map[string]uint64
	Errors    uint64
}

// Emitter subscribes to the bus and forwards events to a Publisher.
type Emitter struct {
	bus    *events.Bus
	pub    Publisher
	cfg    Config
	logger *log.Logger

	mu        sync.Mutex
	published map[string]uint64
	errors    uint64
}

// NewEmitter creates an emitter. Run starts forwarding.
func NewEmitter(bus *events.Bus, pub Publisher, cfg Config) *Emitter {
	if cfg.Topic == "" {
		cfg.Topic = "playout/events"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Emitter{
		bus:       bus,
		pub:       pub,
		cfg:       cfg,
		logger:    cfg.Logger.WithPrefix("mqtt"),
		published: make(map[string]uint64),
	}
}

// qos returns the delivery level for an event type. Interventions and
// failures must arrive; progress events may be lost.
func qos(t events.Type) byte {
	switch t {
	case events.TypeWatchdogIntervention, events.TypeDecodeFailed:
		return 1
	default:
		return 0
	}
}

// Run forwards events until ctx is done.
func (e *Emitter) Run(ctx context.Context) error {
	ch := make(chan events.Event, e.cfg.Buffer)
	const subID = "telemetry/mqtt"
	if err := e.bus.Subscribe(subID, ch); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer e.bus.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			e.forward(ev)
		}
	}
}

func (e *Emitter) forward(ev events.Event) {
	topic := e.cfg.Topic + "/" + string(ev.Type())
	payload, err := json.Marshal(ev)
	if err == nil {
		err = e.pub.Publish(topic, qos(ev.Type()), payload)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.errors++
		e.logger.Debug("publish failed", "topic", topic, "err", err)
		return
	}
	e.published[topic]++
}

// Stats returns a copy of the counters.
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Stats{Published: make(map[string]uint64, len(e.published)), Errors: e.errors}
	for k, v := range e.published {
		out.Published[k] = v
	}
	return out
}
