// Package mqttfeed is a RangeStore fed live from an MQTT broker.
//
// Every message received on the subscription is kept as a raw record under
// its topic, stamped with the arrival time. Each topic keeps a bounded ring
// of the most recent messages.
package mqttfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/teslashibe/go-uwb/pkg/ranging"
	"github.com/teslashibe/go-uwb/pkg/store"
)

var _ store.RangeStore = (*Feed)(nil)

// ErrNotConnected is returned when the broker connection cannot be established.
var ErrNotConnected = errors.New("mqttfeed: not connected")

// Config holds broker settings.
type Config struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Filter is the subscription topic filter.
	Filter string `yaml:"filter"`
	// Prefix is trimmed from MQTT topics to form the stored topic.
	Prefix string `yaml:"prefix"`
	// Capacity is the number of records kept per topic.
	Capacity int  `yaml:"capacity"`
	QoS      byte `yaml:"qos"`
}

// DefaultConfig returns defaults for a local broker.
func DefaultConfig() Config {
	return Config{
		Broker:   "tcp://localhost:1883",
		ClientID: "uwbd",
		Filter:   "+",
		Capacity: store.DefaultFetchLimit,
	}
}

// Feed buffers MQTT messages per topic.
type Feed struct {
	cfg    Config
	client mqtt.Client
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	rings map[string]*ring
}

// New creates a feed without connecting it.
func New(cfg Config, logger *slog.Logger) *Feed {
	if cfg.Capacity <= 0 {
		cfg.Capacity = store.DefaultFetchLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		cfg:    cfg,
		logger: logger.With("component", "mqttfeed"),
		now:    time.Now,
		rings:  make(map[string]*ring),
	}
}

// Connect dials the broker and subscribes to the configured filter.
// The subscription is restored on reconnect.
func (f *Feed) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().AddBroker(f.cfg.Broker)
	opts.SetClientID(f.cfg.ClientID)
	if f.cfg.Username != "" {
		opts.SetUsername(f.cfg.Username)
		opts.SetPassword(f.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(f.cfg.Filter, f.cfg.QoS, f.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			f.logger.Error("subscribe failed", "filter", f.cfg.Filter, "error", err)
			return
		}
		f.logger.Info("subscribed", "broker", f.cfg.Broker, "filter", f.cfg.Filter)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		f.logger.Warn("connection lost", "error", err)
	})

	f.client = mqtt.NewClient(opts)
	token := f.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Close disconnects from the broker.
func (f *Feed) Close() {
	if f.client != nil {
		f.client.Disconnect(250)
	}
}

func (f *Feed) onMessage(_ mqtt.Client, msg mqtt.Message) {
	f.Record(msg.Topic(), msg.Payload())
}

// Record stores one message as received on mqttTopic. Messages on topics
// that are not 7-digit numbers are dropped.
func (f *Feed) Record(mqttTopic string, payload []byte) {
	topic := strings.TrimPrefix(mqttTopic, f.cfg.Prefix)
	if err := ranging.ValidateTopic(topic); err != nil {
		f.logger.Debug("dropped report", "mqtt_topic", mqttTopic, "error", err)
		return
	}
	rec := ranging.RawRecord{
		Topic:      topic,
		Message:    string(payload),
		ReceivedAt: f.now().UTC(),
	}

	f.mu.Lock()
	r, ok := f.rings[topic]
	if !ok {
		r = newRing(f.cfg.Capacity)
		f.rings[topic] = r
	}
	r.push(rec)
	f.mu.Unlock()

	f.logger.Debug("report received", "topic", topic, "bytes", len(payload))
}

// FetchRecent returns up to limit buffered records for topic, newest first.
func (f *Feed) FetchRecent(ctx context.Context, topic string, limit int) ([]ranging.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.rings[topic]
	if !ok {
		return nil, nil
	}
	return r.newest(limit), nil
}

// ring is a fixed-size buffer of records.
type ring struct {
	buf  []ranging.RawRecord
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]ranging.RawRecord, size)}
}

func (r *ring) push(rec ranging.RawRecord) {
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// newest returns up to limit records, most recent first. limit <= 0 returns all.
func (r *ring) newest(limit int) []ranging.RawRecord {
	n := r.len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ranging.RawRecord, n)
	idx := r.next
	for i := 0; i < n; i++ {
		idx = (idx - 1 + len(r.buf)) % len(r.buf)
		out[i] = r.buf[idx]
	}
	return out
}
