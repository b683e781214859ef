// Package emitter publishes acquisition telemetry to an MQTT broker:
// per-shot progress events while a batch runs and the summary record
// when a run completes. Telemetry is best-effort; a broker outage is
// logged and counted but never fails a run.
package emitter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/MtKIta1227/2025-KITAYAMA/internal/config"
	"github.com/MtKIta1227/2025-KITAYAMA/internal/runbus"
)

const publishTimeout = 2 * time.Second

// Emitter publishes run telemetry over MQTT.
type Emitter struct {
	cfg      config.MQTTConfig
	instance string
	client   mqtt.Client
	logger   *slog.Logger

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// Stats contains emitter counters.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// eventPayload is the wire form of a progress event.
type eventPayload struct {
	RunID string `json:"run_id"`
	Kind  string `json:"kind"`
	Label string `json:"label,omitempty"`
	Shot  int    `json:"shot,omitempty"`
	Total int    `json:"total,omitempty"`
	State string `json:"state,omitempty"`
	At    string `json:"at"`
}

// New builds an emitter from the MQTT section of the configuration;
// instance becomes the middle segment of every topic.
func New(cfg config.MQTTConfig, instance string, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		cfg:       cfg,
		instance:  instance,
		logger:    logger.With("component", "emitter"),
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection with auto-reconnect.
func (e *Emitter) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		e.logger.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		e.logger.Warn("mqtt connection lost, waiting for automatic reconnection",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.client = mqtt.NewClient(opts)
	e.logger.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	timeout := time.Duration(e.cfg.ConnectTimeoutS) * time.Second
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("emitter: mqtt connection timeout after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

// PublishEvent sends one progress event to <base>/<instance>/progress.
func (e *Emitter) PublishEvent(ev runbus.Event) error {
	payload, err := json.Marshal(eventPayload{
		RunID: ev.RunID,
		Kind:  string(ev.Kind),
		Label: string(ev.Label),
		Shot:  ev.Shot,
		Total: ev.Total,
		State: ev.State,
		At:    ev.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("emitter: marshal event: %w", err)
	}
	return e.publish(e.topic("progress"), payload)
}

// PublishResult sends the pre-marshaled run summary record to
// <base>/<instance>/result.
func (e *Emitter) PublishResult(payload []byte) error {
	return e.publish(e.topic("result"), payload)
}

// Bridge drains a bus subscription into the broker until the channel
// closes. Publish failures are logged, never propagated.
func (e *Emitter) Bridge(events <-chan runbus.Event) {
	for ev := range events {
		if err := e.PublishEvent(ev); err != nil {
			e.logger.Warn("telemetry publish failed", "error", err)
		}
	}
}

// Disconnect closes the broker connection with a short grace period.
func (e *Emitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("mqtt disconnected")
	}
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
}

// Stats returns a snapshot of the emitter counters.
func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *Emitter) topic(kind string) string {
	return fmt.Sprintf("%s/%s/%s", e.cfg.BaseTopic, e.instance, kind)
}

func (e *Emitter) publish(topic string, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("emitter: mqtt not connected")
	}

	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed on %s: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("telemetry published",
		"topic", topic,
		"qos", e.cfg.QoS,
		"size", len(payload),
	)
	return nil
}

func (e *Emitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
