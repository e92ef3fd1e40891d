package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/aide/internal/buildinfo"
	"github.com/nugget/aide/internal/config"
	"github.com/nugget/aide/internal/events"
)

// StatsFunc supplies component statistics for the stats document. The
// concrete adapter is wired in main.go so this package does not depend
// on the scheduler or the bridge.
type StatsFunc func() map[string]any

// client is the part of [autopaho.ConnectionManager] the forwarder
// needs.
type client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and forwards bus events to the
// broker until its context is cancelled.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	stats      StatsFunc
	daily      *DailyCounts
	limiter    *rateLimiter
	logger     *slog.Logger
	cm         atomic.Pointer[autopaho.ConnectionManager]
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin forwarding. stats may be nil.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stats StatsFunc, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	limit := int64(cfg.MaxEventsPerMinute)
	if limit <= 0 {
		limit = 600
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		stats:      stats,
		daily:      NewDailyCounts(nil),
		limiter:    newRateLimiter(limit, time.Minute, logger),
		logger:     logger,
	}
}

// Start connects to the broker and forwards events. It blocks until
// ctx is cancelled. On every (re-)connect it publishes a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.run(ctx, cm)
	return nil
}

// Stop publishes "offline" and closes the connection. ctx bounds how
// long to wait.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used by the health check.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Today returns today's activity counters.
func (p *Publisher) Today() map[string]int64 { return p.daily.Snapshot() }

// --- Topic helpers ---

func (p *Publisher) clientID() string {
	id := p.instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	if id == "" {
		return p.cfg.ClientID
	}
	return p.cfg.ClientID + "-" + id
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) statsTopic() string {
	return p.cfg.TopicPrefix + "/stats"
}

func (p *Publisher) eventTopic(e events.Event) string {
	return p.cfg.TopicPrefix + "/events/" + e.Source + "/" + e.Kind
}

// --- Forwarding loop ---

func (p *Publisher) run(ctx context.Context, c client) {
	sub := p.bus.Subscribe(256)
	defer sub.Close()

	go p.limiter.start(ctx)

	interval := time.Duration(p.cfg.StatsIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStats(ctx, c)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			p.forward(ctx, c, e)
		case <-ticker.C:
			p.publishStats(ctx, c)
		}
	}
}

type eventPayload struct {
	Instance  string         `json:"instance"`
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

func (p *Publisher) forward(ctx context.Context, c client, e events.Event) {
	p.daily.Record(e)
	if !p.limiter.allow() {
		return
	}

	payload, err := json.Marshal(eventPayload{
		Instance:  p.instanceID,
		Timestamp: e.Timestamp.UTC(),
		Source:    e.Source,
		Kind:      e.Kind,
		Data:      e.Data,
	})
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	topic := p.eventTopic(e)
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishStats(ctx context.Context, c client) {
	doc := map[string]any{
		"instance":     p.instanceID,
		"version":      buildinfo.Version,
		"uptime":       buildinfo.Uptime().String(),
		"today":        p.daily.Snapshot(),
		"bus_dropped":  p.bus.Dropped(),
		"limited":      p.limiter.droppedTotal(),
		"published_at": time.Now().UTC().Format(time.RFC3339),
	}
	if p.stats != nil {
		for k, v := range p.stats() {
			doc[k] = v
		}
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		p.logger.Error("mqtt marshal stats", "error", err)
		return
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.statsTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt stats publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt stats published")
}

func (p *Publisher) publishAvailability(ctx context.Context, c client, status string) {
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
