// Package mqtt publishes sample and status events to an MQTT broker, one
// topic per (device, register) or (device) status (spec.md §1's three
// independent consumers).
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/lumberbarons/modbus-gateway/internal/bus"
	"github.com/lumberbarons/modbus-gateway/internal/model"
)

// Config is the MQTT publisher's configuration (spec.md's "external
// collaborator" MQTT client, wired here as a bus subscriber).
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

// Publisher subscribes to the broadcast bus and republishes every
// SampleEvent/StatusEvent/ErrorEvent as a retained MQTT message.
type Publisher struct {
	cfg    Config
	client paho.Client
	log    *slog.Logger
}

// NewPublisher builds a paho client for cfg but does not connect it.
func NewPublisher(cfg Config) *Publisher {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second)

	return &Publisher{
		cfg:    cfg,
		client: paho.NewClient(opts),
		log:    slog.Default().With("component", "mqtt"),
	}
}

// Run connects the publisher, subscribes to the bus, and republishes
// events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context, b *bus.Bus) error {
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt: connect to %s timed out", p.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", p.cfg.Broker, err)
	}
	defer p.client.Disconnect(250)

	sub := b.Subscribe("mqtt", bus.DefaultCapacity)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.Events():
			p.publish(ev)
		}
	}
}

func (p *Publisher) publish(ev model.Event) {
	switch {
	case ev.Sample != nil:
		p.publishJSON(fmt.Sprintf("%s/devices/%s/registers/%s", p.cfg.TopicPrefix, ev.Sample.DeviceID, ev.Sample.RegisterName), ev.Sample)
	case ev.Status != nil:
		p.publishJSON(fmt.Sprintf("%s/devices/%s/status", p.cfg.TopicPrefix, ev.Status.DeviceID), ev.Status)
	case ev.Error != nil:
		p.publishJSON(fmt.Sprintf("%s/devices/%s/errors", p.cfg.TopicPrefix, ev.Error.DeviceID), ev.Error)
	}
}

func (p *Publisher) publishJSON(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("marshal mqtt payload", "topic", topic, "err", err)
		return
	}
	token := p.client.Publish(topic, 0, true, data)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			p.log.Error("publish mqtt message", "topic", topic, "err", token.Error())
		}
	}()
}
