// Package mqtt pushes coordinator state to an MQTT broker as retained JSON
// so dashboards and home automation can consume it without polling us.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/chargebridge/chargebridge/pkg/bridge"
	"github.com/chargebridge/chargebridge/pkg/log"
	"github.com/chargebridge/chargebridge/pkg/types"
)

const defaultTopicPrefix = "chargebridge"

// Publisher subscribes to every coordinator on the bridge and republishes
// state changes to `<prefix>/<id>/<kind>` topics.
type Publisher struct {
	bridge  *bridge.Bridge
	prefix  string
	cliCfg  autopaho.ClientConfig
	conn    *autopaho.ConnectionManager
	unsub   []func()
	publish func(ctx context.Context, topic string, payload []byte) error
}

// NewPublisher returns an unconnected publisher for the given broker
// settings.
func NewPublisher(b *bridge.Bridge, settings types.MQTTSettings) (*Publisher, error) {
	u, err := url.Parse(settings.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL: %w", err)
	}

	prefix := settings.TopicPrefix
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	clientID := settings.ClientID
	if clientID == "" {
		clientID = defaultTopicPrefix
	}

	p := &Publisher{
		bridge: b,
		prefix: prefix,
	}
	p.cliCfg = autopaho.ClientConfig{
		BrokerUrls: []*url.URL{u},
		KeepAlive:  20,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Ctx(context.Background()).Info("mqtt connection up", slog.String("broker", u.String()))
		},
		OnConnectError: func(err error) {
			log.Ctx(context.Background()).Warn("mqtt connection error", slog.Any("error", err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnClientError: func(err error) {
				log.Ctx(context.Background()).Warn("mqtt client error", slog.Any("error", err))
			},
		},
	}
	p.publish = p.publishMQTT
	return p, nil
}

// Open connects to the broker and wires the coordinator subscriptions.
// Publishes happen from coordinator notify callbacks until Close.
func (p *Publisher) Open(ctx context.Context) error {
	conn, err := autopaho.NewConnection(ctx, p.cliCfg)
	if err != nil {
		return err
	}
	if err := conn.AwaitConnection(ctx); err != nil {
		return err
	}
	p.conn = conn

	p.subscribeAll()
	return nil
}

// Close unsubscribes from the coordinators and disconnects from the broker.
func (p *Publisher) Close() {
	for _, unsub := range p.unsub {
		unsub()
	}
	p.unsub = nil
	if p.conn != nil {
		p.conn.Disconnect(context.Background())
	}
}

func (p *Publisher) subscribeAll() {
	for id, cpc := range p.bridge.Chargepoints() {
		id, cpc := id, cpc
		publish := func() {
			if cp, ok := cpc.Data(); ok {
				p.publishJSON(p.topic(id, "chargepoint"), cp)
			}
		}
		p.unsub = append(p.unsub, cpc.Subscribe(publish))
		publish()
	}

	for id, oc := range p.bridge.OperationalAll() {
		id, oc := id, oc
		publish := func() {
			if od, ok := oc.Data(); ok {
				p.publishJSON(p.topic(id, "operational"), od)
			}
		}
		p.unsub = append(p.unsub, oc.Subscribe(publish))
		publish()
	}

	for id, ec := range p.bridge.EcoModeAll() {
		id, ec := id, ec
		publish := func() {
			if config, ok := ec.View(); ok {
				p.publishJSON(p.topic(id, "ecomode"), config)
			}
		}
		p.unsub = append(p.unsub, ec.Subscribe(publish))
		publish()
	}
}

func (p *Publisher) topic(id, kind string) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, id, kind)
}

func (p *Publisher) publishJSON(topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Ctx(context.Background()).Warn("failed to marshal mqtt payload", slog.String("topic", topic), slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.publish(ctx, topic, payload); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish mqtt message", slog.String("topic", topic), slog.Any("error", err))
	}
}

func (p *Publisher) publishMQTT(ctx context.Context, topic string, payload []byte) error {
	_, err := p.conn.Publish(ctx, &paho.Publish{
		QoS:     1,
		Retain:  true,
		Topic:   topic,
		Payload: payload,
	})
	return err
}
