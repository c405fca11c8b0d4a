// Package telemetry implements the optional statistics/audit fan-out
// components: an MQTT statistics publisher, a MongoDB statistics archiver,
// an S3 statistics archiver and a MySQL write audit logger. Every
// component here is best-effort — a publish failure is logged by the
// caller and never affects acquisition.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/edgeflow/scada-acquisition/internal/domain"
)

// MQTTPublisherConfig holds the connection parameters for a publish-only
// MQTT client.
type MQTTPublisherConfig struct {
	Broker         string
	Topic          string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// MQTTPublisher publishes GlobalStatistics snapshots to a fixed topic.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTPublisher connects to cfg.Broker and returns a ready publisher.
func NewMQTTPublisher(cfg MQTTPublisherConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "acquisitiond-" + uuid.New().String()
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	} else {
		opts.SetKeepAlive(60 * time.Second)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	} else {
		opts.SetConnectTimeout(10 * time.Second)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if token.Error() != nil {
		return nil, fmt.Errorf("telemetry: mqtt connect: %w", token.Error())
	}

	qos := cfg.QoS
	if qos > 2 {
		qos = 0
	}
	return &MQTTPublisher{client: client, topic: cfg.Topic, qos: qos}, nil
}

// Publish sends stats as a JSON payload and blocks until the paho publish
// token completes, returning its error.
func (p *MQTTPublisher) Publish(stats domain.GlobalStatistics) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("telemetry: marshal stats: %w", err)
	}
	token := p.client.Publish(p.topic, p.qos, false, payload)
	token.Wait()
	return token.Error()
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
