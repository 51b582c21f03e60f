// Package telemetry publishes measurement snapshots to the farm
// gateway broker and reads the optional position receiver.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ccroswhite/agsys-control-sub002/pkg/flow"
)

// Report is one published measurement snapshot.
type Report struct {
	Timestamp time.Time      `json:"timestamp"`
	Serial    uint32         `json:"serial"`
	State     flow.FlowState `json:"state"`
	Latitude  float64        `json:"latitude,omitempty"`
	Longitude float64        `json:"longitude,omitempty"`
	HasFix    bool           `json:"has_fix"`
}

// Publisher uplinks reports over MQTT.
type Publisher struct {
	client mqtt.Client
	topic  string
}

// NewPublisher connects to the broker and returns a ready publisher.
func NewPublisher(broker, clientID, topic string) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	log.Printf("connected to MQTT broker at %s", broker)
	return &Publisher{client: client, topic: topic}, nil
}

// Publish sends one report, QoS 0. Telemetry is best-effort; a lost
// report is replaced by the next one.
func (p *Publisher) Publish(r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	token := p.client.Publish(p.topic, 0, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
