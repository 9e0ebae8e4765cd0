// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package telemetry publishes periodic actuator snapshots from a board as
// CBOR documents, normally over MQTT.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/Thermoquad/tendonstat/pkg/actuator"
)

// DefaultInterval is the time between samples
const DefaultInterval = time.Second

// Sample is one telemetry document
type Sample struct {
	Board     string           `cbor:"board"`
	Timestamp int64            `cbor:"ts"` // unix milliseconds
	Sequence  uint64           `cbor:"seq"`
	Actuators []actuator.State `cbor:"actuators"`
}

// Encode serialises a sample as CBOR
func Encode(s Sample) ([]byte, error) {
	return cbor.Marshal(s)
}

// Decode parses a CBOR sample
func Decode(data []byte) (Sample, error) {
	var s Sample
	if err := cbor.Unmarshal(data, &s); err != nil {
		return Sample{}, fmt.Errorf("failed to decode telemetry: %w", err)
	}
	return s, nil
}

// BoardID returns a stable identifier for this host, derived from the
// machine id so the raw id is never published
func BoardID() string {
	id, err := machineid.ProtectedID("tendonstat")
	if err != nil || id == "" {
		return "unknown"
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

// Sink receives encoded samples
type Sink interface {
	Publish(payload []byte) error
}

// Source returns the current actuator states
type Source func() []actuator.State

// Reporter samples a source at a fixed interval and publishes to a sink
type Reporter struct {
	source   Source
	sink     Sink
	board    string
	interval time.Duration
	log      *zap.Logger
	seq      uint64
	now      func() time.Time
}

// NewReporter creates a reporter. A zero interval uses DefaultInterval.
func NewReporter(source Source, sink Sink, board string, interval time.Duration, log *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{
		source:   source,
		sink:     sink,
		board:    board,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Report publishes one sample
func (r *Reporter) Report() error {
	r.seq++
	payload, err := Encode(Sample{
		Board:     r.board,
		Timestamp: r.now().UnixMilli(),
		Sequence:  r.seq,
		Actuators: r.source(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode telemetry: %w", err)
	}
	return r.sink.Publish(payload)
}

// Run reports every interval until ctx is done. Publish failures are
// logged and do not stop the reporter.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Report(); err != nil {
				r.log.Warn("telemetry publish failed", zap.Uint64("seq", r.seq), zap.Error(err))
			}
		}
	}
}

// ============================================================
// MQTT
// ============================================================

// ErrNotConnected is returned when publishing on a closed publisher
var ErrNotConnected = errors.New("mqtt not connected")

// MQTTPublisher is a Sink publishing to one MQTT topic
type MQTTPublisher struct {
	client  paho.Client
	topic   string
	qos     byte
	timeout time.Duration
}

// DialMQTT connects to broker and returns a publisher for topic
func DialMQTT(broker, clientID, topic string, qos byte) (*MQTTPublisher, error) {
	if clientID == "" {
		clientID = "tendonstat-" + BoardID()
	}
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true)

	client := paho.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", broker, err)
	}
	return &MQTTPublisher{client: client, topic: topic, qos: qos, timeout: 5 * time.Second}, nil
}

// Publish implements Sink
func (p *MQTTPublisher) Publish(payload []byte) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	token := p.client.Publish(p.topic, p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s timed out", p.topic)
	}
	return token.Error()
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
