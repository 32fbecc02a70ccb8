// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package mqtt bridges an MQTT broker's topic tree into adapter.Metric
// values (spec §4.8), grounded on original_source/plexus/adapters/mqtt.py
// (inferred from __init__.py's usage — broker/topic bridging via
// MQTTAdapter.connect/run) and implemented with
// github.com/eclipse/paho.mqtt.golang, the client every MQTT-speaking repo
// in the retrieved pack standardizes on.
package mqtt

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqttlib "github.com/eclipse/paho.mqtt.golang"

	"github.com/nishisan-dev/plexus-agent/internal/adapter"
	"github.com/nishisan-dev/plexus-agent/internal/point"
)

// Adapter bridges one MQTT broker subscription into Metric values.
type Adapter struct {
	*adapter.Base

	broker string
	topic  string
	qos    byte

	client mqttlib.Client

	mu      sync.Mutex
	pending []adapter.Metric
}

// New constructs an MQTT adapter from cfg.Params: "broker" (tcp://host:port,
// required), "topic" (subscription filter, required), "qos" (0-2, default 0).
func New(cfg adapter.Config, logger *slog.Logger) (adapter.Protocol, error) {
	broker, _ := cfg.Params["broker"].(string)
	topic, _ := cfg.Params["topic"].(string)
	qos := 0
	if q, ok := cfg.Params["qos"].(int); ok {
		qos = q
	}

	a := &Adapter{
		Base:   adapter.NewBase("mqtt", logger),
		broker: broker,
		topic:  topic,
		qos:    byte(qos),
	}
	return a, a.ValidateConfig()
}

func (a *Adapter) ValidateConfig() error {
	if a.broker == "" {
		return fmt.Errorf("mqtt: broker is required")
	}
	if a.topic == "" {
		return fmt.Errorf("mqtt: topic is required")
	}
	return nil
}

// Connect opens the MQTT session and subscribes to the configured topic
// filter, buffering every delivered message as a Metric batch for the next
// Poll call.
func (a *Adapter) Connect() error {
	a.SetState(adapter.StateConnecting, "")

	opts := mqttlib.NewClientOptions().
		AddBroker(a.broker).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(func(mqttlib.Client) {
			a.SetState(adapter.StateConnected, "")
		}).
		SetConnectionLostHandler(func(_ mqttlib.Client, err error) {
			a.SetState(adapter.StateReconnecting, err.Error())
		})

	a.client = mqttlib.NewClient(opts)
	token := a.client.Connect()
	if token.Wait() && token.Error() != nil {
		a.SetState(adapter.StateError, token.Error().Error())
		return fmt.Errorf("mqtt: connect: %w", token.Error())
	}

	subToken := a.client.Subscribe(a.topic, a.qos, a.onMessage)
	if subToken.Wait() && subToken.Error() != nil {
		a.SetState(adapter.StateError, subToken.Error().Error())
		return fmt.Errorf("mqtt: subscribe %q: %w", a.topic, subToken.Error())
	}

	a.SetState(adapter.StateConnected, "")
	return nil
}

func (a *Adapter) Disconnect() error {
	if a.client != nil {
		a.client.Disconnect(250)
	}
	a.SetState(adapter.StateDisconnected, "")
	return nil
}

func (a *Adapter) onMessage(_ mqttlib.Client, msg mqttlib.Message) {
	metrics := decodePayload(topicToMetric(msg.Topic()), msg.Payload(), time.Now())

	a.mu.Lock()
	a.pending = append(a.pending, metrics...)
	a.mu.Unlock()
}

// Poll drains and returns every Metric buffered since the last call.
func (a *Adapter) Poll() ([]adapter.Metric, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return nil, nil
	}
	out := a.pending
	a.pending = nil
	return out, nil
}

// Send publishes a metric's value back to its topic (inverse of topicToMetric).
func (a *Adapter) Send(m adapter.Metric) error {
	if a.client == nil {
		return fmt.Errorf("mqtt: not connected")
	}
	topic := strings.ReplaceAll(m.Name, ".", "/")
	payload := fmt.Sprintf("%v", valueAsAny(m.Value))
	token := a.client.Publish(topic, a.qos, false, payload)
	token.Wait()
	return token.Error()
}

func (a *Adapter) Stats() adapter.Stats {
	s := a.Base.Stats()
	s.Extra = map[string]any{"broker": a.broker, "topic": a.topic}
	return s
}

// topicToMetric rewrites an MQTT topic into a dotted metric name: "/" becomes
// "." (spec §4.8 "topic becomes metric with / -> . rewrite").
func topicToMetric(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// decodePayload interprets a raw MQTT payload per spec §9's resolution of
// the source's inconsistent flattening: numeric payloads become numeric
// values, strings as strings, JSON objects flattened one level (each key
// becomes "<topic>.<key>"), and arrays pass through as list values.
func decodePayload(metric string, payload []byte, ts time.Time) []adapter.Metric {
	text := strings.TrimSpace(string(payload))

	if v, ok := parseNumeric(text); ok {
		return []adapter.Metric{{Name: metric, Value: point.Float(v), Timestamp: ts}}
	}

	if obj, ok := parseFlatObject(text); ok {
		out := make([]adapter.Metric, 0, len(obj))
		for k, v := range obj {
			out = append(out, adapter.Metric{Name: metric + "." + k, Value: v, Timestamp: ts})
		}
		return out
	}

	if list, ok := parseList(text); ok {
		return []adapter.Metric{{Name: metric, Value: point.List(list), Timestamp: ts}}
	}

	return []adapter.Metric{{Name: metric, Value: point.String(text), Timestamp: ts}}
}

func parseNumeric(text string) (float64, bool) {
	if text == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(text, 64)
	return v, err == nil
}

func valueAsAny(v point.Value) any {
	switch v.Kind() {
	case point.KindInt:
		i, _ := v.Int()
		return i
	case point.KindUint:
		u, _ := v.Uint()
		return u
	case point.KindFloat:
		f, _ := v.Float()
		return f
	case point.KindBool:
		b, _ := v.Bool()
		return b
	case point.KindString:
		s, _ := v.String()
		return s
	default:
		return nil
	}
}
