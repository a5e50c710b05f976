/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus mirrors engine events between processes over Redis or NATS.
// Local subscribers always receive events through an in-process events.Bus; remote
// backends only add delivery of events published by other nodes.
package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/mixdeck/internal/config"
	"github.com/friendsincode/mixdeck/internal/events"
)

// Bus is implemented by every backend.
type Bus interface {
	events.Publisher
	Subscribe(eventType events.EventType) events.Subscriber
	SubscribeBuffered(eventType events.EventType, size int) events.Subscriber
	Unsubscribe(eventType events.EventType, sub events.Subscriber)
	Close() error
}

// New builds the bus selected by cfg.EventBus.
func New(cfg *config.Config, logger zerolog.Logger) (Bus, error) {
	nodeID := NodeID(cfg.InstanceID)

	switch cfg.EventBus {
	case config.EventBusRedis:
		rcfg := DefaultRedisConfig()
		rcfg.Addr = cfg.RedisAddr
		rcfg.Password = cfg.RedisPassword
		rcfg.DB = cfg.RedisDB
		return NewRedisBus(rcfg, nodeID, logger)
	case config.EventBusNATS:
		ncfg := DefaultNATSConfig()
		ncfg.URL = cfg.NATSURL
		return NewNATSBus(ncfg, nodeID, logger)
	case config.EventBusMemory, "":
		return NewLocal(), nil
	default:
		return nil, fmt.Errorf("unsupported event bus %q", cfg.EventBus)
	}
}

// Local is the in-process bus with a no-op Close.
type Local struct {
	*events.Bus
}

// NewLocal creates an in-process bus.
func NewLocal() *Local {
	return &Local{Bus: events.NewBus()}
}

// Close implements Bus.
func (l *Local) Close() error { return nil }

// NodeID returns a stable identifier for this process, used to drop our own echoes.
func NodeID(instanceID string) string {
	if instanceID != "" {
		return instanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "mixdeck"
	}
	return host + "-" + uuid.NewString()[:8]
}

const subjectPrefix = "mixdeck.events."

func subjectFor(eventType events.EventType) string {
	return subjectPrefix + string(eventType)
}

// envelope is the wire format shared by the Redis and NATS backends.
type envelope struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

func marshalEnvelope(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(envelope{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

func unmarshalEnvelope(data []byte) (*envelope, error) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	if msg.EventType == "" {
		return nil, fmt.Errorf("event envelope missing event_type")
	}
	return &msg, nil
}

// deliverRemote hands an incoming message to local subscribers unless it is our own echo.
func deliverRemote(local *events.Bus, nodeID string, data []byte, logger zerolog.Logger) {
	msg, err := unmarshalEnvelope(data)
	if err != nil {
		logger.Warn().Err(err).Msg("dropping malformed remote event")
		return
	}
	if msg.NodeID == nodeID {
		return
	}
	if msg.Payload == nil {
		msg.Payload = events.Payload{}
	}
	msg.Payload["source_node"] = msg.NodeID
	local.Publish(msg.EventType, msg.Payload)
}
