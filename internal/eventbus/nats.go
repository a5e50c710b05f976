/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/mixdeck/internal/events"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Token string

	// Connection options
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSBus mirrors events over core NATS subjects (mixdeck.events.<type>).
type NATSBus struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	local  *events.Bus
	out    *outbox
	nodeID string
	logger zerolog.Logger
}

// NewNATSBus connects to NATS. When the server is unreachable the bus degrades to
// local-only delivery instead of failing startup.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	nb := &NATSBus{
		local:  events.NewBus(),
		nodeID: nodeID,
		logger: logger.With().Str("component", "eventbus-nats").Logger(),
	}
	nb.out = newOutbox("nats", remoteQueueSize, nb.sendRemote)

	opts := []nats.Option{
		nats.Name("mixdeck-" + nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				nb.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			nb.logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		nb.logger.Warn().Err(err).Str("url", cfg.URL).Msg("NATS connection failed, using in-memory fallback")
		return nb, nil
	}

	sub, err := conn.Subscribe(subjectPrefix+">", func(m *nats.Msg) {
		deliverRemote(nb.local, nb.nodeID, m.Data, nb.logger)
	})
	if err != nil {
		conn.Close()
		nb.out.close()
		return nil, fmt.Errorf("subscribe %s>: %w", subjectPrefix, err)
	}

	nb.conn = conn
	nb.sub = sub
	nb.logger.Info().Str("url", conn.ConnectedUrl()).Str("node_id", nodeID).Msg("NATS event bus initialized")
	return nb, nil
}

// Publish delivers locally and queues the event for NATS.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.Publish(eventType, payload)
	if mirrored(eventType) {
		nb.out.enqueue(eventType, payload)
	}
}

func (nb *NATSBus) sendRemote(eventType events.EventType, payload events.Payload) {
	if nb.conn == nil || nb.conn.IsClosed() {
		return
	}

	data, err := marshalEnvelope(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}
	// Publish buffers while reconnecting; only hard failures surface here.
	if err := nb.conn.Publish(subjectFor(eventType), data); err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to NATS")
	}
}

// Subscribe registers a local subscriber.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	return nb.local.Subscribe(eventType)
}

// SubscribeBuffered registers a local subscriber with a custom buffer.
func (nb *NATSBus) SubscribeBuffered(eventType events.EventType, size int) events.Subscriber {
	return nb.local.SubscribeBuffered(eventType, size)
}

// Unsubscribe removes a subscriber.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.local.Unsubscribe(eventType, sub)
}

// Connected reports whether a NATS connection is established.
func (nb *NATSBus) Connected() bool {
	return nb.conn != nil && nb.conn.IsConnected()
}

// Close drains the subscription and closes the connection.
func (nb *NATSBus) Close() error {
	nb.out.close()
	if nb.conn == nil {
		return nil
	}
	if err := nb.conn.Drain(); err != nil {
		nb.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
