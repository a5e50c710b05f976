/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/mixdeck/internal/events"
	"github.com/friendsincode/mixdeck/internal/telemetry"
)

const pingInterval = 15 * time.Second

type socketMessage struct {
	Type    string         `json:"type"`
	Time    *float64       `json:"time,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// handleTimeSocket streams transport time updates. Only the newest position is kept
// for a slow client, so the poll loop never waits on the network.
func (a *API) handleTimeSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIWebSocketConnections.Inc()
	defer telemetry.APIWebSocketConnections.Dec()

	// the client never sends; CloseRead notices when it goes away
	ctx := conn.CloseRead(r.Context())

	latest := make(chan float64, 1)
	unsubscribe := a.transport.Subscribe(func(seconds float64) {
		for {
			select {
			case latest <- seconds:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	})
	defer unsubscribe()

	state := a.transport.State()
	if err := wsjson.Write(ctx, conn, socketMessage{Type: "state", Payload: map[string]any{
		"playing":        state.Playing,
		"paused":         state.Paused,
		"position":       state.Position,
		"total_duration": state.TotalDuration,
	}}); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case seconds := <-latest:
			if err := wsjson.Write(ctx, conn, socketMessage{Type: "time", Time: &seconds}); err != nil {
				a.logger.Debug().Err(err).Msg("time socket write failed")
				return
			}
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, socketMessage{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

// handleEvents streams bus events. ?types= selects event types; time updates are
// left out unless asked for.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "events_disabled")
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIWebSocketConnections.Inc()
	defer telemetry.APIWebSocketConnections.Dec()

	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	eventTypes := parseEventTypes(r.URL.Query().Get("types"))
	if len(eventTypes) == 0 {
		for _, t := range events.AllEventTypes {
			if t != events.EventTimeUpdate {
				eventTypes = append(eventTypes, t)
			}
		}
	}

	out := make(chan socketMessage, 32)
	for _, eventType := range eventTypes {
		sub := a.bus.SubscribeBuffered(eventType, 32)
		defer a.bus.Unsubscribe(eventType, sub)

		wg.Add(1)
		go func(eventType events.EventType, sub events.Subscriber) {
			defer wg.Done()
			forward(ctx, eventType, sub, out)
		}(eventType, sub)
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case msg := <-out:
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				a.logger.Debug().Err(err).Msg("event socket write failed")
				return
			}
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, socketMessage{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

func forward(ctx context.Context, eventType events.EventType, sub events.Subscriber, out chan<- socketMessage) {
	for payload := range sub {
		select {
		case out <- socketMessage{Type: string(eventType), Payload: payload}:
		case <-ctx.Done():
			// drain until Unsubscribe closes sub
		}
	}
}

func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]events.EventType, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, events.EventType(part))
	}
	return out
}
