/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/friendsincode/mixdeck/internal/events"
	"github.com/friendsincode/mixdeck/internal/telemetry"
)

// remoteQueueSize bounds the events waiting for a broker round trip.
const remoteQueueSize = 256

// mirrored reports whether eventType leaves the process. Time updates arrive at frame
// rate and stay local.
func mirrored(eventType events.EventType) bool {
	return eventType != events.EventTimeUpdate
}

type outgoing struct {
	eventType events.EventType
	payload   events.Payload
}

// outbox hands events to a single sender goroutine so publishers never wait on the
// network. A full queue drops the event.
type outbox struct {
	backend string
	queue   chan outgoing
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

func newOutbox(backend string, size int, send func(events.EventType, events.Payload)) *outbox {
	o := &outbox{
		backend: backend,
		queue:   make(chan outgoing, size),
		done:    make(chan struct{}),
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.done:
				return
			case msg := <-o.queue:
				send(msg.eventType, msg.payload)
			}
		}
	}()
	return o
}

// enqueue never blocks. It returns false when the event was dropped.
func (o *outbox) enqueue(eventType events.EventType, payload events.Payload) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.queue <- outgoing{eventType: eventType, payload: payload}:
		return true
	default:
		o.dropped.Add(1)
		telemetry.EventBusRemoteDropped.WithLabelValues(o.backend).Inc()
		return false
	}
}

// Dropped returns how many events were not mirrored.
func (o *outbox) Dropped() uint64 {
	return o.dropped.Load()
}

// close stops the sender. Queued events that were not sent yet are discarded.
func (o *outbox) close() {
	o.once.Do(func() { close(o.done) })
	o.wg.Wait()
}
