/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"sync"

	"github.com/friendsincode/mixdeck/internal/events"
	"github.com/friendsincode/mixdeck/internal/telemetry"
)

const publishQueueSize = 256

type pendingEvent struct {
	eventType events.EventType
	payload   events.Payload
}

// publishQueue delivers engine events to a publisher in order on its own goroutine,
// so transport calls never wait on a slow bus. A full queue drops the event.
type publishQueue struct {
	publisher events.Publisher
	queue     chan pendingEvent
	done      chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newPublishQueue(p events.Publisher, size int) *publishQueue {
	q := &publishQueue{
		publisher: p,
		queue:     make(chan pendingEvent, size),
		done:      make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *publishQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case ev := <-q.queue:
			q.publisher.Publish(ev.eventType, ev.payload)
		case <-q.done:
			// Flush what was queued before close.
			for {
				select {
				case ev := <-q.queue:
					q.publisher.Publish(ev.eventType, ev.payload)
				default:
					return
				}
			}
		}
	}
}

func (q *publishQueue) enqueue(eventType events.EventType, payload events.Payload) {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.queue <- pendingEvent{eventType: eventType, payload: payload}:
	default:
		telemetry.EngineEventsDropped.WithLabelValues(string(eventType)).Inc()
	}
}

func (q *publishQueue) close() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}
