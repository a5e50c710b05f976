/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package engine schedules positioned clips against a shared transport and mixes them
// through the audio context.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/mixdeck/internal/audio"
	"github.com/friendsincode/mixdeck/internal/cache"
	"github.com/friendsincode/mixdeck/internal/events"
	"github.com/friendsincode/mixdeck/internal/telemetry"
)

// DefaultPollInterval is roughly one display frame.
const DefaultPollInterval = 16 * time.Millisecond

// Option configures an Engine.
type Option func(*Engine)

// WithPollInterval sets the cadence of time updates.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithPublisher mirrors transport events onto a bus.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// Engine is the playback façade. Create one per audio context.
//
// Lock order is notifyMu, then mu, then the audio render lock. Node end callbacks run
// under the render lock and hand off to a goroutine before touching engine state.
type Engine struct {
	audio        *audio.Context
	decoded      *cache.Cache
	logger       zerolog.Logger
	pollInterval time.Duration
	publisher    events.Publisher
	pubq         *publishQueue

	// notifyMu serializes listener delivery so a stale tick never reports after stop.
	notifyMu sync.Mutex

	mu             sync.Mutex
	tracks         []Track
	nodes          map[string]*node
	playing        bool
	paused         bool
	playStart      float64 // audio clock seconds at timeline zero
	pausedPosition float64
	total          float64
	session        uint64
	// op is bumped by every transport call. An in-flight Play yields when it changes.
	op             uint64
	pollDone       chan struct{}

	listenersMu  sync.Mutex
	listeners    []listener
	nextListener uint64
}

type listener struct {
	id uint64
	fn func(seconds float64)
}

// New creates an engine playing through ac with buffers from decoded.
func New(ac *audio.Context, decoded *cache.Cache, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		audio:        ac,
		decoded:      decoded,
		logger:       logger.With().Str("component", "engine").Logger(),
		pollInterval: DefaultPollInterval,
		nodes:        make(map[string]*node),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.publisher != nil {
		e.pubq = newPublishQueue(e.publisher, publishQueueSize)
	}
	return e
}

// Subscribe registers fn for time updates and returns its unsubscribe function.
// Listeners run in registration order on the poll goroutine, or on the caller of Stop.
// They must not call transport methods synchronously.
func (e *Engine) Subscribe(fn func(seconds float64)) (unsubscribe func()) {
	e.listenersMu.Lock()
	e.nextListener++
	id := e.nextListener
	e.listeners = append(e.listeners, listener{id: id, fn: fn})
	telemetry.EngineTimeListeners.Set(float64(len(e.listeners)))
	e.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.listenersMu.Lock()
			defer e.listenersMu.Unlock()
			for i, l := range e.listeners {
				if l.id == id {
					e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
					break
				}
			}
			telemetry.EngineTimeListeners.Set(float64(len(e.listeners)))
		})
	}
}

// notify must be called with notifyMu held and mu released.
func (e *Engine) notify(seconds float64) {
	e.listenersMu.Lock()
	ls := append([]listener(nil), e.listeners...)
	e.listenersMu.Unlock()

	for _, l := range ls {
		l.fn(seconds)
	}
	e.publish(events.EventTimeUpdate, events.Payload{"time": seconds})
}

// publish queues an event for the publisher and never blocks.
func (e *Engine) publish(eventType events.EventType, payload events.Payload) {
	if e.pubq != nil {
		e.pubq.enqueue(eventType, payload)
	}
}

// PreloadTracks decodes every source referenced by tracks and returns each loaded
// track's intrinsic duration. Tracks whose source fails are omitted. The tracks
// become the current set, and the total duration is refreshed unless playing.
func (e *Engine) PreloadTracks(ctx context.Context, tracks []Track) map[string]float64 {
	durations := e.decoded.Preload(ctx, sourceMap(tracks))

	e.mu.Lock()
	e.tracks = copyTracks(tracks)
	if !e.playing {
		e.total = totalDuration(e.tracks, e.decoded.Duration)
	}
	e.mu.Unlock()
	return durations
}

// SetTracks replaces the current track set without touching live nodes. Mute and
// solo changes made this way apply at the next Play or Seek.
func (e *Engine) SetTracks(tracks []Track) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracks = copyTracks(tracks)
	if !e.playing {
		e.total = totalDuration(e.tracks, e.decoded.Duration)
	}
}

// Tracks returns a copy of the current track set.
func (e *Engine) Tracks() []Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyTracks(e.tracks)
}

// SetTrackVolume changes a track's gain. A live node is adjusted in place; the stored
// track is updated so later rebuilds keep the value.
func (e *Engine) SetTrackVolume(trackID string, volume float64) {
	volume = clampVolume(volume)

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.tracks {
		if e.tracks[i].ID == trackID {
			e.tracks[i].Volume = volume
		}
	}
	if n, ok := e.nodes[trackID]; ok {
		e.audio.Update(func() { n.setVolume(volume) })
	}
}

// CurrentTime returns the playback position in seconds.
func (e *Engine) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked()
}

func (e *Engine) positionLocked() float64 {
	if !e.playing {
		return e.pausedPosition
	}
	return e.audio.CurrentTime() - e.playStart
}

// TotalDuration returns the furthest clip end computed at the last rebuild.
func (e *Engine) TotalDuration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// AudioDuration returns the decoded duration of ref; ok is false if it is not cached.
func (e *Engine) AudioDuration(ref string) (float64, bool) {
	return e.decoded.Duration(ref)
}

// ClearCache drops every decoded buffer. Live nodes keep their buffers.
func (e *Engine) ClearCache() {
	e.decoded.Clear()
}

// IsPlaying reports whether the transport is running.
func (e *Engine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// IsPaused reports whether the transport holds a paused position.
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// State is a point-in-time view of the transport.
type State struct {
	Playing       bool     `json:"playing"`
	Paused        bool     `json:"paused"`
	Position      float64  `json:"position"`
	TotalDuration float64  `json:"total_duration"`
	LiveTracks    []string `json:"live_tracks"`
	Tracks        []Track  `json:"tracks"`
}

// State returns a snapshot of the transport.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Playing:       e.playing,
		Paused:        e.paused,
		Position:      e.positionLocked(),
		TotalDuration: e.total,
		LiveTracks:    e.liveTrackIDsLocked(),
		Tracks:        copyTracks(e.tracks),
	}
}

func (e *Engine) liveTrackIDsLocked() []string {
	ids := make([]string, 0, len(e.nodes))
	for id := range e.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops playback and flushes queued events. The audio context is owned by the
// caller.
func (e *Engine) Close() {
	e.Stop()
	if e.pubq != nil {
		e.pubq.close()
	}
}
