/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"context"
	"time"

	"github.com/gopxl/beep/v2"

	"github.com/friendsincode/mixdeck/internal/cache"
	"github.com/friendsincode/mixdeck/internal/events"
	"github.com/friendsincode/mixdeck/internal/telemetry"
)

type scheduled struct {
	track Track
	buf   *cache.Buffer
	plan  schedule
}

// Play rebuilds the graph for tracks starting at offset seconds and starts the
// transport. The audio context is resumed first, then sources that are not cached
// yet are loaded; tracks whose source still has no buffer are skipped. An error
// resuming the audio context is returned and leaves the transport as it was.
//
// A Play, Pause, Stop or Seek issued while this call is resuming or loading wins:
// the in-flight Play returns nil without touching the transport.
func (e *Engine) Play(ctx context.Context, tracks []Track, offset float64) error {
	if offset < 0 {
		offset = 0
	}
	e.mu.Lock()
	e.op++
	op := e.op
	e.mu.Unlock()

	if err := e.audio.Resume(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("audio context did not resume")
		return err
	}
	e.preloadMissing(ctx, tracks)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.op != op {
		e.logger.Debug().Float64("offset", offset).Msg("play superseded by a later transport call")
		return nil
	}

	e.teardownLocked()
	e.tracks = copyTracks(tracks)
	e.total = totalDuration(e.tracks, e.decoded.Duration)

	var plans []scheduled
	for _, t := range audible(e.tracks) {
		buf, ok := e.decoded.Get(t.SourceRef)
		if !ok {
			telemetry.EngineScheduleSkips.WithLabelValues("not_loaded").Inc()
			e.logger.Debug().Str("track_id", t.ID).Str("ref", t.SourceRef).Msg("skipping track without buffer")
			continue
		}
		p, ok := plan(t.Position, buf.Duration, offset)
		if !ok {
			telemetry.EngineScheduleSkips.WithLabelValues("elapsed").Inc()
			continue
		}
		plans = append(plans, scheduled{track: t, buf: buf, plan: p})
	}

	sr := e.audio.SampleRate()
	e.audio.Schedule(func(now float64) []beep.Streamer {
		e.playStart = now - offset
		streamers := make([]beep.Streamer, 0, len(plans))
		for _, s := range plans {
			if _, dup := e.nodes[s.track.ID]; dup {
				e.logger.Warn().Str("track_id", s.track.ID).Msg("duplicate track id, keeping first")
				continue
			}
			n := newNode(s.track.ID, s.buf, s.plan, clampVolume(s.track.Volume), sr, e.nodeEnded)
			e.nodes[s.track.ID] = n
			streamers = append(streamers, n)
		}
		return streamers
	})

	e.playing = true
	e.paused = false
	e.pausedPosition = 0
	e.startPollLocked()

	telemetry.EnginePlaying.Set(1)
	telemetry.EngineLiveNodes.Set(float64(len(e.nodes)))
	telemetry.EngineTransportOps.WithLabelValues("play").Inc()
	e.logger.Debug().
		Float64("offset", offset).
		Int("tracks", len(e.tracks)).
		Int("nodes", len(e.nodes)).
		Float64("total_duration", e.total).
		Msg("playback started")
	e.publishStateLocked()
	return nil
}

// Resume plays the current tracks from the paused position, or from zero after a
// stop. It does nothing while already playing or when there are no tracks.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if e.playing || len(e.tracks) == 0 {
		e.mu.Unlock()
		return nil
	}
	tracks := copyTracks(e.tracks)
	offset := 0.0
	if e.paused {
		offset = e.pausedPosition
	}
	e.mu.Unlock()

	return e.Play(ctx, tracks, offset)
}

// Pause stops all nodes and returns the position playback was suspended at. When not
// playing it returns the current paused position and changes nothing.
func (e *Engine) Pause() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.op++
	if !e.playing {
		return e.pausedPosition
	}

	position := e.audio.CurrentTime() - e.playStart
	e.teardownLocked()
	e.playing = false
	e.paused = true
	e.pausedPosition = position

	telemetry.EnginePlaying.Set(0)
	telemetry.EngineTransportOps.WithLabelValues("pause").Inc()
	e.logger.Debug().Float64("position", position).Msg("playback paused")
	e.publishStateLocked()
	return position
}

// Stop tears down playback from any state and reports 0 to every listener before
// returning.
func (e *Engine) Stop() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	e.op++
	e.stopLocked()
	telemetry.EngineTransportOps.WithLabelValues("stop").Inc()
	e.mu.Unlock()

	e.notify(0)
}

func (e *Engine) stopLocked() {
	e.teardownLocked()
	e.playing = false
	e.paused = false
	e.pausedPosition = 0

	telemetry.EnginePlaying.Set(0)
	e.logger.Debug().Msg("playback stopped")
	e.publishStateLocked()
}

// Seek moves the transport to t seconds. While playing the graph is rebuilt from t;
// otherwise t becomes the paused position. Either way an in-flight Play is superseded.
func (e *Engine) Seek(ctx context.Context, t float64) error {
	if t < 0 {
		t = 0
	}

	e.mu.Lock()
	if !e.playing {
		e.op++
		e.pausedPosition = t
		e.paused = true
		telemetry.EngineTransportOps.WithLabelValues("seek").Inc()
		e.publishStateLocked()
		e.mu.Unlock()
		return nil
	}
	tracks := copyTracks(e.tracks)
	e.mu.Unlock()

	telemetry.EngineTransportOps.WithLabelValues("seek").Inc()
	e.logger.Debug().Float64("position", t).Msg("seeking")
	return e.Play(ctx, tracks, t)
}

// preloadMissing loads sources that are not cached yet. Failures are tolerated.
func (e *Engine) preloadMissing(ctx context.Context, tracks []Track) {
	missing := make(map[string]string)
	for _, t := range tracks {
		if _, ok := e.decoded.Get(t.SourceRef); !ok && t.SourceRef != "" {
			missing[t.ID] = t.SourceRef
		}
	}
	if len(missing) > 0 {
		e.decoded.Preload(ctx, missing)
	}
}

// teardownLocked stops every live node and the poll loop of the current session.
func (e *Engine) teardownLocked() {
	if e.pollDone != nil {
		close(e.pollDone)
		e.pollDone = nil
	}
	e.session++

	if len(e.nodes) > 0 {
		nodes := e.nodes
		e.audio.Update(func() {
			for _, n := range nodes {
				n.stop()
			}
		})
		e.nodes = make(map[string]*node)
	}
	telemetry.EngineLiveNodes.Set(0)
}

// nodeEnded runs on the render path.
func (e *Engine) nodeEnded(n *node) {
	go e.onNodeEnded(n)
}

// onNodeEnded removes n from the live set. A newer node for the same track stays.
// The transport keeps running; the poll loop decides when the timeline is over.
func (e *Engine) onNodeEnded(n *node) {
	e.mu.Lock()
	current, ok := e.nodes[n.trackID]
	if !ok || current != n {
		e.mu.Unlock()
		return
	}
	delete(e.nodes, n.trackID)
	telemetry.EngineLiveNodes.Set(float64(len(e.nodes)))
	e.mu.Unlock()

	e.logger.Debug().Str("track_id", n.trackID).Msg("track ended")
	e.publish(events.EventTrackEnded, events.Payload{"track_id": n.trackID})
}

func (e *Engine) startPollLocked() {
	done := make(chan struct{})
	e.pollDone = done
	go e.pollLoop(e.session, done)
}

func (e *Engine) pollLoop(session uint64, done <-chan struct{}) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !e.tick(session) {
				return
			}
		}
	}
}

// tick reports the position of session to listeners and stops the transport once the
// timeline is over. It returns false when the session is no longer current.
func (e *Engine) tick(session uint64) bool {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	if e.session != session || !e.playing {
		e.mu.Unlock()
		return false
	}
	position := e.audio.CurrentTime() - e.playStart
	finished := position >= e.total
	if finished {
		e.stopLocked()
	}
	e.mu.Unlock()

	e.notify(position)
	if finished {
		e.logger.Debug().Float64("position", position).Msg("end of timeline")
		e.notify(0)
		return false
	}
	return true
}

func (e *Engine) publishStateLocked() {
	e.publish(events.EventTransportState, events.Payload{
		"playing":        e.playing,
		"paused":         e.paused,
		"position":       e.positionLocked(),
		"total_duration": e.total,
	})
}
