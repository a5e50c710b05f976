/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"

	"github.com/friendsincode/mixdeck/internal/cache"
)

// schedule says when a track starts sounding relative to the play offset.
type schedule struct {
	delay float64 // seconds of silence before the clip starts
	from  float64 // seconds into the buffer to start from
}

// plan places a clip at position with the given duration against offset. ok is false
// when the clip has already finished at offset.
func plan(position, duration, offset float64) (s schedule, ok bool) {
	rel := position - offset
	switch {
	case rel >= 0:
		return schedule{delay: rel}, true
	case rel+duration > 0:
		return schedule{from: -rel}, true
	}
	return schedule{}, false
}

// totalDuration is the furthest clip end over all tracks. Tracks without a cached
// buffer count as zero length.
func totalDuration(tracks []Track, durationOf func(ref string) (float64, bool)) float64 {
	var total float64
	for _, t := range tracks {
		d, ok := durationOf(t.SourceRef)
		if !ok {
			continue
		}
		if end := t.Position + d; end > total {
			total = end
		}
	}
	return total
}

// node is one live playback instance of a track: buffer source, gain, end callback.
// It plays once. All fields besides trackID are guarded by the render lock.
type node struct {
	trackID string
	gain    *effects.Gain
	seq     beep.Streamer
	stopped bool
}

// newNode builds the signal path for buf. onEnd runs on the render path when the
// clip is exhausted, never after stop.
func newNode(trackID string, buf *cache.Buffer, s schedule, volume float64, sr beep.SampleRate, onEnd func(*node)) *node {
	from := min(sr.N(seconds(s.from)), buf.Frames)

	n := &node{trackID: trackID}
	n.gain = &effects.Gain{
		Streamer: buf.Streamer(from, buf.Frames),
		Gain:     volume - 1,
	}

	parts := make([]beep.Streamer, 0, 3)
	if delay := sr.N(seconds(s.delay)); delay > 0 {
		parts = append(parts, beep.Silence(delay))
	}
	parts = append(parts, n.gain, beep.Callback(func() { onEnd(n) }))
	n.seq = beep.Seq(parts...)
	return n
}

// Stream implements beep.Streamer. A stopped node reports exhaustion so the mixer drops it.
func (n *node) Stream(samples [][2]float64) (int, bool) {
	if n.stopped {
		return 0, false
	}
	return n.seq.Stream(samples)
}

func (n *node) Err() error {
	return nil
}

// stop must be called under the render lock. It is idempotent.
func (n *node) stop() {
	n.stopped = true
}

// setVolume must be called under the render lock.
func (n *node) setVolume(v float64) {
	n.gain.Gain = v - 1
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
