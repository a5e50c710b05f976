/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/rs/zerolog"

	"github.com/friendsincode/mixdeck/internal/telemetry"
)

// DefaultFrameDuration matches the 20 ms Opus frame used for WebRTC.
const DefaultFrameDuration = 20 * time.Millisecond

// maxCatchUp bounds how much audio is rendered in one burst after a stall.
const maxCatchUp = time.Second

// ClockOutput is a headless output paced by the wall clock. It renders fixed-size
// frames and hands each one to the registered sinks.
type ClockOutput struct {
	sampleRate beep.SampleRate
	frameSize  int
	logger     zerolog.Logger

	mu       sync.Mutex
	src      beep.Streamer
	sinks    []FrameSink
	running  bool
	run      int       // incremented on every resume
	baseline time.Time // wall time of rendered == 0 for the current run
	rendered int       // frames rendered since baseline

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClockOutput creates a paced output rendering frames of frameDuration.
func NewClockOutput(sampleRate int, frameDuration time.Duration, logger zerolog.Logger) *ClockOutput {
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}
	sr := beep.SampleRate(sampleRate)
	return &ClockOutput{
		sampleRate: sr,
		frameSize:  sr.N(frameDuration),
		logger:     logger.With().Str("component", "clock-output").Logger(),
		wake:       make(chan struct{}, 1),
	}
}

// FrameSize returns the number of frames per rendered block.
func (o *ClockOutput) FrameSize() int {
	return o.frameSize
}

// AddSink registers a sink for rendered frames.
func (o *ClockOutput) AddSink(s FrameSink) {
	o.mu.Lock()
	o.sinks = append(o.sinks, s)
	o.mu.Unlock()
}

// RemoveSink unregisters a sink.
func (o *ClockOutput) RemoveSink(s FrameSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, candidate := range o.sinks {
		if candidate == s {
			o.sinks = append(o.sinks[:i], o.sinks[i+1:]...)
			return
		}
	}
}

// Start implements Output and launches the render loop.
func (o *ClockOutput) Start(src beep.Streamer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.src != nil {
		return errors.New("clock output already started")
	}
	o.src = src

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.loop(ctx)
	return nil
}

// Resume implements Output.
func (o *ClockOutput) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	if !o.running {
		o.running = true
		o.run++
		o.baseline = time.Now()
		o.rendered = 0
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Suspend implements Output.
func (o *ClockOutput) Suspend() error {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	return nil
}

// Close implements Output.
func (o *ClockOutput) Close() error {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.running = false
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (o *ClockOutput) loop(ctx context.Context) {
	defer close(o.done)

	frameDur := o.sampleRate.D(o.frameSize)
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()

	buf := make([][2]float64, o.frameSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.wake:
		}

		o.mu.Lock()
		if !o.running {
			o.mu.Unlock()
			continue
		}
		target := o.sampleRate.N(time.Since(o.baseline))
		due, dropped := framesDue(target, o.rendered, o.sampleRate, o.frameSize)
		if dropped > 0 {
			// Too far behind to catch up; skip ahead instead of bursting.
			o.rendered += dropped
			o.logger.Warn().Int("dropped_frames", dropped).Msg("render loop stalled")
		}
		run, src := o.run, o.src
		o.mu.Unlock()

		if due > 1 {
			telemetry.OutputUnderruns.Add(float64(due - 1))
		}
		for i := 0; i < due; i++ {
			if _, ok := src.Stream(buf); !ok {
				o.logger.Debug().Msg("render source ended")
				return
			}
			o.deliver(buf)
		}

		o.mu.Lock()
		if o.running && o.run == run {
			o.rendered += due * o.frameSize
		}
		o.mu.Unlock()
	}
}

func (o *ClockOutput) deliver(buf [][2]float64) {
	o.mu.Lock()
	sinks := append([]FrameSink(nil), o.sinks...)
	o.mu.Unlock()
	for _, s := range sinks {
		s.WriteFrame(buf)
	}
}

// framesDue returns how many whole blocks to render so that rendered catches up with
// target. Lag beyond maxCatchUp is reported as dropped frames instead.
func framesDue(target, rendered int, sr beep.SampleRate, frameSize int) (blocks, dropped int) {
	if frameSize <= 0 {
		return 0, 0
	}
	behind := target - rendered
	if behind < frameSize {
		return 0, 0
	}
	blocks = behind / frameSize
	if limit := sr.N(maxCatchUp) / frameSize; blocks > limit {
		dropped = (blocks - limit) * frameSize
		blocks = limit
	}
	return blocks, dropped
}
