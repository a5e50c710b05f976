/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audio provides the shared audio context: a beep mixer used as the graph
// destination, a sample-counting clock, and the outputs that pull rendered audio.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by operations on a closed context.
var ErrClosed = errors.New("audio context closed")

// State is the lifecycle state of a Context.
type State string

const (
	StateSuspended State = "suspended"
	StateRunning   State = "running"
	StateClosed    State = "closed"
)

// Output pulls rendered samples from a Context and delivers them somewhere.
type Output interface {
	// Start attaches the render source. It is called once by NewContext.
	Start(src beep.Streamer) error
	// Resume starts or continues pulling. It may block until the device is ready.
	Resume(ctx context.Context) error
	// Suspend stops pulling without tearing the output down.
	Suspend() error
	Close() error
}

// Context is the process-side stand-in for a host audio runtime. The clock is the
// number of frames rendered while running, so it never advances while suspended and
// always agrees with what has actually been mixed.
type Context struct {
	sampleRate beep.SampleRate
	output     Output
	logger     zerolog.Logger

	// mu is the render lock: it guards the mixer, the clock and every streamer in the graph.
	mu     sync.Mutex
	mixer  *beep.Mixer
	frames int64
	state  State
}

// NewContext creates a context in the suspended state and attaches it to out.
func NewContext(sampleRate int, out Output, logger zerolog.Logger) (*Context, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	c := &Context{
		sampleRate: beep.SampleRate(sampleRate),
		output:     out,
		logger:     logger.With().Str("component", "audio-context").Logger(),
		mixer:      &beep.Mixer{},
		state:      StateSuspended,
	}
	if err := out.Start(c); err != nil {
		return nil, fmt.Errorf("start output: %w", err)
	}
	return c, nil
}

// SampleRate returns the rate every graph streamer must produce.
func (c *Context) SampleRate() beep.SampleRate {
	return c.sampleRate
}

// CurrentTime returns the audio clock in seconds.
func (c *Context) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.frames) / float64(c.sampleRate)
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Resume moves a suspended context to running. It is a no-op when already running.
func (c *Context) Resume(ctx context.Context) error {
	switch c.State() {
	case StateRunning:
		return nil
	case StateClosed:
		return ErrClosed
	}

	// The output may call back into Stream while resuming, so the render lock is not held here.
	if err := c.output.Resume(ctx); err != nil {
		return fmt.Errorf("resume audio output: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClosed
	}
	if c.state != StateRunning {
		c.state = StateRunning
		c.logger.Debug().Float64("clock", float64(c.frames)/float64(c.sampleRate)).Msg("audio context resumed")
	}
	return nil
}

// Suspend freezes the clock and silences output.
func (c *Context) Suspend() error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.state = StateSuspended
	c.mu.Unlock()

	if err := c.output.Suspend(); err != nil {
		return fmt.Errorf("suspend audio output: %w", err)
	}
	return nil
}

// Add connects streamers to the destination mixer.
func (c *Context) Add(s ...beep.Streamer) {
	c.mu.Lock()
	c.mixer.Add(s...)
	c.mu.Unlock()
}

// Schedule calls build with the current clock under the render lock and connects the
// returned streamers before anything else is rendered. Streamers built relative to now
// therefore line up with the clock to the sample.
func (c *Context) Schedule(build func(now float64) []beep.Streamer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := build(float64(c.frames) / float64(c.sampleRate)); len(s) > 0 {
		c.mixer.Add(s...)
	}
}

// Update runs fn under the render lock. Use it to mutate streamers that are
// connected to the graph (gain changes, stopping nodes).
func (c *Context) Update(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// Voices returns the number of streamers currently connected.
func (c *Context) Voices() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mixer.Len()
}

// Stream renders the mix. It implements beep.Streamer so outputs can pull from it.
// Callbacks embedded in graph streamers run with the render lock held and must not
// call back into the Context synchronously.
func (c *Context) Stream(samples [][2]float64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return 0, false
	case StateSuspended:
		clear(samples)
		return len(samples), true
	}

	n, _ := c.mixer.Stream(samples)
	if n < len(samples) {
		clear(samples[n:])
	}
	c.frames += int64(len(samples))
	return len(samples), true
}

// Err implements beep.Streamer.
func (c *Context) Err() error {
	return nil
}

// Close disconnects everything and releases the output.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mixer.Clear()
	c.mu.Unlock()

	return c.output.Close()
}
