/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

// SpeakerOutput plays through the default sound device. Only one may exist per process.
type SpeakerOutput struct {
	sampleRate beep.SampleRate
	bufferSize time.Duration
}

// NewSpeakerOutput creates a device output. A larger buffer is more robust against
// scheduling hiccups but coarsens the clock.
func NewSpeakerOutput(sampleRate int, bufferSize time.Duration) *SpeakerOutput {
	if bufferSize <= 0 {
		bufferSize = 50 * time.Millisecond
	}
	return &SpeakerOutput{
		sampleRate: beep.SampleRate(sampleRate),
		bufferSize: bufferSize,
	}
}

// Start implements Output. The device starts suspended, matching the context.
func (s *SpeakerOutput) Start(src beep.Streamer) error {
	if err := speaker.Init(s.sampleRate, s.sampleRate.N(s.bufferSize)); err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}
	speaker.Play(src)
	if err := speaker.Suspend(); err != nil {
		return fmt.Errorf("suspend speaker: %w", err)
	}
	return nil
}

// Resume implements Output.
func (s *SpeakerOutput) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return speaker.Resume()
}

// Suspend implements Output.
func (s *SpeakerOutput) Suspend() error {
	return speaker.Suspend()
}

// Close implements Output.
func (s *SpeakerOutput) Close() error {
	speaker.Clear()
	speaker.Close()
	return nil
}
