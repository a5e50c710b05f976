/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"context"
	"errors"
	"sync"

	"github.com/gopxl/beep/v2"
)

// FrameSink receives rendered frames from a paced output. Implementations must copy
// samples they keep; the slice is reused.
type FrameSink interface {
	WriteFrame(samples [][2]float64)
}

// ManualOutput renders only when asked. The clock is fully deterministic, which is
// what tests and offline rendering need.
type ManualOutput struct {
	mu        sync.Mutex
	src       beep.Streamer
	resumeErr error
	resumes   int
}

// NewManualOutput creates a manual output.
func NewManualOutput() *ManualOutput {
	return &ManualOutput{}
}

// Start implements Output.
func (m *ManualOutput) Start(src beep.Streamer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.src != nil {
		return errors.New("manual output already started")
	}
	m.src = src
	return nil
}

// FailResume makes subsequent Resume calls return err (nil clears it).
func (m *ManualOutput) FailResume(err error) {
	m.mu.Lock()
	m.resumeErr = err
	m.mu.Unlock()
}

// Resume implements Output.
func (m *ManualOutput) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resumeErr != nil {
		return m.resumeErr
	}
	m.resumes++
	return nil
}

// Resumes returns how many times Resume succeeded.
func (m *ManualOutput) Resumes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumes
}

// Suspend implements Output.
func (m *ManualOutput) Suspend() error { return nil }

// Close implements Output.
func (m *ManualOutput) Close() error { return nil }

// Render pulls n frames from the attached context and returns them.
func (m *ManualOutput) Render(n int) [][2]float64 {
	m.mu.Lock()
	src := m.src
	m.mu.Unlock()

	out := make([][2]float64, n)
	if src == nil {
		return out
	}
	const chunk = 512
	for done := 0; done < n; {
		end := min(done+chunk, n)
		got, ok := src.Stream(out[done:end])
		done += got
		if !ok || got == 0 {
			break
		}
	}
	return out
}
