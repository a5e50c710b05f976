/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides the in-memory decode cache: fetched audio sources decoded to
// PCM at the engine sample rate and memoized by source reference.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/friendsincode/mixdeck/internal/events"
	"github.com/friendsincode/mixdeck/internal/telemetry"
)

// DefaultPreloadWorkers bounds concurrent fetches during Preload.
const DefaultPreloadWorkers = 4

// Fetcher resolves a source reference to its raw bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Config contains cache configuration.
type Config struct {
	SampleRate     int
	PreloadWorkers int

	// Publisher receives cache events. Optional.
	Publisher events.Publisher
}

// Buffer is a fully decoded source. It is shared read-only between tracks.
type Buffer struct {
	Ref      string
	Source   beep.Format // format of the encoded source
	Frames   int
	Duration float64 // seconds

	pcm *beep.Buffer
}

// Streamer returns a fresh streamer over frames [from, to).
func (b *Buffer) Streamer(from, to int) beep.StreamSeeker {
	return b.pcm.Streamer(from, to)
}

// SampleRate is the rate the PCM was decoded to.
func (b *Buffer) SampleRate() beep.SampleRate {
	return b.pcm.Format().SampleRate
}

// Cache memoizes decoded buffers by source reference.
type Cache struct {
	fetcher    Fetcher
	sampleRate beep.SampleRate
	workers    int
	publisher  events.Publisher
	logger     zerolog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	buffers map[string]*Buffer
	gen     uint64 // bumped by Clear so in-flight loads are not stored
}

// New creates a decode cache.
func New(fetcher Fetcher, cfg Config, logger zerolog.Logger) *Cache {
	workers := cfg.PreloadWorkers
	if workers < 1 {
		workers = DefaultPreloadWorkers
	}
	return &Cache{
		fetcher:    fetcher,
		sampleRate: beep.SampleRate(cfg.SampleRate),
		workers:    workers,
		publisher:  cfg.Publisher,
		logger:     logger.With().Str("component", "decode-cache").Logger(),
		buffers:    make(map[string]*Buffer),
	}
}

// Get returns the cached buffer for ref without loading it.
func (c *Cache) Get(ref string) (*Buffer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	buf, ok := c.buffers[ref]
	return buf, ok
}

// Duration returns the decoded duration of ref in seconds, if cached.
func (c *Cache) Duration(ref string) (float64, bool) {
	buf, ok := c.Get(ref)
	if !ok {
		return 0, false
	}
	return buf.Duration, true
}

// Len returns the number of cached buffers.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buffers)
}

// Load returns the buffer for ref, fetching and decoding it on first use. Concurrent
// loads of the same ref share one fetch. A caller that gives up through ctx does not
// cancel the shared load. Failures are returned as *DecodeError and never cached.
func (c *Cache) Load(ctx context.Context, ref string) (*Buffer, error) {
	if buf, ok := c.Get(ref); ok {
		telemetry.CacheLookups.WithLabelValues("hit").Inc()
		return buf, nil
	}

	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	key := strconv.FormatUint(gen, 10) + ":" + ref
	ch := c.group.DoChan(key, func() (any, error) {
		return c.load(context.WithoutCancel(ctx), ref, gen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			telemetry.CacheLookups.WithLabelValues("shared").Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Buffer), nil
	}
}

func (c *Cache) load(ctx context.Context, ref string, gen uint64) (buf *Buffer, err error) {
	// A flight that finished between our lookup and DoChan has already stored it.
	if buf, ok := c.Get(ref); ok {
		telemetry.CacheLookups.WithLabelValues("hit").Inc()
		return buf, nil
	}
	telemetry.CacheLookups.WithLabelValues("miss").Inc()

	ctx, span := telemetry.StartSpan(ctx, "cache.load", attribute.String("source.ref", ref))
	defer func() { telemetry.EndSpan(span, err) }()

	buf, err = c.fetchAndDecode(ctx, ref)
	if err != nil {
		var de *DecodeError
		op := OpDecode
		if errors.As(err, &de) {
			op = de.Op
		}
		telemetry.CacheDecodeFailures.WithLabelValues(op).Inc()
		c.logger.Warn().Err(err).Str("ref", ref).Msg("failed to load audio source")
		c.publish(events.EventDecodeFailed, events.Payload{"ref": ref, "op": op, "error": err.Error()})
		return nil, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.buffers[ref] = buf
		c.updateGaugesLocked()
	}
	c.mu.Unlock()

	c.logger.Debug().
		Str("ref", ref).
		Int("frames", buf.Frames).
		Float64("duration", buf.Duration).
		Int("source_rate", int(buf.Source.SampleRate)).
		Msg("decoded audio source")
	return buf, nil
}

func (c *Cache) fetchAndDecode(ctx context.Context, ref string) (*Buffer, error) {
	rc, err := c.fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, &DecodeError{Ref: ref, Op: OpFetch, Err: err}
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, &DecodeError{Ref: ref, Op: OpFetch, Err: err}
	}

	format, err := sniffFormat(data, ref)
	if err != nil {
		return nil, &DecodeError{Ref: ref, Op: OpSniff, Err: err}
	}

	start := time.Now()
	pcm, srcFormat, err := decodePCM(format, data, c.sampleRate)
	if err != nil {
		return nil, &DecodeError{Ref: ref, Op: OpDecode, Err: fmt.Errorf("%s: %w", format, err)}
	}
	telemetry.CacheDecodeDuration.WithLabelValues(string(format)).Observe(time.Since(start).Seconds())

	frames := pcm.Len()
	return &Buffer{
		Ref:      ref,
		Source:   srcFormat,
		Frames:   frames,
		Duration: float64(frames) / float64(c.sampleRate),
		pcm:      pcm,
	}, nil
}

// Preload loads every distinct source in sources (track id to ref) and returns the
// duration of each track whose source decoded. Failures are logged and omitted.
func (c *Cache) Preload(ctx context.Context, sources map[string]string) map[string]float64 {
	refs := make(map[string]struct{}, len(sources))
	for _, ref := range sources {
		if ref != "" {
			refs[ref] = struct{}{}
		}
	}

	var mu sync.Mutex
	var failed []string
	loaded := make(map[string]float64, len(refs))

	var g errgroup.Group
	g.SetLimit(c.workers)
	for ref := range refs {
		g.Go(func() error {
			buf, err := c.Load(ctx, ref)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, ref)
				return nil
			}
			loaded[ref] = buf.Duration
			return nil
		})
	}
	_ = g.Wait()

	durations := make(map[string]float64, len(sources))
	for trackID, ref := range sources {
		if d, ok := loaded[ref]; ok {
			durations[trackID] = d
		}
	}

	sort.Strings(failed)
	if len(failed) > 0 {
		c.logger.Warn().Strs("refs", failed).Int("loaded", len(loaded)).Msg("preload finished with failures")
	} else {
		c.logger.Debug().Int("loaded", len(loaded)).Msg("preload finished")
	}
	c.publish(events.EventPreloaded, events.Payload{
		"durations": durations,
		"failed":    failed,
	})
	return durations
}

// Clear drops every cached buffer. Loads still in flight are not stored.
func (c *Cache) Clear() {
	c.mu.Lock()
	dropped := len(c.buffers)
	c.buffers = make(map[string]*Buffer)
	c.gen++
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.logger.Info().Int("dropped", dropped).Msg("decode cache cleared")
	c.publish(events.EventCacheCleared, events.Payload{"dropped": dropped})
}

func (c *Cache) updateGaugesLocked() {
	var seconds float64
	for _, buf := range c.buffers {
		seconds += buf.Duration
	}
	telemetry.CacheBuffers.Set(float64(len(c.buffers)))
	telemetry.CacheBufferedSeconds.Set(seconds)
}

func (c *Cache) publish(eventType events.EventType, payload events.Payload) {
	if c.publisher != nil {
		c.publisher.Publish(eventType, payload)
	}
}
