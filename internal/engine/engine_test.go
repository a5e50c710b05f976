/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/mixdeck/internal/audio"
	"github.com/friendsincode/mixdeck/internal/cache"
	"github.com/friendsincode/mixdeck/internal/events"
)

const testRate = 1000

// wavBytes builds a 16-bit stereo WAV at testRate whose frame i has value at(i).
func wavBytes(frames int, at func(i int) float64) []byte {
	dataLen := frames * 4
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+dataLen))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint16(2))
	_ = binary.Write(&b, binary.LittleEndian, uint32(testRate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(testRate*4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(dataLen))
	for i := 0; i < frames; i++ {
		s := int16(at(i) * math.MaxInt16)
		_ = binary.Write(&b, binary.LittleEndian, s)
		_ = binary.Write(&b, binary.LittleEndian, s)
	}
	return b.Bytes()
}

func constWAV(secs, value float64) []byte {
	return wavBytes(int(secs*testRate), func(int) float64 { return value })
}

type memFetcher map[string][]byte

func (m memFetcher) Fetch(_ context.Context, ref string) (io.ReadCloser, error) {
	data, ok := m[ref]
	if !ok {
		return nil, errors.New("no such source")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type harness struct {
	e   *Engine
	ac  *audio.Context
	out *audio.ManualOutput
}

func newHarness(t *testing.T, files memFetcher, opts ...Option) *harness {
	t.Helper()
	out := audio.NewManualOutput()
	ac, err := audio.NewContext(testRate, out, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	decoded := cache.New(files, cache.Config{SampleRate: testRate}, zerolog.Nop())
	opts = append([]Option{WithPollInterval(time.Hour)}, opts...)
	e := New(ac, decoded, zerolog.Nop(), opts...)
	t.Cleanup(func() {
		e.Close()
		_ = ac.Close()
	})
	return &harness{e: e, ac: ac, out: out}
}

func (h *harness) live() []string {
	return h.e.State().LiveTracks
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-3
}

func TestAudible(t *testing.T) {
	tests := []struct {
		name   string
		tracks []Track
		want   []string
	}{
		{"all unmuted play", []Track{{ID: "a"}, {ID: "b"}}, []string{"a", "b"}},
		{"solo takes precedence", []Track{{ID: "a", Solo: true}, {ID: "b"}}, []string{"a"}},
		{"muted never plays", []Track{{ID: "a", Muted: true}}, []string{}},
		{"muted solo is silent", []Track{{ID: "a", Solo: true, Muted: true}, {ID: "b"}}, []string{}},
		{"several solos", []Track{{ID: "a", Solo: true}, {ID: "b"}, {ID: "c", Solo: true}}, []string{"a", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := []string{}
			for _, tr := range audible(tt.tracks) {
				got = append(got, tr.ID)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("audible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name                       string
		position, duration, offset float64
		want                       schedule
		wantOK                     bool
	}{
		{"starts later", 4, 2, 1, schedule{delay: 3}, true},
		{"starts exactly now", 1, 2, 1, schedule{}, true},
		{"mid clip", 2, 10, 5, schedule{from: 3}, true},
		{"already over", 1, 2, 5, schedule{}, false},
		{"ends exactly at offset", 1, 2, 3, schedule{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := plan(tt.position, tt.duration, tt.offset)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("plan = %+v, %v; want %+v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestTotalDurationCountsAllTracks(t *testing.T) {
	durations := map[string]float64{"a": 2, "b": 5}
	lookup := func(ref string) (float64, bool) {
		d, ok := durations[ref]
		return d, ok
	}
	tracks := []Track{
		{ID: "1", SourceRef: "a", Position: 10, Muted: true},
		{ID: "2", SourceRef: "b", Position: 1},
		{ID: "3", SourceRef: "missing", Position: 50},
	}
	if got := totalDuration(tracks, lookup); got != 12 {
		t.Fatalf("expected 12, got %v", got)
	}
}

func TestPlayReportsStartOffset(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(5, 0.2)})
	tracks := []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}

	if err := h.e.Play(context.Background(), tracks, 2); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := h.e.CurrentTime(); got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
	h.out.Render(500)
	if got := h.e.CurrentTime(); !near(got, 2.5) {
		t.Fatalf("expected 2.5, got %v", got)
	}
	if !h.e.IsPlaying() || h.e.IsPaused() {
		t.Fatal("expected playing and not paused")
	}
}

func TestSoloPrecedence(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(2, 0.1), "b.wav": constWAV(2, 0.1)})
	tracks := []Track{
		{ID: "a", SourceRef: "a.wav", Volume: 1, Solo: true},
		{ID: "b", SourceRef: "b.wav", Volume: 1},
	}

	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := h.live(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected only a, got %v", got)
	}

	tracks[0].Solo = false
	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := h.live(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("expected a and b, got %v", got)
	}
}

func TestMutedTrackNeverScheduled(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(2, 0.1)})
	tracks := []Track{{ID: "a", SourceRef: "a.wav", Volume: 1, Muted: true}}

	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := h.live(); len(got) != 0 {
		t.Fatalf("expected no nodes, got %v", got)
	}
	if got := h.e.TotalDuration(); !near(got, 2) {
		t.Fatalf("muted tracks still count toward total duration, got %v", got)
	}
}

func TestSeekIntoClipStartsMidBuffer(t *testing.T) {
	const frames = 10 * testRate
	ramp := wavBytes(frames, func(i int) float64 { return float64(i) / frames })
	h := newHarness(t, memFetcher{"ramp.wav": ramp})
	tracks := []Track{{ID: "r", SourceRef: "ramp.wav", Position: 2, Volume: 1}}

	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := h.e.Seek(context.Background(), 5); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	out := h.out.Render(1)
	if got := out[0][0]; !near(got, 0.3) {
		t.Fatalf("expected playback from 3s into the clip (0.3), got %v", got)
	}
	if got := h.e.CurrentTime(); !near(got, 5.001) {
		t.Fatalf("expected 5.001, got %v", got)
	}
}

func TestDelayedTrackStartsOnTime(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(1, 0.5)})
	tracks := []Track{{ID: "a", SourceRef: "a.wav", Position: 1, Volume: 1}}

	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	before := h.out.Render(testRate)
	for i, f := range before {
		if f[0] != 0 {
			t.Fatalf("frame %d sounded before the clip position", i)
		}
	}
	after := h.out.Render(10)
	if !near(after[0][0], 0.5) {
		t.Fatalf("expected clip to start at 1s, got %v", after[0][0])
	}
}

func TestPauseThenResumeContinuesFromPausedPosition(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(5, 0.2)})
	tracks := []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}

	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h.out.Render(1500)

	pos := h.e.Pause()
	if !near(pos, 1.5) {
		t.Fatalf("expected pause at 1.5, got %v", pos)
	}
	if h.e.IsPlaying() || !h.e.IsPaused() {
		t.Fatal("expected paused state")
	}
	if len(h.live()) != 0 {
		t.Fatal("pause must tear down nodes")
	}

	h.out.Render(700)
	if got := h.e.CurrentTime(); !near(got, 1.5) {
		t.Fatalf("position moved while paused: %v", got)
	}
	if again := h.e.Pause(); !near(again, 1.5) {
		t.Fatalf("second pause should return the paused position, got %v", again)
	}

	if err := h.e.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := h.e.CurrentTime(); !near(got, 1.5) {
		t.Fatalf("expected resume at 1.5, got %v", got)
	}
	if !h.e.IsPlaying() {
		t.Fatal("expected playing after resume")
	}
}

func TestStopResetsFromAnyState(t *testing.T) {
	setups := map[string]func(h *harness, tracks []Track){
		"playing": func(h *harness, tracks []Track) {
			_ = h.e.Play(context.Background(), tracks, 1)
			h.out.Render(200)
		},
		"paused": func(h *harness, tracks []Track) {
			_ = h.e.Play(context.Background(), tracks, 0)
			h.out.Render(200)
			h.e.Pause()
		},
		"stopped": func(h *harness, tracks []Track) {},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, memFetcher{"a.wav": constWAV(3, 0.2)})
			tracks := []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}
			setup(h, tracks)

			var mu sync.Mutex
			var got []float64
			unsub := h.e.Subscribe(func(s float64) {
				mu.Lock()
				got = append(got, s)
				mu.Unlock()
			})
			defer unsub()

			h.e.Stop()

			mu.Lock()
			reported := append([]float64(nil), got...)
			mu.Unlock()
			if len(reported) == 0 || reported[len(reported)-1] != 0 {
				t.Fatalf("expected listener to receive 0, got %v", reported)
			}
			if h.e.CurrentTime() != 0 || h.e.IsPlaying() || h.e.IsPaused() {
				t.Fatal("expected reset transport")
			}
			if len(h.live()) != 0 {
				t.Fatal("expected no live nodes")
			}
			h.out.Render(10)
			if h.ac.Voices() != 0 {
				t.Fatalf("expected nothing connected, got %d voices", h.ac.Voices())
			}
		})
	}
}

func TestTotalDurationGrowsWithLateTrack(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(2, 0.1), "b.wav": constWAV(5, 0.1)})
	tracks := []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}

	durations := h.e.PreloadTracks(context.Background(), tracks)
	if !near(durations["a"], 2) || !near(h.e.TotalDuration(), 2) {
		t.Fatalf("unexpected durations %v total %v", durations, h.e.TotalDuration())
	}

	tracks = append(tracks, Track{ID: "b", SourceRef: "b.wav", Position: 100, Volume: 1})
	durations = h.e.PreloadTracks(context.Background(), tracks)
	if !near(durations["b"], 5) {
		t.Fatalf("expected b duration 5, got %v", durations["b"])
	}
	if got := h.e.TotalDuration(); got < 105-1e-3 {
		t.Fatalf("expected total >= 105, got %v", got)
	}
}

func TestSetTrackVolumeAdjustsLiveNode(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(2, 0.5)})
	tracks := []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}

	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := h.out.Render(10)[5][0]; !near(got, 0.5) {
		t.Fatalf("expected 0.5, got %v", got)
	}

	h.e.SetTrackVolume("a", 0.5)
	if got := h.out.Render(10)[5][0]; !near(got, 0.25) {
		t.Fatalf("expected 0.25 after volume change, got %v", got)
	}
	if got := h.e.Tracks()[0].Volume; got != 0.5 {
		t.Fatalf("expected stored volume 0.5, got %v", got)
	}

	h.e.SetTrackVolume("a", 7)
	if got := h.e.Tracks()[0].Volume; got != 1 {
		t.Fatalf("expected volume clamped to 1, got %v", got)
	}
	h.e.SetTrackVolume("unknown", 0.3)
}

func TestMuteChangeAppliesOnRebuild(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(5, 0.1)})
	tracks := []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}

	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	tracks[0].Muted = true
	h.e.SetTracks(tracks)
	if got := h.live(); len(got) != 1 {
		t.Fatalf("mute must not apply to live nodes, got %v", got)
	}

	if err := h.e.Seek(context.Background(), h.e.CurrentTime()); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got := h.live(); len(got) != 0 {
		t.Fatalf("expected muted track gone after rebuild, got %v", got)
	}
}

func TestEarlyTrackEndKeepsTransportRunning(t *testing.T) {
	h := newHarness(t, memFetcher{"short.wav": constWAV(1, 0.1), "long.wav": constWAV(3, 0.1)})
	tracks := []Track{
		{ID: "short", SourceRef: "short.wav", Volume: 1},
		{ID: "long", SourceRef: "long.wav", Volume: 1},
	}

	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h.out.Render(1500)

	waitFor(t, "short track to end", func() bool {
		return reflect.DeepEqual(h.live(), []string{"long"})
	})
	if !h.e.IsPlaying() {
		t.Fatal("transport must keep running after an early track end")
	}
	if got := h.e.TotalDuration(); !near(got, 3) {
		t.Fatalf("total duration must not change, got %v", got)
	}
}

func TestStaleNodeEndLeavesNewerNode(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(2, 0.1)})
	tracks := []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}

	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h.e.mu.Lock()
	old := h.e.nodes["a"]
	h.e.mu.Unlock()

	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h.e.onNodeEnded(old)

	if got := h.live(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("newer node must survive a stale end, got %v", got)
	}
}

func TestPlaybackStopsAtEndOfTimeline(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(0.2, 0.1)}, WithPollInterval(5*time.Millisecond))
	tracks := []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}

	var mu sync.Mutex
	var got []float64
	h.e.Subscribe(func(s float64) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h.out.Render(300)

	waitFor(t, "end position followed by 0", func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := len(got)
		return n >= 2 && got[n-1] == 0 && got[n-2] >= 0.2
	})
	if h.e.IsPlaying() {
		t.Fatal("expected transport stopped")
	}
	if h.e.IsPaused() || h.e.CurrentTime() != 0 {
		t.Fatal("auto stop must reset the transport")
	}
}

func TestPlayPropagatesResumeError(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(2, 0.1)})
	blocked := errors.New("needs a user gesture")
	h.out.FailResume(blocked)

	err := h.e.Play(context.Background(), []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}, 0)
	if !errors.Is(err, blocked) {
		t.Fatalf("expected resume error, got %v", err)
	}
	if h.e.IsPlaying() || len(h.live()) != 0 {
		t.Fatal("failed play must not change the transport")
	}

	h.out.FailResume(nil)
	if err := h.e.Play(context.Background(), []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}, 0); err != nil {
		t.Fatalf("retry Play: %v", err)
	}
}

func TestSeekWhileStoppedEntersPaused(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(10, 0.1)})
	h.e.SetTracks([]Track{{ID: "a", SourceRef: "a.wav", Volume: 1}})

	if err := h.e.Seek(context.Background(), 4); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if h.e.IsPlaying() || !h.e.IsPaused() || h.e.CurrentTime() != 4 {
		t.Fatalf("expected paused at 4, got %+v", h.e.State())
	}

	if err := h.e.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := h.e.CurrentTime(); got != 4 {
		t.Fatalf("expected play from 4, got %v", got)
	}

	h.e.Stop()
	if err := h.e.Seek(context.Background(), -3); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got := h.e.CurrentTime(); got != 0 {
		t.Fatalf("negative seek should clamp to 0, got %v", got)
	}
}

func TestPlayLoadsMissingSourcesAndSkipsFailures(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(2, 0.1)})
	tracks := []Track{
		{ID: "a", SourceRef: "a.wav", Volume: 1},
		{ID: "gone", SourceRef: "gone.wav", Volume: 1},
	}

	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := h.live(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected only the decodable track, got %v", got)
	}
	if d, ok := h.e.AudioDuration("a.wav"); !ok || !near(d, 2) {
		t.Fatalf("AudioDuration = %v, %v", d, ok)
	}
	if _, ok := h.e.AudioDuration("gone.wav"); ok {
		t.Fatal("failed source must have no duration")
	}

	h.e.ClearCache()
	if _, ok := h.e.AudioDuration("a.wav"); ok {
		t.Fatal("expected cache cleared")
	}
}

func TestPauseCancelsPendingNodes(t *testing.T) {
	h := newHarness(t, memFetcher{"a.wav": constWAV(1, 0.5)})
	tracks := []Track{{ID: "a", SourceRef: "a.wav", Position: 0.5, Volume: 1}}

	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h.out.Render(100)
	h.e.Pause()

	for i, f := range h.out.Render(2000) {
		if f[0] != 0 {
			t.Fatalf("frame %d: scheduled node sounded after pause", i)
		}
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	h := newHarness(t, memFetcher{})

	var first, second int
	unsubFirst := h.e.Subscribe(func(float64) { first++ })
	unsubSecond := h.e.Subscribe(func(float64) { second++ })

	h.e.Stop()
	if first != 1 || second != 1 {
		t.Fatalf("expected both listeners notified, got %d and %d", first, second)
	}

	unsubFirst()
	unsubFirst()
	h.e.Stop()
	if first != 1 || second != 2 {
		t.Fatalf("expected only second listener, got %d and %d", first, second)
	}
	unsubSecond()
}

func TestTransportEventsArePublished(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.EventTransportState)
	h := newHarness(t, memFetcher{"a.wav": constWAV(1, 0.1)}, WithPublisher(bus))

	if err := h.e.Play(context.Background(), []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}

	select {
	case payload := <-sub:
		if payload["playing"] != true {
			t.Fatalf("expected playing state, got %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected transport state event")
	}
}

type slowPublisher struct {
	delay time.Duration
	mu    sync.Mutex
	seen  []events.EventType
}

func (p *slowPublisher) Publish(eventType events.EventType, _ events.Payload) {
	time.Sleep(p.delay)
	p.mu.Lock()
	p.seen = append(p.seen, eventType)
	p.mu.Unlock()
}

func (p *slowPublisher) published() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.EventType(nil), p.seen...)
}

func TestTransportDoesNotWaitForPublisher(t *testing.T) {
	pub := &slowPublisher{delay: 300 * time.Millisecond}
	h := newHarness(t, memFetcher{"a.wav": constWAV(5, 0.1)}, WithPublisher(pub))
	tracks := []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}

	start := time.Now()
	if err := h.e.Play(context.Background(), tracks, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h.out.Render(100)
	h.e.Pause()
	h.e.SetTrackVolume("a", 0.5)

	stopped := make(chan struct{})
	go func() {
		h.e.Stop()
		close(stopped)
	}()
	_ = h.e.CurrentTime()
	<-stopped

	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("transport calls took %v with a slow publisher", elapsed)
	}

	h.e.Close()
	got := pub.published()
	if len(got) == 0 || got[0] != events.EventTransportState {
		t.Fatalf("queued events = %v, want transport state first", got)
	}
}

// gatedFetcher blocks every fetch until release is closed.
type gatedFetcher struct {
	files   memFetcher
	started chan string
	release chan struct{}
}

func (g *gatedFetcher) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	select {
	case g.started <- ref:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.files.Fetch(ctx, ref)
}

func newGatedHarness(t *testing.T, files memFetcher) (*harness, *gatedFetcher) {
	t.Helper()
	g := &gatedFetcher{files: files, started: make(chan string, 8), release: make(chan struct{})}
	out := audio.NewManualOutput()
	ac, err := audio.NewContext(testRate, out, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	decoded := cache.New(g, cache.Config{SampleRate: testRate}, zerolog.Nop())
	e := New(ac, decoded, zerolog.Nop(), WithPollInterval(time.Hour))
	t.Cleanup(func() {
		e.Close()
		_ = ac.Close()
	})
	return &harness{e: e, ac: ac, out: out}, g
}

func TestLaterTransportCallWinsOverLoadingPlay(t *testing.T) {
	tests := []struct {
		name string
		interrupt  func(e *Engine)
		wantPaused bool
		wantPos    float64
	}{
		{"stop", func(e *Engine) { e.Stop() }, false, 0},
		{"pause", func(e *Engine) { e.Pause() }, false, 0},
		{"seek", func(e *Engine) { _ = e.Seek(context.Background(), 3) }, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, g := newGatedHarness(t, memFetcher{"a.wav": constWAV(5, 0.1)})
			tracks := []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}

			done := make(chan error, 1)
			go func() { done <- h.e.Play(context.Background(), tracks, 0) }()

			select {
			case <-g.started:
			case <-time.After(2 * time.Second):
				t.Fatal("Play never started loading")
			}
			tt.interrupt(h.e)
			close(g.release)

			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("Play: %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Play did not return")
			}

			st := h.e.State()
			if st.Playing || len(st.LiveTracks) != 0 {
				t.Fatalf("superseded Play still took effect: %+v", st)
			}
			if st.Paused != tt.wantPaused || st.Position != tt.wantPos {
				t.Fatalf("state = %+v, want paused=%v at %v", st, tt.wantPaused, tt.wantPos)
			}
			if _, ok := h.e.AudioDuration("a.wav"); !ok {
				t.Fatal("source loaded by the superseded Play should stay cached")
			}
		})
	}
}

func TestPlayResumesBeforeLoading(t *testing.T) {
	h, g := newGatedHarness(t, memFetcher{"a.wav": constWAV(1, 0.1)})
	blocked := errors.New("needs a user gesture")
	h.out.FailResume(blocked)

	err := h.e.Play(context.Background(), []Track{{ID: "a", SourceRef: "a.wav", Volume: 1}}, 0)
	if !errors.Is(err, blocked) {
		t.Fatalf("expected resume error, got %v", err)
	}
	select {
	case ref := <-g.started:
		t.Fatalf("fetched %q before the context resumed", ref)
	default:
	}
}
