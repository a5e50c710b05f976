/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/mixdeck/internal/audio"
	"github.com/friendsincode/mixdeck/internal/cache"
	"github.com/friendsincode/mixdeck/internal/db"
	"github.com/friendsincode/mixdeck/internal/engine"
	"github.com/friendsincode/mixdeck/internal/events"
	"github.com/friendsincode/mixdeck/internal/logbuffer"
	"github.com/friendsincode/mixdeck/internal/models"
	"github.com/friendsincode/mixdeck/internal/project"
)

type fakeTransport struct {
	mu        sync.Mutex
	tracks    []engine.Track
	playing   bool
	paused    bool
	position  float64
	offset    float64
	volumes   map[string]float64
	playErr   error
	cleared   int
	durations map[string]float64
	listeners []func(float64)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{volumes: make(map[string]float64), durations: make(map[string]float64)}
}

func (f *fakeTransport) PreloadTracks(ctx context.Context, tracks []engine.Track) map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = tracks
	out := make(map[string]float64)
	for _, t := range tracks {
		if d, ok := f.durations[t.SourceRef]; ok {
			out[t.ID] = d
		}
	}
	return out
}

func (f *fakeTransport) Play(ctx context.Context, tracks []engine.Track, offset float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.tracks = tracks
	f.offset = offset
	f.position = offset
	f.playing = true
	f.paused = false
	return nil
}

func (f *fakeTransport) Resume(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = true
	f.paused = false
	return nil
}

func (f *fakeTransport) Pause() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
	f.paused = true
	return f.position
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
	f.paused = false
	f.position = 0
}

func (f *fakeTransport) Seek(ctx context.Context, t float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.position = t
	return nil
}

func (f *fakeTransport) SetTracks(tracks []engine.Track) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = tracks
}

func (f *fakeTransport) Tracks() []engine.Track {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Track(nil), f.tracks...)
}

func (f *fakeTransport) SetTrackVolume(trackID string, volume float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[trackID] = volume
}

func (f *fakeTransport) State() engine.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.State{
		Playing:  f.playing,
		Paused:   f.paused,
		Position: f.position,
		Tracks:   append([]engine.Track(nil), f.tracks...),
	}
}

func (f *fakeTransport) Subscribe(fn func(seconds float64)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeTransport) emit(seconds float64) {
	f.mu.Lock()
	ls := append([]func(float64)(nil), f.listeners...)
	f.mu.Unlock()
	for _, fn := range ls {
		fn(seconds)
	}
}

func (f *fakeTransport) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeTransport) AudioDuration(ref string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.durations[ref]
	return d, ok
}

func (f *fakeTransport) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	f.durations = make(map[string]float64)
}

func newRouter(a *API) http.Handler {
	r := chi.NewRouter()
	a.Routes(r)
	return r
}

func newProjectService(t *testing.T) *project.Service {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return project.NewService(gdb, zerolog.Nop())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	h := newRouter(New(newFakeTransport(), nil, zerolog.Nop()))
	rr := do(t, h, http.MethodGet, "/api/v1/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["status"] != "ok" || body["projects"] != false {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestPlayDefaultsVolumeAndOffset(t *testing.T) {
	tr := newFakeTransport()
	h := newRouter(New(tr, nil, zerolog.Nop()))

	rr := do(t, h, http.MethodPost, "/api/v1/transport/play",
		`{"tracks":[{"id":"a","source_ref":"a.wav","position":1},{"id":"b","source_ref":"b.wav","volume":0.3}],"offset":2.5}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	state := decode[engine.State](t, rr)
	if !state.Playing || state.Position != 2.5 {
		t.Fatalf("state = %+v", state)
	}
	if state.Tracks[0].Volume != 1 || state.Tracks[1].Volume != 0.3 {
		t.Errorf("volumes = %v, %v", state.Tracks[0].Volume, state.Tracks[1].Volume)
	}
}

func TestPlayWithoutBodyUsesCurrentTracks(t *testing.T) {
	tr := newFakeTransport()
	tr.tracks = []engine.Track{{ID: "x", SourceRef: "x.wav", Volume: 1}}
	h := newRouter(New(tr, nil, zerolog.Nop()))

	rr := do(t, h, http.MethodPost, "/api/v1/transport/play", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got := tr.Tracks(); len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("tracks = %+v", got)
	}
}

func TestPlayRejectsBadTracks(t *testing.T) {
	h := newRouter(New(newFakeTransport(), nil, zerolog.Nop()))

	tests := []struct {
		name string
		body string
		code string
	}{
		{"missing id", `{"tracks":[{"source_ref":"a.wav"}]}`, "invalid_track"},
		{"missing source", `{"tracks":[{"id":"a"}]}`, "invalid_track"},
		{"unknown field", `{"tracks":[],"speed":2}`, "invalid_json"},
		{"not json", `{`, "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/api/v1/transport/play", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if body := decode[map[string]string](t, rr); body["error"] != tt.code {
				t.Fatalf("error = %q, want %q", body["error"], tt.code)
			}
		})
	}
}

func TestPlayErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"closed", fmt.Errorf("resume audio output: %w", audio.ErrClosed), http.StatusServiceUnavailable, "audio_closed"},
		{"decode", &cache.DecodeError{Ref: "a.wav", Op: cache.OpDecode, Err: errors.New("bad")}, http.StatusUnprocessableEntity, "decode_failed"},
		{"device", errors.New("device busy"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			tr.playErr = tt.err
			h := newRouter(New(tr, nil, zerolog.Nop()))

			rr := do(t, h, http.MethodPost, "/api/v1/transport/play", `{"tracks":[]}`)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			if body := decode[map[string]string](t, rr); body["error"] != tt.code {
				t.Fatalf("error = %q, want %q", body["error"], tt.code)
			}
		})
	}
}

func TestTransportControls(t *testing.T) {
	tr := newFakeTransport()
	h := newRouter(New(tr, nil, zerolog.Nop()))

	if rr := do(t, h, http.MethodPost, "/api/v1/transport/seek", `{"position":4}`); rr.Code != http.StatusOK {
		t.Fatalf("seek: %d", rr.Code)
	}
	rr := do(t, h, http.MethodPost, "/api/v1/transport/pause", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("pause: %d", rr.Code)
	}
	if body := decode[map[string]any](t, rr); body["position"] != 4.0 {
		t.Errorf("pause position = %v", body["position"])
	}

	if rr := do(t, h, http.MethodPost, "/api/v1/transport/resume", ""); rr.Code != http.StatusOK {
		t.Fatalf("resume: %d", rr.Code)
	}
	if !tr.State().Playing {
		t.Error("resume did not start playback")
	}

	rr = do(t, h, http.MethodPost, "/api/v1/transport/stop", "")
	if state := decode[engine.State](t, rr); state.Playing || state.Position != 0 {
		t.Errorf("after stop = %+v", state)
	}

	if rr := do(t, h, http.MethodPost, "/api/v1/transport/seek", `{}`); rr.Code != http.StatusOK {
		t.Fatalf("seek with empty object: %d", rr.Code)
	}
}

func TestSetTrackVolume(t *testing.T) {
	tr := newFakeTransport()
	h := newRouter(New(tr, nil, zerolog.Nop()))

	if rr := do(t, h, http.MethodPut, "/api/v1/transport/tracks/t1/volume", `{"volume":0.25}`); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if tr.volumes["t1"] != 0.25 {
		t.Errorf("volume = %v", tr.volumes["t1"])
	}
	if rr := do(t, h, http.MethodPut, "/api/v1/transport/tracks/t1/volume", `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing volume: expected 400, got %d", rr.Code)
	}
}

func TestCacheEndpoints(t *testing.T) {
	tr := newFakeTransport()
	tr.durations["a.wav"] = 3.5
	h := newRouter(New(tr, nil, zerolog.Nop()))

	rr := do(t, h, http.MethodGet, "/api/v1/cache/duration?ref=a.wav", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decode[map[string]any](t, rr); body["duration"] != 3.5 {
		t.Errorf("duration = %v", body["duration"])
	}

	if rr := do(t, h, http.MethodGet, "/api/v1/cache/duration?ref=missing.wav", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing ref: expected 404, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/api/v1/cache/duration", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("no ref: expected 400, got %d", rr.Code)
	}

	if rr := do(t, h, http.MethodDelete, "/api/v1/cache", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("clear: expected 204, got %d", rr.Code)
	}
	if tr.cleared != 1 {
		t.Errorf("cleared = %d", tr.cleared)
	}
}

func TestProjectsDisabledWithoutDatabase(t *testing.T) {
	h := newRouter(New(newFakeTransport(), nil, zerolog.Nop()))
	rr := do(t, h, http.MethodGet, "/api/v1/projects", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestProjectLifecycle(t *testing.T) {
	tr := newFakeTransport()
	h := newRouter(New(tr, nil, zerolog.Nop(), WithProjects(newProjectService(t))))

	rr := do(t, h, http.MethodPost, "/api/v1/projects",
		`{"name":"Demo","bpm":100,"tracks":[{"source_ref":"late.wav","position":3},{"source_ref":"early.wav","volume":0.5}]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	created := decode[models.Project](t, rr)
	if created.ID == "" || len(created.Tracks) != 2 {
		t.Fatalf("created = %+v", created)
	}

	rr = do(t, h, http.MethodGet, "/api/v1/projects", "")
	list := decode[[]project.Summary](t, rr)
	if len(list) != 1 || list[0].TrackCount != 2 {
		t.Fatalf("list = %+v", list)
	}

	rr = do(t, h, http.MethodPost, "/api/v1/projects/"+created.ID+"/play", `{"position":1}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("play: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	clips := tr.Tracks()
	if len(clips) != 2 || clips[0].SourceRef != "early.wav" || clips[0].Volume != 0.5 || tr.offset != 1 {
		t.Fatalf("transport got %+v offset %v", clips, tr.offset)
	}

	trackID := clips[0].ID
	rr = do(t, h, http.MethodPatch, "/api/v1/projects/"+created.ID+"/tracks/"+trackID, `{"volume":0.8,"muted":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("mix: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if tr.volumes[trackID] != 0.8 {
		t.Errorf("live volume = %v", tr.volumes[trackID])
	}
	if !tr.Tracks()[0].Muted {
		t.Error("mute not mirrored onto transport tracks")
	}

	rr = do(t, h, http.MethodPut, "/api/v1/projects/"+created.ID, `{"name":"Renamed","bpm":500}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("save bad bpm: expected 400, got %d", rr.Code)
	}
	rr = do(t, h, http.MethodPut, "/api/v1/projects/"+created.ID, `{"name":"Renamed","bpm":90,"tracks":[{"source_ref":"only.wav"}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("save: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if saved := decode[models.Project](t, rr); saved.Name != "Renamed" || len(saved.Tracks) != 1 {
		t.Fatalf("saved = %+v", saved)
	}

	if rr := do(t, h, http.MethodDelete, "/api/v1/projects/"+created.ID, ""); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/api/v1/projects/"+created.ID, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("get deleted: expected 404, got %d", rr.Code)
	}
}

func TestProjectPreloadReportsDurations(t *testing.T) {
	tr := newFakeTransport()
	tr.durations["a.wav"] = 2
	svc := newProjectService(t)
	h := newRouter(New(tr, nil, zerolog.Nop(), WithProjects(svc)))

	p, err := svc.Create(context.Background(), &models.Project{Tracks: []models.Track{
		{ID: "ta", SourceRef: "a.wav", Volume: 1},
		{ID: "tb", SourceRef: "broken.wav", Volume: 1},
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rr := do(t, h, http.MethodPost, "/api/v1/projects/"+p.ID+"/preload", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decode[struct {
		Durations map[string]float64 `json:"durations"`
	}](t, rr)
	if len(body.Durations) != 1 || body.Durations["ta"] != 2 {
		t.Fatalf("durations = %v", body.Durations)
	}
}

func TestTimeSocketStreamsUpdates(t *testing.T) {
	tr := newFakeTransport()
	srv := httptest.NewServer(newRouter(New(tr, nil, zerolog.Nop())))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/time", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	var first socketMessage
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read state: %v", err)
	}
	if first.Type != "state" {
		t.Fatalf("first message type = %q", first.Type)
	}

	// the handler subscribes before sending the state message
	if tr.listenerCount() != 1 {
		t.Fatalf("listeners = %d", tr.listenerCount())
	}
	tr.emit(1.25)

	var msg socketMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read time: %v", err)
	}
	if msg.Type != "time" || msg.Time == nil || *msg.Time != 1.25 {
		t.Fatalf("message = %+v", msg)
	}
}

func TestEventSocketForwardsBusEvents(t *testing.T) {
	bus := events.NewBus()
	srv := httptest.NewServer(newRouter(New(newFakeTransport(), bus, zerolog.Nop())))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events?types=track.ended", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount(events.EventTrackEnded) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(events.EventTrackEnded, events.Payload{"track_id": "t1"})

	var msg socketMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != string(events.EventTrackEnded) || msg.Payload["track_id"] != "t1" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestDecodeBodyLimit(t *testing.T) {
	h := newRouter(New(newFakeTransport(), nil, zerolog.Nop()))
	big := `{"tracks":[` + strings.Repeat(`{"id":"a","source_ref":"a.wav"},`, maxBodyBytes/30) + `{"id":"z","source_ref":"z.wav"}]}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/transport/tracks", bytes.NewBufferString(big))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", rr.Code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	buf := logbuffer.New(10)
	buf.Add(logbuffer.Entry{Timestamp: time.Now(), Level: "info", Component: "engine", Message: "play"})
	buf.Add(logbuffer.Entry{Timestamp: time.Now(), Level: "warn", Component: "cache", Message: "decode failed"})

	h := newRouter(New(newFakeTransport(), nil, zerolog.Nop(), WithLogs(buf)))

	rr := do(t, h, http.MethodGet, "/api/v1/logs?level=warn", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode[struct {
		Entries []logbuffer.Entry `json:"entries"`
		Stats   logbuffer.Stats   `json:"stats"`
	}](t, rr)
	if len(body.Entries) != 1 || body.Entries[0].Message != "decode failed" {
		t.Fatalf("entries = %+v", body.Entries)
	}
	if body.Stats.Count != 2 {
		t.Fatalf("stats = %+v", body.Stats)
	}

	if rr := do(t, h, http.MethodGet, "/api/v1/logs?limit=x", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rr.Code)
	}

	disabled := newRouter(New(newFakeTransport(), nil, zerolog.Nop()))
	if rr := do(t, disabled, http.MethodGet, "/api/v1/logs", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled status = %d", rr.Code)
	}
}
