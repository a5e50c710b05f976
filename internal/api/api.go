/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/mixdeck/internal/audio"
	"github.com/friendsincode/mixdeck/internal/cache"
	"github.com/friendsincode/mixdeck/internal/engine"
	"github.com/friendsincode/mixdeck/internal/events"
	"github.com/friendsincode/mixdeck/internal/logbuffer"
	"github.com/friendsincode/mixdeck/internal/project"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Transport is the playback surface the handlers drive. *engine.Engine implements it.
type Transport interface {
	PreloadTracks(ctx context.Context, tracks []engine.Track) map[string]float64
	Play(ctx context.Context, tracks []engine.Track, offset float64) error
	Resume(ctx context.Context) error
	Pause() float64
	Stop()
	Seek(ctx context.Context, t float64) error
	SetTracks(tracks []engine.Track)
	Tracks() []engine.Track
	SetTrackVolume(trackID string, volume float64)
	State() engine.State
	Subscribe(fn func(seconds float64)) (unsubscribe func())
	AudioDuration(ref string) (float64, bool)
	ClearCache()
}

// EventSource delivers bus events to socket clients. Every eventbus backend
// implements it.
type EventSource interface {
	SubscribeBuffered(eventType events.EventType, size int) events.Subscriber
	Unsubscribe(eventType events.EventType, sub events.Subscriber)
}

// Option configures optional API surfaces.
type Option func(*API)

// WithProjects enables the project endpoints.
func WithProjects(svc *project.Service) Option {
	return func(a *API) {
		a.projects = svc
	}
}

// WithSignaling mounts a WebRTC signaling handler at /webrtc/signal.
func WithSignaling(h http.HandlerFunc) Option {
	return func(a *API) {
		a.signaling = h
	}
}

// WithLogs exposes recent log lines at /api/v1/logs.
func WithLogs(buf *logbuffer.Buffer) Option {
	return func(a *API) {
		a.logs = buf
	}
}

// API exposes HTTP handlers.
type API struct {
	transport Transport
	projects  *project.Service
	signaling http.HandlerFunc
	logs      *logbuffer.Buffer
	bus       EventSource
	logger    zerolog.Logger
}

// New creates the API router wrapper.
func New(transport Transport, bus EventSource, logger zerolog.Logger, opts ...Option) *API {
	a := &API{
		transport: transport,
		bus:       bus,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Routes mounts every endpoint on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Get("/logs", a.handleLogs)

		r.Route("/transport", func(r chi.Router) {
			r.Get("/", a.handleTransportState)
			r.Post("/preload", a.handlePreload)
			r.Post("/play", a.handlePlay)
			r.Post("/resume", a.handleResume)
			r.Post("/pause", a.handlePause)
			r.Post("/stop", a.handleStop)
			r.Post("/seek", a.handleSeek)
			r.Put("/tracks", a.handleSetTracks)
			r.Put("/tracks/{trackID}/volume", a.handleSetTrackVolume)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/duration", a.handleCacheDuration)
			r.Delete("/", a.handleCacheClear)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Use(a.requireProjects)
			r.Get("/", a.handleProjectsList)
			r.Post("/", a.handleProjectsCreate)
			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", a.handleProjectsGet)
				r.Put("/", a.handleProjectsSave)
				r.Delete("/", a.handleProjectsDelete)
				r.Patch("/tracks/{trackID}", a.handleProjectTrackMix)
				r.Post("/preload", a.handleProjectPreload)
				r.Post("/play", a.handleProjectPlay)
			})
		})
	})

	r.Get("/ws/time", a.handleTimeSocket)
	r.Get("/ws/events", a.handleEvents)
	if a.signaling != nil {
		r.Get("/webrtc/signal", a.signaling)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"projects": a.projects != nil,
		"webrtc":   a.signaling != nil,
	})
}

func (a *API) requireProjects(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.projects == nil {
			writeError(w, http.StatusServiceUnavailable, "projects_disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeBody(w, r, dst, false)
}

// decodeOptionalJSON accepts an empty body as the zero value.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeBody(w, r, dst, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeServiceError maps domain errors to a status and code. Unknown errors are
// logged and reported as 500.
func (a *API) writeServiceError(w http.ResponseWriter, err error, op string) {
	var decodeErr *cache.DecodeError
	switch {
	case errors.Is(err, project.ErrProjectNotFound):
		writeError(w, http.StatusNotFound, "project_not_found")
	case errors.Is(err, project.ErrTrackNotFound):
		writeError(w, http.StatusNotFound, "track_not_found")
	case errors.Is(err, project.ErrInvalidBPM):
		writeError(w, http.StatusBadRequest, "invalid_bpm")
	case errors.Is(err, project.ErrInvalidTrack):
		writeError(w, http.StatusBadRequest, "invalid_track")
	case errors.Is(err, audio.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "audio_closed")
	case errors.As(err, &decodeErr):
		writeError(w, http.StatusUnprocessableEntity, "decode_failed")
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		a.logger.Error().Err(err).Str("op", op).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}
