/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/mixdeck/internal/api"
	"github.com/friendsincode/mixdeck/internal/audio"
	"github.com/friendsincode/mixdeck/internal/cache"
	"github.com/friendsincode/mixdeck/internal/config"
	"github.com/friendsincode/mixdeck/internal/db"
	"github.com/friendsincode/mixdeck/internal/engine"
	"github.com/friendsincode/mixdeck/internal/eventbus"
	"github.com/friendsincode/mixdeck/internal/events"
	"github.com/friendsincode/mixdeck/internal/logbuffer"
	"github.com/friendsincode/mixdeck/internal/media"
	"github.com/friendsincode/mixdeck/internal/project"
	"github.com/friendsincode/mixdeck/internal/telemetry"
	"github.com/friendsincode/mixdeck/internal/version"
	"github.com/friendsincode/mixdeck/internal/webrtc"
)

// Server bundles HTTP and the playback stack behind it.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db          *gorm.DB
	bus         eventbus.Bus
	media       *media.Service
	decoded     *cache.Cache
	output      audio.Output
	audio       *audio.Context
	engine      *engine.Engine
	broadcaster *webrtc.Broadcaster
	projects    *project.Service
	updates     *version.Checker
	logBuffer   *logbuffer.Buffer
	api         *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies. logBuf may be nil, which disables
// the logs endpoint.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	if cfg.S3Bucket != "" && cfg.S3Endpoint != "" && !cfg.S3UsePathStyle {
		logger.Warn().Msg("custom S3 endpoint without path-style addressing; MinIO usually needs MIXDECK_S3_USE_PATH_STYLE=true")
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	// Sockets and signaling are long-lived; everything else gets a deadline.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		if cerr := srv.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("cleanup after failed init")
		}
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	srv.httpServer = &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: telemetry.HTTPHandler(srv.router, "mixdeck-api"),
		// Keep a header deadline against slowloris. Sockets manage their own write deadlines.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.cfg.DatabaseEnabled() {
		database, err := db.Connect(s.cfg, s.logger)
		if err != nil {
			return err
		}
		s.DeferClose(func() error { return db.Close(database) })
		if err := db.Migrate(database); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		s.db = database
		s.projects = project.NewService(database, s.logger)
	} else {
		s.logger.Info().Msg("MIXDECK_DB_DSN not set, project endpoints disabled")
	}

	if err := os.MkdirAll(s.cfg.MediaRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create media directory %s: %w", s.cfg.MediaRoot, err)
	}
	mediaSvc, err := media.NewService(ctx, s.cfg, s.logger)
	if err != nil {
		return err
	}
	if err := mediaSvc.CheckAccess(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("media backend not reachable, fetches may fail")
	}
	s.media = mediaSvc

	bus, err := eventbus.New(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	s.bus = bus
	s.DeferClose(bus.Close)

	s.decoded = cache.New(mediaSvc, cache.Config{
		SampleRate:     s.cfg.SampleRate,
		PreloadWorkers: s.cfg.PreloadWorkers,
		Publisher:      bus,
	}, s.logger)

	var clockOut *audio.ClockOutput
	switch s.cfg.Output {
	case config.OutputSpeaker:
		s.output = audio.NewSpeakerOutput(s.cfg.SampleRate, s.cfg.SpeakerBufferSize)
	case config.OutputClock:
		clockOut = audio.NewClockOutput(s.cfg.SampleRate, audio.DefaultFrameDuration, s.logger)
		s.output = clockOut
	default:
		s.output = audio.NewManualOutput()
	}

	ac, err := audio.NewContext(s.cfg.SampleRate, s.output, s.logger)
	if err != nil {
		return fmt.Errorf("audio context: %w", err)
	}
	s.audio = ac
	s.DeferClose(ac.Close)
	s.logger.Info().Int("sample_rate", s.cfg.SampleRate).Str("output", string(s.cfg.Output)).Msg("audio context ready")

	if s.cfg.WebRTCEnabled {
		if clockOut == nil {
			return fmt.Errorf("webrtc: requires the clock output, got %q", s.cfg.Output)
		}
		b, err := webrtc.NewBroadcaster(webrtc.Config{
			SampleRate:   s.cfg.SampleRate,
			Bitrate:      s.cfg.WebRTCBitrate,
			STUNServer:   s.cfg.WebRTCSTUNURL,
			TURNServer:   s.cfg.WebRTCTURNURL,
			TURNUsername: s.cfg.WebRTCTURNUsername,
			TURNPassword: s.cfg.WebRTCTURNPassword,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("webrtc: %w", err)
		}
		clockOut.AddSink(b)
		s.broadcaster = b
		s.DeferClose(func() error {
			clockOut.RemoveSink(b)
			return b.Close()
		})
	}

	s.engine = engine.New(ac, s.decoded, s.logger,
		engine.WithPollInterval(s.cfg.PollInterval),
		engine.WithPublisher(bus),
	)
	s.DeferClose(func() error {
		s.engine.Close()
		return nil
	})

	if s.cfg.UpdateCheck {
		s.updates = version.NewChecker(s.logger)
	}

	opts := []api.Option{}
	if s.projects != nil {
		opts = append(opts, api.WithProjects(s.projects))
	}
	if s.broadcaster != nil {
		opts = append(opts, api.WithSignaling(s.broadcaster.HandleSignaling))
	}
	if s.logBuffer != nil {
		opts = append(opts, api.WithLogs(s.logBuffer))
	}
	s.api = api.New(s.engine, bus, s.logger, opts...)

	return nil
}

// HTTPServer exposes the configured http.Server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Engine returns the playback engine.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.db != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			db.UpdateConnectionMetrics(s.db)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					db.UpdateConnectionMetrics(s.db)
				}
			}
		}()
	}

	if s.updates != nil {
		s.updates.Start(ctx)
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.runEventLogger(ctx)
	}()
}

// runEventLogger writes failures and track ends from the bus to the log, including
// those published by other nodes.
func (s *Server) runEventLogger(ctx context.Context) {
	decodeFailed := s.bus.Subscribe(events.EventDecodeFailed)
	trackEnded := s.bus.Subscribe(events.EventTrackEnded)
	defer func() {
		s.bus.Unsubscribe(events.EventDecodeFailed, decodeFailed)
		s.bus.Unsubscribe(events.EventTrackEnded, trackEnded)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-decodeFailed:
			ref, _ := payload["ref"].(string)
			msg, _ := payload["error"].(string)
			s.logger.Warn().Str("ref", ref).Str("error", msg).Msg("audio asset failed to load")
		case payload := <-trackEnded:
			trackID, _ := payload["track_id"].(string)
			s.logger.Debug().Str("track_id", trackID).Msg("track finished")
		}
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	if s.updates != nil {
		s.updates.Stop()
	}
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := s.engine.State()
		body := map[string]any{
			"status":  "ok",
			"audio":   s.audio.State(),
			"playing": state.Playing,
		}
		if s.broadcaster != nil {
			body["webrtc_peers"] = s.broadcaster.PeerCount()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(body)
	})

	s.router.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		info := version.UpdateInfo{CurrentVersion: version.Version}
		if s.updates != nil {
			info = s.updates.Info()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.api.Routes(s.router)
}
