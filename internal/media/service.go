/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/friendsincode/mixdeck/internal/config"
)

var (
	// ErrNotFound is returned when a source reference points at nothing.
	ErrNotFound = errors.New("media source not found")

	// ErrUnsupportedScheme is returned for references no backend can open.
	ErrUnsupportedScheme = errors.New("unsupported media source scheme")
)

// Fetcher opens the raw bytes behind a source reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Service routes source references to the backend that can open them:
// http(s):// to HTTP, s3:// to S3, file:// and bare paths to the filesystem.
type Service struct {
	fs     *FilesystemStorage
	http   *HTTPFetcher
	s3     *S3Storage // nil when no bucket is configured
	logger zerolog.Logger
}

// NewService creates a media service from config. S3 is only wired when a bucket is set.
func NewService(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	svc := &Service{
		fs:     NewFilesystemStorage(cfg.MediaRoot, logger),
		http:   NewHTTPFetcher(cfg.FetchTimeout, logger),
		logger: logger.With().Str("component", "media").Logger(),
	}

	if cfg.S3Bucket != "" {
		if cfg.S3AccessKeyID == "" || cfg.S3SecretAccessKey == "" {
			svc.logger.Warn().Msg("S3 credentials not configured, falling back to the default AWS credential chain")
		}
		s3Storage, err := NewS3Storage(ctx, S3Config{
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			UsePathStyle:    cfg.S3UsePathStyle,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		svc.s3 = s3Storage
	}

	return svc, nil
}

// NewLocalService creates a service that only reads local files and HTTP URLs.
// An empty root leaves filesystem paths unconfined (CLI use).
func NewLocalService(root string, logger zerolog.Logger) *Service {
	return &Service{
		fs:     NewFilesystemStorage(root, logger),
		http:   NewHTTPFetcher(0, logger),
		logger: logger.With().Str("component", "media").Logger(),
	}
}

// Fetch implements Fetcher.
func (s *Service) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	backend, err := s.backendFor(ref)
	if err != nil {
		return nil, err
	}
	rc, err := backend.Fetch(ctx, ref)
	if err != nil {
		s.logger.Debug().Err(err).Str("ref", ref).Msg("media fetch failed")
		return nil, err
	}
	return rc, nil
}

// CheckAccess verifies the local media root (and S3 bucket, when configured) is usable.
func (s *Service) CheckAccess(ctx context.Context) error {
	if err := s.fs.CheckAccess(ctx); err != nil {
		return err
	}
	if s.s3 != nil {
		return s.s3.CheckAccess(ctx)
	}
	return nil
}

func (s *Service) backendFor(ref string) (Fetcher, error) {
	scheme := ""
	if i := strings.Index(ref, "://"); i > 0 {
		if u, err := url.Parse(ref); err == nil {
			scheme = strings.ToLower(u.Scheme)
		}
	}

	switch scheme {
	case "http", "https":
		return s.http, nil
	case "s3":
		if s.s3 == nil {
			return nil, fmt.Errorf("%w: s3 (no bucket configured)", ErrUnsupportedScheme)
		}
		return s.s3, nil
	case "", "file":
		return s.fs, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
}
