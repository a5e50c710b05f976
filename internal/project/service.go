/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package project stores track layouts in SQL and in YAML project files.
package project

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/mixdeck/internal/models"
)

var (
	// ErrProjectNotFound is returned when a project id matches nothing.
	ErrProjectNotFound = errors.New("project not found")
	// ErrTrackNotFound is returned when a track id matches nothing in the project.
	ErrTrackNotFound = errors.New("track not found")
	// ErrInvalidBPM is returned for a tempo outside models.MinBPM to models.MaxBPM.
	ErrInvalidBPM = errors.New("invalid bpm")
	// ErrInvalidTrack is returned for a track that cannot be placed on the timeline.
	ErrInvalidTrack = errors.New("invalid track")
)

// TrackColors is the palette new tracks cycle through.
var TrackColors = []string{
	models.DefaultTrackColor,
	"#8b5cf6",
	"#ec4899",
	"#f97316",
	"#22c55e",
	"#14b8a6",
	"#f59e0b",
	"#ef4444",
}

// Summary is a project listing entry.
type Summary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	BPM        int       `json:"bpm"`
	TrackCount int       `json:"track_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Mix is a partial update of a track's mix settings. Nil fields are left alone.
type Mix struct {
	Volume *float64 `json:"volume,omitempty"`
	Muted  *bool    `json:"muted,omitempty"`
	Solo   *bool    `json:"solo,omitempty"`
}

// Service manages projects and their tracks.
type Service struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewService creates a project service on db.
func NewService(db *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "project").Logger(),
	}
}

// Normalize applies defaults and validates p in place. Track ids are assigned where
// missing, positions are clamped at zero and volumes to [0,1].
func Normalize(p *models.Project) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = models.DefaultProjectName
	}
	if p.BPM == 0 {
		p.BPM = models.DefaultBPM
	}
	if p.BPM < models.MinBPM || p.BPM > models.MaxBPM {
		return fmt.Errorf("%w: %d not in %d..%d", ErrInvalidBPM, p.BPM, models.MinBPM, models.MaxBPM)
	}

	seen := make(map[string]bool, len(p.Tracks))
	for i := range p.Tracks {
		t := &p.Tracks[i]
		t.SourceRef = strings.TrimSpace(t.SourceRef)
		if t.SourceRef == "" {
			return fmt.Errorf("%w: track %d has no source", ErrInvalidTrack, i)
		}
		if math.IsNaN(t.Position) || math.IsInf(t.Position, 0) {
			return fmt.Errorf("%w: track %d position is not a number", ErrInvalidTrack, i)
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: duplicate track id %s", ErrInvalidTrack, t.ID)
		}
		seen[t.ID] = true

		t.ProjectID = p.ID
		if t.Name == "" {
			t.Name = TrackName(t.SourceRef)
		}
		if t.Color == "" {
			t.Color = TrackColors[i%len(TrackColors)]
		}
		t.Position = max(t.Position, 0)
		t.Volume = clampVolume(t.Volume)
	}
	return nil
}

// TrackName derives a display name from a source reference: the file name without
// its extension.
func TrackName(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		p = u.Path
	}
	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	name := strings.TrimSuffix(base, path.Ext(base))
	if name == "" || name == "." || name == "/" {
		return models.DefaultTrackName
	}
	return name
}

func clampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Create stores a new project with its tracks.
func (s *Service) Create(ctx context.Context, p *models.Project) (*models.Project, error) {
	p.ID = uuid.NewString()
	if err := Normalize(p); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	s.logger.Info().Str("project_id", p.ID).Str("name", p.Name).Int("tracks", len(p.Tracks)).Msg("project created")
	return p, nil
}

// Get loads a project with its tracks in timeline order.
func (s *Service) Get(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := s.db.WithContext(ctx).
		Preload("Tracks", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC").Order("name ASC")
		}).
		First(&p, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// List returns every project, most recently updated first.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := s.db.WithContext(ctx).
		Model(&models.Project{}).
		Select("projects.id, projects.name, projects.bpm, projects.created_at, projects.updated_at, COUNT(tracks.id) AS track_count").
		Joins("LEFT JOIN tracks ON tracks.project_id = projects.id").
		Group("projects.id, projects.name, projects.bpm, projects.created_at, projects.updated_at").
		Order("projects.updated_at DESC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

// Save replaces the name, tempo and tracks of an existing project.
func (s *Service) Save(ctx context.Context, p *models.Project) (*models.Project, error) {
	if err := Normalize(p); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Project{}).Where("id = ?", p.ID).Count(&n).Error; err != nil {
			return fmt.Errorf("find project: %w", err)
		}
		if n == 0 {
			return ErrProjectNotFound
		}
		err := tx.Model(&models.Project{}).Where("id = ?", p.ID).Updates(map[string]any{
			"name":       p.Name,
			"bpm":        p.BPM,
			"updated_at": time.Now(),
		}).Error
		if err != nil {
			return fmt.Errorf("update project: %w", err)
		}
		return replaceTracks(tx, p.ID, p.Tracks)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("project_id", p.ID).Int("tracks", len(p.Tracks)).Msg("project saved")
	return s.Get(ctx, p.ID)
}

// SaveTracks replaces the track layout of a project and leaves its name and tempo.
func (s *Service) SaveTracks(ctx context.Context, projectID string, tracks []models.Track) (*models.Project, error) {
	p, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	p.Tracks = tracks
	return s.Save(ctx, p)
}

func replaceTracks(tx *gorm.DB, projectID string, tracks []models.Track) error {
	if err := tx.Where("project_id = ?", projectID).Delete(&models.Track{}).Error; err != nil {
		return fmt.Errorf("delete tracks: %w", err)
	}
	if len(tracks) == 0 {
		return nil
	}
	for i := range tracks {
		tracks[i].ProjectID = projectID
	}
	if err := tx.Create(&tracks).Error; err != nil {
		return fmt.Errorf("create tracks: %w", err)
	}
	return nil
}

// UpdateTrackMix changes volume, mute or solo of one track and returns the result.
func (s *Service) UpdateTrackMix(ctx context.Context, projectID, trackID string, mix Mix) (*models.Track, error) {
	var track models.Track
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND project_id = ?", trackID, projectID).First(&track).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTrackNotFound
			}
			return fmt.Errorf("get track: %w", err)
		}
		if mix.Volume != nil {
			track.Volume = clampVolume(*mix.Volume)
		}
		if mix.Muted != nil {
			track.Muted = *mix.Muted
		}
		if mix.Solo != nil {
			track.Solo = *mix.Solo
		}
		if err := tx.Save(&track).Error; err != nil {
			return fmt.Errorf("update track: %w", err)
		}
		return tx.Model(&models.Project{}).Where("id = ?", projectID).Update("updated_at", time.Now()).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("project_id", projectID).Str("track_id", trackID).Msg("track mix updated")
	return &track, nil
}

// Delete removes a project and its tracks.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&models.Track{}).Error; err != nil {
			return fmt.Errorf("delete tracks: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&models.Project{})
		if res.Error != nil {
			return fmt.Errorf("delete project: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrProjectNotFound
		}
		s.logger.Info().Str("project_id", id).Msg("project deleted")
		return nil
	})
}
