/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"

	"github.com/friendsincode/mixdeck/internal/engine"
)

// Project defaults and limits.
const (
	DefaultProjectName = "Untitled Project"
	DefaultBPM         = 120
	MinBPM             = 20
	MaxBPM             = 300
	DefaultTrackName   = "Track"
	DefaultTrackColor  = "#3b82f6"
)

// Project is a named arrangement of tracks on one timeline.
type Project struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);index" json:"name"`
	BPM       int       `gorm:"default:120" json:"bpm"`
	Tracks    []Track   `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"tracks"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Track places one audio file on a project's timeline with its mix settings.
type Track struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID   string    `gorm:"type:uuid;index" json:"project_id"`
	AudioFileID string    `gorm:"type:varchar(64)" json:"audio_file_id,omitempty"`
	SourceRef   string    `gorm:"type:text" json:"source_ref"`
	Name        string    `gorm:"type:varchar(255)" json:"name"`
	Position    float64   `json:"position"`
	Volume      float64   `json:"volume"`
	Muted       bool      `json:"muted"`
	Solo        bool      `json:"solo"`
	Color       string    `gorm:"type:varchar(16)" json:"color"`
	CreatedAt   time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

// Clip converts the track to what the playback engine schedules.
func (t Track) Clip() engine.Track {
	return engine.Track{
		ID:        t.ID,
		SourceRef: t.SourceRef,
		Position:  t.Position,
		Volume:    t.Volume,
		Muted:     t.Muted,
		Solo:      t.Solo,
	}
}

// Clips converts every track of the project, in order.
func (p *Project) Clips() []engine.Track {
	clips := make([]engine.Track, 0, len(p.Tracks))
	for _, t := range p.Tracks {
		clips = append(clips, t.Clip())
	}
	return clips
}
