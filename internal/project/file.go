/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package project

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/friendsincode/mixdeck/internal/models"
)

// fileProject is the on-disk layout of a project file:
//
//	name: Demo
//	bpm: 120
//	tracks:
//	  - source: drums.wav
//	    position: 0
//	    volume: 0.8
type fileProject struct {
	Name   string      `yaml:"name"`
	BPM    int         `yaml:"bpm,omitempty"`
	Tracks []fileTrack `yaml:"tracks"`
}

type fileTrack struct {
	ID       string   `yaml:"id,omitempty"`
	Name     string   `yaml:"name,omitempty"`
	Source   string   `yaml:"source"`
	Position float64  `yaml:"position"`
	Volume   *float64 `yaml:"volume,omitempty"`
	Muted    bool     `yaml:"muted,omitempty"`
	Solo     bool     `yaml:"solo,omitempty"`
	Color    string   `yaml:"color,omitempty"`
}

// Decode reads a project document from r. Unknown keys are rejected and a missing
// volume means full gain.
func Decode(r io.Reader) (*models.Project, error) {
	var doc fileProject
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("decode project: empty document")
		}
		return nil, fmt.Errorf("decode project: %w", err)
	}

	p := &models.Project{Name: doc.Name, BPM: doc.BPM}
	for _, ft := range doc.Tracks {
		volume := 1.0
		if ft.Volume != nil {
			volume = *ft.Volume
		}
		p.Tracks = append(p.Tracks, models.Track{
			ID:        ft.ID,
			Name:      ft.Name,
			SourceRef: ft.Source,
			Position:  ft.Position,
			Volume:    volume,
			Muted:     ft.Muted,
			Solo:      ft.Solo,
			Color:     ft.Color,
		})
	}
	if err := Normalize(p); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadFile reads a project file. Relative local sources resolve against the file's
// directory.
func LoadFile(path string) (*models.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	p, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i := range p.Tracks {
		p.Tracks[i].SourceRef = resolveSource(dir, p.Tracks[i].SourceRef)
	}
	return p, nil
}

func resolveSource(dir, ref string) string {
	if strings.Contains(ref, "://") || filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(dir, ref)
}

// Encode writes p as a project document.
func Encode(w io.Writer, p *models.Project) error {
	doc := fileProject{Name: p.Name, BPM: p.BPM}
	for _, t := range p.Tracks {
		volume := t.Volume
		doc.Tracks = append(doc.Tracks, fileTrack{
			ID:       t.ID,
			Name:     t.Name,
			Source:   t.SourceRef,
			Position: t.Position,
			Volume:   &volume,
			Muted:    t.Muted,
			Solo:     t.Solo,
			Color:    t.Color,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode project: %w", err)
	}
	return enc.Close()
}

// SaveFile writes p to path, replacing any existing file.
func SaveFile(path string, p *models.Project) error {
	var buf bytes.Buffer
	if err := Encode(&buf, p); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write project file: %w", err)
	}
	return nil
}
