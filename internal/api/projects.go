/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/mixdeck/internal/models"
	"github.com/friendsincode/mixdeck/internal/project"
)

type projectTrackRequest struct {
	ID          string   `json:"id"`
	AudioFileID string   `json:"audio_file_id"`
	SourceRef   string   `json:"source_ref"`
	Name        string   `json:"name"`
	Position    float64  `json:"position"`
	Volume      *float64 `json:"volume"`
	Muted       bool     `json:"muted"`
	Solo        bool     `json:"solo"`
	Color       string   `json:"color"`
}

type projectRequest struct {
	Name   string                `json:"name"`
	BPM    int                   `json:"bpm"`
	Tracks []projectTrackRequest `json:"tracks"`
}

func (req projectRequest) toProject(id string) *models.Project {
	p := &models.Project{ID: id, Name: req.Name, BPM: req.BPM}
	for _, t := range req.Tracks {
		volume := 1.0
		if t.Volume != nil {
			volume = *t.Volume
		}
		p.Tracks = append(p.Tracks, models.Track{
			ID:          t.ID,
			AudioFileID: t.AudioFileID,
			SourceRef:   t.SourceRef,
			Name:        t.Name,
			Position:    t.Position,
			Volume:      volume,
			Muted:       t.Muted,
			Solo:        t.Solo,
			Color:       t.Color,
		})
	}
	return p
}

func (a *API) handleProjectsList(w http.ResponseWriter, r *http.Request) {
	list, err := a.projects.List(r.Context())
	if err != nil {
		a.writeServiceError(w, err, "list_projects")
		return
	}
	if list == nil {
		list = []project.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleProjectsCreate(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	p, err := a.projects.Create(r.Context(), req.toProject(""))
	if err != nil {
		a.writeServiceError(w, err, "create_project")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleProjectsGet(w http.ResponseWriter, r *http.Request) {
	p, err := a.projects.Get(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		a.writeServiceError(w, err, "get_project")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleProjectsSave(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := a.projects.Save(r.Context(), req.toProject(chi.URLParam(r, "projectID")))
	if err != nil {
		a.writeServiceError(w, err, "save_project")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleProjectsDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.projects.Delete(r.Context(), chi.URLParam(r, "projectID")); err != nil {
		a.writeServiceError(w, err, "delete_project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProjectTrackMix stores a mix change and mirrors it onto the transport when the
// track is loaded there. Volume applies to a sounding node at once; mute and solo
// apply at the next rebuild.
func (a *API) handleProjectTrackMix(w http.ResponseWriter, r *http.Request) {
	var mix project.Mix
	if !decodeJSON(w, r, &mix) {
		return
	}

	track, err := a.projects.UpdateTrackMix(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "trackID"), mix)
	if err != nil {
		a.writeServiceError(w, err, "update_track_mix")
		return
	}

	loaded := a.transport.Tracks()
	for i := range loaded {
		if loaded[i].ID != track.ID {
			continue
		}
		loaded[i].Muted = track.Muted
		loaded[i].Solo = track.Solo
		a.transport.SetTracks(loaded)
		if mix.Volume != nil {
			a.transport.SetTrackVolume(track.ID, track.Volume)
		}
		break
	}

	writeJSON(w, http.StatusOK, track)
}

func (a *API) handleProjectPreload(w http.ResponseWriter, r *http.Request) {
	p, err := a.projects.Get(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		a.writeServiceError(w, err, "get_project")
		return
	}

	durations := a.transport.PreloadTracks(r.Context(), p.Clips())
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": p.ID,
		"durations":  durations,
		"state":      a.transport.State(),
	})
}

func (a *API) handleProjectPlay(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	p, err := a.projects.Get(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		a.writeServiceError(w, err, "get_project")
		return
	}

	if err := a.transport.Play(r.Context(), p.Clips(), req.Position); err != nil {
		a.writeServiceError(w, err, "play_project")
		return
	}
	writeJSON(w, http.StatusOK, a.transport.State())
}
