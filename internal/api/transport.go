/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/mixdeck/internal/engine"
)

type trackRequest struct {
	ID        string   `json:"id"`
	SourceRef string   `json:"source_ref"`
	Position  float64  `json:"position"`
	Volume    *float64 `json:"volume"`
	Muted     bool     `json:"muted"`
	Solo      bool     `json:"solo"`
}

type tracksRequest struct {
	Tracks []trackRequest `json:"tracks"`
}

type playRequest struct {
	Tracks []trackRequest `json:"tracks"`
	Offset float64        `json:"offset"`
}

type positionRequest struct {
	Position float64 `json:"position"`
}

type volumeRequest struct {
	Volume *float64 `json:"volume"`
}

// toTracks validates requests and applies the default full volume. ok is false when a
// track has no id or source.
func toTracks(reqs []trackRequest) ([]engine.Track, bool) {
	tracks := make([]engine.Track, 0, len(reqs))
	for _, req := range reqs {
		if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.SourceRef) == "" {
			return nil, false
		}
		if math.IsNaN(req.Position) || math.IsInf(req.Position, 0) {
			return nil, false
		}
		volume := 1.0
		if req.Volume != nil {
			volume = *req.Volume
		}
		tracks = append(tracks, engine.Track{
			ID:        req.ID,
			SourceRef: req.SourceRef,
			Position:  req.Position,
			Volume:    volume,
			Muted:     req.Muted,
			Solo:      req.Solo,
		})
	}
	return tracks, true
}

func (a *API) handleTransportState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.transport.State())
}

func (a *API) handlePreload(w http.ResponseWriter, r *http.Request) {
	var req tracksRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tracks, ok := toTracks(req.Tracks)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_track")
		return
	}

	durations := a.transport.PreloadTracks(r.Context(), tracks)
	writeJSON(w, http.StatusOK, map[string]any{
		"durations": durations,
		"state":     a.transport.State(),
	})
}

// handlePlay starts the given tracks, or the current set when none are sent.
func (a *API) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	var tracks []engine.Track
	if req.Tracks != nil {
		var ok bool
		if tracks, ok = toTracks(req.Tracks); !ok {
			writeError(w, http.StatusBadRequest, "invalid_track")
			return
		}
	} else {
		tracks = a.transport.Tracks()
	}

	if err := a.transport.Play(r.Context(), tracks, req.Offset); err != nil {
		a.writeServiceError(w, err, "play")
		return
	}
	writeJSON(w, http.StatusOK, a.transport.State())
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := a.transport.Resume(r.Context()); err != nil {
		a.writeServiceError(w, err, "resume")
		return
	}
	writeJSON(w, http.StatusOK, a.transport.State())
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	position := a.transport.Pause()
	writeJSON(w, http.StatusOK, map[string]any{
		"position": position,
		"state":    a.transport.State(),
	})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	a.transport.Stop()
	writeJSON(w, http.StatusOK, a.transport.State())
}

func (a *API) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if math.IsNaN(req.Position) || math.IsInf(req.Position, 0) {
		writeError(w, http.StatusBadRequest, "invalid_position")
		return
	}
	if err := a.transport.Seek(r.Context(), req.Position); err != nil {
		a.writeServiceError(w, err, "seek")
		return
	}
	writeJSON(w, http.StatusOK, a.transport.State())
}

func (a *API) handleSetTracks(w http.ResponseWriter, r *http.Request) {
	var req tracksRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tracks, ok := toTracks(req.Tracks)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_track")
		return
	}
	a.transport.SetTracks(tracks)
	writeJSON(w, http.StatusOK, a.transport.State())
}

func (a *API) handleSetTrackVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Volume == nil {
		writeError(w, http.StatusBadRequest, "volume_required")
		return
	}
	a.transport.SetTrackVolume(chi.URLParam(r, "trackID"), *req.Volume)
	writeJSON(w, http.StatusOK, a.transport.State())
}

func (a *API) handleCacheDuration(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "ref_required")
		return
	}
	d, ok := a.transport.AudioDuration(ref)
	if !ok {
		writeError(w, http.StatusNotFound, "not_cached")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ref": ref, "duration": d})
}

func (a *API) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	a.transport.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}
