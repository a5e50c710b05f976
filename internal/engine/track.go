/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

// Track is one clip placed on the shared timeline. The engine reads it when a play
// session is built and never changes its identity.
type Track struct {
	ID        string  `json:"id"`
	SourceRef string  `json:"source_ref"`
	Position  float64 `json:"position"` // seconds from timeline zero
	Volume    float64 `json:"volume"`   // linear gain in [0,1]
	Muted     bool    `json:"muted"`
	Solo      bool    `json:"solo"`
}

// audible returns the tracks that should sound: unmuted, and soloed whenever any
// track in the set is soloed.
func audible(tracks []Track) []Track {
	hasSolo := false
	for _, t := range tracks {
		if t.Solo {
			hasSolo = true
			break
		}
	}

	out := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		if t.Muted {
			continue
		}
		if hasSolo && !t.Solo {
			continue
		}
		out = append(out, t)
	}
	return out
}

func clampVolume(v float64) float64 {
	switch {
	case v != v || v < 0: // NaN or negative
		return 0
	case v > 1:
		return 1
	}
	return v
}

// sourceMap returns track id to source ref for the cache.
func sourceMap(tracks []Track) map[string]string {
	m := make(map[string]string, len(tracks))
	for _, t := range tracks {
		m[t.ID] = t.SourceRef
	}
	return m
}

func copyTracks(tracks []Track) []Track {
	return append([]Track(nil), tracks...)
}
