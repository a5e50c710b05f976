/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/friendsincode/mixdeck/internal/logbuffer"
)

const defaultLogLimit = 200

// handleLogs returns recent log lines, newest first.
// Query: level, component, track_id, search, since (RFC3339), limit.
func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "logs_disabled")
		return
	}

	q := r.URL.Query()
	query := logbuffer.Query{
		Level:      q.Get("level"),
		Component:  q.Get("component"),
		TrackID:    q.Get("track_id"),
		Search:     q.Get("search"),
		Limit:      defaultLogLimit,
		Descending: true,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		query.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since")
			return
		}
		query.Since = since
	}

	entries := a.logs.Find(query)
	if entries == nil {
		entries = []logbuffer.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"stats":   a.logs.Stats(),
	})
}
