// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"rtprec/pkg/log"
	"rtprec/pkg/system"
	"rtprec/pkg/video/rtph264"
	"rtprec/pkg/video/track"
	"rtprec/pkg/web/auth"

	"github.com/gorilla/websocket"
)

const jsonContentType = "application/json"

// StreamStatus is the response of Status.
type StreamStatus struct {
	Format track.Format  `json:"format"`
	Stats  rtph264.Stats `json:"stats"`
}

// Stream is implemented by rtph264.Depacketizer.
type Stream interface {
	Format() track.Format
	Stats() rtph264.Stats
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", jsonContentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Status returns the track format and depacketizer counters.
func Status(s Stream) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, StreamStatus{
			Format: s.Format(),
			Stats:  s.Stats(),
		})
	})
}

// SDP returns the session description of the track.
func SDP(f track.Format) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		sdp, err := f.SessionDescription()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/sdp")
		w.Write(sdp) //nolint:errcheck
	})
}

// SystemStatus returns cpu, ram and disk usage.
func SystemStatus(sys *system.System) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, sys.Status())
	})
}

func parseCSVParam(query url.Values, key string) []string {
	csv := query.Get(key)
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}

func parseLevels(query url.Values) ([]log.Level, error) {
	var levels []log.Level
	for _, levelStr := range parseCSVParam(query, "levels") {
		levelInt, err := strconv.Atoi(levelStr)
		if err != nil {
			return nil, fmt.Errorf("invalid levels list: %v %w", query.Get("levels"), err)
		}
		levels = append(levels, log.Level(levelInt))
	}
	return levels, nil
}

// LogFeed opens a websocket with system logs.
func LogFeed(logger *log.Logger, a *auth.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		levels, err := parseLevels(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q := log.Query{
			Levels:  levels,
			Sources: parseCSVParam(query, "sources"),
		}

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		// Detect closed connections.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		feed, cancel := logger.Subscribe()
		defer cancel()

		for {
			var entry log.Entry
			select {
			case entry = <-feed:
			case <-closed:
				return
			case <-logger.Done():
				return
			}

			if !log.LevelInLevels(entry.Level, q.Levels) {
				continue
			}
			if !log.StringInStrings(entry.Src, q.Sources) {
				continue
			}

			// Validate auth before each message.
			if !a.ValidateRequest(r) {
				return
			}

			if err := c.WriteJSON(entry); err != nil {
				return
			}
		}
	})
}

// LogQuery handles log queries.
func LogQuery(logDB *log.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		limit := query.Get("limit")
		if limit == "" {
			http.Error(w, "limit missing", http.StatusBadRequest)
			return
		}
		limitInt, err := strconv.Atoi(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("could not convert limit to int: %v", err), http.StatusBadRequest)
			return
		}

		levels, err := parseLevels(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var timeInt int
		if time := query.Get("time"); time != "" {
			timeInt, err = strconv.Atoi(time)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not convert time to int: %v", err), http.StatusBadRequest)
				return
			}
		}

		q := log.Query{
			Levels:  levels,
			Sources: parseCSVParam(query, "sources"),
			Streams: parseCSVParam(query, "streams"),
			Time:    log.UnixMicro(timeInt),
			Limit:   limitInt,
		}

		logs, err := logDB.Query(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logs)
	})
}
