package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/treefix50/watchguard/internal/progress"
)

// handleAllVideos lists the library with the caller's saved positions.
func (s *Server) handleAllVideos(w http.ResponseWriter, r *http.Request, userID string) {
	saved, err := progressIndex(r.Context(), s.store, userID)
	if err != nil {
		s.log.Error("list progress failed", "user", userID, "err", err)
		writeError(w, errInternal, http.StatusInternalServerError)
		return
	}

	videos := s.lib.All()
	out := make([]progress.VideoSummary, 0, len(videos))
	for _, v := range videos {
		out = append(out, progress.VideoSummary{
			VideoID:   v.ID,
			Title:     v.Title,
			Duration:  v.Duration,
			Qualities: v.Qualities,
			TimeStamp: saved[v.ID],
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request, userID string) {
	videoID := mux.Vars(r)["videoId"]
	entry, ok, err := s.store.GetProgress(r.Context(), userID, videoID)
	if err != nil {
		s.log.Error("get progress failed", "video", videoID, "user", userID, "err", err)
		writeError(w, errInternal, http.StatusInternalServerError)
		return
	}
	if !ok {
		writeError(w, "no saved progress", http.StatusNotFound)
		return
	}
	writeJSON(w, entry)
}

// handleUpdateVideo stores the reported position. The latest write wins even
// when it is behind the saved one.
func (s *Server) handleUpdateVideo(w http.ResponseWriter, r *http.Request, userID string) {
	var payload progress.Update
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, "bad request", http.StatusBadRequest)
		return
	}
	payload.VideoID = strings.TrimSpace(payload.VideoID)
	if payload.VideoID == "" {
		writeError(w, "videoId is required", http.StatusBadRequest)
		return
	}
	if payload.TimeStamp < 0 || math.IsNaN(payload.TimeStamp) || math.IsInf(payload.TimeStamp, 0) {
		writeError(w, "timeStamp must be a non-negative number", http.StatusBadRequest)
		return
	}

	if err := s.store.SaveProgress(r.Context(), userID, payload.VideoID, payload.TimeStamp); err != nil {
		s.log.Error("save progress failed", "video", payload.VideoID, "user", userID, "err", err)
		writeError(w, errInternal, http.StatusInternalServerError)
		return
	}
	s.log.Debug("progress saved", "video", payload.VideoID, "user", userID, "timeStamp", payload.TimeStamp)
	writeJSON(w, map[string]bool{"success": true})
}
