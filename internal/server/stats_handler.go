package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/duecall/duecall/internal/httputil"
)

// handleStats reports job counts by status plus process runtime numbers.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}

	byStatus := make(map[string]int, len(counts))
	total := 0
	for status, n := range counts {
		byStatus[string(status)] = n
		total += n
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":           byStatus,
		"total":          total,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"memory_alloc":   mem.Alloc,
	})
}

// handleRecentLogs returns buffered server log entries.
func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	if s.logBuffer == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"entries": []any{},
			"message": "log buffering not enabled",
		})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"entries": s.logBuffer.Entries(),
	})
}
