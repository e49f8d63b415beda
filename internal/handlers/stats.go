package handlers

import (
	"net/http"
	"strconv"
	"time"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalInteractions int64  `json:"total_interactions"`
	LastActivity      string `json:"last_activity"`
	BufferingUsers    int    `json:"buffering_users"`
	QueueDepth        int64  `json:"queue_depth"`
}

// Stats returns service statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	total, err := h.interactions.CountInteractions(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count interactions")
		return
	}

	lastActivityTime, err := h.interactions.GetMostRecentInteraction(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to get last activity")
		return
	}

	lastActivity := "no activity yet"
	if lastActivityTime != nil {
		lastActivity = formatTimeAgo(*lastActivityTime)
	}

	// Non-fatal, -1 means unknown
	var depth int64 = -1
	if h.queue != nil {
		if n, err := h.queue.Len(ctx); err == nil {
			depth = n
		}
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalInteractions: total,
		LastActivity:      lastActivity,
		BufferingUsers:    h.conv.ActiveUsers(),
		QueueDepth:        depth,
	})
}

// formatTimeAgo formats a time as a human-readable "X ago" string.
func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute") + " ago"
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour") + " ago"
	default:
		return plural(int(diff.Hours()/24), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
