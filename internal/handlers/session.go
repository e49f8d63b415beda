package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/kalenda/internal/models"
)

// ClearResponse reports how many histories were deleted.
type ClearResponse struct {
	Cleared int `json:"cleared"`
}

// userKeyParam extracts and validates the {id} path parameter.
func (h *Handler) userKeyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "id")
	if !isValidUserKey(key) {
		h.Error(w, http.StatusBadRequest, "invalid user ID format")
		return "", false
	}
	return key, true
}

// Session returns a user's recent exchanges and current draft.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	userKey, ok := h.userKeyParam(w, r)
	if !ok {
		return
	}

	snap, err := h.conv.Session(r.Context(), userKey)
	if err != nil {
		h.Error(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	h.JSON(w, http.StatusOK, snap)
}

// PutDraft replaces a user's draft with the request body.
func (h *Handler) PutDraft(w http.ResponseWriter, r *http.Request) {
	userKey, ok := h.userKeyParam(w, r)
	if !ok {
		return
	}

	var draft models.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil || draft == nil {
		h.Error(w, http.StatusBadRequest, "draft must be a JSON object")
		return
	}

	saved, err := h.conv.SaveDraft(r.Context(), userKey, draft)
	if err != nil {
		h.Error(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	h.JSON(w, http.StatusOK, saved)
}

// DeleteDraft discards a user's draft.
func (h *Handler) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	userKey, ok := h.userKeyParam(w, r)
	if !ok {
		return
	}

	if err := h.conv.DiscardDraft(r.Context(), userKey); err != nil {
		h.Error(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearChats deletes every user's exchange history.
func (h *Handler) ClearChats(w http.ResponseWriter, r *http.Request) {
	n, err := h.conv.ClearHistory(r.Context())
	if err != nil {
		h.Error(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	h.JSON(w, http.StatusOK, ClearResponse{Cleared: n})
}
