package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eldtechnologies/kalenda/internal/buffer"
	"github.com/eldtechnologies/kalenda/internal/conversation"
)

const maxTextLength = 4096

// InboundResponse reports what happened to an inbound message.
type InboundResponse struct {
	Status  string `json:"status"` // "buffered", "processed" or "skipped"
	Pending int    `json:"pending"`
}

// Inbound accepts one message from the messaging gateway. Messages are
// buffered per user and processed after a quiet period; a message with
// both text and an attachment is processed before responding.
func (h *Handler) Inbound(w http.ResponseWriter, r *http.Request) {
	var req conversation.Inbound
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !isValidUserKey(req.UserKey) {
		h.Error(w, http.StatusBadRequest, "user_key must be 1-64 characters: letters, digits, _ . @ + -")
		return
	}
	req.Text = sanitizeText(req.Text)
	if len(req.Text) > maxTextLength {
		h.Error(w, http.StatusRequestEntityTooLarge, "text too long (max 4096 bytes)")
		return
	}

	outcome, err := h.conv.HandleInbound(r.Context(), req)
	switch {
	case errors.Is(err, buffer.ErrClosed):
		h.Error(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		h.Error(w, http.StatusBadGateway, "failed to process message")
		return
	}

	status := http.StatusAccepted
	if outcome == conversation.OutcomeProcessed {
		status = http.StatusOK
	}
	h.JSON(w, status, InboundResponse{
		Status:  string(outcome),
		Pending: h.conv.Pending(req.UserKey),
	})
}
