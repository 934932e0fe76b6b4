package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/canasta/internal/chat"
	"github.com/kalambet/canasta/internal/logx"
	"github.com/kalambet/canasta/internal/storage"
)

const missingChatFields = "El mensaje y el número de teléfono son obligatorios"

type chatRequest struct {
	Message     string `json:"message"`
	PhoneNumber string `json:"phoneNumber"`
}

type chatResponse struct {
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
	Error    string `json:"error,omitempty"`
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Chat == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "chat is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.PhoneNumber) == "" {
			writeJSON(w, http.StatusUnprocessableEntity, chatResponse{Status: "error", Error: missingChatFields})
			return
		}

		reply, err := deps.Chat.Handle(r.Context(), req.PhoneNumber, req.Message)
		if err != nil {
			code := statusFor(err)
			msg := err.Error()
			if errors.Is(err, chat.ErrInvalidInput) {
				msg = missingChatFields
			}
			logx.Warn().Err(err).Int("status", code).Str("thread", reply.ThreadID).Msg("chat turn failed")
			writeJSON(w, code, chatResponse{Status: "error", ThreadID: reply.ThreadID, Error: msg})
			return
		}

		writeJSON(w, http.StatusOK, chatResponse{
			Status:   "success",
			Response: reply.Text,
			ThreadID: reply.ThreadID,
		})
	}
}

type messageView struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func handleHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Chat == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "chat is not configured")
			return
		}
		phone := chi.URLParam(r, "phone")
		limit := parseIntParam(r, "limit", 20, 200)

		msgs, err := deps.Chat.History(r.Context(), phone, limit)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, statusFor(err), "api_error", "failed to list messages: %v", err)
			return
		}

		out := make([]messageView, len(msgs))
		for i, m := range msgs {
			out[i] = messageView{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}
