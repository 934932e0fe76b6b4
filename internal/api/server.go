// Package api exposes the chat turn, the pricing core and the local catalog
// over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/canasta/internal/assistant"
	"github.com/kalambet/canasta/internal/bus"
	"github.com/kalambet/canasta/internal/chat"
	"github.com/kalambet/canasta/internal/errx"
	"github.com/kalambet/canasta/internal/logx"
	"github.com/kalambet/canasta/internal/pricing"
	"github.com/kalambet/canasta/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Chatter runs conversation turns.
type Chatter interface {
	Handle(ctx context.Context, phone, message string) (chat.Reply, error)
	History(ctx context.Context, phone string, limit int) ([]storage.Message, error)
}

// Searcher runs the recursive ingredient search.
type Searcher interface {
	Search(ctx context.Context, conversationID, phrase string) (*pricing.Result, error)
}

// MessageLog is the read side of the agent message bus.
type MessageLog interface {
	Snapshot() []bus.Message
	ByConversation(id string) []bus.Message
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type AppDeps struct {
	Chat      Chatter         // optional; chat routes answer 503 when nil
	Pricing   Searcher        // required
	Catalog   pricing.Catalog // store used for canonical fuzzy search
	Store     *storage.Store  // local store: jobs, history, logs
	Bus       MessageLog
	Token     string
	Threshold float64
	Health    []Pinger
	Clock     func() time.Time
}

func (d AppDeps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// NewHandler returns the full HTTP surface. /health is public; everything
// under /api requires the bearer token.
func NewHandler(deps AppDeps) http.Handler {
	if deps.Threshold <= 0 {
		deps.Threshold = pricing.SimilarityThreshold
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chat", handleChat(deps))
		r.Get("/conversations/{phone}/messages", handleHistory(deps))
		r.Get("/agent-messages", handleAgentMessages(deps))
		r.Post("/search", handleSearch(deps))
		r.Get("/logs", handleLogs(deps))

		r.Route("/catalog", func(r chi.Router) {
			r.Get("/search", handleCatalogSearch(deps))
			r.Post("/import", handleCatalogImport(deps))
			r.Get("/import/{id}", handleImportStatus(deps))
			r.Get("/history", handlePriceHistory(deps))
			r.Get("/cities", handleCityAverages(deps))
		})
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, p := range deps.Health {
			if err := p.Ping(ctx); err != nil {
				logx.Warn().Err(err).Msg("health check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleAgentMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Bus == nil {
			writeJSON(w, http.StatusOK, []bus.Message{})
			return
		}
		var msgs []bus.Message
		if id := r.URL.Query().Get("thread_id"); id != "" {
			msgs = deps.Bus.ByConversation(id)
		} else {
			msgs = deps.Bus.Snapshot()
		}
		if msgs == nil {
			msgs = []bus.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

type searchRequest struct {
	Ingredients string `json:"ingredients"`
	ThreadID    string `json:"thread_id"`
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Pricing.Search(r.Context(), req.ThreadID, req.Ingredients)
		if errors.Is(err, pricing.ErrNoTerms) {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		resp, err := pricing.Format(res, deps.now())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "formatting response: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleLogs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		entries, err := deps.Store.RecentLogs(r.Context(), r.URL.Query().Get("type"), limit)
		if err != nil {
			httpError(w, errx.StatusOf(errx.WrapStore(err)), "api_error", "failed to read logs: %v", err)
			return
		}

		type logView struct {
			ID        string          `json:"id"`
			Type      string          `json:"type"`
			Source    string          `json:"source"`
			Message   string          `json:"message"`
			Details   json.RawMessage `json:"details,omitempty"`
			CreatedAt string          `json:"created_at"`
		}
		out := make([]logView, len(entries))
		for i, e := range entries {
			out[i] = logView{
				ID:        e.ID,
				Type:      e.Type,
				Source:    e.Source,
				Message:   e.Message,
				CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
			}
			if json.Valid([]byte(e.Details)) {
				out[i].Details = json.RawMessage(e.Details)
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	var terminal *assistant.RunTerminalError
	switch {
	case errors.Is(err, chat.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chat.ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, assistant.ErrRunTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &terminal), errors.Is(err, assistant.ErrTooManyToolRounds), errors.Is(err, assistant.ErrUnexpectedAction):
		return http.StatusBadGateway
	}
	return errx.StatusOf(err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Warn().Err(err).Msg("writing response")
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseFloatParam(r *http.Request, key string, defaultVal float64) float64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || v > 1 {
		return defaultVal
	}
	return v
}
