package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/canasta/internal/errx"
	"github.com/kalambet/canasta/internal/ingest"
	"github.com/kalambet/canasta/internal/pricing"
	"github.com/kalambet/canasta/internal/storage"
)

const maxImportBodySize = 10 << 20 // 10MB

func handleCatalogSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "q is required")
			return
		}
		threshold := parseFloatParam(r, "threshold", deps.Threshold)

		rows, err := deps.Catalog.SearchIngredients(r.Context(), q, threshold)
		if err != nil {
			httpError(w, errx.StatusOf(errx.WrapStore(err)), "api_error", "catalog search failed: %v", err)
			return
		}
		if rows == nil {
			rows = []pricing.PriceRecord{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

// handleCatalogImport validates a CSV export and queues it for the import
// worker. The body is the raw CSV document.
func handleCatalogImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		rows, err := ingest.ParseCSV(bytes.NewReader(body))
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "invalid CSV: %v", err)
			return
		}

		source := r.URL.Query().Get("source")
		if source == "" {
			source = "api"
		}
		job, err := ingest.NewImportJob(source, string(body))
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.EnqueueJob(r.Context(), job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":     job.ID,
			"status": "queued",
			"rows":   len(rows),
		})
	}
}

func handleImportStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "import job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         job.ID,
			"status":     job.Status,
			"attempts":   job.Attempts,
			"last_error": job.LastError,
		})
	}
}

func handlePriceHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		product := strings.TrimSpace(r.URL.Query().Get("product"))
		if product == "" {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "product is required")
			return
		}

		rows, err := deps.Store.PriceHistory(r.Context(), product, r.URL.Query().Get("city"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read history: %v", err)
			return
		}
		if rows == nil {
			rows = []storage.PriceRow{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

func handleCityAverages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		product := strings.TrimSpace(q.Get("product"))
		if product == "" {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "product is required")
			return
		}

		avgs, err := deps.Store.AveragePriceByCity(r.Context(), product, q.Get("from"), q.Get("to"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to average prices: %v", err)
			return
		}
		if avgs == nil {
			avgs = []storage.CityAverage{}
		}
		writeJSON(w, http.StatusOK, avgs)
	}
}
