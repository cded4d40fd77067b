// Package api exposes the HTTP surface: content ingestion, query and
// recommendation serving, cache lifecycle, and the distribution audit.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jansetu/jansetu/internal/cache"
	"github.com/jansetu/jansetu/internal/content"
	"github.com/jansetu/jansetu/internal/ingest"
	"github.com/jansetu/jansetu/internal/profile"
	"github.com/jansetu/jansetu/internal/recommend"
	"github.com/jansetu/jansetu/internal/retrieval"
	"github.com/jansetu/jansetu/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB
const maxRequestBodySize = 1 << 20 // 1MB

// IndexRemover drops index rows when an item is deleted.
type IndexRemover interface {
	Remove(contentID string) error
}

type AppDeps struct {
	Store     *storage.Store
	Ingester  *ingest.Ingester
	Retrieval *retrieval.Engine
	Recommend *recommend.Engine
	Profiles  *profile.Provider
	Cache     *cache.Manager
	Index     IndexRemover
	Token     string
}

// NewAppHandler builds the router. Read paths are open; mutating paths
// require the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth())
	r.Post("/query", handleQuery(deps))
	r.Get("/recommendations/{user_id}", handleRecommendations(deps))
	r.Get("/content/{id}", handleGetContent(deps))
	r.Get("/cache/status", handleCacheStatus(deps))
	r.Get("/audit/distribution", handleAudit(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/ingest", handleIngest(deps))
		r.Delete("/content/{id}", handleDeleteContent(deps))
		r.Post("/cache/sync", handleCacheSync(deps))
		r.Post("/cache/offline", handleCacheOffline(deps))
	})

	return r
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

type ingestRequest struct {
	Items []content.ContentItem `json:"items"`
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Items) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "items is required")
			return
		}

		results, err := deps.Ingester.IngestBatch(r.Context(), req.Items)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "ingesting batch: %v", err)
			return
		}

		accepted := 0
		for _, res := range results {
			if res.Accepted {
				accepted++
			}
		}
		writeJSON(w, map[string]any{
			"accepted": accepted,
			"rejected": len(results) - accepted,
			"results":  results,
		})
	}
}

type queryRequest struct {
	Text              string `json:"text"`
	Language          string `json:"language"`
	UserID            string `json:"user_id"`
	Limit             int    `json:"limit"`
	NarrowEligibility bool   `json:"narrow_eligibility"`
}

type queryResponse struct {
	Results  []content.SearchResult `json:"results"`
	Reason   string                 `json:"reason"`
	Degraded bool                   `json:"degraded"`
}

func handleQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var user *content.UserProfile
		if req.UserID != "" {
			p, err := deps.Profiles.Get(req.UserID)
			if err != nil && !errors.Is(err, content.ErrNotFound) {
				httpError(w, http.StatusInternalServerError, "api_error", "loading profile: %v", err)
				return
			}
			if err == nil {
				user = &p
			}
		}

		q := content.Query{
			Text:     req.Text,
			Language: req.Language,
			UserID:   req.UserID,
			IssuedAt: time.Now().UTC(),
		}

		// Disconnected sessions answer from the local cache only.
		if deps.Cache != nil && deps.Cache.State() != cache.StateOnline {
			results, degraded, err := deps.Cache.Search(q, user, req.Limit)
			if err != nil {
				writeContentError(w, err)
				return
			}
			reason := retrieval.ReasonOK
			if len(results) == 0 {
				reason = retrieval.ReasonNoMatch
			}
			writeQueryResponse(w, results, reason, degraded)
			return
		}

		results, reason, err := deps.Retrieval.Search(r.Context(), q, user, retrieval.Options{
			Limit:             req.Limit,
			NarrowEligibility: req.NarrowEligibility,
		})
		if err != nil {
			writeContentError(w, err)
			return
		}

		if req.UserID != "" && req.Text != "" {
			if err := deps.Profiles.RecordInteraction(req.UserID, content.Interaction{
				Kind:  content.InteractionQuery,
				Query: req.Text,
				At:    q.IssuedAt,
			}); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "recording interaction: %v", err)
				return
			}
		}

		writeQueryResponse(w, results, reason, false)
	}
}

func writeQueryResponse(w http.ResponseWriter, results []content.SearchResult, reason retrieval.Reason, degraded bool) {
	if results == nil {
		results = []content.SearchResult{}
	}
	writeJSON(w, queryResponse{Results: results, Reason: string(reason), Degraded: degraded})
}

func handleRecommendations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "user_id")
		limit := parseIntParam(r, "limit", 5, 50)

		prof, err := deps.Profiles.Get(userID)
		if errors.Is(err, content.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "profile not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading profile: %v", err)
			return
		}

		recs, err := deps.Recommend.Recommend(r.Context(), prof, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "computing recommendations: %v", err)
			return
		}
		if recs == nil {
			recs = []content.Recommendation{}
		}
		writeJSON(w, map[string]any{"recommendations": recs})
	}
}

func handleGetContent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		item, err := deps.Store.GetItem(id)
		if errors.Is(err, content.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "content not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading content: %v", err)
			return
		}
		writeJSON(w, item)
	}
}

func handleDeleteContent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetItem(id); errors.Is(err, content.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "content not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading content: %v", err)
			return
		}

		if deps.Index != nil {
			if err := deps.Index.Remove(id); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "removing index rows: %v", err)
				return
			}
		}
		if err := deps.Ingester.Remove(r.Context(), id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting content: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleCacheSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deltas, err := deps.Cache.Reconcile(r.Context())
		if errors.Is(err, cache.ErrReconciliation) {
			httpError(w, http.StatusBadGateway, "api_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reconciling cache: %v", err)
			return
		}
		writeJSON(w, deltas)
	}
}

func handleCacheOffline(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Cache.SetOffline()
		status, err := deps.Cache.Status()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading cache status: %v", err)
			return
		}
		writeJSON(w, status)
	}
}

func handleCacheStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := deps.Cache.Status()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading cache status: %v", err)
			return
		}
		writeJSON(w, status)
	}
}

func handleAudit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := parseIntParam(r, "days", 30, 365)
		since := time.Now().UTC().AddDate(0, 0, -days)

		served, err := deps.Store.ListRecommendationsSince(since)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading recommendation log: %v", err)
			return
		}
		profiles, err := deps.Store.ListProfiles()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading profiles: %v", err)
			return
		}

		flags := recommend.AuditDistribution(served, profiles)
		if flags == nil {
			flags = []recommend.AuditFlag{}
		}
		writeJSON(w, map[string]any{
			"since":  since.Format(time.RFC3339),
			"served": len(served),
			"flags":  flags,
		})
	}
}

func writeContentError(w http.ResponseWriter, err error) {
	if content.IsValidation(err) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
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
