package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/imagebank/internal/imagebank"
	"github.com/kalambet/imagebank/internal/media"
	"github.com/kalambet/imagebank/internal/provider"
	"github.com/kalambet/imagebank/internal/review"
)

const maxRequestBodySize = 1 << 20 // 1MB

// maxPlanItems bounds a single plan request.
const maxPlanItems = 100

// Media resolves image requests.
type Media interface {
	Search(ctx context.Context, opts media.SearchOptions) ([]media.Image, error)
	ExecutePlan(ctx context.Context, items []media.PlanItem) []media.ImageSelection
}

// Bank is the part of the image bank the API reads directly.
type Bank interface {
	Get(id string) (imagebank.Entry, error)
	Stats() imagebank.Stats
	Sync(ctx context.Context) error
}

// Deps holds what the HTTP handler serves.
type Deps struct {
	Media           Media
	Bank            Bank
	Review          *review.Service
	DefaultProvider string
	Token           string
}

// NewHandler returns the imagebank HTTP API. /health and /metrics are open;
// everything else requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/images/search", handleSearch(deps))
		r.Post("/images/plan", handlePlan(deps))

		r.Get("/bank/stats", handleBankStats(deps))
		r.Post("/bank/sync", handleBankSync(deps))
		r.Get("/bank/entries", handleListEntries(deps))
		r.Get("/bank/entries/{id}", handleGetEntry(deps))
		r.Post("/bank/entries/{id}/rating", handleRate(deps))
		r.Post("/bank/entries/{id}/search-tests", handleSearchTest(deps))
		r.Put("/bank/entries/{id}/blacklist", handleBlacklist(deps))
		r.Put("/bank/entries/{id}/status", handleSetStatus(deps))
		r.Put("/bank/entries/{id}/notes", handleSetNotes(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if deps.Bank != nil {
			st := deps.Bank.Stats()
			body["bank"] = st.State
			body["entries"] = st.Entries
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// SearchRequest is the body of POST /images/search.
type SearchRequest struct {
	Query       string `json:"query"`
	Provider    string `json:"provider"`
	Orientation string `json:"orientation"`
	Count       int    `json:"count"`
}

func (req SearchRequest) options(defaultProvider string) (media.SearchOptions, error) {
	if req.Query == "" {
		return media.SearchOptions{}, errors.New("query is required")
	}
	o, err := provider.ParseOrientation(req.Orientation)
	if err != nil {
		return media.SearchOptions{}, err
	}
	if err := validateCount(req.Count); err != nil {
		return media.SearchOptions{}, err
	}
	if req.Provider == "" {
		req.Provider = defaultProvider
	}
	return media.SearchOptions{Query: req.Query, Provider: req.Provider, Orientation: o, Count: req.Count}, nil
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		opts, err := req.options(deps.DefaultProvider)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		images, err := deps.Media.Search(r.Context(), opts)
		if errors.Is(err, provider.ErrUnknownProvider) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "image search failed: %v", err)
			return
		}
		if images == nil {
			images = []media.Image{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"images": images})
	}
}

// PlanRequest is the body of POST /images/plan.
type PlanRequest struct {
	Items []media.PlanItem `json:"items"`
}

func validatePlan(items []media.PlanItem) error {
	if len(items) == 0 {
		return errors.New("items is required and must not be empty")
	}
	if len(items) > maxPlanItems {
		return fmt.Errorf("at most %d items per plan", maxPlanItems)
	}
	for i, it := range items {
		if it.BlockID == "" {
			return fmt.Errorf("items[%d]: blockId is required", i)
		}
		if it.SearchQuery == "" {
			return fmt.Errorf("items[%d]: searchQuery is required", i)
		}
		if _, err := provider.ParseOrientation(string(it.Orientation)); err != nil {
			return fmt.Errorf("items[%d]: %w", i, err)
		}
		if err := validateCount(it.Count); err != nil {
			return fmt.Errorf("items[%d]: %w", i, err)
		}
	}
	return nil
}

func validateCount(n int) error {
	if n < 0 || n > media.MaxCount {
		return fmt.Errorf("count must be between 0 and %d", media.MaxCount)
	}
	return nil
}

func handlePlan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req PlanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := validatePlan(req.Items); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		selections := deps.Media.ExecutePlan(r.Context(), req.Items)
		if selections == nil {
			selections = []media.ImageSelection{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"selections": selections})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
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
