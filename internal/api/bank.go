package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/imagebank/internal/imagebank"
	"github.com/kalambet/imagebank/internal/review"
)

func handleBankStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Bank.Stats())
	}
}

func handleBankSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Bank.Sync(r.Context()); err != nil {
			bankError(w, "sync failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
	}
}

func handleListEntries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := review.Filter{
			Status:   imagebank.Status(q.Get("status")),
			Accuracy: imagebank.Accuracy(q.Get("accuracy")),
			Unrated:  q.Get("unrated") == "true",
			Provider: q.Get("provider"),
		}
		if s := q.Get("blacklisted"); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "blacklisted must be true or false")
				return
			}
			f.Blacklisted = &b
		}
		limit := parseIntParam(r, "limit", 50, 500)
		offset := parseIntParam(r, "offset", 0, 0)

		entries, err := deps.Review.List(f)
		if err != nil {
			bankError(w, "failed to list entries", err)
			return
		}

		total := len(entries)
		start := min(offset, total)
		entries = entries[start : start+min(total-start, limit)]
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
			"total":   total,
		})
	}
}

func handleGetEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Bank.Get(chi.URLParam(r, "id"))
		if err != nil {
			bankError(w, "failed to get entry", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

// RatingRequest is the body of POST /bank/entries/{id}/rating. An explicit
// null accuracy clears the rating; an absent one leaves it unchanged.
type RatingRequest struct {
	Accuracy json.RawMessage   `json:"accuracy"`
	Status   *imagebank.Status `json:"status"`
	Notes    *string           `json:"notes"`
}

func (req RatingRequest) rating() (review.Rating, error) {
	rt := review.Rating{Status: req.Status, Notes: req.Notes}
	switch string(req.Accuracy) {
	case "":
	case "null":
		rt.ClearAccuracy = true
	default:
		var a imagebank.Accuracy
		if err := json.Unmarshal(req.Accuracy, &a); err != nil {
			return review.Rating{}, errors.New("accuracy must be a string or null")
		}
		rt.Accuracy = &a
	}
	return rt, nil
}

func handleRate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RatingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		rt, err := req.rating()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		e, err := deps.Review.Rate(r.Context(), chi.URLParam(r, "id"), rt)
		if err != nil {
			bankError(w, "failed to rate entry", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleSearchTest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		test, err := deps.Review.SearchTest(r.Context(), chi.URLParam(r, "id"), req.Query)
		if err != nil {
			bankError(w, "search test failed", err)
			return
		}
		writeJSON(w, http.StatusOK, test)
	}
}

func handleBlacklist(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Blacklisted *bool `json:"blacklisted"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Blacklisted == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "blacklisted is required")
			return
		}

		e, err := deps.Review.SetBlacklisted(r.Context(), chi.URLParam(r, "id"), *req.Blacklisted)
		if err != nil {
			bankError(w, "failed to update blacklist", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleSetStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Status imagebank.Status `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		e, err := deps.Review.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
		if err != nil {
			bankError(w, "failed to set status", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleSetNotes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Notes string `json:"notes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		e, err := deps.Review.SetNotes(r.Context(), chi.URLParam(r, "id"), req.Notes)
		if err != nil {
			bankError(w, "failed to set notes", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

// bankError maps bank and review errors onto HTTP statuses.
func bankError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, imagebank.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, imagebank.ErrNotLoaded):
		httpError(w, http.StatusServiceUnavailable, "api_error", "image bank is not loaded")
	case errors.Is(err, review.ErrInvalidAccuracy),
		errors.Is(err, review.ErrInvalidStatus),
		errors.Is(err, review.ErrEmptyQuery):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", msg, err)
	}
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
