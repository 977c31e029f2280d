package fixlink

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/fixlink/internal/config"
	"github.com/hazyhaar/fixlink/internal/observability"
	"github.com/hazyhaar/fixlink/internal/shield"
	"github.com/hazyhaar/fixlink/linkrewrite"
)

// Handler returns the admin API with the default middleware stack.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(s.logger) {
		r.Use(mw)
	}
	s.Routes(r)
	return r
}

// Routes mounts the admin API on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"totals":  s.Totals(),
			"runtime": observability.CollectRuntimeMetrics(),
		})
	})

	rewrite := s.rewriteEndpoint()
	r.Post("/api/rewrite", func(w http.ResponseWriter, r *http.Request) {
		var req rewriteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := rewrite(r.Context(), &req)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	stats := s.statsEndpoint()
	r.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		resp, err := stats(r.Context(), nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	list := s.listSettingsEndpoint()
	put := s.putSettingsEndpoint()
	r.Route("/api/settings", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			resp, err := list(r.Context(), nil)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		r.Put("/{platform}", func(w http.ResponseWriter, r *http.Request) {
			var st Settings
			if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			st.Platform = chi.URLParam(r, "platform")
			resp, err := put(r.Context(), &st)
			if err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
	})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, linkrewrite.ErrInvalidURL),
		errors.Is(err, linkrewrite.ErrInvalidAuthority),
		errors.Is(err, ErrNoVariant):
		return http.StatusBadRequest
	case errors.Is(err, config.ErrUnknownPlatform):
		return http.StatusNotFound
	case errors.Is(err, ErrReadOnlySettings):
		return http.StatusMethodNotAllowed
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
