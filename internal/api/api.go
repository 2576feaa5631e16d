// Package api exposes the answer flows over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/codebot/internal/answer"
	"github.com/seanblong/codebot/pkg/models"
)

const (
	maxBodyBytes   = 1 << 20
	requestTimeout = 5 * time.Minute
)

const (
	msgInvalid    = "Invalid request. Check the required fields and value ranges."
	msgNotFound   = "Wiki page not found."
	msgRetrieval  = "Failed to retrieve documents from database."
	msgGeneration = "Failed to generate answer. Check LLM API availability."
	msgInternal   = "An unexpected error occurred. Please try again later."
	msgStore      = "Vector store unavailable."
)

const pingTimeout = 3 * time.Second

// Answerer runs the three question flows.
type Answerer interface {
	AskCodebase(ctx context.Context, req answer.CodebaseRequest) (models.CodebaseAnswer, error)
	AskAnalytics(ctx context.Context, req answer.AnalyticsRequest) (models.AnalyticsAnswer, error)
	GenerateScenario(ctx context.Context, req answer.ScenarioRequest) (models.ScenarioResult, error)
}

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewMux registers every route on a new ServeMux. When db is non-nil,
// /healthz fails with 503 while db cannot be pinged.
func NewMux(a Answerer, db Pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				hlog.FromRequest(r).Error().Err(err).Msg("vector store ping failed")
				writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: msgStore})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "codebot-api"})
	})

	mux.HandleFunc("POST /api/codebase", func(w http.ResponseWriter, r *http.Request) {
		var req answer.CodebaseRequest
		if !decode(w, r, &req) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		res, err := a.AskCodebase(ctx, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		hlog.FromRequest(r).Info().Str("outcome", string(res.Outcome)).Int("sources", len(res.Sources)).Msg("served codebase answer")
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("POST /api/analytics", func(w http.ResponseWriter, r *http.Request) {
		var req answer.AnalyticsRequest
		if !decode(w, r, &req) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		res, err := a.AskAnalytics(ctx, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		hlog.FromRequest(r).Info().Str("outcome", string(res.Outcome)).Int("sources", len(res.Sources)).Msg("served analytics answer")
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("POST /api/scenario", func(w http.ResponseWriter, r *http.Request) {
		var req answer.ScenarioRequest
		if !decode(w, r, &req) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		res, err := a.GenerateScenario(ctx, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		hlog.FromRequest(r).Info().Int("sources", len(res.Sources)).Msg("served qa scenario")
		writeJSON(w, http.StatusOK, res)
	})
	return mux
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(into); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("malformed request body")
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msgInvalid})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

// StatusFor maps an orchestration error to its HTTP status and fixed message.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, answer.ErrInvalidInput):
		return http.StatusBadRequest, msgInvalid
	case errors.Is(err, answer.ErrNotFound):
		return http.StatusNotFound, msgNotFound
	case errors.Is(err, answer.ErrRetrieval):
		return http.StatusServiceUnavailable, msgRetrieval
	case errors.Is(err, answer.ErrGeneration):
		return http.StatusServiceUnavailable, msgGeneration
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := StatusFor(err)
	hlog.FromRequest(r).Error().Err(err).Int("status", status).Msg("request failed")
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
