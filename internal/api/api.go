// Package api exposes the ingest pipeline and confirmation replies over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/travelroboto/trip-ingest/internal/model"
)

const maxDocumentBodySize = 25 << 20 // attachments arrive base64 encoded

// Ingester runs one document through the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, doc *model.IncomingDocument, ownerUserID string) (*model.IngestResult, error)
}

// Confirmations resumes and reports confirmation requests.
type Confirmations interface {
	HandleReply(ctx context.Context, reply model.UserReply) (*model.ReplyOutcome, error)
	NeedsAttention(ctx context.Context, tripID string) ([]model.AttentionItem, error)
}

// Trips reads trips.
type Trips interface {
	GetTrip(ctx context.Context, tripID string) (*model.Trip, error)
}

// Deps are the handler's collaborators.
type Deps struct {
	Ingester       Ingester
	Confirmations  Confirmations
	Trips          Trips
	AllowedOrigins []string
}

// NewHandler builds the router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", handleHealth)
	r.Post("/webhooks/documents", handleDocument(deps))
	r.Post("/webhooks/replies", handleReply(deps))
	r.Get("/trips/{id}", handleGetTrip(deps))
	r.Get("/trips/{id}/attention", handleAttention(deps))
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBodySize)
		defer r.Body.Close() //nolint:errcheck

		var doc model.IncomingDocument
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(doc.SourceID) == "" {
			httpError(w, http.StatusBadRequest, "source_id is required")
			return
		}
		if strings.TrimSpace(doc.OwnerUserID) == "" {
			httpError(w, http.StatusBadRequest, "owner_user_id is required")
			return
		}
		if strings.TrimSpace(doc.Text) == "" && len(doc.Attachments) == 0 {
			httpError(w, http.StatusBadRequest, "text or attachments are required")
			return
		}
		if doc.ReceivedAt.IsZero() {
			doc.ReceivedAt = time.Now().UTC()
		}

		res, err := deps.Ingester.Ingest(r.Context(), &doc, doc.OwnerUserID)
		switch {
		case errors.Is(err, model.ErrExtractionFailed):
			httpError(w, http.StatusUnprocessableEntity, "extraction failed for %s", doc.SourceID)
			return
		case errors.Is(err, model.ErrNotFound):
			httpError(w, http.StatusNotFound, "%v", err)
			return
		case err != nil:
			zap.L().Error("api: ingest document", zap.String("source_id", doc.SourceID), zap.Error(err))
			httpError(w, http.StatusInternalServerError, "ingest failed")
			return
		}
		if res.InProgress {
			writeJSON(w, http.StatusAccepted, res)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleReply(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reply model.UserReply
		if err := json.NewDecoder(r.Body).Decode(&reply); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(reply.CorrelationToken) == "" {
			httpError(w, http.StatusBadRequest, "correlation_token is required")
			return
		}
		if reply.ReceivedAt.IsZero() {
			reply.ReceivedAt = time.Now().UTC()
		}

		out, err := deps.Confirmations.HandleReply(r.Context(), reply)
		if err != nil {
			zap.L().Error("api: handle reply", zap.String("correlation_token", reply.CorrelationToken), zap.Error(err))
			httpError(w, http.StatusInternalServerError, "reply failed")
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetTrip(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trip, err := deps.Trips.GetTrip(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, model.ErrNotFound) {
			httpError(w, http.StatusNotFound, "trip not found")
			return
		}
		if err != nil {
			zap.L().Error("api: get trip", zap.Error(err))
			httpError(w, http.StatusInternalServerError, "get trip failed")
			return
		}
		writeJSON(w, http.StatusOK, trip)
	}
}

func handleAttention(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Trips.GetTrip(r.Context(), id); errors.Is(err, model.ErrNotFound) {
			httpError(w, http.StatusNotFound, "trip not found")
			return
		}
		items, err := deps.Confirmations.NeedsAttention(r.Context(), id)
		if err != nil {
			zap.L().Error("api: needs attention", zap.String("trip_id", id), zap.Error(err))
			httpError(w, http.StatusInternalServerError, "attention lookup failed")
			return
		}
		if items == nil {
			items = []model.AttentionItem{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"trip_id": id, "items": items})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"status":  code,
		},
	})
}
