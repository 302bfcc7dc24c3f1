package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/service"
)

type handler struct {
	svc    *service.Service
	logger zerolog.Logger
}

func newRouter(svc *service.Service, logger zerolog.Logger) *mux.Router {
	h := &handler{svc: svc, logger: logger}
	router := mux.NewRouter()
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	router.HandleFunc("/resync", h.resync).Methods(http.MethodPost)
	router.HandleFunc("/breakers", h.breakers).Methods(http.MethodGet)
	router.HandleFunc("/breakers/{name}/reset", h.resetBreaker).Methods(http.MethodPost)
	router.HandleFunc("/search", h.search).Methods(http.MethodGet)
	router.HandleFunc("/deadletters", h.deadLetters).Methods(http.MethodGet)
	router.HandleFunc("/deadletters/replay", h.replay).Methods(http.MethodPost)
	return router
}

// serve blocks until ctx is done or the listener fails.
func serve(ctx context.Context, addr string, router http.Handler, logger zerolog.Logger) error {
	server := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info().Str("addr", addr).Msg("admin api listening")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	health := h.svc.Health()
	status := http.StatusOK
	if health.Status == service.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.Statistics())
}

func (h *handler) resync(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Query().Get("collection")
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		result, err := h.svc.TriggerFullResync(r.Context(), collection)
		if err != nil {
			h.respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
		return
	}
	if collection != "" && h.svc.Resyncing(collection) {
		h.respondErr(w, service.ErrResyncInProgress)
		return
	}
	go func() {
		if _, err := h.svc.TriggerFullResync(context.WithoutCancel(r.Context()), collection); err != nil {
			h.logger.Error().Err(err).Str("collection", collection).Msg("resync failed")
		}
	}()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started", "collection": collection})
}

func (h *handler) breakers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.Breakers())
}

func (h *handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.svc.ResetBreaker(name); err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"breaker": name, "state": resilience.StateClosed})
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := service.SearchRequest{Collection: query.Get("collection"), Query: query.Get("q")}
	req.Limit, _ = strconv.Atoi(query.Get("limit"))
	if v := query.Get("minScore"); v != "" {
		score, err := strconv.ParseFloat(v, 32)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid minScore")
			return
		}
		req.MinScore = float32(score)
	}
	results, err := h.svc.Search(r.Context(), req)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (h *handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.svc.DeadLetters(r.Context(), limit)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func (h *handler) replay(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	n, err := h.svc.ReplayDeadLetters(r.Context(), limit)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"replayed": n})
}

func (h *handler) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("request failed")
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrResyncInProgress):
		return http.StatusConflict
	case errors.Is(err, resilience.ErrUnknownBreaker), errors.Is(err, service.ErrDeadLetterDisabled):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotRunning), errors.Is(err, resilience.ErrOpen):
		return http.StatusServiceUnavailable
	}
	switch resilience.Classify(err) {
	case resilience.Validation:
		return http.StatusBadRequest
	case resilience.Timeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
