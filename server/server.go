// Package server exposes the dispatcher over HTTP: the control API under
// /__offline and every other path through the offline policy.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	offline "github.com/savewise/offline-dispatcher"
)

const (
	ControlPrefix = "/__offline"
	// TokenHeader carries the control token.
	TokenHeader = "X-Offline-Token"

	maxPushPayload = 4 << 10
	maxPendingBody = 1 << 20
)

// Controller is the dispatcher as seen by the control API.
type Controller interface {
	http.Handler
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	Sync(ctx context.Context, tag string) (offline.SyncReport, error)
	Push(ctx context.Context, payload string) error
	NotificationClick(ctx context.Context, id, action string) error
	Enqueue(ctx context.Context, body []byte, header http.Header) (int64, error)
	Status(ctx context.Context) (offline.Status, error)
}

type handlers struct {
	c   Controller
	log zerolog.Logger
}

// NewRouter routes control requests to the controller's lifecycle and
// trigger methods and everything else to its ServeHTTP. Lifecycle and
// trigger endpoints need the token; with an empty token they are disabled.
// Queueing a pending transaction is open to every client.
func NewRouter(c Controller, limiter *Limiter, token string, logger zerolog.Logger) http.Handler {
	h := handlers{c: c, log: logger.With().Str("component", "server").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route(ControlPrefix, func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Post("/pending", h.enqueue)
		r.Group(func(r chi.Router) {
			r.Use(h.requireToken(token))
			r.Post("/install", h.install)
			r.Post("/activate", h.activate)
			r.Post("/sync/{tag}", h.sync)
			r.Post("/push", h.push)
			r.Post("/notifications/{id}/click", h.notificationClick)
			r.Get("/status", h.status)
		})
	})
	r.Handle("/*", c)
	return r
}

func (h handlers) requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusForbidden, "control API disabled, no control token configured")
				return
			}
			if subtle.ConstantTimeCompare([]byte(r.Header.Get(TokenHeader)), []byte(token)) != 1 {
				h.log.Warn().Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("Rejected control request")
				writeError(w, http.StatusUnauthorized, "invalid control token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h handlers) install(w http.ResponseWriter, r *http.Request) {
	if err := h.c.Install(r.Context()); err != nil {
		h.lifecycleError(w, r, err)
		return
	}
	h.status(w, r)
}

func (h handlers) activate(w http.ResponseWriter, r *http.Request) {
	if err := h.c.Activate(r.Context()); err != nil {
		h.lifecycleError(w, r, err)
		return
	}
	h.status(w, r)
}

func (h handlers) lifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, offline.ErrBusy) || errors.Is(err, offline.ErrNotInstalled) {
		status = http.StatusConflict
	}
	h.log.Warn().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("Lifecycle step failed")
	writeError(w, status, err.Error())
}

func (h handlers) sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.c.Sync(r.Context(), chi.URLParam(r, "tag"))
	if err != nil {
		h.log.Error().Err(err).Msg("Sync failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h handlers) push(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(payload) > maxPushPayload {
		writeError(w, http.StatusRequestEntityTooLarge, "push payload too large")
		return
	}
	if err := h.c.Push(r.Context(), string(payload)); err != nil {
		h.log.Error().Err(err).Msg("Push failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handlers) notificationClick(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := r.URL.Query().Get("action")
	if err := h.c.NotificationClick(r.Context(), id, action); err != nil {
		h.log.Error().Err(err).Str("id", id).Msg("Notification click failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPendingBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body) > maxPendingBody {
		writeError(w, http.StatusRequestEntityTooLarge, "transaction too large")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "transaction must be JSON")
		return
	}
	id, err := h.c.Enqueue(r.Context(), body, r.Header)
	if err != nil {
		h.log.Error().Err(err).Msg("Could not queue transaction")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h handlers) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.c.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
