package offline0

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"offline0/internal/logger"
)

// ControlPrefix is reserved for offline0 itself and never proxied.
const ControlPrefix = "/_offline0"

// Handler serves the control API under ControlPrefix, /metrics when enabled,
// and proxies everything else.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route(ControlPrefix, func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(controlLogger)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, errors.New("unknown control route"))
		})

		r.Get("/status", s.handleStatus)
		r.Post("/sync/{tag}", s.handleSync)
		r.Get("/outbox/{tag}", s.handleOutbox)
		r.Post("/push", s.handlePush)
		r.Post("/click", s.handleClick)
		r.Get("/notifications", s.handleNotifications)
		r.Get("/clients", s.handleListClients)
		r.Post("/clients", s.handleRegisterClient)
		r.Delete("/clients/{id}", s.handleUnregisterClient)
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.NotFound(s.proxy)
	return r
}

func controlLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("control request",
			"request_id", middleware.GetReqID(r.Context()),
			logger.KeyMethod, r.Method,
			logger.KeyURL, r.URL.Path,
			logger.KeyStatus, ww.Status(),
			logger.KeyDurationMs, time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	lc := s.worker.Lifecycle()
	names, err := s.store.ListNamespaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := map[string]any{
		"generation": lc.Generation(),
		"state":      lc.State().String(),
		"namespaces": names,
		"outboxTags": s.cfg.OutboxTags(),
	}
	if s.monitor != nil {
		resp["online"] = s.monitor.Online()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	res, err := s.worker.Dispatch(r.Context(), Event{Kind: EventSync, Tag: tag})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Drain)
}

func (s *Service) handleOutbox(w http.ResponseWriter, r *http.Request) {
	recs, err := s.outbox.ListAll(chi.URLParam(r, "tag"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type item struct {
		ID        uint64    `json:"id"`
		Method    string    `json:"method"`
		URL       string    `json:"url"`
		Size      int       `json:"size"`
		CreatedAt time.Time `json:"createdAt"`
	}
	out := make([]item, 0, len(recs))
	for _, rec := range recs {
		out = append(out, item{ID: rec.ID, Method: rec.Method, URL: rec.URL, Size: len(rec.Body), CreatedAt: rec.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.worker.Dispatch(r.Context(), Event{Kind: EventPush, Payload: payload})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, res.Notification)
}

func (s *Service) handleClick(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.worker.Dispatch(r.Context(), Event{Kind: EventNotificationClick, URL: body.URL})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Client)
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.inbox.List())
}

func (s *Service) handleListClients(w http.ResponseWriter, r *http.Request) {
	cs, err := s.clients.MatchAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Service) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	writeJSON(w, http.StatusCreated, s.clients.Register(body.URL))
}

func (s *Service) handleUnregisterClient(w http.ResponseWriter, r *http.Request) {
	if err := s.clients.Unregister(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
