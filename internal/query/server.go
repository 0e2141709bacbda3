package query

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes the query service over HTTP.
type Server struct {
	service  *Service
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	router   http.Handler
}

// NewServer builds the router. A nil gatherer leaves /metrics unmounted.
func NewServer(service *Service, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{service: service, gatherer: gatherer, logger: logger}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.accessLog)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(api chi.Router) {
		api.Get("/protocol", s.getProtocol)
		api.Get("/protocol/events", s.listProtocolEvents)
		api.Route("/users/{address}", func(users chi.Router) {
			users.Get("/", s.getUser)
			users.Get("/overview", s.getOverview)
			users.Get("/events", s.listEvents)
		})
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	cursor, err := s.service.Cursor(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]interface{}{"status": "ok"}
	if cursor != nil {
		resp["block"] = cursor.Position.Block
		resp["blockHash"] = cursor.BlockHash
		resp["updatedAt"] = cursor.UpdatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getProtocol(w http.ResponseWriter, r *http.Request) {
	protocol, err := s.service.GetProtocol(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.service.GetUser(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) getOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.service.UserOverview(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	req, ok := listRequest(w, r)
	if !ok {
		return
	}
	req.Account = chi.URLParam(r, "address")
	s.writeList(w, r, s.service.ListEvents, req)
}

func (s *Server) listProtocolEvents(w http.ResponseWriter, r *http.Request) {
	req, ok := listRequest(w, r)
	if !ok {
		return
	}
	s.writeList(w, r, s.service.ListProtocolEvents, req)
}

func (s *Server) writeList(w http.ResponseWriter, r *http.Request, list func(context.Context, ListRequest) (EventList, error), req ListRequest) {
	page, err := list(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// listRequest reads kind, limit and before from the query string.
func listRequest(w http.ResponseWriter, r *http.Request) (ListRequest, bool) {
	q := r.URL.Query()
	req := ListRequest{Kind: q.Get("kind"), Before: q.Get("before")}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
			return req, false
		}
		req.Limit = limit
	}
	return req, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
