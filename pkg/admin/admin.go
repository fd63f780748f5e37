// Package admin is the HTTP sidecar of the focus: health and stats probes,
// debug state, and the conference create/destroy verbs for operator tooling.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"mellium.im/xmpp/jid"

	"github.com/gracetech-services/jicofo-sub000/pkg/focus"
)

// Config of the admin HTTP listener.
type Config struct {
	// Bind address, e.g. ":8888". Empty disables the listener.
	Bind string `yaml:"bind"`
	// JWTSecret guards the mutating endpoints when set; GET probes stay
	// open for load balancers.
	JWTSecret string `yaml:"jwtSecret"`
	// RateLimit caps requests per second; 0 means 10.
	RateLimit float64 `yaml:"rateLimit"`
	// RateBurst is the burst allowance; 0 means 20.
	RateBurst int `yaml:"rateBurst"`
}

// Server wires the focus manager to HTTP.
type Server struct {
	config  Config
	manager *focus.Manager
	logger  *logrus.Entry
	http    *http.Server
}

func NewServer(config Config, manager *focus.Manager) *Server {
	if config.RateLimit <= 0 {
		config.RateLimit = 10
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 20
	}
	return &Server{
		config:  config,
		manager: manager,
		logger:  logrus.WithField("component", "admin"),
	}
}

// Start launches the listener; it returns immediately. Listener errors other
// than a clean shutdown are reported through onError.
func (s *Server) Start(onError func(error)) {
	if s.config.Bind == "" {
		s.logger.Info("Admin listener disabled")
		return
	}

	s.http = &http.Server{
		Addr:              s.config.Bind,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.WithField("bind", s.config.Bind).Info("Admin listener up")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			onError(err)
		}
	}()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) {
	if s.http != nil {
		s.http.Shutdown(ctx)
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimit())

	r.Get("/about/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Group(func(r chi.Router) {
		r.Use(s.auth())
		r.Get("/debug", s.handleDebug)
		r.Post("/conference-request", s.handleConferenceRequest)
		r.Post("/end-conference", s.handleEndConference)
	})

	return r
}

// rateLimit applies one process-wide token bucket to everything the
// listener serves.
func (s *Server) rateLimit() func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateBurst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// auth validates the Bearer token on mutating routes. With no secret
// configured the routes are open, for closed deployments.
func (s *Server) auth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.JWTSecret == "" {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			raw := strings.TrimPrefix(header, "Bearer ")
			if raw == header || raw == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(s.config.JWTSecret), nil
			})
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.manager.GetHealth()
	writeJSON(w, health.Code, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.GetStats())
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("full") == "true"
	room := r.URL.Query().Get("room")
	writeJSON(w, http.StatusOK, s.manager.DebugState(full, room))
}

type conferenceRequest struct {
	Room string `json:"room"`
}

func (s *Server) handleConferenceRequest(w http.ResponseWriter, r *http.Request) {
	var req conferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Room == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	room, err := jid.Parse(req.Room)
	if err != nil {
		http.Error(w, "bad room address", http.StatusBadRequest)
		return
	}

	started, err := s.manager.ConferenceRequest(r.Context(), room)
	if err != nil {
		s.logger.WithError(err).Error("Conference request failed")
		http.Error(w, "conference request failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": started})
}

type endConferenceRequest struct {
	Room   string `json:"room"`
	Reason string `json:"reason"`
}

func (s *Server) handleEndConference(w http.ResponseWriter, r *http.Request) {
	var req endConferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Room == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	room, err := jid.Parse(req.Room)
	if err != nil {
		http.Error(w, "bad room address", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "terminated by administrator"
	}

	if !s.manager.Destroy(room, req.Reason) {
		http.Error(w, "no such conference", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
