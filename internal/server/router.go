package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/accproxy/accproxy/internal/handlers"
	"github.com/accproxy/accproxy/internal/handlers/admin"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORS.AllowedOrigins,
		AllowedMethods: s.cfg.CORS.AllowedMethods,
		AllowedHeaders: s.cfg.CORS.AllowedHeaders,
		MaxAge:         s.cfg.CORS.MaxAge,
	}))

	health := handlers.NewHealthHandler(s.db, s.rdb, s.logger)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	proxy := handlers.NewProxyHandler(s.pipeline)
	r.Post("/v1/messages", proxy.Messages)
	r.Post("/v1/chat/completions", proxy.ChatCompletions)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireMasterKey)
		r.Mount("/", s.adminRouter())
	})

	return r
}

func (s *Server) adminRouter() http.Handler {
	r := chi.NewRouter()

	users := admin.NewUserHandler(s.db, s.logger)
	keys := admin.NewKeyHandler(s.db, s.cfg.Auth.KeyPrefix, s.logger)
	budgets := admin.NewBudgetHandler(s.db, s.logger)
	routing := admin.NewRoutingHandler(s.db, s.logger)
	rules := admin.NewSecurityRuleHandler(s.db, s.logger)
	analytics := admin.NewAnalyticsHandler(s.db, s.journalStore, s.logger)

	r.Route("/users", func(r chi.Router) {
		r.Get("/", users.List)
		r.Post("/", users.Create)
		r.Get("/{id}", users.Get)
		r.Put("/{id}", users.Update)
		r.Delete("/{id}", users.Delete)
	})

	r.Route("/keys", func(r chi.Router) {
		r.Get("/", keys.List)
		r.Post("/", keys.Create)
		r.Delete("/{id}", keys.Revoke)
	})

	r.Route("/budgets", func(r chi.Router) {
		r.Get("/", budgets.List)
		r.Post("/", budgets.Create)
		r.Put("/{id}", budgets.Update)
		r.Post("/{id}/reset", budgets.Reset)
		r.Delete("/{id}", budgets.Delete)
	})

	r.Route("/routing-rules", func(r chi.Router) {
		r.Get("/", routing.List)
		r.Post("/", routing.Create)
		r.Put("/{id}", routing.Update)
		r.Delete("/{id}", routing.Delete)
	})

	r.Route("/security-rules", func(r chi.Router) {
		r.Get("/", rules.List)
		r.Post("/", rules.Create)
		r.Put("/{id}", rules.SetEnabled)
		r.Delete("/{id}", rules.Delete)
	})

	r.Route("/analytics", func(r chi.Router) {
		r.Get("/requests", analytics.Requests)
		r.Get("/spend-by-model", analytics.SpendByModel)
		r.Get("/spend-by-day", analytics.SpendByDay)
		r.Get("/security-events", analytics.SecurityEvents)
		r.Get("/kills", analytics.PendingKills)
		r.Post("/kills/{id}/ack", analytics.AckKill)
	})

	return r
}

// requireMasterKey guards the admin surface. The key is compared in
// constant time; an unconfigured master key disables the surface.
func (s *Server) requireMasterKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		master := s.cfg.Auth.MasterKey
		if master == "" {
			http.Error(w, `{"error":"admin api disabled"}`, http.StatusServiceUnavailable)
			return
		}
		presented := r.Header.Get("x-acc-master-key")
		if presented == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				presented = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(master)) != 1 {
			http.Error(w, `{"error":"invalid master key"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
			zap.String("chi_request_id", chimiddleware.GetReqID(r.Context())))
	})
}
