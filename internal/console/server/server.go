package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/agentledger/internal/console/handler"
	"github.com/xela07ax/agentledger/internal/engine"
	"github.com/xela07ax/agentledger/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256). nil: авторизация выключена
	authValidator auth.TokenValidator
	gatherer      prometheus.Gatherer

	agentHandler *handler.AgentHandler // /v1/agents
}

// NewConsoleServer инициализирует API агентов со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	gatherer prometheus.Gatherer,
	agentH *handler.AgentHandler,
) *ConsoleServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		gatherer:      gatherer,
		agentHandler:  agentH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР ---
	r.Group(func(r chi.Router) {
		if s.authValidator != nil {
			r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		}

		h := s.agentHandler
		r.Route("/v1/agents", func(r chi.Router) {
			r.With(auth.RequireScope(auth.ScopeAgentsWrite)).Post("/", h.Deploy)

			r.Route("/{id}", func(r chi.Router) {
				// Чтение
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireScope(auth.ScopeAgentsRead))
					r.Get("/", h.Get)
					r.Get("/events", h.Events)
				})

				// Команды жизненного цикла и изменения агрегата
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireScope(auth.ScopeAgentsWrite))
					r.Post("/activate", h.Activate)
					r.Post("/suspend", h.Suspend)
					r.Post("/offline", h.GoOffline)
					r.Post("/decommission", h.Decommission)
					r.Post("/capabilities", h.UpdateCapabilities)
					r.Post("/permissions", h.GrantPermissions)
					r.Post("/permissions/revoke", h.RevokePermissions)
					r.Post("/tools", h.EnableTools)
					r.Post("/tools/disable", h.DisableTools)
					r.Patch("/configuration", h.ChangeConfiguration)
				})

				// Исполнение capability
				r.With(auth.RequireScope(auth.ScopeAgentsInvoke)).
					Post("/capabilities/{capID}/invoke", h.Invoke)
			})
		})
	})
}

// requestLogger пишет access-лог в zap вместо стандартного middleware.Logger.
func (s *ConsoleServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("trace_id", engine.ExtractTraceID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
