package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/infra/auth"
)

// Server — HTTP API ядра: решения, подписи, ключи и админка политик
type Server struct {
	router  *chi.Mux
	logger  *zap.Logger
	limiter *rate.Limiter

	operators  auth.TokenValidator // nil: админские маршруты не монтируются
	adminScope string

	decisionHandler *DecisionHandler // /v1/decide, /v1/evaluate, /v1/check
	signingHandler  *SigningHandler  // /v1/events, /v1/keys
	policyHandler   *PolicyHandler   // /admin/policies, nil если БД не настроена
}

// AdminAuth — проверка операторов для /v1/keys/rotate и /admin/policies
type AdminAuth struct {
	Validator auth.TokenValidator
	Scope     string
}

// NewServer инициализирует роутер. policies может быть nil: админка тогда не монтируется.
// Без admin.Validator не монтируются ни админка, ни ротация ключей по API.
func NewServer(core *Core, keys KeyService, policies *PolicyService, admin AdminAuth, limiter *rate.Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http-api")
	if admin.Scope == "" {
		admin.Scope = auth.DefaultAdminScope
	}
	s := &Server{
		router:          chi.NewRouter(),
		logger:          logger,
		limiter:         limiter,
		operators:       admin.Validator,
		adminScope:      admin.Scope,
		decisionHandler: NewDecisionHandler(core, logger),
		signingHandler:  NewSigningHandler(keys, logger),
	}
	if policies != nil {
		s.policyHandler = NewPolicyHandler(policies, logger)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(AccessLog(s.logger))
	r.Use(middleware.Recoverer)

	// Healthcheck не лимитируется
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 2. API решений и подписи ---
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(RateLimitMiddleware(s.limiter))
		}

		r.Route("/v1", func(r chi.Router) {
			r.Post("/decide", s.decisionHandler.Decide)
			r.Post("/evaluate", s.decisionHandler.Evaluate)
			r.Post("/check", s.decisionHandler.Check)

			r.Post("/events/sign", s.signingHandler.Sign)
			r.Post("/events/verify", s.signingHandler.Verify)

			r.Get("/keys/current", s.signingHandler.CurrentKey)

			// Ротация вытесняет старые ключи: только для оператора
			if s.operators != nil {
				r.With(auth.NewMiddleware(s.operators, s.adminScope, s.logger)).
					Post("/keys/rotate", s.signingHandler.Rotate)
			}
		})
	})

	// --- 3. Управление политиками ---
	if s.policyHandler != nil && s.operators != nil {
		r.Route("/admin/policies", func(r chi.Router) {
			r.Use(auth.NewMiddleware(s.operators, s.adminScope, s.logger))
			r.Get("/", s.policyHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.policyHandler.Get)
				r.Put("/", s.policyHandler.Put)
				r.Delete("/", s.policyHandler.Delete)
			})
		})
	}
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
