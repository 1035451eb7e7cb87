// Package api serves the management REST API: JSON envelope responses
// under /api/v1, JWT bearer auth, and per-IP rate limiting. Runtime
// state is read from the subsystem managers; provisioned configuration
// is written to the store and pushed into the live registries through
// the provisioning loaders.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/voicebridge/voicebridge/internal/aibridge"
	"github.com/voicebridge/voicebridge/internal/api/middleware"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/moh"
	"github.com/voicebridge/voicebridge/internal/provision"
	"github.com/voicebridge/voicebridge/internal/rtp"
	"github.com/voicebridge/voicebridge/internal/sms"
	"github.com/voicebridge/voicebridge/internal/store"
)

// SignalingStatus is what the API reads from the signaling adapter.
type SignalingStatus interface {
	Healthy() bool
	Configured() bool
}

// Config carries the API server's own settings.
type Config struct {
	// JWTSecret signs and verifies management tokens.
	JWTSecret []byte
	// CORSOrigins allows browser dashboards on other origins; empty
	// disables CORS entirely.
	CORSOrigins []string
}

// Deps are the subsystems and repositories the handlers operate on.
type Deps struct {
	Calls     *call.Manager
	Messages  *sms.Manager
	Music     *moh.Manager
	Media     *rtp.Manager
	Bridge    *aibridge.Manager
	Signaling SignalingStatus

	Accounts store.AdminAccountRepository
	Settings store.SystemConfigRepository
	Records  store.CallRecordRepository
	Archive  store.SMSArchiveRepository

	// Provision holds the repositories the CRUD handlers write, and
	// Registries the live targets the loaders push into afterwards.
	Provision  provision.Repos
	Registries provision.Registries
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	limiter *middleware.IPRateLimiter
	authlim *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		limiter: middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		authlim: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup loops.
func (s *Server) Close() {
	s.limiter.Stop()
	s.authlim.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recover)
	r.Use(middleware.SecurityHeaders)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(middleware.CORS(s.cfg.CORSOrigins))
	}

	// Unauthenticated probes.
	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))

		// Auth endpoints carry their own tighter limiter and no
		// bearer requirement.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.authlim))
			r.Post("/setup", s.handleSetup)
			r.Post("/auth/login", s.handleLogin)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.cfg.JWTSecret))

			r.Post("/auth/refresh", s.handleRefresh)
			r.Get("/auth/me", s.handleMe)

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Post("/", s.handleOriginateCall)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetCall)
					r.Post("/hangup", s.handleHangupCall)
					r.Post("/transfer", s.handleTransferCall)
					r.Post("/hold", s.handleHoldCall)
					r.Post("/resume", s.handleResumeCall)
					r.Post("/record/start", s.handleStartRecording)
					r.Post("/record/stop", s.handleStopRecording)
					r.Post("/play", s.handlePlayAudio)
					r.Post("/dtmf", s.handleSendDTMF)
				})
			})

			r.Route("/records", func(r chi.Router) {
				r.Get("/", s.handleListRecords)
				r.Get("/export", s.handleExportRecords)
				r.Get("/{callID}", s.handleGetRecord)
			})

			r.Route("/recordings", func(r chi.Router) {
				r.Get("/", s.handleListRecordings)
				r.Get("/{callID}/download", s.handleDownloadRecording)
				r.Delete("/{callID}", s.handleDeleteRecording)
			})

			r.Route("/routing", func(r chi.Router) {
				r.Get("/rules", s.handleListRoutingRules)
				r.Post("/rules", s.handleCreateRoutingRule)
				r.Put("/rules/{id}", s.handleUpdateRoutingRule)
				r.Delete("/rules/{id}", s.handleDeleteRoutingRule)
				r.Get("/blacklist", s.handleListBlacklist)
				r.Post("/blacklist", s.handleAddBlacklist)
				r.Delete("/blacklist/{number}", s.handleRemoveBlacklist)
				r.Get("/whitelist", s.handleListWhitelist)
				r.Post("/whitelist", s.handleAddWhitelist)
				r.Delete("/whitelist/{number}", s.handleRemoveWhitelist)
			})

			r.Route("/dtmf/patterns", func(r chi.Router) {
				r.Get("/", s.handleListDTMFPatterns)
				r.Post("/", s.handleCreateDTMFPattern)
				r.Put("/{id}", s.handleUpdateDTMFPattern)
				r.Delete("/{id}", s.handleDeleteDTMFPattern)
			})

			r.Route("/ivr/menus", func(r chi.Router) {
				r.Get("/", s.handleListIVRMenus)
				r.Post("/", s.handleCreateIVRMenu)
				r.Get("/{menuID}", s.handleGetIVRMenu)
				r.Put("/{menuID}", s.handleUpdateIVRMenu)
				r.Delete("/{menuID}", s.handleDeleteIVRMenu)
			})

			r.Route("/sms", func(r chi.Router) {
				r.Get("/", s.handleSMSHistory)
				r.Post("/", s.handleSendSMS)
				r.Get("/{id}", s.handleGetSMS)
				r.Post("/{id}/cancel", s.handleCancelSMS)

				r.Route("/rules", func(r chi.Router) {
					r.Get("/", s.handleListSMSRules)
					r.Post("/", s.handleCreateSMSRule)
					r.Put("/{ruleID}", s.handleUpdateSMSRule)
					r.Delete("/{ruleID}", s.handleDeleteSMSRule)
				})
				r.Route("/templates", func(r chi.Router) {
					r.Get("/", s.handleListSMSTemplates)
					r.Put("/{name}", s.handleSetSMSTemplate)
					r.Delete("/{name}", s.handleDeleteSMSTemplate)
				})
				r.Route("/blocked", func(r chi.Router) {
					r.Get("/", s.handleListBlockedSenders)
					r.Post("/", s.handleBlockSender)
					r.Delete("/{number}", s.handleUnblockSender)
				})
			})

			r.Route("/moh/sources", func(r chi.Router) {
				r.Get("/", s.handleListMohSources)
				r.Post("/", s.handleCreateMohSource)
				r.Delete("/{sourceID}", s.handleDeleteMohSource)
			})

			r.Get("/stats", s.handleStats)
			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handlePutSettings)
			r.Post("/system/reload", s.handleReload)
		})
	})
}

// handleHealth returns basic health status. Unauthenticated so load
// balancers and the signaling proxy can probe it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.deps.Signaling != nil && s.deps.Signaling.Configured() {
		status["signaling_healthy"] = s.deps.Signaling.Healthy()
	}
	writeJSON(w, http.StatusOK, status)
}
