package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/rs/zerolog/log"
	"github.com/xrelay/xrelay/pkg/credentials"
	"github.com/xrelay/xrelay/pkg/db"
	"github.com/xrelay/xrelay/pkg/gateway"
	"github.com/xrelay/xrelay/pkg/handlerutils"
	"github.com/xrelay/xrelay/pkg/handshake"
	"github.com/xrelay/xrelay/pkg/oauth/authorize"
	"github.com/xrelay/xrelay/pkg/oauth/callback"
	"github.com/xrelay/xrelay/pkg/oauth/revoke"
	"github.com/xrelay/xrelay/pkg/oauth/status"
	"github.com/xrelay/xrelay/pkg/providers"
	"github.com/xrelay/xrelay/pkg/ratelimit"
	"github.com/xrelay/xrelay/pkg/security"
	"github.com/xrelay/xrelay/pkg/types"
)

const (
	DefaultHandshakeTTL           = 10 * time.Minute
	DefaultHandshakeSweepInterval = time.Minute
)

type Server struct {
	config      *types.Config
	db          *db.Store
	dbType      string
	providers   *providers.Manager
	provider    string
	handshakes  *handshake.Store
	credentials *credentials.Manager
	rules       security.Source
	fileRules   *security.FileSource
	auditor     *gateway.Auditor
	rateLimiter *ratelimit.RateLimiter

	// handler is the gateway-wrapped mux. Failures are re-dispatched through
	// it so the gateway sees them.
	handler http.Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(config *types.Config) (*Server, error) {
	if config.Port == "" {
		config.Port = "8080"
	}
	if config.HandshakeTTL <= 0 {
		config.HandshakeTTL = DefaultHandshakeTTL
	}
	if config.HandshakeSweepInterval <= 0 {
		config.HandshakeSweepInterval = DefaultHandshakeSweepInterval
	}
	if config.CorrelationWindow <= 0 {
		config.CorrelationWindow = gateway.DefaultCorrelationWindow
	}

	switch {
	case config.DatabaseDSN == "":
		log.Info().Msg("DATABASE_DSN not set, using SQLite database at data/xrelay.db")
	case db.IsPostgresDSN(config.DatabaseDSN):
		log.Info().Msg("Using PostgreSQL database")
	default:
		log.Info().Str("path", config.DatabaseDSN).Msg("Using SQLite database")
	}

	store, err := db.New(config.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	s := &Server{
		config:      config,
		db:          store,
		dbType:      store.Type(),
		providers:   providers.NewManager(),
		provider:    providers.TwitterProviderName,
		handshakes:  handshake.NewStore(),
		auditor:     gateway.NewAuditor(store, config.CorrelationWindow),
		rateLimiter: ratelimit.NewRateLimiter(15*time.Minute, 5000),
	}

	if config.SecurityConfigFile != "" {
		fileRules, err := security.NewFileSource(config.SecurityConfigFile)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to load security rules: %w", err)
		}
		s.fileRules = fileRules
		s.rules = fileRules
	} else {
		s.rules = security.NewStatic(config.InitialRules)
	}

	twitter := providers.NewTwitterProvider(*config)
	s.providers.RegisterProvider(twitter.GetName(), twitter)
	s.credentials = credentials.NewManager(store, twitter, *config)

	return s, nil
}

// Credentials exposes the credential manager to code that calls the
// provider's API on behalf of a subject.
func (s *Server) Credentials() *credentials.Manager {
	return s.credentials
}

func (s *Server) goRun(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

// Start launches the background jobs. They stop when ctx is cancelled or
// Close is called.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.goRun(func() { s.handshakes.Run(ctx, s.config.HandshakeSweepInterval) })
	s.goRun(func() { s.credentials.Run(ctx, s.config.RefreshInitialDelay, s.config.RefreshInterval) })
	s.goRun(func() { s.auditor.Run(ctx, s.config.CorrelationWindow) })
	s.goRun(func() { s.rateLimiter.Run(ctx) })

	if s.fileRules != nil {
		s.goRun(func() {
			if err := s.fileRules.Watch(ctx); err != nil {
				log.Error().Err(err).Str("path", s.fileRules.Path()).Msg("Security rules will not be reloaded")
			}
		})
	}

	return nil
}

func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	provider, err := s.providers.GetProvider(s.provider)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to get provider")
	}

	authorizeHandler := authorize.NewHandler(s.handshakes, provider, s.config.HandshakeTTL)
	callbackHandler := callback.NewHandler(s.handshakes, provider, s.credentials, s.config.Scopes)
	statusHandler := status.NewHandler(s.credentials)
	refreshHandler := status.NewRefreshHandler(s.credentials)
	revokeHandler := revoke.NewHandler(s.credentials)

	prefix := s.config.RoutePrefix

	mux.Handle("GET "+prefix+"/health", gateway.Public(s.withCORS(http.HandlerFunc(s.healthHandler)), "health check"))
	preflight := gateway.Public(s.withCORS(http.NotFoundHandler()), "CORS preflight")
	mux.Handle("OPTIONS "+prefix+"/api/", preflight)
	mux.Handle("OPTIONS "+prefix+"/callback/", preflight)

	// OAuth handshake, reachable by the browser and the provider
	mux.Handle("GET "+prefix+"/callback/twitter/authorize", gateway.Public(s.withCORS(s.withRateLimit(authorizeHandler)), "authorization start"))
	mux.Handle("GET "+prefix+"/callback/twitter/oauth", gateway.Public(s.withCORS(s.withRateLimit(callbackHandler)), "provider callback"))

	// Credential administration
	mux.Handle("GET "+prefix+"/api/credentials", s.withCORS(statusHandler))
	mux.Handle("GET "+prefix+"/api/credentials/{subject}", s.withCORS(statusHandler))
	mux.Handle("DELETE "+prefix+"/api/credentials/{subject}", s.withCORS(revokeHandler))
	mux.Handle("POST "+prefix+"/api/credentials/refresh", s.withCORS(refreshHandler))

	mux.Handle(gateway.ErrorPath, gateway.ErrorHandler())
	mux.HandleFunc("/", s.notFoundHandler)
}

// GetHandler returns the root handler: access logging, then the gateway,
// then the routes.
func (s *Server) GetHandler() http.Handler {
	mux := http.NewServeMux()
	gw := gateway.New(s.rules, mux, s.auditor, s.config.ExcludedPaths)
	s.handler = gw.Wrap(mux)
	s.SetupRoutes(mux)

	return handlers.LoggingHandler(os.Stdout, s.handler)
}

// withCORS wraps a handler with CORS headers
func (s *Server) withCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Pass-Token, X-Requested-With")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, X-Request-Id")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int((12 * time.Hour).Seconds())))

		// Handle preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	}
}

// withRateLimit wraps a handler with rate limiting
func (s *Server) withRateLimit(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil {
			clientIP := handlerutils.GetClientIP(r)
			if !s.rateLimiter.Allow(clientIP) {
				handlerutils.JSON(w, http.StatusTooManyRequests, types.OAuthError{
					Error:            "too_many_requests",
					ErrorDescription: "Rate limit exceeded",
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	handlerutils.JSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"database":           s.dbType,
		"pending_handshakes": s.handshakes.Len(),
	})
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	gateway.Forward(s.handler, w, r, http.StatusNotFound)
}
