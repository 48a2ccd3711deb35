package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/lkarlslund/agentrelay/pkg/agent"
	"github.com/lkarlslund/agentrelay/pkg/auth"
	"github.com/lkarlslund/agentrelay/pkg/config"
	"github.com/lkarlslund/agentrelay/pkg/logutil"
	"github.com/lkarlslund/agentrelay/pkg/metrics"
	"github.com/lkarlslund/agentrelay/pkg/session"
)

const (
	corsAllowHeaders = "authorization, x-client-info, apikey, content-type"
	corsAllowMethods = "GET,POST,OPTIONS"
	drainTimeout     = 30 * time.Second
)

// TokenProvider hands out bearer tokens for the agent platform.
type TokenProvider interface {
	Token(ctx context.Context) (auth.Credential, error)
	Refresh(ctx context.Context) (auth.Credential, error)
}

type Server struct {
	cfg            config.ServerConfig
	tokens         TokenProvider
	agent          *agent.Client
	sessions       *session.Registry
	metrics        *metrics.Collector
	handler        http.Handler
	httpServer     *http.Server
	activeRequests atomic.Int64
	draining       atomic.Bool
}

type Option func(*serverOptions)

type serverOptions struct {
	credentials func() (string, string)
	tokens      TokenProvider
}

// WithCredentials replaces the environment as the source of the OAuth2
// client id and secret.
func WithCredentials(fn func() (string, string)) Option {
	return func(o *serverOptions) { o.credentials = fn }
}

// WithTokenProvider replaces the client-credentials token source.
func WithTokenProvider(tp TokenProvider) Option {
	return func(o *serverOptions) { o.tokens = tp }
}

// NewServer wires the relay from cfg. cfg is normalized and validated.
func NewServer(cfg *config.ServerConfig, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("nil server config")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := serverOptions{credentials: config.ClientCredentials}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	s := &Server{cfg: *cfg}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.NewCollector(nil)
	}
	s.tokens = o.tokens
	if s.tokens == nil {
		issuer := auth.NewClientCredentialsIssuer(cfg.Upstream.TokenURL(), o.credentials, cfg.Upstream.Timeout())
		s.tokens = auth.NewTokenSource(issuer,
			auth.WithTTL(cfg.Upstream.TokenTTL()),
			auth.WithIssueHook(s.metrics.TokenIssued),
		)
	}
	s.agent = agent.NewClient(agent.Config{
		Domain:           cfg.Upstream.Domain,
		APIHost:          cfg.Upstream.APIHost,
		AgentID:          cfg.Upstream.AgentID,
		SessionKeyPrefix: cfg.Upstream.SessionKeyPrefix,
		BypassUser:       cfg.Upstream.BypassUser,
		Timeout:          cfg.Upstream.Timeout(),
	})
	s.sessions = session.NewRegistry(cfg.Upstream.FirstSequenceID)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLifecycleMiddleware)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  logutil.StandardLogger(log.DebugLevel),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Metrics.Path, s.metrics.Handler())
	}
	r.Post(cfg.EndpointPath, s.handleEndpoint)
	r.Get(cfg.EndpointPath+"/ws", s.handleWebsocket)
	s.handler = r

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler without a listener, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Sessions exposes the session registry.
func (s *Server) Sessions() *session.Registry {
	return s.sessions
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go s.sessions.Run(ctx, s.cfg.Upstream.SessionIdle(), s.metrics.SessionsEvicted)

	if s.cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}
		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening", "addr", httpChallenge.Addr)
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			log.Info("https listening", "addr", httpsSrv.Addr, "domain", s.cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		err := s.waitForShutdown(ctx, errCh)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return err
	}

	go func() {
		log.Info("agent relay listening", "addr", s.cfg.ListenAddr, "endpoint", s.cfg.EndpointPath)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay server: %w", err)
		}
	}()

	err := s.waitForShutdown(ctx, errCh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return err
}

// waitForShutdown blocks until ctx ends or a listener fails, then stops
// accepting relay requests and waits for the running ones.
func (s *Server) waitForShutdown(ctx context.Context, errCh <-chan error) error {
	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	s.draining.Store(true)
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	s.waitForIdle(drainCtx)
	return err
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) isRelayPath(p string) bool {
	return p == s.cfg.EndpointPath || strings.HasPrefix(p, s.cfg.EndpointPath+"/")
}

func (s *Server) requestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isRelayReq := s.isRelayPath(r.URL.Path) && r.Method != http.MethodOptions
		if isRelayReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		if isRelayReq {
			s.activeRequests.Add(1)
			defer s.activeRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeRequests.Load()
		if active <= 0 {
			log.Info("shutdown: relay idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active relay requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			log.Warn("shutdown: giving up on active relay requests", "active", active)
			return
		case <-t.C:
		}
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			if origin != "*" {
				h.Add("Vary", "Origin")
			}
		}
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOrigin returns the value for Access-Control-Allow-Origin, or "" when
// the origin is not allowed.
func (s *Server) allowedOrigin(origin string) string {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	for _, o := range s.cfg.CORS.AllowedOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
