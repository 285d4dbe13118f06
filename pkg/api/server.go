// Package api contains the REST API for the gateway.
package api

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/pbmcp/pbmcp/pkg/api/v1"
	"github.com/pbmcp/pbmcp/pkg/auth"
	"github.com/pbmcp/pbmcp/pkg/auth/handshake"
	"github.com/pbmcp/pbmcp/pkg/config"
	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/health"
	"github.com/pbmcp/pbmcp/pkg/logger"
	"github.com/pbmcp/pbmcp/pkg/orchestrator"
	"github.com/pbmcp/pbmcp/pkg/ratelimit"
	"github.com/pbmcp/pbmcp/pkg/registry"
	"github.com/pbmcp/pbmcp/pkg/router"
	"github.com/pbmcp/pbmcp/pkg/sandbox"
	"github.com/pbmcp/pbmcp/pkg/transport/factory"
)

// Not sure if these values need to be configurable.
const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownDrain     = 10 * time.Second
)

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware echoes Access-Control-Allow-Origin only for configured
// origins and answers preflight requests.
func corsMiddleware(corsOrigins []string) func(http.Handler) http.Handler {
	allowed := func(origin string) bool {
		for _, o := range corsOrigins {
			if o == origin || o == "*" {
				return true
			}
		}
		return false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && allowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// timeoutMiddleware bounds every handler. The response is buffered so an
// expired deadline can surface the MIDDLEWARE_TIMEOUT envelope instead of a
// half-written body.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// SSE streams flush incrementally and cannot be buffered.
			if strings.HasSuffix(r.URL.Path, "/stream") {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			buf := &bufferedResponse{header: make(http.Header), status: http.StatusOK}
			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(buf, r.WithContext(ctx))
			}()

			select {
			case <-done:
				buf.copyTo(w)
			case <-ctx.Done():
				if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
					writeTimeout(w)
					return
				}
				<-done
				buf.copyTo(w)
			}
		})
	}
}

type bufferedResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) copyTo(w http.ResponseWriter) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	if _, err := w.Write(b.body.Bytes()); err != nil {
		logger.Debugf("Writing buffered response: %v", err)
	}
}

func writeTimeout(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusGatewayTimeout)
	envelope := errors.ToEnvelope(errors.New(errors.CodeMiddlewareTimeout, "request timed out in middleware"))
	v1.WriteEnvelope(w, envelope)
}

// authMiddleware admits /api callers and checks the permission the route
// requires. The proxy surface carries its own session scheme and is skipped.
func authMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}

			identity, err := authenticator.Authenticate(r)
			if err != nil {
				writeMiddlewareError(w, err)
				return
			}
			required := auth.RequiredPermission(r.Method, r.URL.Path)
			if !auth.HasPermission(identity.Permissions, required) {
				writeMiddlewareError(w, errors.Newf(errors.CodeForbidden, "missing %q permission", required))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeMiddlewareError(w http.ResponseWriter, err error) {
	envelope := errors.ToEnvelope(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errors.HTTPStatus(envelope.Error.Code))
	v1.WriteEnvelope(w, envelope)
}

// Serve assembles the gateway and runs it on cfg.Host:cfg.Port until ctx is
// cancelled. It is assumed that the caller sets up appropriate signal
// handling.
func Serve(ctx context.Context, cfg *config.Config) error {
	mode, err := auth.ParseMode(cfg.AuthMode)
	if err != nil {
		return err
	}

	tokens := auth.NewTokenStore()
	keys := auth.NewKeyStore()
	authenticator := auth.NewAuthenticator(mode, tokens, keys)
	sessions := handshake.NewManager()

	checker := health.NewChecker()
	monitor := health.NewMonitor(checker)
	templates := registry.NewTemplateStore(config.TemplatesDir())
	if err := templates.Load(); err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	manager := registry.NewManager(templates, factory.New, checker, cfg.Sandbox.AllowedVolumeRoots)

	promReg := prometheus.NewRegistry()
	rt := router.New(router.StrategyPerformance, promReg)
	executor := v1.NewExecutor(manager, rt)
	installer := sandbox.NewInstaller("")
	pipeline := orchestrator.New(templates, factory.New, cfg.Sandbox.AllowedVolumeRoots)

	var store ratelimit.Store
	if cfg.RateLimit.RedisURL != "" {
		store, err = ratelimit.NewRedisStoreFromURL(cfg.RateLimit.RedisURL, "")
		if err != nil {
			return fmt.Errorf("connecting rate limit store: %w", err)
		}
	} else {
		store = ratelimit.NewLocalStore()
	}
	limiter := ratelimit.NewLimiter(store, cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMs)*time.Millisecond)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		timeoutMiddleware(middlewareTimeout),
		headersMiddleware,
		corsMiddleware(cfg.CorsOrigins),
		authMiddleware(authenticator),
		limiter.Middleware,
	)

	routers := map[string]http.Handler{
		"/health":        healthRouter(),
		"/api/services":  v1.ServiceRouter(manager, checker, rt, cfg.Sandbox),
		"/api/templates": v1.TemplateRouter(templates),
		"/api/tools":     v1.ToolRouter(executor),
		"/api/auth":      v1.AuthRouter(keys, tokens),
		"/api/sandbox":   v1.SandboxRouter(installer, cfg.CorsOrigins),
		"/api/pipeline":  v1.PipelineRouter(pipeline),
		"/":              v1.ProxyRouter(sessions, executor),
	}
	for prefix, sub := range routers {
		r.Mount(prefix, sub)
	}
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	monitor.Start(ctx)
	defer monitor.Stop()

	address := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	logger.Infof("Starting gateway on %s (auth mode %s)", address, mode)

	go func() {
		if err := srv.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Panicf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownDrain)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		manager.Shutdown(drainCtx)
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	manager.Shutdown(drainCtx)

	logger.Infof("Gateway stopped")
	return nil
}

func healthRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			logger.Debugf("Writing health response: %v", err)
		}
	})
	return r
}
