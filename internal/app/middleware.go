package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/unrolled/secure"

	"github.com/odyssey-erp/grouporder/internal/observability"
	"github.com/odyssey-erp/grouporder/internal/platform/httpx"
	"github.com/odyssey-erp/grouporder/internal/shared"
)

// MemberHeader carries the member id asserted by the upstream identity provider.
const MemberHeader = "X-Member-ID"

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack installs the grouporder middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}
	perMinute := 120
	if cfg.Config != nil && cfg.Config.RateLimitPerMinute > 0 {
		perMinute = cfg.Config.RateLimitPerMinute
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(perMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, cfg.Metrics.Middleware)
	}
	return middlewares
}

// RequireMember resolves the member id header into the request context.
// Requests without a valid id are rejected with 401.
func RequireMember(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(MemberHeader)
			if raw == "" {
				httpx.RespondError(w, shared.ErrMissingMember, memberErrorMappings...)
				return
			}
			member, err := uuid.Parse(raw)
			if err != nil || member == uuid.Nil {
				logger.Warn("rejected member header", slog.String("path", r.URL.Path))
				httpx.RespondError(w, shared.ErrInvalidMember, memberErrorMappings...)
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithMember(r.Context(), member)))
		})
	}
}

var memberErrorMappings = []httpx.ErrorMapping{
	{Target: shared.ErrMissingMember, Status: http.StatusUnauthorized, Title: "Unauthorized"},
	{Target: shared.ErrInvalidMember, Status: http.StatusUnauthorized, Title: "Unauthorized"},
}
