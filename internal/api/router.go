// Package api wires together all HTTP routes for the identity service.
//
// Route grouping:
//   - /auth/login, /auth/forgot-password, /auth/reset-password,
//     /auth/invitation-info and /auth/accept-invitation are unauthenticated and
//     sit behind the credential rate limiter.
//   - /auth/select-tenant admits the short-lived pending token minted for users
//     with several organizations; every other /auth route needs a full session.
//   - /tenant routes act inside the caller's current tenant.
//   - /admin routes are superadmin only.
//
// Every authenticated request resolves its session from the store (user,
// tenant, membership) before any guard runs, so suspending a tenant or
// revoking a membership takes effect on the next request.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/clinicore/identity/internal/api/admin"
	"github.com/clinicore/identity/internal/audit"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/config"
	"github.com/clinicore/identity/internal/crypto"
	"github.com/clinicore/identity/internal/db"
	"github.com/clinicore/identity/internal/db/repositories"
	"github.com/clinicore/identity/internal/jobs"
	"github.com/clinicore/identity/internal/middleware"
	"github.com/clinicore/identity/internal/notify"
	"github.com/clinicore/identity/internal/safego"
	"github.com/clinicore/identity/internal/services"
)

// Version is reported by GET /version
var Version = "0.1.0"

// AdminAPI is the superadmin surface: tenants, users and memberships
type AdminAPI interface {
	admin.TenantAdminAPI
	admin.UserAdminAPI
	admin.MembershipAdminAPI
}

// Services groups the use cases the HTTP surface is built on
type Services struct {
	Sessions    middleware.SessionResolver
	Login       admin.LoginAPI
	Passwords   admin.PasswordAPI
	Invitations admin.InvitationAPI
	Admin       AdminAPI
	Audit       admin.AuditAPI
}

// Dependencies are the inputs of NewEngine
type Dependencies struct {
	// DB is pinged by /health and /ready
	DB *sql.DB
	// SchemaVersion reports the applied migration; nil skips the check
	SchemaVersion func() (uint, bool, error)
	Services      Services
	// CredentialLimiter throttles the unauthenticated credential endpoints;
	// nil disables rate limiting
	CredentialLimiter middleware.Limiter
	// SessionLimiter throttles authenticated routes per user; nil disables it
	SessionLimiter middleware.Limiter
	// Stats serves GET /admin/stats; nil leaves the route unregistered
	Stats *admin.StatsHandler
}

// BackgroundServices holds background jobs and resources that must be released
// during graceful shutdown. The caller (cmd/server) calls Shutdown after the
// HTTP server has drained.
type BackgroundServices struct {
	cancel   context.CancelFunc
	sweeper  *jobs.TokenSweeper
	shipper  audit.Shipper
	releases []func()
}

// Shutdown stops all background goroutines and closes audit shippers
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.sweeper != nil {
		bg.sweeper.Stop()
	}
	if bg.cancel != nil {
		bg.cancel()
	}
	for _, release := range bg.releases {
		release()
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter builds the services on top of database and returns the configured
// Gin engine. cfg.Auth.SigningSecret must already be resolved.
func NewRouter(cfg *config.Config, database *sqlx.DB) (*gin.Engine, *BackgroundServices, error) {
	bg := &BackgroundServices{}

	store := repositories.NewStore(database)
	svcStore := services.NewSQLStore(store)

	shipper, err := newShipper(cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
	}
	bg.shipper = shipper

	codec, err := auth.NewTokenCodec(cfg.Auth.SigningSecret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL(), cfg.Auth.PendingTokenTTL())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize token codec: %w", err)
	}
	cipher, err := crypto.DeriveSecretCipher(cfg.Auth.SigningSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize secret cipher: %w", err)
	}
	hasher := crypto.NewPasswordHasher(cfg.Auth.BcryptCost)
	policy := services.PolicyFromConfig(cfg.Auth)
	emitter := services.NewAuditEmitter(svcStore, shipper)

	var mailer notify.Mailer = notify.LogMailer{}
	if cfg.Notifications.Enabled {
		mailer = notify.NewSMTPMailer(cfg.Notifications.SMTP, store.Repos().Tenants, cipher, emitter.SMTPTampered)
		slog.Info("email delivery enabled", "smtp_host", cfg.Notifications.SMTP.Host)
	} else {
		slog.Info("email delivery disabled, intents are logged only")
	}

	adminSvc := services.NewAdminService(svcStore, hasher, cipher, emitter, mailer, cfg.Frontend.URL, policy)
	svcs := Services{
		Sessions:    services.NewSessionResolver(svcStore, codec),
		Login:       services.NewLoginService(svcStore, codec, hasher, emitter),
		Passwords:   services.NewPasswordService(svcStore, hasher, emitter, mailer, cfg.Frontend.URL, policy),
		Invitations: services.NewInvitationService(svcStore, hasher, emitter, mailer, cfg.Frontend.URL, policy),
		Admin:       adminSvc,
		Audit:       services.NewAuditReader(svcStore),
	}

	deps := Dependencies{
		DB:    database.DB,
		Stats: admin.NewStatsHandler(database),
		SchemaVersion: func() (uint, bool, error) {
			return db.GetMigrationVersion(database.DB)
		},
		Services: svcs,
	}
	if cfg.Security.RateLimiting.Enabled {
		limiter, stop, err := middleware.NewLimiterFromConfig(cfg.Security.RateLimiting)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
		}
		bg.releases = append(bg.releases, stop)
		deps.CredentialLimiter = limiter

		general := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
		bg.releases = append(bg.releases, general.Stop)
		deps.SessionLimiter = general
	}

	ctx, cancel := context.WithCancel(context.Background())
	bg.cancel = cancel
	repos := store.Repos()
	bg.sweeper = jobs.NewTokenSweeper(repos.Users, repos.Memberships, cfg.Jobs)
	safego.Go("token-sweeper", func() { bg.sweeper.Start(ctx) })

	if cfg.Bootstrap.SuperadminEmail != "" {
		created, err := adminSvc.BootstrapSuperadmin(ctx, cfg.Bootstrap.SuperadminEmail, cfg.Bootstrap.SuperadminPassword)
		if err != nil {
			bg.Shutdown()
			return nil, nil, fmt.Errorf("failed to bootstrap superadmin: %w", err)
		}
		if created {
			slog.Info("bootstrap superadmin created", "email", cfg.Bootstrap.SuperadminEmail)
		}
	}

	return NewEngine(cfg, deps), bg, nil
}

// newShipper returns nil when no shipper is enabled
func newShipper(cfg config.AuditConfig) (audit.Shipper, error) {
	ms, err := audit.NewMultiShipper(audit.ConfigsFrom(cfg))
	if err != nil {
		return nil, err
	}
	if ms.Len() == 0 {
		return nil, nil
	}
	slog.Info("audit shipping enabled", "shippers", ms.Len())
	return ms, nil
}

// NewEngine registers every route on a new Gin engine
func NewEngine(cfg *config.Config, deps Dependencies) *gin.Engine {
	router := gin.New()
	svcs := deps.Services

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS)))
	router.Use(middleware.RequestContextMiddleware())

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.SchemaVersion))
	router.GET("/version", versionHandler())

	credentials := limited(deps.CredentialLimiter, "auth")
	perUser := limited(deps.SessionLimiter, "session")
	session := middleware.SessionMiddleware(svcs.Sessions)

	authHandlers := admin.NewAuthHandlers(svcs.Login, svcs.Passwords)
	invitationHandlers := admin.NewInvitationHandlers(svcs.Invitations)
	tenantHandlers := admin.NewTenantHandlers(svcs.Admin)
	userHandlers := admin.NewUserHandlers(svcs.Admin)
	membershipHandlers := admin.NewMembershipHandlers(svcs.Admin)
	auditHandlers := admin.NewAuditHandlers(svcs.Audit)

	authGroup := router.Group("/auth")
	{
		public := authGroup.Group("", credentials...)
		{
			public.POST("/login", authHandlers.LoginHandler())
			public.POST("/forgot-password", authHandlers.ForgotPasswordHandler())
			public.POST("/reset-password", authHandlers.ResetPasswordHandler())
			public.POST("/accept-invitation", invitationHandlers.AcceptHandler())
		}
		authGroup.GET("/invitation-info/:token", invitationHandlers.InfoHandler())

		authGroup.POST("/select-tenant", middleware.PendingSessionMiddleware(svcs.Sessions), authHandlers.SelectTenantHandler())

		active := authGroup.Group("", session)
		active.Use(perUser...)
		active.Use(middleware.RequireAuthenticated())
		{
			active.POST("/switch-tenant", authHandlers.SwitchTenantHandler())
			active.POST("/refresh-token", authHandlers.RefreshHandler())
			active.GET("/my-tenants", authHandlers.MyTenantsHandler())
			active.GET("/me", authHandlers.MeHandler())
			active.POST("/logout", authHandlers.LogoutHandler())
			active.POST("/change-password", authHandlers.ChangePasswordHandler())
		}
	}

	tenantGroup := router.Group("/tenant", session)
	tenantGroup.Use(perUser...)
	{
		tenantGroup.GET("/members", middleware.RequireTenantMember(), membershipHandlers.ListMembersHandler())
		tenantGroup.POST("/invitations", middleware.RequireTenantAdmin(), invitationHandlers.InviteHandler())
		tenantGroup.GET("/audit-logs", middleware.RequireTenantAdmin(), auditHandlers.ListHandler(false))
	}

	adminGroup := router.Group("/admin", session)
	adminGroup.Use(perUser...)
	adminGroup.Use(middleware.RequireSuperadmin())
	{
		tenants := adminGroup.Group("/tenants")
		{
			tenants.GET("", tenantHandlers.ListTenantsHandler())
			tenants.POST("", tenantHandlers.CreateTenantHandler())
			tenants.GET("/:id", tenantHandlers.GetTenantHandler())
			tenants.PATCH("/:id", tenantHandlers.UpdateTenantHandler())
			tenants.DELETE("/:id", tenantHandlers.DeleteTenantHandler())
			tenants.POST("/:id/suspend", tenantHandlers.SetActiveHandler(false))
			tenants.POST("/:id/activate", tenantHandlers.SetActiveHandler(true))
			tenants.PUT("/:id/smtp", tenantHandlers.SetSMTPHandler())
			tenants.POST("/:id/smtp/test", tenantHandlers.TestSMTPHandler())
		}

		users := adminGroup.Group("/users")
		{
			users.GET("", userHandlers.ListUsersHandler())
			users.POST("", userHandlers.CreateUserHandler())
			users.GET("/:id", userHandlers.GetUserHandler())
			users.PATCH("/:id", userHandlers.UpdateUserHandler())
			users.DELETE("/:id", userHandlers.DeleteUserHandler())
			users.POST("/:id/activate", userHandlers.SetActiveHandler(true))
			users.POST("/:id/deactivate", userHandlers.SetActiveHandler(false))
			users.GET("/:id/memberships", membershipHandlers.ListUserMembershipsHandler())
		}

		memberships := adminGroup.Group("/memberships")
		{
			memberships.GET("", membershipHandlers.ListMembersHandler())
			memberships.POST("", membershipHandlers.AssignHandler())
			memberships.PATCH("/:id", membershipHandlers.UpdateRoleHandler())
			memberships.POST("/:id/default", membershipHandlers.SetDefaultHandler())
			memberships.DELETE("/:id", membershipHandlers.DeactivateHandler())
		}

		adminGroup.GET("/audit-logs", auditHandlers.ListHandler(true))
		adminGroup.GET("/audit-logs/failed-logins", auditHandlers.FailedLoginsHandler)
		if deps.Stats != nil {
			adminGroup.GET("/stats", deps.Stats.GetDashboardStats)
		}
	}

	return router
}

// limited returns the rate limit middleware for limiter, or nothing
func limited(limiter middleware.Limiter, scope string) []gin.HandlerFunc {
	if limiter == nil {
		return nil
	}
	return []gin.HandlerFunc{middleware.RateLimitMiddleware(limiter, scope)}
}

// healthCheckHandler reports liveness, including database connectivity
// GET /health
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler reports whether the service can take traffic. Unlike
// /health it also refuses while the schema is missing or left dirty by a
// failed migration.
// GET /ready
func readinessHandler(db *sql.DB, schemaVersion func() (uint, bool, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if schemaVersion != nil {
			version, dirty, err := schemaVersion()
			if err != nil || dirty || version == 0 {
				checks["schema"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "schema not ready",
				})
				return
			}
			checks["schema"] = version
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
// GET /version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured access logging. Query strings are not
// logged because invitation and reset links carry tokens there.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		logRequest(c, time.Since(start), path)
	}
}

// logRequest emits one slog record per request. The format (json / text)
// follows the handler installed by telemetry.SetupLogger.
func logRequest(c *gin.Context, latency time.Duration, path string) {
	requestID, _ := c.Get(middleware.RequestIDKey)
	level := slog.LevelInfo
	if c.Writer.Status() >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(
		c.Request.Context(),
		level,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", fmt.Sprintf("%v", requestID)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		wildcard := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" {
				allowed, wildcard = true, true
				break
			}
			if allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" || wildcard {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
