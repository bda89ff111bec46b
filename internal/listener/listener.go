package listener

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openacd/agentcore/internal/authstore"
	"github.com/openacd/agentcore/internal/config"
	"github.com/openacd/agentcore/internal/gateway"
	"github.com/openacd/agentcore/internal/logger"
	"github.com/openacd/agentcore/internal/registry"
	"github.com/openacd/agentcore/internal/session"
)

// Listener is the HTTP front door: it authenticates a request and
// resolves its cpx_id cookie to a (Session, Gateway) binding. The bindings
// live in a node-local login→binding map (sessions), so a listener serves
// only logins whose session was started on its own node; a request for a
// login owned by another node is not forwarded.
type Listener struct {
	engine *gin.Engine

	cfg      config.Config
	registry *registry.Registry
	verifier Verifier
	cookies  *CookieIssuer
	sessions *sessionManager

	sessCfg session.Config
	gwCfg   gateway.Config
}

// New builds the listener's gin engine and registers 's
// routes. Grounded on cmd/main.go router assembly: gin.New()
// plus an explicit middleware chain, rather than gin.Default()'s opaque
// defaults.
func New(cfg config.Config, reg *registry.Registry, store *authstore.Store) *Listener {
	return newWithVerifier(cfg, reg, NewPasswordVerifier(store))
}

// newWithVerifier builds a Listener against an arbitrary Verifier,
// letting tests substitute a fake directory without a real Postgres
// connection.
func newWithVerifier(cfg config.Config, reg *registry.Registry, verifier Verifier) *Listener {
	l := &Listener{
		cfg:      cfg,
		registry: reg,
		verifier: verifier,
		cookies:  NewCookieIssuer(cfg.JWTSecret, 12*time.Hour),
		sessions: newSessionManager(),
		sessCfg: session.Config{
			RingTimeout:  cfg.RingTimeout,
			MediaTimeout: cfg.MediaCallTimeout,
		},
		gwCfg: gateway.Config{
			FlushWindow:         cfg.EventFlushWindow,
			PollLivenessTimeout: cfg.PollLivenessTimeout,
			KeepAliveTick:       cfg.KeepAliveTick,
		},
	}

	engine := gin.New()
	engine.Use(requestID())
	engine.Use(recovery())
	engine.Use(requestLogger())
	engine.Use(securityHeaders())
	engine.Use(newRateLimiter(20, 40).middleware())

	engine.GET("/health", l.handleHealth)
	engine.POST("/login", l.handleLogin)
	engine.POST("/logout", l.requireSession, l.handleLogout)
	engine.POST("/api", l.requireSession, l.handleAPI)
	engine.POST("/poll", l.requireSession, l.handlePoll)

	supervisor := engine.Group("/supervisor", l.requireSession, l.requireSupervisor)
	supervisor.GET("/agents", l.handleListAgents)
	supervisor.POST("/blab", l.handleBlab)

	l.engine = engine
	return l
}

// Engine exposes the underlying gin.Engine, primarily for tests that drive
// requests through httptest without a real listener socket.
func (l *Listener) Engine() *gin.Engine { return l.engine }

// Run starts serving on cfg.HTTPPort. Blocks until the listener fails or
// the process is terminated; callers typically run this in its own
// goroutine and select on a shutdown signal alongside it.
func (l *Listener) Run() error {
	log := logger.Listener()
	log.Info().Str("port", l.cfg.HTTPPort).Msg("listener starting")
	return l.engine.Run(":" + l.cfg.HTTPPort)
}

// registryTargets adapts *registry.Registry to session.TargetRegistry: the
// registry only promises its own narrow Handle interface, so resolving an
// agent_transfer/spy target requires asserting the concrete handle also
// satisfies session.TargetHandle — true for every handle this core ever
// constructs, since makeHandle always builds a *session.Session.
type registryTargets struct {
	reg *registry.Registry
}

func (rt registryTargets) Lookup(login string) (session.TargetHandle, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := rt.reg.Query(ctx, login)
	if err != nil || h == nil {
		return nil, false
	}
	th, ok := h.(session.TargetHandle)
	return th, ok
}
