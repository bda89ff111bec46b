package listener

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openacd/agentcore/internal/apierr"
	"github.com/openacd/agentcore/internal/gateway"
	"github.com/openacd/agentcore/internal/models"
	"github.com/openacd/agentcore/internal/registry"
	"github.com/openacd/agentcore/internal/session"
)

const cookieName = "cpx_id"

// stepUpSecret is the hook session.Spy consults for a login's TOTP secret.
// No secret store is wired in yet, so every login is treated as not
// configured for step-up — spy still works, just without the extra TOTP
// check. Wiring a real secret store is future work, not yet named by any
// SPEC_FULL.md component.
func stepUpSecret(login string) (string, bool) { return "", false }

func (l *Listener) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// handleLogin implements login: verify credentials, start the agent's
// session through the registry, bind it locally, and issue the cpx_id
// cookie. A login that is already live is rejected, not rejoined.
func (l *Listener) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, apierr.FromError(apierr.BadRequest("malformed login request")))
		return
	}

	agent, err := l.verifier.Verify(c.Request.Context(), req.Login, req.Password)
	if err != nil {
		c.JSON(http.StatusOK, apierr.FromError(apierr.Forbidden("invalid credentials")))
		return
	}

	if err := l.startOrJoin(c.Request.Context(), agent); err != nil {
		c.JSON(http.StatusOK, apierr.FromError(err))
		return
	}

	token, err := l.cookies.Issue(agent.Login)
	if err != nil {
		c.JSON(http.StatusOK, apierr.FromError(apierr.New(apierr.CodeInternalServer, "failed to issue session cookie")))
		return
	}
	c.SetCookie(cookieName, token, 0, "/", "", true, true)
	c.JSON(http.StatusOK, apierr.OK(gin.H{"login": agent.Login}))
}

// startOrJoin starts a fresh session for agent and binds it locally. A
// login the registry already reports live, on this node or another, is
// rejected with ALREADY_LOGGED_IN.
func (l *Listener) startOrJoin(ctx context.Context, agent models.Agent) *apierr.Error {
	var gw *gateway.Gateway
	makeHandle := func() (registry.Handle, error) {
		var sess *session.Session
		// Runs on the gateway's own goroutine, so the flag needs no lock.
		missed := false
		gw = gateway.New(agent.Login, l.gwCfg, func() {
			if missed || sess == nil {
				return
			}
			missed = true
			sess.Terminate("missed_poll")
			gw.Stop()
			l.registry.Remove(agent.Login)
		})
		sess = session.New(agent, agent.Endpoint, l.sessCfg, registryTargets{l.registry}, gw)
		go gw.Run()
		go sess.Run()
		return sess, nil
	}

	outcome, handle, err := l.registry.StartAgent(ctx, agent.Login, makeHandle)
	if err != nil {
		return apierr.Unknown(err)
	}

	if outcome == registry.Fresh {
		sess, ok := handle.(*session.Session)
		if !ok {
			return apierr.New(apierr.CodeInternalServer, "registry returned an unexpected handle type")
		}
		dispatcher := gateway.NewDispatcher(sess, registryTargets{l.registry}.Lookup, stepUpSecret)
		l.sessions.register(agent.Login, &binding{session: sess, gateway: gw, dispatcher: dispatcher})
		return nil
	}

	// Existing: the registry already holds a live claim for this login.
	// Whether that claim resolves to a binding on this node or another,
	// the duplicate login attempt aborts untouched per spec.md §4.2/§8
	// scenario 6 — it never silently rebinds or reissues a cookie.
	return apierr.AlreadyLoggedIn(agent.Login)
}

// requireSession resolves the cpx_id cookie to a local binding, the gate
// every authenticated route in sits behind.
func (l *Listener) requireSession(c *gin.Context) {
	raw, err := c.Cookie(cookieName)
	if err != nil || raw == "" {
		c.JSON(http.StatusOK, apierr.FromError(apierr.Forbidden("missing session cookie")))
		c.Abort()
		return
	}
	login, err := l.cookies.Parse(raw)
	if err != nil {
		c.JSON(http.StatusOK, apierr.FromError(apierr.Forbidden("invalid session cookie")))
		c.Abort()
		return
	}
	b, ok := l.sessions.get(login)
	if !ok {
		c.JSON(http.StatusOK, apierr.FromError(apierr.AgentNoExists(login)))
		c.Abort()
		return
	}
	c.Set("login", login)
	c.Set("binding", b)
	c.Next()
}

// requireSupervisor additionally gates a route on the bound session
// carrying supervisor or admin privilege.
func (l *Listener) requireSupervisor(c *gin.Context) {
	b := c.MustGet("binding").(*binding)
	level := b.session.SecurityLevel()
	if level != models.SecuritySupervisor && level != models.SecurityAdmin {
		c.JSON(http.StatusForbidden, apierr.FromError(apierr.Forbidden("supervisor privilege required")))
		c.Abort()
	}
}

type apiRequest struct {
	Function string `json:"function"`
	Args     []any  `json:"args"`
}

// handleAPI implements POST /api: the JSON request described in §4.3
// travels in the "request" form field, not the raw body, so a single
// endpoint serves both a plain HTML form post and a JS client's
// x-www-form-urlencoded POST without content-type negotiation.
func (l *Listener) handleAPI(c *gin.Context) {
	raw := c.PostForm("request")
	if raw == "" {
		c.JSON(http.StatusOK, apierr.FromError(apierr.BadRequest("missing request field")))
		return
	}
	var req apiRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		c.JSON(http.StatusOK, apierr.FromError(apierr.BadRequest("malformed api request")))
		return
	}
	b := c.MustGet("binding").(*binding)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	result, apiErr := b.dispatcher.Call(ctx, req.Function, req.Args)
	if apiErr != nil {
		c.JSON(http.StatusOK, apierr.FromError(apiErr))
		return
	}
	c.JSON(http.StatusOK, apierr.OK(result))
}

// handlePoll implements long-poll endpoint.
func (l *Listener) handlePoll(c *gin.Context) {
	b := c.MustGet("binding").(*binding)
	outcome := b.gateway.Poll()
	if outcome.Err != nil {
		c.JSON(http.StatusOK, apierr.FromError(outcome.Err))
		return
	}
	c.JSON(http.StatusOK, apierr.OK(outcome.Events))
}

// handleLogout implements an explicit client-initiated logout, releasing
// the session's call (if any) and tearing the binding down immediately
// rather than waiting on poll liveness.
func (l *Listener) handleLogout(c *gin.Context) {
	login := c.GetString("login")
	b := c.MustGet("binding").(*binding)
	b.session.Logout()
	b.gateway.Stop()
	l.sessions.remove(login)
	l.registry.Remove(login)
	c.SetCookie(cookieName, "", -1, "/", "", true, true)
	c.JSON(http.StatusOK, apierr.OK(nil))
}

func (l *Listener) handleListAgents(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	listings, err := l.registry.List(ctx)
	if err != nil {
		c.JSON(http.StatusOK, apierr.FromError(apierr.Unknown(err)))
		return
	}
	c.JSON(http.StatusOK, apierr.OK(listings))
}

type blabRequest struct {
	Target  string `json:"target"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

var blabTargetKinds = map[string]registry.TargetKind{
	"all":     registry.TargetAll,
	"agent":   registry.TargetAgent,
	"profile": registry.TargetProfile,
	"node":    registry.TargetNode,
}

// handleBlab implements supervisor-broadcast surface over
// HTTP.
func (l *Listener) handleBlab(c *gin.Context) {
	var req blabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, apierr.FromError(apierr.BadRequest("malformed blab request")))
		return
	}
	kind, ok := blabTargetKinds[req.Target]
	if !ok {
		c.JSON(http.StatusOK, apierr.FromError(apierr.BadRequest("unknown blab target kind")))
		return
	}
	l.registry.Blab(registry.Target{Kind: kind, Value: req.Value}, req.Message)
	c.JSON(http.StatusOK, apierr.OK(nil))
}
