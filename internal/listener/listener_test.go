package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openacd/agentcore/internal/apierr"
	"github.com/openacd/agentcore/internal/cache"
	"github.com/openacd/agentcore/internal/clusterbus"
	"github.com/openacd/agentcore/internal/config"
	"github.com/openacd/agentcore/internal/models"
	"github.com/openacd/agentcore/internal/registry"
)

type fakeVerifier struct {
	agents map[string]models.Agent
}

func (f fakeVerifier) Verify(ctx context.Context, login, password string) (models.Agent, error) {
	agent, ok := f.agents[login]
	if !ok || password != "correct-horse" {
		return models.Agent{}, apierr.Forbidden("invalid credentials")
	}
	return agent, nil
}

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	c, err := cache.New(cache.Config{Enabled: false})
	require.NoError(t, err)
	bus, err := clusterbus.Connect("", "test-node")
	require.NoError(t, err)

	reg := registry.New("test-node", c, bus, time.Minute)
	go reg.Run()
	t.Cleanup(reg.Stop)

	cfg := config.Default()
	cfg.JWTSecret = "test-secret-test-secret-test-secret"
	cfg.RingTimeout = 50 * time.Millisecond
	cfg.MediaCallTimeout = time.Second
	cfg.EventFlushWindow = 20 * time.Millisecond
	cfg.PollLivenessTimeout = time.Second
	cfg.KeepAliveTick = 10 * time.Millisecond

	verifier := fakeVerifier{agents: map[string]models.Agent{
		"alice": {Login: "alice", Profile: "sales", SecurityLevel: models.SecurityAgent},
		"carol": {Login: "carol", Profile: "support", SecurityLevel: models.SecuritySupervisor},
	}}

	return newWithVerifier(cfg, reg, verifier)
}

func doJSON(t *testing.T, engine http.Handler, method, path string, body any, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

// doAPI posts an apiRequest the way a real client does: JSON-encoded into
// the "request" form field (spec.md §6's wire protocol), not a raw JSON
// body.
func doAPI(t *testing.T, engine http.Handler, req apiRequest, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(req)
	require.NoError(t, err)
	form := url.Values{"request": {string(encoded)}}
	httpReq := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(form.Encode()))
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		httpReq.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httpReq)
	return rec
}

func login(t *testing.T, l *Listener, login, password string) []*http.Cookie {
	t.Helper()
	rec := doJSON(t, l.Engine(), http.MethodPost, "/login", loginRequest{Login: login, Password: password}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success)
	return rec.Result().Cookies()
}

func TestDuplicateLoginIsRejectedAndLeavesExistingSessionUntouched(t *testing.T) {
	l := newTestListener(t)
	first := login(t, l, "alice", "correct-horse")

	rec := doJSON(t, l.Engine(), http.MethodPost, "/login", loginRequest{Login: "alice", Password: "correct-horse"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
	assert.Equal(t, apierr.CodeAlreadyLoggedIn, env.ErrCode)
	assert.Empty(t, rec.Result().Cookies())

	// The original session is still reachable through its own cookie.
	rec = doAPI(t, l.Engine(), apiRequest{Function: "dump_state"}, first)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)
}

func TestHealthIsUnauthenticated(t *testing.T) {
	l := newTestListener(t)
	rec := doJSON(t, l.Engine(), http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	l := newTestListener(t)
	rec := doJSON(t, l.Engine(), http.MethodPost, "/login", loginRequest{Login: "alice", Password: "wrong"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
	assert.Equal(t, apierr.CodeForbidden, env.ErrCode)
}

func TestAPIRequiresSessionCookie(t *testing.T) {
	l := newTestListener(t)
	rec := doAPI(t, l.Engine(), apiRequest{Function: "dump_state"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
	assert.Equal(t, apierr.CodeForbidden, env.ErrCode)
}

func TestLoginThenDumpStateRoundTrip(t *testing.T) {
	l := newTestListener(t)
	cookies := login(t, l, "alice", "correct-horse")

	rec := doAPI(t, l.Engine(), apiRequest{Function: "dump_state"}, cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success)
}

func TestChangeProfileThenPollDeliversAprofile(t *testing.T) {
	l := newTestListener(t)
	cookies := login(t, l, "alice", "correct-horse")

	rec := doAPI(t, l.Engine(), apiRequest{
		Function: "change_profile",
		Args:     []any{"billing"},
	}, cookies)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, l.Engine(), http.MethodPost, "/poll", nil, cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success)

	events, ok := env.Result.([]any)
	require.True(t, ok)
	require.NotEmpty(t, events)
	first, ok := events[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(models.EventAgentProfile), first["command"])
}

func TestSupervisorRouteRejectsNonSupervisor(t *testing.T) {
	l := newTestListener(t)
	cookies := login(t, l, "alice", "correct-horse")

	rec := doJSON(t, l.Engine(), http.MethodGet, "/supervisor/agents", nil, cookies)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSupervisorCanListAgents(t *testing.T) {
	l := newTestListener(t)
	cookies := login(t, l, "carol", "correct-horse")

	rec := doJSON(t, l.Engine(), http.MethodGet, "/supervisor/agents", nil, cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success)
}

func TestLogoutClearsSessionCookie(t *testing.T) {
	l := newTestListener(t)
	cookies := login(t, l, "alice", "correct-horse")

	rec := doJSON(t, l.Engine(), http.MethodPost, "/logout", nil, cookies)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doAPI(t, l.Engine(), apiRequest{Function: "dump_state"}, cookies)
	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
}
