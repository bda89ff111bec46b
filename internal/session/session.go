// Package session implements the Agent Session: the authoritative state
// machine for a single logged-in agent . Structurally this
// is one-goroutine-per-actor pattern again (grounded on
// internal/websocket/agent_hub.go's single select loop owning all mutable
// state), narrowed from a shared hub of many connections to one actor per
// login, the way requires ("all inputs are serialized; it is
// the only mutator of the agent's observable state").
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/openacd/agentcore/internal/apierr"
	"github.com/openacd/agentcore/internal/logger"
	"github.com/openacd/agentcore/internal/models"
	"github.com/rs/zerolog"
)

// EventSink receives events an Agent Session emits (astate, aprofile,
// mediaevent...). The Web Gateway implements this; session never imports
// the gateway package, avoiding the same import cycle registry avoids with
// its Handle interface.
type EventSink interface {
	Push(ev models.Event)
}

// TargetRegistry is the subset of the Agent Registry a session needs to
// resolve agent_transfer/spy targets, kept as a narrow interface so this
// package doesn't import internal/registry directly (registry already
// depends on a Handle shape sessions satisfy; the dependency only needs to
// run one way).
type TargetRegistry interface {
	Lookup(login string) (TargetHandle, bool)
}

// TargetHandle is everything a session needs to drive another session as
// an agent_transfer/spy target.
type TargetHandle interface {
	Login() string
	CurrentState() models.State
	SecurityLevel() models.SecurityLevel
	Ring(ctx context.Context, call *models.Call) *apierr.Error
	AttachSpy(ctx context.Context, supervisor EventSink) *apierr.Error
}

// Config bounds the session's collaborator round trips and ring timer, all
// drawn from normative defaults.
type Config struct {
	RingTimeout  time.Duration
	MediaTimeout time.Duration

	// Outbound is the factory init_outbound asks to create a new call. A
	// deployment that hasn't wired an outbound media driver leaves this
	// nil; init_outbound then fails every request with MEDIA_NOEXISTS
	// rather than panicking on a nil call.
	Outbound models.OutboundFactory
}

// Session is the per-agent actor. All fields below the channels are owned
// exclusively by the goroutine running Run(); every external access goes
// through cmdCh.
type Session struct {
	login    string
	cfg      Config
	registry TargetRegistry
	sink     EventSink
	log      zerolog.Logger

	agent    models.Agent
	state    models.State
	endpoint string

	queuedRelease *models.ReleaseReason
	spying        *spySession

	ringTimer *time.Timer

	cmdCh  chan command
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Session in its initial idle state. Call Run in its own
// goroutine before issuing any operation.
func New(agent models.Agent, endpoint string, cfg Config, reg TargetRegistry, sink EventSink) *Session {
	return &Session{
		login:    agent.Login,
		cfg:      cfg,
		registry: reg,
		sink:     sink,
		log:      logger.Session(agent.Login),
		agent:    agent,
		state:    models.Idle(),
		endpoint: endpoint,
		cmdCh:    make(chan command, 32),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run is the session's single serialization point. Every operation in this
// package funnels through cmdCh so state mutation is never concurrent,
// satisfying "all inputs are serialized" requirement.
func (s *Session) Run() {
	defer close(s.doneCh)
	s.log.Info().Msg("session started")
	for {
		select {
		case cmd := <-s.cmdCh:
			cmd.exec(s)
		case <-s.stopCh:
			s.log.Info().Msg("session stopped")
			return
		}
	}
}

// Done reports when the session's goroutine has exited, for callers that
// need to wait out a teardown (listener cookie invalidation, registry
// removal).
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// --- registry.Handle / session.TargetHandle surface ---

// Login returns the owning agent's login.
func (s *Session) Login() string { return s.login }

// Profile returns the agent's current profile, read via the command
// channel so it reflects an in-flight change_profile.
func (s *Session) Profile() string {
	reply := make(chan string, 1)
	s.cmdCh <- funcCommand{fn: func(sess *Session) { reply <- sess.agent.Profile }}
	return <-reply
}

// Skills returns the agent's skill set.
func (s *Session) Skills() []models.Skill {
	reply := make(chan []models.Skill, 1)
	s.cmdCh <- funcCommand{fn: func(sess *Session) { reply <- sess.agent.Skills }}
	return <-reply
}

// SecurityLevel returns the agent's privilege level.
func (s *Session) SecurityLevel() models.SecurityLevel {
	reply := make(chan models.SecurityLevel, 1)
	s.cmdCh <- funcCommand{fn: func(sess *Session) { reply <- sess.agent.SecurityLevel }}
	return <-reply
}

// CurrentState returns a snapshot of the session's state. External readers
// only ever see a copy, never a handle into the session's memory, per
// "agent state is owned exclusively by its Agent Session".
func (s *Session) CurrentState() models.State {
	reply := make(chan models.State, 1)
	s.cmdCh <- funcCommand{fn: func(sess *Session) { reply <- sess.state }}
	return <-reply
}

// Notify delivers a cluster-wide event (typically a blab) to this agent's
// web gateway.
func (s *Session) Notify(ev models.Event) error {
	s.cmdCh <- funcCommand{fn: func(sess *Session) { sess.sink.Push(ev) }}
	return nil
}

// Terminate ends the session immediately, used for admin kick and poll
// teardown. Like Logout it hangs up any current call; reason is logged in
// place of agent_logout.
func (s *Session) Terminate(reason string) {
	reply := make(chan struct{}, 1)
	s.cmdCh <- funcCommand{fn: func(sess *Session) {
		sess.doLogout(reason)
		reply <- struct{}{}
	}}
	<-reply
	close(s.stopCh)
}

// MediaDied is the async counterpart to media_hangup: a media driver calls
// this from its own goroutine when it loses callID's leg on its own
// (the caller hung up, the network dropped) rather than in response to a
// session-initiated hangup/command. A stale report racing a transfer or an
// already-completed hangup is ignored since callID no longer matches the
// session's current call. Moves to wrapup when that's a valid transition
// from the current state, otherwise idle directly.
func (s *Session) MediaDied(callID string) {
	s.cmdCh <- funcCommand{fn: func(sess *Session) {
		current := sess.state.CurrentCall()
		if current == nil || current.ID != callID {
			return
		}
		sess.log.Warn().Str("call_id", callID).Msg("media died unexpectedly")
		if allowedTransition(sess.state.Kind, models.StateWrapup) {
			sess.setState(models.State{Kind: models.StateWrapup, Call: current})
			return
		}
		sess.setState(models.Idle())
	}}
}

// emit pushes an astate event carrying the current state's statedata, the
// shape requires every state transition to produce.
func (s *Session) emit() {
	s.sink.Push(models.Event{
		Command: models.EventAgentState,
		Payload: map[string]any{
			"state":     string(s.state.Kind),
			"statedata": models.StateData(s.state),
		},
		Timestamp: time.Now(),
	})
}

func (s *Session) emitProfile() {
	s.sink.Push(models.Event{
		Command:   models.EventAgentProfile,
		Payload:   map[string]any{"profile": s.agent.Profile},
		Timestamp: time.Now(),
	})
}

// setState applies a validated transition: stamps LastChange, cancels any
// stale ring timer, and emits astate. Callers must have already checked
// the transition table (see transitions.go).
func (s *Session) setState(next models.State) {
	s.cancelRingTimer()
	s.state = next
	s.agent.LastChange = time.Now()
	s.emit()
}

func (s *Session) cancelRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) mediaCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.MediaTimeout)
}

func toMediaDeadline(ctx context.Context) models.CommandContext {
	if dl, ok := ctx.Deadline(); ok {
		return models.CommandContext{DeadlineMillis: dl.UnixMilli()}
	}
	return models.CommandContext{DeadlineMillis: time.Now().Add(5 * time.Second).UnixMilli()}
}

func (s *Session) resultErr(code apierr.Code, msg string) *apierr.Error {
	return apierr.New(code, fmt.Sprintf("%s: %s", s.login, msg))
}
