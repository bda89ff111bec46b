package session

import (
	"context"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/openacd/agentcore/internal/apierr"
	"github.com/openacd/agentcore/internal/models"
)

// spySession records that this session is currently acting as a read-only
// spy leg on another agent's call: the supervisor's current_call becomes a
// sentinel "expect" pending the attached call record rather than occupying
// a queue slot.
type spySession struct {
	targetLogin string
	attachedAt  time.Time
	prevState   models.State
}

// StepUpSecret resolves the TOTP secret backing a privileged operation's
// step-up check. Supplied by whatever wires the session up (the listener
// passes stepUpSecret from routes.go, which reports every login as not
// configured); kept as a function value rather than a concrete dependency
// so this package never imports authstore directly.
type StepUpSecret func(login string) (secret string, configured bool)

// Spy implements spy(target_session): only a supervisor or
// admin session may call it, and only against a target currently oncall.
// When secret reports a TOTP secret configured for the caller, a valid TOTP
// code is required as step-up authentication before the privileged
// read-only leg is opened, an additive hardening measure recorded in
// DESIGN.md; with a nil secret or no configured secret the check is skipped.
func (s *Session) Spy(ctx context.Context, target TargetHandle, totpCode string, secret StepUpSecret) *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		if sess.agent.SecurityLevel != models.SecuritySupervisor && sess.agent.SecurityLevel != models.SecurityAdmin {
			reply <- apierr.Forbidden(fmt.Sprintf("%s lacks spy privilege", sess.login))
			return
		}

		if secret != nil {
			key, configured := secret(sess.login)
			if configured && !totp.Validate(totpCode, key) {
				reply <- apierr.Forbidden("step-up code invalid")
				return
			}
		}

		targetState := target.CurrentState()
		if targetState.Kind != models.StateOncall {
			reply <- sess.resultErr(apierr.CodeInvalidStateChange, "spy target not oncall")
			return
		}

		if err := target.AttachSpy(ctx, sess.sink); err != nil {
			reply <- err
			return
		}

		sess.spying = &spySession{targetLogin: target.Login(), attachedAt: time.Now(), prevState: sess.state}
		sess.setState(models.State{Kind: models.StateExpect, Call: targetState.CurrentCall()})
		reply <- nil
	})
}

// AttachSpy implements the TargetHandle surface: opens a read-only leg to
// the supervisor's sink by asking the current call's media source for a
// spy command, then forwards mediaevents to the supervisor as they arrive.
func (s *Session) AttachSpy(ctx context.Context, supervisor EventSink) *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		currentCall := sess.state.CurrentCall()
		if currentCall == nil {
			reply <- sess.resultErr(apierr.CodeInvalidMediaCall, "no current call to spy on")
			return
		}
		mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := currentCall.Source.Command(toMediaDeadline(mctx), "spy_attach", nil); err != nil {
			reply <- apierr.Unknown(err)
			return
		}
		supervisor.Push(models.Event{
			Command:   models.EventMediaEvent,
			Payload:   map[string]any{"type": "spy_attached", "target": sess.login},
			Timestamp: time.Now(),
		})
		reply <- nil
	})
}

// EndSpy detaches a supervisor's spy leg, restoring the state it held before
// spy() was called (idle, in the ordinary case).
func (s *Session) EndSpy() *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		if sess.spying == nil {
			reply <- sess.resultErr(apierr.CodeInvalidStateChange, "not currently spying")
			return
		}
		prev := sess.spying.prevState
		sess.spying = nil
		sess.setState(prev)
		reply <- nil
	})
}
