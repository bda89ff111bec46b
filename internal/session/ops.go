package session

import (
	"context"
	"time"

	"github.com/openacd/agentcore/internal/apierr"
	"github.com/openacd/agentcore/internal/models"
)

// command is anything the session's loop can execute against its own
// state. Every public operation builds one and funnels it through cmdCh so
// mutation never races.
type command interface {
	exec(s *Session)
}

// funcCommand wraps an arbitrary closure, used by the read-only accessors
// in session.go that don't need a dedicated type.
type funcCommand struct {
	fn func(s *Session)
}

func (c funcCommand) exec(s *Session) { c.fn(s) }

// call issues a command and blocks for its reply, the session-package
// analogue of registry's request/reply channel pattern.
func call[T any](s *Session, fn func(s *Session, reply chan<- T)) T {
	reply := make(chan T, 1)
	s.cmdCh <- funcCommand{fn: func(sess *Session) { fn(sess, reply) }}
	return <-reply
}

// SetState implements set_state: validates the requested
// transition against the table in transitions.go, applies it, and emits
// astate.
func (s *Session) SetState(kind models.StateKind, data models.State) *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		reply <- sess.doSetState(kind, data)
	})
}

func (s *Session) doSetState(kind models.StateKind, data models.State) *apierr.Error {
	if !allowedTransition(s.state.Kind, kind) {
		return s.resultErr(apierr.CodeInvalidStateChange, string(s.state.Kind)+"->"+string(kind))
	}

	if s.state.Kind == models.StateOncall && kind == models.StateReleased {
		// Release while on a call is not rejected; it is recorded as a
		// queued release and applied once the call ends .
		reason := data.Release
		s.queuedRelease = &reason
		return nil
	}

	// A queued release takes effect the moment the agent returns to idle
	// once the call has ended, rather than requiring a second explicit
	// set_state(released) after wrapup.
	if kind == models.StateIdle && s.queuedRelease != nil {
		reason := *s.queuedRelease
		s.queuedRelease = nil
		s.setState(models.Released(reason))
		return nil
	}

	next := data
	next.Kind = kind
	s.setState(next)
	return nil
}

// SetEndpoint implements set_endpoint: only legal from released or idle.
func (s *Session) SetEndpoint(endpoint string) *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		if sess.state.Kind != models.StateIdle && sess.state.Kind != models.StateReleased {
			reply <- sess.resultErr(apierr.CodeInvalidStateChange, "set_endpoint requires idle or released")
			return
		}
		sess.endpoint = endpoint
		reply <- nil
	})
}

// ChangeProfile implements change_profile: always allowed, emits aprofile.
func (s *Session) ChangeProfile(profile string) *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		sess.agent.Profile = profile
		sess.agent.LastChange = time.Now()
		sess.emitProfile()
		reply <- nil
	})
}

// Dial implements dial: only from precall on an outbound call, forwards to
// the media source and advances to outgoing on success.
func (s *Session) Dial(ctx context.Context, number string) *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		if sess.state.Kind != models.StatePrecall || sess.state.Call == nil {
			reply <- sess.resultErr(apierr.CodeInvalidStateChange, "dial requires precall")
			return
		}
		mctx, cancel := sess.mediaCtx()
		defer cancel()
		_, err := sess.state.Call.Source.Command(toMediaDeadline(mctx), "dial", map[string]any{"number": number})
		if err != nil {
			reply <- apierr.Unknown(err)
			return
		}
		next := sess.state
		next.Kind = models.StateOutgoing
		sess.setState(next)
		reply <- nil
	})
}

// AgentTransfer implements agent_transfer: only from oncall, to an idle or
// released peer; tells media to ring the target, then moves self to
// wrapup once media confirms.
func (s *Session) AgentTransfer(ctx context.Context, targetLogin string) *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		if sess.state.Kind != models.StateOncall || sess.state.Call == nil {
			reply <- sess.resultErr(apierr.CodeInvalidStateChange, "agent_transfer requires oncall")
			return
		}
		target, ok := sess.registry.Lookup(targetLogin)
		if !ok {
			reply <- apierr.AgentNoExists(targetLogin)
			return
		}
		targetState := target.CurrentState()
		if targetState.Kind != models.StateIdle && targetState.Kind != models.StateReleased {
			reply <- sess.resultErr(apierr.CodeInvalidStateChange, "agent_transfer target not available")
			return
		}

		call := sess.state.Call
		mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := target.Ring(mctx, call); err != nil {
			reply <- err
			return
		}

		next := sess.state
		next.Kind = models.StateWrapup
		sess.setState(next)
		reply <- nil
	})
}

// QueueTransfer implements queue_transfer: only from oncall, pushes
// vars/skills into media, enqueues, and moves self to wrapup.
func (s *Session) QueueTransfer(ctx context.Context, queue string, vars map[string]any, skills []models.Skill) *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		if sess.state.Kind != models.StateOncall || sess.state.Call == nil {
			reply <- sess.resultErr(apierr.CodeInvalidStateChange, "queue_transfer requires oncall")
			return
		}
		args := map[string]any{"queue": queue, "vars": vars, "skills": skills}
		mctx, cancel := sess.mediaCtx()
		defer cancel()
		if _, err := sess.state.Call.Source.Command(toMediaDeadline(mctx), "queue_transfer", args); err != nil {
			reply <- apierr.Unknown(err)
			return
		}
		next := sess.state
		next.Kind = models.StateWrapup
		sess.setState(next)
		reply <- nil
	})
}

// WarmTransfer implements warm_transfer: only from oncall, starts a
// third-party consult and moves to warmtransfer with the original call on
// hold.
func (s *Session) WarmTransfer(destination string) *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		if sess.state.Kind != models.StateOncall || sess.state.Call == nil {
			reply <- sess.resultErr(apierr.CodeInvalidStateChange, "warm_transfer requires oncall")
			return
		}
		next := models.State{
			Kind: models.StateWarmtransfer,
			WarmTransfer: models.WarmTransferData{
				OnHold:  sess.state.Call,
				Calling: destination,
			},
		}
		sess.setState(next)
		reply <- nil
	})
}

// WarmTransferComplete implements warm_transfer_complete: media bridges
// both parties; session moves to wrapup.
func (s *Session) WarmTransferComplete() *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		if sess.state.Kind != models.StateWarmtransfer {
			reply <- sess.resultErr(apierr.CodeInvalidStateChange, "warm_transfer_complete requires warmtransfer")
			return
		}
		next := models.State{Kind: models.StateWrapup, Call: sess.state.WarmTransfer.OnHold}
		sess.setState(next)
		reply <- nil
	})
}

// WarmTransferCancel implements warm_transfer_cancel: resumes oncall with
// the original call.
func (s *Session) WarmTransferCancel() *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		if sess.state.Kind != models.StateWarmtransfer {
			reply <- sess.resultErr(apierr.CodeInvalidStateChange, "warm_transfer_cancel requires warmtransfer")
			return
		}
		next := models.State{Kind: models.StateOncall, Call: sess.state.WarmTransfer.OnHold}
		sess.setState(next)
		reply <- nil
	})
}

// MediaMode selects call/cast semantics for MediaCommand.
type MediaMode int

const (
	ModeCall MediaMode = iota
	ModeCast
)

// MediaCommand implements media_command: forwards name/args to the current
// call's media source. In call mode it waits for and returns the media
// result; in cast mode it returns ok immediately without waiting.
func (s *Session) MediaCommand(ctx context.Context, name string, mode MediaMode, args map[string]any) (any, *apierr.Error) {
	return call(s, func(sess *Session, reply chan<- mediaResult) {
		call := sess.state.CurrentCall()
		if call == nil {
			reply <- mediaResult{err: sess.resultErr(apierr.CodeInvalidMediaCall, "no current call")}
			return
		}
		if mode == ModeCast {
			go func() {
				mctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_, _ = call.Source.Command(toMediaDeadline(mctx), name, args)
			}()
			reply <- mediaResult{value: "ok"}
			return
		}
		mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		val, err := call.Source.Command(toMediaDeadline(mctx), name, args)
		if err != nil {
			reply <- mediaResult{err: apierr.Unknown(err)}
			return
		}
		reply <- mediaResult{value: val}
	}).split()
}

type mediaResult struct {
	value any
	err   *apierr.Error
}

func (m mediaResult) split() (any, *apierr.Error) { return m.value, m.err }

// MediaHangup implements media_hangup: asks media to terminate; on
// confirmation moves to wrapup.
func (s *Session) MediaHangup(ctx context.Context) *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		currentCall := sess.state.CurrentCall()
		if currentCall == nil {
			reply <- sess.resultErr(apierr.CodeInvalidMediaCall, "no current call")
			return
		}
		mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := currentCall.Source.Hangup(toMediaDeadline(mctx)); err != nil {
			reply <- apierr.Unknown(err)
			return
		}
		next := models.State{Kind: models.StateWrapup, Call: currentCall}
		sess.setState(next)
		reply <- nil
	})
}

// InitOutbound implements init_outbound: only from idle or released, asks
// the configured outbound media factory to create a call for the
// (client, type) pair and, once the factory confirms, attaches it and
// enters precall. An unrecognized type, or no factory configured at all,
// fails with MEDIA_NOEXISTS without touching session state.
func (s *Session) InitOutbound(ctx context.Context, client *models.Client, mediaType models.MediaType) *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		if sess.state.Kind != models.StateIdle && sess.state.Kind != models.StateReleased {
			reply <- sess.resultErr(apierr.CodeInvalidStateChange, "init_outbound requires idle or released")
			return
		}
		if sess.cfg.Outbound == nil {
			reply <- apierr.MediaNoExists(string(mediaType))
			return
		}
		mctx, cancel := sess.mediaCtx()
		defer cancel()
		newCall, err := sess.cfg.Outbound.NewCall(toMediaDeadline(mctx), client, mediaType, "")
		if err != nil {
			if err == models.ErrMediaNotRecognized {
				reply <- apierr.MediaNoExists(string(mediaType))
				return
			}
			reply <- apierr.Unknown(err)
			return
		}
		next := models.State{Kind: models.StatePrecall, Call: newCall}
		sess.setState(next)
		newCall.Source.Attach(func() { sess.MediaDied(newCall.ID) })
		reply <- nil
	})
}

// Ring implements ring: only from idle, enters ringing and arms the ring
// timer ("Ring timer" section).
func (s *Session) Ring(ctx context.Context, incoming *models.Call) *apierr.Error {
	return call(s, func(sess *Session, reply chan<- *apierr.Error) {
		if sess.state.Kind != models.StateIdle {
			reply <- sess.resultErr(apierr.CodeInvalidStateChange, "ring requires idle")
			return
		}
		next := models.State{Kind: models.StateRinging, Call: incoming}
		sess.setState(next)
		sess.armRingTimer()
		incoming.Source.Attach(func() { sess.MediaDied(incoming.ID) })
		reply <- nil
	})
}

func (s *Session) armRingTimer() {
	timeout := s.cfg.RingTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ringing := s.state
	s.ringTimer = time.AfterFunc(timeout, func() {
		s.cmdCh <- funcCommand{fn: func(sess *Session) { sess.onRingTimeout(ringing) }}
	})
}

func (s *Session) onRingTimeout(armedFor models.State) {
	if s.state.Kind != models.StateRinging || s.state.Call != armedFor.Call {
		return
	}
	mctx, cancel := s.mediaCtx()
	defer cancel()
	if s.state.Call != nil {
		_ = s.state.Call.Source.Unring(toMediaDeadline(mctx))
	}
	s.resolveAfterCallEnds()
}

// resolveAfterCallEnds is the shared landing logic for "a call just ended
// (hangup, ring timeout)": go to idle, or to the pending queued release if
// one was recorded while oncall.
func (s *Session) resolveAfterCallEnds() {
	if s.queuedRelease != nil {
		reason := *s.queuedRelease
		s.queuedRelease = nil
		s.setState(models.Released(reason))
		return
	}
	s.setState(models.Idle())
}

// Logout implements logout: releases the current call (if any) with reason
// agent_logout, then terminates the session.
func (s *Session) Logout() {
	reply := make(chan struct{}, 1)
	s.cmdCh <- funcCommand{fn: func(sess *Session) {
		sess.doLogout("agent_logout")
		reply <- struct{}{}
	}}
	<-reply
	close(s.stopCh)
}

func (s *Session) doLogout(reason string) {
	if currentCall := s.state.CurrentCall(); currentCall != nil {
		mctx, cancel := s.mediaCtx()
		_ = currentCall.Source.Hangup(toMediaDeadline(mctx))
		cancel()
	}
	s.cancelRingTimer()
	s.log.Info().Str("reason", reason).Msg("session logged out")
}

// DumpState returns a read-only snapshot for dashboards and the dump_state
// API function.
func (s *Session) DumpState() models.State {
	return s.CurrentState()
}
