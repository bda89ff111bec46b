package models

// StateKind enumerates the tagged states an Agent Session can occupy.
type StateKind string

const (
	StateIdle         StateKind = "idle"
	StateRinging      StateKind = "ringing"
	StatePrecall      StateKind = "precall"
	StateOncall       StateKind = "oncall"
	StateOutgoing     StateKind = "outgoing"
	StateWrapup       StateKind = "wrapup"
	StateReleased     StateKind = "released"
	StateWarmtransfer StateKind = "warmtransfer"

	// StateExpect is the supervisor-side sentinel spy(target_session)
	// enters: current_call holds the attached call record once the
	// target's media opens the read-only leg, but the supervisor never
	// occupies a queue slot for it.
	StateExpect StateKind = "expect"
)

// Active is the set of states that carry a current_call: state ∈ Active
// iff current_call ≠ null.
var Active = map[StateKind]bool{
	StateRinging:      true,
	StatePrecall:      true,
	StateOncall:       true,
	StateOutgoing:     true,
	StateWrapup:       true,
	StateWarmtransfer: true,
	StateExpect:       true,
}

// ReleaseBias expresses whether a release is productive, neutral, or idle
// time for reporting purposes.
type ReleaseBias int

const (
	BiasIdle       ReleaseBias = -1
	BiasNeutral    ReleaseBias = 0
	BiasProductive ReleaseBias = 1
)

// DefaultReleaseReason is the sentinel used when a release carries no
// explicit (id, label, bias) triple. It must remain distinguishable from an
// explicit reason with the same bias, so it is marked by IsDefault (see
// Default) rather than by an all-empty ReleaseReason, which is the zero
// value and reads as an explicit reason.
const DefaultReleaseReason = "default"

// ReleaseReason is either the sentinel DefaultReleaseReason or an explicit
// (ID, Label, Bias) triple.
type ReleaseReason struct {
	IsDefault bool
	ID        string
	Label     string
	Bias      ReleaseBias
}

// Default constructs the sentinel release reason.
func Default() ReleaseReason {
	return ReleaseReason{IsDefault: true}
}

// WarmTransferData is the state-data companion for StateWarmtransfer: the
// call put on hold, plus the destination being dialed for the consult.
type WarmTransferData struct {
	OnHold  *Call
	Calling string
}

// State is the tagged union of agent state. Only the field
// matching Kind is meaningful; the others are the zero value. This mirrors
// the way the original source carries a variant per state without giving Go
// a sum type to lean on — a closed struct with an exhaustive Kind switch is
// the idiomatic substitute.
type State struct {
	Kind StateKind

	// Call is populated for Ringing, Precall, Oncall, Outgoing, Wrapup.
	Call *Call

	// Release is populated for Released.
	Release ReleaseReason

	// WarmTransfer is populated for Warmtransfer.
	WarmTransfer WarmTransferData
}

// Idle is the canonical idle state value.
func Idle() State { return State{Kind: StateIdle} }

// Released builds a released state with the given reason.
func Released(reason ReleaseReason) State {
	return State{Kind: StateReleased, Release: reason}
}

// CurrentCall returns the call this state carries, or nil for states with no
// attached media (idle, released).
func (s State) CurrentCall() *Call {
	switch s.Kind {
	case StateWarmtransfer:
		return s.WarmTransfer.OnHold
	default:
		return s.Call
	}
}

// ConsistentWithActive checks core invariant for this state
// value in isolation.
func (s State) ConsistentWithActive() bool {
	hasCall := s.CurrentCall() != nil
	return Active[s.Kind] == hasCall
}
