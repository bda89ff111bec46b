package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openacd/agentcore/internal/apierr"
	"github.com/openacd/agentcore/internal/models"
)

// fakeSink collects every event a session pushes, the test double for the
// Web Gateway's EventSink.
type fakeSink struct {
	events chan models.Event
}

func newFakeSink() *fakeSink { return &fakeSink{events: make(chan models.Event, 64)} }

func (f *fakeSink) Push(ev models.Event) { f.events <- ev }

func (f *fakeSink) expect(t *testing.T, cmd models.EventCommand) models.Event {
	t.Helper()
	select {
	case ev := <-f.events:
		require.Equal(t, cmd, ev.Command)
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s event", cmd)
		return models.Event{}
	}
}

// fakeMedia is a no-op MediaSource recording the last command it received.
type fakeMedia struct {
	lastCommand string
	failCommand bool
	failHangup  bool
	onDeath     func()
}

func (m *fakeMedia) Command(ctx models.CommandContext, name string, args map[string]any) (any, error) {
	m.lastCommand = name
	if m.failCommand {
		return nil, assertErr
	}
	return "ok", nil
}

func (m *fakeMedia) Hangup(ctx models.CommandContext) error {
	if m.failHangup {
		return assertErr
	}
	return nil
}

func (m *fakeMedia) Ring(ctx models.CommandContext, endpoint string) error { return nil }
func (m *fakeMedia) Unring(ctx models.CommandContext) error               { return nil }
func (m *fakeMedia) Attach(onDeath func())                               { m.onDeath = onDeath }

// die simulates the driver detecting an unprompted call death, the way a
// production telephony driver would invoke its stored callback from its own
// goroutine.
func (m *fakeMedia) die() {
	if m.onDeath != nil {
		m.onDeath()
	}
}

var assertErr = &mediaErr{}

type mediaErr struct{}

func (e *mediaErr) Error() string { return "media failure" }

// emptyRegistry never finds any target, sufficient for tests that don't
// exercise agent_transfer/spy.
type emptyRegistry struct{}

func (emptyRegistry) Lookup(login string) (TargetHandle, bool) { return nil, false }

// fakeTarget is the test double for TargetHandle, used to exercise Spy
// without a second real Session.
type fakeTarget struct {
	login         string
	state         models.State
	securityLevel models.SecurityLevel
	attachErr     *apierr.Error
}

func (t *fakeTarget) Login() string                      { return t.login }
func (t *fakeTarget) CurrentState() models.State         { return t.state }
func (t *fakeTarget) SecurityLevel() models.SecurityLevel { return t.securityLevel }
func (t *fakeTarget) Ring(ctx context.Context, call *models.Call) *apierr.Error { return nil }
func (t *fakeTarget) AttachSpy(ctx context.Context, supervisor EventSink) *apierr.Error {
	return t.attachErr
}

// fakeOutbound is the test double for models.OutboundFactory.
type fakeOutbound struct {
	recognizes bool
	callErr    error
}

func (f *fakeOutbound) NewCall(ctx models.CommandContext, client *models.Client, mediaType models.MediaType, destination string) (*models.Call, error) {
	if !f.recognizes {
		return nil, models.ErrMediaNotRecognized
	}
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &models.Call{ID: "outbound-1", Type: mediaType, Source: &fakeMedia{}}, nil
}

func newTestSession(t *testing.T) (*Session, *fakeSink) {
	t.Helper()
	sink := newFakeSink()
	agent := models.Agent{Login: "alice", Profile: "default", SecurityLevel: models.SecurityAgent}
	s := New(agent, "sip:alice@example.com", Config{RingTimeout: 50 * time.Millisecond, MediaTimeout: time.Second}, emptyRegistry{}, sink)
	go s.Run()
	t.Cleanup(func() {
		s.Terminate("test teardown")
	})
	return s, sink
}

func TestInitialStateIsIdle(t *testing.T) {
	s, _ := newTestSession(t)
	assert.Equal(t, models.StateIdle, s.CurrentState().Kind)
}

func TestRingThenOncallThenWrapupThenIdle(t *testing.T) {
	s, sink := newTestSession(t)

	call := &models.Call{ID: "call-1", Type: models.MediaVoice, Source: &fakeMedia{}}
	require.Nil(t, s.Ring(context.Background(), call))
	sink.expect(t, models.EventAgentState)
	assert.Equal(t, models.StateRinging, s.CurrentState().Kind)

	require.Nil(t, s.SetState(models.StateOncall, models.State{Call: call}))
	sink.expect(t, models.EventAgentState)
	assert.Equal(t, models.StateOncall, s.CurrentState().Kind)

	require.Nil(t, s.MediaHangup(context.Background()))
	sink.expect(t, models.EventAgentState)
	assert.Equal(t, models.StateWrapup, s.CurrentState().Kind)

	require.Nil(t, s.SetState(models.StateIdle, models.State{}))
	sink.expect(t, models.EventAgentState)
	assert.Equal(t, models.StateIdle, s.CurrentState().Kind)
}

func TestInvalidTransitionReturnsError(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.SetState(models.StateOncall, models.State{})
	require.NotNil(t, err)
	assert.Equal(t, "INVALID_STATE_CHANGE", string(err.Code))
}

func TestRingTimeoutReturnsToIdle(t *testing.T) {
	s, sink := newTestSession(t)
	call := &models.Call{ID: "call-2", Type: models.MediaVoice, Source: &fakeMedia{}}
	require.Nil(t, s.Ring(context.Background(), call))
	sink.expect(t, models.EventAgentState)

	// No transition within the 50ms ring timeout: the timer itself drives
	// the session back to idle without any external SetState call.
	ev := sink.expect(t, models.EventAgentState)
	assert.Equal(t, "idle", ev.Payload["state"])
	assert.Equal(t, models.StateIdle, s.CurrentState().Kind)
}

func TestReleaseWhileOncallIsQueuedUntilCallEnds(t *testing.T) {
	s, sink := newTestSession(t)
	call := &models.Call{ID: "call-3", Type: models.MediaVoice, Source: &fakeMedia{}}
	require.Nil(t, s.Ring(context.Background(), call))
	sink.expect(t, models.EventAgentState)
	require.Nil(t, s.SetState(models.StateOncall, models.State{Call: call}))
	sink.expect(t, models.EventAgentState)

	reason := models.ReleaseReason{ID: "break", Label: "Break", Bias: models.BiasIdle}
	require.Nil(t, s.SetState(models.StateReleased, models.State{Release: reason}))
	// Queued: still oncall, no astate emitted yet.
	assert.Equal(t, models.StateOncall, s.CurrentState().Kind)

	require.Nil(t, s.MediaHangup(context.Background()))
	sink.expect(t, models.EventAgentState) // wrapup

	require.Nil(t, s.SetState(models.StateIdle, models.State{}))
	ev := sink.expect(t, models.EventAgentState)
	assert.Equal(t, "released", ev.Payload["state"])
	assert.Equal(t, models.StateReleased, s.CurrentState().Kind)
}

func TestChangeProfileEmitsAprofile(t *testing.T) {
	s, sink := newTestSession(t)
	require.Nil(t, s.ChangeProfile("sales"))
	ev := sink.expect(t, models.EventAgentProfile)
	assert.Equal(t, "sales", ev.Payload["profile"])
}

func TestWarmTransferRoundTrip(t *testing.T) {
	s, sink := newTestSession(t)
	call := &models.Call{ID: "call-4", Type: models.MediaVoice, Source: &fakeMedia{}}
	require.Nil(t, s.Ring(context.Background(), call))
	sink.expect(t, models.EventAgentState)
	require.Nil(t, s.SetState(models.StateOncall, models.State{Call: call}))
	sink.expect(t, models.EventAgentState)

	require.Nil(t, s.WarmTransfer("bob"))
	sink.expect(t, models.EventAgentState)
	assert.Equal(t, models.StateWarmtransfer, s.CurrentState().Kind)

	require.Nil(t, s.WarmTransferCancel())
	ev := sink.expect(t, models.EventAgentState)
	assert.Equal(t, "oncall", ev.Payload["state"])
	assert.Equal(t, call.ID, s.CurrentState().CurrentCall().ID)
}

func TestInitOutboundWithoutFactoryReturnsMediaNoExists(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.InitOutbound(context.Background(), &models.Client{ID: "c1"}, models.MediaVoice)
	require.NotNil(t, err)
	assert.Equal(t, "MEDIA_NOEXISTS", string(err.Code))
	assert.Equal(t, models.StateIdle, s.CurrentState().Kind)
}

func TestInitOutboundWithUnrecognizedMediaTypeReturnsMediaNoExists(t *testing.T) {
	sink := newFakeSink()
	agent := models.Agent{Login: "alice", Profile: "default", SecurityLevel: models.SecurityAgent}
	s := New(agent, "sip:alice@example.com", Config{
		RingTimeout:  50 * time.Millisecond,
		MediaTimeout: time.Second,
		Outbound:     &fakeOutbound{recognizes: false},
	}, emptyRegistry{}, sink)
	go s.Run()
	t.Cleanup(func() { s.Terminate("test teardown") })

	err := s.InitOutbound(context.Background(), &models.Client{ID: "c1"}, models.MediaType("sms"))
	require.NotNil(t, err)
	assert.Equal(t, "MEDIA_NOEXISTS", string(err.Code))
}

func TestInitOutboundRecognizedTypeEntersPrecall(t *testing.T) {
	sink := newFakeSink()
	agent := models.Agent{Login: "alice", Profile: "default", SecurityLevel: models.SecurityAgent}
	s := New(agent, "sip:alice@example.com", Config{
		RingTimeout:  50 * time.Millisecond,
		MediaTimeout: time.Second,
		Outbound:     &fakeOutbound{recognizes: true},
	}, emptyRegistry{}, sink)
	go s.Run()
	t.Cleanup(func() { s.Terminate("test teardown") })

	require.Nil(t, s.InitOutbound(context.Background(), &models.Client{ID: "c1"}, models.MediaVoice))
	sink.expect(t, models.EventAgentState)
	assert.Equal(t, models.StatePrecall, s.CurrentState().Kind)
}

func newSupervisorTestSession(t *testing.T) (*Session, *fakeSink) {
	t.Helper()
	sink := newFakeSink()
	agent := models.Agent{Login: "carol", Profile: "default", SecurityLevel: models.SecuritySupervisor}
	s := New(agent, "sip:carol@example.com", Config{RingTimeout: 50 * time.Millisecond, MediaTimeout: time.Second}, emptyRegistry{}, sink)
	go s.Run()
	t.Cleanup(func() { s.Terminate("test teardown") })
	return s, sink
}

func TestSpyEntersExpectCarryingTargetCallThenEndSpyRestoresIdle(t *testing.T) {
	s, sink := newSupervisorTestSession(t)
	call := &models.Call{ID: "call-5", Type: models.MediaVoice, Source: &fakeMedia{}}
	target := &fakeTarget{
		login:         "bob",
		state:         models.State{Kind: models.StateOncall, Call: call},
		securityLevel: models.SecurityAgent,
	}

	require.Nil(t, s.Spy(context.Background(), target, "", nil))
	sink.expect(t, models.EventAgentState)
	current := s.CurrentState()
	assert.Equal(t, models.StateExpect, current.Kind)
	require.NotNil(t, current.CurrentCall())
	assert.Equal(t, call.ID, current.CurrentCall().ID)

	require.Nil(t, s.EndSpy())
	sink.expect(t, models.EventAgentState)
	assert.Equal(t, models.StateIdle, s.CurrentState().Kind)
}

func TestSpyRejectsTargetNotOncall(t *testing.T) {
	s, _ := newSupervisorTestSession(t)
	target := &fakeTarget{login: "bob", state: models.Idle(), securityLevel: models.SecurityAgent}

	err := s.Spy(context.Background(), target, "", nil)
	require.NotNil(t, err)
	assert.Equal(t, "INVALID_STATE_CHANGE", string(err.Code))
	assert.Equal(t, models.StateIdle, s.CurrentState().Kind)
}

func TestMediaDiedWhileOncallMovesToWrapup(t *testing.T) {
	s, sink := newTestSession(t)
	media := &fakeMedia{}
	call := &models.Call{ID: "call-7", Type: models.MediaVoice, Source: media}
	require.Nil(t, s.Ring(context.Background(), call))
	sink.expect(t, models.EventAgentState)
	require.Nil(t, s.SetState(models.StateOncall, models.State{Call: call}))
	sink.expect(t, models.EventAgentState)

	media.die()
	ev := sink.expect(t, models.EventAgentState)
	assert.Equal(t, "wrapup", ev.Payload["state"])
	assert.Equal(t, models.StateWrapup, s.CurrentState().Kind)
}

func TestMediaDiedWhileRingingMovesToIdle(t *testing.T) {
	s, sink := newTestSession(t)
	media := &fakeMedia{}
	call := &models.Call{ID: "call-8", Type: models.MediaVoice, Source: media}
	require.Nil(t, s.Ring(context.Background(), call))
	sink.expect(t, models.EventAgentState)

	media.die()
	ev := sink.expect(t, models.EventAgentState)
	assert.Equal(t, "idle", ev.Payload["state"])
	assert.Equal(t, models.StateIdle, s.CurrentState().Kind)
}

func TestMediaDiedForStaleCallIsIgnored(t *testing.T) {
	s, sink := newTestSession(t)
	media := &fakeMedia{}
	call := &models.Call{ID: "call-9", Type: models.MediaVoice, Source: media}
	require.Nil(t, s.Ring(context.Background(), call))
	sink.expect(t, models.EventAgentState)
	require.Nil(t, s.SetState(models.StateIdle, models.State{}))
	sink.expect(t, models.EventAgentState)

	media.die()
	assert.Equal(t, models.StateIdle, s.CurrentState().Kind)
}

func TestSpyRejectsNonSupervisor(t *testing.T) {
	s, _ := newTestSession(t)
	call := &models.Call{ID: "call-6", Type: models.MediaVoice, Source: &fakeMedia{}}
	target := &fakeTarget{login: "bob", state: models.State{Kind: models.StateOncall, Call: call}, securityLevel: models.SecurityAgent}

	err := s.Spy(context.Background(), target, "", nil)
	require.NotNil(t, err)
	assert.Equal(t, "FORBIDDEN", string(err.Code))
}
