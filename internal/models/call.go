package models

import "fmt"

// MediaType identifies the kind of contact a Call carries.
type MediaType string

const (
	MediaVoice     MediaType = "voice"
	MediaEmail     MediaType = "email"
	MediaChat      MediaType = "chat"
	MediaVoicemail MediaType = "voicemail"
)

// Direction is the call's origin relative to the agent.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// PathMode describes whether ringing/media audio flows through the cluster
// (inband) or is set up out of band by the telephony driver.
type PathMode string

const (
	PathInband  PathMode = "inband"
	PathOutband PathMode = "outband"
)

// CallerID is the pair of strings media drivers supply for display.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Client is the brand/account a call belongs to, used to derive
// statedata.brandname.
type Client struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// BrandName returns the client's display label, defaulting per this core's
// "statedata encoding rules" when the call has no client reference.
func (c *Client) BrandName() string {
	if c == nil || c.Label == "" {
		return "unknown client"
	}
	return c.Label
}

// MediaSource is the borrowed ownership handle a media driver hands the
// session for the lifetime of a Call. The session calls these to steer the
// underlying telephony/email/chat leg without knowing its transport.
type MediaSource interface {
	// Command forwards an arbitrary media command. mode selects whether the
	// session waits for the media driver's reply (call) or fires and
	// forgets (cast).
	Command(ctx CommandContext, name string, args map[string]any) (any, error)
	// Hangup asks the driver to terminate the leg.
	Hangup(ctx CommandContext) error
	// Ring instructs an outband driver to alert the agent's endpoint.
	Ring(ctx CommandContext, endpoint string) error
	// Unring cancels a ring in progress (ring timeout or caller hangup).
	Unring(ctx CommandContext) error
	// Attach registers the callback the driver invokes from its own
	// goroutine when it loses the call on its own — the caller hangs up,
	// the network drops — rather than in response to a session-initiated
	// Command/Hangup. The session, not the driver, decides what an
	// unprompted death means for agent state.
	Attach(onDeath func())
}

// CommandContext carries the bounded per-media timeout: on deadline the
// session treats the call as failed.
// It intentionally is not context.Context: media drivers are an external
// collaborator boundary and get a concrete, serializable deadline instead of
// an opaque interface.
type CommandContext struct {
	DeadlineMillis int64
}

// OutboundFactory is the external outbound media factory init_outbound asks
// to create a new call for a recognized media type. A deployment with no
// outbound media driver wired for a given type reports it unrecognized by
// returning ErrMediaNotRecognized.
type OutboundFactory interface {
	NewCall(ctx CommandContext, client *Client, mediaType MediaType, destination string) (*Call, error)
}

// ErrMediaNotRecognized is what an OutboundFactory returns for a media type
// it has no driver for; the session maps it to MEDIA_NOEXISTS.
var ErrMediaNotRecognized = fmt.Errorf("media type not recognized")

// Call is the media record an Agent Session holds while it owns an
// interaction. It is single-owner at any instant; transfer/hangup/wrapup
// release it.
type Call struct {
	ID        string
	Type      MediaType
	Source    MediaSource
	CallerID  CallerID
	Client    *Client
	Direction Direction
	RingPath  PathMode
	MediaPath PathMode
	Skills    []Skill
}
