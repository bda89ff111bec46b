package models

import (
	"encoding/json"
	"time"
)

// EventCommand is the wire-level "command" discriminator for events the
// gateway buffers for the long-poll waiter (event
// vocabulary).
type EventCommand string

const (
	EventPong          EventCommand = "pong"
	EventAgentState    EventCommand = "astate"
	EventAgentProfile  EventCommand = "aprofile"
	EventURLPop        EventCommand = "urlpop"
	EventBlab          EventCommand = "blab"
	EventMediaLoad     EventCommand = "mediaload"
	EventMediaEvent    EventCommand = "mediaevent"
	EventSupervisorTab EventCommand = "supervisortab"
)

// Event is a single buffered item in a Gateway's FIFO. Payload holds the
// command-specific fields the wire format flattens alongside "command" (see
// MarshalJSON) rather than nesting under a sub-object, matching the event
// vocabulary where each event type names its own top-level fields.
type Event struct {
	Command   EventCommand
	Payload   map[string]any
	Timestamp time.Time
}

// MarshalJSON flattens Command and Payload into one object: {"command":
// "astate", "state": "idle", "statedata": {...}}. Timestamp is carried for
// internal bookkeeping only and is never part of the wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["command"] = string(e.Command)
	return json.Marshal(out)
}

// StateData computes the `statedata` companion to an astate event per
// "State-data encoding rules". Idle carries no statedata
// (nil map).
func StateData(s State) map[string]any {
	switch s.Kind {
	case StateIdle:
		return nil
	case StateReleased:
		if s.Release.IsDefault {
			return map[string]any{"reason": DefaultReleaseReason}
		}
		return map[string]any{"reason": map[string]any{
			"id":    s.Release.ID,
			"label": s.Release.Label,
			"bias":  int(s.Release.Bias),
		}}
	case StateWarmtransfer:
		return map[string]any{
			"onhold":  callStateData(s.WarmTransfer.OnHold),
			"calling": s.WarmTransfer.Calling,
		}
	default:
		return callStateData(s.Call)
	}
}

// callStateData renders the structured object normatively required for
// call-carrying states: callerid, brandname, ringpath, mediapath, callid,
// type.
func callStateData(c *Call) map[string]any {
	if c == nil {
		return nil
	}
	return map[string]any{
		"callerid":  map[string]string{"name": c.CallerID.Name, "number": c.CallerID.Number},
		"brandname": c.Client.BrandName(),
		"ringpath":  string(c.RingPath),
		"mediapath": string(c.MediaPath),
		"callid":    c.ID,
		"type":      string(c.Type),
	}
}
