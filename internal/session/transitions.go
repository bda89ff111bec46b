package session

import "github.com/openacd/agentcore/internal/models"

// transitions is the valid state-transition table, restricted to the
// states this model carries ("offline" exits the session entirely and is
// handled by Logout/Terminate, not SetState, since it isn't a value State
// can hold).
var transitions = map[models.StateKind]map[models.StateKind]bool{
	models.StateIdle: {
		models.StateReleased: true,
		models.StateRinging:  true,
		models.StatePrecall:  true,
	},
	models.StateReleased: {
		models.StateIdle:     true,
		models.StateReleased: true,
	},
	models.StateRinging: {
		models.StateOncall: true,
		models.StateIdle:   true,
	},
	models.StatePrecall: {
		models.StateOutgoing: true,
		models.StateIdle:     true,
		models.StateReleased: true,
	},
	models.StateOutgoing: {
		models.StateOncall: true,
		models.StateWrapup: true,
	},
	models.StateOncall: {
		models.StateWrapup:       true,
		models.StateWarmtransfer: true,
		models.StateOncall:       true,
		models.StateReleased:     true,
	},
	models.StateWarmtransfer: {
		models.StateOncall: true,
		models.StateWrapup: true,
	},
	models.StateWrapup: {
		models.StateIdle:     true,
		models.StateReleased: true,
	},
}

func allowedTransition(from, to models.StateKind) bool {
	row, ok := transitions[from]
	if !ok {
		return false
	}
	return row[to]
}
