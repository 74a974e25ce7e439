package hsm

import "sdkrouter/internal/model"

var connTransitions = map[model.ConnState]map[model.ConnState]bool{
	model.ConnStateHandshaking: {
		model.ConnStateActive:  true,
		model.ConnStateClosing: true,
		model.ConnStateClosed:  true,
	},
	model.ConnStateActive: {
		model.ConnStateClosing: true,
	},
	model.ConnStateClosing: {
		model.ConnStateClosed: true,
	},
}

var runTransitions = map[model.RunStatus]map[model.RunStatus]bool{
	model.RunStatusCreated: {
		model.RunStatusRunning:   true,
		model.RunStatusCancelled: true,
	},
	model.RunStatusRunning: {
		model.RunStatusCompleted: true,
		model.RunStatusFailed:    true,
		model.RunStatusStalled:   true,
		model.RunStatusExpired:   true,
		model.RunStatusCancelled: true,
	},
}

// CanTransitionConn reports whether a connection may move from one lifecycle
// state to another. Closed is terminal.
func CanTransitionConn(from model.ConnState, to model.ConnState) bool {
	if from == to {
		return true
	}
	return connTransitions[from][to]
}

func CanTransitionRun(from model.RunStatus, to model.RunStatus) bool {
	if from == to {
		return true
	}
	return runTransitions[from][to]
}
