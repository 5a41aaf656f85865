package session

import "groupvault/internal/types"

// edges is the lifecycle graph. SHUTTING_DOWN is reachable from every
// non-terminal state; TERMINATED only from SHUTTING_DOWN.
var edges = map[types.ConnectionState][]types.ConnectionState{
	types.StateUninitialized: {types.StateConnecting},
	types.StateConnecting:    {types.StateAuthPending, types.StateAuthenticated, types.StateDisconnected},
	types.StateAuthPending:   {types.StateAuthenticated, types.StateDisconnected},
	types.StateAuthenticated: {types.StateReady, types.StateDisconnected},
	types.StateReady:         {types.StateDisconnected, types.StateStale},
	types.StateStale:         {types.StateReady, types.StateDisconnected},
	types.StateDisconnected:  {types.StateUninitialized},
	types.StateShuttingDown:  {types.StateTerminated},
	types.StateTerminated:    nil,
}

// ValidTransition reports whether from -> to is an edge of the lifecycle.
func ValidTransition(from, to types.ConnectionState) bool {
	if to == types.StateShuttingDown {
		return from != types.StateShuttingDown && from != types.StateTerminated
	}
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether every consecutive pair in path is an edge.
func ValidPath(path []types.ConnectionState) bool {
	for i := 1; i < len(path); i++ {
		if !ValidTransition(path[i-1], path[i]) {
			return false
		}
	}
	return true
}

// Transition is one recorded state change.
type Transition struct {
	From types.ConnectionState
	To   types.ConnectionState
}
