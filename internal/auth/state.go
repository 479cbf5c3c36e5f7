package auth

import (
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// State is the lifecycle state of one identity's credential
type State string

// Credential states
const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateRefreshing      State = "refreshing"
	StateRevoked         State = "revoked"
)

// transitions lists the allowed next states. Revoked is terminal.
var transitions = map[State][]State{
	StateUnauthenticated: {StateAuthenticating, StateAuthenticated, StateRevoked},
	StateAuthenticating:  {StateAuthenticated, StateUnauthenticated, StateRevoked},
	StateAuthenticated:   {StateRefreshing, StateAuthenticating, StateUnauthenticated, StateRevoked},
	StateRefreshing:      {StateAuthenticated, StateUnauthenticated, StateRevoked},
	StateRevoked:         {},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// session is the in-memory credential of one identity
type session struct {
	mu     sync.Mutex
	state  State
	token  *oauth2.Token
	loaded bool
	// cause explains an unauthenticated state restored from the store
	cause error
}

// transition moves the session to the next state. Caller holds s.mu.
func (s *session) transition(to State) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}
