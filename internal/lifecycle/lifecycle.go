// Package lifecycle reports foreground/background transitions of the host
// app. The daemon maps them onto the reconciliation coordinator.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
)

// State is the app's visibility state.
type State string

// App states. Platforms with a transient "inactive" state have it ignored.
const (
	StateActive     State = "active"
	StateBackground State = "background"
)

// ParseState maps a platform state name to a State. ok is false for
// transient states such as "inactive" that should not trigger a transition.
func ParseState(s string) (State, bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "foreground":
		return StateActive, true, nil
	case "background":
		return StateBackground, true, nil
	case "inactive", "unknown":
		return "", false, nil
	default:
		return "", false, fmt.Errorf("lifecycle: unknown app state %q", s)
	}
}

// Source delivers transitions to emit until ctx is canceled. emit is called
// from a single goroutine.
type Source interface {
	Run(ctx context.Context, emit func(State)) error
}

// Dedup wraps emit so repeated identical states are delivered once.
func Dedup(emit func(State)) func(State) {
	var last State

	return func(s State) {
		if s == last {
			return
		}

		last = s
		emit(s)
	}
}
