package studio

import (
	"fmt"
	"strings"
)

// State is the recorder lifecycle state.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateRecording
	StatePaused
	StateRestarting
	StateStopping
	StateFinalized
	StateError
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateInitializing: "initializing",
	StateRecording:    "recording",
	StatePaused:       "paused",
	StateRestarting:   "restarting",
	StateStopping:     "stopping",
	StateFinalized:    "finalized",
	StateError:        "error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ParseState parses a state name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return StateIdle, fmt.Errorf("unknown state %q", name)
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Active reports whether a session is open in s.
func (s State) Active() bool {
	switch s {
	case StateRecording, StatePaused, StateRestarting:
		return true
	default:
		return false
	}
}

type event int

const (
	evStart          event = iota // Start requested
	evFirstChunk                  // Encoder produced its first chunk
	evPause                       // Pause requested
	evResume                      // Resume requested
	evStop                        // Stop requested
	evAbort                       // Start cancelled before the first chunk
	evRestartBegin                // Source change begins
	evRestarted                   // Replacement encoder running
	evRestartedPaused             // Replacement encoder running, paused
	evEncoderStopped              // Encoder emitted its stopped event
	evFinalized                   // Artifact assembled
	evFail                        // Unrecoverable fault
	evReset                       // Discard the session
)

var eventNames = [...]string{
	evStart:           "start",
	evFirstChunk:      "first-chunk",
	evPause:           "pause",
	evResume:          "resume",
	evStop:            "stop",
	evAbort:           "abort",
	evRestartBegin:    "restart-begin",
	evRestarted:       "restarted",
	evRestartedPaused: "restarted-paused",
	evEncoderStopped:  "encoder-stopped",
	evFinalized:       "finalized",
	evFail:            "fail",
	evReset:           "reset",
}

func (e event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// transition returns the state reached from s on ev, or ErrInvalidState.
func transition(s State, ev event) (State, error) {
	next, ok := s, false
	switch ev {
	case evStart:
		next, ok = StateInitializing, s == StateIdle
	case evFirstChunk:
		switch s {
		case StateInitializing:
			next, ok = StateRecording, true
		case StateRecording, StatePaused, StateRestarting, StateStopping:
			ok = true
		}
	case evPause:
		next, ok = StatePaused, s == StateRecording
	case evResume:
		next, ok = StateRecording, s == StatePaused
	case evStop:
		next, ok = StateStopping, s == StateRecording || s == StatePaused
	case evAbort:
		next, ok = StateIdle, s == StateInitializing
	case evRestartBegin:
		next, ok = StateRestarting, s == StateRecording || s == StatePaused
	case evRestarted:
		next, ok = StateRecording, s == StateRestarting
	case evRestartedPaused:
		next, ok = StatePaused, s == StateRestarting
	case evEncoderStopped:
		// Restarting suppresses the finalize path; Stopping finalizes itself.
		ok = s == StateRestarting || s == StateStopping
	case evFinalized:
		next, ok = StateFinalized, s == StateStopping
	case evFail:
		next, ok = StateError, true
	case evReset:
		next, ok = StateIdle, true
	}
	if !ok {
		return s, fmt.Errorf("%s in state %s: %w", ev, s, ErrInvalidState)
	}
	return next, nil
}
