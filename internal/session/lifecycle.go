// Package session owns the upstream recognition stream: when it is open,
// when it is restarted, and which generation produced each segment.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/lexiqai/livecaption/internal/resilience"
)

var (
	// ErrStallDetected is logged when the recognizer went quiet while speech was being fed
	ErrStallDetected = errors.New("recognition stalled")
	// ErrRestartsExhausted stops the session after too many consecutive stream
	// losses or stalls without a single result
	ErrRestartsExhausted = errors.New("recognition restarts exhausted")
	// ErrStreamOpen wraps the final error of a failed stream open
	ErrStreamOpen = errors.New("failed to open recognition stream")
	// ErrStopped is returned by commands sent to a stopped session
	ErrStopped = errors.New("session stopped")
)

// State of the recognition session
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateStalled
	StateRestarting
	StatePaused
	StateStopped
)

// AllStates lists every state, for metrics
var AllStates = []State{StateIdle, StateStreaming, StateStalled, StateRestarting, StatePaused, StateStopped}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateStalled:
		return "stalled"
	case StateRestarting:
		return "restarting"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Reason a stream is restarted
type Reason string

const (
	ReasonRollover Reason = "rollover"
	ReasonStall    Reason = "stall"
	ReasonLanguage Reason = "language"
	ReasonLost     Reason = "lost"
)

// ActionKind tells the run loop what to do with the upstream stream
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionOpen
	ActionClose
	ActionRestart
	ActionStop
)

// Action is the outcome of a lifecycle transition
type Action struct {
	Kind   ActionKind
	Reason Reason
	Err    error // set with ActionStop
}

// Policy bounds one recognition stream
type Policy struct {
	MaxDuration            time.Duration
	SafetyMargin           time.Duration
	StallTimeout           time.Duration
	MaxConsecutiveRestarts int
}

// RolloverAfter is the stream age at which a proactive restart happens
func (p Policy) RolloverAfter() time.Duration {
	return p.MaxDuration - p.SafetyMargin
}

// Status is a read-only snapshot of the session
type Status struct {
	State           State
	SourceLanguage  string
	Generation      uint64
	StreamStartedAt time.Time
	LastActivityAt  time.Time
	Restarts        int
	Demand          bool
	Policy          Policy
}

// Lifecycle is the session state machine. It performs no I/O and takes the
// current time as an argument; the manager's run loop is its only caller.
type Lifecycle struct {
	policy Policy
	state  State
	source string
	demand bool

	generation      uint64
	streamStartedAt time.Time
	lastActivityAt  time.Time
	speechSince     time.Time // first speech fed since the last recognizer event
	gotResult       bool
	losses          int
	restarts        int
}

// NewLifecycle creates an idle lifecycle
func NewLifecycle(policy Policy, sourceLanguage string) *Lifecycle {
	return &Lifecycle{policy: policy, source: sourceLanguage, state: StateIdle}
}

// State returns the current state
func (l *Lifecycle) State() State { return l.state }

// Source returns the current source language
func (l *Lifecycle) Source() string { return l.source }

// Generation returns the generation of the latest stream
func (l *Lifecycle) Generation() uint64 { return l.generation }

// Status returns a snapshot
func (l *Lifecycle) Status() Status {
	return Status{
		State:           l.state,
		SourceLanguage:  l.source,
		Generation:      l.generation,
		StreamStartedAt: l.streamStartedAt,
		LastActivityAt:  l.lastActivityAt,
		Restarts:        l.restarts,
		Demand:          l.demand,
		Policy:          l.policy,
	}
}

func (l *Lifecycle) streamOpen() bool {
	return l.state == StateStreaming || l.state == StateStalled
}

// SetDemand records whether any channel wants output
func (l *Lifecycle) SetDemand(demand bool) Action {
	if l.state == StateStopped {
		return Action{}
	}
	l.demand = demand
	switch {
	case l.state == StatePaused:
		return Action{}
	case demand && l.state == StateIdle:
		l.state = StateRestarting
		return Action{Kind: ActionOpen}
	case !demand && l.streamOpen():
		l.state = StateIdle
		return Action{Kind: ActionClose}
	case !demand && l.state == StateRestarting:
		// an in-flight open is discarded when it completes
		l.state = StateIdle
		return Action{Kind: ActionClose}
	}
	return Action{}
}

// Pause closes the stream and drops audio until Resume
func (l *Lifecycle) Pause() Action {
	if l.state == StateStopped || l.state == StatePaused {
		return Action{}
	}
	wasOpen := l.streamOpen() || l.state == StateRestarting
	l.state = StatePaused
	if wasOpen {
		return Action{Kind: ActionClose}
	}
	return Action{}
}

// Resume leaves the paused state and reopens if there is demand
func (l *Lifecycle) Resume() Action {
	if l.state != StatePaused {
		return Action{}
	}
	if l.demand {
		l.state = StateRestarting
		return Action{Kind: ActionOpen}
	}
	l.state = StateIdle
	return Action{}
}

// SetSourceLanguage switches the recognized language; an open stream is restarted once
func (l *Lifecycle) SetSourceLanguage(code string) Action {
	if l.state == StateStopped || code == l.source {
		return Action{}
	}
	l.source = code
	if l.streamOpen() {
		l.state = StateRestarting
		return Action{Kind: ActionRestart, Reason: ReasonLanguage}
	}
	return Action{}
}

// Opened records a successfully opened stream and reports whether it should be kept
func (l *Lifecycle) Opened(now time.Time) bool {
	if l.state != StateRestarting {
		return false
	}
	l.generation++
	l.state = StateStreaming
	l.streamStartedAt = now
	l.lastActivityAt = now
	l.speechSince = time.Time{}
	l.gotResult = false
	return true
}

// Activity records any response from the recognizer
func (l *Lifecycle) Activity(now time.Time) {
	l.lastActivityAt = now
	l.speechSince = time.Time{}
	if !l.gotResult {
		l.gotResult = true
		l.losses = 0
	}
}

// SpeechFed records that audio with speech energy was sent upstream
func (l *Lifecycle) SpeechFed(now time.Time) {
	if l.speechSince.IsZero() {
		l.speechSince = now
	}
}

// Tick evaluates the duration and stall policies
func (l *Lifecycle) Tick(now time.Time) Action {
	if l.state != StateStreaming {
		return Action{}
	}
	if now.Sub(l.streamStartedAt) >= l.policy.RolloverAfter() {
		l.state = StateRestarting
		l.restarts++
		return Action{Kind: ActionRestart, Reason: ReasonRollover}
	}
	if !l.speechSince.IsZero() && now.Sub(l.speechSince) >= l.policy.StallTimeout {
		l.losses++
		if l.losses > l.policy.MaxConsecutiveRestarts {
			l.state = StateStopped
			return Action{Kind: ActionStop, Err: fmt.Errorf("%w: %d streams stalled without results: %w", ErrRestartsExhausted, l.losses, ErrStallDetected)}
		}
		l.state = StateStalled
		return Action{Kind: ActionRestart, Reason: ReasonStall}
	}
	return Action{}
}

// BeginRestart moves a stalled (or streaming) session into Restarting
func (l *Lifecycle) BeginRestart(reason Reason) {
	if l.state == StateStalled || l.state == StateStreaming {
		l.state = StateRestarting
		if reason != ReasonRollover {
			l.restarts++
		}
	} else if l.state == StateRestarting && reason == ReasonLanguage {
		l.restarts++
	}
}

// StreamLost handles an upstream stream that ended without being asked to
func (l *Lifecycle) StreamLost(err error) Action {
	if !l.streamOpen() {
		return Action{}
	}
	if resilience.IsPermanent(err) {
		l.state = StateStopped
		return Action{Kind: ActionStop, Err: err}
	}
	l.losses++
	if l.losses > l.policy.MaxConsecutiveRestarts {
		l.state = StateStopped
		return Action{Kind: ActionStop, Err: fmt.Errorf("%w: %d streams ended without results: %v", ErrRestartsExhausted, l.losses, err)}
	}
	l.state = StateRestarting
	l.restarts++
	return Action{Kind: ActionRestart, Reason: ReasonLost}
}

// Stop is terminal
func (l *Lifecycle) Stop() Action {
	if l.state == StateStopped {
		return Action{}
	}
	l.state = StateStopped
	return Action{Kind: ActionClose}
}
