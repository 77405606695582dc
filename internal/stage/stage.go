// Package stage derives a prototype's lifecycle position from its commit log.
//
// Stage sequences are data, one per workflow mode. Derivation is a pure
// function of the commit list and the mode and is recomputed on every query.
package stage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stage is a lifecycle step, recorded as a leading [tag] in a commit message.
type Stage string

const (
	Init        Stage = "init"
	Spec        Stage = "spec"
	Implement   Stage = "implement"
	ReverseSpec Stage = "reverse-spec"
	Compare     Stage = "compare"
	Iterate     Stage = "iterate"
)

// None is the zero Stage, used when no next stage exists.
const None Stage = ""

// Mode selects a stage sequence.
type Mode string

const (
	ModeForward   Mode = "forward"
	ModeRoundTrip Mode = "roundtrip"
)

// Sequence is the ordered stage list for a mode.
type Sequence struct {
	Stages []Stage
	// Repeatable marks the final stage as available again once reached.
	Repeatable bool
}

// Terminal returns the last stage of the sequence.
func (s Sequence) Terminal() Stage {
	if len(s.Stages) == 0 {
		return None
	}
	return s.Stages[len(s.Stages)-1]
}

// Index returns the position of st in the sequence, or -1.
func (s Sequence) Index(st Stage) int {
	for i, candidate := range s.Stages {
		if candidate == st {
			return i
		}
	}
	return -1
}

var sequences = map[Mode]Sequence{
	ModeForward: {
		Stages:     []Stage{Init, Spec, Implement, Iterate},
		Repeatable: true,
	},
	ModeRoundTrip: {
		Stages:     []Stage{Init, Spec, Implement, ReverseSpec, Compare, Iterate},
		Repeatable: true,
	},
}

// ErrUnknownMode indicates a mode with no registered sequence.
var ErrUnknownMode = errors.New("unknown workflow mode")

// SequenceFor returns a copy of the sequence for mode.
func SequenceFor(mode Mode) (Sequence, error) {
	seq, ok := sequences[mode]
	if !ok {
		return Sequence{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	stages := make([]Stage, len(seq.Stages))
	copy(stages, seq.Stages)
	return Sequence{Stages: stages, Repeatable: seq.Repeatable}, nil
}

// Modes lists the registered modes.
func Modes() []Mode {
	return []Mode{ModeForward, ModeRoundTrip}
}

// Known reports whether st appears in any mode's sequence.
func Known(st Stage) bool {
	for _, seq := range sequences {
		if seq.Index(st) >= 0 {
			return true
		}
	}
	return false
}

// Tag is the parse result of a commit message: a recognized stage or nothing.
type Tag struct {
	stage Stage
}

// Recognized returns the parsed stage and true, or None and false.
func (t Tag) Recognized() (Stage, bool) {
	return t.stage, t.stage != None
}

// String renders the tag as it would appear in a commit message.
func (t Tag) String() string {
	if t.stage == None {
		return ""
	}
	return "[" + string(t.stage) + "]"
}

// ParseTag extracts the leading bracketed stage tag from a commit message.
// Only a tag at the very start of the message counts, and only when it names
// a stage known to some mode.
func ParseTag(message string) Tag {
	if !strings.HasPrefix(message, "[") {
		return Tag{}
	}
	end := strings.IndexByte(message, ']')
	if end < 0 {
		return Tag{}
	}
	candidate := Stage(message[1:end])
	if !Known(candidate) {
		return Tag{}
	}
	return Tag{stage: candidate}
}

// FormatMessage builds a commit message for st.
func FormatMessage(st Stage, description string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		return "[" + string(st) + "]"
	}
	return "[" + string(st) + "] " + description
}

// Commit is one entry of a branch's log between base and tip.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// Tag parses the commit's stage tag.
func (c Commit) Tag() Tag {
	return ParseTag(c.Message)
}

// State is the derived position of a branch in its workflow.
type State struct {
	Mode      Mode    `json:"mode"`
	Completed []Stage `json:"completed"`
	Next      Stage   `json:"next"`
	// Anomaly is set when the last completed stage is not part of the
	// mode's sequence.
	Anomaly bool `json:"anomaly,omitempty"`
}

// HasNext reports whether another stage may be committed.
func (s State) HasNext() bool {
	return s.Next != None
}

// Last returns the most recently completed stage, or None.
func (s State) Last() Stage {
	if len(s.Completed) == 0 {
		return None
	}
	return s.Completed[len(s.Completed)-1]
}

// Derive computes the workflow state for commits (oldest first) under mode.
func Derive(commits []Commit, mode Mode) (State, error) {
	seq, err := SequenceFor(mode)
	if err != nil {
		return State{}, err
	}

	state := State{Mode: mode, Completed: []Stage{}}
	for _, c := range commits {
		if st, ok := c.Tag().Recognized(); ok {
			state.Completed = append(state.Completed, st)
		}
	}

	last := state.Last()
	switch {
	case last == None:
		state.Next = seq.Stages[0]
	case seq.Repeatable && last == seq.Terminal():
		state.Next = last
	default:
		i := seq.Index(last)
		switch {
		case i < 0:
			state.Anomaly = true
		case i < len(seq.Stages)-1:
			state.Next = seq.Stages[i+1]
		}
	}
	return state, nil
}

// ErrStageOrderViolation matches any *OrderViolationError.
var ErrStageOrderViolation = errors.New("stage order violation")

// OrderViolationError reports a request for a stage other than the next one.
type OrderViolationError struct {
	Requested Stage
	Expected  Stage
}

// Error implements the error interface.
func (e *OrderViolationError) Error() string {
	if e.Expected == None {
		return fmt.Sprintf("stage %q not allowed: workflow has no next stage", e.Requested)
	}
	return fmt.Sprintf("stage %q not allowed: expected %q", e.Requested, e.Expected)
}

// Is matches ErrStageOrderViolation.
func (e *OrderViolationError) Is(target error) bool {
	return target == ErrStageOrderViolation
}

// Validate checks that requested is the state's next stage.
func Validate(state State, requested Stage) error {
	if !state.HasNext() || requested != state.Next {
		return &OrderViolationError{Requested: requested, Expected: state.Next}
	}
	return nil
}
