package orchestrator

import "time"

// State is a phase of a single conversation.
type State int

const (
	StateValidating State = iota
	StateLaunching
	StateHandshaking
	StateCalling
	StateCollecting
	StateClosing
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateLaunching:
		return "launching"
	case StateHandshaking:
		return "handshaking"
	case StateCalling:
		return "calling"
	case StateCollecting:
		return "collecting"
	case StateClosing:
		return "closing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Operation names what a conversation asked the tool for.
type Operation string

const (
	OpCall      Operation = "call"
	OpListTools Operation = "list-tools"
)

// Conversation summarises one finished conversation for observers. Phase is
// the last phase entered before closing; State passes through StateClosing
// and ends as StateSucceeded or StateFailed. Launched and Closed bracket the
// lifetime of the child and stay zero when none was started. ExitCode is -1
// when no process ran or it was killed by a signal.
type Conversation struct {
	Script    string        `json:"script"`
	Operation Operation     `json:"operation"`
	Tool      string        `json:"tool,omitempty"`
	Phase     State         `json:"phase"`
	State     State         `json:"state"`
	Kind      Kind          `json:"kind,omitempty"`
	Started   time.Time     `json:"started"`
	Launched  time.Time     `json:"launched,omitzero"`
	Closed    time.Time     `json:"closed,omitzero"`
	Finished  time.Time     `json:"finished"`
	Duration  time.Duration `json:"duration"`
	ExitCode  int           `json:"exit_code"`
}
