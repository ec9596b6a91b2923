package supervisor

import "fmt"

// State is the supervisor lifecycle state.
type State int

const (
	NotStarted State = iota
	Spawning
	Bootstrapping
	Running
	Terminating
	Terminated
	Failed
)

var stateNames = [...]string{
	NotStarted:    "not_started",
	Spawning:      "spawning",
	Bootstrapping: "bootstrapping",
	Running:       "running",
	Terminating:   "terminating",
	Terminated:    "terminated",
	Failed:        "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown supervisor state %q", b)
}

func allStateNames() []string { return stateNames[:] }
