package orchestration

// State is the lifecycle state of a session pipeline.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateGenerating State = "generating"
)

func (s State) String() string { return string(s) }
