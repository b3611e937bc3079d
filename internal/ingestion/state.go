package ingestion

// State is a stage of the ingestion lifecycle.
type State int

const (
	StateIdle State = iota
	StateReading
	StateValidating
	StateAccumulating
	StatePersisting
	StateReporting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateValidating:
		return "validating"
	case StateAccumulating:
		return "accumulating"
	case StatePersisting:
		return "persisting"
	case StateReporting:
		return "reporting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
