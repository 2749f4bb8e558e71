package call

// Status is the in-memory state of the local call session. The manager is
// idle exactly when no session exists.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusCalling   Status = "calling"
	StatusIncoming  Status = "incoming"
	StatusAnswering Status = "answering"
	StatusConnected Status = "connected"
)

// statusEdges lists the legal forward transitions. Teardown to idle is legal
// from every non-idle status and is not listed here.
var statusEdges = map[Status][]Status{
	StatusIdle:      {StatusCalling, StatusIncoming},
	StatusCalling:   {StatusConnected},
	StatusIncoming:  {StatusAnswering},
	StatusAnswering: {StatusConnected},
	StatusConnected: {},
}

// canTransition reports whether moving from s to next follows a defined edge.
func (s Status) canTransition(next Status) bool {
	if next == StatusIdle {
		return s != StatusIdle
	}
	for _, edge := range statusEdges[s] {
		if edge == next {
			return true
		}
	}
	return false
}
