package replica

import "fmt"

// State is the lifecycle position of a Group.
type State uint8

const (
	// StateCreated: tasks and payload allocated, nothing assigned yet.
	StateCreated State = iota
	// StateDispatched: offset and operation assigned for this round.
	StateDispatched
	// StateAwaitingCompletions: at least one member was handed to a backend.
	StateAwaitingCompletions
	// StateComplete: every member completed this round.
	StateComplete
	// StateRenewed: counter reset and sequence advanced, ready for another round.
	StateRenewed
	// StateReleased: tasks and payload returned to the arena. Terminal.
	StateReleased
)

var stateNames = [...]string{
	StateCreated:             "created",
	StateDispatched:          "dispatched",
	StateAwaitingCompletions: "awaiting",
	StateComplete:            "complete",
	StateRenewed:             "renewed",
	StateReleased:            "released",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// NextSeq advances a group sequence id by step, skipping the reserved value 0
// on wraparound.
func NextSeq(prev, step uint32) uint32 {
	next := prev + step
	if next == 0 {
		next = 1
	}
	return next
}
