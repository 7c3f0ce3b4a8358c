// Package link holds the connection state machine and worker bookkeeping
// shared by the file-transfer and streaming services.
package link

import "fmt"

// State is a service's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Listening is used by the streaming service only.
	Listening
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Listening:
		return "listening"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is the outcome carried by a completion event.
type Result int

const (
	ResultOK Result = iota
	ResultFail
)

func (r Result) String() string {
	if r == ResultOK {
		return "ok"
	}
	return "fail"
}

func ResultOf(err error) Result {
	if err != nil {
		return ResultFail
	}
	return ResultOK
}

// Machine tracks one state value. Callers hold the service mutex.
type Machine struct {
	state State
}

func (m *Machine) State() State {
	return m.state
}

// Set moves to next and reports the previous state. changed is false when
// next equals the current state, in which case nothing is broadcast.
func (m *Machine) Set(next State) (prev State, changed bool) {
	prev = m.state
	if prev == next {
		return prev, false
	}
	m.state = next
	return prev, true
}

// Generation identifies the current worker set. Bumping it invalidates
// every worker started under an older value. Callers hold the service mutex.
type Generation struct {
	n uint64
}

func (g *Generation) Bump() uint64 {
	g.n++
	return g.n
}

func (g *Generation) Current() uint64 {
	return g.n
}

func (g *Generation) Is(n uint64) bool {
	return g.n == n
}
