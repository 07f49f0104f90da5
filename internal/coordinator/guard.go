package coordinator

// State is the decision engine's position in its Idle → Deciding →
// Executing → Idle cycle.
type State int

const (
	// StateIdle accepts a new decision cycle.
	StateIdle State = iota
	// StateDeciding is computing whether and how to rescale.
	StateDeciding
	// StateExecuting is waiting on the rescale executor.
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDeciding:
		return "deciding"
	case StateExecuting:
		return "executing"
	default:
		return "unknown"
	}
}

// guard is a single-flight latch over decision cycles. It is not
// self-locking: every call happens under Coordinator.mu so that the report
// upsert, the completeness check and the acquire form one critical section.
type guard struct {
	state State
}

// tryAcquire moves Idle to Deciding. It returns false, changing nothing,
// while another cycle holds the latch.
func (g *guard) tryAcquire() bool {
	if g.state != StateIdle {
		return false
	}
	g.state = StateDeciding
	return true
}

// advance records the next state of the cycle holding the latch.
func (g *guard) advance(s State) {
	g.state = s
}

// release returns the latch to Idle.
func (g *guard) release() {
	g.state = StateIdle
}
