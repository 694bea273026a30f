package avcore

import "sync"

// State is the adapter lifecycle shared by every send/receive-shaped
// component in this module (codec.Decoder/Encoder/BSF, filter.Graph,
// filter.ComplexGraph), per spec §4.2/§9's "replace booleans with a state
// enum" guidance.
type State int

const (
	StateFresh State = iota
	StateInitialized
	StateFlushing
	StateDrained
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateFlushing:
		return "flushing"
	case StateDrained:
		return "drained"
	case StateFaulted:
		return "faulted"
	case StateFresh:
		return "fresh"
	default:
		return "unknown"
	}
}

// Status is the tagged three-way Receive result spec §9 calls for:
// "Output(T), NeedMoreInput, EndOfStream" — never a bare nil.
type Status int

const (
	StatusOutput Status = iota
	StatusNeedMoreInput
	StatusEndOfStream
)

// Lifecycle is embedded by every adapter to share state-machine bookkeeping.
// It holds no collaborator handle itself since that type differs across
// embedders (CodecContext, FilterGraph, …).
type Lifecycle struct {
	mu    sync.Mutex
	state State
	err   error
}

func (l *Lifecycle) SnapshotState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CheckUsable fails fast once the adapter has faulted, per spec §7
// ("further operations fail with the recorded error").
func (l *Lifecycle) CheckUsable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateFaulted {
		return l.err
	}
	return nil
}

func (l *Lifecycle) Fault(op string, kind Kind, err error) error {
	wrapped := Wrap(op, kind, err)
	l.mu.Lock()
	l.state = StateFaulted
	l.err = wrapped
	l.mu.Unlock()
	return wrapped
}

func (l *Lifecycle) Transition(to State) {
	l.mu.Lock()
	l.state = to
	l.mu.Unlock()
}

// TransitionIf performs a compare-and-swap style transition, used for
// exactly-once lazy initialization even under concurrent first calls.
func (l *Lifecycle) TransitionIf(from, to State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == from {
		l.state = to
		return true
	}
	return false
}
