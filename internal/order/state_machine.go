package order

// State is an order's lifecycle state (spec §3).
type State string

const (
	Created           State = "CREATED"
	Staged            State = "STAGED"
	RiskAccepted      State = "RISK_ACCEPTED"
	Sent              State = "SENT"
	Live              State = "LIVE"
	CancelRequested   State = "CANCEL_REQUESTED"
	CancelSent        State = "CANCEL_SENT"
	ReplaceRequested  State = "REPLACE_REQUESTED"
	ReplaceRejected   State = "REPLACE_REJECTED"
	ReplaceSent       State = "REPLACE_SENT"
	PartiallyFilled   State = "PARTIALLY_FILLED"
	RiskRejected      State = "RISK_REJECTED"
	Rejected          State = "REJECTED"
	Filled            State = "FILLED"
	Canceled          State = "CANCELED"
)

// closedStates is the terminal set (spec §3).
var closedStates = map[State]bool{
	RiskRejected: true,
	Rejected:     true,
	Filled:       true,
	Canceled:     true,
}

// clusterStates mutually reach each other (spec §3).
var clusterStates = []State{
	CancelRequested,
	CancelSent,
	ReplaceRequested,
	ReplaceRejected,
	ReplaceSent,
	PartiallyFilled,
}

// IsClosed reports whether s is a terminal state.
func IsClosed(s State) bool { return closedStates[s] }

func isCluster(s State) bool {
	for _, c := range clusterStates {
		if c == s {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the set of states reachable from source in
// one step (spec §3's order state machine). It is a pure function: the
// same source always yields the same result. An empty/nil result means
// no transition out of source is legal (source is closed).
func AllowedTransitions(source State) map[State]bool {
	if closedStates[source] {
		return nil
	}

	allowed := make(map[State]bool, len(closedStates)+4)
	// Any open state may jump to any closed state.
	for s := range closedStates {
		allowed[s] = true
	}

	switch source {
	case Created:
		allowed[Staged] = true
	case Staged:
		allowed[RiskAccepted] = true
		allowed[CancelRequested] = true
		allowed[ReplaceRequested] = true
	case RiskAccepted:
		allowed[Sent] = true
		allowed[CancelRequested] = true
		allowed[ReplaceRequested] = true
	case Sent:
		allowed[Live] = true
		allowed[CancelRequested] = true
		allowed[ReplaceRequested] = true
		allowed[PartiallyFilled] = true
	case Live:
		allowed[CancelRequested] = true
		allowed[ReplaceRequested] = true
		allowed[PartiallyFilled] = true
	default:
		if isCluster(source) {
			for _, s := range clusterStates {
				allowed[s] = true
			}
			delete(allowed, source)
			if source == ReplaceRequested || source == ReplaceSent || source == ReplaceRejected {
				allowed[Live] = true
			}
		}
	}
	return allowed
}

// CanTransition reports whether target is reachable from source in one
// step, or equals source (a no-op the caller should short-circuit before
// calling this, per spec §4.1's "no-op if target equals current").
func CanTransition(source, target State) bool {
	if source == target {
		return true
	}
	return AllowedTransitions(source)[target]
}
