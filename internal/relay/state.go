package relay

// State is a connection's position in the auth state machine.
//
//	Accepted → AwaitingCredentials → Authenticated → Closed
//	                               ↘ Rejected → Closed
//
// Guard rejections go straight from Accepted to Closed.
type State int32

const (
	StateAccepted State = iota
	StateAwaitingCredentials
	StateAuthenticated
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAwaitingCredentials:
		return "awaiting_credentials"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
