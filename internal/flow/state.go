// ABOUTME: Authentication flow states reported by the orchestrator
// ABOUTME: Terminal and intermediate states with human-readable names

package flow

// State is the position of an enrollment or sign-in flow. Result structs
// carry the terminal state the flow ended in.
type State int

// Flow states
const (
	StateIdle                  State = iota // No flow in progress
	StateCheckingAvailability               // Probing the key facility
	StateUnavailable                        // Key facility missing or not set up
	StateAvailabilityConfirmed              // Key facility ready
	StateEnrolled                           // Device key created and recorded
	StateEnrollmentFailed                   // Key creation or recording failed
	StateAuthenticated                      // Challenge signature verified
	StateRejected                           // Sign-in refused: unknown user or signature did not verify
	StateFailed                             // Provider terminated the flow
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingAvailability:
		return "checking availability"
	case StateUnavailable:
		return "unavailable"
	case StateAvailabilityConfirmed:
		return "availability confirmed"
	case StateEnrolled:
		return "enrolled"
	case StateEnrollmentFailed:
		return "enrollment failed"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return "invalid state"
	}
}

// Terminal reports whether a flow ending in this state is done.
func (s State) Terminal() bool {
	switch s {
	case StateUnavailable, StateEnrolled, StateEnrollmentFailed,
		StateAuthenticated, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}
