package wprobe

import "fmt"

// Stage is a step of a probe run.
// Stages are entered strictly in order.
type Stage uint8

const (
	StageUninitialized Stage = iota
	StageIdentityReady
	StageTransportsReady
	StageOverlayJoined
	StagePeerRegistered
	StageQueriesInFlight
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageUninitialized:
		return "Uninitialized"
	case StageIdentityReady:
		return "IdentityReady"
	case StageTransportsReady:
		return "TransportsReady"
	case StageOverlayJoined:
		return "OverlayJoined"
	case StagePeerRegistered:
		return "PeerRegistered"
	case StageQueriesInFlight:
		return "QueriesInFlight"
	case StageDone:
		return "Done"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// FatalSetupError is returned from [Run] when a step
// up to and including joining the overlay fails.
type FatalSetupError struct {
	// The last stage reached before the failure.
	Stage Stage
	Err   error
}

func (e FatalSetupError) Error() string {
	return fmt.Sprintf("probe setup failed after %s: %v", e.Stage, e.Err)
}

func (e FatalSetupError) Unwrap() error { return e.Err }
