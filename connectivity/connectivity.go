// Package connectivity defines the connectivity states shared by
// subchannels, balancers, and channels.
package connectivity

import "fmt"

// State is the connectivity state of a channel or subchannel.
type State int

const (
	// Idle means no connection exists and none is being attempted.
	Idle State = iota
	// Connecting means a connection attempt is in progress.
	Connecting
	// Ready means a connection is established and usable.
	Ready
	// TransientFailure means the most recent attempt failed; a retry
	// is pending behind backoff.
	TransientFailure
	// Shutdown is terminal.
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("INVALID_STATE(%d)", int(s))
	}
}
