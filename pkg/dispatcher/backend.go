package dispatcher

import (
	"context"
	"time"
)

// Handle identifies a started Deploy to the backend
type Handle interface {
	String() string
}

// Verdict is the outcome of a health wait
type Verdict struct {
	Stable bool
	Reason string
}

// Stable returns a passing verdict
func Stable() Verdict {
	return Verdict{Stable: true}
}

// Failed returns a failing verdict
func Failed(reason string) Verdict {
	return Verdict{Reason: reason}
}

// Backend performs the side effects the dispatcher decides on
type Backend interface {
	// Start launches the Deploy's workload and registers its services. It
	// must be safe to call while another Deploy's handle is live.
	Start(ctx context.Context, d Deploy) (Handle, error)

	// AwaitHealth blocks until every declared service passes its check,
	// the workload exits, or ctx ends.
	AwaitHealth(ctx context.Context, h Handle) Verdict

	// Stop deregisters services and terminates the workload, allowing it
	// killTimeout to exit. Stopping a stopped handle is not an error.
	Stop(ctx context.Context, h Handle, killTimeout time.Duration) error
}
