// Package netmon infers the host's internet connectivity from local
// interface, address and default-route state and publishes a
// deduplicated stream of level changes. No packets are ever sent to
// probe reachability; the classification is derived entirely from what
// the OS reports about its own tables.
package netmon

import (
	"context"

	"github.com/dmdmdm-nz/connmon/internal/connstate"
	"github.com/dmdmdm-nz/connmon/internal/runtime"
)

// backend is the platform-specific event source feeding the engine.
// Each platform constructs one via newBackend.
type backend interface {
	// bootstrap loads the full current system state into st. Any
	// failure aborts the engine before anything is published.
	bootstrap(ctx context.Context, st *connstate.State) error

	// run owns the OS change subscription: it pumps normalized events
	// into sink until ctx is cancelled (returning nil) or a fatal
	// error occurs, and releases the subscription on the way out.
	// Events must arrive in sink in the order the OS reported them.
	run(ctx context.Context, sink *runtime.SubQueue[event]) error
}
