// Package channels defines the adapter contract for message transports and
// the manager that routes bus traffic to them. Concrete adapters live in
// subpackages, one per transport.
package channels

import (
	"context"
	"errors"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Transport failure classes surfaced by Start.
var (
	// ErrTransportUnavailable means required credentials or endpoints are
	// missing from the settings.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrDependencyMissing means an optional runtime dependency (a local
	// daemon, a session file) is absent.
	ErrDependencyMissing = errors.New("dependency missing")
)

// Adapter is one message transport. Start is idempotent and non-blocking:
// it attaches to the bus and spawns whatever loop the transport requires.
// Send receives every outbound message for the adapter's chats, including
// stream chunks and end markers; adapters that cannot stream buffer per
// chat and flush on the end marker.
type Adapter interface {
	Channel() models.Channel
	Start(ctx context.Context, b *bus.Bus) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg *models.OutboundMessage) error
}
