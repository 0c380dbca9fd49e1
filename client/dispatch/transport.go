package dispatch

import (
	"context"

	"github.com/ojp-proxy/ojp-go/internal/wire"
)

// Transport is the per-endpoint RPC channel. Its concrete implementation
// (an AMQP reply-queue round trip, in the shipped driver) is the fixed
// external collaborator spec.md §1 places out of scope; this package only
// depends on the interface so endpoint selection and failure handling
// stay transport-agnostic.
type Transport interface {
	Call(ctx context.Context, env wire.Envelope) (wire.Reply, error)
	Ping(ctx context.Context) error
	Close() error
}
