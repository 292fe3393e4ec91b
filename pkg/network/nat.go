package network

import "context"

// NATTraversal is invoked through abstract calls only; the wire-level
// UPnP/STUN/PCP implementation is external to this core (§1 Non-goal:
// "NAT traversal wire implementation"). Service always uses the no-op
// implementation below; it has no option for supplying another.
type NATTraversal interface {
	// MapPort requests an external-facing mapping for a local port,
	// returning the externally reachable endpoint.
	MapPort(ctx context.Context, localPort uint16) (Endpoint, error)
	// UnmapPort releases a previously requested mapping.
	UnmapPort(ctx context.Context, localPort uint16) error
	// ExternalAddress returns this node's best-known externally
	// reachable address, if any has been established.
	ExternalAddress() (Endpoint, bool)
}

// noopNATTraversal is used when NAT traversal is disabled in
// configuration; every call is a no-op that reports nothing is
// configured, rather than silently pretending to succeed.
type noopNATTraversal struct{}

func (noopNATTraversal) MapPort(context.Context, uint16) (Endpoint, error) {
	return Endpoint{}, ErrNatTraversalNotConfigured
}

func (noopNATTraversal) UnmapPort(context.Context, uint16) error {
	return ErrNatTraversalNotConfigured
}

func (noopNATTraversal) ExternalAddress() (Endpoint, bool) {
	return Endpoint{}, false
}

// NewNoopNATTraversal returns a NATTraversal that always reports
// itself unconfigured, the default when EnableUPnP/EnableNATTraversal
// are both false.
func NewNoopNATTraversal() NATTraversal {
	return noopNATTraversal{}
}
