package network

// SemVer is a three-component semantic version, as negotiated per
// protocol in Capabilities (§3).
type SemVer struct {
	Major, Minor, Patch uint8
}

func (v SemVer) less(other SemVer) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

// FeatureFlag is an optional capability a peer may advertise (§3).
type FeatureFlag string

const (
	FeatureCompactBlocks        FeatureFlag = "CompactBlocks"
	FeatureCompactTransactions  FeatureFlag = "CompactTransactions"
	FeatureFastSync             FeatureFlag = "FastSync"
	FeatureHeaderVerification   FeatureFlag = "HeaderVerification"
	FeatureCompression          FeatureFlag = "Compression"
	FeatureEncryption           FeatureFlag = "Encryption"
	FeaturePriorityTransactions FeatureFlag = "PriorityTransactions"
	FeatureGrapheneBlockSupport FeatureFlag = "GrapheneBlockSupport"
	FeatureAnchorSync           FeatureFlag = "AnchorSync"
)

// Capabilities is the set of protocols and features a node supports
// (§3): {supported_protocols: map<ProtocolId, SemVer>, features: set<FeatureFlag>}.
type Capabilities struct {
	SupportedProtocols map[ProtocolID]SemVer
	Features           map[FeatureFlag]struct{}
}

// NewCapabilities returns an empty Capabilities ready for population.
func NewCapabilities() Capabilities {
	return Capabilities{
		SupportedProtocols: make(map[ProtocolID]SemVer),
		Features:           make(map[FeatureFlag]struct{}),
	}
}

// WithProtocol registers support for a protocol at the given version
// and returns the receiver, for fluent construction.
func (c Capabilities) WithProtocol(id ProtocolID, v SemVer) Capabilities {
	c.SupportedProtocols[id] = v
	return c
}

// WithFeature enables a feature flag and returns the receiver.
func (c Capabilities) WithFeature(f FeatureFlag) Capabilities {
	c.Features[f] = struct{}{}
	return c
}

// HasFeature reports whether a feature flag is present.
func (c Capabilities) HasFeature(f FeatureFlag) bool {
	_, ok := c.Features[f]
	return ok
}

// DefaultCapabilities returns the baseline protocol/feature set for a
// node type, mirroring the teacher's per-node-type capability wiring
// and original_source/protocol_version.rs's default_capabilities.
func DefaultCapabilities(nodeType string) Capabilities {
	caps := NewCapabilities().WithProtocol(ProtocolPeerDiscovery, SemVer{1, 0, 0})

	switch nodeType {
	case "full", "validator", "archive":
		caps = caps.
			WithProtocol(ProtocolBlockExchange, SemVer{1, 0, 0}).
			WithProtocol(ProtocolTransaction, SemVer{1, 0, 0}).
			WithFeature(FeatureCompression).
			WithFeature(FeatureCompactTransactions).
			WithFeature(FeatureCompactBlocks)
		if nodeType == "validator" {
			caps = caps.WithProtocol(ProtocolConsensus, SemVer{1, 0, 0}).
				WithFeature(FeaturePriorityTransactions)
		}
		if nodeType == "archive" {
			caps = caps.WithFeature(FeatureAnchorSync)
		}
	case "light":
		caps = caps.WithProtocol(ProtocolStateSync, SemVer{1, 0, 0}).
			WithFeature(FeatureHeaderVerification).
			WithFeature(FeatureFastSync)
	}
	return caps
}

// NegotiatedCapabilities is the outcome of reconciling local and
// remote Capabilities (§4.5).
type NegotiatedCapabilities struct {
	Protocols map[ProtocolID]SemVer
	Features  map[FeatureFlag]struct{}
}

// HasFeature reports whether a feature survived negotiation.
func (n NegotiatedCapabilities) HasFeature(f FeatureFlag) bool {
	_, ok := n.Features[f]
	return ok
}

// Negotiator reconciles a local capability set against a remote one,
// subject to a configured per-protocol minimum acceptable version
// (§4.5).
type Negotiator struct {
	Local      Capabilities
	MinVersion map[ProtocolID]SemVer
}

// NewNegotiator builds a Negotiator for the given local capabilities
// and minimum acceptable versions.
func NewNegotiator(local Capabilities, minVersion map[ProtocolID]SemVer) *Negotiator {
	if minVersion == nil {
		minVersion = make(map[ProtocolID]SemVer)
	}
	return &Negotiator{Local: local, MinVersion: minVersion}
}

// Negotiate reconciles local and remote capability sets: for each
// protocol present in both, picks version (local.major,
// min(local.minor, remote.minor), min(local.patch, remote.patch)),
// rejecting a protocol whose majors differ or whose resulting version
// falls below the configured minimum. Features are intersected. If no
// protocol overlaps beyond PeerDiscovery, negotiation fails with
// ErrIncompatibleProtocol (§4.5).
func (n *Negotiator) Negotiate(remote Capabilities) (NegotiatedCapabilities, error) {
	result := NegotiatedCapabilities{
		Protocols: make(map[ProtocolID]SemVer),
		Features:  make(map[FeatureFlag]struct{}),
	}

	for protoID, localVer := range n.Local.SupportedProtocols {
		remoteVer, ok := remote.SupportedProtocols[protoID]
		if !ok {
			continue
		}
		if localVer.Major != remoteVer.Major {
			continue
		}
		negotiated := SemVer{
			Major: localVer.Major,
			Minor: minUint8(localVer.Minor, remoteVer.Minor),
			Patch: minUint8(localVer.Patch, remoteVer.Patch),
		}
		if min, ok := n.MinVersion[protoID]; ok && negotiated.less(min) {
			continue
		}
		result.Protocols[protoID] = negotiated
	}

	for f := range n.Local.Features {
		if _, ok := remote.Features[f]; ok {
			result.Features[f] = struct{}{}
		}
	}

	hasNonDiscovery := false
	for id := range result.Protocols {
		if id != ProtocolPeerDiscovery {
			hasNonDiscovery = true
			break
		}
	}
	if !hasNonDiscovery {
		return result, ErrIncompatibleProtocol
	}
	return result, nil
}

func minUint8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}
