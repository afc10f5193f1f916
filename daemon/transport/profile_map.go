package transport

import (
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
)

// NetworkClass buckets a peer's measured network profile into a transport shape,
// replacing a lookup keyed by application domain with one keyed by observed link
// quality, since a file-sharing client has no a priori notion of its peers' domain.
type NetworkClass string

const (
	NetworkClassGood   NetworkClass = "good"   // low RTT, low loss
	NetworkClassNormal NetworkClass = "normal" // default, unmeasured or middling
	NetworkClassPoor   NetworkClass = "poor"   // high RTT, high loss, or frequent reconnects
)

// ClassifyNetwork derives a NetworkClass from a manifest's measured network profile.
func ClassifyNetwork(n chunker.NetworkProfile) NetworkClass {
	switch {
	case n.LossPct > 5 || n.RTTMsAvg > 300 || n.Reconnects > 2:
		return NetworkClassPoor
	case n.LossPct < 1 && n.RTTMsAvg > 0 && n.RTTMsAvg < 80:
		return NetworkClassGood
	default:
		return NetworkClassNormal
	}
}

// DefaultTransportProfile returns the per-priority-class stream/chunking config for a
// given network class and chunk size, replacing a fixed set of named verticals with a
// profile driven purely by the transfer's own manifest and measured link quality.
func DefaultTransportProfile(class NetworkClass, chunkBytes int) DomainTransportProfile {
	if chunkBytes <= 0 {
		chunkBytes = chunker.DefaultChunkSize
	}
	switch class {
	case NetworkClassGood:
		return DomainTransportProfile{
			P0: ClassConfig{Ack: AckImmediate, Streams: 2, ChunkBytes: chunkBytes},
			P1: ClassConfig{Ack: AckDelayed10ms, Streams: 6, ChunkBytes: chunkBytes},
			P2: ClassConfig{Ack: AckDelayed25ms, Streams: 8, ChunkBytes: 4 * chunkBytes},
		}
	case NetworkClassPoor:
		return DomainTransportProfile{
			P0: ClassConfig{Ack: AckDelayed10ms, Streams: 1, ChunkBytes: chunkBytes},
			P1: ClassConfig{Ack: AckDelayed10ms, Streams: 1, ChunkBytes: chunkBytes},
			P2: ClassConfig{Ack: AckDelayed10ms, Streams: 2, ChunkBytes: chunkBytes},
		}
	case NetworkClassNormal:
		fallthrough
	default:
		return DomainTransportProfile{
			P0: ClassConfig{Ack: AckDelayed10ms, Streams: 1, ChunkBytes: chunkBytes},
			P1: ClassConfig{Ack: AckDelayed10ms, Streams: 4, ChunkBytes: chunkBytes},
			P2: ClassConfig{Ack: AckDelayed25ms, Streams: 6, ChunkBytes: 2 * chunkBytes},
		}
	}
}
