// Package stub provides capability-reporting handlers for wire protocols this client
// recognizes and can route by identifier, but does not yet speak: BitTorrent, ED2K, FTP,
// and WebRTC. They participate in detection and multi-source scoring; any operation that
// would require actually opening a connection returns protocol.ErrNotSupported.
package stub

import (
	"context"
	"strings"

	"github.com/totoro-ming-lin/chiral-network-sub001/internal/protocol"
)

// Handler is a capability-only stand-in for a protocol this client does not implement.
type Handler struct {
	name       string
	matches    func(identifier string) bool
	capability protocol.Capabilities
}

func (s *Handler) Name() string { return s.name }

func (s *Handler) Supports(identifier string) bool { return s.matches(identifier) }

func (s *Handler) Capabilities() protocol.Capabilities { return s.capability }

func (s *Handler) Download(ctx context.Context, identifier string, destPath string, progress chan<- protocol.Progress) error {
	return protocol.ErrNotSupported
}

func (s *Handler) Seed(ctx context.Context, transferID string, filePath string) error {
	return protocol.ErrNotSupported
}

func (s *Handler) Pause(transferID string) error  { return protocol.ErrNotSupported }
func (s *Handler) Resume(transferID string) error { return protocol.ErrNotSupported }
func (s *Handler) Cancel(transferID string) error { return protocol.ErrNotSupported }

func (s *Handler) Progress(transferID string) (protocol.Progress, error) {
	return protocol.Progress{}, protocol.ErrNotSupported
}

func (s *Handler) StopSeeding(transferID string) error { return protocol.ErrNotSupported }
func (s *Handler) ListSeeding() []string                { return nil }

// BitTorrent recognizes magnet links and bare 40-character info hashes.
func BitTorrent() *Handler {
	return &Handler{
		name: "bittorrent",
		matches: func(id string) bool {
			lower := strings.ToLower(strings.TrimSpace(id))
			return strings.HasPrefix(lower, "magnet:") || (len(lower) == 40 && isHex(lower))
		},
		capability: protocol.Capabilities{MultiSource: true, Resumable: true},
	}
}

// ED2K recognizes ed2k:// links.
func ED2K() *Handler {
	return &Handler{
		name: "ed2k",
		matches: func(id string) bool {
			return strings.HasPrefix(strings.ToLower(strings.TrimSpace(id)), "ed2k:")
		},
		capability: protocol.Capabilities{MultiSource: true, Resumable: true},
	}
}

// FTP recognizes ftp:// and ftps:// URLs.
func FTP() *Handler {
	return &Handler{
		name: "ftp",
		matches: func(id string) bool {
			lower := strings.ToLower(strings.TrimSpace(id))
			return strings.HasPrefix(lower, "ftp://") || strings.HasPrefix(lower, "ftps://")
		},
		capability: protocol.Capabilities{Resumable: true},
	}
}

// WebRTC recognizes webrtc:// signaling identifiers.
func WebRTC() *Handler {
	return &Handler{
		name: "webrtc",
		matches: func(id string) bool {
			return strings.HasPrefix(strings.ToLower(strings.TrimSpace(id)), "webrtc:")
		},
		capability: protocol.Capabilities{},
	}
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}
