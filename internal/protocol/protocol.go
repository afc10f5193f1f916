// Package protocol defines the wire-protocol handler contract that every download/seed
// backend implements, plus a detector that routes an identifier to its handler.
package protocol

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotSupported     = errors.New("protocol: operation not supported by this handler")
	ErrUnknownIdentifier = errors.New("protocol: no handler supports this identifier")
)

// Capabilities describes what a handler can and cannot do, used both for routing
// decisions and for the multi-source coordinator's scoring.
type Capabilities struct {
	CanDownload bool
	CanSeed     bool
	MultiSource bool // supports fetching disjoint byte ranges concurrently
	Resumable   bool
}

// Progress reports a single download or seed operation's current state.
type Progress struct {
	TransferID      string
	BytesDone       int64
	BytesTotal      int64
	ChunksDone      int
	ChunksTotal     int
	State           string // "running", "paused", "completed", "failed", "canceled"
	Err             error
}

// Handler is implemented by each concrete wire protocol (HTTP, the native Chiral
// QUIC transport, and capability-only stubs for protocols this client does not yet
// speak fluently).
type Handler interface {
	// Name returns the handler's protocol identifier, e.g. "http", "chiral".
	Name() string

	// Supports reports whether this handler can act on the given identifier
	// (a URL, magnet link, info-hash, or bare hex merkle root).
	Supports(identifier string) bool

	Capabilities() Capabilities

	// Download fetches the resource named by identifier into destPath, reporting
	// progress on the optional progress channel (nil is fine if unused).
	Download(ctx context.Context, identifier string, destPath string, progress chan<- Progress) error

	// Seed begins serving filePath under the given transfer identity.
	Seed(ctx context.Context, transferID string, filePath string) error

	Pause(transferID string) error
	Resume(transferID string) error
	Cancel(transferID string) error

	Progress(transferID string) (Progress, error)

	// StopSeeding halts an active seed session.
	StopSeeding(transferID string) error

	// ListSeeding returns transfer ids this handler is currently seeding.
	ListSeeding() []string
}

// Registry routes identifiers to the handler willing to serve them.
type Registry struct {
	handlers []Handler
}

// NewRegistry builds a registry from an ordered list of handlers; earlier handlers are
// preferred when more than one supports an identifier.
func NewRegistry(handlers ...Handler) *Registry {
	return &Registry{handlers: handlers}
}

// Detect returns the first handler that supports the given identifier.
func (r *Registry) Detect(identifier string) (Handler, error) {
	for _, h := range r.handlers {
		if h.Supports(identifier) {
			return h, nil
		}
	}
	return nil, ErrUnknownIdentifier
}

// ByName looks up a registered handler by its protocol name.
func (r *Registry) ByName(name string) (Handler, bool) {
	for _, h := range r.handlers {
		if h.Name() == name {
			return h, true
		}
	}
	return nil, false
}

// All returns every registered handler.
func (r *Registry) All() []Handler {
	return r.handlers
}

// IdentifierKind classifies a raw identifier string by its scheme.
type IdentifierKind string

const (
	KindMagnet   IdentifierKind = "magnet"
	KindED2K     IdentifierKind = "ed2k"
	KindHTTP     IdentifierKind = "http"
	KindFTP      IdentifierKind = "ftp"
	KindBareHash IdentifierKind = "hash"
	KindUnknown  IdentifierKind = "unknown"
)

// ClassifyIdentifier inspects an identifier's scheme/shape to determine its kind,
// independent of which handler ultimately claims it.
func ClassifyIdentifier(identifier string) IdentifierKind {
	lower := strings.ToLower(strings.TrimSpace(identifier))
	switch {
	case strings.HasPrefix(lower, "magnet:"):
		return KindMagnet
	case strings.HasPrefix(lower, "ed2k:"):
		return KindED2K
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return KindHTTP
	case strings.HasPrefix(lower, "ftp://"), strings.HasPrefix(lower, "ftps://"):
		return KindFTP
	case isHexString(lower) && (len(lower) == 64 || len(lower) == 40):
		return KindBareHash
	default:
		return KindUnknown
	}
}

func isHexString(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}
