// Package metadata defines the publishable FileMetadata record that binds a file's
// content identity (merkle root) to its enumerated sources, and a process-local record
// store that stands in for the DHT publish/lookup facade.
package metadata

import (
	"errors"
	"sync"
	"time"

	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
)

var ErrNotFound = errors.New("metadata: record not found")

// HTTPSource describes a byte-range-capable HTTP(S) source.
type HTTPSource struct {
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	VerifyTLS bool              `json:"verifyTls"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

// FTPSource describes an FTP(S) source.
type FTPSource struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"encryptedPassword,omitempty"`
	Passive  bool   `json:"passive"`
	TLS      bool   `json:"tls"`
}

// ED2KSource describes an ED2K server/file pointer.
type ED2KSource struct {
	ServerURL    string   `json:"serverUrl"`
	FileHash     string   `json:"fileHash"`
	Size         int64    `json:"size"`
	ChunkHashes  []string `json:"chunkHashes,omitempty"`
}

// Record is the publishable, network-facing description of a file.
type Record struct {
	MerkleRoot      string    `json:"merkleRoot"`
	FileName        string    `json:"fileName"`
	FileSize        int64     `json:"fileSize"`
	CreatedAt       time.Time `json:"createdAt"`
	MimeType        string    `json:"mimeType,omitempty"`

	IsEncrypted        bool   `json:"isEncrypted"`
	EncryptionMethod   string `json:"encryptionMethod,omitempty"`
	KeyFingerprint     string `json:"keyFingerprint,omitempty"`
	EncryptedKeyBundle string `json:"encryptedKeyBundle,omitempty"`

	HTTPSources []HTTPSource `json:"httpSources,omitempty"`
	FTPSources  []FTPSource  `json:"ftpSources,omitempty"`
	ED2KSources []ED2KSource `json:"ed2kSources,omitempty"`
	InfoHash    string       `json:"infoHash,omitempty"`
	Trackers    []string     `json:"trackers,omitempty"`
	CIDs        []string     `json:"cids,omitempty"`

	IsRoot         bool    `json:"isRoot"`
	ParentHash     string  `json:"parentHash,omitempty"`
	Price          float64 `json:"price"`
	UploaderAddress string `json:"uploaderAddress,omitempty"`

	// Manifest carries the chunk manifest as a JSON-encoded string so late joiners can
	// verify chunk hashes without a separate manifest fetch.
	Manifest string `json:"manifest,omitempty"`
}

// Validate enforces the record invariants: encryption fields travel together, and at
// least one source must exist for the record to be usable.
func (r *Record) Validate() error {
	if r.IsEncrypted {
		if r.EncryptionMethod == "" || r.KeyFingerprint == "" || r.EncryptedKeyBundle == "" {
			return errors.New("metadata: encrypted record missing method/fingerprint/key bundle")
		}
	}
	if len(r.HTTPSources) == 0 && len(r.FTPSources) == 0 && len(r.ED2KSources) == 0 &&
		r.InfoHash == "" && len(r.CIDs) == 0 {
		return errors.New("metadata: record has no usable source")
	}
	return nil
}

// FromManifest builds a Record's identity and chunk manifest fields from a chunker
// manifest, leaving sources to be filled in by the caller.
func FromManifest(m *chunker.Manifest, price float64, uploaderAddress string) (*Record, error) {
	encoded, err := encodeManifest(m)
	if err != nil {
		return nil, err
	}
	return &Record{
		MerkleRoot:      m.MerkleRoot,
		FileName:        m.FileName,
		FileSize:        m.FileSize,
		CreatedAt:       time.Now(),
		IsRoot:          true,
		Price:           price,
		UploaderAddress: uploaderAddress,
		Manifest:        encoded,
	}, nil
}

// Store is a process-local, upsert-by-merkle-root record registry. It satisfies the
// "find-providers / publish-record" interface a real DHT would back; it makes no claim to
// distributed consistency.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewStore creates an empty record store.
func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Publish inserts or replaces a record, keyed by its merkle root.
func (s *Store) Publish(r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.MerkleRoot] = r
	return nil
}

// Lookup returns the record for a merkle root.
func (s *Store) Lookup(merkleRoot string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[merkleRoot]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// FindProviders returns the record published under merkleRoot as a one-element slice (a
// stand-in for DHT provider discovery, which would normally return peer ids rather than
// whole records).
func (s *Store) FindProviders(merkleRoot string) ([]*Record, error) {
	r, err := s.Lookup(merkleRoot)
	if err != nil {
		return nil, err
	}
	return []*Record{r}, nil
}
