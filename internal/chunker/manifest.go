package chunker

import "time"

// FECProfile describes the erasure-coding parameters negotiated for a transfer.
type FECProfile struct {
	K int `json:"k"`
	R int `json:"r"`
}

// NetworkProfile captures measured path characteristics used for autotuning.
type NetworkProfile struct {
	RTTMsAvg    float64 `json:"rtt_ms_avg"`
	RTTMsStd    float64 `json:"rtt_ms_std"`
	LossPct     float64 `json:"loss_pct"`
	Bandwidth   float64 `json:"bandwidth_mbps_est"`
	Reconnects  int     `json:"reconnects"`
	PathChanges int     `json:"path_changes"`
}

// TransferPolicies controls ack/resume/encryption behavior for a transfer.
type TransferPolicies struct {
	AckMode    string `json:"ack"`
	Resume     string `json:"resume"`
	Encryption struct {
		E2E    bool `json:"e2e"`
		AtRest bool `json:"at_rest"`
	} `json:"encryption"`
}

// EncryptedKeyBundle carries a recipient-wrapped session key alongside a manifest.
// Present only when the manifest describes encrypted chunks.
type EncryptedKeyBundle struct {
	Method             string `json:"method"`              // e.g. "x25519-hkdf-aesgcm"
	RecipientPublicKey string `json:"recipient_public_key"` // base64 X25519 public key
	EphemeralPublicKey string `json:"ephemeral_public_key"` // base64 X25519 ephemeral public key
	WrappedKey         string `json:"wrapped_key"`          // base64 ciphertext of the session key
	KeyFingerprint     string `json:"key_fingerprint"`
}

// Manifest is the content-addressed description of a chunked file. MerkleRoot is the
// file's identity: it is computed over plaintext chunk hashes regardless of whether the
// chunks are encrypted at rest, so the same content always resolves to the same identity.
type Manifest struct {
	SessionID  string            `json:"session_id"`
	FileName   string            `json:"file_name"`
	FileSize   int64             `json:"file_size"`
	ChunkSize  int               `json:"chunk_size"`
	ChunkCount int               `json:"chunk_count"`
	HashAlgo   string            `json:"hash_algo"`
	Chunks     []ChunkDescriptor `json:"chunks"`
	MerkleRoot string            `json:"merkle_root"`
	CreatedAt  time.Time         `json:"created_at"`

	IsEncrypted bool                 `json:"is_encrypted"`
	KeyBundle   *EncryptedKeyBundle  `json:"key_bundle,omitempty"`

	FEC      *FECProfile       `json:"fec_profile,omitempty"`
	Network  *NetworkProfile   `json:"network_profile,omitempty"`
	Policies *TransferPolicies `json:"transfer_policies,omitempty"`
}

// ChunkDescriptor describes a single chunk within a manifest.
type ChunkDescriptor struct {
	Index  int    `json:"index"`
	Hash   string `json:"hash"` // lowercase hex SHA-256 of the plaintext chunk
	Offset int64  `json:"offset"`
	Length int    `json:"length"`

	// Populated only when the manifest is for an encrypted transfer.
	EncryptedHash   string `json:"encrypted_hash,omitempty"`
	EncryptedLength int    `json:"encrypted_length,omitempty"`
}

// ChunkOptions configures chunking behavior.
type ChunkOptions struct {
	ChunkSize int // chunk size in bytes
}

// DefaultChunkSize is 256 KiB, matching the content-identity contract chunk pipelines
// downstream (reassembly, scheduler, multi-source partitioning) assume unless a manifest
// states otherwise.
const DefaultChunkSize = 256 * 1024

// DefaultChunkOptions returns the default chunking options.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{ChunkSize: DefaultChunkSize}
}
