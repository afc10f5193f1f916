package metadata

import (
	"testing"

	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
)

func validRecord() *Record {
	return &Record{
		MerkleRoot: "abc123",
		FileName:   "movie.mkv",
		FileSize:   1024,
		HTTPSources: []HTTPSource{{URL: "https://example.com/movie.mkv", VerifyTLS: true}},
	}
}

func TestValidate_RequiresSource(t *testing.T) {
	r := validRecord()
	r.HTTPSources = nil
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for record with no usable source")
	}
}

func TestValidate_EncryptionFieldsMustCoOccur(t *testing.T) {
	r := validRecord()
	r.IsEncrypted = true
	if err := r.Validate(); err == nil {
		t.Fatal("expected error when encrypted record is missing key bundle fields")
	}

	r.EncryptionMethod = "x25519-hkdf-aesgcm"
	r.KeyFingerprint = "fp"
	r.EncryptedKeyBundle = "bundle"
	if err := r.Validate(); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}
}

func TestValidate_AcceptsAnySourceKind(t *testing.T) {
	r := validRecord()
	r.HTTPSources = nil
	r.InfoHash = "deadbeef"
	if err := r.Validate(); err != nil {
		t.Fatalf("bittorrent-only record should be valid: %v", err)
	}
}

func TestFromManifest(t *testing.T) {
	m := &chunker.Manifest{
		FileName:   "a.bin",
		FileSize:   10,
		MerkleRoot: "root",
		Chunks: []chunker.ChunkDescriptor{
			{Index: 0, Hash: "h0", Offset: 0, Length: 10},
		},
	}
	r, err := FromManifest(m, 0.5, "0xUploader")
	if err != nil {
		t.Fatalf("FromManifest: %v", err)
	}
	if r.MerkleRoot != "root" || r.FileName != "a.bin" || !r.IsRoot {
		t.Fatalf("unexpected record: %+v", r)
	}

	decoded, err := DecodeManifest(r.Manifest)
	if err != nil {
		t.Fatalf("DecodeManifest: %v", err)
	}
	if decoded.MerkleRoot != m.MerkleRoot || len(decoded.Chunks) != 1 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestStore_PublishLookupFindProviders(t *testing.T) {
	s := NewStore()
	r := validRecord()

	if _, err := s.Lookup(r.MerkleRoot); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound before publish, got %v", err)
	}

	if err := s.Publish(r); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := s.Lookup(r.MerkleRoot)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.FileName != r.FileName {
		t.Fatalf("lookup mismatch: %+v", got)
	}

	providers, err := s.FindProviders(r.MerkleRoot)
	if err != nil {
		t.Fatalf("FindProviders: %v", err)
	}
	if len(providers) != 1 || providers[0].MerkleRoot != r.MerkleRoot {
		t.Fatalf("unexpected providers: %+v", providers)
	}
}

func TestStore_PublishRejectsInvalidRecord(t *testing.T) {
	s := NewStore()
	r := validRecord()
	r.HTTPSources = nil
	if err := s.Publish(r); err == nil {
		t.Fatal("expected publish of invalid record to fail")
	}
}
