package metadata

import (
	"encoding/json"

	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
)

// encodeManifest serializes a chunk manifest to the JSON-encoded-string form the wire
// contract expects inside a Record (stringified JSON nested in JSON).
func encodeManifest(m *chunker.Manifest) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeManifest parses the JSON-encoded manifest string back into a chunker.Manifest.
func DecodeManifest(encoded string) (*chunker.Manifest, error) {
	var m chunker.Manifest
	if err := json.Unmarshal([]byte(encoded), &m); err != nil {
		return nil, err
	}
	return &m, nil
}
