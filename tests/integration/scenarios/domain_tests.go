package scenarios

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
)

// Test_CAS_Skip_Scheduling verifies that CAS bitmap detection produces expected ranges for skip.
func Test_CAS_Skip_Scheduling(t *testing.T) {
	// Build a dummy manifest with 5 chunks and hashes from data
	dir := t.TempDir()
	file := filepath.Join(dir, "data.bin")
	payload := make([]byte, 5*256)
	for i := range payload { payload[i] = byte(i%251) }
	if err := os.WriteFile(file, payload, 0644); err != nil { t.Fatalf("write: %v", err) }
	mf, err := chunker.ComputeManifest(file, chunker.ChunkOptions{ChunkSize: 256})
	if err != nil { t.Fatalf("manifest: %v", err) }
	// Init CAS and pre-populate with first two chunk hashes
	tc := &testCAS{m: map[string]bool{}}
	for _, ch := range mf.Chunks[:2] { tc.m[ch.Hash] = true }
	// Build ranges using same logic as receiver
	var idxs []int64
	for _, ch := range mf.Chunks { if tc.HasChunk(ch.Hash) { idxs = append(idxs, int64(ch.Index)) } }
	// Local simple range compressor (mirrors transport behavior)
	type rc struct{}
	compress := func(idxs []int64) string {
		if len(idxs) == 0 { return "" }
		r := ""
		s := idxs[0]
		p := idxs[0]
		for i := 1; i < len(idxs); i++ {
			c := idxs[i]
			if c == p+1 { p = c; continue }
			if s == p { r += fmt.Sprintf("%d,", s) } else { r += fmt.Sprintf("%d-%d,", s, p) }
			s = c; p = c
		}
		if s == p { r += fmt.Sprintf("%d", s) } else { r += fmt.Sprintf("%d-%d", s, p) }
		return r
	}
	ranges := compress(idxs)
	if ranges != "0-1" {
		t.Fatalf("expected ranges '0-1', got %q", ranges)
	}
}

type testCAS struct{ m map[string]bool }
func (t *testCAS) HasChunk(hash string) bool { return t.m[hash] }
func (t *testCAS) PutChunk(hash string, length int) error { t.m[hash] = true; return nil }

