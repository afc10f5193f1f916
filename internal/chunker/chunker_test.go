package chunker

import (
	"os"
	"path/filepath"
	"testing"
)

func TestComputeManifest_SmallFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "small.bin")

	testData := []byte("hello")
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	opts := DefaultChunkOptions()
	manifest, err := ComputeManifest(testFile, opts)
	if err != nil {
		t.Fatalf("ComputeManifest failed: %v", err)
	}

	if manifest.ChunkCount != 1 {
		t.Errorf("Expected 1 chunk, got %d", manifest.ChunkCount)
	}
	if manifest.FileSize != int64(len(testData)) {
		t.Errorf("Expected file size %d, got %d", len(testData), manifest.FileSize)
	}
	if manifest.FileName != "small.bin" {
		t.Errorf("Expected filename 'small.bin', got %s", manifest.FileName)
	}
	if manifest.HashAlgo != "SHA-256" {
		t.Errorf("Expected hash algorithm 'SHA-256', got %s", manifest.HashAlgo)
	}
	if len(manifest.Chunks) != 1 {
		t.Errorf("Expected 1 chunk descriptor, got %d", len(manifest.Chunks))
	}
	if manifest.Chunks[0].Length != len(testData) {
		t.Errorf("Expected chunk length %d, got %d", len(testData), manifest.Chunks[0].Length)
	}
	if manifest.MerkleRoot == "" {
		t.Error("Merkle root should not be empty")
	}
}

// TestComputeManifest_S1 pins the exact scenario: "hello" at chunk size 4 must produce
// chunk0 = SHA256("hell"), chunk1 = SHA256("o"), merkle_root = SHA256(chunk0||chunk1).
func TestComputeManifest_S1(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "hello.bin")
	if err := os.WriteFile(testFile, []byte("hello"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	manifest, err := ComputeManifest(testFile, ChunkOptions{ChunkSize: 4})
	if err != nil {
		t.Fatalf("ComputeManifest failed: %v", err)
	}

	wantChunk0 := HashChunk([]byte("hell"))
	wantChunk1 := HashChunk([]byte("o"))

	if manifest.ChunkCount != 2 {
		t.Fatalf("Expected 2 chunks, got %d", manifest.ChunkCount)
	}
	if manifest.Chunks[0].Hash != wantChunk0 {
		t.Errorf("chunk0 hash = %s, want %s", manifest.Chunks[0].Hash, wantChunk0)
	}
	if manifest.Chunks[1].Hash != wantChunk1 {
		t.Errorf("chunk1 hash = %s, want %s", manifest.Chunks[1].Hash, wantChunk1)
	}

	wantRoot, err := ComputeMerkleRoot([]string{wantChunk0, wantChunk1})
	if err != nil {
		t.Fatalf("ComputeMerkleRoot failed: %v", err)
	}
	if manifest.MerkleRoot != wantRoot {
		t.Errorf("merkle root = %s, want %s", manifest.MerkleRoot, wantRoot)
	}
}

func TestComputeManifest_MultipleChunks(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "multi.bin")

	chunkSize := 1024 * 1024
	testData := make([]byte, chunkSize*2+chunkSize/2)
	for i := range testData {
		testData[i] = byte(i % 256)
	}
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	opts := ChunkOptions{ChunkSize: chunkSize}
	manifest, err := ComputeManifest(testFile, opts)
	if err != nil {
		t.Fatalf("ComputeManifest failed: %v", err)
	}

	if manifest.ChunkCount != 3 {
		t.Errorf("Expected 3 chunks, got %d", manifest.ChunkCount)
	}
	if manifest.Chunks[0].Length != chunkSize {
		t.Errorf("Chunk 0 expected length %d, got %d", chunkSize, manifest.Chunks[0].Length)
	}
	if manifest.Chunks[1].Length != chunkSize {
		t.Errorf("Chunk 1 expected length %d, got %d", chunkSize, manifest.Chunks[1].Length)
	}
	if manifest.Chunks[2].Length != chunkSize/2 {
		t.Errorf("Chunk 2 expected length %d, got %d", chunkSize/2, manifest.Chunks[2].Length)
	}
	if manifest.Chunks[1].Offset != int64(chunkSize) {
		t.Errorf("Chunk 1 expected offset %d, got %d", chunkSize, manifest.Chunks[1].Offset)
	}
}

func TestComputeManifest_Deterministic(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "deterministic.bin")

	testData := []byte("Deterministic test data")
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	opts := DefaultChunkOptions()
	manifest1, err := ComputeManifest(testFile, opts)
	if err != nil {
		t.Fatalf("First ComputeManifest failed: %v", err)
	}
	manifest2, err := ComputeManifest(testFile, opts)
	if err != nil {
		t.Fatalf("Second ComputeManifest failed: %v", err)
	}

	if manifest1.Chunks[0].Hash != manifest2.Chunks[0].Hash {
		t.Error("Chunk hashes should be identical for same file")
	}
	if manifest1.MerkleRoot != manifest2.MerkleRoot {
		t.Error("Merkle roots should be identical for same file")
	}
}

func TestReadChunk(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "chunks.bin")

	chunkSize := 1024
	testData := make([]byte, chunkSize*3)
	for i := range testData {
		testData[i] = byte(i % 256)
	}
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	chunk0, err := ReadChunk(testFile, 0, chunkSize)
	if err != nil {
		t.Fatalf("ReadChunk(0) failed: %v", err)
	}
	if len(chunk0) != chunkSize {
		t.Errorf("Expected chunk size %d, got %d", chunkSize, len(chunk0))
	}

	chunk1, err := ReadChunk(testFile, 1, chunkSize)
	if err != nil {
		t.Fatalf("ReadChunk(1) failed: %v", err)
	}
	if len(chunk1) != chunkSize {
		t.Errorf("Expected chunk size %d, got %d", chunkSize, len(chunk1))
	}

	for i := 0; i < chunkSize; i++ {
		if chunk0[i] != testData[i] {
			t.Errorf("Chunk 0 byte %d mismatch", i)
			break
		}
		if chunk1[i] != testData[chunkSize+i] {
			t.Errorf("Chunk 1 byte %d mismatch", i)
			break
		}
	}
}

func TestComputeManifest_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "empty.bin")

	if err := os.WriteFile(testFile, []byte{}, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	opts := DefaultChunkOptions()
	manifest, err := ComputeManifest(testFile, opts)
	if err != nil {
		t.Fatalf("ComputeManifest failed: %v", err)
	}

	if manifest.FileSize != 0 {
		t.Errorf("Expected file size 0, got %d", manifest.FileSize)
	}
	if manifest.ChunkCount != 1 {
		t.Errorf("Expected 1 chunk for empty file, got %d", manifest.ChunkCount)
	}
}

func TestComputeManifest_FileNotFound(t *testing.T) {
	_, err := ComputeManifest("/nonexistent/file.bin", DefaultChunkOptions())
	if err == nil {
		t.Error("Expected error for non-existent file")
	}
}
