package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ComputeManifest splits the file at filePath into fixed-size, content-addressed chunks
// and returns the resulting manifest. Hashing is deterministic: identical bytes and chunk
// size always produce an identical manifest (session_id and created_at excluded).
func ComputeManifest(filePath string, options ChunkOptions) (*Manifest, error) {
	if options.ChunkSize <= 0 {
		options = DefaultChunkOptions()
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	fileSize := fileInfo.Size()
	fileName := filepath.Base(filePath)
	sessionID := uuid.New().String()

	if fileSize == 0 {
		emptySum := sha256.Sum256(nil)
		emptyHash := hex.EncodeToString(emptySum[:])
		chunks := []ChunkDescriptor{{Index: 0, Hash: emptyHash, Offset: 0, Length: 0}}
		merkleRoot, _ := ComputeMerkleRoot([]string{emptyHash})
		return &Manifest{
			SessionID:  sessionID,
			FileName:   fileName,
			FileSize:   0,
			ChunkSize:  options.ChunkSize,
			ChunkCount: 1,
			HashAlgo:   "SHA-256",
			Chunks:     chunks,
			MerkleRoot: merkleRoot,
			CreatedAt:  time.Now(),
		}, nil
	}

	chunkCount := int(fileSize) / options.ChunkSize
	if int(fileSize)%options.ChunkSize != 0 {
		chunkCount++
	}

	chunks := make([]ChunkDescriptor, 0, chunkCount)
	chunkHashes := make([]string, 0, chunkCount)
	buffer := make([]byte, options.ChunkSize)

	var offset int64
	for i := 0; ; i++ {
		n, readErr := io.ReadFull(file, buffer)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("failed to read chunk %d: %w", i, readErr)
		}
		if n == 0 {
			break
		}

		sum := sha256.Sum256(buffer[:n])
		hash := hex.EncodeToString(sum[:])

		chunks = append(chunks, ChunkDescriptor{
			Index:  i,
			Hash:   hash,
			Offset: offset,
			Length: n,
		})
		chunkHashes = append(chunkHashes, hash)
		offset += int64(n)

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	merkleRoot, err := ComputeMerkleRoot(chunkHashes)
	if err != nil {
		return nil, fmt.Errorf("failed to compute merkle root: %w", err)
	}

	return &Manifest{
		SessionID:  sessionID,
		FileName:   fileName,
		FileSize:   fileSize,
		ChunkSize:  options.ChunkSize,
		ChunkCount: len(chunks),
		HashAlgo:   "SHA-256",
		Chunks:     chunks,
		MerkleRoot: merkleRoot,
		CreatedAt:  time.Now(),
	}, nil
}

// Chunker provides streaming chunking of data from an io.Reader, for cases where the
// caller does not have random access to a local file (e.g. piping a download straight
// into re-chunking for re-seeding).
type Chunker struct {
	reader    io.Reader
	chunkSize int
	buffer    []byte
}

// NewChunker creates a new streaming chunker.
func NewChunker(r io.Reader, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	return &Chunker{reader: r, chunkSize: chunkSize, buffer: make([]byte, chunkSize)}, nil
}

// Next returns the next chunk of data, or io.EOF when the stream is exhausted.
func (c *Chunker) Next() ([]byte, error) {
	n, err := io.ReadFull(c.reader, c.buffer)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	return c.buffer[:n], nil
}

// ReadChunk reads a specific chunk by index from a local file, given a fixed chunk size.
func ReadChunk(filePath string, chunkIndex int, chunkSize int) ([]byte, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	offset := int64(chunkIndex) * int64(chunkSize)
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to offset %d: %w", offset, err)
	}

	buffer := make([]byte, chunkSize)
	n, err := io.ReadFull(file, buffer)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}

	return buffer[:n], nil
}

// HashChunk returns the lowercase hex SHA-256 digest of a chunk's bytes.
func HashChunk(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
