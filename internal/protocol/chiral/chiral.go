// Package chiral implements the native Chiral wire protocol.Handler: a QUIC transport
// with a signed-manifest handshake and priority-class chunk streaming, adapting the
// daemon's transport package to the generic download/seed contract instead of a single
// fixed transfer flow. Chunk payloads ride QUIC's own TLS 1.3 channel encryption; the
// teacher's additional per-chunk AEAD envelope assumed an already-established shared
// secret from a handshake this client does not perform, so it is not reused here -- file
// confidentiality for encrypted transfers is instead handled once, at rest, via the
// manifest's KeyBundle (see internal/chunker).
package chiral

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/totoro-ming-lin/chiral-network-sub001/daemon/transport"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/protocol"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/reassembly"
)

const (
	chunkMagic      = transport.ChunkMagic
	chunkVersion    = transport.ChunkVersion
	chunkHeaderSize = transport.ChunkHeaderSize
)

// session tracks one in-flight download or seed operation.
type session struct {
	mu       sync.Mutex
	progress protocol.Progress
	cancel   context.CancelFunc
	paused   bool
}

type seedEntry struct {
	filePath string
	manifest *chunker.Manifest
}

// Handler implements protocol.Handler over the native chiral:// QUIC transport.
// identifier is of the form "chiral://<host:port>/<merkleRoot>".
type Handler struct {
	identityKey ed25519.PrivateKey
	tlsConfig   *tls.Config
	stagingDir  string

	mu       sync.RWMutex
	sessions map[string]*session
	seeding  map[string]seedEntry
	listener *transport.QUICListener
}

// New returns a chiral handler signing manifests with identityKey and dialing/listening
// over the given TLS config. stagingDir holds in-progress transfer temp files and bitmap
// sidecars (see internal/reassembly); an empty stagingDir defaults to the OS temp dir's
// reassembly.DefaultTransferDir subdirectory.
func New(identityKey ed25519.PrivateKey, tlsConfig *tls.Config, stagingDir string) *Handler {
	if stagingDir == "" {
		stagingDir = filepath.Join(os.TempDir(), reassembly.DefaultTransferDir)
	}
	return &Handler{
		identityKey: identityKey,
		tlsConfig:   tlsConfig,
		stagingDir:  stagingDir,
		sessions:    make(map[string]*session),
		seeding:     make(map[string]seedEntry),
	}
}

func (h *Handler) Name() string { return "chiral" }

func (h *Handler) Supports(identifier string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(identifier)), "chiral://")
}

func (h *Handler) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{CanDownload: true, CanSeed: true, MultiSource: false, Resumable: true}
}

// Download streams every chunk the seeder pushes and has no per-chunk request message, so
// this handler cannot serve a single chunk range on demand the way internal/protocol/http's
// DownloadRange does. Capabilities therefore reports MultiSource false, and the
// orchestrator's multi-source coordinator treats a chiral source as single-source only.

// parseIdentifier splits "chiral://host:port/merkleRoot" into its parts.
func parseIdentifier(identifier string) (addr string, merkleRoot string, err error) {
	trimmed := strings.TrimPrefix(identifier, "chiral://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("chiral: malformed identifier %q", identifier)
	}
	return parts[0], parts[1], nil
}

// Download dials the peer named by identifier, performs the manifest handshake, and
// streams chunks into destPath via a resumable reassembly session.
func (h *Handler) Download(ctx context.Context, identifier string, destPath string, progressCh chan<- protocol.Progress) error {
	addr, merkleRoot, err := parseIdentifier(identifier)
	if err != nil {
		return err
	}

	conn, err := transport.DialQUIC(ctx, addr, h.tlsConfig)
	if err != nil {
		return err
	}
	defer conn.Close()

	control, err := conn.OpenControlStream(ctx)
	if err != nil {
		return err
	}

	signed, err := control.ReceiveSignedManifest()
	if err != nil {
		return fmt.Errorf("chiral: manifest handshake failed: %w", err)
	}
	var manifest chunker.Manifest
	if err := json.Unmarshal(signed.ManifestJSON, &manifest); err != nil {
		return err
	}
	if manifest.MerkleRoot != merkleRoot {
		return fmt.Errorf("chiral: manifest root %s does not match requested %s", manifest.MerkleRoot, merkleRoot)
	}

	rsession, err := reassembly.NewSession(h.stagingDir, manifest.MerkleRoot, manifest.ChunkCount)
	if err != nil {
		return err
	}

	sess := &session{progress: protocol.Progress{
		TransferID: identifier, BytesTotal: manifest.FileSize, ChunksTotal: manifest.ChunkCount, State: "running",
	}}
	h.mu.Lock()
	h.sessions[identifier] = sess
	h.mu.Unlock()

	dlCtx, cancel := context.WithCancel(ctx)
	sess.mu.Lock()
	sess.cancel = cancel
	sess.mu.Unlock()

	groups := buildFecGroups(&manifest)
	fecEnabled := groups != nil
	groupSize := 0
	expectedStreams := manifest.ChunkCount
	if fecEnabled {
		groupSize = manifest.FEC.K
		expectedStreams += len(groups) * manifest.FEC.R
	}

	remaining := manifest.ChunkCount
	seenStreams := 0
	for remaining > 0 && (!fecEnabled || seenStreams < expectedStreams) {
		select {
		case <-dlCtx.Done():
			return dlCtx.Err()
		default:
		}

		stream, err := conn.GetConnection().AcceptStream(dlCtx)
		if err != nil {
			sess.mu.Lock()
			sess.progress.State = "failed"
			sess.progress.Err = err
			sess.mu.Unlock()
			return err
		}

		idx, payload, err := readChunkStream(stream)
		stream.Close()
		if err != nil {
			continue // a malformed stream is skipped without aborting the transfer; it is not re-requested
		}
		seenStreams++

		if fecEnabled {
			if g, j, ok := decodeFecParityIndex(idx); ok {
				if g >= 0 && g < len(groups) {
					groups[g].parity[j] = payload
					remaining -= recoverGroup(groups[g], manifest.FEC.R, &manifest, rsession, sess, progressCh)
				}
				continue
			}
		}

		if idx < 0 || idx >= len(manifest.Chunks) {
			continue
		}

		desc := manifest.Chunks[idx]
		if err := rsession.WriteChunk(idx, desc.Offset, payload, desc.Hash); err != nil {
			_ = control.SendNack(&transport.NackMessage{MissingRanges: fmt.Sprintf("%d", idx), Reason: "hash_mismatch", SessionID: merkleRoot})
			if fecEnabled {
				if g := idx / groupSize; g < len(groups) {
					groups[g].missing[idx-groups[g].startIdx] = true
					remaining -= recoverGroup(groups[g], manifest.FEC.R, &manifest, rsession, sess, progressCh)
				}
			}
			continue
		}
		remaining--
		if fecEnabled {
			if g := idx / groupSize; g < len(groups) {
				groups[g].dataShards[idx-groups[g].startIdx] = padShard(payload, groups[g].shardLen)
			}
		}

		sess.mu.Lock()
		sess.progress.ChunksDone++
		sess.progress.BytesDone += int64(len(payload))
		p := sess.progress
		sess.mu.Unlock()
		if progressCh != nil {
			select {
			case progressCh <- p:
			default:
			}
		}
	}
	if remaining > 0 {
		err := fmt.Errorf("chiral: %d chunk(s) unrecoverable after %d streams", remaining, seenStreams)
		sess.mu.Lock()
		sess.progress.State = "failed"
		sess.progress.Err = err
		sess.mu.Unlock()
		return err
	}

	if err := rsession.VerifyAndFinalize("", destPath); err != nil {
		sess.mu.Lock()
		sess.progress.State = "failed"
		sess.progress.Err = err
		sess.mu.Unlock()
		return err
	}

	sess.mu.Lock()
	sess.progress.State = "completed"
	sess.mu.Unlock()
	return nil
}

// readChunkStream parses one chunk frame (header + payload) off a QUIC stream.
func readChunkStream(stream *quic.Stream) (int, []byte, error) {
	header := make([]byte, chunkHeaderSize)
	if _, err := io.ReadFull(stream, header); err != nil {
		return 0, nil, err
	}
	if binary.BigEndian.Uint32(header[0:4]) != chunkMagic {
		return 0, nil, fmt.Errorf("chiral: bad chunk magic")
	}
	if header[4] != chunkVersion {
		return 0, nil, fmt.Errorf("chiral: unsupported chunk version %d", header[4])
	}
	idx := int(binary.BigEndian.Uint32(header[24:28]))
	payloadLen := int(binary.BigEndian.Uint32(header[28:32]))

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(stream, payload); err != nil {
		return 0, nil, err
	}
	return idx, payload, nil
}

// writeChunkStream frames and writes one chunk onto a fresh QUIC stream.
func writeChunkStream(ctx context.Context, conn *quic.Conn, sessionID uuid.UUID, chunkIndex int, payload []byte) error {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	header := make([]byte, chunkHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], chunkMagic)
	header[4] = chunkVersion
	copy(header[8:24], sessionID[:])
	binary.BigEndian.PutUint32(header[24:28], uint32(chunkIndex))
	binary.BigEndian.PutUint32(header[28:32], uint32(len(payload)))

	if _, err := stream.Write(header); err != nil {
		return err
	}
	_, err = stream.Write(payload)
	return err
}

// RegisterSeedEntry pins the manifest Seed should use for transferID instead of
// recomputing one from filePath, mirroring the http handler's entry of the same name.
// The orchestrator calls this before Seed when it has already computed a manifest
// carrying negotiated options (e.g. an FEC profile) that a fresh ComputeManifest call
// would not reproduce.
func (h *Handler) RegisterSeedEntry(transferID string, filePath string, manifest *chunker.Manifest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seeding[transferID] = seedEntry{filePath: filePath, manifest: manifest}
}

// Seed opens a QUIC listener (if not already listening), registers filePath's manifest
// under transferID (its merkle root), and serves chunk streams to peers that connect. The
// root a connecting peer asks for is not consulted: serveConn sends one seeded entry (see
// serveConn). If RegisterSeedEntry already pinned a manifest for transferID, Seed reuses
// it instead of recomputing one.
func (h *Handler) Seed(ctx context.Context, transferID string, filePath string) error {
	h.mu.Lock()
	_, preregistered := h.seeding[transferID]
	h.mu.Unlock()

	if !preregistered {
		manifest, err := chunker.ComputeManifest(filePath, chunker.DefaultChunkOptions())
		if err != nil {
			return err
		}
		manifest.MerkleRoot = transferID
		h.mu.Lock()
		h.seeding[transferID] = seedEntry{filePath: filePath, manifest: manifest}
		h.mu.Unlock()
	}

	h.mu.Lock()
	if h.listener == nil {
		listener, lerr := transport.ListenQUIC(":0", h.tlsConfig)
		if lerr != nil {
			h.mu.Unlock()
			return lerr
		}
		h.listener = listener
		go h.acceptLoop(ctx)
	}
	h.mu.Unlock()

	h.mu.Lock()
	h.sessions[transferID] = &session{progress: protocol.Progress{TransferID: transferID, State: "running"}}
	h.mu.Unlock()
	return nil
}

// acceptLoop accepts incoming peer connections and serves whichever file they request
// via the signed-manifest handshake.
func (h *Handler) acceptLoop(ctx context.Context) {
	for {
		conn, err := h.listener.Accept(ctx)
		if err != nil {
			return
		}
		go h.serveConn(ctx, conn)
	}
}

// serveConn sends the manifest of one seeded entry (whichever the map iteration yields
// first; which one is unspecified when several are seeded) and pushes its chunks with up
// to the bulk (P2) class's stream count in flight.
func (h *Handler) serveConn(ctx context.Context, conn *transport.QUICConnection) {
	defer conn.Close()

	control, err := conn.AcceptControlStream(ctx)
	if err != nil {
		return
	}

	h.mu.RLock()
	var entry seedEntry
	for _, e := range h.seeding {
		entry = e
		break
	}
	h.mu.RUnlock()
	if entry.manifest == nil {
		return
	}

	manifestJSON, err := json.Marshal(entry.manifest)
	if err != nil {
		return
	}
	if err := control.SendSignedManifest(manifestJSON, h.identityKey); err != nil {
		return
	}

	var netProfile chunker.NetworkProfile
	if entry.manifest.Network != nil {
		netProfile = *entry.manifest.Network
	}
	profile := transport.DefaultTransportProfile(transport.ClassifyNetwork(netProfile), entry.manifest.ChunkSize)

	sessID := uuid.New()
	sem := make(chan struct{}, profile.P2.Streams)
	var wg sync.WaitGroup
	file, err := os.Open(entry.filePath)
	if err != nil {
		return
	}
	defer file.Close()

	for i, desc := range entry.manifest.Chunks {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(idx int, d chunker.ChunkDescriptor) {
			defer wg.Done()
			defer func() { <-sem }()
			buf := make([]byte, d.Length)
			if _, err := file.ReadAt(buf, d.Offset); err != nil && err != io.EOF {
				return
			}
			_ = writeChunkStream(ctx, conn.GetConnection(), sessID, idx, buf)
		}(i, desc)
	}
	wg.Wait()

	// Erasure-coded redundancy: when the manifest negotiated a FEC profile, push R parity
	// shards per shard group alongside the data chunks above, so the receiver can
	// reconstruct a lost or corrupted chunk from its own group instead of stalling this
	// single-source transfer. Best-effort: a parity send failure only reduces loss
	// resilience, it never aborts an otherwise-successful transfer.
	if entry.manifest.FEC != nil {
		if err := sendParityShards(ctx, conn.GetConnection(), sessID, entry.manifest, file, sem); err != nil {
			_ = err
		}
	}

	computed, err := fileSHA256(entry.filePath)
	if err == nil {
		_ = control.SendVerification(&transport.VerificationMessage{
			SessionID:          sessID.String(),
			Status:             "success",
			MerkleRootComputed: []byte(computed),
			MerkleRootExpected: []byte(entry.manifest.MerkleRoot),
		})
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (h *Handler) Pause(transferID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[transferID]
	if !ok {
		return protocol.ErrNotSupported
	}
	s.mu.Lock()
	s.paused = true
	s.progress.State = "paused"
	s.mu.Unlock()
	return nil
}

func (h *Handler) Resume(transferID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[transferID]
	if !ok {
		return protocol.ErrNotSupported
	}
	s.mu.Lock()
	s.paused = false
	s.progress.State = "running"
	s.mu.Unlock()
	return nil
}

func (h *Handler) Cancel(transferID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[transferID]
	if !ok {
		return protocol.ErrNotSupported
	}
	if s.cancel != nil {
		s.cancel()
	}
	delete(h.sessions, transferID)
	return nil
}

func (h *Handler) Progress(transferID string) (protocol.Progress, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[transferID]
	if !ok {
		return protocol.Progress{}, protocol.ErrNotSupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress, nil
}

func (h *Handler) StopSeeding(transferID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.seeding, transferID)
	delete(h.sessions, transferID)
	return nil
}

func (h *Handler) ListSeeding() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.seeding))
	for id := range h.seeding {
		ids = append(ids, id)
	}
	return ids
}
