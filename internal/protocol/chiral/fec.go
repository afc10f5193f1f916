package chiral

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/fec"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/protocol"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/reassembly"
)

// fecParityBase marks a wire chunk index as carrying a parity shard rather than file data;
// it sits well above any realistic chunk count so Download's existing idx bounds
// check ("idx < 0 || idx >= len(manifest.Chunks)") never confuses a parity stream for a
// malformed data one -- the caller inspects decodeFecParityIndex before falling through to
// that check.
const fecParityBase = 1 << 28

func fecParityIndex(groupIndex, parityOffset int) int {
	return fecParityBase + groupIndex*256 + parityOffset
}

func decodeFecParityIndex(idx int) (groupIndex, parityOffset int, ok bool) {
	if idx < fecParityBase {
		return 0, 0, false
	}
	rel := idx - fecParityBase
	return rel / 256, rel % 256, true
}

// fecGroup tracks one erasure-coding shard group on the receive side: a run of up to
// manifest.FEC.K consecutive chunk descriptors, plus whatever parity shards have arrived
// for it. dataShards/parity entries are nil until a shard is received or reconstructed.
type fecGroup struct {
	startIdx   int
	descs      []chunker.ChunkDescriptor
	shardLen   int
	dataShards [][]byte
	parity     [][]byte
	missing    map[int]bool // descriptor-relative position -> not yet durably written
}

func fecGroupShardLen(descs []chunker.ChunkDescriptor) int {
	max := 0
	for _, d := range descs {
		if d.Length > max {
			max = d.Length
		}
	}
	return max
}

// buildFecGroups partitions manifest's chunks into FEC shard groups of manifest.FEC.K
// descriptors each (the last group may be short). Returns nil if the manifest carries no
// FEC profile or a non-positive K.
func buildFecGroups(manifest *chunker.Manifest) []*fecGroup {
	if manifest.FEC == nil || manifest.FEC.K <= 0 || manifest.FEC.R <= 0 {
		return nil
	}
	k := manifest.FEC.K
	var groups []*fecGroup
	for start := 0; start < len(manifest.Chunks); start += k {
		end := start + k
		if end > len(manifest.Chunks) {
			end = len(manifest.Chunks)
		}
		descs := manifest.Chunks[start:end]
		groups = append(groups, &fecGroup{
			startIdx:   start,
			descs:      descs,
			shardLen:   fecGroupShardLen(descs),
			dataShards: make([][]byte, len(descs)),
			parity:     make([][]byte, manifest.FEC.R),
			missing:    make(map[int]bool),
		})
	}
	return groups
}

func padShard(payload []byte, shardLen int) []byte {
	if len(payload) == shardLen {
		return payload
	}
	padded := make([]byte, shardLen)
	copy(padded, payload)
	return padded
}

// tryReconstruct attempts to recover every still-missing descriptor in g once enough data
// and parity shards have arrived (available >= len(g.descs), which Reed-Solomon requires to
// recover up to manifest.FEC.R missing shards). Returns the reconstructed, size-trimmed
// payload for each newly-recovered descriptor position; the caller is responsible for
// verifying/writing them and clearing g.missing.
func (g *fecGroup) tryReconstruct(r int) (map[int][]byte, error) {
	if len(g.missing) == 0 {
		return nil, nil
	}
	available := 0
	for _, s := range g.dataShards {
		if s != nil {
			available++
		}
	}
	for _, s := range g.parity {
		if s != nil {
			available++
		}
	}
	if available < len(g.descs) {
		return nil, nil // not enough shards yet; wait for more streams
	}

	combined := make([][]byte, len(g.descs)+len(g.parity))
	copy(combined, g.dataShards)
	copy(combined[len(g.descs):], g.parity)

	dec, err := fec.NewDecoder(len(g.descs), r)
	if err != nil {
		return nil, err
	}
	if err := dec.Reconstruct(combined); err != nil {
		return nil, err
	}

	recovered := make(map[int][]byte, len(g.missing))
	for pos := range g.missing {
		recovered[pos] = combined[pos][:g.descs[pos].Length]
	}
	return recovered, nil
}

// buildGroupShards reads filePath's bytes for one FEC group, padding each chunk to the
// group's shard length (Reed-Solomon requires equal-size shards).
func buildGroupShards(file *os.File, descs []chunker.ChunkDescriptor, shardLen int) ([][]byte, error) {
	shards := make([][]byte, len(descs))
	for i, d := range descs {
		buf := make([]byte, shardLen)
		if _, err := file.ReadAt(buf[:d.Length], d.Offset); err != nil && err != io.EOF {
			return nil, fmt.Errorf("chiral: reading chunk %d for fec encode: %w", d.Index, err)
		}
		shards[i] = buf
	}
	return shards, nil
}

// recoverGroup reconstructs and durably writes whatever descriptors in group are newly
// recoverable, returning how many chunks it resolved so the caller can decrement its
// outstanding-chunk counter. Writing uses the same hash-checked WriteChunk path as a
// directly-received chunk; a reconstructed shard that still fails its hash check (a bug in
// the reconstruction, not expected in practice) is left in missing for a later attempt
// rather than silently accepted.
func recoverGroup(group *fecGroup, r int, manifest *chunker.Manifest, rsession *reassembly.Session, sess *session, progressCh chan<- protocol.Progress) int {
	recovered, err := group.tryReconstruct(r)
	if err != nil || len(recovered) == 0 {
		return 0
	}
	n := 0
	for pos, data := range recovered {
		gIdx := group.startIdx + pos
		desc := manifest.Chunks[gIdx]
		if werr := rsession.WriteChunk(gIdx, desc.Offset, data, desc.Hash); werr != nil {
			continue
		}
		delete(group.missing, pos)
		n++
		sess.mu.Lock()
		sess.progress.ChunksDone++
		sess.progress.BytesDone += int64(len(data))
		p := sess.progress
		sess.mu.Unlock()
		if progressCh != nil {
			select {
			case progressCh <- p:
			default:
			}
		}
	}
	return n
}

// sendParityShards computes and streams the Reed-Solomon parity shards for every FEC group
// in manifest, one fresh QUIC stream per shard, reusing sem for send concurrency alongside
// the data-chunk senders. A parity send failure is discarded by the caller: it only
// degrades this transfer's loss resilience, it never aborts an otherwise-successful one.
func sendParityShards(ctx context.Context, conn *quic.Conn, sessID uuid.UUID, manifest *chunker.Manifest, file *os.File, sem chan struct{}) error {
	groups := buildFecGroups(manifest)
	if groups == nil {
		return nil
	}

	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once
	setErr := func(err error) { errOnce.Do(func() { firstErr = err }) }

	for g, group := range groups {
		shards, err := buildGroupShards(file, group.descs, group.shardLen)
		if err != nil {
			return err
		}
		enc, err := fec.NewEncoder(len(group.descs), manifest.FEC.R)
		if err != nil {
			return err
		}
		parity, err := enc.Encode(shards)
		if err != nil {
			return fmt.Errorf("chiral: fec encode group %d: %w", g, err)
		}

		for j, shard := range parity {
			select {
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func(groupIdx, parityOffset int, payload []byte) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := writeChunkStream(ctx, conn, sessID, fecParityIndex(groupIdx, parityOffset), payload); err != nil {
					setErr(err)
				}
			}(g, j, shard)
		}
	}
	wg.Wait()
	return firstErr
}
