// Package multisource coordinates downloading disjoint chunk ranges from several ranked
// sources at once, ported from the reference multi-source coordinator's priority-scoring
// and proportional partitioning logic.
package multisource

import (
	"errors"
	"sort"
)

var ErrNoSources = errors.New("multisource: no sources provided")

// Protocol identifies the wire protocol a source is reachable over.
type Protocol string

const (
	ProtocolBitTorrent Protocol = "bittorrent"
	ProtocolED2K       Protocol = "ed2k"
	ProtocolHTTP       Protocol = "http"
	ProtocolFTP        Protocol = "ftp"
	ProtocolChiral     Protocol = "chiral"
	ProtocolOther      Protocol = "other"
)

func protocolBaseScore(p Protocol) float64 {
	switch p {
	case ProtocolBitTorrent:
		return 100
	case ProtocolED2K:
		return 75
	case ProtocolHTTP:
		return 50
	case ProtocolFTP:
		return 25
	default:
		return 10
	}
}

func latencyBonus(latencyMs float64, known bool) float64 {
	if !known {
		return 0
	}
	switch {
	case latencyMs < 50:
		return 50
	case latencyMs < 100:
		return 30
	case latencyMs < 200:
		return 10
	default:
		return 0
	}
}

// Source is one candidate to fetch chunks from.
type Source struct {
	Protocol        Protocol
	Identifier      string
	AvailableChunks []int // nil means "all chunks available"
	LatencyMs       *float64
	Reputation      *float64 // 0-100
}

// PriorityScore computes the source's ranking weight: protocol base + latency bonus +
// reputation (0-100, raw).
func (s Source) PriorityScore() float64 {
	score := protocolBaseScore(s.Protocol)
	if s.LatencyMs != nil {
		score += latencyBonus(*s.LatencyMs, true)
	}
	if s.Reputation != nil {
		score += *s.Reputation
	}
	return score
}

// Assignment maps a set of chunk indices (not necessarily contiguous) to the source
// responsible for them.
type Assignment struct {
	Source      Source
	ChunkIndices []int
}

// PartitionChunks splits totalChunks indices across sources proportionally to priority
// score, filling leftover chunks round-robin, and never over-assigning a chunk to a
// source that does not advertise it.
func PartitionChunks(sources []Source, totalChunks int) ([]Assignment, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	if totalChunks <= 0 {
		return nil, nil
	}

	ranked := make([]Source, len(sources))
	copy(ranked, sources)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].PriorityScore() > ranked[j].PriorityScore()
	})

	totalScore := 0.0
	for _, s := range ranked {
		totalScore += s.PriorityScore()
	}

	assignments := make([]Assignment, len(ranked))
	for i, s := range ranked {
		assignments[i] = Assignment{Source: s}
	}

	assigned := make(map[int]bool, totalChunks)
	order := make([]int, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		order = append(order, i)
	}

	quota := make([]int, len(ranked))
	remaining := totalChunks
	for i, s := range ranked {
		if totalScore == 0 {
			continue
		}
		share := int(float64(totalChunks)*s.PriorityScore()/totalScore + 0.999999)
		if share > remaining {
			share = remaining
		}
		quota[i] = share
	}

	for i := range ranked {
		cursor := 0
		for quota[i] > 0 && cursor < len(order) {
			idx := order[cursor]
			if !assigned[idx] && sourceHasChunk(ranked[i], idx) {
				assignments[i].ChunkIndices = append(assignments[i].ChunkIndices, idx)
				assigned[idx] = true
				quota[i]--
			}
			cursor++
		}
	}

	// Round-robin any leftover (unassigned) chunks across sources that can serve them.
	rr := 0
	for _, idx := range order {
		if assigned[idx] {
			continue
		}
		placed := false
		for attempt := 0; attempt < len(ranked); attempt++ {
			candidate := (rr + attempt) % len(ranked)
			if sourceHasChunk(ranked[candidate], idx) {
				assignments[candidate].ChunkIndices = append(assignments[candidate].ChunkIndices, idx)
				assigned[idx] = true
				rr = (candidate + 1) % len(ranked)
				placed = true
				break
			}
		}
		_ = placed
	}

	return assignments, nil
}

func sourceHasChunk(s Source, idx int) bool {
	if s.AvailableChunks == nil {
		return true
	}
	for _, c := range s.AvailableChunks {
		if c == idx {
			return true
		}
	}
	return false
}
