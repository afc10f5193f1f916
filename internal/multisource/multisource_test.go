package multisource

import "testing"

func chunkSetFor(a Assignment) map[int]bool {
	set := make(map[int]bool, len(a.ChunkIndices))
	for _, c := range a.ChunkIndices {
		set[c] = true
	}
	return set
}

// TestPartitionChunks_S7 pins the BitTorrent-vs-HTTP split scenario: a pri-100
// BitTorrent source and a pri-50 HTTP source splitting 6 chunks roughly 4:2.
func TestPartitionChunks_S7(t *testing.T) {
	sources := []Source{
		{Protocol: ProtocolBitTorrent, Identifier: "bt"},
		{Protocol: ProtocolHTTP, Identifier: "http"},
	}
	assignments, err := PartitionChunks(sources, 6)
	if err != nil {
		t.Fatalf("PartitionChunks: %v", err)
	}
	if len(assignments) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(assignments))
	}

	btCount := len(assignments[0].ChunkIndices)
	httpCount := len(assignments[1].ChunkIndices)
	if btCount+httpCount != 6 {
		t.Fatalf("expected all 6 chunks assigned, got bt=%d http=%d", btCount, httpCount)
	}
	if btCount < httpCount {
		t.Fatalf("expected bittorrent (higher priority) to get more chunks: bt=%d http=%d", btCount, httpCount)
	}
	if btCount != 4 || httpCount != 2 {
		t.Fatalf("expected a 4:2 split, got bt=%d http=%d", btCount, httpCount)
	}
}

func TestPartitionChunks_NoSources(t *testing.T) {
	if _, err := PartitionChunks(nil, 5); err != ErrNoSources {
		t.Fatalf("expected ErrNoSources, got %v", err)
	}
}

func TestPartitionChunks_RespectsAvailability(t *testing.T) {
	sources := []Source{
		{Protocol: ProtocolHTTP, Identifier: "full"},
		{Protocol: ProtocolBitTorrent, Identifier: "partial", AvailableChunks: []int{0, 1}},
	}
	assignments, err := PartitionChunks(sources, 4)
	if err != nil {
		t.Fatalf("PartitionChunks: %v", err)
	}

	total := 0
	for _, a := range assignments {
		for _, idx := range a.ChunkIndices {
			if a.Source.Identifier == "partial" && idx > 1 {
				t.Fatalf("partial source assigned chunk %d it does not have", idx)
			}
		}
		total += len(a.ChunkIndices)
	}
	if total != 4 {
		t.Fatalf("expected all 4 chunks assigned, got %d", total)
	}
}

func TestPriorityScore_Ordering(t *testing.T) {
	lat := 20.0
	rep := 90.0
	bt := Source{Protocol: ProtocolBitTorrent}
	httpFast := Source{Protocol: ProtocolHTTP, LatencyMs: &lat, Reputation: &rep}
	if httpFast.PriorityScore() <= bt.PriorityScore() {
		t.Fatalf("expected low-latency high-reputation http source to outscore bare bittorrent: http=%v bt=%v",
			httpFast.PriorityScore(), bt.PriorityScore())
	}
}

func TestPartitionChunks_ZeroChunks(t *testing.T) {
	assignments, err := PartitionChunks([]Source{{Protocol: ProtocolHTTP}}, 0)
	if err != nil {
		t.Fatalf("PartitionChunks: %v", err)
	}
	if assignments != nil {
		t.Fatalf("expected nil assignments for zero chunks, got %+v", assignments)
	}
}
