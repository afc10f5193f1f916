package scheduler

import (
	"testing"
	"time"
)

// TestNextRequests_S5 pins the scenario: 10 chunks, 2 peers, max_concurrent_per_peer=3
// must yield exactly 6 requests, 3 per peer.
func TestNextRequests_S5(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentPerPeer = 3
	s := New(10, cfg)
	s.AddPeer("peerA", 3)
	s.AddPeer("peerB", 3)

	reqs := s.NextRequests(10)
	if len(reqs) != 6 {
		t.Fatalf("expected 6 requests, got %d", len(reqs))
	}

	counts := map[string]int{}
	for _, r := range reqs {
		counts[r.PeerID]++
	}
	if counts["peerA"] != 3 || counts["peerB"] != 3 {
		t.Fatalf("expected 3/3 split, got %v", counts)
	}
}

// TestCorruptionRecovery_S6 pins: a chunk corrupted by peer A must not be reassigned to A.
func TestCorruptionRecovery_S6(t *testing.T) {
	s := New(1, DefaultConfig())
	s.AddPeer("peerA", 5)
	s.AddPeer("peerB", 5)

	reqs := s.NextRequests(1)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	firstPeer := reqs[0].PeerID

	s.OnFailed(0, true) // corrupted delivery from firstPeer

	reqs2 := s.NextRequests(1)
	if len(reqs2) != 1 {
		t.Fatalf("expected reassignment, got %d requests", len(reqs2))
	}
	if reqs2[0].PeerID == firstPeer {
		t.Fatalf("chunk reassigned to the same peer that corrupted it: %s", firstPeer)
	}

	s.OnReceived(0, 10*time.Millisecond)
	if !s.IsComplete() {
		t.Fatal("expected scheduler complete after successful retry")
	}
}

func TestNextRequests_RespectsConcurrencyCap(t *testing.T) {
	s := New(5, DefaultConfig())
	s.AddPeer("peerA", 2)

	reqs := s.NextRequests(5)
	if len(reqs) != 2 {
		t.Fatalf("expected at most 2 requests (cap), got %d", len(reqs))
	}
}

func TestOnReceived_NeverReemitsChunk(t *testing.T) {
	s := New(2, DefaultConfig())
	s.AddPeer("peerA", 5)

	reqs := s.NextRequests(2)
	s.OnReceived(reqs[0].ChunkIndex, 5*time.Millisecond)

	remaining := s.NextRequests(5)
	for _, r := range remaining {
		if r.ChunkIndex == reqs[0].ChunkIndex {
			t.Fatalf("received chunk %d was re-emitted", r.ChunkIndex)
		}
	}
}

func TestExpiredRequestsReturnToUnrequested(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkTimeout = 1 * time.Millisecond
	s := New(1, cfg)
	s.AddPeer("peerA", 1)

	reqs := s.NextRequests(1)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	time.Sleep(5 * time.Millisecond)

	reqs2 := s.NextRequests(1)
	if len(reqs2) != 1 {
		t.Fatalf("expected timed-out chunk to be re-offered, got %d", len(reqs2))
	}
}
