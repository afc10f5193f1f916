package peercache

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSortAndLimit(t *testing.T) {
	c := New()
	for i := 0; i < 150; i++ {
		c.Peers = append(c.Peers, Entry{
			PeerID:           string(rune('a' + i%26)),
			ReliabilityScore: float64(i % 10),
			ConnectionCount:  i,
			LastSeen:         time.Now(),
		})
	}
	c.SortAndLimit()
	if len(c.Peers) != maxCachedPeers {
		t.Fatalf("expected %d peers after limit, got %d", maxCachedPeers, len(c.Peers))
	}
	for i := 1; i < len(c.Peers); i++ {
		if c.Peers[i].ReliabilityScore > c.Peers[i-1].ReliabilityScore {
			t.Fatal("peers not sorted by descending reliability")
		}
	}
}

func TestFilterStalePeers(t *testing.T) {
	now := time.Now()
	c := New()
	c.Peers = []Entry{
		{PeerID: "fresh", LastSeen: now.Add(-1 * time.Hour)},
		{PeerID: "stale", LastSeen: now.Add(-8 * 24 * time.Hour)},
	}
	c.FilterStalePeers(now)
	if len(c.Peers) != 1 || c.Peers[0].PeerID != "fresh" {
		t.Fatalf("expected only fresh peer to remain, got %+v", c.Peers)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer_cache.json")

	c := New()
	c.Peers = []Entry{{PeerID: "p1", ReliabilityScore: 0.9, LastSeen: time.Now()}}
	if err := c.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if len(loaded.Peers) != 1 || loaded.Peers[0].PeerID != "p1" {
		t.Fatalf("round trip mismatch: %+v", loaded.Peers)
	}
	if loaded.Version != cacheVersion {
		t.Fatalf("version = %d, want %d", loaded.Version, cacheVersion)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	c, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if len(c.Peers) != 0 {
		t.Fatal("expected empty cache for missing file")
	}
}

func TestGetStats(t *testing.T) {
	c := New()
	c.Peers = []Entry{
		{ReliabilityScore: 1.0, SupportsRelay: true, SuccessfulTransfers: 2, TotalBytesTransferred: 100},
		{ReliabilityScore: 0.5, IsBootstrap: true, FailedTransfers: 1, TotalBytesTransferred: 50},
	}
	stats := c.GetStats()
	if stats.TotalPeers != 2 || stats.RelayCapablePeers != 1 || stats.BootstrapPeers != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.TotalTransfers != 3 || stats.TotalBytesTransferred != 150 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if stats.AverageReliability != 0.75 {
		t.Fatalf("average reliability = %v, want 0.75", stats.AverageReliability)
	}
}
