// Package peercache persists a reliability-ranked list of known peers across daemon
// restarts so the client can reconnect useful peers on boot without rediscovering them.
package peercache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	cacheVersion  = 1
	maxCachedPeers = 100
	maxPeerAge     = 7 * 24 * time.Hour
)

// Entry is one cached peer's reconnection info and reliability history.
type Entry struct {
	PeerID               string    `json:"peer_id"`
	Addresses            []string  `json:"addresses"`
	LastSeen             time.Time `json:"last_seen"`
	ConnectionCount      int       `json:"connection_count"`
	SuccessfulTransfers   int       `json:"successful_transfers"`
	FailedTransfers       int       `json:"failed_transfers"`
	TotalBytesTransferred int64     `json:"total_bytes_transferred"`
	AverageLatencyMs      float64   `json:"average_latency_ms"`
	IsBootstrap          bool      `json:"is_bootstrap"`
	SupportsRelay        bool      `json:"supports_relay"`
	ReliabilityScore     float64   `json:"reliability_score"`
}

// IsStale reports whether the entry's last_seen is older than 7 days.
func (e Entry) IsStale(now time.Time) bool {
	return now.Sub(e.LastSeen) > maxPeerAge
}

// MergeAddresses adds any addresses from other not already present.
func (e *Entry) MergeAddresses(other []string) {
	seen := make(map[string]bool, len(e.Addresses))
	for _, a := range e.Addresses {
		seen[a] = true
	}
	for _, a := range other {
		if !seen[a] {
			e.Addresses = append(e.Addresses, a)
			seen[a] = true
		}
	}
}

// Cache is the schema-versioned, bounded, persisted peer list.
type Cache struct {
	Version     int       `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
	Peers       []Entry   `json:"peers"`
}

// New returns an empty, current-schema cache.
func New() *Cache {
	return &Cache{Version: cacheVersion, LastUpdated: time.Now()}
}

// FilterStalePeers drops entries whose last_seen is older than 7 days.
func (c *Cache) FilterStalePeers(now time.Time) {
	kept := c.Peers[:0]
	for _, e := range c.Peers {
		if !e.IsStale(now) {
			kept = append(kept, e)
		}
	}
	c.Peers = kept
}

// SortAndLimit orders peers by reliability score descending, then connection count
// descending, and truncates to the 100-entry cap.
func (c *Cache) SortAndLimit() {
	sort.SliceStable(c.Peers, func(i, j int) bool {
		if c.Peers[i].ReliabilityScore != c.Peers[j].ReliabilityScore {
			return c.Peers[i].ReliabilityScore > c.Peers[j].ReliabilityScore
		}
		return c.Peers[i].ConnectionCount > c.Peers[j].ConnectionCount
	})
	if len(c.Peers) > maxCachedPeers {
		c.Peers = c.Peers[:maxCachedPeers]
	}
}

// Stats summarizes the cache's current contents.
type Stats struct {
	TotalPeers            int
	RelayCapablePeers     int
	BootstrapPeers        int
	AverageReliability    float64
	TotalTransfers        int
	TotalBytesTransferred int64
}

// GetStats computes aggregate statistics over the cache.
func (c *Cache) GetStats() Stats {
	var s Stats
	s.TotalPeers = len(c.Peers)
	var reliabilitySum float64
	for _, e := range c.Peers {
		if e.SupportsRelay {
			s.RelayCapablePeers++
		}
		if e.IsBootstrap {
			s.BootstrapPeers++
		}
		reliabilitySum += e.ReliabilityScore
		s.TotalTransfers += e.SuccessfulTransfers + e.FailedTransfers
		s.TotalBytesTransferred += e.TotalBytesTransferred
	}
	if s.TotalPeers > 0 {
		s.AverageReliability = reliabilitySum / float64(s.TotalPeers)
	}
	return s
}

// SaveToFile atomically persists the cache as pretty JSON (write tmp, rename).
func (c *Cache) SaveToFile(path string) error {
	c.LastUpdated = time.Now()
	c.Version = cacheVersion

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFromFile reads a persisted cache, returning an empty cache if the file is absent.
func LoadFromFile(path string) (*Cache, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}
	var c Cache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteFile removes a persisted cache file, if present.
func DeleteFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DefaultPath returns the per-user peer cache location under appData.
func DefaultPath(appDataDir string) string {
	return filepath.Join(appDataDir, "peer_cache.json")
}
