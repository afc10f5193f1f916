// Package peerhealth tracks per-peer reliability and decides whether a peer should be
// used right now, ported from the reference peer-health manager's EMA/backoff/decision
// cascade.
package peerhealth

import (
	"math/rand"
	"sync"
	"time"
)

// Reason explains why a peer was or was not selected.
type Reason string

const (
	ReasonHealthy    Reason = "healthy"
	ReasonOffline    Reason = "offline"
	ReasonUnreliable Reason = "unreliable"
	ReasonBackoff    Reason = "backoff"
	ReasonTooSlow    Reason = "too-slow"
	ReasonStillUsable Reason = "still-usable"
)

// Config holds tunable thresholds for the health decision cascade.
type Config struct {
	MaxFailureRate   float64       // default 0.3
	MinResponseTime  time.Duration // default 50ms
	MaxResponseTime  time.Duration // default 30s
	BackoffBase      time.Duration // default 1s
	BackoffMultiplier float64      // default 2.0
	MaxBackoff       time.Duration // default 5m
	OfflineThreshold time.Duration // default 60s
	MinBandwidth     float64       // bytes/sec, default 1024
}

// DefaultConfig matches the reference implementation's defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailureRate:    0.3,
		MinResponseTime:   50 * time.Millisecond,
		MaxResponseTime:   30 * time.Second,
		BackoffBase:       1 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Minute,
		OfflineThreshold:  60 * time.Second,
		MinBandwidth:      1024.0,
	}
}

// Metrics is the mutable health record for one peer.
type Metrics struct {
	PeerID             string
	SuccessCount       uint64
	FailureCount       uint64
	ConsecutiveFailures uint32
	AvgResponseTime    time.Duration
	LastResponseTime   time.Duration
	BackoffUntil       time.Time
	BandwidthEstimate  float64 // bytes/sec, EMA
	LastSeen           time.Time
}

func (m *Metrics) totalAttempts() uint64 { return m.SuccessCount + m.FailureCount }

func (m *Metrics) failureRate() float64 {
	total := m.totalAttempts()
	if total == 0 {
		return 0
	}
	return float64(m.FailureCount) / float64(total)
}

// Decision is the outcome of evaluating a peer against the current config.
type Decision struct {
	ShouldUse     bool
	Reason        Reason
	Weight        float64
	MaxConcurrent int
}

const emaAlpha = 0.2

// Manager tracks PeerMetrics for every known peer and answers health/selection queries.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	peers  map[string]*Metrics
	order  []string // insertion order, for deterministic tie-breaks
	rng    *rand.Rand
}

// NewManager creates a peer health manager with the given config.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg,
		peers: make(map[string]*Metrics),
		rng:   rand.New(rand.NewSource(1)),
	}
}

// InitPeer registers a peer if not already known.
func (m *Manager) InitPeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initLocked(peerID)
}

func (m *Manager) initLocked(peerID string) *Metrics {
	if pm, ok := m.peers[peerID]; ok {
		return pm
	}
	pm := &Metrics{PeerID: peerID, LastSeen: time.Now()}
	m.peers[peerID] = pm
	m.order = append(m.order, peerID)
	return pm
}

// RecordSuccess updates a peer's metrics after a successful operation.
func (m *Manager) RecordSuccess(peerID string, responseTime time.Duration, bytesTransferred int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm := m.initLocked(peerID)
	pm.SuccessCount++
	pm.ConsecutiveFailures = 0
	pm.BackoffUntil = time.Time{}
	pm.LastSeen = time.Now()
	pm.LastResponseTime = responseTime

	if pm.AvgResponseTime == 0 {
		pm.AvgResponseTime = responseTime
	} else {
		pm.AvgResponseTime = ema(pm.AvgResponseTime, responseTime)
	}

	if responseTime > 0 && bytesTransferred > 0 {
		bw := float64(bytesTransferred) / responseTime.Seconds()
		if pm.BandwidthEstimate == 0 {
			pm.BandwidthEstimate = bw
		} else {
			pm.BandwidthEstimate = pm.BandwidthEstimate*(1-emaAlpha) + bw*emaAlpha
		}
	}
}

func ema(prev, sample time.Duration) time.Duration {
	return time.Duration(float64(prev)*(1-emaAlpha) + float64(sample)*emaAlpha)
}

// RecordFailure updates a peer's metrics after a failed operation and advances its
// exponential backoff.
func (m *Manager) RecordFailure(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm := m.initLocked(peerID)
	pm.FailureCount++
	pm.ConsecutiveFailures++

	backoff := time.Duration(float64(m.cfg.BackoffBase) *
		pow(m.cfg.BackoffMultiplier, float64(pm.ConsecutiveFailures-1)))
	if backoff > m.cfg.MaxBackoff {
		backoff = m.cfg.MaxBackoff
	}
	pm.BackoffUntil = time.Now().Add(backoff)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// GetHealthDecision evaluates the six-rule cascade against a peer's current metrics.
func (m *Manager) GetHealthDecision(peerID string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.peers[peerID]
	if !ok {
		return Decision{ShouldUse: true, Reason: ReasonHealthy, Weight: 1.0, MaxConcurrent: 5}
	}
	return m.decide(pm)
}

func (m *Manager) decide(pm *Metrics) Decision {
	now := time.Now()

	if !pm.LastSeen.IsZero() && now.Sub(pm.LastSeen) > m.cfg.OfflineThreshold {
		return Decision{ShouldUse: false, Reason: ReasonOffline, Weight: 0, MaxConcurrent: 0}
	}

	if pm.totalAttempts() >= 5 && pm.failureRate() > m.cfg.MaxFailureRate {
		return Decision{ShouldUse: false, Reason: ReasonUnreliable, Weight: 0, MaxConcurrent: 0}
	}

	if now.Before(pm.BackoffUntil) {
		return Decision{ShouldUse: false, Reason: ReasonBackoff, Weight: 0, MaxConcurrent: 0}
	}

	if pm.AvgResponseTime > m.cfg.MaxResponseTime {
		return Decision{ShouldUse: true, Reason: ReasonTooSlow, Weight: 0.2, MaxConcurrent: 1}
	}

	if pm.BandwidthEstimate > 0 && pm.BandwidthEstimate < m.cfg.MinBandwidth {
		return Decision{ShouldUse: true, Reason: ReasonStillUsable, Weight: 0.3, MaxConcurrent: 1}
	}

	responseWeight := 1.0
	if pm.AvgResponseTime > 0 {
		responseWeight = clamp(1.0-float64(pm.AvgResponseTime)/float64(m.cfg.MaxResponseTime), 0, 1)
	}
	reliabilityWeight := 1.0 - pm.failureRate()
	bandwidthWeight := 1.0
	if pm.BandwidthEstimate > 0 {
		bandwidthWeight = clamp(pm.BandwidthEstimate/(pm.BandwidthEstimate+m.cfg.MinBandwidth), 0, 1)
	}

	weight := clamp((responseWeight+reliabilityWeight+bandwidthWeight)/3.0, 0.1, 1.0)
	maxConcurrent := int(weight * 5)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return Decision{ShouldUse: true, Reason: ReasonHealthy, Weight: weight, MaxConcurrent: maxConcurrent}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SelectPeer picks a peer weighted by its current health weight, skipping any peer id in
// exclude. Returns "", false when no usable peer remains.
func (m *Manager) SelectPeer(exclude map[string]bool) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		id     string
		weight float64
	}
	var candidates []candidate
	var total float64

	for _, id := range m.order {
		if exclude != nil && exclude[id] {
			continue
		}
		pm := m.peers[id]
		d := m.decide(pm)
		if !d.ShouldUse || d.Weight <= 0 {
			continue
		}
		candidates = append(candidates, candidate{id: id, weight: d.Weight})
		total += d.Weight
	}

	if len(candidates) == 0 {
		return "", false
	}

	r := m.rng.Float64() * total
	var cumulative float64
	for _, c := range candidates {
		cumulative += c.weight
		if r <= cumulative {
			return c.id, true
		}
	}
	return candidates[len(candidates)-1].id, true
}

// Cleanup removes peers that have been offline longer than retain.
func (m *Manager) Cleanup(retain time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-retain)
	kept := m.order[:0]
	for _, id := range m.order {
		pm := m.peers[id]
		if pm.LastSeen.Before(cutoff) {
			delete(m.peers, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// Stats summarizes the manager's current view of peer health.
type Stats struct {
	TotalPeers   int
	HealthyPeers int
	OfflinePeers int
}

// GetStats returns aggregate counts across all known peers.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{TotalPeers: len(m.peers)}
	for _, pm := range m.peers {
		d := m.decide(pm)
		switch d.Reason {
		case ReasonOffline:
			stats.OfflinePeers++
		case ReasonHealthy:
			stats.HealthyPeers++
		}
	}
	return stats
}

// Snapshot returns a copy of a peer's current metrics, for external inspection (e.g. the
// peer cache on shutdown).
func (m *Manager) Snapshot(peerID string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.peers[peerID]
	if !ok {
		return Metrics{}, false
	}
	return *pm, true
}

// AllPeerIDs returns every known peer id in insertion order.
func (m *Manager) AllPeerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
