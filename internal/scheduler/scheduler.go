// Package scheduler decides which chunk to request from which peer: it enforces
// per-peer concurrency caps, request timeouts, and retry budgets, and keeps corrupted
// chunks away from the peer that supplied the bad bytes.
package scheduler

import (
	"sort"
	"sync"
	"time"
)

// ChunkState is the lifecycle state of a single chunk within a transfer.
type ChunkState int

const (
	Unrequested ChunkState = iota
	Requested
	Received
	Corrupted
)

// Strategy selects which peer order to favor when assigning chunks.
type Strategy int

const (
	FastestFirst Strategy = iota
	LoadBalanced
	RoundRobin
)

// Config tunes the scheduler's behavior.
type Config struct {
	MaxConcurrentPerPeer int
	ChunkTimeout         time.Duration
	MaxRetries           uint32
	Strategy             Strategy
}

// DefaultConfig returns reasonable scheduling defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerPeer: 3,
		ChunkTimeout:         30 * time.Second,
		MaxRetries:           5,
		Strategy:             FastestFirst,
	}
}

type peerState struct {
	id              string
	available       bool
	pending         int
	maxConcurrent   int
	avgResponseTime time.Duration
}

type activeRequest struct {
	peerID      string
	requestedAt time.Time
}

// Request pairs a chunk index with the peer it was assigned to.
type Request struct {
	ChunkIndex int
	PeerID     string
}

// Scheduler owns chunk and per-peer request state for a single transfer.
type Scheduler struct {
	mu sync.Mutex
	cfg Config

	peers       map[string]*peerState
	peerOrder   []string
	rrCursor    int

	chunkStates    []ChunkState
	activeRequests map[int]*activeRequest
	retryCount     map[int]uint32
	lastFailedPeer map[int]string
}

// New creates a scheduler for totalChunks chunks.
func New(totalChunks int, cfg Config) *Scheduler {
	if cfg.MaxConcurrentPerPeer <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		cfg:            cfg,
		peers:          make(map[string]*peerState),
		chunkStates:    make([]ChunkState, totalChunks),
		activeRequests: make(map[int]*activeRequest),
		retryCount:     make(map[int]uint32),
		lastFailedPeer: make(map[int]string),
	}
}

// AddPeer registers a peer as a candidate source with a given concurrency cap.
func (s *Scheduler) AddPeer(peerID string, maxConcurrent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[peerID]; ok {
		return
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	s.peers[peerID] = &peerState{id: peerID, available: true, maxConcurrent: maxConcurrent}
	s.peerOrder = append(s.peerOrder, peerID)
}

// UpdatePeerResponseTime updates the tracked average response time used by FastestFirst.
func (s *Scheduler) UpdatePeerResponseTime(peerID string, rt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[peerID]; ok {
		if p.avgResponseTime == 0 {
			p.avgResponseTime = rt
		} else {
			p.avgResponseTime = time.Duration(float64(p.avgResponseTime)*0.8 + float64(rt)*0.2)
		}
	}
}

// expireTimedOutLocked returns timed-out requests to Unrequested and frees the peer slot.
func (s *Scheduler) expireTimedOutLocked() {
	now := time.Now()
	for idx, req := range s.activeRequests {
		if now.Sub(req.requestedAt) > s.cfg.ChunkTimeout {
			if p, ok := s.peers[req.peerID]; ok {
				p.pending--
			}
			s.chunkStates[idx] = Unrequested
			s.retryCount[idx]++
			delete(s.activeRequests, idx)
		}
	}
}

// NextRequests produces up to max (chunk, peer) assignments, respecting per-peer
// concurrency caps and retry budgets, and never reassigning a corrupted chunk to the peer
// that last delivered bad bytes for it.
func (s *Scheduler) NextRequests(max int) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireTimedOutLocked()

	var candidates []int
	for i, st := range s.chunkStates {
		if st == Unrequested && s.retryCount[i] < s.cfg.MaxRetries {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	peerIDs := s.orderedPeersLocked()
	if len(peerIDs) == 0 {
		return nil
	}

	var out []Request
	for _, chunkIdx := range candidates {
		if len(out) >= max {
			break
		}
		peerID, ok := s.pickPeerForChunkLocked(chunkIdx, peerIDs)
		if !ok {
			continue
		}
		p := s.peers[peerID]
		p.pending++
		s.chunkStates[chunkIdx] = Requested
		s.activeRequests[chunkIdx] = &activeRequest{peerID: peerID, requestedAt: time.Now()}
		out = append(out, Request{ChunkIndex: chunkIdx, PeerID: peerID})
	}
	return out
}

func (s *Scheduler) orderedPeersLocked() []string {
	ids := make([]string, 0, len(s.peerOrder))
	for _, id := range s.peerOrder {
		p := s.peers[id]
		if p.available && p.pending < p.maxConcurrent {
			ids = append(ids, id)
		}
	}

	switch s.cfg.Strategy {
	case FastestFirst:
		sort.SliceStable(ids, func(i, j int) bool {
			return s.peers[ids[i]].avgResponseTime < s.peers[ids[j]].avgResponseTime
		})
	case LoadBalanced:
		sort.SliceStable(ids, func(i, j int) bool {
			pi, pj := s.peers[ids[i]], s.peers[ids[j]]
			if pi.pending != pj.pending {
				return pi.pending < pj.pending
			}
			return pi.maxConcurrent > pj.maxConcurrent
		})
	case RoundRobin:
		if len(ids) > 0 {
			s.rrCursor = s.rrCursor % len(ids)
			ids = append(ids[s.rrCursor:], ids[:s.rrCursor]...)
			s.rrCursor++
		}
	}
	return ids
}

// pickPeerForChunkLocked walks the ordered candidate peers once, wrapping around, looking
// for one with free capacity that did not last fail this exact chunk.
func (s *Scheduler) pickPeerForChunkLocked(chunkIdx int, peerIDs []string) (string, bool) {
	offender := s.lastFailedPeer[chunkIdx]
	for _, id := range peerIDs {
		p := s.peers[id]
		if p.pending >= p.maxConcurrent {
			continue
		}
		if id == offender {
			continue
		}
		return id, true
	}
	// No non-offending peer had capacity; if the offender itself has capacity and is the
	// only candidate, still refuse -- the spec requires a different peer for a corrupted
	// chunk's reassignment, so we leave the chunk unrequested for this cycle instead.
	return "", false
}

// OnReceived transitions a chunk to Received and frees its peer's pending slot, recording
// the response time for future scheduling decisions.
func (s *Scheduler) OnReceived(chunkIdx int, responseTime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.activeRequests[chunkIdx]
	if ok {
		if p, exists := s.peers[req.peerID]; exists {
			p.pending--
			if p.avgResponseTime == 0 {
				p.avgResponseTime = responseTime
			} else {
				p.avgResponseTime = time.Duration(float64(p.avgResponseTime)*0.8 + float64(responseTime)*0.2)
			}
		}
		delete(s.activeRequests, chunkIdx)
	}
	s.chunkStates[chunkIdx] = Received
}

// OnFailed transitions a chunk back to Unrequested and frees its peer's pending slot. A
// corrupted delivery passes through Corrupted inside this call but also ends in
// Unrequested, so the chunk does not stay Corrupted; it records the offending peer so the
// next NextRequests call excludes it for this chunk.
func (s *Scheduler) OnFailed(chunkIdx int, corrupted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.activeRequests[chunkIdx]
	var offendingPeer string
	if ok {
		offendingPeer = req.peerID
		if p, exists := s.peers[req.peerID]; exists {
			p.pending--
		}
		delete(s.activeRequests, chunkIdx)
	}

	s.retryCount[chunkIdx]++
	if corrupted {
		s.chunkStates[chunkIdx] = Corrupted
		if offendingPeer != "" {
			s.lastFailedPeer[chunkIdx] = offendingPeer
		}
		s.chunkStates[chunkIdx] = Unrequested // eligible for reassignment, excluding offender
	} else {
		s.chunkStates[chunkIdx] = Unrequested
	}
}

// IsComplete reports whether every chunk has transitioned to Received.
func (s *Scheduler) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.chunkStates {
		if st != Received {
			return false
		}
	}
	return true
}

// ChunkState returns the current state of one chunk.
func (s *Scheduler) ChunkState(idx int) ChunkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkStates[idx]
}
