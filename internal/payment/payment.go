// Package payment implements the seeding-side payment checkpoint state machine: periodic
// micro-payments gate how many bytes a seeder will serve before pausing for settlement.
package payment

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrUnknownSession     = errors.New("payment: unknown session")
	ErrDuplicateSession   = errors.New("payment: session already exists")
	ErrDuplicateTxHash    = errors.New("payment: duplicate transaction hash")
	ErrRateLimited        = errors.New("payment: too many payment attempts")
	ErrInvalidAmount      = errors.New("payment: invalid amount")
	ErrInvalidState       = errors.New("payment: no checkpoint payment is due")
)

// State is the coarse serving state of a payment-gated session.
type State int

const (
	StateActive State = iota
	StateWaitingForPayment
	StatePaymentFailed
	StateCompleted
)

// Mode selects how the checkpoint schedule grows.
type Mode int

const (
	ModeExponential Mode = iota
	ModeUpfront
)

const (
	defaultFirstCheckpointMB = 10
	minCheckpointMB          = 1
	maxCheckpointHistory     = 100
	rateLimitWindow          = 60 * time.Second
	rateLimitMaxAttempts     = 5
)

// CheckpointEvent records one completed payment.
type CheckpointEvent struct {
	CheckpointMB  int64
	AmountChiral  float64
	TxHash        string
	RecordedAt    time.Time
}

// Session is one file's payment-gated serving state.
type Session struct {
	mu sync.Mutex

	SessionID         string
	FileHash          string
	FileSize          int64
	BytesTransferred  int64
	NextCheckpointBytes int64
	LastCheckpointMB  int64
	State             State
	PendingAmount     float64
	TotalPaid         float64
	SeederAddress     string
	SeederPeerID      string
	PricePerMB        float64
	Mode              Mode

	seenTxHashes     map[string]bool
	checkpointHistory []CheckpointEvent
	limiter          *rate.Limiter
}

// Manager owns every active payment session, keyed by session id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty payment session registry.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// NewSession registers a new payment-gated session. The first checkpoint is at 10 MiB
// for exponential mode, or at the full file size for upfront mode (a single payment
// covers the whole transfer).
func (m *Manager) NewSession(sessionID, fileHash string, fileSize int64, pricePerMB float64, seederAddress, seederPeerID string, mode Mode) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists {
		return nil, ErrDuplicateSession
	}

	firstCheckpointBytes := int64(defaultFirstCheckpointMB) * 1024 * 1024
	lastMB := int64(defaultFirstCheckpointMB)
	if mode == ModeUpfront {
		firstCheckpointBytes = fileSize
		lastMB = fileSize / (1024 * 1024)
	}

	s := &Session{
		SessionID:           sessionID,
		FileHash:             fileHash,
		FileSize:              fileSize,
		NextCheckpointBytes:  firstCheckpointBytes,
		LastCheckpointMB:      lastMB,
		State:                 StateActive,
		SeederAddress:         seederAddress,
		SeederPeerID:          seederPeerID,
		PricePerMB:            pricePerMB,
		Mode:                  mode,
		seenTxHashes:          make(map[string]bool),
		limiter:               rate.NewLimiter(rate.Every(rateLimitWindow/rateLimitMaxAttempts), rateLimitMaxAttempts),
	}
	m.sessions[sessionID] = s
	return s, nil
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Remove deletes a session, e.g. once a transfer completes.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// UpdateProgress records newly transferred bytes and, if the running total crosses the
// next checkpoint, transitions the session into WaitingForPayment with the amount due.
func (s *Session) UpdateProgress(bytesTransferred int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State != StateActive {
		s.BytesTransferred = bytesTransferred
		return
	}

	s.BytesTransferred = bytesTransferred
	if bytesTransferred >= s.NextCheckpointBytes {
		amount := float64(s.LastCheckpointMB) * s.PricePerMB
		s.PendingAmount = amount
		s.State = StateWaitingForPayment
	}
}

// ShouldPauseServing reports whether the seeder should stop sending bytes right now.
func (s *Session) ShouldPauseServing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State == StateWaitingForPayment || s.State == StatePaymentFailed
}

// RecordPayment applies a payment transaction. It is idempotent per tx hash and subject to
// a 5-attempts-per-60-seconds rate limit, and it rejects with ErrInvalidState unless the
// session is currently WaitingForPayment. On success, the checkpoint schedule grows
// (doubling, floor at the configured minimum) and the session returns to Active; the
// intermediate PaymentReceived instant is never externally observable.
func (s *Session) RecordPayment(txHash string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !s.limiter.Allow() {
		return ErrRateLimited
	}
	if s.seenTxHashes[txHash] {
		return ErrDuplicateTxHash
	}
	if s.State != StateWaitingForPayment {
		return ErrInvalidState
	}

	s.seenTxHashes[txHash] = true
	s.TotalPaid += amount

	s.checkpointHistory = append(s.checkpointHistory, CheckpointEvent{
		CheckpointMB: s.LastCheckpointMB,
		AmountChiral: amount,
		TxHash:       txHash,
		RecordedAt:   time.Now(),
	})
	if len(s.checkpointHistory) > maxCheckpointHistory {
		s.checkpointHistory = s.checkpointHistory[len(s.checkpointHistory)-maxCheckpointHistory:]
	}

	// The session goes from WaitingForPayment straight back to Active within this critical
	// section; there is no separate PaymentReceived state value for a reader to observe.
	_ = StateCompleted // StateCompleted reserved for explicit session-close callers

	if s.Mode == ModeUpfront {
		s.NextCheckpointBytes = 1<<62 // effectively unreachable: one payment covers the file
	} else {
		nextMB := s.LastCheckpointMB * 2
		if nextMB < minCheckpointMB {
			nextMB = minCheckpointMB
		}
		s.LastCheckpointMB = nextMB
		// saturate at the same 1<<62 ceiling upfront mode uses instead of overflowing int64
		const ceiling = int64(1) << 62
		if nextMB >= ceiling>>20 || s.BytesTransferred >= ceiling-nextMB*1024*1024 {
			s.NextCheckpointBytes = ceiling
		} else {
			s.NextCheckpointBytes = s.BytesTransferred + nextMB*1024*1024
		}
	}
	s.PendingAmount = 0
	s.State = StateActive
	return nil
}

// MarkFailed transitions the session into PaymentFailed, pausing serving until recovered.
func (s *Session) MarkFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StatePaymentFailed
}

// Recover clears a PaymentFailed state back to Active without requiring a new payment
// (e.g. after a transient RPC error that was not the downloader's fault).
func (s *Session) Recover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == StatePaymentFailed {
		s.State = StateActive
	}
}

// Snapshot is a read-only copy of a session's externally visible fields.
type Snapshot struct {
	State               State
	BytesTransferred    int64
	NextCheckpointBytes int64
	LastCheckpointMB    int64
	TotalPaid           float64
	PendingAmount       float64
	History             []CheckpointEvent
}

// Snapshot returns a copy of the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]CheckpointEvent, len(s.checkpointHistory))
	copy(history, s.checkpointHistory)
	return Snapshot{
		State:               s.State,
		BytesTransferred:    s.BytesTransferred,
		NextCheckpointBytes: s.NextCheckpointBytes,
		LastCheckpointMB:    s.LastCheckpointMB,
		TotalPaid:           s.TotalPaid,
		PendingAmount:       s.PendingAmount,
		History:             history,
	}
}
