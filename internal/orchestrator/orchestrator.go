// Package orchestrator exposes the protocol-agnostic download/upload API that sits above
// the chunk scheduler (internal/scheduler), the multi-source coordinator
// (internal/multisource), reassembly (internal/reassembly), and the protocol handler
// registry (internal/protocol): one DownloadFile/UploadFile call per transfer, regardless
// of how many wire protocols or sources end up serving it.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/metadata"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/multisource"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/observability"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/payment"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/peercache"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/peerhealth"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/protocol"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/reassembly"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/scheduler"
)

// Status is the lifecycle state of a transfer, reported through Progress and the teacher's
// EventPublisher alike.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusConnecting   Status = "connecting"
	StatusDownloading  Status = "downloading"
	StatusUploading    Status = "uploading"
	StatusPaused       Status = "paused"
	StatusAssembling   Status = "assembling"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusQueued       Status = "queued"
)

// Progress aggregates a transfer's current state for ListTransfers/Progress callers.
type Progress struct {
	TransferID             string
	Status                 Status
	BytesDone              int64
	BytesTotal             int64
	ChunksDone             int
	ChunksTotal            int
	ProgressPercent        float64
	TransferRateMbps       float64
	EstimatedTimeRemaining int64 // seconds
	Err                    error
}

// TransferResult is returned by DownloadFile/UploadFile once the call returns (which, for
// UploadFile, is as soon as seeding has started, not when every byte has been served).
type TransferResult struct {
	TransferID       string
	Status           Status
	OutputPath       string
	BytesTransferred int64
	Duration         time.Duration
}

// DownloadOptions configures DownloadFile. A nil ChunkSize means the caller did not pin a
// chunk size, which per the multi-source coordinator's contract forces a single-source
// fallback regardless of how many sources were discovered.
type DownloadOptions struct {
	OutputPath         string
	MaxPeers           int
	ChunkSize          *int64
	RequireEncryption  bool
	RequireSeeding     bool
	RequirePauseResume bool
	BandwidthLimitBps  int64
	// ExtraSources lets a caller hand the coordinator sources it already knows about
	// (e.g. from an out-of-band swarm announce) alongside what discoverSources finds.
	ExtraSources []multisource.Source
}

// SeedOptions configures UploadFile.
type SeedOptions struct {
	AnnounceDHT      bool
	EnableEncryption bool
	// EnableFEC negotiates a Reed-Solomon parity profile (internal/fec) for this upload's
	// manifest, letting the Chiral QUIC handler recover a lost or corrupted chunk from its
	// shard group's parity instead of stalling the transfer.
	EnableFEC       bool
	UploadSlots     int
	Price           float64 // Chiral per MB; 0 disables payment gating for this upload
	UploaderAddress string
}

// EventSink receives lifecycle events for a transfer. *service.EventPublisher satisfies
// this interface structurally; orchestrator never imports daemon/service so that a
// protocol-level package never depends on the daemon's wiring.
type EventSink interface {
	PublishStarted(sessionID, fileName string, totalSize int64)
	PublishProgress(sessionID string, progressPercent, transferRateMbps float64)
	PublishPaused(sessionID string)
	PublishResumed(sessionID string)
	PublishCompleted(sessionID string, totalTime time.Duration, avgSpeed float64)
	PublishFailed(sessionID, errorMessage string)
}

// Config tunes the orchestrator's scheduling and staging behavior.
type Config struct {
	StagingDir       string
	MonitorInterval  time.Duration
	SchedulerConfig  scheduler.Config
	PeerHealthConfig peerhealth.Config
}

// DefaultConfig returns reasonable defaults: a 1s monitor tick and the scheduler/peer
// health packages' own defaults.
func DefaultConfig() Config {
	return Config{
		MonitorInterval:  1 * time.Second,
		SchedulerConfig:  scheduler.DefaultConfig(),
		PeerHealthConfig: peerhealth.DefaultConfig(),
	}
}

// Orchestrator is the protocol-agnostic transfer API: DownloadFile/UploadFile plus
// lifecycle control (Pause/Resume/Cancel) and status polling (Progress/ListTransfers).
type Orchestrator struct {
	cfg           Config
	registry      *protocol.Registry
	metadataStore *metadata.Store
	peerCache     *peercache.Cache
	payments      *payment.Manager
	events        EventSink
	logger        *observability.Logger

	mu        sync.Mutex
	transfers map[string]*activeTransfer
}

// New builds an Orchestrator. payments, events, logger, and peerCache may all be nil: a
// nil payment manager disables checkpoint gating entirely, a nil events sink means
// lifecycle events are not published anywhere, and a nil peerCache skips peer-cache-backed
// source discovery.
func New(registry *protocol.Registry, store *metadata.Store, cache *peercache.Cache, payments *payment.Manager, events EventSink, logger *observability.Logger, cfg Config) *Orchestrator {
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), reassembly.DefaultTransferDir)
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	if cfg.SchedulerConfig.MaxConcurrentPerPeer <= 0 {
		cfg.SchedulerConfig = scheduler.DefaultConfig()
	}
	return &Orchestrator{
		cfg:           cfg,
		registry:      registry,
		metadataStore: store,
		peerCache:     cache,
		payments:      payments,
		events:        events,
		logger:        logger,
		transfers:     make(map[string]*activeTransfer),
	}
}

func (o *Orchestrator) register(at *activeTransfer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transfers[at.id] = at
}

func (o *Orchestrator) remove(transferID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.transfers, transferID)
}

func (o *Orchestrator) get(transferID string) (*activeTransfer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	at, ok := o.transfers[transferID]
	if !ok {
		return nil, newError(ErrKindNotFound, "get", fmt.Errorf("transfer %s not found", transferID))
	}
	return at, nil
}

// Progress returns a snapshot of one transfer's current state.
func (o *Orchestrator) Progress(transferID string) (Progress, error) {
	at, err := o.get(transferID)
	if err != nil {
		return Progress{}, err
	}
	return at.snapshot(), nil
}

// ListTransfers returns a snapshot of every transfer the orchestrator currently tracks.
func (o *Orchestrator) ListTransfers() []Progress {
	o.mu.Lock()
	all := make([]*activeTransfer, 0, len(o.transfers))
	for _, at := range o.transfers {
		all = append(all, at)
	}
	o.mu.Unlock()

	out := make([]Progress, 0, len(all))
	for _, at := range all {
		out = append(out, at.snapshot())
	}
	return out
}

// Pause halts a transfer's in-flight request dispatch and, for protocols that support it,
// forwards the pause to the engaged handler(s).
func (o *Orchestrator) Pause(transferID string) error {
	at, err := o.get(transferID)
	if err != nil {
		return err
	}
	at.pauseGate.pause()
	at.setStatus(StatusPaused)

	at.mu.Lock()
	handler, sourceID := at.singleHandler, at.sourceIdentifier
	uploadHandlers := append([]protocol.Handler(nil), at.uploadHandlers...)
	at.mu.Unlock()

	if handler != nil {
		if perr := handler.Pause(sourceID); perr != nil && perr != protocol.ErrNotSupported {
			return newError(ErrKindInternal, "Pause", perr)
		}
	}
	for _, h := range uploadHandlers {
		_ = h.Pause(transferID)
	}
	if o.events != nil {
		o.events.PublishPaused(transferID)
	}
	return nil
}

// Resume clears a pause and forwards resume to the engaged handler(s).
func (o *Orchestrator) Resume(transferID string) error {
	at, err := o.get(transferID)
	if err != nil {
		return err
	}
	at.pauseGate.resume()

	at.mu.Lock()
	handler, sourceID := at.singleHandler, at.sourceIdentifier
	uploadHandlers := append([]protocol.Handler(nil), at.uploadHandlers...)
	resumedStatus := at.resumeStatusLocked()
	at.status = resumedStatus
	at.mu.Unlock()

	if handler != nil {
		if rerr := handler.Resume(sourceID); rerr != nil && rerr != protocol.ErrNotSupported {
			return newError(ErrKindInternal, "Resume", rerr)
		}
	}
	for _, h := range uploadHandlers {
		_ = h.Resume(transferID)
	}
	if o.events != nil {
		o.events.PublishResumed(transferID)
	}
	return nil
}

// Cancel aborts a transfer: it cancels the transfer's context (forwarding cancellation to
// every in-flight handler call), forwards Cancel to any engaged handler, and removes the
// transfer from the active table. In-flight chunk writes are allowed to finish (they are
// already locked and small); the output file is never renamed into place.
func (o *Orchestrator) Cancel(transferID string) error {
	at, err := o.get(transferID)
	if err != nil {
		return err
	}

	at.mu.Lock()
	at.cancel()
	at.status = StatusCancelled
	handler, sourceID := at.singleHandler, at.sourceIdentifier
	uploadHandlers := append([]protocol.Handler(nil), at.uploadHandlers...)
	at.mu.Unlock()

	if handler != nil {
		_ = handler.Cancel(sourceID)
	}
	for _, h := range uploadHandlers {
		_ = h.Cancel(transferID)
	}
	o.remove(transferID)
	return nil
}

// activeTransfer is the orchestrator's internal bookkeeping for one transfer, covering
// both the single-handler and multi-source execution paths.
type activeTransfer struct {
	mu sync.Mutex

	id         string
	status     Status
	outputPath string

	startedAt       time.Time
	bytesTotal      int64
	bytesDone       int64
	chunksTotal     int
	chunksDone      int
	lastSampleAt    time.Time
	lastSampleBytes int64
	rateMbps        float64
	err             error

	cancel    context.CancelFunc
	pauseGate *pauseGate

	// Single-source download bookkeeping.
	singleHandler    protocol.Handler
	sourceIdentifier string

	// manifest is populated for multi-source downloads once the source's metadata
	// record is decoded, giving fetchChunk the expected per-chunk hash to verify against.
	manifest *chunker.Manifest

	// Upload (seeding) bookkeeping: every handler currently serving this transfer.
	uploadHandlers []protocol.Handler
}

func newActiveTransfer(id, outputPath string, cancel context.CancelFunc) *activeTransfer {
	now := time.Now()
	return &activeTransfer{
		id:           id,
		status:       StatusInitializing,
		outputPath:   outputPath,
		startedAt:    now,
		lastSampleAt: now,
		cancel:       cancel,
		pauseGate:    newPauseGate(),
	}
}

func (at *activeTransfer) setStatus(s Status) {
	at.mu.Lock()
	at.status = s
	at.mu.Unlock()
}

func (at *activeTransfer) fail(err error) {
	at.mu.Lock()
	at.status = StatusFailed
	at.err = err
	at.mu.Unlock()
}

func (at *activeTransfer) complete() {
	at.mu.Lock()
	at.status = StatusCompleted
	at.bytesDone = at.bytesTotal
	at.chunksDone = at.chunksTotal
	at.mu.Unlock()
}

// resumeStatusLocked decides what status a resumed transfer returns to. Upload sessions
// resume as Uploading; anything else resumes as Downloading. Caller holds at.mu.
func (at *activeTransfer) resumeStatusLocked() Status {
	if len(at.uploadHandlers) > 0 {
		return StatusUploading
	}
	return StatusDownloading
}

// recordProgress updates byte/chunk counters and the rolling throughput estimate. It is
// the single mutation point both download paths use so rate calculation stays consistent.
func (at *activeTransfer) recordProgress(bytesDone int64, chunksDone int) {
	at.mu.Lock()
	defer at.mu.Unlock()
	at.bytesDone = bytesDone
	at.chunksDone = chunksDone

	now := time.Now()
	elapsed := now.Sub(at.lastSampleAt).Seconds()
	if elapsed >= 0.5 {
		delta := at.bytesDone - at.lastSampleBytes
		at.rateMbps = float64(delta) * 8 / 1e6 / elapsed
		at.lastSampleAt = now
		at.lastSampleBytes = at.bytesDone
	}
}

func (at *activeTransfer) progressPercentLocked() float64 {
	if at.bytesTotal <= 0 {
		return 0
	}
	pct := float64(at.bytesDone) / float64(at.bytesTotal) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (at *activeTransfer) etaSecondsLocked() int64 {
	if at.rateMbps <= 0 || at.bytesTotal <= 0 {
		return 0
	}
	remaining := at.bytesTotal - at.bytesDone
	if remaining <= 0 {
		return 0
	}
	bytesPerSec := at.rateMbps * 1e6 / 8
	if bytesPerSec <= 0 {
		return 0
	}
	return int64(float64(remaining) / bytesPerSec)
}

func (at *activeTransfer) snapshot() Progress {
	at.mu.Lock()
	defer at.mu.Unlock()
	return Progress{
		TransferID:             at.id,
		Status:                 at.status,
		BytesDone:              at.bytesDone,
		BytesTotal:             at.bytesTotal,
		ChunksDone:             at.chunksDone,
		ChunksTotal:            at.chunksTotal,
		ProgressPercent:        at.progressPercentLocked(),
		TransferRateMbps:       at.rateMbps,
		EstimatedTimeRemaining: at.etaSecondsLocked(),
		Err:                    at.err,
	}
}

// pauseGate lets a blocked dispatch loop check in before issuing its next request,
// without the caller needing a select-heavy state machine at every call site.
type pauseGate struct {
	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

func newPauseGate() *pauseGate {
	return &pauseGate{resumeCh: make(chan struct{})}
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resumeCh)
		g.resumeCh = make(chan struct{})
	}
}

// wait blocks while the gate is paused, returning early if ctx is cancelled.
func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return nil
	}
	ch := g.resumeCh
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
