package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/metadata"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/multisource"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/peerhealth"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/protocol"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/reassembly"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/scheduler"
)

// rangeDownloader is implemented by handlers that can fetch an arbitrary byte range of an
// identifier on demand (internal/protocol/http today). The multi-source coordinator only
// dispatches chunk fetches to sources whose handler satisfies this interface; see the
// note on chiral.Handler for why the native Chiral protocol does not.
type rangeDownloader interface {
	DownloadRange(ctx context.Context, identifier string, start, length int64) ([]byte, error)
}

// DownloadFile fetches identifier into opts.OutputPath, choosing a multi-source dispatch
// when more than one usable, chunk-size-compatible source is discovered, and otherwise
// falling back to a single handler's own Download.
func (o *Orchestrator) DownloadFile(ctx context.Context, identifier string, opts DownloadOptions) (TransferResult, error) {
	if opts.OutputPath == "" {
		return TransferResult{}, newError(ErrKindValidation, "DownloadFile", errors.New("output path required"))
	}

	transferID := uuid.New().String()
	ctx, cancel := context.WithCancel(ctx)
	at := newActiveTransfer(transferID, opts.OutputPath, cancel)
	o.register(at)

	if o.events != nil {
		o.events.PublishStarted(transferID, filepath.Base(opts.OutputPath), 0)
	}
	at.setStatus(StatusConnecting)

	sources, rec := o.discoverSources(identifier, opts)

	useMultiSource := opts.ChunkSize != nil && len(sources) > 1 && opts.MaxPeers > 1
	if useMultiSource {
		result, err := o.downloadMultiSource(ctx, at, identifier, sources, rec, opts)
		if err != nil {
			at.fail(err)
			if o.events != nil {
				o.events.PublishFailed(transferID, err.Error())
			}
			return TransferResult{}, err
		}
		at.complete()
		if o.events != nil {
			o.events.PublishCompleted(transferID, time.Since(at.startedAt), at.rateMbps)
		}
		return result, nil
	}

	return o.downloadSingleSource(ctx, at, identifier, opts)
}

// discoverSources gathers every candidate source for identifier: handlers in the registry
// that claim Supports(identifier), the HTTP/FTP/ED2K sources recorded against identifier's
// metadata record (when identifier is itself a merkle root), the peer cache's chiral
// peers, and any caller-supplied opts.ExtraSources.
func (o *Orchestrator) discoverSources(identifier string, opts DownloadOptions) ([]multisource.Source, *metadata.Record) {
	var sources []multisource.Source

	for _, h := range o.registry.All() {
		if !h.Supports(identifier) {
			continue
		}
		sources = append(sources, multisource.Source{
			Protocol:   protocolFor(h.Name()),
			Identifier: identifier,
		})
	}

	var rec *metadata.Record
	if o.metadataStore != nil {
		if r, err := o.metadataStore.Lookup(identifier); err == nil {
			rec = r
			for _, hs := range r.HTTPSources {
				sources = append(sources, multisource.Source{Protocol: multisource.ProtocolHTTP, Identifier: hs.URL})
			}
			for _, fs := range r.FTPSources {
				sources = append(sources, multisource.Source{Protocol: multisource.ProtocolFTP, Identifier: fs.URL})
			}
			for _, es := range r.ED2KSources {
				sources = append(sources, multisource.Source{Protocol: multisource.ProtocolED2K, Identifier: es.ServerURL})
			}
		}
	}

	if o.peerCache != nil {
		now := time.Now()
		for _, entry := range o.peerCache.Peers {
			if entry.IsStale(now) {
				continue
			}
			latency := entry.AverageLatencyMs
			reputation := entry.ReliabilityScore
			sources = append(sources, multisource.Source{
				Protocol:   multisource.ProtocolChiral,
				Identifier: entry.PeerID,
				LatencyMs:  &latency,
				Reputation: &reputation,
			})
		}
	}

	sources = append(sources, opts.ExtraSources...)
	return sources, rec
}

func protocolFor(handlerName string) multisource.Protocol {
	switch handlerName {
	case "http":
		return multisource.ProtocolHTTP
	case "chiral":
		return multisource.ProtocolChiral
	case "ftp":
		return multisource.ProtocolFTP
	case "ed2k":
		return multisource.ProtocolED2K
	case "bittorrent":
		return multisource.ProtocolBitTorrent
	default:
		return multisource.ProtocolOther
	}
}

// downloadSingleSource is the fallback path: one handler, its own Download/progress loop.
func (o *Orchestrator) downloadSingleSource(ctx context.Context, at *activeTransfer, identifier string, opts DownloadOptions) (TransferResult, error) {
	handler, err := o.registry.Detect(identifier)
	if err != nil {
		werr := newError(ErrKindNotSupported, "downloadSingleSource", err)
		at.fail(werr)
		if o.events != nil {
			o.events.PublishFailed(at.id, werr.Error())
		}
		return TransferResult{}, werr
	}

	caps := handler.Capabilities()
	if opts.RequireSeeding && !caps.CanSeed {
		werr := newError(ErrKindNotSupported, "downloadSingleSource", fmt.Errorf("%s cannot seed", handler.Name()))
		at.fail(werr)
		return TransferResult{}, werr
	}
	if opts.RequirePauseResume && !caps.Resumable {
		werr := newError(ErrKindNotSupported, "downloadSingleSource", fmt.Errorf("%s is not resumable", handler.Name()))
		at.fail(werr)
		return TransferResult{}, werr
	}

	at.mu.Lock()
	at.singleHandler = handler
	at.sourceIdentifier = identifier
	at.mu.Unlock()
	at.setStatus(StatusDownloading)

	progressCh := make(chan protocol.Progress, 8)
	done := make(chan error, 1)
	go func() {
		done <- handler.Download(ctx, identifier, opts.OutputPath, progressCh)
	}()

	for {
		select {
		case p, ok := <-progressCh:
			if !ok {
				continue
			}
			total := p.BytesTotal
			at.mu.Lock()
			if total > 0 {
				at.bytesTotal = total
			}
			at.mu.Unlock()
			at.recordProgress(p.BytesDone, p.ChunksDone)
			if o.events != nil {
				at.mu.Lock()
				pct := at.progressPercentLocked()
				rate := at.rateMbps
				at.mu.Unlock()
				o.events.PublishProgress(at.id, pct, rate)
			}
		case err := <-done:
			if err != nil {
				werr := newError(classifyHandlerErr(err), "downloadSingleSource", err)
				at.fail(werr)
				if o.events != nil {
					o.events.PublishFailed(at.id, werr.Error())
				}
				return TransferResult{}, werr
			}
			at.complete()
			if o.events != nil {
				o.events.PublishCompleted(at.id, time.Since(at.startedAt), at.rateMbps)
			}
			return TransferResult{
				TransferID:       at.id,
				Status:           StatusCompleted,
				OutputPath:       opts.OutputPath,
				BytesTransferred: at.bytesDone,
				Duration:         time.Since(at.startedAt),
			}, nil
		case <-ctx.Done():
			werr := newError(ErrKindTransientIO, "downloadSingleSource", ctx.Err())
			at.fail(werr)
			return TransferResult{}, werr
		}
	}
}

func classifyHandlerErr(err error) ErrorKind {
	if errors.Is(err, protocol.ErrNotSupported) || errors.Is(err, protocol.ErrUnknownIdentifier) {
		return ErrKindNotSupported
	}
	if errors.Is(err, reassembly.ErrHashMismatch) {
		return ErrKindIntegrity
	}
	return ErrKindTransientIO
}

// downloadMultiSource partitions chunks across sources by priority score
// (internal/multisource), dispatches fetches through the scheduler
// (internal/scheduler) with peer health tracking (internal/peerhealth), writes verified
// chunks into a reassembly session (internal/reassembly), and reassigns a chunk whenever
// its source fails or delivers corrupt bytes.
func (o *Orchestrator) downloadMultiSource(ctx context.Context, at *activeTransfer, identifier string, sources []multisource.Source, rec *metadata.Record, opts DownloadOptions) (TransferResult, error) {
	totalSize := int64(0)
	chunkSize := *opts.ChunkSize
	if rec != nil {
		totalSize = rec.FileSize
	}
	totalChunks := 0
	if totalSize > 0 && chunkSize > 0 {
		totalChunks = int((totalSize + chunkSize - 1) / chunkSize)
	}
	if totalChunks == 0 {
		return TransferResult{}, newError(ErrKindValidation, "downloadMultiSource", errors.New("cannot determine chunk count for multi-source download"))
	}

	rangeBySource := make(map[string]rangeDownloader, len(sources))
	for _, src := range sources {
		h, ok := o.registry.ByName(string(src.Protocol))
		if !ok {
			continue
		}
		if rd, ok := h.(rangeDownloader); ok {
			rangeBySource[src.Identifier] = rd
		}
	}

	var usable []multisource.Source
	for _, src := range sources {
		if _, ok := rangeBySource[src.Identifier]; ok {
			usable = append(usable, src)
		}
	}
	if len(usable) < 2 {
		return o.downloadSingleSource(ctx, at, identifier, opts)
	}

	sched := scheduler.New(totalChunks, o.cfg.SchedulerConfig)
	health := peerhealth.NewManager(o.cfg.PeerHealthConfig)
	for _, src := range usable {
		health.InitPeer(src.Identifier)
		sched.AddPeer(src.Identifier, concurrencyForScore(src.PriorityScore()))
	}

	session, err := reassembly.NewSession(o.cfg.StagingDir, at.id, totalChunks)
	if err != nil {
		return TransferResult{}, newError(ErrKindInternal, "downloadMultiSource", err)
	}

	var manifest *chunker.Manifest
	if rec != nil && rec.Manifest != "" {
		manifest, _ = metadata.DecodeManifest(rec.Manifest)
	}

	at.mu.Lock()
	at.bytesTotal = totalSize
	at.chunksTotal = totalChunks
	at.manifest = manifest
	at.mu.Unlock()
	at.setStatus(StatusDownloading)

	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()

	chunkLength := func(idx int) (int64, int64) {
		offset := int64(idx) * chunkSize
		length := chunkSize
		if offset+length > totalSize {
			length = totalSize - offset
		}
		return offset, length
	}

	inFlight := 0
	const maxInFlightBudget = 24

	for !sched.IsComplete() {
		if err := at.pauseGate.wait(ctx); err != nil {
			return TransferResult{}, newError(ErrKindTransientIO, "downloadMultiSource", err)
		}

		budget := maxInFlightBudget - inFlight
		if budget > 0 {
			reqs := sched.NextRequests(budget)
			for _, req := range reqs {
				inFlight++
				go o.fetchChunk(ctx, at, session, sched, health, rangeBySource[req.PeerID], req, chunkLength)
			}
		}

		select {
		case <-ctx.Done():
			return TransferResult{}, newError(ErrKindTransientIO, "downloadMultiSource", ctx.Err())
		case <-ticker.C:
			at.mu.Lock()
			pct := at.progressPercentLocked()
			rate := at.rateMbps
			at.mu.Unlock()
			if o.events != nil {
				o.events.PublishProgress(at.id, pct, rate)
			}
			// inFlight is only an estimate for budgeting the next NextRequests call;
			// recompute from scheduler-visible completions each tick.
			inFlight = 0
			for i := 0; i < totalChunks; i++ {
				if sched.ChunkState(i) == scheduler.Requested {
					inFlight++
				}
			}
		}
	}

	at.setStatus(StatusAssembling)
	finalPath := opts.OutputPath
	if err := session.VerifyAndFinalize("", finalPath); err != nil {
		return TransferResult{}, newError(ErrKindIntegrity, "downloadMultiSource", err)
	}

	return TransferResult{
		TransferID:       at.id,
		Status:           StatusCompleted,
		OutputPath:       finalPath,
		BytesTransferred: totalSize,
		Duration:         time.Since(at.startedAt),
	}, nil
}

// fetchChunk performs one scheduler-assigned chunk fetch: DownloadRange, chunk hash
// verification via the reassembly session's WriteChunk, and scheduler/health bookkeeping
// on success or failure. Runs in its own goroutine; errors are absorbed into scheduler
// state rather than returned, matching the monitor-loop-driven retry design.
func (o *Orchestrator) fetchChunk(ctx context.Context, at *activeTransfer, session *reassembly.Session, sched *scheduler.Scheduler, health *peerhealth.Manager, rd rangeDownloader, req scheduler.Request, chunkLength func(int) (int64, int64)) {
	offset, length := chunkLength(req.ChunkIndex)
	start := time.Now()

	data, err := rd.DownloadRange(ctx, req.PeerID, offset, length)
	elapsed := time.Since(start)
	if err != nil {
		health.RecordFailure(req.PeerID)
		sched.OnFailed(req.ChunkIndex, false)
		return
	}

	var expectedHash string
	if at.manifest != nil && req.ChunkIndex < len(at.manifest.Chunks) {
		expectedHash = at.manifest.Chunks[req.ChunkIndex].Hash
	}

	if werr := session.WriteChunk(req.ChunkIndex, offset, data, expectedHash); werr != nil {
		corrupted := errors.Is(werr, reassembly.ErrHashMismatch)
		health.RecordFailure(req.PeerID)
		sched.OnFailed(req.ChunkIndex, corrupted)
		return
	}

	health.RecordSuccess(req.PeerID, elapsed, int64(len(data)))
	sched.UpdatePeerResponseTime(req.PeerID, elapsed)
	sched.OnReceived(req.ChunkIndex, elapsed)

	at.mu.Lock()
	at.bytesDone += int64(len(data))
	at.chunksDone++
	bytesDone, chunksDone := at.bytesDone, at.chunksDone
	at.mu.Unlock()
	at.recordProgress(bytesDone, chunksDone)
}

func concurrencyForScore(score float64) int {
	switch {
	case score >= 150:
		return 5
	case score >= 100:
		return 4
	case score >= 75:
		return 3
	case score >= 50:
		return 2
	default:
		return 1
	}
}
