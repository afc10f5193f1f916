package orchestrator

import (
	"context"
	"errors"

	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/fec"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/metadata"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/payment"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/protocol"
	chiralproto "github.com/totoro-ming-lin/chiral-network-sub001/internal/protocol/chiral"
	httpproto "github.com/totoro-ming-lin/chiral-network-sub001/internal/protocol/http"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/validation"
)

// UploadFile chunks filePath, publishes its FileMetadata record, and starts seeding it on
// every handler capable of seeding. It returns as soon as seeding has started; seeding
// itself runs for the lifetime of the handler (or until Cancel/StopSeeding).
func (o *Orchestrator) UploadFile(ctx context.Context, filePath string, opts SeedOptions) (TransferResult, error) {
	if err := validation.ValidateFilePath(filePath, true); err != nil {
		return TransferResult{}, newError(ErrKindValidation, "UploadFile", err)
	}

	manifest, err := chunker.ComputeManifest(filePath, chunker.DefaultChunkOptions())
	if err != nil {
		return TransferResult{}, newError(ErrKindInternal, "UploadFile", err)
	}
	if opts.EnableFEC {
		policy := fec.DefaultPolicyConfig()
		manifest.FEC = &chunker.FECProfile{K: policy.DefaultK, R: policy.DefaultR}
	}

	transferID := manifest.MerkleRoot
	ctx, cancel := context.WithCancel(ctx)
	at := newActiveTransfer(transferID, filePath, cancel)
	o.register(at)

	rec, err := metadata.FromManifest(manifest, opts.Price, opts.UploaderAddress)
	if err != nil {
		werr := newError(ErrKindInternal, "UploadFile", err)
		at.fail(werr)
		return TransferResult{}, werr
	}
	// opts.EnableEncryption is not acted on here: chiral chunk frames ride QUIC's TLS 1.3
	// channel regardless, and the metadata record's at-rest IsEncrypted/KeyBundle fields
	// are left unset because they require a key bundle this orchestrator does not manage.

	var engaged []protocol.Handler
	for _, h := range o.registry.All() {
		if !h.Capabilities().CanSeed {
			continue
		}

		if hh, ok := h.(*httpproto.Handler); ok {
			rec.HTTPSources = append(rec.HTTPSources, metadata.HTTPSource{URL: "/files/" + transferID, VerifyTLS: false})
			hh.RegisterSeedEntry(transferID, filePath, manifest)
			if o.payments != nil && opts.Price > 0 {
				hh.Gate = o.paymentGate(transferID)
			}
		}

		// Chiral recomputes its own manifest from filePath by default; pre-register ours
		// so a negotiated FEC profile (or any other orchestrator-side manifest option)
		// actually reaches the handler instead of being silently dropped.
		if ch, ok := h.(*chiralproto.Handler); ok {
			ch.RegisterSeedEntry(transferID, filePath, manifest)
		}

		if err := h.Seed(ctx, transferID, filePath); err != nil {
			if errors.Is(err, protocol.ErrNotSupported) {
				continue
			}
			werr := newError(ErrKindInternal, "UploadFile", err)
			at.fail(werr)
			return TransferResult{}, werr
		}
		engaged = append(engaged, h)
	}
	if len(engaged) == 0 {
		werr := newError(ErrKindNotSupported, "UploadFile", errors.New("no registered handler can seed this transfer"))
		at.fail(werr)
		return TransferResult{}, werr
	}

	if o.payments != nil && opts.Price > 0 {
		_, err := o.payments.NewSession(transferID, manifest.MerkleRoot, manifest.FileSize, opts.Price, opts.UploaderAddress, "", payment.ModeExponential)
		if err != nil && !errors.Is(err, payment.ErrDuplicateSession) {
			werr := newError(ErrKindPayment, "UploadFile", err)
			at.fail(werr)
			return TransferResult{}, werr
		}
	}

	if o.metadataStore != nil && opts.AnnounceDHT {
		if err := o.metadataStore.Publish(rec); err != nil {
			werr := newError(ErrKindValidation, "UploadFile", err)
			at.fail(werr)
			return TransferResult{}, werr
		}
	}

	at.mu.Lock()
	at.uploadHandlers = engaged
	at.bytesTotal = manifest.FileSize
	at.chunksTotal = manifest.ChunkCount
	at.manifest = manifest
	at.mu.Unlock()
	at.setStatus(StatusUploading)

	if o.events != nil {
		o.events.PublishStarted(transferID, manifest.FileName, manifest.FileSize)
	}

	return TransferResult{
		TransferID:       transferID,
		Status:           StatusUploading,
		OutputPath:       filePath,
		BytesTransferred: 0,
		Duration:         0,
	}, nil
}

// paymentGate returns the closure an HTTP handler's Gate field checks before serving
// bytes: payment.Session.ShouldPauseServing drives the same checkpoint cadence the
// reference payment state machine implements, keyed by the transfer's own ID.
func (o *Orchestrator) paymentGate(transferID string) func(string) bool {
	return func(checkTransferID string) bool {
		sess, err := o.payments.Get(checkTransferID)
		if err != nil {
			return true
		}
		return !sess.ShouldPauseServing()
	}
}

