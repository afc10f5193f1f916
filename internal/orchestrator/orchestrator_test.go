package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/metadata"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/payment"
	httpproto "github.com/totoro-ming-lin/chiral-network-sub001/internal/protocol/http"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/protocol"
)

// fakeHandler is a minimal in-memory protocol.Handler for exercising the orchestrator
// without a real network. downloadFn, when set, overrides Download entirely (used to
// simulate a slow/blockable transfer for cancel tests); otherwise Download writes the
// byte slice registered under the requested identifier in data.
type fakeHandler struct {
	name           string
	supportsPrefix string
	canDownload    bool
	canSeed        bool
	data           map[string][]byte
	downloadFn     func(ctx context.Context) error
}

func (f *fakeHandler) Name() string { return f.name }

func (f *fakeHandler) Supports(identifier string) bool {
	return strings.HasPrefix(identifier, f.supportsPrefix)
}

func (f *fakeHandler) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{CanDownload: f.canDownload, CanSeed: f.canSeed, MultiSource: true, Resumable: true}
}

func (f *fakeHandler) Download(ctx context.Context, identifier, destPath string, progressCh chan<- protocol.Progress) error {
	if f.downloadFn != nil {
		return f.downloadFn(ctx)
	}
	data, ok := f.data[identifier]
	if !ok {
		return errors.New("fakeHandler: no data registered for identifier")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return err
	}
	if progressCh != nil {
		select {
		case progressCh <- protocol.Progress{BytesDone: int64(len(data)), BytesTotal: int64(len(data)), State: "completed"}:
		default:
		}
	}
	return nil
}

func (f *fakeHandler) DownloadRange(ctx context.Context, identifier string, start, length int64) ([]byte, error) {
	data, ok := f.data[identifier]
	if !ok {
		return nil, errors.New("fakeHandler: no data registered for identifier")
	}
	if start+length > int64(len(data)) {
		length = int64(len(data)) - start
	}
	if length < 0 {
		length = 0
	}
	return data[start : start+length], nil
}

func (f *fakeHandler) Seed(ctx context.Context, transferID, filePath string) error { return nil }
func (f *fakeHandler) Pause(transferID string) error                              { return nil }
func (f *fakeHandler) Resume(transferID string) error                             { return nil }
func (f *fakeHandler) Cancel(transferID string) error                             { return nil }
func (f *fakeHandler) Progress(transferID string) (protocol.Progress, error) {
	return protocol.Progress{}, protocol.ErrNotSupported
}
func (f *fakeHandler) StopSeeding(transferID string) error { return nil }
func (f *fakeHandler) ListSeeding() []string               { return nil }

func TestDownloadFileSingleSource(t *testing.T) {
	content := bytes.Repeat([]byte("a"), 4096)
	fh := &fakeHandler{name: "fake", supportsPrefix: "fake://", canDownload: true, data: map[string][]byte{
		"fake://file": content,
	}}
	registry := protocol.NewRegistry(fh)
	orch := New(registry, metadata.NewStore(), nil, nil, nil, nil, DefaultConfig())

	outPath := filepath.Join(t.TempDir(), "out.bin")
	result, err := orch.DownloadFile(context.Background(), "fake://file", DownloadOptions{OutputPath: outPath})
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %v, want Completed", result.Status)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("output content mismatch")
	}
}

func TestDownloadFileMultiSource(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")
	const chunkSize = 64 * 1024
	content := bytes.Repeat([]byte{0x5A}, chunkSize*3)
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	manifest, err := chunker.ComputeManifest(srcPath, chunker.ChunkOptions{ChunkSize: chunkSize})
	if err != nil {
		t.Fatalf("ComputeManifest: %v", err)
	}

	rec, err := metadata.FromManifest(manifest, 0, "uploader")
	if err != nil {
		t.Fatalf("FromManifest: %v", err)
	}
	rec.HTTPSources = []metadata.HTTPSource{
		{URL: "peerA"},
		{URL: "peerB"},
	}

	store := metadata.NewStore()
	if err := store.Publish(rec); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	fh := &fakeHandler{name: "http", supportsPrefix: "http-unused://", canDownload: true, data: map[string][]byte{
		"peerA": content,
		"peerB": content,
	}}
	registry := protocol.NewRegistry(fh)

	cfg := DefaultConfig()
	cfg.StagingDir = filepath.Join(dir, "staging")
	cfg.MonitorInterval = 50 * time.Millisecond
	orch := New(registry, store, nil, nil, nil, nil, cfg)

	outPath := filepath.Join(dir, "out.bin")
	chunkSz := int64(chunkSize)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := orch.DownloadFile(ctx, manifest.MerkleRoot, DownloadOptions{
		OutputPath: outPath,
		MaxPeers:   2,
		ChunkSize:  &chunkSz,
	})
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %v, want Completed", result.Status)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("reassembled content mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

func TestDownloadFileForcesSingleSourceWithoutChunkSize(t *testing.T) {
	content := []byte("small file, no chunk size pinned")
	fh := &fakeHandler{name: "fake", supportsPrefix: "fake://", canDownload: true, data: map[string][]byte{
		"fake://doc": content,
	}}
	registry := protocol.NewRegistry(fh)
	orch := New(registry, metadata.NewStore(), nil, nil, nil, nil, DefaultConfig())

	outPath := filepath.Join(t.TempDir(), "out.bin")
	result, err := orch.DownloadFile(context.Background(), "fake://doc", DownloadOptions{OutputPath: outPath, MaxPeers: 5})
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %v, want Completed", result.Status)
	}
}

func TestCancelStopsInFlightDownloadAndRemovesTransfer(t *testing.T) {
	block := make(chan struct{})
	fh := &fakeHandler{
		name: "slow", supportsPrefix: "slow://", canDownload: true,
		downloadFn: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-block:
				return nil
			}
		},
	}
	registry := protocol.NewRegistry(fh)
	orch := New(registry, metadata.NewStore(), nil, nil, nil, nil, DefaultConfig())

	resultCh := make(chan error, 1)
	go func() {
		_, err := orch.DownloadFile(context.Background(), "slow://file", DownloadOptions{
			OutputPath: filepath.Join(t.TempDir(), "out.bin"),
		})
		resultCh <- err
	}()

	var id string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if list := orch.ListTransfers(); len(list) > 0 {
			id = list[0].TransferID
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("transfer never registered")
	}

	if err := orch.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected an error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("download did not return after cancel")
	}

	if _, err := orch.Progress(id); err == nil {
		t.Fatal("expected transfer to be removed after cancel")
	}
	close(block)
}

func TestPauseResumeForwardsToHandler(t *testing.T) {
	release := make(chan struct{})
	fh := &fakeHandler{
		name: "slow", supportsPrefix: "slow://", canDownload: true,
		downloadFn: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-release:
				return nil
			}
		},
	}
	registry := protocol.NewRegistry(fh)
	orch := New(registry, metadata.NewStore(), nil, nil, nil, nil, DefaultConfig())

	go func() {
		_, _ = orch.DownloadFile(context.Background(), "slow://file", DownloadOptions{
			OutputPath: filepath.Join(t.TempDir(), "out.bin"),
		})
	}()

	var id string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if list := orch.ListTransfers(); len(list) > 0 {
			id = list[0].TransferID
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("transfer never registered")
	}

	if err := orch.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	p, err := orch.Progress(id)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.Status != StatusPaused {
		t.Fatalf("status = %v, want Paused", p.Status)
	}

	if err := orch.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	p, err = orch.Progress(id)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.Status != StatusDownloading {
		t.Fatalf("status = %v, want Downloading", p.Status)
	}

	close(release)
}

func TestUploadFilePublishesRecordAndGatesPayment(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "upload.bin")
	if err := os.WriteFile(filePath, bytes.Repeat([]byte{0x01}, 1024), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	httpHandler := httpproto.New(nil)
	registry := protocol.NewRegistry(httpHandler)
	store := metadata.NewStore()
	payments := payment.NewManager()

	orch := New(registry, store, nil, payments, nil, nil, DefaultConfig())

	result, err := orch.UploadFile(context.Background(), filePath, SeedOptions{
		AnnounceDHT:     true,
		Price:           1.0,
		UploaderAddress: "0xabc",
	})
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if result.Status != StatusUploading {
		t.Fatalf("status = %v, want Uploading", result.Status)
	}

	rec, err := store.Lookup(result.TransferID)
	if err != nil {
		t.Fatalf("record not published: %v", err)
	}
	if len(rec.HTTPSources) != 1 {
		t.Fatalf("expected 1 http source, got %d", len(rec.HTTPSources))
	}

	if httpHandler.Gate == nil {
		t.Fatal("expected payment gate to be wired onto the http handler")
	}
	if !httpHandler.Gate(result.TransferID) {
		t.Fatal("gate should allow serving before any checkpoint is due")
	}

	sess, err := payments.Get(result.TransferID)
	if err != nil {
		t.Fatalf("payment session not created: %v", err)
	}
	sess.UpdateProgress(sess.NextCheckpointBytes)
	if httpHandler.Gate(result.TransferID) {
		t.Fatal("gate should block serving once a checkpoint payment is due")
	}
}
