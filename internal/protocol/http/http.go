// Package http implements the HTTP(S) protocol.Handler: range-request downloads and a
// seeding endpoint that serves chunk ranges of a content-addressed file.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/protocol"
)

// seedEntry tracks one file this handler is serving under /files/<merkleRoot>.
type seedEntry struct {
	filePath string
	manifest *chunker.Manifest
}

// Handler implements protocol.Handler over plain HTTP(S) byte-range requests.
type Handler struct {
	client *http.Client

	mu       sync.RWMutex
	seeding  map[string]seedEntry
	progress map[string]protocol.Progress

	// Gate is consulted by ServeHTTP before serving file bytes for a seeded transfer
	// ID; a nil Gate or a true return allows the request through. Callers wire a
	// payment checkpoint (internal/payment) in by setting this to a closure over a
	// payment.Manager session lookup.
	Gate func(transferID string) bool
}

// New returns an HTTP handler using the given client (a client with a 60s timeout if nil).
func New(client *http.Client) *Handler {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Handler{
		client:   client,
		seeding:  make(map[string]seedEntry),
		progress: make(map[string]protocol.Progress),
	}
}

func (h *Handler) Name() string { return "http" }

func (h *Handler) Supports(identifier string) bool {
	u, err := url.Parse(identifier)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (h *Handler) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{CanDownload: true, CanSeed: true, MultiSource: true, Resumable: true}
}

// Download fetches identifier (an HTTP(S) URL) into destPath with a plain GET: destPath is
// created or truncated, no Range header is sent, and a partial earlier download is not
// resumed. DownloadRange fetches explicit byte ranges.
func (h *Handler) Download(ctx context.Context, identifier string, destPath string, progressCh chan<- protocol.Progress) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, identifier, nil)
	if err != nil {
		return err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("http: unexpected status %d fetching %s", resp.StatusCode, identifier)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	total := resp.ContentLength
	var done int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			done += int64(n)
			if progressCh != nil {
				select {
				case progressCh <- protocol.Progress{TransferID: identifier, BytesDone: done, BytesTotal: total, State: "running"}:
				default:
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	h.mu.Lock()
	h.progress[identifier] = protocol.Progress{TransferID: identifier, BytesDone: done, BytesTotal: total, State: "completed"}
	h.mu.Unlock()
	return nil
}

// DownloadRange fetches a single byte range [start, start+length) of identifier,
// used by the multi-source coordinator when splitting a file across sources.
func (h *Handler) DownloadRange(ctx context.Context, identifier string, start, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, identifier, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+length-1))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http: range request returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, length))
}

// Seed registers filePath to be served at GET /files/<transferID> (the transferID is
// expected to be the file's merkle root).
func (h *Handler) Seed(ctx context.Context, transferID string, filePath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seeding[transferID] = seedEntry{filePath: filePath}
	h.progress[transferID] = protocol.Progress{TransferID: transferID, State: "running"}
	return nil
}

func (h *Handler) Pause(transferID string) error  { return protocol.ErrNotSupported }
func (h *Handler) Resume(transferID string) error { return protocol.ErrNotSupported }

func (h *Handler) Cancel(transferID string) error {
	return h.StopSeeding(transferID)
}

func (h *Handler) Progress(transferID string) (protocol.Progress, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.progress[transferID]
	if !ok {
		return protocol.Progress{}, protocol.ErrNotSupported
	}
	return p, nil
}

func (h *Handler) StopSeeding(transferID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.seeding, transferID)
	delete(h.progress, transferID)
	return nil
}

func (h *Handler) ListSeeding() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.seeding))
	for id := range h.seeding {
		ids = append(ids, id)
	}
	return ids
}

// RegisterSeedEntry exposes a manifest alongside a seeded file so /metadata requests
// can be answered without a round trip to the record store.
func (h *Handler) RegisterSeedEntry(transferID string, filePath string, manifest *chunker.Manifest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seeding[transferID] = seedEntry{filePath: filePath, manifest: manifest}
}

// ServeHTTP implements GET /files/<merkleRoot> with byte-range support and
// GET /files/<merkleRoot>/metadata returning the registered manifest as JSON.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/files/")
	parts := strings.SplitN(path, "/", 2)
	merkleRoot := parts[0]

	h.mu.RLock()
	entry, ok := h.seeding[merkleRoot]
	h.mu.RUnlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no such file")
		return
	}

	if len(parts) == 2 && parts[1] == "metadata" {
		writeJSON(w, http.StatusOK, entry.manifest)
		return
	}

	if h.Gate != nil && !h.Gate(merkleRoot) {
		writeJSONError(w, http.StatusPaymentRequired, "PAYMENT_REQUIRED", "checkpoint payment due")
		return
	}

	http.ServeFile(w, r, entry.filePath)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "message": msg})
}
