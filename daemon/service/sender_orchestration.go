package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/totoro-ming-lin/chiral-network-sub001/daemon/transport"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/crypto"
)

// SendWithOrchestration demonstrates routing control/preview/bulk via OrchestratedSender.
// This is a scaffold for the daemon's send pipeline to call after QUIC is established.
func SendWithOrchestration(ctx context.Context, conn *transport.QUICConnection, manifest *chunker.Manifest, sessionKeys *crypto.SessionKeys, sessionID uuid.UUID, filePath string, onChunkSent func(int64)) error {
	netProfile := chunker.NetworkProfile{}
	if manifest.Network != nil {
		netProfile = *manifest.Network
	}
	profile := transport.DefaultTransportProfile(transport.ClassifyNetwork(netProfile), manifest.ChunkSize)
	onFailed := func(idx int64, err error) {
		// The chunk scheduler's retry/backoff (internal/scheduler) owns reassignment;
		// this callback only exists for the sender to log or meter a failed send attempt.
		_ = idx
		_ = err
	}
	orch := transport.NewOrchestratedSender(conn, profile, sessionKeys, sessionID, filePath, int64(manifest.ChunkSize), onChunkSent, onFailed)
	defer orch.Close()
	// Start autotuner for chunk size and streams
	auto := transport.NewAutoTuner(orch, manifest)
	auto.Start()
	defer auto.Stop()
	// Runtime FEC adaptation using control stream
	fec := manifest.FEC
	if fec == nil {
		fec = &chunker.FECProfile{K: 10, R: 2}
	}
	fecCtl := transport.NewFECController(fec.K, fec.R, func(k, r int, reason string) {
		if conn.GetControlStream() != nil {
			_ = conn.GetControlStream().SendFECUpdate(&transport.FECUpdateMessage{SessionID: manifest.SessionID, K: k, R: r, Reason: reason, Timestamp: time.Now().Unix()})
		}
	})
	go func() {
		Ticker := time.NewTicker(5 * time.Second)
		defer Ticker.Stop()
		for range Ticker.C {
			fecCtl.Tick()
		}
	}()
	// Preflight CAS negotiation: ask receiver what chunks it has in CAS
	have := map[int64]bool{}
	if conn.GetControlStream() != nil {
		_ = conn.GetControlStream().SendChunkHaveRequest(&transport.ChunkHaveRequest{SessionID: manifest.SessionID, ChunkCount: int(manifest.ChunkCount)})
		// Best-effort receive response (non-blocking in production)
		if t, data, err := conn.GetControlStream().ReceiveAny(); err == nil && t == transport.MessageTypeChunkHaveResponse {
			var resp transport.ChunkHaveResponse
			if json.Unmarshal(data, &resp) == nil {
				var decomp transport.ChunkRangeCompressor
				idxs, _ := decomp.Decompress(resp.HaveRanges)
				for _, id := range idxs {
					have[id] = true
				}
			}
		}
	}
	// Control example
	orch.EnqueueControl(func(ctx context.Context) {
		fmt.Println("control: preflight complete")
	})
	// Spawn a control listener to handle NACK and retransmit missing chunks
	go func() {
		for {
			if conn.GetControlStream() == nil {
				return
			}
			t, data, err := conn.GetControlStream().ReceiveAny()
			if err != nil {
				return
			}
			if t == transport.MessageTypeNack {
				var nack transport.NackMessage
				if json.Unmarshal(data, &nack) == nil {
					var decomp transport.ChunkRangeCompressor
					idxs, _ := decomp.Decompress(nack.MissingRanges)
					for _, id := range idxs {
						_ = orch.EnqueueBulk(id)
					}
				}
			}
		}
	}()
	// Preview/header scheduling example (first 3 chunks)
	for i := int64(0); i < 3 && i < int64(manifest.ChunkCount); i++ {
		if have[i] {
			continue
		}
		_ = orch.EnqueuePreview(i)
	}
	// Bulk scheduling example (rest chunks)
	for i := int64(3); i < int64(manifest.ChunkCount); i++ {
		if have[i] {
			continue
		}
		_ = orch.EnqueueBulk(i)
	}
	return nil
}
