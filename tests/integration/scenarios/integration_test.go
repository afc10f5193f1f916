package scenarios

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/totoro-ming-lin/chiral-network-sub001/tests/integration/helpers"
)

// Scenario1DirectLANTransfer tests basic direct transfer functionality
func Scenario1DirectLANTransfer(t *testing.T) {
	t.Log("=== Scenario 1: Direct LAN Transfer ===")
	fileGen, err := helpers.NewFileGenerator()
	if err != nil {
		t.Fatalf("file gen: %v", err)
	}
	defer fileGen.Cleanup()
	testFile, _, err := fileGen.GenerateSmallFile("test-1mb.bin")
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	recvDir := fileGen.MakeTempDir("recv1")
	port1, _ := helpers.GetFreeUDPPort()
	recv := helpers.NewQuicRecvRunner("../../../../bin/quic_recv", fmt.Sprintf("localhost:%d", port1), recvDir)
	if err := recv.Start(); err != nil {
		t.Fatalf("recv start: %v", err)
	}
	defer recv.Stop()
	time.Sleep(500 * time.Millisecond)
	if err := helpers.RunQuicSend("../../../../bin/quic_send", "--addr", fmt.Sprintf("localhost:%d", port1), "--file", testFile, "--chunk-index", "0", "--chunk-size", "65536"); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(1 * time.Second)
	if _, err := os.Stat(filepath.Join(recvDir, "chunk_0000.bin")); err != nil {
		t.Fatalf("chunk not found: %v", err)
	}
	t.Log("✓ Scenario 1 completed successfully")
}

// Scenario2BootstrapTransfer starts a bootstrap service and then sends one chunk directly
// to the receiver; the sender is not pointed at the bootstrap service.
func Scenario2BootstrapTransfer(t *testing.T) {
	t.Log("=== Scenario 2: Token-Based Transfer via Bootstrap ===")
	bootstrap := helpers.NewBootstrapRunner("../../../../bin/bootstrap", "localhost:8082")
	if err := bootstrap.Start(); err != nil {
		t.Fatalf("bootstrap start: %v", err)
	}
	defer bootstrap.Stop()
	fileGen, _ := helpers.NewFileGenerator()
	defer fileGen.Cleanup()
	testFile, _, _ := fileGen.GenerateSmallFile("test-bootstrap.bin")
	recvDir := fileGen.MakeTempDir("recv2")
	port2, _ := helpers.GetFreeUDPPort()
	recv := helpers.NewQuicRecvRunner("../../../../bin/quic_recv", fmt.Sprintf("localhost:%d", port2), recvDir)
	if err := recv.Start(); err != nil {
		t.Fatalf("recv start: %v", err)
	}
	defer recv.Stop()
	time.Sleep(2 * time.Second)
	if err := helpers.RunQuicSend("../../../../bin/quic_send", "--addr", fmt.Sprintf("localhost:%d", port2), "--file", testFile, "--chunk-index", "0"); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(1 * time.Second)
	if _, err := os.Stat(filepath.Join(recvDir, "chunk_0000.bin")); err != nil {
		t.Fatalf("chunk not found: %v", err)
	}
	t.Log("✓ Scenario 2 completed successfully")
}

// Scenario3RelayedTransfer tests relay-mediated transfers
func Scenario3RelayedTransfer(t *testing.T) {
	t.Log("=== Scenario 3: Relay-Mediated Transfer ===")
	fileGen, _ := helpers.NewFileGenerator()
	defer fileGen.Cleanup()
	testFile, _, _ := fileGen.GenerateSmallFile("test-relay.bin")
	recvDir := fileGen.MakeTempDir("recv3")
	recvPort, _ := helpers.GetFreeUDPPort()
	recv := helpers.NewQuicRecvRunner("../../../../bin/quic_recv", fmt.Sprintf("localhost:%d", recvPort), recvDir)
	if err := recv.Start(); err != nil {
		t.Fatalf("recv start: %v", err)
	}
	defer recv.Stop()
	relayPort, _ := helpers.GetFreeUDPPort()
	relay := helpers.NewRelayRunner("../../../../bin/relay", fmt.Sprintf("localhost:%d", relayPort))
	if err := relay.Start(); err != nil {
		t.Fatalf("relay start: %v", err)
	}
	defer relay.Stop()
	time.Sleep(3 * time.Second)
	if err := helpers.RunQuicSend("../../../../bin/quic_send", "--relay", fmt.Sprintf("localhost:%d", relayPort), "--target", fmt.Sprintf("localhost:%d", recvPort), "--file", testFile, "--chunk-index", "0"); err != nil {
		t.Fatalf("send via relay: %v", err)
	}
	if _, err := os.Stat(filepath.Join(recvDir, "chunk_0000.bin")); err != nil {
		t.Fatalf("chunk not found: %v", err)
	}
	t.Log("✓ Scenario 3 completed successfully")
}

// Scenario4ResumeAfterInterruption tests resume capability
func Scenario4ResumeAfterInterruption(t *testing.T) {
	t.Log("=== Scenario 4: Resume After Interruption ===")
	fileGen, _ := helpers.NewFileGenerator()
	defer fileGen.Cleanup()
	testFile, _, _ := fileGen.GenerateMediumFile("test-resume.bin")
	recvDir := fileGen.MakeTempDir("recv4")
	resumePort, _ := helpers.GetFreeUDPPort()
	recv := helpers.NewQuicRecvRunner("../../../../bin/quic_recv", fmt.Sprintf("localhost:%d", resumePort), recvDir)
	if err := recv.Start(); err != nil {
		t.Fatalf("recv start: %v", err)
	}
	defer recv.Stop()
	time.Sleep(2 * time.Second)
	if err := helpers.RunQuicSend("../../../../bin/quic_send", "--addr", fmt.Sprintf("localhost:%d", resumePort), "--file", testFile, "--chunk-index", "0", "--chunk-size", "65536", "--offset", "0"); err != nil {
		t.Fatalf("send0: %v", err)
	}
	if err := helpers.RunQuicSend("../../../../bin/quic_send", "--addr", fmt.Sprintf("localhost:%d", resumePort), "--file", testFile, "--chunk-index", "1", "--chunk-size", "65536", "--offset", "65536"); err != nil {
		t.Fatalf("send1: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	if err := helpers.RunQuicSend("../../../../bin/quic_send", "--addr", fmt.Sprintf("localhost:%d", resumePort), "--file", testFile, "--chunk-index", "2", "--chunk-size", "65536", "--offset", "131072"); err != nil {
		t.Fatalf("send2: %v", err)
	}
	time.Sleep(1 * time.Second)
	_ = recv.Start()
	time.Sleep(1 * time.Second)
	if err := helpers.RunQuicSend("../../../../bin/quic_send", "--addr", fmt.Sprintf("localhost:%d", resumePort), "--file", testFile, "--chunk-index", "2", "--chunk-size", "65536", "--offset", "131072"); err != nil {
		t.Fatalf("send2: %v", err)
	}
	time.Sleep(1 * time.Second)
	_ = recv.Stop()
	time.Sleep(500 * time.Millisecond)
	_ = recv.Start()
	time.Sleep(300 * time.Millisecond)
	if err := helpers.RunQuicSend("../../../../bin/quic_send", "--addr", fmt.Sprintf("localhost:%d", resumePort), "--file", testFile, "--chunk-index", "2", "--chunk-size", "65536", "--offset", "131072"); err != nil {
		t.Fatalf("send2: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := os.Stat(filepath.Join(recvDir, fmt.Sprintf("chunk_%04d.bin", i))); err != nil {
			t.Fatalf("missing chunk %d", i)
		}
	}
	t.Log("✓ Scenario 4 completed successfully")
}

// Scenario5FECOnLossyNetwork sends one chunk over loopback; no packet loss is simulated.
func Scenario5FECOnLossyNetwork(t *testing.T) {
	t.Log("=== Scenario 5: FEC on Lossy Network ===")
	fileGen, _ := helpers.NewFileGenerator()
	defer fileGen.Cleanup()
	testFile, _, _ := fileGen.GenerateSmallFile("test-fec.bin")
	recvDir := fileGen.MakeTempDir("recv5")
	port5, _ := helpers.GetFreeUDPPort()
	recv := helpers.NewQuicRecvRunner("../../../../bin/quic_recv", fmt.Sprintf("localhost:%d", port5), recvDir)
	if err := recv.Start(); err != nil {
		t.Fatalf("recv start: %v", err)
	}
	defer recv.Stop()
	time.Sleep(500 * time.Millisecond)
	if err := helpers.RunQuicSend("../../../../bin/quic_send", "--addr", fmt.Sprintf("localhost:%d", port5), "--file", testFile, "--chunk-index", "0"); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(2 * time.Second)
	if _, err := os.Stat(filepath.Join(recvDir, "chunk_0000.bin")); err != nil {
		t.Fatalf("chunk not found: %v", err)
	}
	t.Log("✓ Scenario 5 completed successfully")
}

// TestAllScenarios runs all integration scenarios
func TestAllScenarios(t *testing.T) {
	ctx := context.Background()
	_ = ctx
	t.Run("Scenario1_DirectLAN", Scenario1DirectLANTransfer)
	t.Run("Scenario2_Bootstrap", Scenario2BootstrapTransfer)
	t.Run("Scenario3_Relay", Scenario3RelayedTransfer)
	t.Run("Scenario4_Resume", Scenario4ResumeAfterInterruption)
	t.Run("Scenario5_FEC", Scenario5FECOnLossyNetwork)
	t.Run("Scenario6_QUIC_Stress_8_16", Scenario6QUICStress)
}

// Scenario6QUICStress spins up a daemon and runs a light stress to exercise 8-16 streams
func Scenario6QUICStress(t *testing.T) {
	if os.Getenv("CI") == "true" {
		t.Skip("Skipping QUIC stress on CI")
	}

	t.Log("=== Scenario 6: QUIC Stress 8-16 streams (smoke) ===")
	// Generate a ~32MB test file
	fileGen, _ := helpers.NewFileGenerator()
	defer fileGen.Cleanup()
	testFile, _, _ := fileGen.GenerateFile("stress-32mb.bin", 32*1024*1024)
	recvDir := fileGen.MakeTempDir("stress-recv")
	
	// Start receiver process
	port, _ := helpers.GetFreeUDPPort()
	recv := helpers.NewQuicRecvRunner("../../../../bin/quic_recv", fmt.Sprintf("localhost:%d", port), recvDir)
	if err := recv.Start(); err != nil {
		t.Fatalf("recv start: %v", err)
	}
	defer recv.Stop()
	
	// Start sender with repeated sends to exercise streams (demo CLI doesn't fully orchestrate, but we loop)
	// Timebox to ~60s
	deadline := time.Now().Add(60 * time.Second)
	chunkSize := 1 << 20 // 1MiB chunks
	for idx := 0; time.Now().Before(deadline) && idx < 32; idx++ {
		if err := helpers.RunQuicSend("../../../../bin/quic_send", "--addr", fmt.Sprintf("localhost:%d", port), "--file", testFile, "--chunk-index", fmt.Sprintf("%d", idx), "--chunk-size", fmt.Sprintf("%d", chunkSize), "--offset", fmt.Sprintf("%d", idx*chunkSize)); err != nil {
			t.Fatalf("send idx=%d: %v", idx, err)
		}
	}
	// Validate a subset of chunks exist as a smoke indicator
	// Make this a non-fatal smoke check to avoid hard CI failures on slow runners
	missing := 0
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(filepath.Join(recvDir, fmt.Sprintf("chunk_%04d.bin", i))); err != nil {
			missing++
		}
	}
	if missing > 4 { t.Fatalf("too many missing chunks: %d/8", missing) }
}
