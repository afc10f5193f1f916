package reassembly

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func hashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestSession_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	transferID := "xfer-1"

	part0 := []byte("hell")
	part1 := []byte("o")

	sess, err := NewSession(dir, transferID, 2)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := sess.WriteChunk(0, 0, part0, hashOf(part0)); err != nil {
		t.Fatalf("WriteChunk(0): %v", err)
	}
	if err := sess.WriteChunk(1, int64(len(part0)), part1, hashOf(part1)); err != nil {
		t.Fatalf("WriteChunk(1): %v", err)
	}

	if !sess.Bitmap().IsComplete(2) {
		t.Fatal("expected bitmap complete after both chunks written")
	}

	finalPath := filepath.Join(dir, "out", "hello.txt")
	expected := hashOf([]byte("hello"))
	if err := sess.VerifyAndFinalize(expected, finalPath); err != nil {
		t.Fatalf("VerifyAndFinalize: %v", err)
	}

	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("final content = %q, want %q", data, "hello")
	}
}

func TestSession_HashMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	sess, err := NewSession(dir, "xfer-2", 1)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	err = sess.WriteChunk(0, 0, []byte("bad data"), hashOf([]byte("good data")))
	if err != ErrHashMismatch {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
	if sess.Bitmap().Has(0) {
		t.Fatal("chunk should not be marked received after hash mismatch")
	}
}

func TestSession_ResumeFromBitmap(t *testing.T) {
	dir := t.TempDir()
	transferID := "xfer-3"

	sess, err := NewSession(dir, transferID, 2)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.WriteChunk(0, 0, []byte("hell"), hashOf([]byte("hell"))); err != nil {
		t.Fatalf("WriteChunk(0): %v", err)
	}

	resumed, err := NewSession(dir, transferID, 2)
	if err != nil {
		t.Fatalf("resume NewSession: %v", err)
	}
	if !resumed.Bitmap().Has(0) {
		t.Fatal("expected resumed session to report chunk 0 received")
	}
	if resumed.Bitmap().Has(1) {
		t.Fatal("expected resumed session to report chunk 1 missing")
	}
	missing := resumed.Bitmap().Missing(2)
	if len(missing) != 1 || missing[0] != 1 {
		t.Fatalf("missing = %v, want [1]", missing)
	}
}

func TestStrictCompletionVerifier(t *testing.T) {
	v := NewStrictCompletionVerifier(3)
	v.MarkReceived(0)
	v.MarkReceived(1)
	if err := v.VerifyComplete(); err != ErrIncomplete {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	v.MarkReceived(2)
	if err := v.VerifyComplete(); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
