package payment

import "testing"

// TestCheckpointFlow_S2S3S4 pins the scenarios: checkpoint hit pauses serving, a valid
// payment resumes it and grows the schedule, and a replayed tx hash is rejected.
func TestCheckpointFlow_S2S3S4(t *testing.T) {
	m := NewManager()
	sess, err := m.NewSession("s1", "filehash", 100*1024*1024, 0.001, "seeder-addr", "peer-1", ModeExponential)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	// S2: checkpoint hit at 10 MiB.
	sess.UpdateProgress(10 * 1024 * 1024)
	if !sess.ShouldPauseServing() {
		t.Fatal("expected serving to pause at first checkpoint")
	}
	snap := sess.Snapshot()
	if snap.State != StateWaitingForPayment {
		t.Fatalf("expected WaitingForPayment, got %v", snap.State)
	}
	wantAmount := 10.0 * 0.001
	if snap.PendingAmount != wantAmount {
		t.Fatalf("pending amount = %v, want %v", snap.PendingAmount, wantAmount)
	}

	// S3: payment resumes, checkpoint doubles to 20 MB -> next at 30 MiB.
	if err := sess.RecordPayment("tx1", wantAmount); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	if sess.ShouldPauseServing() {
		t.Fatal("expected serving resumed after payment")
	}
	snap = sess.Snapshot()
	if snap.LastCheckpointMB != 20 {
		t.Fatalf("last checkpoint mb = %d, want 20", snap.LastCheckpointMB)
	}
	wantNext := int64(10*1024*1024) + 20*1024*1024
	if snap.NextCheckpointBytes != wantNext {
		t.Fatalf("next checkpoint bytes = %d, want %d", snap.NextCheckpointBytes, wantNext)
	}

	// S4: duplicate tx hash rejected, total paid unchanged.
	totalBefore := sess.Snapshot().TotalPaid
	if err := sess.RecordPayment("tx1", wantAmount); err != ErrDuplicateTxHash {
		t.Fatalf("expected ErrDuplicateTxHash, got %v", err)
	}
	if sess.Snapshot().TotalPaid != totalBefore {
		t.Fatal("total paid changed on duplicate payment")
	}
}

func TestRecordPayment_RateLimited(t *testing.T) {
	m := NewManager()
	sess, _ := m.NewSession("s2", "filehash", 1024*1024*1024, 0.001, "addr", "peer", ModeExponential)
	sess.UpdateProgress(sess.NextCheckpointBytes)

	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = sess.RecordPayment(randomTx(i), 0.01)
	}
	if lastErr != ErrRateLimited {
		t.Fatalf("expected eventual rate limit, got %v", lastErr)
	}
}

func randomTx(i int) string {
	return "tx-" + string(rune('a'+i))
}

func TestNewSession_DuplicateRejected(t *testing.T) {
	m := NewManager()
	if _, err := m.NewSession("dup", "fh", 1024, 0.001, "a", "p", ModeExponential); err != nil {
		t.Fatalf("first NewSession: %v", err)
	}
	if _, err := m.NewSession("dup", "fh", 1024, 0.001, "a", "p", ModeExponential); err != ErrDuplicateSession {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
}
