package peerhealth

import (
	"testing"
	"time"
)

func TestDecision_Offline(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.InitPeer("p1")
	pm, _ := m.Snapshot("p1")
	pm.LastSeen = time.Now().Add(-2 * time.Minute)
	m.mu.Lock()
	m.peers["p1"] = &pm
	m.mu.Unlock()

	d := m.GetHealthDecision("p1")
	if d.ShouldUse || d.Reason != ReasonOffline {
		t.Fatalf("expected offline decision, got %+v", d)
	}
}

func TestDecision_Unreliable(t *testing.T) {
	m := NewManager(DefaultConfig())
	for i := 0; i < 2; i++ {
		m.RecordSuccess("p1", 10*time.Millisecond, 1024)
	}
	for i := 0; i < 4; i++ {
		m.RecordFailure("p1")
	}
	d := m.GetHealthDecision("p1")
	if d.ShouldUse || d.Reason != ReasonUnreliable {
		t.Fatalf("expected unreliable decision, got %+v", d)
	}
}

func TestDecision_Backoff(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordFailure("p1")
	d := m.GetHealthDecision("p1")
	if d.ShouldUse || d.Reason != ReasonBackoff {
		t.Fatalf("expected backoff decision, got %+v", d)
	}
}

func TestDecision_Healthy(t *testing.T) {
	m := NewManager(DefaultConfig())
	for i := 0; i < 10; i++ {
		m.RecordSuccess("p1", 20*time.Millisecond, 1<<20)
	}
	d := m.GetHealthDecision("p1")
	if !d.ShouldUse || d.Reason != ReasonHealthy {
		t.Fatalf("expected healthy decision, got %+v", d)
	}
	if d.MaxConcurrent < 1 {
		t.Fatalf("expected max concurrent >= 1, got %d", d.MaxConcurrent)
	}
}

func TestSelectPeer_ExcludesAndWeights(t *testing.T) {
	m := NewManager(DefaultConfig())
	for i := 0; i < 10; i++ {
		m.RecordSuccess("good", 10*time.Millisecond, 1<<20)
	}
	m.RecordFailure("bad")

	seen := map[string]int{}
	for i := 0; i < 50; i++ {
		id, ok := m.SelectPeer(map[string]bool{"bad": true})
		if !ok {
			t.Fatal("expected a usable peer")
		}
		seen[id]++
	}
	if seen["bad"] != 0 {
		t.Fatal("excluded peer must never be selected")
	}
	if seen["good"] == 0 {
		t.Fatal("expected good peer to be selected at least once")
	}
}
