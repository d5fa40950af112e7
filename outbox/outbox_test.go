package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/dmcore/storage"
)

// fakeSender records delivery attempts and fails while offline is set.
type fakeSender struct {
	mu       sync.Mutex
	offline  bool
	attempts []string
}

func (f *fakeSender) send(ctx context.Context, peer string, envelope []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, string(envelope))
	if f.offline {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeSender) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.attempts))
	copy(out, f.attempts)
	return out
}

func newTestManager(t *testing.T, sender *fakeSender, opts Options) (*Manager, *time.Time) {
	t.Helper()
	now := time.Now()
	m := NewManager(storage.NewMemoryStore(), sender.send, opts)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestEnqueueAndDeliver(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, sender, Options{})

	entry, err := m.Enqueue("peer-a", "env-1", []byte("sealed"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if entry.State != storage.StatePending {
		t.Errorf("new entry state = %v, want pending", entry.State)
	}

	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got, err := m.store.GetOutboxEntry("env-1")
	if err != nil {
		t.Fatalf("GetOutboxEntry failed: %v", err)
	}
	if got.State != storage.StateSentAwaitingAck {
		t.Errorf("state after flush = %v, want sent-awaiting-ack", got.State)
	}
	if len(sender.sent()) != 1 {
		t.Errorf("send attempts = %d, want 1", len(sender.sent()))
	}
}

func TestAckRemovesEntry(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, sender, Options{})

	var changes []storage.DeliveryState
	m.OnStateChange(func(e *storage.OutboxEntry) {
		changes = append(changes, e.State)
	})

	if _, err := m.Enqueue("peer-a", "env-1", []byte("sealed")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := m.HandleAck("peer-a", "env-1"); err != nil {
		t.Fatalf("HandleAck failed: %v", err)
	}

	if _, err := m.store.GetOutboxEntry("env-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected entry removed after ack, got %v", err)
	}

	want := []storage.DeliveryState{storage.StateSentAwaitingAck, storage.StateDelivered}
	if len(changes) != len(want) {
		t.Fatalf("state changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestAckForUnknownEnvelopeIsIgnored(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, sender, Options{})

	if err := m.HandleAck("peer-a", "never-sent"); err != nil {
		t.Errorf("ack for unknown envelope should be ignored, got %v", err)
	}
}

func TestAckFromWrongPeerIsIgnored(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, sender, Options{})

	if _, err := m.Enqueue("peer-a", "env-1", []byte("sealed")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := m.HandleAck("peer-b", "env-1"); err != nil {
		t.Fatalf("HandleAck failed: %v", err)
	}
	if _, err := m.store.GetOutboxEntry("env-1"); err != nil {
		t.Errorf("entry should survive ack from wrong peer, got %v", err)
	}
}

func TestBackoffGateSkipsIneligibleEntries(t *testing.T) {
	sender := &fakeSender{offline: true}
	m, now := newTestManager(t, sender, Options{BackoffBase: time.Minute})

	if _, err := m.Enqueue("peer-a", "env-1", []byte("first")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// First flush fails and schedules a retry one minute out.
	_ = m.Flush(context.Background())
	if len(sender.sent()) != 1 {
		t.Fatalf("attempts = %d, want 1", len(sender.sent()))
	}

	// Before the backoff elapses nothing is attempted.
	_ = m.Flush(context.Background())
	if len(sender.sent()) != 1 {
		t.Errorf("attempts = %d, want still 1 inside backoff window", len(sender.sent()))
	}

	// After the backoff elapses the entry is retried.
	*now = now.Add(2 * time.Minute)
	sender.setOffline(false)
	_ = m.Flush(context.Background())
	if len(sender.sent()) != 2 {
		t.Errorf("attempts = %d, want 2 after backoff elapsed", len(sender.sent()))
	}
}

func TestPerPeerFIFOOrdering(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, sender, Options{})

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("env-%d", i)
		if _, err := m.Enqueue("peer-a", id, []byte(id)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got := sender.sent()
	want := []string{"env-0", "env-1", "env-2"}
	if len(got) != len(want) {
		t.Fatalf("attempts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("attempt %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFailedHeadBlocksPeerQueue(t *testing.T) {
	sender := &fakeSender{offline: true}
	m, _ := newTestManager(t, sender, Options{BackoffBase: time.Minute})

	if _, err := m.Enqueue("peer-a", "env-0", []byte("head")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := m.Enqueue("peer-a", "env-1", []byte("tail")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	_ = m.Flush(context.Background())

	// Only the head may be attempted while it is undelivered.
	if got := sender.sent(); len(got) != 1 || got[0] != "head" {
		t.Errorf("attempts = %v, want only the head entry", got)
	}
}

func TestRetryCeilingAbandonsEntry(t *testing.T) {
	sender := &fakeSender{offline: true}
	m, now := newTestManager(t, sender, Options{RetryCeiling: 3, BackoffBase: time.Second, BackoffMax: time.Second})

	var abandoned bool
	m.OnStateChange(func(e *storage.OutboxEntry) {
		if e.State == storage.StateAbandoned {
			abandoned = true
		}
	})

	if _, err := m.Enqueue("peer-a", "env-1", []byte("doomed")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		_ = m.Flush(context.Background())
		*now = now.Add(time.Minute)
	}

	entry, err := m.store.GetOutboxEntry("env-1")
	if err != nil {
		t.Fatalf("GetOutboxEntry failed: %v", err)
	}
	if entry.State != storage.StateAbandoned {
		t.Errorf("state = %v, want abandoned after ceiling", entry.State)
	}
	if entry.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", entry.RetryCount)
	}
	if !abandoned {
		t.Error("abandoned transition was not surfaced")
	}

	// Abandoned entries are skipped by later flushes.
	attempts := len(sender.sent())
	_ = m.Flush(context.Background())
	if len(sender.sent()) != attempts {
		t.Error("abandoned entry was retried by flush")
	}
}

func TestManualRetryResetsAbandonedEntry(t *testing.T) {
	sender := &fakeSender{offline: true}
	m, now := newTestManager(t, sender, Options{RetryCeiling: 1, BackoffBase: time.Second})

	if _, err := m.Enqueue("peer-a", "env-1", []byte("sealed")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	_ = m.Flush(context.Background())

	entry, _ := m.store.GetOutboxEntry("env-1")
	if entry.State != storage.StateAbandoned {
		t.Fatalf("state = %v, want abandoned", entry.State)
	}

	if err := m.Retry("env-1"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	entry, _ = m.store.GetOutboxEntry("env-1")
	if entry.State != storage.StatePending || entry.RetryCount != 0 {
		t.Errorf("after manual retry: state=%v count=%d, want pending/0", entry.State, entry.RetryCount)
	}

	sender.setOffline(false)
	*now = now.Add(time.Minute)
	_ = m.Flush(context.Background())
	entry, _ = m.store.GetOutboxEntry("env-1")
	if entry.State != storage.StateSentAwaitingAck {
		t.Errorf("state = %v, want sent-awaiting-ack after recovery", entry.State)
	}
}

func TestRetryRejectsActiveEntry(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, sender, Options{})

	if _, err := m.Enqueue("peer-a", "env-1", []byte("sealed")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := m.Retry("env-1"); !errors.Is(err, ErrNotAbandoned) {
		t.Errorf("expected ErrNotAbandoned, got %v", err)
	}
}

func TestFlushHonorsCancellation(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, sender, Options{})

	if _, err := m.Enqueue("peer-a", "env-1", []byte("sealed")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Flush(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(sender.sent()) != 0 {
		t.Error("cancelled flush should not attempt delivery")
	}
}

func TestStartStop(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(storage.NewMemoryStore(), sender.send, Options{FlushInterval: 10 * time.Millisecond})

	if _, err := m.Enqueue("peer-a", "env-1", []byte("sealed")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	m.Start()
	deadline := time.After(2 * time.Second)
	for len(sender.sent()) == 0 {
		select {
		case <-deadline:
			t.Fatal("flush loop never attempted delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}
	m.Stop()
}
