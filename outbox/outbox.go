// Package outbox provides the durable retry queue for sealed envelopes.
//
// Every composed envelope lands in the outbox before the first send attempt.
// A background flush loop walks the queue on a fixed interval, retransmits
// eligible entries oldest-first per peer, and applies an exponential backoff
// gate so unreachable peers are not hammered. Entries leave the queue only
// when the recipient acknowledges the envelope ID, or when the retry ceiling
// is exceeded and the entry is abandoned. Retransmission of an already
// received envelope is harmless because receivers deduplicate on
// (sender, envelope ID).
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/metrics"
	"github.com/opd-ai/dmcore/storage"
)

var (
	// ErrRetryExhausted indicates an entry hit the retry ceiling and was
	// abandoned.
	ErrRetryExhausted = errors.New("retry ceiling exceeded")
	// ErrNotAbandoned indicates a manual retry of an entry that is not in
	// the abandoned state.
	ErrNotAbandoned = errors.New("entry is not abandoned")
)

// SendFunc attempts delivery of a sealed envelope to a peer. It returns nil
// once the envelope was written to the transport; delivery confirmation
// arrives separately as an ack.
type SendFunc func(ctx context.Context, peer string, envelope []byte) error

// StateChange notifies the application that an entry moved to a new
// delivery state.
type StateChange func(entry *storage.OutboxEntry)

// Options tunes the flush loop. Zero values select the defaults.
type Options struct {
	FlushInterval time.Duration
	RetryCeiling  int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

func (o *Options) applyDefaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 60 * time.Second
	}
	if o.RetryCeiling <= 0 {
		o.RetryCeiling = 10
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Minute
	}
}

// Manager owns the outbox queue and its flush schedule.
type Manager struct {
	store storage.Store
	send  SendFunc
	opts  Options

	mu       sync.Mutex
	onChange StateChange
	cancel   context.CancelFunc
	done     chan struct{}

	// now is swapped in tests to control backoff eligibility.
	now func() time.Time
}

// NewManager creates an outbox manager over the given store. send is invoked
// for each delivery attempt; the caller is responsible for any per-peer
// locking it needs.
func NewManager(store storage.Store, send SendFunc, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		store: store,
		send:  send,
		opts:  opts,
		now:   time.Now,
	}
}

// OnStateChange installs the delivery state callback. Callbacks fire for
// sent-awaiting-ack, delivered, and abandoned transitions.
func (m *Manager) OnStateChange(fn StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) notify(entry *storage.OutboxEntry) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(entry)
	}
}

// Enqueue persists a new pending entry. The entry is durable before this
// returns, so a crash between enqueue and first send cannot lose the
// message.
func (m *Manager) Enqueue(peer, envelopeID string, envelope []byte) (*storage.OutboxEntry, error) {
	entry := &storage.OutboxEntry{
		EnvelopeID: envelopeID,
		Peer:       peer,
		Envelope:   envelope,
		CreatedAt:  m.now(),
		State:      storage.StatePending,
	}
	if err := m.store.SaveOutboxEntry(entry); err != nil {
		return nil, fmt.Errorf("failed to persist outbox entry: %w", err)
	}
	metrics.OutboxDepth.Inc()
	return entry, nil
}

// Attempt sends one entry immediately, outside the flush schedule. The
// entry's retry bookkeeping is updated the same way the flush loop does it.
func (m *Manager) Attempt(ctx context.Context, entry *storage.OutboxEntry) error {
	return m.attempt(ctx, entry)
}

// HandleAck marks the acknowledged envelope delivered and removes it from
// the queue. Unknown envelope IDs are ignored, since an ack can arrive after
// a duplicate retransmission was already confirmed.
func (m *Manager) HandleAck(peer, envelopeID string) error {
	entry, err := m.store.GetOutboxEntry(envelopeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if entry.Peer != peer {
		logrus.WithFields(logrus.Fields{
			"function": "HandleAck",
			"package":  "outbox",
			"peer":     peer,
			"envelope": envelopeID,
		}).Warn("ignoring ack from wrong peer")
		return nil
	}

	if err := m.store.DeleteOutboxEntry(envelopeID); err != nil {
		return fmt.Errorf("failed to remove delivered entry: %w", err)
	}
	if err := m.store.MarkDelivered(peer, envelopeID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to mark message delivered: %w", err)
	}

	metrics.AcksReceived.Inc()
	metrics.OutboxDepth.Dec()

	entry.State = storage.StateDelivered
	m.notify(entry)
	return nil
}

// Retry re-enqueues an abandoned entry with its attempt count reset.
func (m *Manager) Retry(envelopeID string) error {
	entry, err := m.store.GetOutboxEntry(envelopeID)
	if err != nil {
		return err
	}
	if entry.State != storage.StateAbandoned {
		return ErrNotAbandoned
	}

	entry.State = storage.StatePending
	entry.RetryCount = 0
	entry.NextAttempt = time.Time{}
	if err := m.store.SaveOutboxEntry(entry); err != nil {
		return fmt.Errorf("failed to re-enqueue entry: %w", err)
	}
	m.notify(entry)
	return nil
}

// Start launches the background flush loop. Stop cancels it.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logrus.WithFields(logrus.Fields{
						"function": "Start",
						"package":  "outbox",
						"error":    err.Error(),
					}).Error("outbox flush failed")
				}
			}
		}
	}()
}

// Stop cancels the flush loop and waits for an in-progress cycle to yield.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Flush walks every peer's queue once. Within a peer, entries go
// oldest-first and a failed or ineligible entry stops that peer's scan, so
// envelopes are never retransmitted out of order. Cancelling the context
// stops the scan between peers without corrupting any entry.
func (m *Manager) Flush(ctx context.Context) error {
	peers, err := m.store.OutboxPeers()
	if err != nil {
		return fmt.Errorf("failed to list outbox peers: %w", err)
	}

	for _, peer := range peers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.flushPeer(ctx, peer); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Flush",
				"package":  "outbox",
				"peer":     peer,
				"error":    err.Error(),
			}).Debug("peer flush stopped")
		}
	}
	return nil
}

func (m *Manager) flushPeer(ctx context.Context, peer string) error {
	entries, err := m.store.ListOutbox(peer)
	if err != nil {
		return fmt.Errorf("failed to list outbox for peer: %w", err)
	}

	for _, entry := range entries {
		if entry.State == storage.StateAbandoned {
			continue
		}
		if entry.NextAttempt.After(m.now()) {
			// FIFO: nothing behind this entry may jump the queue.
			return nil
		}
		if err := m.attempt(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// attempt performs one delivery attempt and persists the resulting state.
func (m *Manager) attempt(ctx context.Context, entry *storage.OutboxEntry) error {
	if entry.RetryCount > 0 {
		metrics.RetriesAttempted.Inc()
	}

	sendErr := m.send(ctx, entry.Peer, entry.Envelope)

	entry.RetryCount++
	entry.LastAttempt = m.now()
	entry.NextAttempt = entry.LastAttempt.Add(m.backoff(entry.RetryCount))

	if sendErr != nil {
		entry.State = storage.StatePending
		if entry.RetryCount >= m.opts.RetryCeiling {
			entry.State = storage.StateAbandoned
			metrics.EntriesAbandoned.Inc()
		}
		if err := m.store.SaveOutboxEntry(entry); err != nil {
			return fmt.Errorf("failed to persist retry state: %w", err)
		}
		if entry.State == storage.StateAbandoned {
			logrus.WithFields(logrus.Fields{
				"function": "attempt",
				"package":  "outbox",
				"peer":     entry.Peer,
				"envelope": entry.EnvelopeID,
				"attempts": entry.RetryCount,
			}).Warn("abandoning undeliverable envelope")
			m.notify(entry)
			return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, entry.RetryCount, sendErr)
		}
		return fmt.Errorf("delivery attempt failed: %w", sendErr)
	}

	entry.State = storage.StateSentAwaitingAck
	if err := m.store.SaveOutboxEntry(entry); err != nil {
		return fmt.Errorf("failed to persist sent state: %w", err)
	}
	metrics.EnvelopesSent.Inc()
	m.notify(entry)
	return nil
}

// backoff returns the delay before attempt n+1, doubling per attempt up to
// the cap.
func (m *Manager) backoff(attempts int) time.Duration {
	d := m.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= m.opts.BackoffMax {
			return m.opts.BackoffMax
		}
	}
	if d > m.opts.BackoffMax {
		return m.opts.BackoffMax
	}
	return d
}
