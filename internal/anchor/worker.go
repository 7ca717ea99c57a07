package anchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agritrace.org/internal/certify"
	"agritrace.org/internal/credential"
	"agritrace.org/internal/obs"
	"agritrace.org/internal/stream"
)

// Store is the part of certify.Store the worker needs.
type Store interface {
	GetCredential(ctx context.Context, id string) (certify.Credential, error)
	RecordAnchoring(ctx context.Context, id string, a certify.Anchoring) error
	RecordAnchorFailure(ctx context.Context, id, message string, final bool) error
	ResetAnchoring(ctx context.Context, id string) error
	ListPendingAnchoring(ctx context.Context, limit int) ([]string, error)
}

// Publisher receives anchoring notifications.
type Publisher interface {
	Publish(evt stream.Event)
}

// Config tunes the worker pool.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	// Timeout bounds a single anchoring attempt.
	Timeout    time.Duration
	Backoff    time.Duration
	MaxBackoff time.Duration
	// SweepInterval is how often pending credentials that missed the queue are re-enqueued.
	SweepInterval time.Duration
	SweepSize     int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.SweepSize <= 0 {
		c.SweepSize = 100
	}
	return c
}

// Worker anchors issued credentials in the background with bounded retries.
type Worker struct {
	anchorer Anchorer
	store    Store
	events   Publisher
	cfg      Config
	now      func() time.Time

	jobs chan string

	mu sync.Mutex
	// queued holds ids in the channel or being processed; running only the latter.
	queued   map[string]struct{}
	running  map[string]struct{}
	requeue  map[string]struct{}
	closed   bool
	started  bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	sleepFor func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a stopped worker.
func NewWorker(a Anchorer, store Store, events Publisher, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		anchorer: a,
		store:    store,
		events:   events,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(chan string, cfg.QueueSize),
		queued:   make(map[string]struct{}),
		running:  make(map[string]struct{}),
		requeue:  make(map[string]struct{}),
		sleepFor: sleepCtx,
	}
}

// Start launches the worker goroutines. They stop when ctx ends or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx)
		}()
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sweepLoop(ctx)
	}()
}

// Stop cancels in-flight attempts and waits for the workers to exit. Credentials still
// queued stay pending in the store and are picked up by Recover on the next start.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Enqueue schedules a credential without blocking. A credential already queued is not
// queued twice; one being processed is queued again once the current run ends.
func (w *Worker) Enqueue(credentialID string) error {
	return w.enqueue(credentialID, true)
}

func (w *Worker) enqueue(credentialID string, again bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, ok := w.queued[credentialID]; ok {
		if _, busy := w.running[credentialID]; busy && again {
			w.requeue[credentialID] = struct{}{}
		}
		return nil
	}
	select {
	case w.jobs <- credentialID:
		w.queued[credentialID] = struct{}{}
		obs.SetAnchorQueueDepth(len(w.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// Recover enqueues credentials left pending, for example by a restart.
func (w *Worker) Recover(ctx context.Context, limit int) (int, error) {
	ids, err := w.store.ListPendingAnchoring(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending anchoring: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := w.enqueue(id, false); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Sweep re-enqueues pending credentials, for example ones issued while the queue was
// full. It stops quietly when the queue fills up again.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	n, err := w.Recover(ctx, w.cfg.SweepSize)
	if errors.Is(err, ErrQueueFull) {
		return n, nil
	}
	return n, err
}

func (w *Worker) sweepLoop(ctx context.Context) {
	t := time.NewTicker(w.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				obs.Warn("anchoring sweep failed", map[string]any{"error": err})
			}
		}
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.jobs:
			obs.SetAnchorQueueDepth(len(w.jobs))
			w.mu.Lock()
			w.running[id] = struct{}{}
			w.mu.Unlock()
			w.process(ctx, id)
			w.finish(ctx, id)
		}
	}
}

// finish releases id and honours a retry that arrived while it was being processed.
func (w *Worker) finish(ctx context.Context, id string) {
	w.mu.Lock()
	delete(w.running, id)
	delete(w.queued, id)
	_, again := w.requeue[id]
	delete(w.requeue, id)
	w.mu.Unlock()
	if !again || ctx.Err() != nil {
		return
	}
	if err := w.store.ResetAnchoring(ctx, id); err != nil {
		if !errors.Is(err, certify.ErrAlreadyAnchored) {
			obs.Warn("anchoring: reset for retry", map[string]any{"credential_id": id, "error": err})
		}
		return
	}
	if err := w.enqueue(id, false); err != nil {
		obs.Warn("anchoring: retry left for the next sweep", map[string]any{"credential_id": id, "error": err})
	}
}

func (w *Worker) process(ctx context.Context, id string) {
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		c, err := w.store.GetCredential(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				obs.Warn("anchoring: load credential failed", map[string]any{"credential_id": id, "error": err})
			}
			return
		}
		if c.AnchorState.Status == certify.AnchorAnchored {
			obs.ObserveAnchorAttempt("skipped")
			return
		}

		err = w.attempt(ctx, c)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		final := attempt == w.cfg.MaxAttempts || errors.Is(err, ErrRejected) || errors.Is(err, ErrBadReceipt)
		w.recordFailure(ctx, c, attempt, err, final)
		if final {
			return
		}
		if err := w.sleepFor(ctx, w.backoff(attempt)); err != nil {
			return
		}
	}
}

func (w *Worker) attempt(ctx context.Context, c certify.Credential) error {
	hash := credential.Hash(c.Document)
	actx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	rec, err := w.anchorer.Anchor(actx, Request{CredentialID: c.ID, CredentialHash: hash})
	cancel()
	if err != nil {
		return err
	}
	if rec.CredentialHash == "" {
		rec.CredentialHash = hash
	}
	if rec.CredentialHash != hash {
		return fmt.Errorf("%w: backend hash %s does not match %s", ErrBadReceipt, rec.CredentialHash, hash)
	}
	if rec.AnchoredAt.IsZero() {
		rec.AnchoredAt = w.now()
	}
	err = w.store.RecordAnchoring(ctx, c.ID, certify.Anchoring{
		TxHash:         rec.TxHash,
		Network:        rec.Network,
		BlockNumber:    rec.BlockNumber,
		AnchoredAt:     rec.AnchoredAt.UTC(),
		CredentialHash: rec.CredentialHash,
	})
	if errors.Is(err, certify.ErrAlreadyAnchored) {
		obs.ObserveAnchorAttempt("skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record anchoring: %w", err)
	}
	obs.ObserveAnchorAttempt("success")
	obs.Info("credential anchored", map[string]any{
		"credential_id": c.ID,
		"tx_hash":       rec.TxHash,
		"network":       rec.Network,
		"block_number":  rec.BlockNumber,
	})
	w.publish(stream.KindAnchored, c, rec.TxHash)
	return nil
}

func (w *Worker) recordFailure(ctx context.Context, c certify.Credential, attempt int, cause error, final bool) {
	outcome := "failure"
	if final {
		outcome = "exhausted"
	}
	obs.ObserveAnchorAttempt(outcome)
	obs.Warn("anchoring attempt failed", map[string]any{
		"credential_id": c.ID,
		"attempt":       attempt,
		"final":         final,
		"error":         cause,
	})
	if err := w.store.RecordAnchorFailure(ctx, c.ID, cause.Error(), final); err != nil && !errors.Is(err, certify.ErrAlreadyAnchored) {
		obs.Warn("anchoring: record failure", map[string]any{"credential_id": c.ID, "error": err})
	}
	if final {
		w.publish(stream.KindAnchorFailed, c, cause.Error())
	}
}

func (w *Worker) publish(kind string, c certify.Credential, msg string) {
	if w.events == nil {
		return
	}
	w.events.Publish(stream.Event{Kind: kind, CredentialID: c.ID, BatchID: c.BatchID, Message: msg, Timestamp: w.now()})
}

func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.Backoff << (attempt - 1)
	if d <= 0 || d > w.cfg.MaxBackoff {
		return w.cfg.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
