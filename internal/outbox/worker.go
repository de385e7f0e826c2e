package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"mmbot/internal/clockid"
	"mmbot/internal/config"
	"mmbot/internal/errs"
	"mmbot/internal/store"
	"mmbot/pkg/types"
)

// Worker polls the outbox table and delivers events to registered
// handlers, with per-prefix circuit breaking and exponential backoff.
// Grounded on the original OutboxWorker's poll/semaphore/dispatch loop,
// reimplemented with goroutines and a buffered-channel semaphore in place
// of asyncio.Semaphore.
type Worker struct {
	repo       *store.OutboxRepo
	dispatcher *Dispatcher
	cfg        config.OutboxConfig
	jitter     *clockid.JitterSource
	log        *slog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	sem chan struct{}
}

// NewWorker creates an outbox worker bound to repo and dispatcher.
func NewWorker(repo *store.OutboxRepo, dispatcher *Dispatcher, cfg config.OutboxConfig, jitter *clockid.JitterSource, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		repo:       repo,
		dispatcher: dispatcher,
		cfg:        cfg,
		jitter:     jitter,
		log:        log.With("component", "outbox_worker"),
		breakers:   map[string]*CircuitBreaker{},
		sem:        make(chan struct{}, max(1, cfg.MaxConcurrent)),
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (w *Worker) breakerFor(prefix string) *CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.breakers[prefix]
	if !ok {
		b = NewCircuitBreaker(w.cfg.FailureThreshold, w.cfg.SuccessThreshold, w.cfg.RecoveryTimeout)
		w.breakers[prefix] = b
	}
	return b
}

// Run polls until ctx is cancelled, processing one batch per poll_interval.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("starting outbox worker",
		"batch_size", w.cfg.BatchSize, "max_concurrent", w.cfg.MaxConcurrent, "poll_interval", w.cfg.PollInterval)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.processBatch(ctx)

		select {
		case <-ctx.Done():
			w.log.Info("outbox worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	events, err := w.repo.PendingBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		w.log.Error("fetch pending events failed", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, ev := range events {
		ev := ev
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-w.sem }()
			w.processEvent(ctx, ev)
		}()
	}
	wg.Wait()
}

func (w *Worker) processEvent(ctx context.Context, ev types.OutboxEvent) {
	if err := w.repo.MarkProcessing(ctx, ev.EventID); err != nil {
		w.log.Error("mark processing failed", "event_id", ev.EventID, "error", err)
		return
	}

	handler, prefix, found := w.dispatcher.Resolve(ev.EventType)
	var handleErr error
	if !found {
		handleErr = fmt.Errorf("no handler registered for event type %q", ev.EventType)
		prefix = ev.EventType
	} else {
		breaker := w.breakerFor(prefix)
		if !breaker.Allow() {
			handleErr = errs.NewTransientVenue(fmt.Errorf("circuit open for prefix %q", prefix))
		} else {
			handleErr = handler.Handle(ctx, ev)
			if handleErr != nil {
				breaker.RecordFailure()
			} else {
				breaker.RecordSuccess()
			}
		}
	}

	if handleErr == nil {
		if err := w.repo.MarkCompleted(ctx, ev.EventID); err != nil {
			w.log.Error("mark completed failed", "event_id", ev.EventID, "error", err)
		}
		return
	}

	delay := w.retryDelay(ev.RetryCount)
	if err := w.repo.MarkFailed(ctx, ev.EventID, handleErr.Error(), delay); err != nil {
		w.log.Error("mark failed update failed", "event_id", ev.EventID, "error", err)
		return
	}

	if ev.RetryCount+1 >= ev.MaxRetries {
		w.log.Error("event moved to dead letter", "event_id", ev.EventID, "event_type", ev.EventType, "error", handleErr)
	} else {
		w.log.Warn("event processing failed, will retry", "event_id", ev.EventID, "event_type", ev.EventType,
			"error", handleErr, "retry_count", ev.RetryCount, "retry_delay", delay)
	}
}

// retryDelay computes base*multiplier^retryCount capped at max_delay, with
// optional ±20% jitter (spec §4.4).
func (w *Worker) retryDelay(retryCount int) time.Duration {
	base := w.cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := w.cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := time.Duration(float64(base) * math.Pow(mult, float64(retryCount)))
	if w.cfg.MaxDelay > 0 && delay > w.cfg.MaxDelay {
		delay = w.cfg.MaxDelay
	}
	if w.cfg.JitterEnabled && w.jitter != nil {
		delay = time.Duration(float64(delay) * w.jitter.SignedPct(0.2))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// HealthScore computes the 0-100 outbox health score (spec §4.4): penalises
// failure ratio, dead-letter ratio, oldest-pending age, and pending ratio
// above 10%.
func (w *Worker) HealthScore(ctx context.Context) (float64, error) {
	counts, err := w.repo.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return 100, nil
	}

	failed := counts[types.OutboxFailed]
	deadLetter := counts[types.OutboxDeadLetter]
	pending := counts[types.OutboxPending]

	score := 100.0
	score -= (float64(failed) / float64(total)) * 30
	score -= (float64(deadLetter) / float64(total)) * 50

	pendingRatio := float64(pending) / float64(total)
	if pendingRatio > 0.10 {
		score -= pendingRatio * 100
	}

	age, err := w.repo.OldestPendingAge(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	agePenalty := age.Minutes()
	if agePenalty > 30 {
		agePenalty = 30
	}
	score -= agePenalty

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, nil
}
