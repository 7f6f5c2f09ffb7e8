package coaching

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rbright/coachdesk/internal/metrics"
)

const (
	// DefaultMaxInFlight caps concurrent tip-generation calls per session.
	DefaultMaxInFlight = 4
	// DefaultRequestTimeout bounds one tip-generation call.
	DefaultRequestTimeout = 15 * time.Second
)

// DispatcherOptions tunes dispatch concurrency and reporting.
type DispatcherOptions struct {
	MaxInFlight    int
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	// OnMerge runs after a tip lands in the feed.
	OnMerge func(Tip)
}

// Dispatcher issues one asynchronous tip-generation call per finalized chunk
// and merges results into a Feed in completion order.
type Dispatcher struct {
	logger    *slog.Logger
	generator Generator
	feed      *Feed
	slots     *semaphore.Weighted
	timeout   time.Duration
	metrics   *metrics.Metrics
	onMerge   func(Tip)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher wires a dispatcher to feed. A nil generator never produces tips.
func NewDispatcher(logger *slog.Logger, generator Generator, feed *Feed, opts DispatcherOptions) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if generator == nil {
		generator = GeneratorFunc(func(context.Context, string) (*Tip, error) { return nil, nil })
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.OnMerge == nil {
		opts.OnMerge = func(Tip) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:    logger,
		generator: generator,
		feed:      feed,
		slots:     semaphore.NewWeighted(int64(opts.MaxInFlight)),
		timeout:   opts.RequestTimeout,
		metrics:   opts.Metrics,
		onMerge:   opts.OnMerge,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Dispatch schedules tip generation for chunk and returns immediately. When
// every slot is busy the call waits for one; chunks are never dropped.
func (d *Dispatcher) Dispatch(epoch uint64, chunk string) {
	if strings.TrimSpace(chunk) == "" {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(epoch, chunk)
}

// Wait blocks until every scheduled dispatch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels outstanding calls and waits for them to unwind.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) run(epoch uint64, chunk string) {
	defer d.wg.Done()

	if err := d.slots.Acquire(d.ctx, 1); err != nil {
		return
	}
	defer d.slots.Release(1)

	d.metrics.DispatchStarted()
	started := time.Now()

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	tip, err := d.generator.GenerateTip(ctx, chunk)
	cancel()

	outcome := d.merge(epoch, tip, err)
	d.metrics.DispatchFinished(outcome, time.Since(started))
}

func (d *Dispatcher) merge(epoch uint64, tip *Tip, err error) string {
	if err != nil {
		d.logger.Warn("tip generation failed", "epoch", epoch, "error", err.Error())
		return metrics.OutcomeError
	}
	if tip == nil || strings.TrimSpace(tip.Content) == "" {
		return metrics.OutcomeEmpty
	}

	merged := *tip
	if merged.ID == "" {
		merged = NewTip(merged.Category, merged.Priority, merged.Content)
	}

	if !d.feed.Push(epoch, merged) {
		d.logger.Debug("discarding tip from stale session", "epoch", epoch, "tip_id", merged.ID)
		return metrics.OutcomeStale
	}

	d.logger.Info("tip merged", "epoch", epoch, "tip_id", merged.ID, "category", string(merged.Category), "priority", string(merged.Priority))
	d.onMerge(merged)
	return metrics.OutcomeTip
}
