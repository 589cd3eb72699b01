package feesink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"multivault/native/vault"
)

var (
	ErrQueueFull = errors.New("feesink: delivery queue full")
	ErrClosed    = errors.New("feesink: sink closed")
)

// AsyncConfig tunes the delivery queue.
type AsyncConfig struct {
	QueueSize   int     `toml:"QueueSize" yaml:"queueSize"`
	Workers     int     `toml:"Workers" yaml:"workers"`
	MaxAttempts int     `toml:"MaxAttempts" yaml:"maxAttempts"`
	RetryRate   float64 `toml:"RetryRate" yaml:"retryRate"`
	RetryBurst  int     `toml:"RetryBurst" yaml:"retryBurst"`
}

func (c AsyncConfig) withDefaults() AsyncConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryRate <= 0 {
		c.RetryRate = 5
	}
	if c.RetryBurst <= 0 {
		c.RetryBurst = 1
	}
	return c
}

// FailureHandler receives deliveries that exhausted their attempts.
type FailureHandler func(termID common.Hash, amount *uint256.Int, err error)

type delivery struct {
	termID common.Hash
	amount *uint256.Int
}

// Async decouples the ledger from a slow or unreliable fee sink. Accepted
// notifications are delivered by background workers; retries share one
// rate limiter.
type Async struct {
	next      vault.FeeSink
	cfg       AsyncConfig
	limiter   *rate.Limiter
	tracer    trace.Tracer
	logger    *slog.Logger
	onFailure FailureHandler

	mu     sync.RWMutex
	closed bool
	queue  chan delivery
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewAsync starts the workers delivering to next.
func NewAsync(next vault.FeeSink, cfg AsyncConfig) (*Async, error) {
	if next == nil {
		return nil, fmt.Errorf("feesink: downstream sink required")
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		next:    next,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RetryRate), cfg.RetryBurst),
		tracer:  otel.Tracer("multivault/feesink"),
		logger:  slog.Default().With("component", "feesink"),
		queue:   make(chan delivery, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.run()
	}
	return a, nil
}

// SetFailureHandler configures where exhausted deliveries go. The daemon
// hands them back to the ledger as pending credits.
func (a *Async) SetFailureHandler(handler FailureHandler) { a.onFailure = handler }

// SetLogger configures the structured logger.
func (a *Async) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	a.logger = logger.With("component", "feesink")
}

// NotifyFeeCollected implements vault.FeeSink. It never blocks: a full queue
// is reported so the ledger can keep the fee as a pending credit.
func (a *Async) NotifyFeeCollected(termID common.Hash, amount *uint256.Int) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- delivery{termID: termID, amount: new(uint256.Int).Set(amount)}:
		return nil
	default:
		sinkMetrics().record("rejected", 0)
		return ErrQueueFull
	}
}

// Pending returns the number of queued deliveries.
func (a *Async) Pending() int { return len(a.queue) }

func (a *Async) run() {
	defer a.wg.Done()
	for d := range a.queue {
		a.deliver(d)
	}
}

func (a *Async) deliver(d delivery) {
	ctx, span := a.tracer.Start(a.ctx, "feesink.deliver",
		trace.WithAttributes(
			attribute.String("term.id", d.termID.Hex()),
			attribute.String("amount", d.amount.Dec()),
		))
	defer span.End()

	var err error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if waitErr := a.limiter.Wait(ctx); waitErr != nil {
				err = fmt.Errorf("feesink: retry aborted: %w", waitErr)
				break
			}
		}
		if err = a.next.NotifyFeeCollected(d.termID, d.amount); err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			span.SetStatus(codes.Ok, "")
			sinkMetrics().record("delivered", attempt)
			return
		}
		span.AddEvent("delivery attempt failed", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("error", err.Error()),
		))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	sinkMetrics().record("abandoned", a.cfg.MaxAttempts)
	a.logger.Warn("fee delivery abandoned",
		"termId", d.termID.Hex(),
		"amount", d.amount.Dec(),
		"error", err)
	if a.onFailure != nil {
		a.onFailure(d.termID, d.amount, err)
	}
}

// Close stops accepting notifications and drains the queue. If ctx expires
// first, in-flight retries are cancelled and handed to the failure handler.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done
		return ctx.Err()
	}
}
