package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ljluestc/canary/internal/domain"
)

// Orchestrator drives the reconciliation loops. Each active run gets one
// goroutine; that goroutine is the only writer of its run's state, so no
// cross-run locking exists. Loops wake on the reconcile interval or on a
// notify signal after an operator command lands.
type Orchestrator struct {
	Runs  domain.RunRepository
	Ticks domain.TickRunner

	// Interval is the reconcile cadence while a run is active.
	Interval time.Duration

	// MaxBackoff caps the exponential backoff applied after consecutive
	// tick failures.
	MaxBackoff time.Duration

	// RetryBudget is the number of consecutive partial-apply failures
	// tolerated before an operator-visible alert is logged. The loop
	// keeps retrying either way; traffic state must converge.
	RetryBudget int

	// OnFinished is called after a run reaches a terminal phase and its
	// loop exits. Used to start a successor run after a supersede.
	OnFinished func(run domain.RolloutRun)

	Logger *zap.Logger
	Now    func() time.Time

	mu      sync.Mutex
	group   *errgroup.Group
	ctx     context.Context
	notify  map[domain.RunID]chan struct{}
	started bool
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

// Start resumes a loop for every non-terminal run and begins accepting
// new runs via [Orchestrator.Add]. It returns immediately; Wait blocks
// until all loops have exited.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.group, o.ctx = errgroup.WithContext(ctx)
	o.notify = make(map[domain.RunID]chan struct{})
	o.started = true
	o.mu.Unlock()

	active, err := o.Runs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	for _, run := range active {
		o.logger().Info("resuming rollout run",
			zap.String("run", string(run.ID)),
			zap.String("phase", string(run.Phase)))
		o.Add(run.ID)
	}
	return nil
}

// Wait blocks until every loop has exited. Loops exit when their run
// reaches a terminal phase or the Start context is canceled.
func (o *Orchestrator) Wait() error {
	o.mu.Lock()
	group := o.group
	o.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Add starts a reconciliation loop for the run. Adding a run that
// already has a loop is a no-op.
func (o *Orchestrator) Add(id domain.RunID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return
	}
	if _, ok := o.notify[id]; ok {
		return
	}
	ch := make(chan struct{}, 1)
	o.notify[id] = ch
	o.group.Go(func() error {
		defer o.remove(id)
		return o.loop(o.ctx, id, ch)
	})
}

// Notify wakes the run's loop before its next scheduled tick, so an
// operator command takes effect without waiting out the interval.
func (o *Orchestrator) Notify(id domain.RunID) {
	o.mu.Lock()
	ch, ok := o.notify[id]
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) remove(id domain.RunID) {
	o.mu.Lock()
	delete(o.notify, id)
	o.mu.Unlock()
}

func (o *Orchestrator) loop(ctx context.Context, id domain.RunID, notify <-chan struct{}) error {
	log := o.logger().With(zap.String("run", string(id)))
	failures := 0

	for {
		phase, err := o.tick(ctx, id)
		switch {
		case err == nil:
			failures = 0
			if phase.Terminal() {
				log.Info("rollout run finished", zap.String("phase", string(phase)))
				o.finished(ctx, id)
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			failures++
			log.Warn("tick failed, run stays in last persisted phase",
				zap.Int("consecutiveFailures", failures),
				zap.Error(err))
			o.recordEvent(ctx, id, failureReason(err))
			if domain.IsRouterPartialApply(err) && o.RetryBudget > 0 && failures >= o.RetryBudget {
				log.Error("traffic split has not converged within the retry budget",
					zap.Int("retryBudget", o.RetryBudget),
					zap.Error(err))
				o.recordEvent(ctx, id, fmt.Sprintf("%s: traffic split not converged after %d attempts",
					domain.ReasonRetryBudgetSpent, failures))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		case <-time.After(o.delay(failures)):
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context, id domain.RunID) (domain.Phase, error) {
	handle, err := o.Ticks.Run(ctx, domain.TickInput{RunID: id, Now: o.now()})
	if err != nil {
		return "", err
	}
	result, err := handle.AwaitResult(ctx)
	if err != nil {
		return "", err
	}
	return result.Phase, nil
}

// delay returns the wait before the next tick: the reconcile interval,
// doubled per consecutive failure up to MaxBackoff.
func (o *Orchestrator) delay(failures int) time.Duration {
	d := o.Interval
	if d <= 0 {
		d = 5 * time.Second
	}
	for i := 0; i < failures; i++ {
		d *= 2
		if o.MaxBackoff > 0 && d >= o.MaxBackoff {
			return o.MaxBackoff
		}
	}
	return d
}

// recordEvent appends an in-phase history entry so get-status shows the
// failure without the daemon's logs.
func (o *Orchestrator) recordEvent(ctx context.Context, id domain.RunID, reason string) {
	run, err := o.Runs.Get(ctx, id)
	if err != nil {
		o.logger().Warn("load run for history", zap.String("run", string(id)), zap.Error(err))
		return
	}
	record := domain.TransitionRecord{
		Time:   o.now(),
		From:   run.Phase,
		To:     run.Phase,
		Reason: reason,
	}
	if err := o.Runs.AppendHistory(ctx, id, record); err != nil {
		o.logger().Warn("append history", zap.String("run", string(id)), zap.Error(err))
	}
}

// failureReason labels a failed tick by the adapter that caused it.
func failureReason(err error) string {
	var re *domain.RouterError
	if errors.As(err, &re) {
		return domain.ReasonRouterError + ": " + err.Error()
	}
	var qe *domain.QueryError
	if errors.As(err, &qe) {
		return domain.ReasonMetricsError + ": " + err.Error()
	}
	return domain.ReasonTickFailed + ": " + err.Error()
}

func (o *Orchestrator) finished(ctx context.Context, id domain.RunID) {
	if o.OnFinished == nil {
		return
	}
	run, err := o.Runs.Get(ctx, id)
	if err != nil {
		o.logger().Warn("load finished run", zap.String("run", string(id)), zap.Error(err))
		return
	}
	o.OnFinished(run)
}
