// Package scheduler runs deferred work from the durable jobs table: campaign
// starts and scheduled one-off messages. Failed jobs are retried with
// exponential backoff until their attempts run out.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"wablast/internal/storage"
)

// Handler executes one claimed job. A nil return completes it; an error
// schedules a retry unless it is Permanent or the job is out of attempts.
type Handler func(ctx context.Context, job storage.Job) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

type Options struct {
	PollInterval time.Duration
	Workers      int
	MaxAttempts  int
	// BaseBackoff is the delay before the second attempt; it doubles after each failure.
	BaseBackoff time.Duration
	// StartsPerSec caps how fast claimed jobs begin executing.
	StartsPerSec float64
	Log          zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 5 * time.Second
	}
	if o.StartsPerSec <= 0 {
		o.StartsPerSec = 5
	}
	return o
}

type Scheduler struct {
	store    *storage.Store
	opts     Options
	log      zerolog.Logger
	limiter  *rate.Limiter
	handlers map[string]Handler
	now      func() time.Time

	// set by Register*; used by the convenience enqueue methods
	campaigns Campaigns
	messages  MessageSender

	wake chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store *storage.Store, opts Options) *Scheduler {
	opts = opts.withDefaults()
	burst := int(opts.StartsPerSec)
	if burst < 1 {
		burst = 1
	}
	return &Scheduler{
		store:    store,
		opts:     opts,
		log:      opts.Log,
		limiter:  rate.NewLimiter(rate.Limit(opts.StartsPerSec), burst),
		handlers: map[string]Handler{},
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Handle registers h for jobs of kind. Call before Start.
func (s *Scheduler) Handle(kind string, h Handler) {
	s.handlers[kind] = h
}

// Enqueue stores a job due at runAt (now when zero or past) and wakes the poller.
func (s *Scheduler) Enqueue(kind, refID string, runAt time.Time) (string, error) {
	if _, ok := s.handlers[kind]; !ok {
		return "", fmt.Errorf("no handler for job kind %q", kind)
	}
	now := s.now()
	if runAt.IsZero() || runAt.Before(now) {
		runAt = now
	}
	id, err := s.store.EnqueueJob(kind, refID, runAt, s.opts.MaxAttempts)
	if err != nil {
		return "", err
	}
	s.log.Debug().Str("job", id).Str("kind", kind).Str("ref", refID).Time("run_at", runAt).Msg("job enqueued")
	s.Wake()
	return id, nil
}

// Wake makes the poller look for due jobs without waiting for the next tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start returns jobs interrupted by a previous process to the queue and
// launches the poller and workers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	n, err := s.store.ResetRunningJobs()
	if err != nil {
		return fmt.Errorf("reset running jobs: %w", err)
	}
	if n > 0 {
		s.log.Warn().Int64("jobs", n).Msg("requeued interrupted jobs")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	queue := make(chan storage.Job)
	s.wg.Add(s.opts.Workers + 1)
	go func() {
		defer s.wg.Done()
		defer close(queue)
		s.poll(runCtx, queue)
	}()
	for i := 0; i < s.opts.Workers; i++ {
		go func(idx int) {
			defer s.wg.Done()
			s.worker(runCtx, idx, queue)
		}(i)
	}
	s.log.Info().Int("workers", s.opts.Workers).Dur("poll", s.opts.PollInterval).Msg("scheduler started")
	return nil
}

// Stop cancels running handlers and waits for the poller and workers.
// Jobs caught mid-run are requeued by the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) poll(ctx context.Context, queue chan<- storage.Job) {
	tick := time.NewTicker(s.opts.PollInterval)
	defer tick.Stop()
	for {
		jobs, err := s.store.ClaimDueJobs(s.now(), s.opts.Workers)
		if err != nil {
			s.log.Error().Err(err).Msg("claim due jobs")
		}
		for _, j := range jobs {
			select {
			case queue <- j:
			case <-ctx.Done():
				return
			}
		}
		// a full batch means more may be due
		if len(jobs) == s.opts.Workers {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, idx int, queue <-chan storage.Job) {
	for j := range queue {
		if err := s.limiter.Wait(ctx); err != nil {
			// shutting down; the job stays running and is requeued at next Start
			continue
		}
		s.execute(ctx, idx, j)
	}
}

// RunDue claims and executes every job due now, sequentially. It is what the
// poller does, without workers or rate limiting.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	total := 0
	for {
		jobs, err := s.store.ClaimDueJobs(s.now(), s.opts.Workers)
		if err != nil {
			return total, err
		}
		if len(jobs) == 0 {
			return total, nil
		}
		for _, j := range jobs {
			s.execute(ctx, 0, j)
		}
		total += len(jobs)
	}
}

func (s *Scheduler) execute(ctx context.Context, worker int, j storage.Job) {
	log := s.log.With().Str("job", j.ID).Str("kind", j.Kind).Str("ref", j.RefID).Int("attempt", j.Attempts).Logger()
	h, ok := s.handlers[j.Kind]
	if !ok {
		s.finish(log, s.store.FailJob(j.ID, "no handler for kind "+j.Kind))
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Int("worker", worker).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("panic in job handler")
				err = Permanent(fmt.Errorf("handler panic: %v", r))
			}
		}()
		return h(ctx, j)
	}()

	var perm permanentError
	switch {
	case err == nil:
		s.finish(log, s.store.CompleteJob(j.ID))
		log.Debug().Msg("job done")
	case errors.As(err, &perm) || j.Attempts >= j.MaxAttempts:
		log.Error().Err(err).Msg("job failed")
		s.finish(log, s.store.FailJob(j.ID, err.Error()))
	default:
		next := s.now().Add(s.backoff(j.Attempts))
		log.Warn().Err(err).Time("retry_at", next).Msg("job will retry")
		s.finish(log, s.store.RetryJob(j.ID, next, err.Error()))
	}
}

// backoff is BaseBackoff doubled for every attempt after the first.
func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

func (s *Scheduler) finish(log zerolog.Logger, err error) {
	if err != nil {
		log.Error().Err(err).Msg("update job")
	}
}
