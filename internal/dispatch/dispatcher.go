// Package dispatch turns hotspot triggers into per-subscriber, per-channel
// alert tasks and delivers them with retries. Each channel has its own
// queue, rate limiter and worker pool, so a failing or slow channel never
// holds up the others.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/observability"
)

// TaskStore persists alert task state changes.
type TaskStore interface {
	SaveAlertTask(ctx context.Context, t domain.AlertTask) error
}

// ExhaustedSink surfaces tasks that ran out of attempts to operators.
type ExhaustedSink interface {
	PublishExhausted(ctx context.Context, t domain.AlertTask) error
}

// Config tunes delivery.
type Config struct {
	Retry       RetryPolicy
	SendTimeout time.Duration
	Workers     int     // per channel
	RatePerSec  float64 // per channel
	Burst       int
}

// DefaultConfig returns the documented dispatch defaults.
func DefaultConfig() Config {
	return Config{
		Retry:       DefaultRetryPolicy(),
		SendTimeout: 10 * time.Second,
		Workers:     4,
		RatePerSec:  10,
		Burst:       5,
	}
}

// Dispatcher fans triggers out to channel lanes.
type Dispatcher struct {
	cfg       Config
	directory Directory
	lanes     map[string]*lane
	store     TaskStore
	sink      ExhaustedSink
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	open    map[string]int // hotspot ID -> non-terminal tasks
	retries map[string]clockwork.Timer
	resumed map[string]struct{}
}

// Option configures optional Dispatcher collaborators.
type Option func(*Dispatcher)

// WithTaskStore persists every task state change.
func WithTaskStore(s TaskStore) Option { return func(d *Dispatcher) { d.store = s } }

// WithExhaustedSink publishes exhausted tasks.
func WithExhaustedSink(s ExhaustedSink) Option { return func(d *Dispatcher) { d.sink = s } }

// WithClock replaces the real clock, for tests.
func WithClock(c clockwork.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

// New creates a Dispatcher delivering over the given channels.
func New(cfg Config, directory Directory, channels []Channel, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		directory: directory,
		lanes:     make(map[string]*lane, len(channels)),
		clock:     clockwork.NewRealClock(),
		logger:    logger,
		metrics:   metrics,
		open:      make(map[string]int),
		retries:   make(map[string]clockwork.Timer),
		resumed:   make(map[string]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	for _, ch := range channels {
		d.lanes[ch.Name()] = newLane(ch, rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst))
	}
	return d
}

// Start launches the per-channel workers. In-flight sends are not tied to
// ctx; use Stop to shut down.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.runCtx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	workers := max(d.cfg.Workers, 1)
	for _, l := range d.lanes {
		for range workers {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.work(l)
			}()
		}
	}
}

// Dispatch creates one task per (subscriber, channel) for an alerting
// transition and queues them. It returns the created tasks. Queuing never
// blocks; rate limits delay delivery instead.
func (d *Dispatcher) Dispatch(ctx context.Context, t domain.Transition) ([]domain.AlertTask, error) {
	if !t.Alerting() {
		return nil, nil
	}
	d.metrics.AlertTriggers.Inc()

	subs, err := d.directory.SubscribersFor(ctx, t.HazardType, Area{Center: t.Centroid, RadiusKm: t.RadiusKm})
	if err != nil {
		return nil, fmt.Errorf("resolve subscribers for %s: %w", t.HotspotID, err)
	}
	if len(subs) == 0 {
		d.metrics.AlertNoRecipients.Inc()
		d.logger.Warn("alert trigger has no recipients",
			"hotspot_id", t.HotspotID,
			"hazard_type", t.HazardType,
			"to", t.To,
		)
		return nil, nil
	}

	now := d.clock.Now().UTC()
	var tasks []domain.AlertTask
	for _, s := range subs {
		for _, ch := range ChannelsFor(t, s.Channels) {
			tasks = append(tasks, domain.AlertTask{
				ID:           uuid.NewString(),
				HotspotID:    t.HotspotID,
				HazardType:   t.HazardType,
				Trigger:      t,
				Channel:      ch,
				SubscriberID: s.ID,
				State:        domain.DeliveryPending,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
		}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("dispatcher stopped")
	}
	d.open[t.HotspotID] += len(tasks)
	d.mu.Unlock()

	d.logger.Info("alert trigger dispatched",
		"hotspot_id", t.HotspotID,
		"to", t.To,
		"subscribers", len(subs),
		"tasks", len(tasks),
	)
	for i := range tasks {
		task := tasks[i]
		d.metrics.AlertTasksCreated.WithLabelValues(task.Channel).Inc()
		d.save(ctx, task)
		l, ok := d.lanes[task.Channel]
		if !ok {
			d.exhaust(ctx, &task, ErrNoAdapter)
			tasks[i] = task
			continue
		}
		l.push(task)
		d.metrics.AlertChannelQueued.WithLabelValues(task.Channel).Inc()
	}
	return tasks, nil
}

// Resume re-queues tasks left pending or failed by a previous run. Failed
// tasks whose retry time has not come yet wait out the remainder. Terminal
// tasks are ignored. It returns the number of tasks re-queued.
func (d *Dispatcher) Resume(ctx context.Context, tasks []domain.AlertTask) int {
	now := d.clock.Now().UTC()
	n := 0
	for i := range tasks {
		task := tasks[i]
		if task.State.Terminal() {
			continue
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return n
		}
		if _, tracked := d.resumed[task.ID]; tracked {
			d.mu.Unlock()
			continue
		}
		d.resumed[task.ID] = struct{}{}
		d.open[task.HotspotID]++
		d.mu.Unlock()

		n++
		d.metrics.AlertTasksResumed.Inc()
		l, ok := d.lanes[task.Channel]
		if !ok {
			d.exhaust(ctx, &task, ErrNoAdapter)
			continue
		}
		if task.State == domain.DeliveryFailed && task.NextRetryAt.After(now) {
			d.scheduleRetry(l, task, task.NextRetryAt.Sub(now))
			continue
		}
		l.push(task)
		d.metrics.AlertChannelQueued.WithLabelValues(task.Channel).Inc()
	}
	if n > 0 {
		d.logger.Info("alert tasks resumed", "count", n)
	}
	return n
}

// Unresolved reports whether a hotspot has tasks that are pending or
// waiting to retry.
func (d *Dispatcher) Unresolved(hotspotID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[hotspotID] > 0
}

// Stop stops accepting triggers, cancels scheduled retries, and waits for
// queued tasks to be attempted. If ctx expires first, in-flight sends are
// cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for id, tm := range d.retries {
		tm.Stop()
		delete(d.retries, id)
	}
	started := d.started
	d.mu.Unlock()

	for _, l := range d.lanes {
		l.close()
	}
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) work(l *lane) {
	name := l.channel.Name()
	for {
		task, ok := l.pop()
		if !ok {
			return
		}
		d.metrics.AlertChannelQueued.WithLabelValues(name).Dec()
		if err := l.limiter.Wait(d.runCtx); err != nil {
			// Shutdown deadline hit while rate limited. The stored task keeps
			// its non-terminal state so the next run resumes it.
			d.logger.Warn("alert not attempted before shutdown, left for resume",
				"task_id", task.ID,
				"channel", name,
				"subscriber_id", task.SubscriberID,
				"state", task.State,
			)
			continue
		}
		d.attempt(l, task)
	}
}

func (d *Dispatcher) attempt(l *lane, task domain.AlertTask) {
	ctx := d.runCtx
	name := l.channel.Name()
	task.Attempts++

	start := d.clock.Now()
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := l.channel.Send(sendCtx, task.SubscriberID, Render(task))
	cancel()
	d.metrics.AlertSendDuration.WithLabelValues(name).Observe(d.clock.Since(start).Seconds())

	now := d.clock.Now().UTC()
	task.UpdatedAt = now
	if err == nil {
		task.State = domain.DeliverySent
		task.NextRetryAt = time.Time{}
		task.LastError = ""
		d.metrics.AlertDeliveries.WithLabelValues(name, "sent").Inc()
		d.logger.Info("alert delivered",
			"task_id", task.ID,
			"hotspot_id", task.HotspotID,
			"channel", name,
			"subscriber_id", task.SubscriberID,
			"attempt", task.Attempts,
		)
		d.save(ctx, task)
		d.settle(task.HotspotID)
		return
	}

	derr := &DeliveryError{Channel: name, Subscriber: task.SubscriberID, Attempt: task.Attempts, Err: err}
	if d.cfg.Retry.Exhausted(task.Attempts) {
		d.exhaust(ctx, &task, derr)
		return
	}

	wait := d.cfg.Retry.Backoff(task.Attempts)
	task.State = domain.DeliveryFailed
	task.LastError = derr.Error()
	task.NextRetryAt = now.Add(wait)
	d.metrics.AlertDeliveries.WithLabelValues(name, "failed").Inc()
	d.logger.Warn("alert delivery failed, retrying",
		"task_id", task.ID,
		"hotspot_id", task.HotspotID,
		"channel", name,
		"subscriber_id", task.SubscriberID,
		"attempt", task.Attempts,
		"retry_in", wait,
		"error", err,
	)
	d.save(ctx, task)
	d.scheduleRetry(l, task, wait)
}

func (d *Dispatcher) scheduleRetry(l *lane, task domain.AlertTask, wait time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		// Stored as failed with NextRetryAt, so the next run resumes it.
		d.logger.Warn("retry deferred to next run",
			"task_id", task.ID,
			"channel", task.Channel,
			"attempt", task.Attempts,
			"next_retry_at", task.NextRetryAt,
		)
		return
	}
	d.retries[task.ID] = d.clock.AfterFunc(wait, func() {
		d.mu.Lock()
		delete(d.retries, task.ID)
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
		l.push(task)
		d.metrics.AlertChannelQueued.WithLabelValues(task.Channel).Inc()
	})
}

func (d *Dispatcher) exhaust(ctx context.Context, task *domain.AlertTask, cause error) {
	task.State = domain.DeliveryExhausted
	task.NextRetryAt = time.Time{}
	task.LastError = fmt.Errorf("%w: %w", ErrDeliveryExhausted, cause).Error()
	task.UpdatedAt = d.clock.Now().UTC()
	d.metrics.AlertDeliveries.WithLabelValues(task.Channel, "exhausted").Inc()
	d.logger.Error("alert delivery exhausted",
		"task_id", task.ID,
		"hotspot_id", task.HotspotID,
		"channel", task.Channel,
		"subscriber_id", task.SubscriberID,
		"attempt", task.Attempts,
		"error", cause,
	)
	d.save(ctx, *task)
	if d.sink != nil {
		if err := d.sink.PublishExhausted(ctx, *task); err != nil {
			d.logger.Error("failed to publish exhausted alert", "task_id", task.ID, "error", err)
		}
	}
	d.settle(task.HotspotID)
}

func (d *Dispatcher) settle(hotspotID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open[hotspotID] <= 1 {
		delete(d.open, hotspotID)
		return
	}
	d.open[hotspotID]--
}

func (d *Dispatcher) save(ctx context.Context, t domain.AlertTask) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveAlertTask(ctx, t); err != nil {
		d.logger.Error("failed to persist alert task", "task_id", t.ID, "state", t.State, "error", err)
	}
}

// lane is an unbounded FIFO of tasks for one channel.
type lane struct {
	channel Channel
	limiter *rate.Limiter

	mu     sync.Mutex
	queue  []domain.AlertTask
	closed bool
	ready  chan struct{}
}

func newLane(ch Channel, limiter *rate.Limiter) *lane {
	return &lane{channel: ch, limiter: limiter, ready: make(chan struct{}, 1)}
}

func (l *lane) push(t domain.AlertTask) {
	l.mu.Lock()
	l.queue = append(l.queue, t)
	l.mu.Unlock()
	l.signal()
}

// pop blocks until a task is available, or returns false once the lane is
// closed and drained.
func (l *lane) pop() (domain.AlertTask, bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			t := l.queue[0]
			l.queue[0] = domain.AlertTask{}
			l.queue = l.queue[1:]
			more := len(l.queue) > 0
			l.mu.Unlock()
			if more {
				l.signal()
			}
			return t, true
		}
		if l.closed {
			l.mu.Unlock()
			l.signal()
			return domain.AlertTask{}, false
		}
		l.mu.Unlock()
		<-l.ready
	}
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *lane) signal() {
	select {
	case l.ready <- struct{}{}:
	default:
	}
}
