// Package pipeline wires ingestion, verification scoring, hotspot clustering
// and alert dispatch into one concurrent flow.
//
// Reports are sequenced on entry. Scoring runs on a worker pool and a reorder
// buffer restores sequence order before clustering, which is sharded by
// hazard type and latitude band so reports for the same area are clustered
// in ingestion order while distant areas proceed in parallel. Kafka offsets
// are committed in sequence order once a report has left the pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/observability"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/store"
)

// Sources label where a report came from.
const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

// ErrStopped is returned by Submit once the coordinator is draining.
var ErrStopped = errors.New("pipeline is not accepting reports")

// BatchExtractor reads up to batchSize raw submissions from the source topic.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error)
}

// ReportStore persists reports and their verification.
type ReportStore interface {
	CreateReport(ctx context.Context, r domain.Report) error
	SaveVerification(ctx context.Context, v domain.VerificationResult) error
	GetReport(ctx context.Context, id string) (domain.Report, error)
}

// Scorer attaches a verification to a report. It never fails.
type Scorer interface {
	Score(ctx context.Context, r domain.Report) domain.VerificationResult
}

// Clusterer places verified reports into hotspots.
type Clusterer interface {
	Cluster(ctx context.Context, r domain.Report, v domain.VerificationResult) (domain.Hotspot, []domain.Transition, error)
	Sweep(ctx context.Context) []domain.Transition
	Region(h domain.HazardType, lat float64) int
	Placed(reportID string) bool
}

// Dispatcher turns alerting transitions into alert tasks.
type Dispatcher interface {
	Dispatch(ctx context.Context, t domain.Transition) ([]domain.AlertTask, error)
}

// TransitionPublisher announces hotspot state changes downstream.
type TransitionPublisher interface {
	PublishTransitions(ctx context.Context, ts []domain.Transition) error
}

// LostTriggerSink surfaces alert triggers the dispatcher could not accept.
type LostTriggerSink interface {
	PublishLostTrigger(ctx context.Context, t domain.Transition, cause error) error
}

// Config sizes the pipeline stages.
type Config struct {
	ScoringWorkers int
	ClusterShards  int
	QueueSize      int
	BatchSize      int
	ClockSkew      time.Duration
	SweepInterval  time.Duration
}

// Deps are the collaborators the coordinator drives. Source, Publisher and
// LostTriggers are optional.
type Deps struct {
	Source       BatchExtractor
	Store        ReportStore
	Scorer       Scorer
	Engine       Clusterer
	Dispatcher   Dispatcher
	Publisher    TransitionPublisher
	LostTriggers LostTriggerSink
	Clock        clockwork.Clock
}

// item is one message moving through the stages. Rejected source messages
// travel as skip items so their offsets commit in order with the rest.
type item struct {
	seq      uint64
	source   string
	skip     bool
	report   domain.Report
	verified *domain.VerificationResult
	raw      domain.RawEvent
}

// Coordinator runs the report-to-alert flow.
type Coordinator struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	metrics *observability.Metrics
	ready   atomic.Bool

	intakeMu sync.RWMutex
	closed   bool
	intake   chan item

	flightMu sync.Mutex
	inflight map[string]int // report ID -> queued copies

	scoreJobs chan item
	scored    chan item
	shards    []chan item
	done      chan item
}

// New creates a Coordinator. Call Run to start it.
func New(cfg Config, deps Deps, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {
	cfg.ScoringWorkers = max(cfg.ScoringWorkers, 1)
	cfg.ClusterShards = max(cfg.ClusterShards, 1)
	cfg.QueueSize = max(cfg.QueueSize, 1)
	cfg.BatchSize = max(cfg.BatchSize, 1)
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	c := &Coordinator{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		metrics:   metrics,
		intake:    make(chan item, cfg.QueueSize),
		scoreJobs: make(chan item, cfg.QueueSize),
		scored:    make(chan item, cfg.QueueSize),
		shards:    make([]chan item, cfg.ClusterShards),
		done:      make(chan item, cfg.QueueSize),
		inflight:  make(map[string]int),
	}
	for i := range c.shards {
		c.shards[i] = make(chan item, cfg.QueueSize)
	}
	return c
}

// CheckReadiness returns nil once every stage is running.
func (c *Coordinator) CheckReadiness(_ context.Context) error {
	if !c.ready.Load() {
		return errors.New("pipeline stages are not running")
	}
	return nil
}

// Submit validates a submission and queues it. Validation errors are
// returned as-is. It blocks while the intake queue is full, applying
// backpressure to the caller. Resubmitting a known report returns its ID;
// it is only queued again if an earlier run stored it but never finished
// scoring or clustering it.
func (c *Coordinator) Submit(ctx context.Context, sub domain.Submission) (string, error) {
	c.metrics.ReportsReceived.WithLabelValues(SourceHTTP).Inc()
	r, err := domain.Normalize(sub, c.cfg.ClockSkew)
	if err != nil {
		c.metrics.ReportsRejected.WithLabelValues(SourceHTTP).Inc()
		return "", err
	}
	if err := c.enqueue(ctx, r, SourceHTTP, domain.RawEvent{}); err != nil {
		return "", err
	}
	return r.ID, nil
}

// enqueue stores a normalised report and queues it. Errors other than
// ErrStopped and context errors come from the store and are worth retrying.
func (c *Coordinator) enqueue(ctx context.Context, r domain.Report, source string, raw domain.RawEvent) error {
	if !c.track(r.ID) && source == SourceHTTP {
		// Already moving through the pipeline.
		c.release(r.ID)
		return nil
	}

	it := item{source: source, report: r, raw: raw}
	if err := c.deps.Store.CreateReport(ctx, r); err != nil {
		if !errors.Is(err, store.ErrExists) {
			c.release(r.ID)
			return fmt.Errorf("store report: %w", err)
		}
		existing, err := c.deps.Store.GetReport(ctx, r.ID)
		if err != nil {
			c.release(r.ID)
			return fmt.Errorf("load existing report: %w", err)
		}
		if source == SourceHTTP && c.finished(existing) {
			c.release(r.ID)
			return nil
		}
		// Redelivery or resubmission: finish whatever an earlier run left undone.
		it.report = existing
		it.verified = existing.Verification
	}

	if err := c.admit(ctx, it); err != nil {
		c.release(r.ID)
		return err
	}
	return nil
}

// finished reports whether a stored report needs no further work.
func (c *Coordinator) finished(r domain.Report) bool {
	if r.Verification == nil {
		return false
	}
	return !r.Verification.Clusterable() || c.deps.Engine.Placed(r.ID)
}

// track marks a report as queued and reports whether it was idle before.
func (c *Coordinator) track(id string) bool {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	c.inflight[id]++
	return c.inflight[id] == 1
}

func (c *Coordinator) release(id string) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	if c.inflight[id] <= 1 {
		delete(c.inflight, id)
		return
	}
	c.inflight[id]--
}

func (c *Coordinator) admit(ctx context.Context, it item) error {
	c.intakeMu.RLock()
	defer c.intakeMu.RUnlock()
	if c.closed {
		return ErrStopped
	}
	select {
	case c.intake <- it:
		c.metrics.QueueDepth.WithLabelValues("intake").Set(float64(len(c.intake)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts every stage and, when a source is configured, consumes it until
// ctx is cancelled. It then stops intake and returns once queued reports have
// drained through the pipeline.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("pipeline started",
		"scoring_workers", c.cfg.ScoringWorkers,
		"cluster_shards", c.cfg.ClusterShards,
		"queue_size", c.cfg.QueueSize,
	)
	c.metrics.PipelineRunning.Set(1)
	defer c.metrics.PipelineRunning.Set(0)

	// Stages finish in-flight work after ctx is cancelled; intake closing
	// is what stops them.
	work := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(work)

	g.Go(func() error { c.sequence(); return nil })
	var scorers sync.WaitGroup
	for range c.cfg.ScoringWorkers {
		scorers.Add(1)
		g.Go(func() error {
			defer scorers.Done()
			c.score(gctx)
			return nil
		})
	}
	g.Go(func() error {
		scorers.Wait()
		close(c.scored)
		return nil
	})
	g.Go(func() error { c.reorder(); return nil })

	var clusterers sync.WaitGroup
	for i := range c.shards {
		clusterers.Add(1)
		g.Go(func() error {
			defer clusterers.Done()
			c.cluster(gctx, c.shards[i])
			return nil
		})
	}
	g.Go(func() error {
		clusterers.Wait()
		close(c.done)
		return nil
	})
	g.Go(func() error { c.commit(gctx); return nil })
	g.Go(func() error { c.sweep(ctx, gctx); return nil })

	c.ready.Store(true)

	if c.deps.Source != nil {
		c.consume(ctx)
	} else {
		<-ctx.Done()
	}

	c.ready.Store(false)
	c.logger.Info("pipeline stopping", "reason", ctx.Err())
	c.stopIntake()
	return g.Wait()
}

func (c *Coordinator) stopIntake() {
	c.intakeMu.Lock()
	defer c.intakeMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.intake)
	}
}

// consume is the Kafka extraction loop with exponential backoff on errors.
func (c *Coordinator) consume(ctx context.Context) {
	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for ctx.Err() == nil {
		batch, err := c.deps.Source.ExtractBatch(ctx, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("extract batch failed", "error", err)
			if !c.backoffOrStop(ctx, &backoff, maxBackoff) {
				return
			}
			continue
		}
		backoff = 200 * time.Millisecond

		for _, raw := range batch {
			if !c.ingest(ctx, raw) {
				return
			}
		}
	}
}

// ingest queues one source message. Malformed and invalid submissions travel
// as skip items so their offsets still commit. Store failures are retried
// with backoff and the message is never skipped past; if the coordinator
// stops first it stays uncommitted and is redelivered. It returns false once
// the coordinator is stopping.
func (c *Coordinator) ingest(ctx context.Context, raw domain.RawEvent) bool {
	c.metrics.ReportsReceived.WithLabelValues(SourceKafka).Inc()
	sub, err := ParseSubmission(raw)
	var r domain.Report
	if err == nil {
		r, err = domain.Normalize(sub, c.cfg.ClockSkew)
	}
	if err != nil {
		c.metrics.ReportsRejected.WithLabelValues(SourceKafka).Inc()
		c.logger.Warn("rejected report, skipping message",
			"error", err,
			"topic", raw.Topic,
			"partition", raw.Partition,
			"offset", raw.Offset,
		)
		return c.admit(ctx, item{source: SourceKafka, skip: true, raw: raw}) == nil
	}

	backoff := 200 * time.Millisecond
	for {
		err := c.enqueue(ctx, r, SourceKafka, raw)
		if err == nil {
			return true
		}
		if ctx.Err() != nil || errors.Is(err, ErrStopped) {
			return false
		}
		c.logger.Error("store report failed, retrying message",
			"error", err,
			"report_id", r.ID,
			"topic", raw.Topic,
			"partition", raw.Partition,
			"offset", raw.Offset,
		)
		if !c.backoffOrStop(ctx, &backoff, 5*time.Second) {
			return false
		}
	}
}

// sequence numbers items in arrival order and feeds the scoring pool.
func (c *Coordinator) sequence() {
	defer close(c.scoreJobs)
	var seq uint64
	for it := range c.intake {
		it.seq = seq
		seq++
		c.scoreJobs <- it
		c.metrics.QueueDepth.WithLabelValues("intake").Set(float64(len(c.intake)))
		c.metrics.QueueDepth.WithLabelValues("score").Set(float64(len(c.scoreJobs)))
	}
}

func (c *Coordinator) score(ctx context.Context) {
	for it := range c.scoreJobs {
		if !it.skip && it.verified == nil {
			v := c.deps.Scorer.Score(ctx, it.report)
			if err := c.deps.Store.SaveVerification(ctx, v); err != nil {
				if errors.Is(err, store.ErrExists) {
					if r, gerr := c.deps.Store.GetReport(ctx, it.report.ID); gerr == nil && r.Verification != nil {
						v = *r.Verification
					}
				} else {
					c.logger.Error("failed to persist verification", "report_id", it.report.ID, "error", err)
				}
			}
			it.verified = &v
		}
		c.scored <- it
	}
}

// reorder releases scored items in sequence order.
func (c *Coordinator) reorder() {
	defer func() {
		for _, ch := range c.shards {
			close(ch)
		}
	}()

	pending := make(map[uint64]item)
	var next uint64
	for it := range c.scored {
		pending[it.seq] = it
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			c.route(ready)
		}
		c.metrics.QueueDepth.WithLabelValues("reorder").Set(float64(len(pending)))
	}
}

func (c *Coordinator) route(it item) {
	if it.skip {
		c.done <- it
		return
	}
	v := *it.verified
	if !v.Clusterable() {
		c.logger.Debug("report not clustered",
			"report_id", it.report.ID,
			"category", v.Category,
			"confidence", v.Confidence,
		)
		c.done <- it
		return
	}
	shard := c.shardFor(it.report)
	c.shards[shard] <- it
	c.metrics.QueueDepth.WithLabelValues("cluster").Set(float64(len(c.shards[shard])))
}

func (c *Coordinator) shardFor(r domain.Report) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(r.HazardType))
	_, _ = h.Write([]byte(strconv.Itoa(c.deps.Engine.Region(r.HazardType, r.Geo.Lat))))
	return int(h.Sum32() % uint32(len(c.shards)))
}

func (c *Coordinator) cluster(ctx context.Context, in <-chan item) {
	for it := range in {
		h, ts, err := c.deps.Engine.Cluster(ctx, it.report, *it.verified)
		if err != nil {
			c.logger.Warn("clustering skipped report", "report_id", it.report.ID, "error", err)
		} else {
			c.logger.Debug("report clustered",
				"report_id", it.report.ID,
				"hotspot_id", h.ID,
				"state", h.State,
				"members", len(h.Members),
			)
			c.handleTransitions(ctx, ts)
		}
		c.done <- it
	}
}

func (c *Coordinator) handleTransitions(ctx context.Context, ts []domain.Transition) {
	if len(ts) == 0 {
		return
	}
	if c.deps.Publisher != nil {
		if err := c.deps.Publisher.PublishTransitions(ctx, ts); err != nil {
			c.logger.Error("publish transitions failed", "count", len(ts), "error", err)
		}
	}
	for _, t := range ts {
		if t.Alerting() {
			c.dispatch(ctx, t)
		}
	}
}

// dispatch hands a trigger to the dispatcher, retrying subscriber lookup
// failures so triggers are not lost to a directory blip. A trigger that still
// fails is counted and published to the lost trigger sink; startup
// reconciliation dispatches it again.
func (c *Coordinator) dispatch(ctx context.Context, t domain.Transition) {
	backoff := 200 * time.Millisecond
	const attempts = 4
	for i := 1; ; i++ {
		_, err := c.deps.Dispatcher.Dispatch(ctx, t)
		if err == nil {
			return
		}
		if i >= attempts {
			c.lose(ctx, t, i, err)
			return
		}
		c.logger.Warn("dispatch failed, retrying", "hotspot_id", t.HotspotID, "attempt", i, "error", err)
		if !c.backoffOrStop(ctx, &backoff, 5*time.Second) {
			c.lose(ctx, t, i, err)
			return
		}
	}
}

func (c *Coordinator) lose(ctx context.Context, t domain.Transition, attempts int, cause error) {
	c.metrics.AlertTriggersLost.Inc()
	c.logger.Error("alert trigger lost",
		"hotspot_id", t.HotspotID,
		"from", t.From,
		"to", t.To,
		"attempts", attempts,
		"error", cause,
	)
	if c.deps.LostTriggers == nil {
		return
	}
	if err := c.deps.LostTriggers.PublishLostTrigger(ctx, t, cause); err != nil {
		c.logger.Error("publish lost trigger failed", "hotspot_id", t.HotspotID, "error", err)
	}
}

// commit acknowledges source messages in sequence order.
func (c *Coordinator) commit(ctx context.Context) {
	pending := make(map[uint64]item)
	var next uint64
	for it := range c.done {
		if !it.skip {
			c.release(it.report.ID)
		}
		pending[it.seq] = it
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			c.commitOffset(ctx, ready.raw)
		}
	}
}

// sweep resolves idle hotspots on every tick until ctx is cancelled.
func (c *Coordinator) sweep(ctx, work context.Context) {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	ticker := c.deps.Clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if ts := c.deps.Engine.Sweep(work); len(ts) > 0 {
				c.handleTransitions(work, ts)
			}
		}
	}
}

func (c *Coordinator) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, c.deps.Clock, *backoff) {
		return false
	}
	*backoff = sharedretry.NextBackoff(*backoff, maxBackoff)
	return true
}

// commitOffset commits the message offset if a commit function is available.
func (c *Coordinator) commitOffset(ctx context.Context, raw domain.RawEvent) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		c.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
