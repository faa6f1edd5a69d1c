package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/hotspot"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/observability"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/pipeline"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/scoring"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/store"
)

// --- mocks ---

type mockExtractor struct {
	batches [][]domain.RawEvent
	errs    []error
	index   atomic.Int64
}

func (m *mockExtractor) ExtractBatch(ctx context.Context, _ int) ([]domain.RawEvent, error) {
	i := int(m.index.Add(1) - 1)
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.batches) {
		// block until context cancelled to simulate waiting for messages
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.batches[i], nil
}

// mockOracle returns confidence for every text, sleeping first when the text
// contains a key of delays.
type mockOracle struct {
	confidence float64
	err        error
	delays     map[string]time.Duration
}

func (m *mockOracle) Score(ctx context.Context, text string) (domain.OracleResult, error) {
	for k, d := range m.delays {
		if strings.Contains(text, k) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return domain.OracleResult{}, ctx.Err()
			}
		}
	}
	if m.err != nil {
		return domain.OracleResult{}, m.err
	}
	return domain.OracleResult{Confidence: m.confidence, Label: "mock"}, nil
}

type recordingEngine struct {
	*hotspot.Engine
	mu    sync.Mutex
	order []string
}

func (r *recordingEngine) Cluster(ctx context.Context, rep domain.Report, v domain.VerificationResult) (domain.Hotspot, []domain.Transition, error) {
	r.mu.Lock()
	r.order = append(r.order, rep.ReporterID)
	r.mu.Unlock()
	return r.Engine.Cluster(ctx, rep, v)
}

func (r *recordingEngine) clustered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type mockDispatcher struct {
	mu       sync.Mutex
	failures int
	got      []domain.Transition
}

func (m *mockDispatcher) Dispatch(_ context.Context, t domain.Transition) ([]domain.AlertTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return nil, errors.New("directory unavailable")
	}
	m.got = append(m.got, t)
	return nil, nil
}

func (m *mockDispatcher) triggers() []domain.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Transition(nil), m.got...)
}

type mockPublisher struct {
	mu  sync.Mutex
	got []domain.Transition
}

func (m *mockPublisher) PublishTransitions(_ context.Context, ts []domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, ts...)
	return nil
}

func (m *mockPublisher) published() []domain.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Transition(nil), m.got...)
}

// flakyStore fails the first createFailures CreateReport calls.
type flakyStore struct {
	*store.Memory
	mu             sync.Mutex
	createFailures int
	createCalls    int
}

func (f *flakyStore) CreateReport(ctx context.Context, r domain.Report) error {
	f.mu.Lock()
	f.createCalls++
	fail := f.createCalls <= f.createFailures
	f.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return f.Memory.CreateReport(ctx, r)
}

type lostTriggers struct {
	mu  sync.Mutex
	got []domain.Transition
}

func (l *lostTriggers) PublishLostTrigger(_ context.Context, t domain.Transition, _ error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, t)
	return nil
}

func (l *lostTriggers) lost() []domain.Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Transition(nil), l.got...)
}

type commitLog struct {
	mu      sync.Mutex
	offsets []int64
}

func (c *commitLog) commitFor(offset int64) func(context.Context) error {
	return func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.offsets = append(c.offsets, offset)
		return nil
	}
}

func (c *commitLog) committed() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.offsets...)
}

// --- harness ---

type harness struct {
	coord     *pipeline.Coordinator
	store     *store.Memory
	engine    *recordingEngine
	dispatch  *mockDispatcher
	publisher *mockPublisher
	metrics   *observability.Metrics
}

func newHarness(t *testing.T, oracle domain.Oracle, src pipeline.BatchExtractor, opts ...func(*harness, *pipeline.Deps)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()
	mem := store.NewMemory()

	scfg := scoring.DefaultConfig()
	scfg.Timeout = time.Second
	scfg.Retries = 0

	h := &harness{
		store:     mem,
		engine:    &recordingEngine{Engine: hotspot.NewEngine(hotspot.DefaultConfig(), mem, nil, logger, metrics)},
		dispatch:  &mockDispatcher{},
		publisher: &mockPublisher{},
		metrics:   metrics,
	}
	deps := pipeline.Deps{
		Source:     src,
		Store:      mem,
		Scorer:     scoring.NewScorer(oracle, scfg, logger, metrics),
		Engine:     h.engine,
		Dispatcher: h.dispatch,
		Publisher:  h.publisher,
	}
	for _, o := range opts {
		o(h, &deps)
	}
	h.coord = pipeline.New(pipeline.Config{
		ScoringWorkers: 4,
		ClusterShards:  2,
		QueueSize:      16,
		BatchSize:      10,
		ClockSkew:      domain.DefaultClockSkew,
	}, deps, logger, metrics)
	return h
}

// start runs the coordinator until the returned stop func is called.
func (h *harness) start(t *testing.T) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.coord.Run(ctx) }()
	require.Eventually(t, func() bool {
		return h.coord.CheckReadiness(context.Background()) == nil
	}, time.Second, 5*time.Millisecond)

	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-errc:
			case <-time.After(5 * time.Second):
				err = errors.New("coordinator did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func floodSubmission(reporter string, lat, lon float64) domain.Submission {
	return domain.Submission{
		ReporterID:  reporter,
		HazardType:  "flood",
		Lat:         &lat,
		Lon:         &lon,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Description: "water entering homes near " + reporter,
	}
}

func rawSubmission(t *testing.T, sub domain.Submission, offset int64, log *commitLog) domain.RawEvent {
	t.Helper()
	body, err := json.Marshal(sub)
	require.NoError(t, err)
	return domain.RawEvent{
		Key:    []byte(sub.ReporterID),
		Value:  body,
		Topic:  "hazard-reports",
		Offset: offset,
		Commit: log.commitFor(offset),
	}
}

// --- tests ---

func TestCoordinator_Submit_ThreeReportersActivateHotspot(t *testing.T) {
	h := newHarness(t, &mockOracle{confidence: 0.8}, nil)
	stop := h.start(t)

	ctx := context.Background()
	for i, who := range []string{"alice", "bob", "carol"} {
		id, err := h.coord.Submit(ctx, floodSubmission(who, 13.0827+float64(i)*0.001, 80.2707))
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	require.Eventually(t, func() bool { return len(h.dispatch.triggers()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	trig := h.dispatch.triggers()[0]
	assert.Equal(t, domain.StateForming, trig.From)
	assert.Equal(t, domain.StateActive, trig.To)
	assert.Equal(t, 3, trig.MemberCount)

	// The seed transition is published along with the activation.
	pub := h.publisher.published()
	require.Len(t, pub, 2)
	assert.Equal(t, domain.StateForming, pub[0].To)
	assert.Equal(t, domain.StateActive, pub[1].To)

	hotspots, err := h.store.ListHotspots(ctx, store.HotspotFilter{})
	require.NoError(t, err)
	require.Len(t, hotspots, 1)
	assert.Len(t, hotspots[0].Members, 3)

	reports, err := h.store.ListReports(ctx, domain.Query{})
	require.NoError(t, err)
	for _, r := range reports {
		require.NotNil(t, r.Verification, "report %s has no verification", r.ID)
		assert.Equal(t, domain.CategoryCredible, r.Verification.Category)
	}
	assert.InDelta(t, 3, testutil.ToFloat64(h.metrics.ReportsReceived.WithLabelValues(pipeline.SourceHTTP)), 0)
}

func TestCoordinator_Submit_ValidationError(t *testing.T) {
	h := newHarness(t, &mockOracle{confidence: 0.8}, nil)
	h.start(t)

	sub := floodSubmission("alice", 13.08, 80.27)
	sub.HazardType = "meteor"
	bad := 123.0
	sub.Lat = &bad

	_, err := h.coord.Submit(context.Background(), sub)
	require.Error(t, err)
	fields := make([]string, 0)
	for _, ve := range domain.ValidationErrors(err) {
		fields = append(fields, ve.Field)
	}
	assert.ElementsMatch(t, []string{"hazard_type", "lat"}, fields)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.ReportsRejected.WithLabelValues(pipeline.SourceHTTP)), 0)

	reports, err := h.store.ListReports(context.Background(), domain.Query{})
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestCoordinator_Submit_DuplicateIsNotReprocessed(t *testing.T) {
	h := newHarness(t, &mockOracle{confidence: 0.8}, nil)
	stop := h.start(t)

	sub := floodSubmission("alice", 13.08, 80.27)
	first, err := h.coord.Submit(context.Background(), sub)
	require.NoError(t, err)
	second, err := h.coord.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.Eventually(t, func() bool { return len(h.engine.clustered()) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, []string{"alice"}, h.engine.clustered())
}

func TestCoordinator_Submit_FinishesStoredButUnprocessedReport(t *testing.T) {
	h := newHarness(t, &mockOracle{confidence: 0.8}, nil)
	sub := floodSubmission("alice", 13.08, 80.27)
	r, err := domain.Normalize(sub, domain.DefaultClockSkew)
	require.NoError(t, err)
	// An earlier submission was stored but never reached the queue.
	require.NoError(t, h.store.CreateReport(context.Background(), r))
	stop := h.start(t)

	id, err := h.coord.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, r.ID, id)

	require.Eventually(t, func() bool { return len(h.engine.clustered()) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	got, err := h.store.GetReport(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got.Verification)
	assert.Equal(t, domain.CategoryCredible, got.Verification.Category)
	hotspots, err := h.store.ListHotspots(context.Background(), store.HotspotFilter{})
	require.NoError(t, err)
	require.Len(t, hotspots, 1)
	assert.Equal(t, []string{id}, hotspots[0].MemberIDs())
}

func TestCoordinator_Submit_ClustersVerifiedButUnplacedReport(t *testing.T) {
	h := newHarness(t, &mockOracle{confidence: 0.1}, nil)
	sub := floodSubmission("alice", 13.08, 80.27)
	r, err := domain.Normalize(sub, domain.DefaultClockSkew)
	require.NoError(t, err)
	require.NoError(t, h.store.CreateReport(context.Background(), r))
	require.NoError(t, h.store.SaveVerification(context.Background(), domain.VerificationResult{
		ReportID: r.ID, Confidence: 0.9, Category: domain.CategoryCredible, Severity: domain.SeverityMedium,
	}))
	stop := h.start(t)

	_, err = h.coord.Submit(context.Background(), sub)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.engine.clustered()) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	// The stored verification is reused rather than rescored.
	got, err := h.store.GetReport(context.Background(), r.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got.Verification.Confidence, 1e-9)
	assert.True(t, h.engine.Placed(r.ID))
}

func TestCoordinator_ClustersInSubmissionOrder(t *testing.T) {
	// The first report scores slowest, so later reports finish scoring first.
	oracle := &mockOracle{confidence: 0.8, delays: map[string]time.Duration{
		"r0": 150 * time.Millisecond,
		"r1": 50 * time.Millisecond,
	}}
	h := newHarness(t, oracle, nil)
	stop := h.start(t)

	var want []string
	for i := range 6 {
		who := fmt.Sprintf("r%d", i)
		want = append(want, who)
		_, err := h.coord.Submit(context.Background(), floodSubmission(who, 13.08, 80.27))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(h.engine.clustered()) == 6 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	if diff := cmp.Diff(want, h.engine.clustered()); diff != "" {
		t.Errorf("cluster order mismatch (-want +got):\n%s", diff)
	}
}

func TestCoordinator_DegradedScoringStillClusters(t *testing.T) {
	h := newHarness(t, &mockOracle{err: errors.New("oracle down")}, nil)
	stop := h.start(t)

	id, err := h.coord.Submit(context.Background(), floodSubmission("alice", 13.08, 80.27))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.engine.clustered()) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	r, err := h.store.GetReport(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, r.Verification)
	assert.True(t, r.Verification.Degraded)
	assert.Equal(t, domain.CategoryUncertain, r.Verification.Category)

	hotspots, err := h.store.ListHotspots(context.Background(), store.HotspotFilter{})
	require.NoError(t, err)
	require.Len(t, hotspots, 1)
	assert.Equal(t, domain.StateForming, hotspots[0].State)
}

func TestCoordinator_MisinformationIsNotClustered(t *testing.T) {
	h := newHarness(t, &mockOracle{confidence: 0.1}, nil)
	stop := h.start(t)

	id, err := h.coord.Submit(context.Background(), floodSubmission("alice", 13.08, 80.27))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := h.store.GetReport(context.Background(), id)
		return err == nil && r.Verification != nil
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	assert.Empty(t, h.engine.clustered())
	hotspots, err := h.store.ListHotspots(context.Background(), store.HotspotFilter{})
	require.NoError(t, err)
	assert.Empty(t, hotspots)
}

func TestCoordinator_Kafka_CommitsInOrderIncludingRejects(t *testing.T) {
	log := &commitLog{}
	malformed := domain.RawEvent{Value: []byte("{not json"), Offset: 1, Commit: log.commitFor(1)}
	invalid := floodSubmission("", 13.08, 80.27)

	src := &mockExtractor{batches: [][]domain.RawEvent{{
		rawSubmission(t, floodSubmission("alice", 13.08, 80.27), 0, log),
		malformed,
		rawSubmission(t, invalid, 2, log),
		rawSubmission(t, floodSubmission("bob", 13.081, 80.27), 3, log),
	}}}
	oracle := &mockOracle{confidence: 0.8, delays: map[string]time.Duration{"alice": 100 * time.Millisecond}}
	h := newHarness(t, oracle, src)
	stop := h.start(t)

	require.Eventually(t, func() bool { return len(log.committed()) == 4 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	// Rejects wait behind the slow first report so offsets commit in order.
	assert.Equal(t, []int64{0, 1, 2, 3}, log.committed())
	assert.Equal(t, []string{"alice", "bob"}, h.engine.clustered())
	assert.InDelta(t, 4, testutil.ToFloat64(h.metrics.ReportsReceived.WithLabelValues(pipeline.SourceKafka)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.ReportsRejected.WithLabelValues(pipeline.SourceKafka)), 0)
}

func TestCoordinator_Kafka_StoreFailureRetriesInsteadOfSkipping(t *testing.T) {
	log := &commitLog{}
	src := &mockExtractor{batches: [][]domain.RawEvent{{
		rawSubmission(t, floodSubmission("alice", 13.08, 80.27), 0, log),
		rawSubmission(t, floodSubmission("bob", 13.081, 80.27), 1, log),
	}}}
	var flaky *flakyStore
	h := newHarness(t, &mockOracle{confidence: 0.8}, src, func(h *harness, d *pipeline.Deps) {
		flaky = &flakyStore{Memory: h.store, createFailures: 2}
		d.Store = flaky
	})
	stop := h.start(t)

	require.Eventually(t, func() bool { return len(log.committed()) == 2 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, []int64{0, 1}, log.committed())
	assert.Equal(t, []string{"alice", "bob"}, h.engine.clustered())
	assert.Equal(t, 4, flaky.createCalls, "alice retried twice before bob")
	reports, err := h.store.ListReports(context.Background(), domain.Query{})
	require.NoError(t, err)
	assert.Len(t, reports, 2)
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.ReportsRejected.WithLabelValues(pipeline.SourceKafka)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.ReportsReceived.WithLabelValues(pipeline.SourceKafka)), 0)
}

func TestCoordinator_Kafka_StoreOutageLeavesMessageUncommitted(t *testing.T) {
	log := &commitLog{}
	src := &mockExtractor{batches: [][]domain.RawEvent{{
		rawSubmission(t, floodSubmission("alice", 13.08, 80.27), 0, log),
	}}}
	var flaky *flakyStore
	h := newHarness(t, &mockOracle{confidence: 0.8}, src, func(h *harness, d *pipeline.Deps) {
		flaky = &flakyStore{Memory: h.store, createFailures: 1 << 20}
		d.Store = flaky
	})
	stop := h.start(t)

	require.Eventually(t, func() bool {
		flaky.mu.Lock()
		defer flaky.mu.Unlock()
		return flaky.createCalls >= 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	assert.Empty(t, log.committed(), "redelivered on the next run")
	assert.Empty(t, h.engine.clustered())
}

func TestCoordinator_Kafka_RecoversFromExtractError(t *testing.T) {
	log := &commitLog{}
	src := &mockExtractor{
		errs:    []error{errors.New("broker unavailable")},
		batches: [][]domain.RawEvent{nil, {rawSubmission(t, floodSubmission("alice", 13.08, 80.27), 7, log)}},
	}
	h := newHarness(t, &mockOracle{confidence: 0.8}, src)
	stop := h.start(t)

	require.Eventually(t, func() bool { return len(log.committed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, []int64{7}, log.committed())
}

func TestCoordinator_DispatchRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, &mockOracle{confidence: 0.8}, nil)
	h.dispatch.failures = 1
	stop := h.start(t)

	for _, who := range []string{"alice", "bob", "carol"} {
		_, err := h.coord.Submit(context.Background(), floodSubmission(who, 13.08, 80.27))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(h.dispatch.triggers()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
}

func TestCoordinator_LostTriggerIsCountedAndPublished(t *testing.T) {
	sink := &lostTriggers{}
	h := newHarness(t, &mockOracle{confidence: 0.8}, nil, func(_ *harness, d *pipeline.Deps) {
		d.LostTriggers = sink
	})
	h.dispatch.failures = 100
	stop := h.start(t)

	for _, who := range []string{"alice", "bob", "carol"} {
		_, err := h.coord.Submit(context.Background(), floodSubmission(who, 13.08, 80.27))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(sink.lost()) == 1 }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, stop())

	lost := sink.lost()[0]
	assert.Equal(t, domain.StateActive, lost.To)
	assert.Equal(t, 3, lost.MemberCount)
	assert.Empty(t, h.dispatch.triggers())
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.AlertTriggersLost), 0)
}

func TestCoordinator_Readiness(t *testing.T) {
	h := newHarness(t, &mockOracle{confidence: 0.8}, nil)
	require.Error(t, h.coord.CheckReadiness(context.Background()))

	stop := h.start(t)
	require.NoError(t, h.coord.CheckReadiness(context.Background()))
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.PipelineRunning), 0)

	require.NoError(t, stop())
	assert.Error(t, h.coord.CheckReadiness(context.Background()))
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.PipelineRunning), 0)
}

func TestCoordinator_DrainsQueuedReportsOnShutdown(t *testing.T) {
	oracle := &mockOracle{confidence: 0.8, delays: map[string]time.Duration{"near": 20 * time.Millisecond}}
	h := newHarness(t, oracle, nil)
	stop := h.start(t)

	for i := range 10 {
		_, err := h.coord.Submit(context.Background(), floodSubmission(fmt.Sprintf("r%d", i), 13.08, 80.27))
		require.NoError(t, err)
	}
	require.NoError(t, stop())

	assert.Len(t, h.engine.clustered(), 10)
	_, err := h.coord.Submit(context.Background(), floodSubmission("late", 13.08, 80.27))
	assert.ErrorIs(t, err, pipeline.ErrStopped)
}

func TestCoordinator_SubmitHonoursContext(t *testing.T) {
	// Nothing drains the queue until Run starts.
	h := newHarness(t, &mockOracle{confidence: 0.8}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var err error
	for i := range 32 {
		if _, err = h.coord.Submit(ctx, floodSubmission(fmt.Sprintf("r%d", i), 13.08, 80.27)); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseSubmission(t *testing.T) {
	sub := floodSubmission("alice", 13.08, 80.27)
	body, err := json.Marshal(sub)
	require.NoError(t, err)

	got, err := pipeline.ParseSubmission(domain.RawEvent{Value: body})
	require.NoError(t, err)
	if diff := cmp.Diff(sub, got); diff != "" {
		t.Errorf("submission mismatch (-want +got):\n%s", diff)
	}

	_, err = pipeline.ParseSubmission(domain.RawEvent{Value: []byte("nope")})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}
