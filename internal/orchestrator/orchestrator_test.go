package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// fakePublisher captures published payloads per destination.
type fakePublisher struct {
	mu       sync.Mutex
	byAgent  map[string][]any
	frontend []any
	fail     map[string]bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{byAgent: make(map[string][]any), fail: make(map[string]bool)}
}

func (p *fakePublisher) PublishToAgent(_ context.Context, agent string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[agent] {
		return assert.AnError
	}
	p.byAgent[agent] = append(p.byAgent[agent], payload)
	return nil
}

func (p *fakePublisher) PublishToFrontend(_ context.Context, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frontend = append(p.frontend, payload)
	return nil
}

func (p *fakePublisher) sentTo(agent string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]any, len(p.byAgent[agent]))
	copy(out, p.byAgent[agent])
	return out
}

func (p *fakePublisher) lastResult(agent string) *models.TaskResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.byAgent[agent]) - 1; i >= 0; i-- {
		if r, ok := p.byAgent[agent][i].(*models.TaskResult); ok {
			return r
		}
	}
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	results []*models.TaskResult
}

func (s *fakeSink) TaskConcluded(_ context.Context, result *models.TaskResult, _ *TaskState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func newTestEngine(pub *fakePublisher, sink *fakeSink) *Engine {
	cfg := DefaultConfig()
	cfg.MaxRounds = 3
	route := func(context.Context, string, string, *models.Diagnostics) string { return "worker_a" }
	var s OutcomeSink
	if sink != nil {
		s = sink
	}
	return NewEngine(cfg, pub, s, route, nil)
}

func startTask(t *testing.T, e *Engine, pub *fakePublisher) *models.Task {
	t.Helper()
	task := models.NewTask("t1", "client-1", "Summarize the text 'hello world' in one sentence.", "moderator", models.IntentStartTask, models.EventPlan, models.Float64(0.9))
	require.NoError(t, e.StartTask(context.Background(), task))
	require.Len(t, pub.sentTo("worker_a"), 1)
	return task
}

func proposal(content string, confidence float64) *models.TaskResult {
	r := models.NewTaskResult("t1", "worker_a", content, "moderator", models.EventExecute, models.OutcomeCompleted, nil)
	r.Confidence = models.Float64(confidence)
	return r
}

func critique(content string, confidence float64) *models.TaskResult {
	r := models.NewTaskResult("t1", "arbitrator", content, "moderator", models.EventExecute, models.OutcomeCompleted, nil)
	r.Confidence = models.Float64(confidence)
	return r
}

func refinement(content string, confidence float64) *models.TaskResult {
	r := models.NewTaskResult("t1", "refiner", content, "moderator", models.EventRefine, models.OutcomeCompleted, nil)
	r.Confidence = models.Float64(confidence)
	return r
}

func TestStartTask_RequestsProposal(t *testing.T) {
	pub := newFakePublisher()
	e := newTestEngine(pub, nil)
	startTask(t, e, pub)

	sent := pub.sentTo("worker_a")[0].(*models.Task)
	assert.Equal(t, models.EventPlan, sent.Event)
	assert.Equal(t, models.IntentStartTask, sent.Intent)
	assert.Equal(t, 1, e.ActiveTasks())
}

func TestStartTask_EmptyContentRejected(t *testing.T) {
	pub := newFakePublisher()
	e := newTestEngine(pub, nil)

	task := models.NewTask("t1", "client-1", "   ", "moderator", models.IntentStartTask, models.EventPlan, nil)
	err := e.StartTask(context.Background(), task)
	require.Error(t, err)

	assert.Zero(t, e.ActiveTasks())
	res := pub.lastResult("client-1")
	require.NotNil(t, res)
	assert.Equal(t, models.OutcomeEscalated, res.Outcome)
}

func TestStartTask_DuplicateIgnored(t *testing.T) {
	pub := newFakePublisher()
	e := newTestEngine(pub, nil)
	task := startTask(t, e, pub)

	require.NoError(t, e.StartTask(context.Background(), task))
	assert.Len(t, pub.sentTo("worker_a"), 1)
	assert.Equal(t, 1, e.ActiveTasks())
}

func TestHappyPath_ConsensusCompletes(t *testing.T) {
	pub := newFakePublisher()
	sink := &fakeSink{}
	e := newTestEngine(pub, sink)
	startTask(t, e, pub)
	ctx := context.Background()

	e.HandleResult(ctx, proposal("The text says hello world.", 0.7))
	require.Len(t, pub.sentTo("arbitrator"), 1)

	e.HandleResult(ctx, critique("Minor nit: state it more plainly.", 0.7))
	require.Len(t, pub.sentTo("refiner"), 1)

	e.HandleResult(ctx, refinement("The text says hello world.", 0.95))

	res := pub.lastResult("client-1")
	require.NotNil(t, res)
	assert.Equal(t, models.OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{"worker_a", "arbitrator", "refiner"}, res.ContributingAgents)
	assert.Zero(t, e.ActiveTasks())
	assert.Equal(t, 1, sink.count())
}

func TestLoopDetection_PivotThenEscalate(t *testing.T) {
	pub := newFakePublisher()
	e := newTestEngine(pub, nil)
	startTask(t, e, pub)
	ctx := context.Background()

	same := "I propose exactly this, again."
	e.HandleResult(ctx, proposal(same, 0.6))
	assert.Len(t, pub.sentTo("arbitrator"), 1)

	// Second identical proposal: forced pivot refine.
	e.HandleResult(ctx, proposal(same, 0.6))
	refines := pub.sentTo("refiner")
	require.Len(t, refines, 1)
	pivot := refines[0].(*models.Task)
	assert.Equal(t, models.EventRefine, pivot.Event)
	assert.Contains(t, pivot.Content, "Pivot")

	// Third identical proposal: escalated.
	e.HandleResult(ctx, proposal(same, 0.6))
	res := pub.lastResult("client-1")
	require.NotNil(t, res)
	assert.Equal(t, models.OutcomeEscalated, res.Outcome)
	assert.Zero(t, e.ActiveTasks())
}

func TestLoopDetection_NormalizationIgnoresCaseAndWhitespace(t *testing.T) {
	pub := newFakePublisher()
	e := newTestEngine(pub, nil)
	startTask(t, e, pub)
	ctx := context.Background()

	e.HandleResult(ctx, proposal("Use a   B-tree index.", 0.6))
	e.HandleResult(ctx, proposal("use a b-tree INDEX.", 0.6))

	// The near-duplicate triggers a pivot despite different casing/spacing.
	assert.Len(t, pub.sentTo("refiner"), 1)
}

func TestPlateau_ResolvesMerged(t *testing.T) {
	pub := newFakePublisher()
	e := newTestEngine(pub, nil)
	startTask(t, e, pub)
	ctx := context.Background()

	// Confidences 0.81, 0.83, 0.82 with delta 0.05: plateau -> merged.
	e.HandleResult(ctx, proposal("first angle", 0.81))
	e.HandleResult(ctx, critique("needs depth", 0.81))
	e.HandleResult(ctx, refinement("second angle", 0.83))

	e.HandleResult(ctx, proposal("third angle", 0.82))

	res := pub.lastResult("client-1")
	require.NotNil(t, res)
	assert.Equal(t, models.OutcomeMerged, res.Outcome)
	// Contributors in order of first contribution.
	assert.Equal(t, []string{"worker_a", "arbitrator", "refiner"}, res.ContributingAgents)
}

func TestMaxRounds_ConcludesMerged(t *testing.T) {
	pub := newFakePublisher()
	e := newTestEngine(pub, nil)
	startTask(t, e, pub)
	ctx := context.Background()

	contents := []string{"angle one", "angle two", "angle three"}
	confidences := []float64{0.2, 0.5, 0.2}
	for round := 0; round < 3; round++ {
		e.HandleResult(ctx, proposal(contents[round], confidences[round]))
		e.HandleResult(ctx, critique("critique "+contents[round], confidences[round]))
		e.HandleResult(ctx, refinement("refined "+contents[round], confidences[round]))
	}

	res := pub.lastResult("client-1")
	require.NotNil(t, res)
	assert.Equal(t, models.OutcomeMerged, res.Outcome)
	assert.Zero(t, e.ActiveTasks())
}

func TestPrivilegedEscalate(t *testing.T) {
	pub := newFakePublisher()
	e := newTestEngine(pub, nil)
	startTask(t, e, pub)

	cancel := models.NewTaskResult("t1", "gateway", "client cancelled", "moderator", models.EventEscalate, models.OutcomeEscalated, nil)
	e.HandleResult(context.Background(), cancel)

	res := pub.lastResult("client-1")
	require.NotNil(t, res)
	assert.Equal(t, models.OutcomeEscalated, res.Outcome)
}

func TestUnprivilegedEscalateIgnored(t *testing.T) {
	pub := newFakePublisher()
	e := newTestEngine(pub, nil)
	startTask(t, e, pub)

	rogue := models.NewTaskResult("t1", "stranger", "give up", "moderator", models.EventEscalate, models.OutcomeEscalated, nil)
	e.HandleResult(context.Background(), rogue)

	assert.Equal(t, 1, e.ActiveTasks())
}

func TestSweeper_TimeoutEscalates(t *testing.T) {
	pub := newFakePublisher()
	sink := &fakeSink{}
	cfg := DefaultConfig()
	cfg.TaskTimeout = 10 * time.Millisecond
	e := NewEngine(cfg, pub, sink, func(context.Context, string, string, *models.Diagnostics) string { return "worker_a" }, nil)

	task := models.NewTask("t1", "client-1", "some work", "moderator", models.IntentStartTask, models.EventPlan, nil)
	require.NoError(t, e.StartTask(context.Background(), task))

	time.Sleep(20 * time.Millisecond)
	e.sweep(context.Background())

	res := pub.lastResult("client-1")
	require.NotNil(t, res)
	assert.Equal(t, models.OutcomeEscalated, res.Outcome)
	assert.Zero(t, e.ActiveTasks())
	assert.Equal(t, 1, sink.count())
}

func TestResultForUnknownTaskDropped(t *testing.T) {
	pub := newFakePublisher()
	e := newTestEngine(pub, nil)

	e.HandleResult(context.Background(), proposal("anything", 0.9))
	assert.Empty(t, pub.sentTo("arbitrator"))
	assert.Nil(t, pub.lastResult("client-1"))
}

func TestDuplicateTerminal_Idempotent(t *testing.T) {
	pub := newFakePublisher()
	sink := &fakeSink{}
	e := newTestEngine(pub, sink)
	startTask(t, e, pub)
	ctx := context.Background()

	e.HandleResult(ctx, proposal("answer", 0.7))
	e.HandleResult(ctx, critique("fine", 0.7))
	e.HandleResult(ctx, refinement("answer, refined", 0.95))
	// A straggler refinement after the terminal transition changes nothing.
	e.HandleResult(ctx, refinement("answer, refined", 0.95))

	terminal := 0
	for _, payload := range pub.sentTo("client-1") {
		if r, ok := payload.(*models.TaskResult); ok && r.Outcome == models.OutcomeCompleted {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	assert.Equal(t, 1, sink.count())
}

func TestCheckStatus_ActiveTask(t *testing.T) {
	pub := newFakePublisher()
	e := newTestEngine(pub, nil)
	startTask(t, e, pub)

	req := models.NewMessage("t1", "client-1", "how is it going", models.IntentCheckStatus)
	e.CheckStatus(context.Background(), req)

	sent := pub.sentTo("client-1")
	require.NotEmpty(t, sent)
	reply := sent[len(sent)-1].(*models.Message)
	assert.Contains(t, reply.Content, "status=plan")
}

func TestCheckStatus_UnknownTask(t *testing.T) {
	pub := newFakePublisher()
	e := newTestEngine(pub, nil)

	req := models.NewMessage("ghost", "client-1", "status?", models.IntentCheckStatus)
	e.CheckStatus(context.Background(), req)

	sent := pub.sentTo("client-1")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].(*models.Message).Content, "no active state")
}

func TestWorkerUnreachable_Escalates(t *testing.T) {
	pub := newFakePublisher()
	pub.fail["worker_a"] = true
	e := newTestEngine(pub, nil)

	task := models.NewTask("t1", "client-1", "do the thing", "moderator", models.IntentStartTask, models.EventPlan, nil)
	require.Error(t, e.StartTask(context.Background(), task))

	res := pub.lastResult("client-1")
	require.NotNil(t, res)
	assert.Equal(t, models.OutcomeEscalated, res.Outcome)
	assert.Zero(t, e.ActiveTasks())
}

func TestDigestNormalization(t *testing.T) {
	assert.Equal(t, digest("Hello   World"), digest("hello world"))
	assert.Equal(t, digest("A\tB\nC"), digest("a b c"))
	assert.NotEqual(t, digest("hello world"), digest("hello, world"))
}
