// Package orchestrator drives the debate protocol: plan, execute, refine,
// then a terminal complete or escalate, with loop detection, plateau
// resolution and a kill-switch for tasks that cannot make progress.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// Publisher sends payloads out on the bus; the agent runtime implements it.
type Publisher interface {
	PublishToAgent(ctx context.Context, agent string, payload any) error
	PublishToFrontend(ctx context.Context, payload any) error
}

// OutcomeSink receives every terminal TaskResult together with the closing
// state, for recording into the intelligence hub.
type OutcomeSink interface {
	TaskConcluded(ctx context.Context, result *models.TaskResult, state *TaskState)
}

// RouteFunc chooses the worker that receives the initial proposal request.
type RouteFunc func(ctx context.Context, taskID, content string, diag *models.Diagnostics) string

// Config tunes the state machine.
type Config struct {
	Name               string // orchestrator's own agent name
	CriticAgent        string
	RefinerAgent       string
	MaxRounds          int
	TaskTimeout        time.Duration
	PlateauDelta       float64
	PlateauWindow      int
	ConsensusThreshold float64
	HistoryLimit       int
	// PrivilegedSenders may force an escalate for any task.
	PrivilegedSenders []string
}

func DefaultConfig() Config {
	return Config{
		Name:               "moderator",
		CriticAgent:        "arbitrator",
		RefinerAgent:       "refiner",
		MaxRounds:          4,
		TaskTimeout:        300 * time.Second,
		PlateauDelta:       0.05,
		PlateauWindow:      3,
		ConsensusThreshold: 0.85,
		HistoryLimit:       10,
		PrivilegedSenders:  []string{"gateway", "coordinator"},
	}
}

// Engine owns all TaskState and is the source of truth for task lifecycle.
type Engine struct {
	cfg   Config
	pub   Publisher
	sink  OutcomeSink
	route RouteFunc
	log   *logrus.Logger

	tasks *stateMap
}

func NewEngine(cfg Config, pub Publisher, sink OutcomeSink, route RouteFunc, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	if route == nil {
		route = func(context.Context, string, string, *models.Diagnostics) string { return cfg.CriticAgent }
	}
	return &Engine{
		cfg:   cfg,
		pub:   pub,
		sink:  sink,
		route: route,
		log:   log,
		tasks: newStateMap(),
	}
}

// ActiveTasks reports how many tasks currently hold state.
func (e *Engine) ActiveTasks() int { return e.tasks.len() }

// StartTask validates the task, creates state and requests a proposal from
// the routed worker. Empty content is rejected with an error event and no
// state is created.
func (e *Engine) StartTask(ctx context.Context, task *models.Task) error {
	if errs := task.Validate(); len(errs) > 0 {
		e.publishError(ctx, task.TaskID, task.Agent, fmt.Sprintf("task rejected: %v", errs[0]))
		return fmt.Errorf("invalid task %s: %v", task.TaskID, errs[0])
	}
	if _, exists := e.tasks.get(task.TaskID); exists {
		e.log.WithField("task_id", task.TaskID).Warn("orchestrator: duplicate start_task ignored")
		return nil
	}

	state := newTaskState(task)
	state.Worker = e.route(ctx, task.TaskID, task.Content, task.Diagnostics)
	state.CurrentStep = "awaiting proposal"
	e.tasks.put(task.TaskID, state)

	req := models.NewTask(task.TaskID, e.cfg.Name, task.Content, state.Worker, models.IntentStartTask, models.EventPlan, task.Confidence)
	req.ReasoningEffort = task.ReasoningEffort
	req.ReasoningStrategy = task.ReasoningStrategy
	req.Diagnostics = task.Diagnostics

	if err := e.pub.PublishToAgent(ctx, state.Worker, req); err != nil {
		e.concludeEscalated(ctx, task.TaskID, state, fmt.Sprintf("could not reach worker %s", state.Worker))
		return err
	}
	e.log.WithFields(logrus.Fields{"task_id": task.TaskID, "worker": state.Worker}).Info("orchestrator: task started")
	return nil
}

// HandleResult advances the state machine with a worker/critic/refiner
// response. Results for unknown tasks are logged and dropped; the engine is
// the source of truth for task state.
func (e *Engine) HandleResult(ctx context.Context, res *models.TaskResult) {
	state, ok := e.tasks.get(res.TaskID)
	if !ok {
		e.log.WithFields(logrus.Fields{"task_id": res.TaskID, "sender": res.Agent}).Debug("orchestrator: result for unknown task dropped")
		return
	}

	// Privileged escalation short-circuits everything.
	if res.Event == models.EventEscalate && e.privileged(res.Agent) {
		e.concludeEscalated(ctx, res.TaskID, state, "escalated by "+res.Agent)
		return
	}

	d := digest(res.Content)
	state.observe(res.Agent, res.Event, d, e.cfg.HistoryLimit)

	// Loop detection on proposals: the first repeat forces a pivot refine,
	// a further repeat gives up and escalates.
	if res.Agent == state.Worker && state.noteDigest(res.Agent, d) {
		switch {
		case state.SimilarityHits >= 2:
			e.concludeEscalated(ctx, res.TaskID, state, fmt.Sprintf("worker %s repeated the same proposal %d times", res.Agent, state.SimilarityHits+1))
			return
		default:
			e.forcePivot(ctx, res, state)
			return
		}
	}

	switch {
	case res.Agent == state.Worker:
		e.onProposal(ctx, res, state)
	case res.Agent == e.cfg.CriticAgent:
		e.onCritique(ctx, res, state)
	case res.Agent == e.cfg.RefinerAgent:
		e.onRefinement(ctx, res, state)
	default:
		e.log.WithFields(logrus.Fields{"task_id": res.TaskID, "sender": res.Agent}).Warn("orchestrator: result from unexpected sender ignored")
	}
}

// onProposal forwards a worker proposal to the critic.
func (e *Engine) onProposal(ctx context.Context, res *models.TaskResult, state *TaskState) {
	state.Status = models.EventExecute
	state.CurrentStep = "awaiting critique"
	if res.Confidence != nil {
		state.pushConfidence(*res.Confidence, e.cfg.PlateauWindow)
	}
	if state.plateaued(e.cfg.PlateauWindow, e.cfg.PlateauDelta) {
		e.conclude(ctx, res.TaskID, state, models.OutcomeMerged, res.Content)
		return
	}

	critique := models.NewTask(res.TaskID, e.cfg.Name, res.Content, e.cfg.CriticAgent, models.IntentModifyTask, models.EventExecute, res.Confidence)
	if err := e.pub.PublishToAgent(ctx, e.cfg.CriticAgent, critique); err != nil {
		e.concludeEscalated(ctx, res.TaskID, state, "critic unreachable")
	}
}

// onCritique forwards the critique to the refiner.
func (e *Engine) onCritique(ctx context.Context, res *models.TaskResult, state *TaskState) {
	state.Status = models.EventRefine
	state.CurrentStep = "awaiting refinement"

	refine := models.NewTask(res.TaskID, e.cfg.Name, res.Content, e.cfg.RefinerAgent, models.IntentModifyTask, models.EventRefine, res.Confidence)
	if err := e.pub.PublishToAgent(ctx, e.cfg.RefinerAgent, refine); err != nil {
		e.concludeEscalated(ctx, res.TaskID, state, "refiner unreachable")
	}
}

// onRefinement closes a round: conclude on consensus, plateau or round
// exhaustion, otherwise loop the refined proposal back through the worker.
func (e *Engine) onRefinement(ctx context.Context, res *models.TaskResult, state *TaskState) {
	if res.Confidence != nil {
		state.pushConfidence(*res.Confidence, e.cfg.PlateauWindow)
	}

	if res.Confidence != nil && *res.Confidence >= e.cfg.ConsensusThreshold {
		e.conclude(ctx, res.TaskID, state, models.OutcomeCompleted, res.Content)
		return
	}
	if state.plateaued(e.cfg.PlateauWindow, e.cfg.PlateauDelta) {
		e.conclude(ctx, res.TaskID, state, models.OutcomeMerged, res.Content)
		return
	}
	if state.Round >= e.cfg.MaxRounds {
		if len(state.LastConfidences) > 0 {
			e.conclude(ctx, res.TaskID, state, models.OutcomeMerged, res.Content)
		} else {
			e.concludeEscalated(ctx, res.TaskID, state, "max rounds reached without any scored position")
		}
		return
	}

	state.Round++
	state.Status = models.EventExecute
	state.CurrentStep = "awaiting proposal"

	next := models.NewTask(res.TaskID, e.cfg.Name, res.Content, state.Worker, models.IntentModifyTask, models.EventExecute, res.Confidence)
	if err := e.pub.PublishToAgent(ctx, state.Worker, next); err != nil {
		e.concludeEscalated(ctx, res.TaskID, state, "worker unreachable")
	}
}

// forcePivot instructs the refiner to take a different angle after a
// repeated proposal.
func (e *Engine) forcePivot(ctx context.Context, res *models.TaskResult, state *TaskState) {
	state.Status = models.EventRefine
	state.CurrentStep = "awaiting pivot refinement"

	content := fmt.Sprintf("The previous proposal repeated itself. Pivot to a different approach.\n\n%s", res.Content)
	pivot := models.NewTask(res.TaskID, e.cfg.Name, content, e.cfg.RefinerAgent, models.IntentModifyTask, models.EventRefine, res.Confidence)
	if err := e.pub.PublishToAgent(ctx, e.cfg.RefinerAgent, pivot); err != nil {
		e.concludeEscalated(ctx, res.TaskID, state, "refiner unreachable during pivot")
		return
	}
	e.log.WithFields(logrus.Fields{"task_id": res.TaskID, "similarity_hits": state.SimilarityHits}).Warn("orchestrator: loop detected, forcing pivot")
}

// CheckStatus answers a check_status request from the engine's state.
func (e *Engine) CheckStatus(ctx context.Context, msg *models.Message) {
	state, ok := e.tasks.get(msg.TaskID)
	if !ok {
		reply := models.NewMessage(msg.TaskID, e.cfg.Name, "no active state for task (already concluded or never started)", models.IntentChat)
		reply.TargetAgent = msg.Agent
		_ = e.pub.PublishToAgent(ctx, msg.Agent, reply)
		_ = e.pub.PublishToFrontend(ctx, reply)
		return
	}
	content := fmt.Sprintf("status=%s step=%q round=%d contributors=%v", state.Status, state.CurrentStep, state.Round, state.Contributors())
	reply := models.NewMessage(msg.TaskID, e.cfg.Name, content, models.IntentChat)
	reply.TargetAgent = msg.Agent
	_ = e.pub.PublishToAgent(ctx, msg.Agent, reply)
	_ = e.pub.PublishToFrontend(ctx, reply)
}

// Escalate applies the kill-switch to one task.
func (e *Engine) Escalate(ctx context.Context, taskID, reason string) {
	if state, ok := e.tasks.get(taskID); ok {
		e.concludeEscalated(ctx, taskID, state, reason)
	}
}

// RunSweeper applies the kill-switch to timed-out or runaway tasks.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	now := time.Now().UTC()
	for _, id := range e.tasks.ids() {
		state, ok := e.tasks.get(id)
		if !ok {
			continue
		}
		switch {
		case now.Sub(state.CreatedAt) > e.cfg.TaskTimeout:
			e.concludeEscalated(ctx, id, state, "task exceeded its wall-clock timeout")
		case state.Round > 2*e.cfg.MaxRounds:
			e.concludeEscalated(ctx, id, state, "round count exceeded twice the configured maximum")
		}
	}
}

// conclude publishes the terminal TaskResult, records the outcome and
// deletes the state. Deleting first makes duplicate terminal publishes
// idempotent: the second call finds no state and is dropped upstream.
func (e *Engine) conclude(ctx context.Context, taskID string, state *TaskState, outcome models.Outcome, content string) {
	if !e.tasks.remove(taskID) {
		e.log.WithField("task_id", taskID).Debug("orchestrator: duplicate terminal transition ignored")
		return
	}

	event := models.EventComplete
	if outcome == models.OutcomeEscalated {
		event = models.EventEscalate
	}
	result := models.NewTaskResult(taskID, e.cfg.Name, content, state.OriginalRequester, event, outcome, state.Contributors())

	if err := e.pub.PublishToAgent(ctx, state.OriginalRequester, result); err != nil {
		e.log.WithError(err).WithField("task_id", taskID).Error("orchestrator: could not deliver terminal result")
	}
	_ = e.pub.PublishToFrontend(ctx, result)

	if e.sink != nil {
		e.sink.TaskConcluded(ctx, result, state)
	}
	e.log.WithFields(logrus.Fields{"task_id": taskID, "outcome": outcome, "rounds": state.Round}).Info("orchestrator: task concluded")
}

func (e *Engine) concludeEscalated(ctx context.Context, taskID string, state *TaskState, reason string) {
	e.conclude(ctx, taskID, state, models.OutcomeEscalated, reason)
}

func (e *Engine) publishError(ctx context.Context, taskID, requester, reason string) {
	res := models.NewTaskResult(taskID, e.cfg.Name, reason, requester, models.EventEscalate, models.OutcomeEscalated, nil)
	_ = e.pub.PublishToAgent(ctx, requester, res)
	_ = e.pub.PublishToFrontend(ctx, res)
}

func (e *Engine) privileged(sender string) bool {
	if sender == e.cfg.Name {
		return true
	}
	for _, p := range e.cfg.PrivilegedSenders {
		if p == sender {
			return true
		}
	}
	return false
}
