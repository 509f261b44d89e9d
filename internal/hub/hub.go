// Package hub composes the effort estimator, the task router and the
// outcome log behind the operations the rest of the fabric calls: create
// and route a task, complete a task, report status.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/m0r6aN/Manus-Killswitch/internal/bus"
	"github.com/m0r6aN/Manus-Killswitch/internal/effort"
	"github.com/m0r6aN/Manus-Killswitch/internal/intelligence"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
	"github.com/m0r6aN/Manus-Killswitch/internal/observability"
	"github.com/m0r6aN/Manus-Killswitch/internal/orchestrator"
)

// Config tunes the hub's background maintenance.
type Config struct {
	Candidates       []string
	RetrainThreshold int
	RebuildInterval  time.Duration
	OutcomeLimit     int
	StatusChannel    string
}

func DefaultConfig() Config {
	return Config{
		Candidates:       []string{"worker_a", "worker_b"},
		RetrainThreshold: 50,
		RebuildInterval:  600 * time.Second,
		OutcomeLimit:     1000,
		StatusChannel:    "system_status",
	}
}

// activeTask tracks a routed task until its terminal outcome arrives.
type activeTask struct {
	content     string
	agent       string
	effort      models.Effort
	diagnostics *models.Diagnostics
	clusterID   int
	startedAt   time.Time
}

// Hub is the task intelligence facade. It owns the ClusterModel (via the
// router) and the OutcomeRecord log.
type Hub struct {
	cfg       Config
	estimator *effort.Estimator
	tuner     *effort.Tuner
	router    *intelligence.Router
	outcomes  *intelligence.OutcomeLog
	bus       bus.Bus
	metrics   *observability.Collector
	log       *logrus.Logger

	mu              sync.Mutex
	active          map[string]*activeTask
	effortCounts    map[models.Effort]int
	outcomesAtBuild int
	startedAt       time.Time
}

func New(cfg Config, estimator *effort.Estimator, tuner *effort.Tuner, router *intelligence.Router, b bus.Bus, metrics *observability.Collector, log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.New()
	}
	if metrics == nil {
		metrics = observability.NewCollector()
	}
	return &Hub{
		cfg:          cfg,
		estimator:    estimator,
		tuner:        tuner,
		router:       router,
		outcomes:     intelligence.NewOutcomeLog(cfg.OutcomeLimit),
		bus:          b,
		metrics:      metrics,
		log:          log,
		active:       make(map[string]*activeTask),
		effortCounts: make(map[models.Effort]int),
		startedAt:    time.Now().UTC(),
	}
}

// CreateAndRouteTask estimates effort, routes to the best candidate and
// returns the constructed Task ready for publishing. Deterministic for
// fixed inputs and a fixed router seed.
func (h *Hub) CreateAndRouteTask(ctx context.Context, content, requester string, intent models.Intent, event models.Event, confidence *float64) (*models.Task, *models.Diagnostics, string, error) {
	if content == "" {
		return nil, nil, "", fmt.Errorf("hub: task content must not be empty")
	}

	est, diag := h.estimator.Estimate(content, effort.Input{
		Event:      event,
		Intent:     intent,
		Confidence: confidence,
	})

	taskID := models.NewTaskID()
	target, decision := h.router.Route(ctx, taskID, content, diag, h.cfg.Candidates)

	task := models.NewTask(taskID, requester, content, target, intent, event, confidence)
	task.ReasoningEffort = est
	task.ReasoningStrategy = models.StrategyFor(est)
	task.Diagnostics = diag

	h.metrics.EffortCounts.WithLabelValues(string(est)).Inc()
	h.metrics.RouterMethods.WithLabelValues(decision.Method).Inc()

	h.mu.Lock()
	h.active[taskID] = &activeTask{
		content:     content,
		agent:       target,
		effort:      est,
		diagnostics: diag,
		clusterID:   decision.ClusterID,
		startedAt:   time.Now().UTC(),
	}
	h.effortCounts[est]++
	h.mu.Unlock()
	h.metrics.ActiveTasks.Inc()

	h.publishStatusEvent(ctx, "task_created", map[string]any{
		"task_id":          taskID,
		"agent":            requester,
		"target_agent":     target,
		"reasoning_effort": est,
		"routing_method":   decision.Method,
	})

	return task, diag, target, nil
}

// CompleteTask closes a task: builds the TaskResult, records the outcome
// into the estimator tuner, the router and the outcome log.
func (h *Hub) CompleteTask(ctx context.Context, taskID string, outcome models.Outcome, resultContent string, contributing []string) (*models.TaskResult, error) {
	h.mu.Lock()
	at, ok := h.active[taskID]
	if ok {
		delete(h.active, taskID)
	}
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("hub: unknown task %s", taskID)
	}
	h.metrics.ActiveTasks.Dec()

	duration := time.Since(at.startedAt)
	success := outcome.Success()

	result := models.NewTaskResult(taskID, at.agent, resultContent, at.agent, models.EventComplete, outcome, contributing)
	if outcome == models.OutcomeEscalated {
		result.Event = models.EventEscalate
	}
	result.ReasoningEffort = at.effort

	cluster := at.clusterID
	if cluster < 0 {
		cluster = h.router.PredictCluster(ctx, at.content, at.diagnostics)
	}

	h.tuner.Record(effort.Sample{
		TaskID:      taskID,
		Predicted:   at.effort,
		Diagnostics: at.diagnostics,
		Duration:    duration,
		Success:     success,
	})
	h.router.UpdateAgentStats(at.agent, duration, success, cluster)
	h.outcomes.Append(intelligence.OutcomeRecord{
		TaskID:          taskID,
		Content:         at.content,
		Diagnostics:     at.diagnostics,
		PredictedEffort: at.effort,
		Duration:        duration,
		Success:         success,
		ClusterID:       cluster,
		Agent:           at.agent,
		Timestamp:       time.Now().UTC(),
	})

	h.metrics.TaskOutcomes.WithLabelValues(string(outcome)).Inc()
	h.metrics.TaskDuration.WithLabelValues(string(outcome)).Observe(duration.Seconds())

	h.publishStatusEvent(ctx, "task_completed", map[string]any{
		"task_id":          taskID,
		"agent":            at.agent,
		"outcome":          outcome,
		"duration_sec":     duration.Seconds(),
		"reasoning_effort": at.effort,
	})

	return result, nil
}

// SystemStatus summarizes the hub for dashboards and the HTTP API.
func (h *Hub) SystemStatus() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	efforts := make(map[string]int, len(h.effortCounts))
	for k, v := range h.effortCounts {
		efforts[string(k)] = v
	}
	status := map[string]any{
		"started_at":          h.startedAt,
		"active_tasks":        len(h.active),
		"effort_distribution": efforts,
		"exploration_rate":    h.router.Epsilon(),
		"outcomes_recorded":   h.outcomes.Total(),
		"cluster_model_ready": h.router.HasModel(),
	}
	if last := h.router.LastRebuild(); !last.IsZero() {
		status["last_cluster_rebuild_at"] = last
	}
	return status
}

// RouterDecisions exposes recent routing decisions.
func (h *Hub) RouterDecisions(limit int) []intelligence.Decision {
	return h.router.Decisions(limit)
}

// Run performs periodic cluster rebuilds when enough new outcomes have
// accumulated since the last build.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.RebuildInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.MaybeRebuild(ctx)
		}
	}
}

// MaybeRebuild triggers a router rebuild if the outcome delta since the
// last build reaches the retrain threshold.
func (h *Hub) MaybeRebuild(ctx context.Context) {
	total := h.outcomes.Total()
	h.mu.Lock()
	delta := total - h.outcomesAtBuild
	h.mu.Unlock()
	if delta < h.cfg.RetrainThreshold {
		return
	}

	if err := h.router.Rebuild(ctx, h.outcomes.Snapshot()); err != nil {
		h.log.WithError(err).Warn("hub: cluster rebuild skipped")
		return
	}
	h.mu.Lock()
	h.outcomesAtBuild = total
	h.mu.Unlock()

	h.publishStatusEvent(ctx, "clustering_updated", map[string]any{
		"rebuilt_at": h.router.LastRebuild(),
	})
}

// TaskConcluded implements orchestrator.OutcomeSink: every terminal
// transition in the state machine feeds the estimator and the router.
func (h *Hub) TaskConcluded(ctx context.Context, result *models.TaskResult, _ *orchestrator.TaskState) {
	if _, err := h.CompleteTask(ctx, result.TaskID, result.Outcome, result.Content, result.ContributingAgents); err != nil {
		h.log.WithError(err).WithField("task_id", result.TaskID).Debug("hub: conclusion for untracked task")
	}
}

func (h *Hub) publishStatusEvent(ctx context.Context, eventType string, data map[string]any) {
	if h.bus == nil {
		return
	}
	frame, err := models.NewFrame(eventType, data)
	if err != nil {
		return
	}
	raw, err := models.Encode(frame)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, h.cfg.StatusChannel, raw); err != nil {
		h.log.WithError(err).Debug("hub: status event publish failed")
	}
}
