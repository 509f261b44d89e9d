package agents

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/m0r6aN/Manus-Killswitch/internal/agent"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
	"github.com/m0r6aN/Manus-Killswitch/internal/orchestrator"
)

// Moderator hosts the orchestrator state machine. All task lifecycle
// messages flow through its channel.
type Moderator struct {
	name   string
	cfg    orchestrator.Config
	sink   orchestrator.OutcomeSink
	route  orchestrator.RouteFunc
	log    *logrus.Logger
	engine *orchestrator.Engine
}

func NewModerator(cfg orchestrator.Config, sink orchestrator.OutcomeSink, route orchestrator.RouteFunc, log *logrus.Logger) *Moderator {
	if log == nil {
		log = logrus.New()
	}
	return &Moderator{name: cfg.Name, cfg: cfg, sink: sink, route: route, log: log}
}

// Bind attaches the runtime and builds the engine with it as publisher.
func (m *Moderator) Bind(rt *agent.Runtime) {
	m.engine = orchestrator.NewEngine(m.cfg, rt, m.sink, m.route, m.log)
}

// Engine exposes the state machine for the sweeper and for status queries.
func (m *Moderator) Engine() *orchestrator.Engine { return m.engine }

func (m *Moderator) Name() string { return m.name }

func (m *Moderator) Notes() map[string]any {
	return map[string]any{
		"agent":  m.name,
		"role":   "orchestrator",
		"status": "active",
	}
}

func (m *Moderator) OnTask(ctx context.Context, task *models.Task) error {
	switch task.Intent {
	case models.IntentStartTask:
		return m.engine.StartTask(ctx, task)
	case models.IntentModifyTask:
		// Continuations arrive as Tasks when a client modifies an ongoing
		// task; the engine answers with the task's current status. The
		// continuation content is not forwarded to the worker.
		m.engine.CheckStatus(ctx, &task.Message)
		return nil
	}
	m.log.WithFields(logrus.Fields{"task_id": task.TaskID, "intent": task.Intent}).Debug("moderator: task intent ignored")
	return nil
}

func (m *Moderator) OnTaskResult(ctx context.Context, res *models.TaskResult) error {
	m.engine.HandleResult(ctx, res)
	return nil
}

func (m *Moderator) OnMessage(ctx context.Context, msg *models.Message) error {
	if msg.Intent == models.IntentCheckStatus {
		m.engine.CheckStatus(ctx, msg)
	}
	return nil
}

func (m *Moderator) OnToolResponse(ctx context.Context, res *models.TaskResult) error {
	// Tool output re-enters the debate as a worker-equivalent result.
	m.engine.HandleResult(ctx, res)
	return nil
}
