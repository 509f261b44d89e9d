package agents

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/m0r6aN/Manus-Killswitch/internal/agent"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// Worker is a proposer: it answers plan and execute requests from the
// orchestrator, streaming partial output to the UI while it generates.
type Worker struct {
	name string
	gen  Generator
	rt   *agent.Runtime
	log  *logrus.Logger
}

func NewWorker(name string, gen Generator, log *logrus.Logger) *Worker {
	if log == nil {
		log = logrus.New()
	}
	if gen == nil {
		gen = NewTemplateGenerator(name)
	}
	return &Worker{name: name, gen: gen, log: log}
}

// Bind attaches the runtime after construction; the runtime needs the
// capabilities first, so wiring happens in two steps.
func (w *Worker) Bind(rt *agent.Runtime) { w.rt = rt }

func (w *Worker) Name() string { return w.name }

func (w *Worker) Notes() map[string]any {
	return map[string]any{
		"agent":  w.name,
		"role":   "worker",
		"status": "active",
	}
}

// OnTask produces a proposal for plan/execute requests and sends it back to
// the requester (the orchestrator), streaming deltas to the UI as it goes.
func (w *Worker) OnTask(ctx context.Context, task *models.Task) error {
	switch task.Event {
	case models.EventPlan, models.EventExecute:
	default:
		w.log.WithFields(logrus.Fields{"task_id": task.TaskID, "event": task.Event}).Debug("worker: ignoring event")
		return nil
	}

	_ = w.rt.PublishStream(ctx, models.NewStreamStart(task.TaskID, w.name))
	content, confidence, err := w.gen.Stream(ctx, task.Content, func(delta string) error {
		return w.rt.PublishStream(ctx, models.NewStreamUpdate(task.TaskID, w.name, delta))
	})
	if err != nil {
		return fmt.Errorf("worker %s: generate: %w", w.name, err)
	}
	_ = w.rt.PublishStream(ctx, models.NewStreamEnd(task.TaskID, w.name, content))

	proposal := models.NewTaskResult(task.TaskID, w.name, content, task.Agent, models.EventExecute, models.OutcomeCompleted, nil)
	proposal.Confidence = models.Float64(confidence)
	return w.rt.PublishToAgent(ctx, task.Agent, proposal)
}

func (w *Worker) OnMessage(ctx context.Context, msg *models.Message) error {
	w.log.WithFields(logrus.Fields{"task_id": msg.TaskID, "from": msg.Agent}).Debug("worker: chat ignored")
	return nil
}

func (w *Worker) OnTaskResult(ctx context.Context, res *models.TaskResult) error {
	if res.Event.Terminal() {
		w.rt.ForgetTask(res.TaskID)
	}
	return nil
}

func (w *Worker) OnToolResponse(ctx context.Context, res *models.TaskResult) error {
	// Fold the tool output into a fresh proposal for the orchestrator.
	proposal := models.NewTaskResult(res.TaskID, w.name, res.Content, res.Agent, models.EventExecute, models.OutcomeCompleted, nil)
	proposal.Confidence = models.Float64(0.95)
	return w.rt.PublishToAgent(ctx, res.Agent, proposal)
}
