package agents

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/m0r6aN/Manus-Killswitch/internal/agent"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// Arbitrator critiques proposals distributed by the orchestrator.
type Arbitrator struct {
	name string
	gen  Generator
	rt   *agent.Runtime
	log  *logrus.Logger
}

func NewArbitrator(name string, gen Generator, log *logrus.Logger) *Arbitrator {
	if log == nil {
		log = logrus.New()
	}
	if gen == nil {
		gen = NewTemplateGenerator(name)
	}
	return &Arbitrator{name: name, gen: gen, log: log}
}

func (a *Arbitrator) Bind(rt *agent.Runtime) { a.rt = rt }

func (a *Arbitrator) Name() string { return a.name }

func (a *Arbitrator) Notes() map[string]any {
	return map[string]any{
		"agent":  a.name,
		"role":   "critic",
		"status": "active",
	}
}

// OnTask handles execute-stage critique requests.
func (a *Arbitrator) OnTask(ctx context.Context, task *models.Task) error {
	if task.Event != models.EventExecute {
		a.log.WithFields(logrus.Fields{"task_id": task.TaskID, "event": task.Event}).Debug("arbitrator: ignoring event")
		return nil
	}

	prompt := fmt.Sprintf("Critique the following proposal. Identify weaknesses and missing considerations.\n\n%s", task.Content)
	content, confidence, err := a.gen.Generate(ctx, prompt)
	if err != nil {
		return fmt.Errorf("arbitrator: generate: %w", err)
	}

	critique := models.NewTaskResult(task.TaskID, a.name, content, task.Agent, models.EventExecute, models.OutcomeCompleted, nil)
	critique.Confidence = models.Float64(confidence)
	return a.rt.PublishToAgent(ctx, task.Agent, critique)
}

func (a *Arbitrator) OnMessage(ctx context.Context, msg *models.Message) error { return nil }

func (a *Arbitrator) OnTaskResult(ctx context.Context, res *models.TaskResult) error {
	if res.Event.Terminal() {
		a.rt.ForgetTask(res.TaskID)
	}
	return nil
}

func (a *Arbitrator) OnToolResponse(ctx context.Context, res *models.TaskResult) error { return nil }
