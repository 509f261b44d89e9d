package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/m0r6aN/Manus-Killswitch/internal/agent"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// WorkflowGenerator decomposes a goal into an ordered step plan that the
// orchestrator can feed through the debate one step at a time.
type WorkflowGenerator struct {
	name string
	gen  Generator
	rt   *agent.Runtime
	log  *logrus.Logger
}

func NewWorkflowGenerator(name string, gen Generator, log *logrus.Logger) *WorkflowGenerator {
	if log == nil {
		log = logrus.New()
	}
	if gen == nil {
		gen = NewTemplateGenerator(name)
	}
	return &WorkflowGenerator{name: name, gen: gen, log: log}
}

func (w *WorkflowGenerator) Bind(rt *agent.Runtime) { w.rt = rt }

func (w *WorkflowGenerator) Name() string { return w.name }

func (w *WorkflowGenerator) Notes() map[string]any {
	return map[string]any{
		"agent":  w.name,
		"role":   "workflow-generator",
		"status": "active",
	}
}

// OnTask turns a plan request into a numbered step list and returns it to
// the requester.
func (w *WorkflowGenerator) OnTask(ctx context.Context, task *models.Task) error {
	if task.Event != models.EventPlan {
		w.log.WithFields(logrus.Fields{"task_id": task.TaskID, "event": task.Event}).Debug("workflow: ignoring event")
		return nil
	}

	prompt := fmt.Sprintf("Break the following goal into a short numbered list of executable steps:\n\n%s", task.Content)
	content, confidence, err := w.gen.Generate(ctx, prompt)
	if err != nil {
		return fmt.Errorf("workflow: generate: %w", err)
	}
	if !strings.Contains(content, "1.") {
		content = "1. " + content
	}

	plan := models.NewTaskResult(task.TaskID, w.name, content, task.Agent, models.EventExecute, models.OutcomeCompleted, nil)
	plan.Confidence = models.Float64(confidence)
	return w.rt.PublishToAgent(ctx, task.Agent, plan)
}

func (w *WorkflowGenerator) OnMessage(ctx context.Context, msg *models.Message) error { return nil }

func (w *WorkflowGenerator) OnTaskResult(ctx context.Context, res *models.TaskResult) error {
	return nil
}

func (w *WorkflowGenerator) OnToolResponse(ctx context.Context, res *models.TaskResult) error {
	return nil
}
