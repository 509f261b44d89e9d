package agents

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/m0r6aN/Manus-Killswitch/internal/agent"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// Refiner folds critiques back into an improved answer.
type Refiner struct {
	name string
	gen  Generator
	rt   *agent.Runtime
	log  *logrus.Logger
}

func NewRefiner(name string, gen Generator, log *logrus.Logger) *Refiner {
	if log == nil {
		log = logrus.New()
	}
	if gen == nil {
		gen = NewTemplateGenerator(name)
	}
	return &Refiner{name: name, gen: gen, log: log}
}

func (r *Refiner) Bind(rt *agent.Runtime) { r.rt = rt }

func (r *Refiner) Name() string { return r.name }

func (r *Refiner) Notes() map[string]any {
	return map[string]any{
		"agent":  r.name,
		"role":   "refiner",
		"status": "active",
	}
}

// OnTask handles refine-stage requests, streaming the rewrite to the UI.
func (r *Refiner) OnTask(ctx context.Context, task *models.Task) error {
	if task.Event != models.EventRefine {
		r.log.WithFields(logrus.Fields{"task_id": task.TaskID, "event": task.Event}).Debug("refiner: ignoring event")
		return nil
	}

	prompt := fmt.Sprintf("Rewrite the answer incorporating the critique below. Keep what works, fix what does not.\n\n%s", task.Content)

	_ = r.rt.PublishStream(ctx, models.NewStreamStart(task.TaskID, r.name))
	content, confidence, err := r.gen.Stream(ctx, prompt, func(delta string) error {
		return r.rt.PublishStream(ctx, models.NewStreamUpdate(task.TaskID, r.name, delta))
	})
	if err != nil {
		return fmt.Errorf("refiner: generate: %w", err)
	}
	_ = r.rt.PublishStream(ctx, models.NewStreamEnd(task.TaskID, r.name, content))

	refined := models.NewTaskResult(task.TaskID, r.name, content, task.Agent, models.EventRefine, models.OutcomeCompleted, nil)
	refined.Confidence = models.Float64(confidence)
	return r.rt.PublishToAgent(ctx, task.Agent, refined)
}

func (r *Refiner) OnMessage(ctx context.Context, msg *models.Message) error { return nil }

func (r *Refiner) OnTaskResult(ctx context.Context, res *models.TaskResult) error {
	if res.Event.Terminal() {
		r.rt.ForgetTask(res.TaskID)
	}
	return nil
}

func (r *Refiner) OnToolResponse(ctx context.Context, res *models.TaskResult) error { return nil }
