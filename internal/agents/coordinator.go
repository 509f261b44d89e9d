package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/m0r6aN/Manus-Killswitch/internal/agent"
	"github.com/m0r6aN/Manus-Killswitch/internal/bus"
	"github.com/m0r6aN/Manus-Killswitch/internal/heartbeat"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// Coordinator monitors fleet readiness. It runs the heartbeat monitor loop
// and answers status questions over chat.
type Coordinator struct {
	name    string
	monitor *heartbeat.Monitor
	rt      *agent.Runtime
	log     *logrus.Logger
}

func NewCoordinator(name string, b bus.Bus, required []string, interval time.Duration, statusChannel, frontendChannel string, log *logrus.Logger) *Coordinator {
	if log == nil {
		log = logrus.New()
	}
	return &Coordinator{
		name:    name,
		monitor: heartbeat.NewMonitor(b, required, interval, statusChannel, frontendChannel, log),
		log:     log,
	}
}

func (c *Coordinator) Bind(rt *agent.Runtime) { c.rt = rt }

func (c *Coordinator) Name() string { return c.name }

func (c *Coordinator) Notes() map[string]any {
	return map[string]any{
		"agent":  c.name,
		"role":   "coordinator",
		"status": "active",
	}
}

// Monitor exposes the readiness monitor for startup gating.
func (c *Coordinator) Monitor() *heartbeat.Monitor { return c.monitor }

// RunMonitor publishes readiness on the periodic tick and on transitions.
// Runs alongside the agent runtime.
func (c *Coordinator) RunMonitor(ctx context.Context, interval time.Duration) {
	tick := interval / 2
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.monitor.Publish(ctx, true)
		}
	}
}

// OnMessage answers "status" chat with a readiness summary.
func (c *Coordinator) OnMessage(ctx context.Context, msg *models.Message) error {
	if !strings.Contains(strings.ToLower(msg.Content), "status") {
		reply := models.NewMessage(msg.TaskID, c.name, "coordinator acknowledges", models.IntentChat)
		reply.TargetAgent = msg.Agent
		return c.rt.PublishToAgent(ctx, msg.Agent, reply)
	}

	status, _ := c.monitor.Check(ctx)
	var missing []string
	for agentName, state := range status.AgentStatus {
		if state != "online" {
			missing = append(missing, agentName)
		}
	}
	content := fmt.Sprintf("system ready: %t, offline: %v", status.SystemReady, missing)
	reply := models.NewMessage(msg.TaskID, c.name, content, models.IntentChat)
	reply.TargetAgent = msg.Agent
	if err := c.rt.PublishToAgent(ctx, msg.Agent, reply); err != nil {
		return err
	}
	return c.rt.PublishToFrontend(ctx, reply)
}

func (c *Coordinator) OnTask(ctx context.Context, task *models.Task) error {
	c.rt.PublishError(ctx, task.TaskID, task.Agent, "coordinator does not accept tasks")
	return nil
}

func (c *Coordinator) OnTaskResult(ctx context.Context, res *models.TaskResult) error { return nil }

func (c *Coordinator) OnToolResponse(ctx context.Context, res *models.TaskResult) error { return nil }
