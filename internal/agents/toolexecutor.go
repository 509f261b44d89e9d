package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/m0r6aN/Manus-Killswitch/internal/agent"
	"github.com/m0r6aN/Manus-Killswitch/internal/bus"
	"github.com/m0r6aN/Manus-Killswitch/internal/concurrency"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// maxConcurrentToolRuns bounds in-flight sandbox submissions.
const maxConcurrentToolRuns = 8

// ToolExecutor bridges the bus to the opaque tool sandbox behind an HTTP
// facade: submit job, read result, publish completion to the requester.
type ToolExecutor struct {
	name   string
	apiURL string
	client *http.Client
	rt     *agent.Runtime
	sem    *concurrency.Semaphore
	log    *logrus.Logger
}

func NewToolExecutor(name, apiURL string, timeout time.Duration, log *logrus.Logger) *ToolExecutor {
	if log == nil {
		log = logrus.New()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ToolExecutor{
		name:   name,
		apiURL: apiURL,
		client: &http.Client{Timeout: timeout},
		sem:    concurrency.NewSemaphore(maxConcurrentToolRuns),
		log:    log,
	}
}

func (t *ToolExecutor) Bind(rt *agent.Runtime) { t.rt = rt }

func (t *ToolExecutor) Name() string { return t.name }

func (t *ToolExecutor) Notes() map[string]any {
	return map[string]any{
		"agent":  t.name,
		"role":   "tool-executor",
		"status": "active",
		"api":    t.apiURL,
	}
}

// RunRequestListener also consumes the shared tool_requests channel, which
// callers use when they do not address the executor by name.
func (t *ToolExecutor) RunRequestListener(ctx context.Context, b bus.Bus, channel string) error {
	sub, err := b.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("toolexecutor: subscribe %s: %w", channel, err)
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("toolexecutor: %s subscription closed", channel)
			}
			decoded, kind, err := models.Decode(payload.Data)
			if err != nil || kind != models.KindTask {
				continue
			}
			if err := t.OnTask(ctx, decoded.(*models.Task)); err != nil {
				t.log.WithError(err).Warn("toolexecutor: request failed")
			}
		}
	}
}

// OnTask executes tool_execute requests and answers tool_suggest queries.
// The task content for execution is JSON: {"tool_name": ..., "parameters": {...}}.
func (t *ToolExecutor) OnTask(ctx context.Context, task *models.Task) error {
	switch task.Intent {
	case models.IntentToolExecute:
		return t.execute(ctx, task)
	case models.IntentToolSuggest:
		return t.suggest(ctx, task)
	}
	t.log.WithFields(logrus.Fields{"task_id": task.TaskID, "intent": task.Intent}).Debug("toolexecutor: intent ignored")
	return nil
}

func (t *ToolExecutor) execute(ctx context.Context, task *models.Task) error {
	toolName := gjson.Get(task.Content, "tool_name").String()
	if toolName == "" {
		return fmt.Errorf("tool_execute request without tool_name")
	}
	params := gjson.Get(task.Content, "parameters").Raw
	if params == "" {
		params = "{}"
	}

	if err := t.sem.Acquire(ctx); err != nil {
		return err
	}
	defer t.sem.Release()

	// Keep the requester and the UI aware the sandbox is working.
	_ = t.rt.PublishUpdate(ctx, task.TaskID, task.Agent, fmt.Sprintf("executing tool %q", toolName), models.EventExecute, nil)

	body := fmt.Sprintf(`{"tool_name":%q,"parameters":%s,"requesting_agent":%q,"task_id":%q}`,
		toolName, params, task.Agent, task.TaskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL+"/execute/", bytes.NewBufferString(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("tool API unreachable: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tool API response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := gjson.GetBytes(data, "detail").String()
		if detail == "" {
			detail = string(data)
		}
		return fmt.Errorf("tool API status %d: %s", resp.StatusCode, detail)
	}

	switch gjson.GetBytes(data, "status").String() {
	case "completed":
		result := gjson.GetBytes(data, "result").String()
		out := models.NewTaskResult(task.TaskID, t.name, result, task.Agent, models.EventComplete, models.OutcomeCompleted, []string{t.name})
		out.Intent = models.IntentToolExecute
		return t.rt.PublishToAgent(ctx, task.Agent, out)
	case "failed":
		return fmt.Errorf("tool %q failed: %s", toolName, gjson.GetBytes(data, "error").String())
	default:
		// Accepted for async execution; the sandbox publishes the
		// completion to the requester's channel itself.
		t.log.WithFields(logrus.Fields{"task_id": task.TaskID, "tool": toolName}).Info("toolexecutor: job accepted, awaiting async result")
		return nil
	}
}

func (t *ToolExecutor) suggest(ctx context.Context, task *models.Task) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiURL+"/tools/", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("tool API unreachable: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var names []string
	gjson.GetBytes(data, "#.name").ForEach(func(_, v gjson.Result) bool {
		names = append(names, v.String())
		return true
	})
	listing, _ := json.Marshal(names)

	reply := models.NewMessage(task.TaskID, t.name, string(listing), models.IntentToolSuggest)
	reply.TargetAgent = task.Agent
	return t.rt.PublishToAgent(ctx, task.Agent, reply)
}

func (t *ToolExecutor) OnMessage(ctx context.Context, msg *models.Message) error { return nil }

func (t *ToolExecutor) OnTaskResult(ctx context.Context, res *models.TaskResult) error { return nil }

func (t *ToolExecutor) OnToolResponse(ctx context.Context, res *models.TaskResult) error { return nil }
