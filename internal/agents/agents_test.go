package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m0r6aN/Manus-Killswitch/internal/agent"
	"github.com/m0r6aN/Manus-Killswitch/internal/bus"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

type bindable interface {
	agent.Capabilities
	Bind(*agent.Runtime)
}

func runAgent(t *testing.T, b bus.Bus, caps bindable) {
	t.Helper()
	cfg := agent.DefaultRuntimeConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTTL = 150 * time.Millisecond
	rt := agent.NewRuntime(caps, b, cfg, nil, nil)
	caps.Bind(rt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("agent did not stop")
		}
	})
	time.Sleep(20 * time.Millisecond)
}

func publishTo(t *testing.T, b bus.Bus, channel string, v any) {
	t.Helper()
	raw, err := models.Encode(v)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), channel, raw))
}

// collect drains decodable envelopes from a subscription until timeout.
type collector struct {
	mu    sync.Mutex
	items []any
}

func collectFrom(t *testing.T, b bus.Bus, channel string) *collector {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), channel)
	require.NoError(t, err)
	c := &collector{}
	go func() {
		for p := range sub.C() {
			if decoded, _, err := models.Decode(p.Data); err == nil {
				c.mu.Lock()
				c.items = append(c.items, decoded)
				c.mu.Unlock()
			}
		}
	}()
	t.Cleanup(func() { _ = sub.Close() })
	return c
}

func (c *collector) results() []*models.TaskResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*models.TaskResult
	for _, it := range c.items {
		if r, ok := it.(*models.TaskResult); ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *collector) messages() []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*models.Message
	for _, it := range c.items {
		if m, ok := it.(*models.Message); ok {
			out = append(out, m)
		}
	}
	return out
}

func TestWorker_StreamsProposal(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()

	front, err := b.Subscribe(context.Background(), "frontend_broadcast")
	require.NoError(t, err)
	mod := collectFrom(t, b, "moderator_channel")

	runAgent(t, b, NewWorker("worker_a", nil, nil))

	task := models.NewTask("t1", "moderator", "Summarize the text 'hello world' in one sentence.", "worker_a", models.IntentStartTask, models.EventPlan, nil)
	publishTo(t, b, "worker_a_channel", task)

	// Gather stream events for (t1, worker_a) until stream_end.
	var events []models.StreamEvent
	deadline := time.After(3 * time.Second)
	for {
		var ev models.StreamEvent
		var got bool
		select {
		case p := <-front.C():
			if json.Unmarshal(p.Data, &ev) == nil && ev.Event != "" && ev.Data.TaskID == "t1" {
				events = append(events, ev)
				got = true
			}
		case <-deadline:
			t.Fatal("stream never completed")
		}
		if got && ev.Event == models.StreamEnd {
			break
		}
	}

	// stream_start first, stream_end last, deltas concatenate to content.
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, models.StreamStart, events[0].Event)
	assert.Equal(t, models.StreamEnd, events[len(events)-1].Event)
	var assembled strings.Builder
	for _, ev := range events[1 : len(events)-1] {
		require.Equal(t, models.StreamUpdate, ev.Event)
		assembled.WriteString(ev.Data.Delta)
	}
	assert.Equal(t, events[len(events)-1].Data.Content, assembled.String())

	// The proposal lands on the orchestrator channel with the same content.
	require.Eventually(t, func() bool { return len(mod.results()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	proposal := mod.results()[0]
	assert.Equal(t, "worker_a", proposal.Agent)
	assert.Equal(t, assembled.String(), proposal.Content)
	require.NotNil(t, proposal.Confidence)
}

func TestWorker_IgnoresRefineEvents(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()
	mod := collectFrom(t, b, "moderator_channel")

	runAgent(t, b, NewWorker("worker_a", nil, nil))

	task := models.NewTask("t1", "moderator", "irrelevant", "worker_a", models.IntentModifyTask, models.EventRefine, nil)
	publishTo(t, b, "worker_a_channel", task)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, mod.results())
}

func TestArbitrator_CritiquesExecuteRequests(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()
	mod := collectFrom(t, b, "moderator_channel")

	runAgent(t, b, NewArbitrator("arbitrator", nil, nil))

	task := models.NewTask("t1", "moderator", "proposal under review", "arbitrator", models.IntentModifyTask, models.EventExecute, models.Float64(0.7))
	publishTo(t, b, "arbitrator_channel", task)

	require.Eventually(t, func() bool { return len(mod.results()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	critique := mod.results()[0]
	assert.Equal(t, "arbitrator", critique.Agent)
	assert.Equal(t, models.EventExecute, critique.Event)
	assert.NotEmpty(t, critique.Content)
}

func TestRefiner_RefinesAndStreams(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()
	mod := collectFrom(t, b, "moderator_channel")

	runAgent(t, b, NewRefiner("refiner", nil, nil))

	task := models.NewTask("t1", "moderator", "critique to fold in", "refiner", models.IntentModifyTask, models.EventRefine, models.Float64(0.7))
	publishTo(t, b, "refiner_channel", task)

	require.Eventually(t, func() bool { return len(mod.results()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	refined := mod.results()[0]
	assert.Equal(t, models.EventRefine, refined.Event)
	require.NotNil(t, refined.Confidence)
}

func TestToolExecutor_SyncCompletion(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/execute/", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "echo", req["tool_name"])
		assert.Equal(t, "t1", req["task_id"])
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "completed", "result": "tool says hi"})
	}))
	defer server.Close()

	requester := collectFrom(t, b, "worker_a_channel")
	runAgent(t, b, NewToolExecutor("toolexecutor", server.URL, 5*time.Second, nil))

	task := models.NewTask("t1", "worker_a", `{"tool_name":"echo","parameters":{"text":"hi"}}`, "toolexecutor", models.IntentToolExecute, models.EventExecute, nil)
	publishTo(t, b, "toolexecutor_channel", task)

	require.Eventually(t, func() bool {
		for _, r := range requester.results() {
			if r.Intent == models.IntentToolExecute && r.Outcome == models.OutcomeCompleted {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	var final *models.TaskResult
	for _, r := range requester.results() {
		if r.Intent == models.IntentToolExecute {
			final = r
		}
	}
	require.NotNil(t, final)
	assert.Equal(t, "tool says hi", final.Content)
	assert.Equal(t, []string{"toolexecutor"}, final.ContributingAgents)
}

func TestToolExecutor_FailurePublishesError(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "failed", "error": "sandbox exploded"})
	}))
	defer server.Close()

	requester := collectFrom(t, b, "worker_a_channel")
	runAgent(t, b, NewToolExecutor("toolexecutor", server.URL, 5*time.Second, nil))

	task := models.NewTask("t1", "worker_a", `{"tool_name":"echo"}`, "toolexecutor", models.IntentToolExecute, models.EventExecute, nil)
	publishTo(t, b, "toolexecutor_channel", task)

	require.Eventually(t, func() bool {
		for _, r := range requester.results() {
			if r.Outcome == models.OutcomeEscalated {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestToolExecutor_RequestListener(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "completed", "result": "ok"})
	}))
	defer server.Close()

	requester := collectFrom(t, b, "worker_a_channel")
	te := NewToolExecutor("toolexecutor", server.URL, 5*time.Second, nil)
	runAgent(t, b, te)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = te.RunRequestListener(ctx, b, "tool_requests") }()
	time.Sleep(20 * time.Millisecond)

	task := models.NewTask("t1", "worker_a", `{"tool_name":"echo"}`, "toolexecutor", models.IntentToolExecute, models.EventExecute, nil)
	publishTo(t, b, "tool_requests", task)

	require.Eventually(t, func() bool { return len(requester.results()) >= 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestCoordinator_StatusChat(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.SetWithTTL(ctx, models.HeartbeatKey("worker_a"), "alive", time.Minute))

	client := collectFrom(t, b, "client-1_channel")
	runAgent(t, b, NewCoordinator("coordinator", b, []string{"worker_a", "ghost"}, 5*time.Second, "system_status", "frontend_broadcast", nil))

	msg := models.NewMessage("t1", "client-1", "what is the system status?", models.IntentChat)
	publishTo(t, b, "coordinator_channel", msg)

	require.Eventually(t, func() bool { return len(client.messages()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	reply := client.messages()[0]
	assert.Contains(t, reply.Content, "system ready: false")
	assert.Contains(t, reply.Content, "ghost")
}

func TestCoordinator_RejectsTasks(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()

	client := collectFrom(t, b, "client-1_channel")
	runAgent(t, b, NewCoordinator("coordinator", b, nil, 5*time.Second, "system_status", "frontend_broadcast", nil))

	task := models.NewTask("t1", "client-1", "do work", "coordinator", models.IntentStartTask, models.EventPlan, nil)
	publishTo(t, b, "coordinator_channel", task)

	require.Eventually(t, func() bool {
		for _, r := range client.results() {
			if r.Outcome == models.OutcomeEscalated {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkflowGenerator_PlansSteps(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()
	mod := collectFrom(t, b, "moderator_channel")

	runAgent(t, b, NewWorkflowGenerator("workflowgen", nil, nil))

	task := models.NewTask("t1", "moderator", "ship the release", "workflowgen", models.IntentStartTask, models.EventPlan, nil)
	publishTo(t, b, "workflowgen_channel", task)

	require.Eventually(t, func() bool { return len(mod.results()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	plan := mod.results()[0]
	assert.Contains(t, plan.Content, "1.")
}

func TestTemplateGenerator_StreamMatchesGenerate(t *testing.T) {
	g := NewTemplateGenerator("worker_a")
	want, wantConf, err := g.Generate(context.Background(), "say something")
	require.NoError(t, err)

	var assembled strings.Builder
	got, gotConf, err := g.Stream(context.Background(), "say something", func(delta string) error {
		assembled.WriteString(delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, want, assembled.String())
	assert.Equal(t, wantConf, gotConf)
}
