// Package agent implements the shared lifecycle every agent obeys:
// subscribe to its own channel, emit heartbeats, dispatch by intent on a
// task-partitioned worker pool, publish responses with retry, and drain
// gracefully on shutdown.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/m0r6aN/Manus-Killswitch/internal/bus"
	"github.com/m0r6aN/Manus-Killswitch/internal/concurrency"
	"github.com/m0r6aN/Manus-Killswitch/internal/heartbeat"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
	"github.com/m0r6aN/Manus-Killswitch/internal/observability"
)

// Capabilities is the behavior an agent plugs into the runtime. Handlers
// must honor ctx cancellation before starting new I/O.
type Capabilities interface {
	Name() string
	Notes() map[string]any
	OnMessage(ctx context.Context, msg *models.Message) error
	OnTask(ctx context.Context, task *models.Task) error
	OnTaskResult(ctx context.Context, res *models.TaskResult) error
	OnToolResponse(ctx context.Context, res *models.TaskResult) error
}

// Config tunes one runtime instance.
type Config struct {
	Workers           int
	QueueDepth        int
	DedupeSize        int
	HistorySize       int
	DrainTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	FrontendChannel   string
	DeadLetterChannel string
}

func DefaultRuntimeConfig() Config {
	return Config{
		Workers:           4,
		QueueDepth:        256,
		DedupeSize:        1024,
		HistorySize:       32,
		DrainTimeout:      10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTTL:      15 * time.Second,
		FrontendChannel:   "frontend_broadcast",
		DeadLetterChannel: "dead_letter",
	}
}

const (
	publishRetries = 3
	retryBaseDelay = 100 * time.Millisecond
)

// Runtime hosts one agent on the bus.
type Runtime struct {
	caps    Capabilities
	bus     bus.Bus
	cfg     Config
	log     *logrus.Logger
	metrics *observability.Collector

	dedupe  *dedupe
	history *historyStore
	pool    *concurrency.PartitionPool
}

func NewRuntime(caps Capabilities, b bus.Bus, cfg Config, metrics *observability.Collector, log *logrus.Logger) *Runtime {
	if log == nil {
		log = logrus.New()
	}
	if metrics == nil {
		metrics = observability.NewCollector()
	}
	return &Runtime{
		caps:    caps,
		bus:     b,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		dedupe:  newDedupe(cfg.DedupeSize),
		history: newHistoryStore(cfg.HistorySize),
		pool:    concurrency.NewPartitionPool(cfg.Workers, cfg.QueueDepth),
	}
}

// Name returns the hosted agent's name.
func (r *Runtime) Name() string { return r.caps.Name() }

// History exposes the task's conversation ring to capabilities.
func (r *Runtime) History(taskID string) []HistoryEntry { return r.history.Get(taskID) }

// ForgetTask drops per-task context after a terminal outcome.
func (r *Runtime) ForgetTask(taskID string) { r.history.Forget(taskID) }

// Run starts the agent and blocks until ctx is cancelled and in-flight
// handlers drain (bounded by DrainTimeout). A single bad message never
// terminates the agent; only subscription loss does.
func (r *Runtime) Run(ctx context.Context) error {
	name := r.caps.Name()
	sub, err := r.bus.Subscribe(ctx, models.ChannelFor(name))
	if err != nil {
		return fmt.Errorf("agent %s: subscribe: %w", name, err)
	}
	defer sub.Close()

	r.announce(ctx)

	emitter := heartbeat.NewEmitter(r.bus, name, r.cfg.HeartbeatInterval, r.cfg.HeartbeatTTL, r.log)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		emitter.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-runCtx.Done():
				return nil
			case payload, ok := <-sub.C():
				if !ok {
					return fmt.Errorf("agent %s: subscription closed", name)
				}
				r.handleRaw(runCtx, payload.Data)
			}
		}
	})

	err = g.Wait()

	// Stop accepting work and drain what is queued.
	if !r.pool.Drain(r.cfg.DrainTimeout) {
		r.log.WithField("agent", name).Warn("agent: drain timeout exceeded, abandoning queued work")
	}
	return err
}

// announce publishes the agent's initial notes to its own channel and the
// frontend.
func (r *Runtime) announce(ctx context.Context) {
	notes := r.caps.Notes()
	content, err := json.Marshal(notes)
	if err != nil {
		r.log.WithError(err).Warn("agent: notes not serializable")
		return
	}
	msg := models.NewMessage("system", r.caps.Name(), string(content), models.IntentChat)
	_ = r.publishValue(ctx, models.ChannelFor(r.caps.Name()), msg)
	_ = r.publishValue(ctx, r.cfg.FrontendChannel, msg)
}

// handleRaw decodes, validates, dedupes and enqueues one inbound payload.
func (r *Runtime) handleRaw(ctx context.Context, raw []byte) {
	name := r.caps.Name()

	decoded, kind, err := models.Decode(raw)
	if err != nil {
		r.deadLetter(ctx, raw, err.Error())
		return
	}

	var (
		base *models.Message
		errs []models.FieldError
	)
	switch v := decoded.(type) {
	case *models.TaskResult:
		base = &v.Message
		errs = v.Validate()
	case *models.Task:
		base = &v.Message
		errs = v.Validate()
	case *models.Message:
		base = v
		errs = v.Validate()
	}
	if len(errs) > 0 {
		r.deadLetter(ctx, raw, errs[0].Error())
		return
	}

	key := fmt.Sprintf("%s|%s|%d", base.TaskID, base.Intent, base.Timestamp.UnixNano())
	if r.dedupe.Seen(key) {
		r.log.WithFields(logrus.Fields{"agent": name, "task_id": base.TaskID}).Debug("agent: duplicate suppressed")
		return
	}

	r.history.Record(base.TaskID, base.Agent, base.Content, base.Timestamp)
	r.metrics.DispatchQueueDepth.WithLabelValues(name).Inc()

	err = r.pool.Submit(base.TaskID, func() {
		defer r.metrics.DispatchQueueDepth.WithLabelValues(name).Dec()
		r.dispatch(ctx, decoded, kind)
	})
	if err != nil {
		r.metrics.DispatchQueueDepth.WithLabelValues(name).Dec()
		r.metrics.DroppedEvents.WithLabelValues("agent:" + name).Inc()
		r.log.WithFields(logrus.Fields{"agent": name, "task_id": base.TaskID}).Warn("agent: dispatch queue full, message shed")
	}
}

// dispatch routes one decoded envelope to the matching capability handler.
// Handler panics and errors surface as an error payload to the sender;
// they never take the agent down.
func (r *Runtime) dispatch(ctx context.Context, decoded any, kind models.Kind) {
	var base *models.Message
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("agent: handler panicked")
			if base != nil {
				r.PublishError(ctx, base.TaskID, base.Agent, fmt.Sprintf("handler panic: %v", rec))
			}
		}
	}()

	var err error
	switch v := decoded.(type) {
	case *models.TaskResult:
		base = &v.Message
		if v.Intent == models.IntentToolExecute {
			err = r.caps.OnToolResponse(ctx, v)
		} else {
			err = r.caps.OnTaskResult(ctx, v)
		}
	case *models.Task:
		base = &v.Message
		err = r.caps.OnTask(ctx, v)
	case *models.Message:
		base = v
		err = r.caps.OnMessage(ctx, v)
	default:
		r.log.WithField("kind", kind).Warn("agent: undispatchable payload")
		return
	}
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"agent": r.caps.Name(), "task_id": base.TaskID}).Error("agent: handler failed")
		r.PublishError(ctx, base.TaskID, base.Agent, err.Error())
	}
}

// deadLetter publishes a diagnostic for an undecodable or invalid payload.
func (r *Runtime) deadLetter(ctx context.Context, raw []byte, reason string) {
	name := r.caps.Name()
	r.metrics.MalformedMessages.WithLabelValues(name).Inc()

	snippet := string(raw)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	diag, err := json.Marshal(map[string]any{
		"agent":     name,
		"reason":    reason,
		"payload":   snippet,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, r.cfg.DeadLetterChannel, diag); err != nil {
		r.log.WithError(err).Warn("agent: dead-letter publish failed")
		return
	}
	r.metrics.DeadLetters.WithLabelValues(name).Inc()
	r.log.WithFields(logrus.Fields{"agent": name, "reason": reason}).Warn("agent: malformed payload dead-lettered")
}

// publishValue encodes and publishes with a bounded retry. After the retry
// budget the error is surfaced to the caller.
func (r *Runtime) publishValue(ctx context.Context, channel string, v any) error {
	raw, err := models.Encode(v)
	if err != nil {
		return err
	}
	name := r.caps.Name()
	for attempt := 0; ; attempt++ {
		err = r.bus.Publish(ctx, channel, raw)
		if err == nil {
			return nil
		}
		if attempt >= publishRetries {
			break
		}
		r.metrics.PublishRetries.WithLabelValues(name).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBaseDelay << attempt):
		}
	}
	r.metrics.PublishErrors.WithLabelValues(name).Inc()
	r.log.WithError(err).WithFields(logrus.Fields{"agent": name, "channel": channel}).Error("agent: publish failed after retries")
	return err
}

// PublishToAgent delivers a payload to another agent's channel by name.
func (r *Runtime) PublishToAgent(ctx context.Context, agent string, payload any) error {
	return r.publishValue(ctx, models.ChannelFor(agent), payload)
}

// PublishToFrontend mirrors a payload to the UI broadcast channel.
func (r *Runtime) PublishToFrontend(ctx context.Context, payload any) error {
	return r.publishValue(ctx, r.cfg.FrontendChannel, payload)
}

// PublishToChannel publishes to an arbitrary channel (tool requests etc.).
func (r *Runtime) PublishToChannel(ctx context.Context, channel string, payload any) error {
	return r.publishValue(ctx, channel, payload)
}

// PublishError reports a failure for a task to the given agent and the UI.
func (r *Runtime) PublishError(ctx context.Context, taskID, target, content string) {
	res := models.NewTaskResult(taskID, r.caps.Name(), "Error: "+content, target, models.EventEscalate, models.OutcomeEscalated, nil)
	if target != "" && target != r.caps.Name() {
		_ = r.PublishToAgent(ctx, target, res)
	}
	_ = r.PublishToFrontend(ctx, res)
}

// PublishUpdate sends a non-terminal progress result to target and the UI.
func (r *Runtime) PublishUpdate(ctx context.Context, taskID, target, content string, event models.Event, confidence *float64) error {
	res := models.NewTaskResult(taskID, r.caps.Name(), content, target, event, models.OutcomeCompleted, nil)
	res.Confidence = confidence
	if err := r.PublishToAgent(ctx, target, res); err != nil {
		return err
	}
	return r.PublishToFrontend(ctx, res)
}

// PublishStream forwards one streaming event to the UI broadcast channel.
func (r *Runtime) PublishStream(ctx context.Context, ev *models.StreamEvent) error {
	return r.publishValue(ctx, r.cfg.FrontendChannel, ev)
}
