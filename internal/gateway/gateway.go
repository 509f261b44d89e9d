// Package gateway terminates WebSocket clients: it fans client input into
// the bus as tasks for the orchestrator and fans bus events back out to
// subscribed sessions, with bounded per-session queues.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/m0r6aN/Manus-Killswitch/internal/bus"
	"github.com/m0r6aN/Manus-Killswitch/internal/intelligence"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
	"github.com/m0r6aN/Manus-Killswitch/internal/observability"
)

// TaskCreator is the hub surface the gateway needs; nil disables routing
// and the gateway builds tasks for the orchestrator directly.
type TaskCreator interface {
	CreateAndRouteTask(ctx context.Context, content, requester string, intent models.Intent, event models.Event, confidence *float64) (*models.Task, *models.Diagnostics, string, error)
	SystemStatus() map[string]any
	RouterDecisions(limit int) []intelligence.Decision
}

// Config tunes the gateway.
type Config struct {
	Addr              string
	SendQueue         int
	PingInterval      time.Duration
	MaxMissedPong     int
	OrchestratorAgent string
	FrontendChannel   string
	StatusChannel     string
}

func DefaultGatewayConfig() Config {
	return Config{
		Addr:              ":8000",
		SendQueue:         256,
		PingInterval:      30 * time.Second,
		MaxMissedPong:     2,
		OrchestratorAgent: "moderator",
		FrontendChannel:   "frontend_broadcast",
		StatusChannel:     "system_status",
	}
}

// Gateway owns all client sessions.
type Gateway struct {
	cfg     Config
	bus     bus.Bus
	hub     TaskCreator
	log     *logrus.Logger
	metrics *observability.Collector

	upgrader websocket.Upgrader
	sessions *sessionMap
}

func New(cfg Config, b bus.Bus, hub TaskCreator, metrics *observability.Collector, log *logrus.Logger) *Gateway {
	if log == nil {
		log = logrus.New()
	}
	if metrics == nil {
		metrics = observability.NewCollector()
	}
	return &Gateway{
		cfg:     cfg,
		bus:     b,
		hub:     hub,
		log:     log,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: newSessionMap(),
	}
}

// Router builds the HTTP surface: the WebSocket endpoint plus health,
// metrics and the hub's read-only API.
func (g *Gateway) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", func(c *gin.Context) { g.handleWS(c.Writer, c.Request) })
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": g.sessions.len()})
	})
	r.GET("/metrics", gin.WrapH(g.metrics.Handler()))

	if g.hub != nil {
		api := r.Group("/api")
		api.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, g.hub.SystemStatus())
		})
		api.GET("/router/decisions", func(c *gin.Context) {
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
			c.JSON(http.StatusOK, g.hub.RouterDecisions(limit))
		})
	}
	return r
}

// Run serves HTTP and pumps bus events to sessions until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{Addr: g.cfg.Addr, Handler: g.Router()}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go g.pumpBus(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// pumpBus forwards frontend and status channel traffic to sessions.
func (g *Gateway) pumpBus(ctx context.Context) {
	for _, channel := range []string{g.cfg.FrontendChannel, g.cfg.StatusChannel} {
		channel := channel
		sub, err := g.bus.Subscribe(ctx, channel)
		if err != nil {
			g.log.WithError(err).WithField("channel", channel).Error("gateway: bus subscribe failed")
			continue
		}
		go func() {
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-sub.C():
					if !ok {
						return
					}
					g.fanOut(payload.Data)
				}
			}
		}()
	}
}

// fanOut classifies a bus payload and delivers it to the right sessions.
// Stream events go only to sessions subscribed to their task; everything
// else is broadcast. task_result and error frames are critical and may
// evict queued events under backpressure.
func (g *Gateway) fanOut(raw []byte) {
	streamEvent := gjson.GetBytes(raw, "event").String()
	taskID := gjson.GetBytes(raw, "data.task_id").String()
	isStream := streamEvent != "" && taskID != ""

	var frame []byte
	var critical bool
	switch {
	case isStream:
		f, err := models.NewFrame(models.FrameStreamEvent, json.RawMessage(raw))
		if err != nil {
			return
		}
		frame, _ = models.Encode(f)
	case gjson.GetBytes(raw, "type").Exists():
		// Already a frame (system_status_update, task_created, ...).
		frame = raw
		critical = gjson.GetBytes(raw, "type").String() == models.FrameError
	default:
		frameType := models.FrameAgentMessage
		switch {
		case gjson.GetBytes(raw, "outcome").Exists():
			frameType = models.FrameTaskResult
			critical = true
		case gjson.GetBytes(raw, "event").Exists():
			frameType = models.FrameTaskUpdate
		}
		f, err := models.NewFrame(frameType, json.RawMessage(raw))
		if err != nil {
			return
		}
		frame, _ = models.Encode(f)
	}

	for _, s := range g.sessions.all() {
		if isStream && !s.subscribedTo("task:"+taskID) {
			continue
		}
		if !s.enqueue(frame, critical) {
			g.metrics.DroppedEvents.WithLabelValues("gateway").Inc()
		}
	}
}

// handleWS upgrades one client connection and runs its pumps.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Warn("gateway: upgrade failed")
		return
	}

	session := newSession(uuid.NewString(), conn, g.cfg.SendQueue)
	g.sessions.put(session)
	g.metrics.ConnectedClients.Inc()
	g.log.WithField("client_id", session.ID).Info("gateway: client connected")

	welcome, _ := models.NewFrame(models.FrameConnected, map[string]string{"client_id": session.ID})
	if raw, err := models.Encode(welcome); err == nil {
		session.enqueue(raw, true)
	}

	go g.writePump(session)
	go g.readPump(session)
}

func (g *Gateway) writePump(s *Session) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				g.dropSession(s)
				return
			}
		case <-ticker.C:
			if s.missPing(g.cfg.MaxMissedPong) {
				g.log.WithField("client_id", s.ID).Info("gateway: session unresponsive, closing")
				g.dropSession(s)
				return
			}
			ping, _ := models.NewFrame(models.FramePing, nil)
			raw, _ := models.Encode(ping)
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				g.dropSession(s)
				return
			}
		}
	}
}

func (g *Gateway) readPump(s *Session) {
	defer g.dropSession(s)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch()
		g.handleFrame(s, raw)
	}
}

// handleFrame processes one inbound client frame.
func (g *Gateway) handleFrame(s *Session, raw []byte) {
	ctx := context.Background()
	frameType := gjson.GetBytes(raw, "type").String()
	payload := gjson.GetBytes(raw, "payload")

	switch frameType {
	case models.FrameChatMessage, models.FrameStartTask:
		g.handleClientTask(ctx, s, frameType, payload)

	case models.FramePing:
		pong, _ := models.NewFrame(models.FramePong, nil)
		if rawPong, err := models.Encode(pong); err == nil {
			s.enqueue(rawPong, false)
		}

	case models.FramePong:
		s.touch()

	case models.FrameSubscribe:
		if key := subscriptionKey(payload); key != "" {
			s.subscribe(key)
		}

	case models.FrameUnsubscribe:
		if key := subscriptionKey(payload); key != "" {
			s.unsubscribe(key)
		}

	case models.FrameCancelTask:
		g.handleCancel(ctx, s, payload)

	case models.FrameCommand:
		switch payload.Get("name").String() {
		case "cancel_task":
			g.handleCancel(ctx, s, payload)
		case "check_status":
			g.handleCheckStatus(ctx, s, payload)
		default:
			g.sendError(s, "unknown command")
		}

	default:
		g.sendError(s, "unknown frame type: "+frameType)
	}
}

// handleClientTask turns a chat_message/start_task frame into a Task on the
// orchestrator channel.
func (g *Gateway) handleClientTask(ctx context.Context, s *Session, frameType string, payload gjson.Result) {
	content := payload.Get("content").String()
	if content == "" {
		g.sendError(s, "content cannot be empty")
		return
	}

	intent := models.IntentChat
	if frameType == models.FrameStartTask {
		intent = models.IntentStartTask
	}

	if intent == models.IntentChat {
		taskID := payload.Get("task_id").String()
		if taskID == "" {
			taskID = models.NewTaskID()
		}
		msg := models.NewMessage(taskID, s.ID, content, models.IntentChat)
		msg.TargetAgent = g.cfg.OrchestratorAgent
		if raw, err := models.Encode(msg); err == nil {
			if err := g.bus.Publish(ctx, models.ChannelFor(g.cfg.OrchestratorAgent), raw); err != nil {
				g.sendError(s, "bus unavailable, try again")
			}
		}
		s.subscribe("task:" + taskID)
		return
	}

	var task *models.Task
	if g.hub != nil && intent == models.IntentStartTask {
		routed, _, _, err := g.hub.CreateAndRouteTask(ctx, content, s.ID, intent, models.EventPlan, nil)
		if err != nil {
			g.sendError(s, err.Error())
			return
		}
		task = routed
		// The orchestrator owns the debate; routing metadata rides along.
		task.TargetAgent = g.cfg.OrchestratorAgent
	} else {
		taskID := payload.Get("task_id").String()
		if taskID == "" {
			taskID = models.NewTaskID()
		}
		task = models.NewTask(taskID, s.ID, content, g.cfg.OrchestratorAgent, intent, models.EventPlan, nil)
	}

	// The session follows its own task's stream.
	s.subscribe("task:" + task.TaskID)

	raw, err := models.Encode(task)
	if err != nil {
		g.sendError(s, "task not serializable")
		return
	}
	if err := g.bus.Publish(ctx, models.ChannelFor(g.cfg.OrchestratorAgent), raw); err != nil {
		g.sendError(s, "bus unavailable, try again")
		return
	}

	ack, _ := models.NewFrame(models.FrameTaskUpdate, map[string]string{"task_id": task.TaskID, "status": "submitted"})
	if rawAck, err := models.Encode(ack); err == nil {
		s.enqueue(rawAck, false)
	}
}

// handleCheckStatus asks the orchestrator to republish a task's state. The
// reply comes back on the session's channel subscription via the broadcast.
func (g *Gateway) handleCheckStatus(ctx context.Context, s *Session, payload gjson.Result) {
	taskID := payload.Get("task_id").String()
	if taskID == "" {
		g.sendError(s, "check_status requires task_id")
		return
	}
	req := models.NewMessage(taskID, s.ID, "status?", models.IntentCheckStatus)
	req.TargetAgent = g.cfg.OrchestratorAgent
	raw, err := models.Encode(req)
	if err != nil {
		return
	}
	s.subscribe("task:" + taskID)
	if err := g.bus.Publish(ctx, models.ChannelFor(g.cfg.OrchestratorAgent), raw); err != nil {
		g.sendError(s, "bus unavailable, try again")
	}
}

// handleCancel publishes a privileged escalate for the task.
func (g *Gateway) handleCancel(ctx context.Context, s *Session, payload gjson.Result) {
	taskID := payload.Get("task_id").String()
	if taskID == "" {
		g.sendError(s, "cancel_task requires task_id")
		return
	}
	cancel := models.NewTaskResult(taskID, "gateway", "cancelled by client "+s.ID, g.cfg.OrchestratorAgent, models.EventEscalate, models.OutcomeEscalated, nil)
	raw, err := models.Encode(cancel)
	if err != nil {
		return
	}
	if err := g.bus.Publish(ctx, models.ChannelFor(g.cfg.OrchestratorAgent), raw); err != nil {
		g.sendError(s, "bus unavailable, try again")
	}
}

func (g *Gateway) sendError(s *Session, message string) {
	frame, err := models.NewFrame(models.FrameError, map[string]string{"message": message})
	if err != nil {
		return
	}
	if raw, err := models.Encode(frame); err == nil {
		s.enqueue(raw, true)
	}
}

// dropSession tears down one session's subscriptions and connection. It
// never cancels backend work the client started.
func (g *Gateway) dropSession(s *Session) {
	if g.sessions.remove(s.ID) {
		g.metrics.ConnectedClients.Dec()
		s.close()
		g.log.WithFields(logrus.Fields{"client_id": s.ID, "dropped_events": s.droppedEvents()}).Info("gateway: client disconnected")
	}
}

func subscriptionKey(payload gjson.Result) string {
	if taskID := payload.Get("task_id").String(); taskID != "" {
		return "task:" + taskID
	}
	if channel := payload.Get("channel").String(); channel != "" {
		return channel
	}
	return ""
}
