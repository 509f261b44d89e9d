// Command killswitch runs the orchestration fabric: the WebSocket gateway,
// the agent fleet (moderator, arbitrator, refiner, workers, tool executor,
// coordinator, workflow generator) and the task intelligence hub, all in a
// single process sharing one bus connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/m0r6aN/Manus-Killswitch/internal/agent"
	"github.com/m0r6aN/Manus-Killswitch/internal/agents"
	"github.com/m0r6aN/Manus-Killswitch/internal/bus"
	"github.com/m0r6aN/Manus-Killswitch/internal/config"
	"github.com/m0r6aN/Manus-Killswitch/internal/effort"
	"github.com/m0r6aN/Manus-Killswitch/internal/gateway"
	"github.com/m0r6aN/Manus-Killswitch/internal/hub"
	"github.com/m0r6aN/Manus-Killswitch/internal/intelligence"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
	"github.com/m0r6aN/Manus-Killswitch/internal/observability"
	"github.com/m0r6aN/Manus-Killswitch/internal/orchestrator"
)

const appVersion = "1.2.0"

var (
	configFile  = flag.String("config", "", "Path to configuration file (YAML)")
	envFile     = flag.String("env-file", ".env", "Path to .env file (ignored if missing)")
	showVersion = flag.Bool("version", false, "Show version information")
	inMemoryBus = flag.Bool("inmemory-bus", false, "Use the in-process bus instead of Redis (single-binary development)")
	routerSeed  = flag.Int64("router-seed", 0, "Fixed RNG seed for the task router (0 = time-based)")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("killswitch %s\n", appVersion)
		return
	}

	_ = godotenv.Load(*envFile)

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(config.ExitConfigError)
	}

	log := newLogger(cfg.Log)
	log.WithField("version", appVersion).Info("killswitch starting")

	var b bus.Bus
	if *inMemoryBus {
		b = bus.NewInMemory()
		log.Info("using in-process bus")
	} else {
		rb, err := bus.NewRedis(cfg.Bus.URL, cfg.Bus.Password, cfg.Bus.DB, log)
		if err != nil {
			log.WithError(err).Error("bus connection failed")
			os.Exit(config.ExitBusError)
		}
		b = rb
	}
	defer b.Close()

	metrics := observability.NewCollector()

	// Intelligence stack: estimator, tuner, router, hub.
	estimator := effort.NewEstimator(effort.DefaultConfig())
	tuner := effort.NewTuner(estimator, log)

	var encoder intelligence.Encoder
	if cfg.Router.EmbeddingAPIKey != "" {
		encoder = intelligence.NewOpenAIEncoder(cfg.Router.EmbeddingAPIKey, cfg.Router.EmbeddingModel)
	} else {
		log.Warn("no embedding API key configured, using local hashing encoder")
		encoder = intelligence.NewHashingEncoder(0)
	}

	seed := *routerSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	router := intelligence.NewRouter(encoder, intelligence.Options{
		EpsilonMin:     cfg.Router.EpsilonMin,
		EpsilonMax:     cfg.Router.EpsilonMax,
		Tau:            cfg.Router.Tau,
		SuccessWeight:  cfg.Router.SuccessWeight,
		DurationWeight: cfg.Router.DurationWeight,
		MinSamples:     cfg.Router.MinSamples,
		Clusters:       cfg.Router.Clusters,
		MinRebuild:     cfg.Router.RetrainThreshold,
		DefaultAgent:   cfg.Router.DefaultAgent,
	}, seed, log)

	intelHub := hub.New(hub.Config{
		Candidates:       cfg.Router.Candidates,
		RetrainThreshold: cfg.Router.RetrainThreshold,
		RebuildInterval:  cfg.Router.RebuildInterval,
		OutcomeLimit:     cfg.Router.OutcomeLimit,
		StatusChannel:    cfg.Channels.SystemStatus,
	}, estimator, tuner, router, b, metrics, log)

	rtCfg := agent.Config{
		Workers:           cfg.Agent.Workers,
		QueueDepth:        cfg.Agent.QueueDepth,
		DedupeSize:        cfg.Agent.DedupeSize,
		HistorySize:       cfg.Agent.HistorySize,
		DrainTimeout:      cfg.Agent.DrainTimeout,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		HeartbeatTTL:      cfg.Heartbeat.TTL,
		FrontendChannel:   cfg.Channels.Frontend,
		DeadLetterChannel: cfg.Channels.DeadLetter,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, runCtx := errgroup.WithContext(ctx)

	runAgent := func(caps interface {
		agent.Capabilities
		Bind(*agent.Runtime)
	}) *agent.Runtime {
		rt := agent.NewRuntime(caps, b, rtCfg, metrics, log)
		caps.Bind(rt)
		g.Go(func() error { return rt.Run(runCtx) })
		return rt
	}

	// Orchestrator (moderator) wired to the hub for routing and outcomes.
	orchCfg := orchestrator.Config{
		Name:               "moderator",
		CriticAgent:        "arbitrator",
		RefinerAgent:       "refiner",
		MaxRounds:          cfg.Orchestrator.MaxRounds,
		TaskTimeout:        cfg.Orchestrator.TaskTimeout,
		PlateauDelta:       cfg.Orchestrator.PlateauDelta,
		PlateauWindow:      cfg.Orchestrator.PlateauWindow,
		ConsensusThreshold: cfg.Orchestrator.ConsensusThreshold,
		HistoryLimit:       cfg.Orchestrator.HistoryLimit,
		PrivilegedSenders:  []string{"gateway", "coordinator"},
	}
	routeFn := func(ctx context.Context, taskID, content string, diag *models.Diagnostics) string {
		target, _ := router.Route(ctx, taskID, content, diag, cfg.Router.Candidates)
		return target
	}
	moderator := agents.NewModerator(orchCfg, intelHub, routeFn, log)
	runAgent(moderator)
	g.Go(func() error {
		moderator.Engine().RunSweeper(runCtx, cfg.Heartbeat.Interval)
		return nil
	})

	runAgent(agents.NewArbitrator("arbitrator", nil, log))
	runAgent(agents.NewRefiner("refiner", nil, log))
	for _, worker := range cfg.Router.Candidates {
		runAgent(agents.NewWorker(worker, nil, log))
	}
	runAgent(agents.NewWorkflowGenerator("workflowgen", nil, log))

	toolExec := agents.NewToolExecutor("toolexecutor", cfg.Tools.APIURL, cfg.Tools.Timeout, log)
	runAgent(toolExec)
	g.Go(func() error { return toolExec.RunRequestListener(runCtx, b, cfg.Channels.ToolRequests) })

	coordinator := agents.NewCoordinator("coordinator", b, cfg.Heartbeat.Required, cfg.Heartbeat.Interval, cfg.Channels.SystemStatus, cfg.Channels.Frontend, log)
	runAgent(coordinator)
	g.Go(func() error {
		coordinator.RunMonitor(runCtx, cfg.Heartbeat.Interval)
		return nil
	})

	g.Go(func() error {
		intelHub.Run(runCtx)
		return nil
	})

	gw := gateway.New(gateway.Config{
		Addr:              cfg.Gateway.Addr,
		SendQueue:         cfg.Gateway.SendQueue,
		PingInterval:      cfg.Gateway.PingInterval,
		MaxMissedPong:     cfg.Gateway.MaxMissedPong,
		OrchestratorAgent: "moderator",
		FrontendChannel:   cfg.Channels.Frontend,
		StatusChannel:     cfg.Channels.SystemStatus,
	}, b, intelHub, metrics, log)
	g.Go(func() error { return gw.Run(runCtx) })

	log.WithFields(logrus.Fields{
		"gateway": cfg.Gateway.Addr,
		"agents":  strings.Join(cfg.Heartbeat.Required, ","),
	}).Info("killswitch running")

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("fatal runtime error")
		if msg := err.Error(); strings.Contains(msg, "subscribe") || strings.Contains(msg, "subscription") {
			os.Exit(config.ExitBusError)
		}
		os.Exit(config.ExitBindError)
	}
	log.Info("killswitch stopped")
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
