// Package heartbeat maintains the TTL-based liveness view of the agent
// fleet. Agents run an Emitter; the coordinator runs the Monitor and
// publishes readiness to the system status and frontend channels.
package heartbeat

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/m0r6aN/Manus-Killswitch/internal/bus"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

const aliveValue = "alive"

// Emitter refreshes one agent's liveness key every interval. The key TTL is
// three intervals, so a single missed beat never flips the agent offline.
type Emitter struct {
	bus      bus.Bus
	agent    string
	interval time.Duration
	ttl      time.Duration
	log      *logrus.Logger
}

func NewEmitter(b bus.Bus, agent string, interval, ttl time.Duration, log *logrus.Logger) *Emitter {
	if log == nil {
		log = logrus.New()
	}
	if ttl <= 0 {
		ttl = 3 * interval
	}
	return &Emitter{bus: b, agent: agent, interval: interval, ttl: ttl, log: log}
}

// Run writes the liveness key until ctx is cancelled, then deletes it by
// letting the TTL lapse (no explicit delete: absence is the offline signal).
func (e *Emitter) Run(ctx context.Context) {
	key := models.HeartbeatKey(e.agent)
	e.beat(ctx, key)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.beat(ctx, key)
		}
	}
}

func (e *Emitter) beat(ctx context.Context, key string) {
	if err := e.bus.SetWithTTL(ctx, key, aliveValue, e.ttl); err != nil {
		e.log.WithError(err).WithField("agent", e.agent).Warn("heartbeat write failed")
	}
}

// Monitor computes system readiness from the required agents' liveness keys.
// Transitions are edge-triggered: any change publishes immediately in
// addition to the periodic tick at interval/2.
type Monitor struct {
	bus             bus.Bus
	required        []string
	interval        time.Duration
	statusChannel   string
	frontendChannel string
	log             *logrus.Logger

	last map[string]bool
}

func NewMonitor(b bus.Bus, required []string, interval time.Duration, statusChannel, frontendChannel string, log *logrus.Logger) *Monitor {
	if log == nil {
		log = logrus.New()
	}
	return &Monitor{
		bus:             b,
		required:        required,
		interval:        interval,
		statusChannel:   statusChannel,
		frontendChannel: frontendChannel,
		log:             log,
		last:            make(map[string]bool),
	}
}

// Check reads every required agent's key and returns the current status. No
// wall-clock comparison is involved: key absence (TTL lapse) is the only
// offline signal, which tolerates clock skew up to one interval.
func (m *Monitor) Check(ctx context.Context) (*models.SystemStatus, bool) {
	status := &models.SystemStatus{
		AgentStatus: make(map[string]string, len(m.required)),
		SystemReady: true,
		Timestamp:   time.Now().UTC(),
	}
	changed := false
	for _, agent := range m.required {
		val, ok, err := m.bus.Get(ctx, models.HeartbeatKey(agent))
		online := err == nil && ok && val == aliveValue
		if err != nil {
			m.log.WithError(err).WithField("agent", agent).Warn("heartbeat read failed")
		}
		if online {
			status.AgentStatus[agent] = "online"
		} else {
			status.AgentStatus[agent] = "offline"
			status.SystemReady = false
		}
		if prev, seen := m.last[agent]; !seen || prev != online {
			changed = true
		}
		m.last[agent] = online
	}
	return status, changed
}

func (m *Monitor) publish(ctx context.Context, status *models.SystemStatus) {
	frame, err := models.NewFrame(models.FrameSystemStatus, status)
	if err != nil {
		m.log.WithError(err).Error("encode system status")
		return
	}
	raw, err := models.Encode(frame)
	if err != nil {
		m.log.WithError(err).Error("encode system status frame")
		return
	}
	if err := m.bus.Publish(ctx, m.statusChannel, raw); err != nil {
		m.log.WithError(err).Warn("publish system status")
	}
	if m.frontendChannel != "" && m.frontendChannel != m.statusChannel {
		if err := m.bus.Publish(ctx, m.frontendChannel, raw); err != nil {
			m.log.WithError(err).Warn("publish system status to frontend")
		}
	}
}

// Publish runs one check and publishes if forced or on a transition.
// Returns the status it observed.
func (m *Monitor) Publish(ctx context.Context, force bool) *models.SystemStatus {
	status, changed := m.Check(ctx)
	if force || changed {
		m.publish(ctx, status)
	}
	return status
}

// WaitReady blocks until every required agent is online or the deadline
// passes, polling at the monitor interval.
func (m *Monitor) WaitReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		status, _ := m.Check(ctx)
		if status.SystemReady {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.interval):
		}
	}
}
