package heartbeat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m0r6aN/Manus-Killswitch/internal/bus"
	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

func TestEmitter_WritesAliveKey(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()

	e := NewEmitter(b, "worker_b", 10*time.Millisecond, 30*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { e.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		val, ok, _ := b.Get(context.Background(), "worker_b_heartbeat")
		return ok && val == "alive"
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestMonitor_ReadyWhenAllOnline(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()
	ctx := context.Background()

	for _, a := range []string{"moderator", "refiner"} {
		require.NoError(t, b.SetWithTTL(ctx, models.HeartbeatKey(a), "alive", time.Minute))
	}

	m := NewMonitor(b, []string{"moderator", "refiner"}, 5*time.Second, "system_status", "frontend_broadcast", nil)
	status, changed := m.Check(ctx)

	assert.True(t, status.SystemReady)
	assert.True(t, changed) // first observation is a transition
	assert.Equal(t, "online", status.AgentStatus["moderator"])
	assert.Equal(t, "online", status.AgentStatus["refiner"])
}

func TestMonitor_OfflineAfterTTLLapse(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()
	ctx := context.Background()
	now := time.Now()
	b.Now = func() time.Time { return now }

	require.NoError(t, b.SetWithTTL(ctx, models.HeartbeatKey("worker_b"), "alive", 15*time.Second))

	m := NewMonitor(b, []string{"worker_b"}, 5*time.Second, "system_status", "", nil)

	status, _ := m.Check(ctx)
	assert.True(t, status.SystemReady)

	// worker_b stops beating; after the 15s TTL it must read offline.
	now = now.Add(16 * time.Second)
	status, changed := m.Check(ctx)
	assert.False(t, status.SystemReady)
	assert.True(t, changed)
	assert.Equal(t, "offline", status.AgentStatus["worker_b"])

	// It resumes: next check flips back online.
	require.NoError(t, b.SetWithTTL(ctx, models.HeartbeatKey("worker_b"), "alive", 15*time.Second))
	status, changed = m.Check(ctx)
	assert.True(t, status.SystemReady)
	assert.True(t, changed)
}

func TestMonitor_NoChangeIsNotEdge(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.SetWithTTL(ctx, models.HeartbeatKey("moderator"), "alive", time.Minute))
	m := NewMonitor(b, []string{"moderator"}, 5*time.Second, "system_status", "", nil)

	_, changed := m.Check(ctx)
	assert.True(t, changed)
	_, changed = m.Check(ctx)
	assert.False(t, changed)
}

func TestMonitor_PublishEmitsStatusFrame(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "system_status")
	require.NoError(t, err)
	front, err := b.Subscribe(ctx, "frontend_broadcast")
	require.NoError(t, err)

	m := NewMonitor(b, []string{"ghost"}, 5*time.Second, "system_status", "frontend_broadcast", nil)
	m.Publish(ctx, true)

	for _, c := range []<-chan bus.Payload{sub.C(), front.C()} {
		select {
		case p := <-c:
			var frame models.Frame
			require.NoError(t, json.Unmarshal(p.Data, &frame))
			assert.Equal(t, models.FrameSystemStatus, frame.Type)

			var status models.SystemStatus
			require.NoError(t, json.Unmarshal(frame.Payload, &status))
			assert.False(t, status.SystemReady)
			assert.Equal(t, "offline", status.AgentStatus["ghost"])
		case <-time.After(time.Second):
			t.Fatal("no status published")
		}
	}
}

func TestMonitor_PublishOnlyOnEdgeUnlessForced(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "system_status")
	require.NoError(t, err)

	m := NewMonitor(b, []string{"ghost"}, 5*time.Second, "system_status", "", nil)
	m.Publish(ctx, false) // first check is an edge
	m.Publish(ctx, false) // steady state: no publish

	count := 0
	deadline := time.After(100 * time.Millisecond)
drain:
	for {
		select {
		case <-sub.C():
			count++
		case <-deadline:
			break drain
		}
	}
	assert.Equal(t, 1, count)
}

func TestMonitor_WaitReady(t *testing.T) {
	b := bus.NewInMemory()
	defer b.Close()
	ctx := context.Background()

	m := NewMonitor(b, []string{"moderator"}, 10*time.Millisecond, "system_status", "", nil)
	assert.False(t, m.WaitReady(ctx, 30*time.Millisecond))

	require.NoError(t, b.SetWithTTL(ctx, models.HeartbeatKey("moderator"), "alive", time.Minute))
	assert.True(t, m.WaitReady(ctx, time.Second))
}
