package effort

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

func tuneConfig(analysisAfter int) Config {
	cfg := DefaultConfig()
	cfg.Autotune.AnalysisAfter = analysisAfter
	cfg.Autotune.HistoryLimit = 100
	return cfg
}

func sampleFor(cat string, predicted models.Effort, duration time.Duration, i int) Sample {
	return Sample{
		TaskID:      fmt.Sprintf("t-%s-%d", cat, i),
		Predicted:   predicted,
		Diagnostics: &models.Diagnostics{CategoryHits: map[string]int{cat: 1}},
		Duration:    duration,
		Success:     true,
	}
}

func TestTuner_RaisesUnderestimatedCategory(t *testing.T) {
	est := NewEstimator(tuneConfig(20))
	tuner := NewTuner(est, nil)
	before := est.Config().Categories["analytical"].Weight

	// Tasks hitting "analytical" were predicted low but ran long.
	for i := 0; i < 20; i++ {
		tuner.Record(sampleFor("analytical", models.EffortLow, 150*time.Second, i))
	}

	after := est.Config().Categories["analytical"].Weight
	assert.InDelta(t, before*1.10, after, 1e-9)
	assert.Equal(t, 1, tuner.Cycles())
}

func TestTuner_LowersOverestimatedCategory(t *testing.T) {
	est := NewEstimator(tuneConfig(20))
	tuner := NewTuner(est, nil)
	before := est.Config().Categories["complex"].Weight

	// Tasks predicted high finished quickly: weight comes down.
	for i := 0; i < 20; i++ {
		tuner.Record(sampleFor("complex", models.EffortHigh, 5*time.Second, i))
	}

	after := est.Config().Categories["complex"].Weight
	assert.InDelta(t, before*0.90, after, 1e-9)
}

func TestTuner_DeltaBoundedPerCycle(t *testing.T) {
	est := NewEstimator(tuneConfig(20))
	tuner := NewTuner(est, nil)
	before := est.Config().Categories["creative"].Weight

	for i := 0; i < 20; i++ {
		// Wildly underestimated, but one cycle still moves at most 10%.
		tuner.Record(sampleFor("creative", models.EffortLow, time.Hour, i))
	}

	after := est.Config().Categories["creative"].Weight
	assert.LessOrEqual(t, after, before*1.10+1e-9)
}

func TestTuner_NoChangeWhenAccurate(t *testing.T) {
	est := NewEstimator(tuneConfig(20))
	tuner := NewTuner(est, nil)
	before := est.Config().Categories["analytical"].Weight

	for i := 0; i < 20; i++ {
		tuner.Record(sampleFor("analytical", models.EffortMedium, 60*time.Second, i))
	}

	assert.Equal(t, before, est.Config().Categories["analytical"].Weight)
	assert.Equal(t, 1, tuner.Cycles())
}

func TestTuner_InsufficientSamplesIgnored(t *testing.T) {
	cfg := tuneConfig(20)
	est := NewEstimator(cfg)
	tuner := NewTuner(est, nil)
	before := est.Config().Categories["comparative"].Weight

	// Only 5 samples touch comparative; the rest carry no category hits.
	for i := 0; i < 5; i++ {
		tuner.Record(sampleFor("comparative", models.EffortLow, 150*time.Second, i))
	}
	for i := 0; i < 15; i++ {
		tuner.Record(Sample{TaskID: fmt.Sprintf("plain-%d", i), Predicted: models.EffortLow, Duration: time.Second, Diagnostics: &models.Diagnostics{}})
	}

	assert.Equal(t, before, est.Config().Categories["comparative"].Weight)
}

func TestTuner_HistoryBounded(t *testing.T) {
	cfg := tuneConfig(1000) // never analyze during this test
	cfg.Autotune.HistoryLimit = 50
	est := NewEstimator(cfg)
	tuner := NewTuner(est, nil)

	for i := 0; i < 120; i++ {
		tuner.Record(sampleFor("analytical", models.EffortLow, time.Second, i))
	}
	assert.Equal(t, 50, tuner.HistorySize())
}

func TestTuner_DisabledDoesNothing(t *testing.T) {
	cfg := tuneConfig(10)
	cfg.Autotune.Enabled = false
	est := NewEstimator(cfg)
	tuner := NewTuner(est, nil)
	before := est.Config().Categories["analytical"].Weight

	for i := 0; i < 30; i++ {
		tuner.Record(sampleFor("analytical", models.EffortLow, 150*time.Second, i))
	}
	assert.Equal(t, before, est.Config().Categories["analytical"].Weight)
	assert.Zero(t, tuner.Cycles())
}

func TestTuner_WeightClamped(t *testing.T) {
	cfg := tuneConfig(20)
	cat := cfg.Categories["complex"]
	cat.Weight = 0.52
	cfg.Categories["complex"] = cat
	est := NewEstimator(cfg)
	tuner := NewTuner(est, nil)

	for i := 0; i < 20; i++ {
		tuner.Record(sampleFor("complex", models.EffortHigh, time.Second, i))
	}
	require.GreaterOrEqual(t, est.Config().Categories["complex"].Weight, 0.5)
}
