package effort

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// minCategorySamples gates weight changes on a minimum evidence base.
const minCategorySamples = 10

// maxWeightDelta bounds a single tuning cycle to ±10% per category.
const maxWeightDelta = 0.10

// Sample is one recorded task outcome used for tuning.
type Sample struct {
	TaskID      string
	Predicted   models.Effort
	Diagnostics *models.Diagnostics
	Duration    time.Duration
	Success     bool
}

// Tuner adjusts estimator category weights from observed outcomes. A cycle
// runs once AnalysisAfter samples accumulate; it compares each predicted
// effort against the empirical effort (duration binned by the configured
// cutoffs) and nudges the weights of the categories present in
// misclassified tasks. The new configuration is swapped atomically.
type Tuner struct {
	est *Estimator
	log *logrus.Logger

	mu            sync.Mutex
	history       []Sample
	sinceAnalysis int
	cycles        int
}

func NewTuner(est *Estimator, log *logrus.Logger) *Tuner {
	if log == nil {
		log = logrus.New()
	}
	return &Tuner{est: est, log: log}
}

// Record appends a sample and runs an analysis cycle when due.
func (t *Tuner) Record(s Sample) {
	cfg := t.est.Config()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(t.history, s)
	if limit := cfg.Autotune.HistoryLimit; limit > 0 && len(t.history) > limit {
		t.history = t.history[len(t.history)-limit:]
	}
	t.sinceAnalysis++

	if !cfg.Autotune.Enabled || t.sinceAnalysis < cfg.Autotune.AnalysisAfter {
		return
	}
	t.analyzeLocked(cfg)
	t.sinceAnalysis = 0
	if !cfg.Autotune.RetainHistory {
		t.history = nil
	}
}

// Cycles reports how many tuning cycles have run.
func (t *Tuner) Cycles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cycles
}

// HistorySize reports the retained sample count.
func (t *Tuner) HistorySize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history)
}

func (t *Tuner) empirical(cfg Config, d time.Duration) models.Effort {
	sec := d.Seconds()
	switch {
	case sec >= cfg.Autotune.HighCutoffSec:
		return models.EffortHigh
	case sec >= cfg.Autotune.MediumCutoffSec:
		return models.EffortMedium
	}
	return models.EffortLow
}

func (t *Tuner) analyzeLocked(cfg Config) {
	// Signed misclassification per category: positive means tasks touching
	// the category ran longer than predicted (weight too low).
	type drift struct {
		sum float64
		n   int
	}
	drifts := make(map[string]*drift)

	for _, s := range t.history {
		if s.Diagnostics == nil {
			continue
		}
		delta := float64(t.empirical(cfg, s.Duration).Rank() - s.Predicted.Rank())
		for cat, hits := range s.Diagnostics.CategoryHits {
			if hits == 0 {
				continue
			}
			d := drifts[cat]
			if d == nil {
				d = &drift{}
				drifts[cat] = d
			}
			d.sum += delta
			d.n++
		}
	}

	next := cfg
	next.Categories = make(map[string]Category, len(cfg.Categories))
	for name, cat := range cfg.Categories {
		next.Categories[name] = cat
	}

	adjusted := false
	for name, d := range drifts {
		cat, ok := next.Categories[name]
		if !ok || d.n < minCategorySamples {
			continue
		}
		mean := d.sum / float64(d.n)
		factor := 1.0
		switch {
		case mean > 0.25:
			factor = 1 + maxWeightDelta
		case mean < -0.25:
			factor = 1 - maxWeightDelta
		default:
			continue
		}
		old := cat.Weight
		cat.Weight = clampWeight(cat.Weight * factor)
		if cat.Weight != old {
			next.Categories[name] = cat
			adjusted = true
			t.log.WithFields(logrus.Fields{
				"category": name,
				"old":      old,
				"new":      cat.Weight,
				"drift":    mean,
				"samples":  d.n,
			}).Info("effort: tuned category weight")
		}
	}

	t.cycles++
	if adjusted {
		t.est.SetConfig(next)
	}
}

func clampWeight(w float64) float64 {
	if w < 0.5 {
		return 0.5
	}
	if w > 5.0 {
		return 5.0
	}
	return w
}
