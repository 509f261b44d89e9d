// Package effort estimates the reasoning effort a task demands from its
// content and context, and tunes its keyword weights from recorded outcomes.
package effort

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// Category is one keyword family contributing to the complexity score.
type Category struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Weight   float64  `yaml:"weight" json:"weight"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// Thresholds hold the word-count cutoffs and the complexity scaling that
// shifts them downward for keyword-dense content.
type Thresholds struct {
	HighWordCount   int     `yaml:"high_word_count" json:"high_word_count"`
	MediumWordCount int     `yaml:"medium_word_count" json:"medium_word_count"`
	HighScale       float64 `yaml:"high_scale" json:"high_scale"`
	MediumScale     float64 `yaml:"medium_scale" json:"medium_scale"`
}

// Overrides configure the contextual adjustment rules.
type Overrides struct {
	LowConfidence        float64 `yaml:"low_confidence" json:"low_confidence"`
	DeadlinePressure     float64 `yaml:"deadline_pressure" json:"deadline_pressure"`
	CategoryOverlapBonus float64 `yaml:"category_overlap_bonus" json:"category_overlap_bonus"`
}

// Autotune configures outcome-driven weight adjustment.
type Autotune struct {
	Enabled       bool `yaml:"enabled" json:"enabled"`
	AnalysisAfter int  `yaml:"analysis_after" json:"analysis_after"`
	RetainHistory bool `yaml:"retain_history" json:"retain_history"`
	HistoryLimit  int  `yaml:"history_limit" json:"history_limit"`
	// Duration cutoffs (seconds) binning observed durations into empirical
	// effort levels for misclassification measurement.
	MediumCutoffSec float64 `yaml:"medium_cutoff_sec" json:"medium_cutoff_sec"`
	HighCutoffSec   float64 `yaml:"high_cutoff_sec" json:"high_cutoff_sec"`
}

// Config is one immutable estimator configuration. Tuning produces a new
// Config and swaps it atomically; readers always see a consistent snapshot.
type Config struct {
	Categories map[string]Category `yaml:"categories" json:"categories"`
	Thresholds Thresholds          `yaml:"thresholds" json:"thresholds"`
	Overrides  Overrides           `yaml:"overrides" json:"overrides"`
	Autotune   Autotune            `yaml:"autotune" json:"autotune"`
}

// DefaultConfig carries the weights the system ships with.
func DefaultConfig() Config {
	return Config{
		Categories: map[string]Category{
			"analytical": {Enabled: true, Weight: 1.0, Keywords: []string{
				"analyze", "evaluate", "assess", "research", "investigate", "study",
				"examine", "review", "diagnose", "audit", "survey", "inspect",
			}},
			"comparative": {Enabled: true, Weight: 1.5, Keywords: []string{
				"compare", "contrast", "differentiate", "versus", "pros and cons",
				"trade-off", "benchmark", "measure against", "weigh", "rank",
			}},
			"creative": {Enabled: true, Weight: 2.0, Keywords: []string{
				"design", "create", "optimize", "improve", "innovate", "develop",
				"build", "construct", "craft", "devise", "formulate", "invent",
			}},
			"complex": {Enabled: true, Weight: 2.5, Keywords: []string{
				"hypothesize", "synthesize", "debate", "refactor", "architect",
				"theorize", "model", "simulate", "predict", "extrapolate",
				"integrate", "transform", "restructure",
			}},
		},
		Thresholds: Thresholds{
			HighWordCount:   50,
			MediumWordCount: 20,
			HighScale:       5,
			MediumScale:     2,
		},
		Overrides: Overrides{
			LowConfidence:        0.7,
			DeadlinePressure:     0.8,
			CategoryOverlapBonus: 0.5,
		},
		Autotune: Autotune{
			Enabled:         true,
			AnalysisAfter:   100,
			RetainHistory:   true,
			HistoryLimit:    1000,
			MediumCutoffSec: 30,
			HighCutoffSec:   120,
		},
	}
}

// Input carries the context the adjustment rules act on. Zero-valued fields
// mean "not provided".
type Input struct {
	Event            models.Event
	Intent           models.Intent
	Confidence       *float64
	DeadlinePressure *float64
}

type matcher struct {
	keyword string
	re      *regexp.Regexp // nil for multi-word keywords
}

// snapshot pairs a Config with its precompiled keyword matchers.
type snapshot struct {
	cfg      Config
	matchers map[string][]matcher
}

func compile(cfg Config) *snapshot {
	s := &snapshot{cfg: cfg, matchers: make(map[string][]matcher, len(cfg.Categories))}
	for name, cat := range cfg.Categories {
		if !cat.Enabled {
			continue
		}
		ms := make([]matcher, 0, len(cat.Keywords))
		for _, kw := range cat.Keywords {
			kw = strings.ToLower(kw)
			if strings.Contains(kw, " ") {
				ms = append(ms, matcher{keyword: kw})
			} else {
				ms = append(ms, matcher{keyword: kw, re: regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)})
			}
		}
		s.matchers[name] = ms
	}
	return s
}

// Estimator is a pure function over an atomically swappable configuration.
type Estimator struct {
	snap atomic.Pointer[snapshot]
}

func NewEstimator(cfg Config) *Estimator {
	e := &Estimator{}
	e.snap.Store(compile(cfg))
	return e
}

// Config returns the active configuration snapshot.
func (e *Estimator) Config() Config {
	return e.snap.Load().cfg
}

// SetConfig swaps in a new configuration atomically.
func (e *Estimator) SetConfig(cfg Config) {
	e.snap.Store(compile(cfg))
}

// Estimate returns the effort level for content under the given context,
// plus diagnostics recording every factor in the decision. Adjustment rules
// only ever raise the level.
func (e *Estimator) Estimate(content string, in Input) (models.Effort, *models.Diagnostics) {
	s := e.snap.Load()
	lower := strings.ToLower(content)
	wordCount := len(strings.Fields(content))

	diag := &models.Diagnostics{
		WordCount:       wordCount,
		CategoryHits:    make(map[string]int),
		MatchedKeywords: make(map[string][]string),
	}

	score := 0.0
	activeCategories := 0
	for name, ms := range s.matchers {
		hits := 0
		var matched []string
		for _, m := range ms {
			var n int
			if m.re != nil {
				n = len(m.re.FindAllStringIndex(lower, -1))
			} else {
				n = strings.Count(lower, m.keyword)
			}
			if n > 0 {
				hits += n
				matched = append(matched, m.keyword)
			}
		}
		diag.CategoryHits[name] = hits
		if hits > 0 {
			sort.Strings(matched)
			diag.MatchedKeywords[name] = matched
			activeCategories++
			score += float64(hits) * s.cfg.Categories[name].Weight
		}
	}
	if activeCategories > 2 && s.cfg.Overrides.CategoryOverlapBonus > 0 {
		bonus := s.cfg.Overrides.CategoryOverlapBonus * float64(activeCategories-2)
		score += bonus
		diag.Adjustments = append(diag.Adjustments, fmt.Sprintf("overlap bonus +%.2f for %d active categories", bonus, activeCategories))
	}
	diag.ComplexityScore = score

	highT := float64(s.cfg.Thresholds.HighWordCount) - score*s.cfg.Thresholds.HighScale
	if highT < 10 {
		highT = 10
	}
	medT := float64(s.cfg.Thresholds.MediumWordCount) - score*s.cfg.Thresholds.MediumScale
	if medT < 5 {
		medT = 5
	}
	diag.HighThreshold = highT
	diag.MediumThreshold = medT

	base := models.EffortLow
	switch {
	case score >= 3 || float64(wordCount) > highT:
		base = models.EffortHigh
	case score >= 1 || float64(wordCount) > medT:
		base = models.EffortMedium
	}
	diag.BaseEffort = base

	level := base.Rank()
	bump := func(to int, reason string) {
		if to > models.EffortHigh.Rank() {
			to = models.EffortHigh.Rank()
		}
		if to > level {
			level = to
			diag.Adjustments = append(diag.Adjustments, reason)
		}
	}

	if in.Event == models.EventRefine || in.Event == models.EventEscalate {
		bump(models.EffortHigh.Rank(), fmt.Sprintf("raised to high for %s event", in.Event))
	}
	if in.Intent == models.IntentModifyTask {
		bump(models.EffortHigh.Rank(), "raised to high for modify_task intent")
	}
	if in.Confidence != nil && *in.Confidence < s.cfg.Overrides.LowConfidence {
		bump(level+1, fmt.Sprintf("raised one level for low confidence %.2f", *in.Confidence))
	}
	if in.DeadlinePressure != nil && *in.DeadlinePressure > s.cfg.Overrides.DeadlinePressure {
		bump(models.EffortHigh.Rank(), fmt.Sprintf("raised to high for deadline pressure %.2f", *in.DeadlinePressure))
	}
	if activeCategories >= 2 {
		bump(level+1, fmt.Sprintf("raised one level for %d category overlap", activeCategories))
	}
	// Complex keywords never leave the task at low.
	if diag.CategoryHits["complex"] > 0 && level == models.EffortLow.Rank() {
		bump(models.EffortMedium.Rank(), "raised to medium for complex keyword presence")
	}

	return models.EffortFromRank(level), diag
}
