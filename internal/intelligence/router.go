package intelligence

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// ErrInsufficientHistory is returned by Rebuild when the outcome log holds
// fewer records than the configured minimum.
var ErrInsufficientHistory = errors.New("intelligence: not enough history to cluster")

// Routing method labels recorded on decisions.
const (
	MethodCluster     = "cluster_based"
	MethodPerformance = "performance_based"
	MethodRoundRobin  = "round_robin"
	MethodFirst       = "first_candidate"
	MethodDefault     = "default"
)

// CellStats tracks one agent's record, overall or within a cluster.
type CellStats struct {
	SuccessRate  float64 `json:"success_rate"`
	MeanDuration float64 `json:"mean_duration"` // seconds
	N            int     `json:"n"`
}

func (c *CellStats) update(duration time.Duration, success bool) {
	n := float64(c.N)
	c.MeanDuration = (c.MeanDuration*n + duration.Seconds()) / (n + 1)
	s := 0.0
	if success {
		s = 1
	}
	c.SuccessRate = (c.SuccessRate*n + s) / (n + 1)
	c.N++
}

// Options configure routing behavior.
type Options struct {
	EpsilonMin     float64
	EpsilonMax     float64
	Tau            float64
	SuccessWeight  float64
	DurationWeight float64
	MinSamples     int
	Clusters       int
	MinRebuild     int
	DefaultAgent   string
}

func DefaultOptions() Options {
	return Options{
		EpsilonMin:     0.05,
		EpsilonMax:     0.3,
		Tau:            200,
		SuccessWeight:  0.6,
		DurationWeight: 0.4,
		MinSamples:     5,
		Clusters:       5,
		MinRebuild:     20,
		DefaultAgent:   "moderator",
	}
}

// Decision records one routing choice for the dashboard and for audits.
type Decision struct {
	TaskID                 string             `json:"task_id"`
	Method                 string             `json:"method"`
	ChosenAgent            string             `json:"chosen_agent"`
	Confidence             float64            `json:"confidence"`
	ClusterID              int                `json:"cluster_id"`
	Epsilon                float64            `json:"epsilon"`
	Exploration            bool               `json:"exploration"`
	OriginalRecommendation string             `json:"original_recommendation,omitempty"`
	Alternatives           map[string]float64 `json:"alternatives,omitempty"`
	Timestamp              time.Time          `json:"timestamp"`
}

// Router recommends agents with an ε-greedy exploration policy over
// cluster-local performance, falling back to overall performance, then
// round-robin, then the first candidate.
type Router struct {
	opts    Options
	encoder Encoder
	log     *logrus.Logger

	model atomic.Pointer[Model]

	mu        sync.Mutex
	cells     map[int]map[string]*CellStats
	overall   map[string]*CellStats
	samples   int
	rng       *rand.Rand
	rr        int
	decisions []Decision
	rebuiltAt time.Time
}

const decisionLogLimit = 1000

// NewRouter seeds the exploration RNG; a fixed seed makes routing
// deterministic for fixed inputs.
func NewRouter(encoder Encoder, opts Options, seed int64, log *logrus.Logger) *Router {
	if log == nil {
		log = logrus.New()
	}
	if encoder == nil {
		encoder = NewHashingEncoder(0)
	}
	return &Router{
		opts:    opts,
		encoder: encoder,
		log:     log,
		cells:   make(map[int]map[string]*CellStats),
		overall: make(map[string]*CellStats),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Epsilon is the current exploration rate, decayed by observed samples:
// ε = clamp(ε_min + (ε_max − ε_min) × exp(−n/τ)).
func (r *Router) Epsilon() float64 {
	r.mu.Lock()
	n := r.samples
	r.mu.Unlock()
	return r.epsilonFor(n)
}

func (r *Router) epsilonFor(n int) float64 {
	o := r.opts
	eps := o.EpsilonMin + (o.EpsilonMax-o.EpsilonMin)*math.Exp(-float64(n)/o.Tau)
	if eps < o.EpsilonMin {
		eps = o.EpsilonMin
	}
	if eps > o.EpsilonMax {
		eps = o.EpsilonMax
	}
	return eps
}

// Route picks an agent for the task. It never fails: encoder errors and
// missing models degrade through the fallback chain.
func (r *Router) Route(ctx context.Context, taskID, content string, diag *models.Diagnostics, candidates []string) (string, *Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dec := &Decision{
		TaskID:    taskID,
		Method:    MethodDefault,
		ClusterID: -1,
		Epsilon:   r.epsilonFor(r.samples),
		Timestamp: time.Now().UTC(),
	}

	if len(candidates) == 0 {
		dec.ChosenAgent = r.opts.DefaultAgent
		r.record(dec)
		return dec.ChosenAgent, dec
	}

	if agent, ok := r.routeByCluster(ctx, content, diag, candidates, dec); ok {
		dec.ChosenAgent = agent
		r.maybeExplore(dec, candidates)
		r.record(dec)
		return dec.ChosenAgent, dec
	}

	if agent, ok := r.routeByScores(r.overall, candidates, dec); ok {
		dec.Method = MethodPerformance
		dec.ChosenAgent = agent
		r.maybeExplore(dec, candidates)
		r.record(dec)
		return dec.ChosenAgent, dec
	}

	if len(candidates) > 1 {
		dec.Method = MethodRoundRobin
		dec.ChosenAgent = candidates[r.rr%len(candidates)]
		r.rr++
		r.record(dec)
		return dec.ChosenAgent, dec
	}

	dec.Method = MethodFirst
	dec.ChosenAgent = candidates[0]
	r.record(dec)
	return dec.ChosenAgent, dec
}

// routeByCluster scores candidates inside the task's nearest cluster.
// Callers hold r.mu.
func (r *Router) routeByCluster(ctx context.Context, content string, diag *models.Diagnostics, candidates []string, dec *Decision) (string, bool) {
	model := r.model.Load()
	if model == nil {
		return "", false
	}
	embs, err := r.encoder.Encode(ctx, []string{content})
	if err != nil || len(embs) != 1 {
		r.log.WithError(err).Debug("router: embedding failed, falling back")
		return "", false
	}
	cluster := model.Predict(embs[0], diag)
	if cluster < 0 {
		return "", false
	}
	dec.ClusterID = cluster

	agent, ok := r.routeByScores(r.cells[cluster], candidates, dec)
	if !ok {
		return "", false
	}
	dec.Method = MethodCluster
	return agent, true
}

// routeByScores computes the weighted score for each candidate with enough
// samples in stats, returning the argmax. Ties break on higher sample count
// then lexicographic order. Callers hold r.mu.
func (r *Router) routeByScores(stats map[string]*CellStats, candidates []string, dec *Decision) (string, bool) {
	if len(stats) == 0 {
		return "", false
	}
	var maxDur float64
	scored := make([]string, 0, len(candidates))
	for _, agent := range candidates {
		if c, ok := stats[agent]; ok && c.N >= r.opts.MinSamples {
			scored = append(scored, agent)
			if c.MeanDuration > maxDur {
				maxDur = c.MeanDuration
			}
		}
	}
	if len(scored) == 0 {
		return "", false
	}

	scores := make(map[string]float64, len(scored))
	for _, agent := range scored {
		c := stats[agent]
		normDur := 0.0
		if maxDur > 0 {
			normDur = c.MeanDuration / maxDur
		}
		scores[agent] = r.opts.SuccessWeight*c.SuccessRate + r.opts.DurationWeight*(1-normDur)
	}
	dec.Alternatives = scores

	sort.Slice(scored, func(i, j int) bool {
		si, sj := scores[scored[i]], scores[scored[j]]
		if si != sj {
			return si > sj
		}
		ni, nj := stats[scored[i]].N, stats[scored[j]].N
		if ni != nj {
			return ni > nj
		}
		return scored[i] < scored[j]
	})

	best := scored[0]
	dec.Confidence = scores[best]
	if len(scored) > 1 {
		dec.Confidence = scores[best] - scores[scored[1]]
	}
	return best, true
}

// maybeExplore replaces the recommendation with a uniform pick with
// probability ε. Callers hold r.mu.
func (r *Router) maybeExplore(dec *Decision, candidates []string) {
	if r.rng.Float64() >= dec.Epsilon {
		return
	}
	pick := candidates[r.rng.Intn(len(candidates))]
	if pick != dec.ChosenAgent {
		dec.Exploration = true
		dec.OriginalRecommendation = dec.ChosenAgent
		dec.ChosenAgent = pick
	}
}

func (r *Router) record(dec *Decision) {
	r.decisions = append(r.decisions, *dec)
	if len(r.decisions) > decisionLogLimit {
		r.decisions = r.decisions[len(r.decisions)-decisionLogLimit:]
	}
}

// UpdateAgentStats feeds an observed outcome back into the overall and
// per-cluster cells.
func (r *Router) UpdateAgentStats(agent string, duration time.Duration, success bool, clusterID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.overall[agent]
	if c == nil {
		c = &CellStats{}
		r.overall[agent] = c
	}
	c.update(duration, success)
	r.samples++

	if clusterID >= 0 {
		cell := r.cells[clusterID]
		if cell == nil {
			cell = make(map[string]*CellStats)
			r.cells[clusterID] = cell
		}
		cc := cell[agent]
		if cc == nil {
			cc = &CellStats{}
			cell[agent] = cc
		}
		cc.update(duration, success)
	}
}

// Rebuild reclusters the given history and swaps the model atomically.
// Per-cluster cells are recomputed from the history under the new
// assignment; overall stats are preserved.
func (r *Router) Rebuild(ctx context.Context, history []OutcomeRecord) error {
	if len(history) < r.opts.MinRebuild {
		return ErrInsufficientHistory
	}

	texts := make([]string, len(history))
	for i, rec := range history {
		texts[i] = rec.Content
	}
	embeddings, err := r.encoder.Encode(ctx, texts)
	if err != nil {
		return err
	}

	r.mu.Lock()
	rng := rand.New(rand.NewSource(r.rng.Int63()))
	r.mu.Unlock()

	model, assignments := buildModel(embeddings, history, r.opts.Clusters, rng)
	if model == nil {
		return ErrInsufficientHistory
	}

	cells := make(map[int]map[string]*CellStats)
	for i, rec := range history {
		cluster := assignments[i]
		cell := cells[cluster]
		if cell == nil {
			cell = make(map[string]*CellStats)
			cells[cluster] = cell
		}
		c := cell[rec.Agent]
		if c == nil {
			c = &CellStats{}
			cell[rec.Agent] = c
		}
		c.update(rec.Duration, rec.Success)
	}

	r.mu.Lock()
	r.cells = cells
	r.rebuiltAt = model.BuiltAt
	r.mu.Unlock()
	r.model.Store(model)

	r.log.WithFields(logrus.Fields{
		"clusters": len(model.Centroids),
		"history":  len(history),
	}).Info("router: cluster model rebuilt")
	return nil
}

// PredictCluster exposes the model's assignment for a given content, used
// when recording outcomes for tasks routed before the model existed.
func (r *Router) PredictCluster(ctx context.Context, content string, diag *models.Diagnostics) int {
	model := r.model.Load()
	if model == nil {
		return -1
	}
	embs, err := r.encoder.Encode(ctx, []string{content})
	if err != nil || len(embs) != 1 {
		return -1
	}
	return model.Predict(embs[0], diag)
}

// Decisions returns the most recent routing decisions, newest last.
func (r *Router) Decisions(limit int) []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.decisions)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Decision, n)
	copy(out, r.decisions[len(r.decisions)-n:])
	return out
}

// LastRebuild reports when the model was last swapped (zero if never).
func (r *Router) LastRebuild() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuiltAt
}

// HasModel reports whether a cluster model is active.
func (r *Router) HasModel() bool {
	return r.model.Load() != nil
}
