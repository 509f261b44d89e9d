package intelligence

import (
	"math"
	"math/rand"
	"time"

	"github.com/m0r6aN/Manus-Killswitch/internal/models"
)

// categoryOrder fixes the position of each category count in the feature
// vector; it must not change between rebuild and predict.
var categoryOrder = []string{"analytical", "comparative", "creative", "complex"}

// Feature scaling: the embedding dominates, complexity matters, word count
// is a weak signal, category hits give context.
const (
	complexityScale = 0.5
	wordCountScale  = 0.1
	categoryScale   = 0.3
)

// numericFeatures returns the raw (unstandardized) numeric tail.
func numericFeatures(diag *models.Diagnostics) []float64 {
	out := make([]float64, 0, 2+len(categoryOrder))
	if diag == nil {
		return make([]float64, 2+len(categoryOrder))
	}
	out = append(out, diag.ComplexityScore, float64(diag.WordCount))
	for _, cat := range categoryOrder {
		out = append(out, float64(diag.CategoryHits[cat]))
	}
	return out
}

// Model is an immutable clustering snapshot, swapped atomically on rebuild.
type Model struct {
	Centroids [][]float64
	BuiltAt   time.Time

	// Standardization of the numeric tail, from the training history.
	tailMean []float64
	tailStd  []float64
	embedDim int
}

// features assembles the full vector for one task: unit-normalized
// embedding followed by the standardized, scaled numeric tail.
func (m *Model) features(embedding []float64, diag *models.Diagnostics) []float64 {
	emb := make([]float64, len(embedding))
	copy(emb, embedding)
	normalize(emb)

	tail := numericFeatures(diag)
	scales := tailScales()
	out := make([]float64, 0, len(emb)+len(tail))
	out = append(out, emb...)
	for i, v := range tail {
		std := 1.0
		mean := 0.0
		if i < len(m.tailStd) && m.tailStd[i] > 0 {
			std = m.tailStd[i]
			mean = m.tailMean[i]
		}
		out = append(out, (v-mean)/std*scales[i])
	}
	return out
}

func tailScales() []float64 {
	scales := []float64{complexityScale, wordCountScale}
	for range categoryOrder {
		scales = append(scales, categoryScale)
	}
	return scales
}

// Predict assigns the nearest cluster to the given embedding + diagnostics.
// Returns -1 when the model holds no centroids.
func (m *Model) Predict(embedding []float64, diag *models.Diagnostics) int {
	if m == nil || len(m.Centroids) == 0 {
		return -1
	}
	vec := m.features(embedding, diag)
	best, bestDist := -1, math.Inf(1)
	for i, c := range m.Centroids {
		d := sqDist(vec, c)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func sqDist(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	// Length mismatch (model trained on a different encoder) counts the
	// missing tail as distance so degenerate matches do not win.
	for i := n; i < len(a); i++ {
		sum += a[i] * a[i]
	}
	for i := n; i < len(b); i++ {
		sum += b[i] * b[i]
	}
	return sum
}

// buildModel standardizes the numeric tails, assembles feature vectors and
// runs k-means. Returns the model and each record's cluster assignment.
func buildModel(embeddings [][]float64, records []OutcomeRecord, k int, rng *rand.Rand) (*Model, []int) {
	n := len(records)
	if n == 0 || len(embeddings) != n {
		return nil, nil
	}
	if k > n {
		k = n
	}

	tails := make([][]float64, n)
	for i, rec := range records {
		tails[i] = numericFeatures(rec.Diagnostics)
	}
	mean, std := runningStats(tails)

	m := &Model{
		BuiltAt:  time.Now().UTC(),
		tailMean: mean,
		tailStd:  std,
		embedDim: len(embeddings[0]),
	}

	points := make([][]float64, n)
	for i := range records {
		points[i] = m.features(embeddings[i], records[i].Diagnostics)
	}

	centroids, assignments := kmeans(points, k, rng, 25)
	m.Centroids = centroids
	return m, assignments
}

// runningStats computes per-column mean and standard deviation.
func runningStats(rows [][]float64) (mean, std []float64) {
	if len(rows) == 0 {
		return nil, nil
	}
	cols := len(rows[0])
	mean = make([]float64, cols)
	std = make([]float64, cols)
	for _, row := range rows {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(len(rows))
	}
	for _, row := range rows {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / float64(len(rows)))
	}
	return mean, std
}

// kmeans is plain Lloyd's algorithm with k-means++ seeding from rng.
func kmeans(points [][]float64, k int, rng *rand.Rand, iters int) ([][]float64, []int) {
	n := len(points)
	dim := len(points[0])

	// k-means++ seeding.
	centroids := make([][]float64, 0, k)
	first := rng.Intn(n)
	centroids = append(centroids, clone(points[first]))
	dists := make([]float64, n)
	for len(centroids) < k {
		var total float64
		for i, p := range points {
			best := math.Inf(1)
			for _, c := range centroids {
				if d := sqDist(p, c); d < best {
					best = d
				}
			}
			dists[i] = best
			total += best
		}
		if total == 0 {
			// All remaining points coincide with a centroid.
			centroids = append(centroids, clone(points[rng.Intn(n)]))
			continue
		}
		target := rng.Float64() * total
		idx := 0
		for i, d := range dists {
			target -= d
			if target <= 0 {
				idx = i
				break
			}
		}
		centroids = append(centroids, clone(points[idx]))
	}

	assignments := make([]int, n)
	for iter := 0; iter < iters; iter++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for j, c := range centroids {
				if d := sqDist(p, c); d < bestDist {
					best, bestDist = j, d
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for j := range sums {
			sums[j] = make([]float64, dim)
		}
		for i, p := range points {
			j := assignments[i]
			counts[j]++
			for d, v := range p {
				sums[j][d] += v
			}
		}
		for j := range centroids {
			if counts[j] == 0 {
				continue // keep the old centroid for empty clusters
			}
			for d := range centroids[j] {
				centroids[j][d] = sums[j][d] / float64(counts[j])
			}
		}
		if !changed {
			break
		}
	}
	return centroids, assignments
}

func clone(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
