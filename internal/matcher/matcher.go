package matcher

import (
	"math"

	"faceattend/internal/embedding"
)

// DefaultThreshold is the acceptance distance on a normalized embedding space.
const DefaultThreshold = 0.6

// Config tunes matching.
type Config struct {
	Threshold float64
}

// KnownSet is the ordered set of reference embeddings. Embeddings[i] belongs
// to Identities[i]; order decides ties.
type KnownSet struct {
	Embeddings [][]float32
	Identities []string
}

// Len returns the number of usable pairs.
func (k KnownSet) Len() int {
	return min(len(k.Embeddings), len(k.Identities))
}

// Result is the outcome of a single match.
type Result struct {
	Matched  bool
	Identity string
	// Confidence is 1 - Distance. It is negative when Distance exceeds 1.
	Confidence float64
	Distance   float64
	// Index is the argmin position in the known set, -1 when the set had no
	// comparable entry.
	Index int
}

// Matcher resolves a query embedding against a known set.
type Matcher struct {
	threshold float64
}

// New creates a matcher. A non-positive threshold selects DefaultThreshold.
func New(cfg Config) *Matcher {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Matcher{threshold: cfg.Threshold}
}

// Threshold returns the acceptance distance.
func (m *Matcher) Threshold() float64 { return m.threshold }

// WithThreshold returns a matcher sharing nothing with m but using t.
func (m *Matcher) WithThreshold(t float64) *Matcher {
	if t <= 0 {
		return m
	}
	return New(Config{Threshold: t})
}

// Match finds the nearest known embedding and accepts it when its distance is
// within the threshold. Entries whose dimension differs from the query are
// skipped. The first minimal entry wins ties.
func (m *Matcher) Match(query []float32, known KnownSet) Result {
	res := Result{Index: -1, Distance: math.Inf(1)}
	for i := 0; i < known.Len(); i++ {
		d, ok := embedding.Distance(query, known.Embeddings[i])
		if !ok {
			continue
		}
		if d < res.Distance {
			res.Distance = d
			res.Index = i
		}
	}
	if res.Index < 0 {
		return res
	}
	if res.Distance <= m.threshold {
		res.Matched = true
		res.Identity = known.Identities[res.Index]
		res.Confidence = 1 - res.Distance
	}
	return res
}
