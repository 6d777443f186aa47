package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	FramesProcessed  *prometheus.CounterVec
	FacesDetected    prometheus.Counter
	Matches          prometheus.Counter
	NoMatches        prometheus.Counter
	AttendanceMarks  prometheus.Counter
	MatchDistance    prometheus.Histogram
	ActiveRuns       prometheus.Gauge
	Enrollments      *prometheus.CounterVec
	ExtractorLatency prometheus.Histogram
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// binaries and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faceattend",
			Name:      "frames_processed_total",
			Help:      "Frames pulled by recognition runs, by outcome.",
		}, []string{"outcome"}),
		FacesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faceattend",
			Name:      "faces_detected_total",
			Help:      "Faces returned by the extractor.",
		}),
		Matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faceattend",
			Name:      "matches_total",
			Help:      "Faces matched to a known identity.",
		}),
		NoMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faceattend",
			Name:      "no_matches_total",
			Help:      "Faces with no known identity within threshold.",
		}),
		AttendanceMarks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "faceattend",
			Name:      "attendance_marks_total",
			Help:      "Present transitions written.",
		}),
		MatchDistance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "faceattend",
			Name:      "match_distance",
			Help:      "Distance to the nearest known embedding.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 1, 1.5},
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "faceattend",
			Name:      "active_runs",
			Help:      "Recognition runs currently looping.",
		}),
		Enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faceattend",
			Name:      "enrollments_total",
			Help:      "Enrollment attempts, by angle and result.",
		}, []string{"angle", "result"}),
		ExtractorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "faceattend",
			Name:      "extractor_seconds",
			Help:      "Embedding extraction latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.FramesProcessed, m.FacesDetected, m.Matches, m.NoMatches,
			m.AttendanceMarks, m.MatchDistance, m.ActiveRuns, m.Enrollments, m.ExtractorLatency)
	}
	return m
}

// Frame counts a processed frame.
func (m *Metrics) Frame(outcome string, faces int) {
	if m == nil {
		return
	}
	m.FramesProcessed.WithLabelValues(outcome).Inc()
	m.FacesDetected.Add(float64(faces))
}

// Match records a matcher decision.
func (m *Metrics) Match(matched bool, distance float64) {
	if m == nil {
		return
	}
	if matched {
		m.Matches.Inc()
	} else {
		m.NoMatches.Inc()
	}
	m.MatchDistance.Observe(distance)
}

// Mark counts a present transition.
func (m *Metrics) Mark() {
	if m == nil {
		return
	}
	m.AttendanceMarks.Inc()
}

// RunStarted and RunFinished track the active runs gauge.
func (m *Metrics) RunStarted() {
	if m != nil {
		m.ActiveRuns.Inc()
	}
}

func (m *Metrics) RunFinished() {
	if m != nil {
		m.ActiveRuns.Dec()
	}
}

// Enrollment counts one angle enrollment.
func (m *Metrics) Enrollment(angle, result string) {
	if m == nil {
		return
	}
	m.Enrollments.WithLabelValues(angle, result).Inc()
}

// ObserveExtract records extractor latency in seconds.
func (m *Metrics) ObserveExtract(seconds float64) {
	if m == nil {
		return
	}
	m.ExtractorLatency.Observe(seconds)
}
