package vector

import (
	"fmt"
	"math"
	"strings"
)

// Metric is the distance function a collection is built with.
type Metric string

const (
	// Cosine ranks by angle; Score is the cosine similarity (identical vectors score 1).
	Cosine Metric = "cosine"
	// L2 ranks by Euclidean distance; Score is the distance itself (identical vectors score 0).
	L2 Metric = "l2"
	// IP ranks by inner product; Score is the dot product.
	IP Metric = "ip"
)

// ParseMetric returns the metric named by s. Empty selects Cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case Cosine, "":
		return Cosine, nil
	case L2:
		return L2, nil
	case IP:
		return IP, nil
	default:
		return "", fmt.Errorf("unknown metric: %s (supported: cosine, l2, ip)", s)
	}
}

// Measure returns the ordering distance and the metric-native score between a and b.
// Both vectors must have the same length.
func (m Metric) Measure(a, b []float32) (distance, score float64) {
	switch m {
	case L2:
		d := EuclideanDistance(a, b)
		return d, d
	case IP:
		dot := InnerProduct(a, b)
		return -dot, dot
	default:
		sim := CosineSimilarity(a, b)
		return 1 - sim, sim
	}
}

// String implements fmt.Stringer.
func (m Metric) String() string {
	return string(m)
}

func clampUnit(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}
