package vision

import (
	"fmt"
	"math"
	"strings"

	"github.com/hupe1980/vecgo/distance"
)

// Metric selects the descriptor distance. It is fixed for a whole mission.
type Metric int

const (
	MetricHamming Metric = iota
	MetricL2
)

func (m Metric) String() string {
	switch m {
	case MetricHamming:
		return "hamming"
	case MetricL2:
		return "l2"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hamming":
		return MetricHamming, nil
	case "l2", "euclidean":
		return MetricL2, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", s)
	}
}

// Neighbor is a candidate in the indexed set.
type Neighbor struct {
	Index    int
	Distance float64
}

// Neighbors holds the first and second nearest candidates. HasSecond is false
// when the indexed set has a single element.
type Neighbors struct {
	Best      Neighbor
	Second    Neighbor
	HasSecond bool
}

// NearestNeighborIndex answers first/second nearest queries over one FeatureSet.
// NearestTwo reports false when the indexed set is empty.
type NearestNeighborIndex interface {
	NearestTwo(query Descriptor) (Neighbors, bool)
	Len() int
	DescriptorSize() int
}

// IndexBuilder builds an index over a FeatureSet. Implementations must be
// deterministic for identical inputs.
type IndexBuilder interface {
	Build(set FeatureSet) (NearestNeighborIndex, error)
}

func toFloat32(d Descriptor) []float32 {
	out := make([]float32, len(d))
	for i, v := range d {
		out[i] = float32(v)
	}
	return out
}

// better orders candidates by distance, then by lower index.
func better(a, b Neighbor) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Index < b.Index
}

// topTwo keeps the two best candidates seen so far.
type topTwo struct {
	n     Neighbors
	count int
}

func (t *topTwo) offer(c Neighbor) {
	switch {
	case t.count == 0:
		t.n.Best = c
	case better(c, t.n.Best):
		t.n.Second = t.n.Best
		t.n.Best = c
	case t.count == 1 || better(c, t.n.Second):
		t.n.Second = c
	}
	t.count++
	t.n.HasSecond = t.count > 1
}

// BruteForceBuilder builds exact indexes.
type BruteForceBuilder struct {
	Metric Metric
}

func (b BruteForceBuilder) Build(set FeatureSet) (NearestNeighborIndex, error) {
	size, err := set.DescriptorSize()
	if err != nil {
		return nil, err
	}
	idx := &bruteForceIndex{metric: b.Metric, size: size, descriptors: descriptorsOf(set)}
	if b.Metric == MetricL2 {
		idx.vectors = make([][]float32, len(idx.descriptors))
		for i, d := range idx.descriptors {
			idx.vectors[i] = toFloat32(d)
		}
	}
	return idx, nil
}

func descriptorsOf(set FeatureSet) []Descriptor {
	out := make([]Descriptor, len(set.Features))
	for i, f := range set.Features {
		out[i] = f.Descriptor
	}
	return out
}

type bruteForceIndex struct {
	metric      Metric
	size        int
	descriptors []Descriptor
	vectors     [][]float32
}

func (idx *bruteForceIndex) Len() int            { return len(idx.descriptors) }
func (idx *bruteForceIndex) DescriptorSize() int { return idx.size }

func (idx *bruteForceIndex) distance(i int, query Descriptor, queryVec []float32) float64 {
	if idx.metric == MetricL2 {
		return math.Sqrt(float64(distance.SquaredL2(idx.vectors[i], queryVec)))
	}
	return float64(distance.Hamming(idx.descriptors[i], query))
}

func (idx *bruteForceIndex) NearestTwo(query Descriptor) (Neighbors, bool) {
	if len(idx.descriptors) == 0 {
		return Neighbors{}, false
	}
	var queryVec []float32
	if idx.metric == MetricL2 {
		queryVec = toFloat32(query)
	}
	var top topTwo
	for i := range idx.descriptors {
		top.offer(Neighbor{Index: i, Distance: idx.distance(i, query, queryVec)})
	}
	return top.n, true
}

func (idx *bruteForceIndex) nearestAmong(query Descriptor, candidates []int) Neighbors {
	var queryVec []float32
	if idx.metric == MetricL2 {
		queryVec = toFloat32(query)
	}
	var top topTwo
	for _, i := range candidates {
		top.offer(Neighbor{Index: i, Distance: idx.distance(i, query, queryVec)})
	}
	return top.n
}
