package trainer

import (
	"math"
	"sort"
)

// Classifier is the common interface both a single RandomForest and the
// Ensemble satisfy, so Ensemble can treat its members uniformly.
type Classifier interface {
	// PredictProba returns a probability distribution over Classes() for x.
	PredictProba(x []float64) []float64
	Classes() []string
}

// treeNode is one node of a decision tree; leaves have IsLeaf set and carry
// ClassCounts.
type treeNode struct {
	FeatureIdx int
	Threshold  float64
	Left       *treeNode
	Right      *treeNode

	// leaf fields
	IsLeaf      bool
	ClassCounts []float64 // per-class fraction at this leaf
}

// RandomForest is a minimal bagged decision-tree ensemble with
// Gini-impurity splits, implemented directly on the standard library.
type RandomForest struct {
	NumTrees    int
	MaxDepth    int
	MinSamples  int
	FeatureFrac float64 // fraction of features considered per split (sqrt-like)

	classes []string
	trees   []*treeNode

	rngState uint64 // deterministic xorshift state, no math/rand dependency on wall clock
}

// NewRandomForest constructs a forest with the default ensemble size: 100 trees.
func NewRandomForest(seed uint64) *RandomForest {
	if seed == 0 {
		seed = 0x9E3779B97F4A7C15
	}
	return &RandomForest{
		NumTrees:    100,
		MaxDepth:    8,
		MinSamples:  2,
		FeatureFrac: 0.5,
		rngState:    seed,
	}
}

func (f *RandomForest) Classes() []string { return f.classes }

// next produces the next pseudo-random uint64 via xorshift64*, deterministic
// given the seed so training runs are reproducible for a fixed snapshot.
func (f *RandomForest) next() uint64 {
	x := f.rngState
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	f.rngState = x
	return x * 0x2545F4914F6CDD1D
}

func (f *RandomForest) intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(f.next() % uint64(n))
}

func (f *RandomForest) floatn() float64 {
	return float64(f.next()>>11) / float64(1<<53)
}

// Fit trains the forest on the given feature matrix X and integer class
// labels y (indices into classes).
func (f *RandomForest) Fit(X [][]float64, y []int, classes []string) {
	f.classes = classes
	numFeatures := 0
	if len(X) > 0 {
		numFeatures = len(X[0])
	}
	featuresPerSplit := int(math.Max(1, float64(numFeatures)*f.FeatureFrac))

	f.trees = make([]*treeNode, 0, f.NumTrees)
	for t := 0; t < f.NumTrees; t++ {
		idx := f.bootstrapSample(len(X))
		root := f.buildTree(X, y, idx, len(classes), featuresPerSplit, 0)
		f.trees = append(f.trees, root)
	}
}

func (f *RandomForest) bootstrapSample(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = f.intn(n)
	}
	return idx
}

func (f *RandomForest) buildTree(X [][]float64, y []int, idx []int, numClasses, featuresPerSplit, depth int) *treeNode {
	counts := make([]float64, numClasses)
	for _, i := range idx {
		counts[y[i]]++
	}
	total := float64(len(idx))

	if depth >= f.MaxDepth || len(idx) <= f.MinSamples || gini(counts, total) == 0 {
		return leafFrom(counts, total)
	}

	numFeatures := 0
	if len(X) > 0 {
		numFeatures = len(X[0])
	}
	candidates := f.sampleFeatureIndices(numFeatures, featuresPerSplit)

	bestFeature := -1
	bestThreshold := 0.0
	bestGain := 0.0
	baseImpurity := gini(counts, total)

	for _, feat := range candidates {
		threshold, gain := f.bestSplitForFeature(X, y, idx, feat, numClasses, baseImpurity, total)
		if gain > bestGain {
			bestGain = gain
			bestFeature = feat
			bestThreshold = threshold
		}
	}

	if bestFeature == -1 {
		return leafFrom(counts, total)
	}

	var left, right []int
	for _, i := range idx {
		if X[i][bestFeature] <= bestThreshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return leafFrom(counts, total)
	}

	return &treeNode{
		FeatureIdx: bestFeature,
		Threshold:  bestThreshold,
		Left:       f.buildTree(X, y, left, numClasses, featuresPerSplit, depth+1),
		Right:      f.buildTree(X, y, right, numClasses, featuresPerSplit, depth+1),
	}
}

func (f *RandomForest) sampleFeatureIndices(numFeatures, k int) []int {
	if k >= numFeatures {
		out := make([]int, numFeatures)
		for i := range out {
			out[i] = i
		}
		return out
	}
	seen := make(map[int]struct{}, k)
	out := make([]int, 0, k)
	for len(out) < k {
		c := f.intn(numFeatures)
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func (f *RandomForest) bestSplitForFeature(X [][]float64, y []int, idx []int, feat, numClasses int, baseImpurity, total float64) (threshold, gain float64) {
	values := make([]float64, len(idx))
	for i, row := range idx {
		values[i] = X[row][feat]
	}
	sort.Float64s(values)

	bestGain := 0.0
	bestThreshold := 0.0
	for q := 1; q < 4; q++ {
		pos := (len(values) * q) / 4
		if pos <= 0 || pos >= len(values) {
			continue
		}
		cand := (values[pos-1] + values[pos]) / 2

		leftCounts := make([]float64, numClasses)
		rightCounts := make([]float64, numClasses)
		var leftTotal, rightTotal float64
		for _, i := range idx {
			if X[i][feat] <= cand {
				leftCounts[y[i]]++
				leftTotal++
			} else {
				rightCounts[y[i]]++
				rightTotal++
			}
		}
		if leftTotal == 0 || rightTotal == 0 {
			continue
		}
		weighted := (leftTotal/total)*gini(leftCounts, leftTotal) + (rightTotal/total)*gini(rightCounts, rightTotal)
		g := baseImpurity - weighted
		if g > bestGain {
			bestGain = g
			bestThreshold = cand
		}
	}
	return bestThreshold, bestGain
}

func gini(counts []float64, total float64) float64 {
	if total == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range counts {
		p := c / total
		sum += p * p
	}
	return 1 - sum
}

func leafFrom(counts []float64, total float64) *treeNode {
	probs := make([]float64, len(counts))
	if total > 0 {
		for i, c := range counts {
			probs[i] = c / total
		}
	}
	return &treeNode{IsLeaf: true, ClassCounts: probs}
}

// PredictProba averages the per-class probability distribution across all
// trees (soft voting within the forest itself).
func (f *RandomForest) PredictProba(x []float64) []float64 {
	out := make([]float64, len(f.classes))
	if len(f.trees) == 0 {
		return out
	}
	for _, root := range f.trees {
		leaf := predictLeaf(root, x)
		for i, p := range leaf.ClassCounts {
			if i < len(out) {
				out[i] += p
			}
		}
	}
	for i := range out {
		out[i] /= float64(len(f.trees))
	}
	return out
}

func predictLeaf(node *treeNode, x []float64) *treeNode {
	for !node.IsLeaf {
		if x[node.FeatureIdx] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node
}

var _ Classifier = (*RandomForest)(nil)
