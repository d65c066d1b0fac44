package trainer

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// TreeBlob is the gob-serializable form of a decision tree node. Unlike
// treeNode, every field is exported so encoding/gob can walk it.
type TreeBlob struct {
	FeatureIdx  int
	Threshold   float64
	Left        *TreeBlob
	Right       *TreeBlob
	IsLeaf      bool
	ClassCounts []float64
}

// ForestBlob is the gob-serializable form of a RandomForest.
type ForestBlob struct {
	NumTrees    int
	MaxDepth    int
	MinSamples  int
	FeatureFrac float64
	Classes     []string
	Trees       []*TreeBlob
	RNGState    uint64
}

func toBlob(n *treeNode) *TreeBlob {
	if n == nil {
		return nil
	}
	return &TreeBlob{
		FeatureIdx:  n.FeatureIdx,
		Threshold:   n.Threshold,
		Left:        toBlob(n.Left),
		Right:       toBlob(n.Right),
		IsLeaf:      n.IsLeaf,
		ClassCounts: n.ClassCounts,
	}
}

func fromBlob(b *TreeBlob) *treeNode {
	if b == nil {
		return nil
	}
	return &treeNode{
		FeatureIdx:  b.FeatureIdx,
		Threshold:   b.Threshold,
		Left:        fromBlob(b.Left),
		Right:       fromBlob(b.Right),
		IsLeaf:      b.IsLeaf,
		ClassCounts: b.ClassCounts,
	}
}

// ToBlob converts the forest to its gob-serializable form.
func (f *RandomForest) ToBlob() *ForestBlob {
	trees := make([]*TreeBlob, len(f.trees))
	for i, t := range f.trees {
		trees[i] = toBlob(t)
	}
	return &ForestBlob{
		NumTrees:    f.NumTrees,
		MaxDepth:    f.MaxDepth,
		MinSamples:  f.MinSamples,
		FeatureFrac: f.FeatureFrac,
		Classes:     f.classes,
		Trees:       trees,
		RNGState:    f.rngState,
	}
}

// ForestFromBlob reconstructs a trained RandomForest from its blob. The
// reconstructed forest is read-only (never re-trained).
func ForestFromBlob(b *ForestBlob) *RandomForest {
	f := &RandomForest{
		NumTrees:    b.NumTrees,
		MaxDepth:    b.MaxDepth,
		MinSamples:  b.MinSamples,
		FeatureFrac: b.FeatureFrac,
		classes:     b.Classes,
		rngState:    b.RNGState,
	}
	f.trees = make([]*treeNode, len(b.Trees))
	for i, t := range b.Trees {
		f.trees[i] = fromBlob(t)
	}
	return f
}

// ClassifierBlob is one ensemble member's serialized form: a base model or
// a user-uploaded model, identified by SourceID (device/model ID, or
// "base" for the server-trained classifier).
type ClassifierBlob struct {
	SourceID string
	DeviceID string
	Forest   *ForestBlob
}

// SerializedModel is the complete on-disk/blob-store artifact envelope for
// a published ModelVersion.
type SerializedModel struct {
	Vectorizer  *Vectorizer
	Classifiers []ClassifierBlob
	Weights     []float64
	Classes     []string
}

// Marshal gob-encodes the artifact.
func (m *SerializedModel) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode model artifact: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalArtifact decodes a gob-encoded artifact. A corrupt or
// incompatible payload returns an error; callers (the Orchestrator's
// fuseEnsemble step) are responsible for substituting a placeholder
// zero-weight member rather than failing the whole cycle.
func UnmarshalArtifact(data []byte) (*SerializedModel, error) {
	var m SerializedModel
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode model artifact: %w", err)
	}
	return &m, nil
}

// BuildEnsemble reconstructs a runtime Ensemble from a decoded artifact.
func (m *SerializedModel) BuildEnsemble() *Ensemble {
	members := make([]Member, len(m.Classifiers))
	for i, c := range m.Classifiers {
		weight := 0.0
		if i < len(m.Weights) {
			weight = m.Weights[i]
		}
		if c.Forest == nil {
			members[i] = Member{Classifier: nil, Weight: 0} // placeholder, per Open Question 2
			continue
		}
		members[i] = Member{Classifier: ForestFromBlob(c.Forest), Weight: weight}
	}
	return NewEnsemble(m.Classes, members)
}
