package trainer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenizeDropsStopwordsAndLemmatizes(t *testing.T) {
	toks := Tokenize("The running dogs were barking loudly")
	require.NotContains(t, toks, "the")
	require.NotContains(t, toks, "were")
	require.Contains(t, toks, "runn") // "running" -> strip "ing"
}

func TestVectorizerFitTransformProducesUnitNormVectors(t *testing.T) {
	v := NewVectorizer(50, 1, 2)
	v.Fit([]string{
		"set a timer for five minutes",
		"what is the weather today",
		"set an alarm for seven am",
	})
	require.NotEmpty(t, v.Vocabulary)

	vec := v.Transform("set a timer for ten minutes")
	var norm float64
	for _, x := range vec {
		norm += x * x
	}
	if norm > 0 {
		require.InDelta(t, 1.0, norm, 1e-6)
	}
}

func TestRandomForestFitsAndPredicts(t *testing.T) {
	classes := []string{"timer", "weather"}
	X := [][]float64{
		{1, 0}, {0.9, 0.1}, {0.8, 0.2},
		{0, 1}, {0.1, 0.9}, {0.2, 0.8},
	}
	y := []int{0, 0, 0, 1, 1, 1}

	f := NewRandomForest(42)
	f.NumTrees = 10
	f.Fit(X, y, classes)

	probs := f.PredictProba([]float64{0.95, 0.05})
	require.Len(t, probs, 2)
	require.Greater(t, probs[0], probs[1])
}

func TestEnsembleSoftVotesWeightedMembers(t *testing.T) {
	classes := []string{"a", "b"}
	f1 := NewRandomForest(1)
	f1.NumTrees = 5
	f1.Fit([][]float64{{1, 0}, {0, 1}}, []int{0, 1}, classes)

	f2 := NewRandomForest(2)
	f2.NumTrees = 5
	f2.Fit([][]float64{{1, 0}, {0, 1}}, []int{0, 1}, classes)

	ens := NewEnsemble(classes, []Member{
		{Classifier: f1, Weight: 2.0},
		{Classifier: f2, Weight: 1.0},
	})

	label, confidence := ens.Predict([]float64{0.9, 0.1})
	require.Equal(t, "a", label)
	require.Greater(t, confidence, 0.0)
}

func TestEnsembleToleratesPlaceholderMember(t *testing.T) {
	classes := []string{"a", "b"}
	f1 := NewRandomForest(1)
	f1.NumTrees = 5
	f1.Fit([][]float64{{1, 0}, {0, 1}}, []int{0, 1}, classes)

	ens := NewEnsemble(classes, []Member{
		{Classifier: f1, Weight: 2.0},
		{Classifier: nil, Weight: 0}, // placeholder for undeserializable upload
	})

	label, _ := ens.Predict([]float64{0.9, 0.1})
	require.Equal(t, "a", label)
}

func TestArtifactRoundTripsThroughGob(t *testing.T) {
	classes := []string{"a", "b"}
	f := NewRandomForest(7)
	f.NumTrees = 5
	f.Fit([][]float64{{1, 0}, {0, 1}}, []int{0, 1}, classes)

	v := NewVectorizer(10, 1, 1)
	v.Fit([]string{"hello world", "goodbye world"})

	model := &SerializedModel{
		Vectorizer: v,
		Classifiers: []ClassifierBlob{
			{SourceID: "base", Forest: f.ToBlob()},
		},
		Weights: []float64{2.0},
		Classes: classes,
	}

	data, err := model.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalArtifact(data)
	require.NoError(t, err)
	require.Equal(t, classes, decoded.Classes)

	ens := decoded.BuildEnsemble()
	probs := ens.PredictProba([]float64{0.9, 0.1})
	require.Len(t, probs, 2)
}

func TestUnmarshalArtifactRejectsGarbage(t *testing.T) {
	_, err := UnmarshalArtifact([]byte("not a gob stream"))
	require.Error(t, err)
}
