package trainer

// Member is one weighted component of an Ensemble.
type Member struct {
	Classifier Classifier
	Weight     float64
}

// Ensemble soft-votes over its weighted members: PredictProba averages
// member distributions weighted by Weight; Predict argmaxes the result.
type Ensemble struct {
	classes []string
	members []Member
}

// NewEnsemble builds an Ensemble. All members must share the same class
// ordering as classes.
func NewEnsemble(classes []string, members []Member) *Ensemble {
	return &Ensemble{classes: classes, members: members}
}

func (e *Ensemble) Classes() []string { return e.classes }

func (e *Ensemble) PredictProba(x []float64) []float64 {
	out := make([]float64, len(e.classes))
	var totalWeight float64
	for _, m := range e.members {
		if m.Classifier == nil {
			continue // placeholder member for an upload that failed to deserialize
		}
		probs := m.Classifier.PredictProba(x)
		for i := range out {
			if i < len(probs) {
				out[i] += probs[i] * m.Weight
			}
		}
		totalWeight += m.Weight
	}
	if totalWeight > 0 {
		for i := range out {
			out[i] /= totalWeight
		}
	}
	return out
}

// Predict returns the argmax class label and its confidence.
func (e *Ensemble) Predict(x []float64) (label string, confidence float64) {
	probs := e.PredictProba(x)
	best := -1
	for i, p := range probs {
		if best == -1 || p > probs[best] {
			best = i
		}
	}
	if best == -1 {
		return "", 0
	}
	return e.classes[best], probs[best]
}
