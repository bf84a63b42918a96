// Package classifier provides on-device image classification used to gate
// uploads before they are sent to the remote vision API.
package classifier

import (
	"context"
	"image"
	"math"
	"sort"
)

// Prediction is a single labeled class with its softmax probability.
type Prediction struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Classifier produces the top-K class predictions for an image.
// Implementations must be safe for concurrent use after construction.
type Classifier interface {
	// Classify returns up to topK predictions ordered by descending
	// probability.
	Classify(ctx context.Context, img image.Image, topK int) ([]Prediction, error)
	// Close releases model resources. Classify must not be called after.
	Close()
}

// softmax converts logits to a probability distribution. Subtracting the
// max logit keeps the exponentials finite.
func softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxLogit))
		probs[i] = e
		sum += e
	}
	if sum > 0 {
		for i := range probs {
			probs[i] /= sum
		}
	}
	return probs
}

// topPredictions pairs probabilities with labels and keeps the k most
// probable. Indices without a label get a numeric placeholder.
func topPredictions(probs []float64, labels []string, k int) []Prediction {
	preds := make([]Prediction, len(probs))
	for i, p := range probs {
		label := ""
		if i < len(labels) {
			label = labels[i]
		}
		preds[i] = Prediction{Label: label, Probability: p}
	}
	sort.SliceStable(preds, func(i, j int) bool {
		return preds[i].Probability > preds[j].Probability
	})
	if k > 0 && len(preds) > k {
		preds = preds[:k]
	}
	return preds
}
