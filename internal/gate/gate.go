package gate

import (
	"context"
	"image"
	"log/slog"

	"github.com/snapcal-tech/snapcal/internal/classifier"
)

// FoodConfidenceThreshold is the minimum probability of the best
// food-labeled prediction for an image to pass the gate outright.
const FoodConfidenceThreshold = 0.25

// NonFoodBlockThreshold is the minimum probability of the top non-food
// prediction for the gate to block with a named subject. Below it the
// classifier is too unsure to refuse the upload.
const NonFoodBlockThreshold = 0.60

// TopK is how many predictions the gate inspects.
const TopK = 5

// Config controls gate behavior.
type Config struct {
	FoodThreshold    float64
	NonFoodThreshold float64
	TopK             int
	// Disabled skips classification entirely; every image passes.
	Disabled bool
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FoodThreshold:    FoodConfidenceThreshold,
		NonFoodThreshold: NonFoodBlockThreshold,
		TopK:             TopK,
	}
}

// Verdict is the gate's decision for one image.
type Verdict struct {
	// Allow is true when the image should proceed to analysis.
	Allow bool `json:"allow"`
	// FoodConfidence is the probability of the most likely food-labeled
	// prediction.
	FoodConfidence float64 `json:"food_confidence"`
	// DetectedLabel names the top non-food prediction when the gate
	// blocks or warns; empty otherwise.
	DetectedLabel string `json:"detected_label,omitempty"`
	// DetectedConfidence is the probability of DetectedLabel.
	DetectedConfidence float64 `json:"detected_confidence,omitempty"`
	// Overridden is true when a repeat upload of a blocked image was
	// let through.
	Overridden bool `json:"overridden,omitempty"`
	// Warn is true when the image passed despite looking like non-food.
	Warn bool `json:"warn,omitempty"`
	// Predictions are the raw classifier predictions the verdict is
	// based on, for logging and UI display.
	Predictions []classifier.Prediction `json:"predictions,omitempty"`
}

// Top returns the highest-ranked prediction, when any were made.
func (v Verdict) Top() (classifier.Prediction, bool) {
	if len(v.Predictions) == 0 {
		return classifier.Prediction{}, false
	}
	return v.Predictions[0], true
}

// Gate scores images with a lazily-loaded classifier. Classifier failures
// never block an upload: the gate fails open with a zero food score.
type Gate struct {
	cfg      Config
	loader   *classifier.Loader
	table    *KeywordTable
	override *OverrideSlot
	logger   *slog.Logger
}

// New creates a Gate. table may be nil to use the embedded keyword table.
func New(cfg Config, loader *classifier.Loader, table *KeywordTable, logger *slog.Logger) *Gate {
	if table == nil {
		table = DefaultKeywordTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = TopK
	}
	return &Gate{
		cfg:      cfg,
		loader:   loader,
		table:    table,
		override: NewOverrideSlot(),
		logger:   logger,
	}
}

// Override exposes the gate's override slot.
func (g *Gate) Override() *OverrideSlot { return g.override }

// Close releases the classifier, if one was ever loaded.
func (g *Gate) Close() error {
	g.loader.Close()
	return nil
}

// Check classifies img and decides whether the upload identified by
// fingerprint may proceed. A blocking verdict records the fingerprint in
// the override slot: re-uploading the exact same image passes with a
// warning instead of blocking again.
func (g *Gate) Check(ctx context.Context, img image.Image, fingerprint string) Verdict {
	if g.cfg.Disabled {
		return Verdict{Allow: true}
	}

	cls, err := g.loader.Ensure(ctx)
	if err != nil {
		g.logger.Warn("classifier unavailable, gate failing open", "error", err)
		return Verdict{Allow: true}
	}

	preds, err := cls.Classify(ctx, img, g.cfg.TopK)
	if err != nil {
		g.logger.Warn("classification failed, gate failing open", "error", err)
		return Verdict{Allow: true}
	}

	v := g.Evaluate(preds)
	if v.Allow {
		return v
	}
	if g.override.Consume(fingerprint) {
		g.logger.Info("detection override consumed", "fingerprint", fingerprint)
		v.Allow = true
		v.Overridden = true
		v.Warn = true
		return v
	}
	g.override.Arm(fingerprint)
	return v
}

// Evaluate applies the threshold policy to a prediction set.
func (g *Gate) Evaluate(preds []classifier.Prediction) Verdict {
	v := Verdict{Predictions: preds}
	var topNonFood classifier.Prediction
	for _, p := range preds {
		if g.table.IsFoodLabel(p.Label) {
			if p.Probability > v.FoodConfidence {
				v.FoodConfidence = p.Probability
			}
		} else if p.Probability > topNonFood.Probability {
			topNonFood = p
		}
	}

	if v.FoodConfidence >= g.cfg.FoodThreshold {
		v.Allow = true
		return v
	}

	if topNonFood.Probability >= g.cfg.NonFoodThreshold {
		v.DetectedLabel = topNonFood.Label
		v.DetectedConfidence = topNonFood.Probability
		return v
	}

	// Neither clearly food nor confidently something else: let the remote
	// analyzer decide.
	v.Allow = true
	return v
}
