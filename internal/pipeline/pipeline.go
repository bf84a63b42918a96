package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"log/slog"

	"github.com/snapcal-tech/snapcal/internal/cache"
	"github.com/snapcal-tech/snapcal/internal/classifier"
	"github.com/snapcal-tech/snapcal/internal/fingerprint"
	"github.com/snapcal-tech/snapcal/internal/gate"
	"github.com/snapcal-tech/snapcal/internal/history"
	"github.com/snapcal-tech/snapcal/internal/normalize"
	"github.com/snapcal-tech/snapcal/internal/vision"
)

// Config holds configuration for the analysis pipeline and its components.
type Config struct {
	ModelsDir  string
	Normalize  normalize.Config
	Gate       gate.Config
	Classifier classifier.Config
	Vision     vision.Config
	// SaveHistory controls whether successful analyses are logged to the
	// meal history (when a history store is attached).
	SaveHistory bool
	// SaveThumbnail controls whether history entries carry a thumbnail.
	SaveThumbnail bool
}

// DefaultConfig returns a default pipeline config with component defaults.
func DefaultConfig() Config {
	return Config{
		ModelsDir:     classifier.GetModelsDir(""),
		Normalize:     normalize.DefaultConfig(),
		Gate:          gate.DefaultConfig(),
		Classifier:    classifier.DefaultConfig(),
		Vision:        vision.DefaultConfig(),
		SaveHistory:   true,
		SaveThumbnail: true,
	}
}

// Result is a completed analysis.
type Result struct {
	Analysis    *vision.AnalysisResult  `json:"analysis"`
	Fingerprint string                  `json:"fingerprint"`
	Image       *normalize.EncodedImage `json:"image,omitempty"`
	Verdict     gate.Verdict            `json:"verdict"`
	FromCache   bool                    `json:"from_cache"`
	MealID      string                  `json:"meal_id,omitempty"`
}

// Pipeline runs uploads through normalize, gate, cache and the remote
// analyzer. Safe for concurrent use.
type Pipeline struct {
	cfg        Config
	normalizer *normalize.Normalizer
	gate       *gate.Gate
	client     *vision.Client
	cache      cache.Store
	history    history.Store
	logger     *slog.Logger
}

// Builder constructs a Pipeline with fluent configuration.
type Builder struct {
	cfg     Config
	cache   cache.Store
	history history.Store
	client  *vision.Client
	loader  *classifier.Loader
	logger  *slog.Logger
}

// NewBuilder creates a pipeline builder with defaults.
func NewBuilder() *Builder { return &Builder{cfg: DefaultConfig()} }

// WithConfig replaces the whole config.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithModelsDir sets the models directory and updates component model paths.
func (b *Builder) WithModelsDir(dir string) *Builder {
	if dir != "" {
		b.cfg.ModelsDir = dir
	}
	b.cfg.Classifier.UpdateModelPath(b.cfg.ModelsDir)
	return b
}

// WithVisionBaseURL sets the analysis service endpoint.
func (b *Builder) WithVisionBaseURL(url string) *Builder {
	if url != "" {
		b.cfg.Vision.BaseURL = url
	}
	return b
}

// WithVisionClient injects a pre-built client, overriding the Vision config.
func (b *Builder) WithVisionClient(c *vision.Client) *Builder {
	b.client = c
	return b
}

// WithCache attaches a result cache. Without one, every run hits the
// remote service.
func (b *Builder) WithCache(store cache.Store) *Builder {
	b.cache = store
	return b
}

// WithHistory attaches a meal history store.
func (b *Builder) WithHistory(store history.Store) *Builder {
	b.history = store
	return b
}

// WithClassifierLoader injects a classifier loader, overriding the
// Classifier config.
func (b *Builder) WithClassifierLoader(l *classifier.Loader) *Builder {
	b.loader = l
	return b
}

// WithLogger sets the pipeline logger.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// Build assembles the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	client := b.client
	if client == nil {
		var err error
		client, err = vision.NewClient(b.cfg.Vision, logger)
		if err != nil {
			return nil, err
		}
	}

	loader := b.loader
	if loader == nil {
		loader = classifier.NewONNXLoader(b.cfg.Classifier)
	}

	return &Pipeline{
		cfg:        b.cfg,
		normalizer: normalize.New(b.cfg.Normalize),
		gate:       gate.New(b.cfg.Gate, loader, nil, logger),
		client:     client,
		cache:      b.cache,
		history:    b.history,
		logger:     logger,
	}, nil
}

// Gate exposes the food gate, so callers can arm detection overrides.
func (p *Pipeline) Gate() *gate.Gate { return p.gate }

// ArmOverride lets the next analysis of the given fingerprint bypass the
// food gate once.
func (p *Pipeline) ArmOverride(fp string) {
	p.gate.Override().Arm(fp)
}

// Close releases the on-device classifier. Cache and history stores are
// owned by the caller and stay open.
func (p *Pipeline) Close() error {
	return p.gate.Close()
}

// Analyze runs one upload end to end. cb may be nil. On failure the error
// is always a *Error; a KindNotFoodBlocked error carries the fingerprint
// needed to arm an override for a retry.
func (p *Pipeline) Analyze(ctx context.Context, data []byte, mediaType string, cb StageCallback) (*Result, error) {
	if cb == nil {
		cb = NoOpStageCallback{}
	}

	res, err := p.analyze(ctx, data, mediaType, cb)
	if err != nil {
		var perr *Error
		if !errors.As(err, &perr) {
			perr = classify(StageIdle, err)
		}
		cb.OnError(perr.Stage, perr)
		return nil, perr
	}
	cb.OnStage(StageComplete, StageComplete.Percent())
	return res, nil
}

func (p *Pipeline) analyze(ctx context.Context, data []byte, mediaType string, cb StageCallback) (*Result, error) {
	// Compress.
	cb.OnStage(StageCompressing, StageCompressing.Percent())
	encoded, err := p.normalizer.Process(data, mediaType)
	if err != nil {
		return nil, classify(StageCompressing, err)
	}
	fp := fingerprint.FromDataURI(encoded.DataURI)
	p.logger.Debug("image normalized",
		"fingerprint", fp,
		"width", encoded.Width, "height", encoded.Height,
		"bytes", encoded.Size, "original_bytes", encoded.OriginalSize)

	if err := ctx.Err(); err != nil {
		return nil, classify(StageCompressing, err)
	}

	// Gate.
	cb.OnStage(StageDetecting, StageDetecting.Percent())
	img, err := decodeDataURI(encoded.DataURI)
	if err != nil {
		return nil, classify(StageDetecting, err)
	}
	verdict := p.gate.Check(ctx, img, fp)
	if !verdict.Allow {
		p.logger.Info("gate blocked upload",
			"fingerprint", fp,
			"detected", verdict.DetectedLabel,
			"confidence", verdict.DetectedConfidence)
		return nil, &Error{
			Kind:               KindNotFoodBlocked,
			Stage:              StageDetecting,
			Fingerprint:        fp,
			DetectedLabel:      verdict.DetectedLabel,
			DetectedConfidence: verdict.DetectedConfidence,
		}
	}
	if verdict.Warn {
		p.logger.Info("gate passed with warning",
			"fingerprint", fp,
			"detected", verdict.DetectedLabel,
			"confidence", verdict.DetectedConfidence)
	}

	if err := ctx.Err(); err != nil {
		return nil, classify(StageDetecting, err)
	}

	// The cache is trusted only when the gate itself was confident the
	// photo is food; an undetermined or overridden pass bypasses it in
	// both directions.
	trusted := verdict.FoodConfidence >= gate.FoodConfidenceThreshold

	// Cache.
	cb.OnStage(StageCheckingCache, StageCheckingCache.Percent())
	if p.cache != nil && trusted {
		cached, ok, err := p.cache.Get(ctx, fp)
		if err != nil {
			// A broken cache must not block analysis.
			p.logger.Warn("cache lookup failed", "fingerprint", fp, "error", err)
		} else if ok {
			p.logger.Info("cache hit", "fingerprint", fp)
			return &Result{
				Analysis:    cached,
				Fingerprint: fp,
				Image:       encoded,
				Verdict:     verdict,
				FromCache:   true,
			}, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, classify(StageCheckingCache, err)
	}

	// Analyze remotely.
	cb.OnStage(StageAnalyzing, StageAnalyzing.Percent())
	analysis, err := p.client.Analyze(ctx, encoded.DataURI, encoded.Format)
	if err != nil {
		perr := classify(StageAnalyzing, err)
		if perr.Kind == KindRemoteNotFood || perr.Kind == KindNoFoodDetected {
			// Tell the user what the local classifier saw instead.
			if top, ok := verdict.Top(); ok {
				perr.DetectedLabel = top.Label
				perr.DetectedConfidence = top.Probability
			}
		}
		return nil, perr
	}

	if p.cache != nil && trusted {
		if err := p.cache.Put(ctx, fp, analysis); err != nil {
			p.logger.Warn("cache write failed", "fingerprint", fp, "error", err)
		}
	}

	result := &Result{
		Analysis:    analysis,
		Fingerprint: fp,
		Image:       encoded,
		Verdict:     verdict,
	}

	if p.history != nil && p.cfg.SaveHistory {
		result.MealID = p.saveMeal(ctx, fp, encoded, analysis)
	}
	return result, nil
}

// saveMeal logs the analysis to history. History failures are reported but
// never fail the run.
func (p *Pipeline) saveMeal(ctx context.Context, fp string, encoded *normalize.EncodedImage, analysis *vision.AnalysisResult) string {
	meal := &history.Meal{
		Fingerprint: fp,
		Result:      *analysis,
	}
	if p.cfg.SaveThumbnail {
		thumb, err := p.normalizer.Thumbnail(encoded.DataURI)
		if err != nil {
			p.logger.Warn("thumbnail generation failed", "fingerprint", fp, "error", err)
		} else {
			meal.Thumbnail = thumb
		}
	}
	id, err := p.history.Save(ctx, meal)
	if err != nil {
		p.logger.Warn("history save failed", "fingerprint", fp, "error", err)
		return ""
	}
	return id
}

func decodeDataURI(uri string) (image.Image, error) {
	_, payload, err := normalize.ParseDataURI(uri)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	return img, nil
}
