package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapcal-tech/snapcal/internal/cache"
	"github.com/snapcal-tech/snapcal/internal/classifier"
	"github.com/snapcal-tech/snapcal/internal/fingerprint"
	"github.com/snapcal-tech/snapcal/internal/history"
	"github.com/snapcal-tech/snapcal/internal/normalize"
	"github.com/snapcal-tech/snapcal/internal/vision"
)

type fakeClassifier struct {
	preds []classifier.Prediction
}

func (f *fakeClassifier) Classify(context.Context, image.Image, int) ([]classifier.Prediction, error) {
	return f.preds, nil
}

func (f *fakeClassifier) Close() {}

func foodClassifier() *fakeClassifier {
	return &fakeClassifier{preds: []classifier.Prediction{
		{Label: "pizza", Probability: 0.8},
	}}
}

func nonFoodClassifier() *fakeClassifier {
	return &fakeClassifier{preds: []classifier.Prediction{
		{Label: "laptop", Probability: 0.9},
	}}
}

func photoBytes(t *testing.T) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	img := image.NewRGBA(image.Rect(0, 0, 240, 180))
	for y := 0; y < 180; y++ {
		for x := 0; x < 240; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255,
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}))
	return buf.Bytes()
}

type visionServer struct {
	srv   *httptest.Server
	calls atomic.Int32
	// response controls what the next analyze request returns.
	response func(w http.ResponseWriter)
}

func newVisionServer(t *testing.T) *visionServer {
	t.Helper()
	vs := &visionServer{}
	vs.response = vs.respondSuccess
	vs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vs.calls.Add(1)
		vs.response(w)
	}))
	t.Cleanup(vs.srv.Close)
	return vs
}

func (vs *visionServer) respondSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data": map[string]any{
			"foods":         []map[string]any{{"name": "pepperoni pizza", "calories": 600}},
			"totalCalories": 600,
			"confidence":    "high",
		},
	})
}

func (vs *visionServer) respondError(code, message string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   map[string]string{"code": code, "message": message},
		})
	}
}

type pipelineFixture struct {
	pipeline *Pipeline
	server   *visionServer
	cache    cache.Store
	history  history.Store
}

func newFixture(t *testing.T, cls classifier.Classifier) *pipelineFixture {
	t.Helper()
	vs := newVisionServer(t)

	store := cache.NewMemoryStore(cache.DefaultTTL)
	hist, err := history.NewSQLiteStore(t.TempDir() + "/history.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	p, err := NewBuilder().
		WithVisionBaseURL(vs.srv.URL).
		WithCache(store).
		WithHistory(hist).
		WithClassifierLoader(classifier.NewLoader(func() (classifier.Classifier, error) {
			return cls, nil
		})).
		Build()
	require.NoError(t, err)

	return &pipelineFixture{pipeline: p, server: vs, cache: store, history: hist}
}

func TestAnalyzeHappyPath(t *testing.T) {
	f := newFixture(t, foodClassifier())
	rec := &StageRecorder{}

	res, err := f.pipeline.Analyze(context.Background(), photoBytes(t), "image/jpeg", rec)
	require.NoError(t, err)

	assert.Equal(t, 600, res.Analysis.TotalCalories)
	assert.Len(t, res.Fingerprint, 16)
	assert.False(t, res.FromCache)
	assert.True(t, res.Verdict.Allow)
	assert.NotEmpty(t, res.MealID, "successful analysis logged to history")
	assert.NotNil(t, res.Image)

	assert.Equal(t, []Stage{
		StageCompressing, StageDetecting, StageCheckingCache, StageAnalyzing, StageComplete,
	}, rec.Stages())

	// Result was cached.
	_, ok, err := f.cache.Get(context.Background(), res.Fingerprint)
	require.NoError(t, err)
	assert.True(t, ok)

	// History has the meal with a thumbnail.
	meals, err := f.history.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, meals, 1)
	assert.Equal(t, res.MealID, meals[0].ID)
	assert.NotEmpty(t, meals[0].Thumbnail)
}

func TestAnalyzeSecondRunHitsCache(t *testing.T) {
	f := newFixture(t, foodClassifier())
	data := photoBytes(t)

	_, err := f.pipeline.Analyze(context.Background(), data, "image/jpeg", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), f.server.calls.Load())

	rec := &StageRecorder{}
	res, err := f.pipeline.Analyze(context.Background(), data, "image/jpeg", rec)
	require.NoError(t, err)

	assert.True(t, res.FromCache)
	assert.Equal(t, int32(1), f.server.calls.Load(), "cache hit skips the remote call")
	assert.Equal(t, []Stage{
		StageCompressing, StageDetecting, StageCheckingCache, StageComplete,
	}, rec.Stages(), "analyzing stage skipped on cache hit")
}

func TestAnalyzeGateBlockThenRepeatUploadPasses(t *testing.T) {
	f := newFixture(t, nonFoodClassifier())
	data := photoBytes(t)

	_, err := f.pipeline.Analyze(context.Background(), data, "image/jpeg", nil)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindNotFoodBlocked, perr.Kind)
	assert.Equal(t, StageDetecting, perr.Stage)
	assert.Equal(t, "laptop", perr.DetectedLabel)
	require.NotEmpty(t, perr.Fingerprint)
	assert.Equal(t, int32(0), f.server.calls.Load(), "blocked upload never reaches the API")

	// Uploading the exact same photo again means "analyze it anyway".
	res, err := f.pipeline.Analyze(context.Background(), data, "image/jpeg", nil)
	require.NoError(t, err)
	assert.True(t, res.Verdict.Overridden)
	assert.True(t, res.Verdict.Warn)
	assert.Equal(t, "laptop", res.Verdict.DetectedLabel)
	assert.Equal(t, int32(1), f.server.calls.Load())

	// The overridden pass is untrusted, so nothing was cached and a third
	// upload of the same photo blocks at the gate again.
	st, err := f.cache.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Entries, "overridden result must not be cached")

	_, err = f.pipeline.Analyze(context.Background(), data, "image/jpeg", nil)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindNotFoodBlocked, perr.Kind)
}

func TestAnalyzeArmedOverrideAdmitsFirstUpload(t *testing.T) {
	f := newFixture(t, nonFoodClassifier())
	data := photoBytes(t)

	// Compute the fingerprint the pipeline will see for this photo.
	enc, err := normalize.New(normalize.DefaultConfig()).Process(data, "image/jpeg")
	require.NoError(t, err)
	fp := fingerprint.FromDataURI(enc.DataURI)

	f.pipeline.ArmOverride(fp)
	res, err := f.pipeline.Analyze(context.Background(), data, "image/jpeg", nil)
	require.NoError(t, err)
	assert.True(t, res.Verdict.Overridden)
	assert.Equal(t, int32(1), f.server.calls.Load())
}

func TestAnalyzeLowConfidencePassBypassesCache(t *testing.T) {
	// Nothing food-labeled and the top prediction too weak to block: the
	// gate passes undetermined and the cache is skipped in both directions.
	f := newFixture(t, &fakeClassifier{preds: []classifier.Prediction{
		{Label: "table", Probability: 0.3},
	}})
	data := photoBytes(t)

	res, err := f.pipeline.Analyze(context.Background(), data, "image/jpeg", nil)
	require.NoError(t, err)
	assert.True(t, res.Verdict.Allow)
	assert.False(t, res.FromCache)

	st, err := f.cache.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Entries, "undetermined pass must not populate the cache")

	// Even a pre-seeded entry is ignored when the gate was not confident.
	require.NoError(t, f.cache.Put(context.Background(), res.Fingerprint, res.Analysis))
	res2, err := f.pipeline.Analyze(context.Background(), data, "image/jpeg", nil)
	require.NoError(t, err)
	assert.False(t, res2.FromCache)
	assert.Equal(t, int32(2), f.server.calls.Load(), "undetermined pass must not read the cache")
}

func TestAnalyzeRemoteRejectionsMapToKinds(t *testing.T) {
	cases := []struct {
		code string
		kind ErrorKind
	}{
		{vision.CodeImageUnclear, KindImageUnclear},
		{vision.CodeNotFood, KindRemoteNotFood},
		{vision.CodeNoFoodDetected, KindNoFoodDetected},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			f := newFixture(t, foodClassifier())
			f.server.response = f.server.respondError(tc.code, "rejected")

			_, err := f.pipeline.Analyze(context.Background(), photoBytes(t), "image/jpeg", nil)
			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.kind, perr.Kind)
			assert.Equal(t, StageAnalyzing, perr.Stage)

			// A no-food rejection carries the on-device top label so the
			// user message can say what the photo looks like instead.
			if tc.kind == KindRemoteNotFood || tc.kind == KindNoFoodDetected {
				assert.Equal(t, "pizza", perr.DetectedLabel)
				assert.InDelta(t, 0.8, perr.DetectedConfidence, 1e-9)
			}

			// Failures are never cached.
			st, err := f.cache.Stats(context.Background())
			require.NoError(t, err)
			assert.Zero(t, st.Entries)
		})
	}
}

func TestAnalyzeUnsupportedFormat(t *testing.T) {
	f := newFixture(t, foodClassifier())
	errs := &errorRecorder{}

	_, err := f.pipeline.Analyze(context.Background(), []byte("gif89a"), "image/gif", errs)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindUnsupportedFormat, perr.Kind)
	assert.Equal(t, StageCompressing, perr.Stage)
	assert.False(t, perr.Retryable())
	require.Len(t, errs.errors, 1)
}

func TestAnalyzeCanceledContext(t *testing.T) {
	f := newFixture(t, foodClassifier())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Analyze(ctx, photoBytes(t), "image/jpeg", nil)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindCanceled, perr.Kind)
}

func TestAnalyzeCacheFailureFallsThrough(t *testing.T) {
	vs := newVisionServer(t)
	p, err := NewBuilder().
		WithVisionBaseURL(vs.srv.URL).
		WithCache(brokenCache{}).
		WithClassifierLoader(classifier.NewLoader(func() (classifier.Classifier, error) {
			return foodClassifier(), nil
		})).
		Build()
	require.NoError(t, err)

	res, err := p.Analyze(context.Background(), photoBytes(t), "image/jpeg", nil)
	require.NoError(t, err, "a broken cache must not block analysis")
	assert.Equal(t, 600, res.Analysis.TotalCalories)
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, (&Error{Kind: KindTimeout}).Retryable())
	assert.True(t, (&Error{Kind: KindNetwork}).Retryable())
	assert.True(t, (&Error{Kind: KindServer}).Retryable())
	assert.False(t, (&Error{Kind: KindNotFoodBlocked}).Retryable())
	assert.False(t, (&Error{Kind: KindDecodeError}).Retryable())
}

func TestStagePercentages(t *testing.T) {
	assert.Equal(t, 0, StageIdle.Percent())
	assert.Equal(t, 10, StageCompressing.Percent())
	assert.Equal(t, 30, StageDetecting.Percent())
	assert.Equal(t, 50, StageCheckingCache.Percent())
	assert.Equal(t, 70, StageAnalyzing.Percent())
	assert.Equal(t, 100, StageComplete.Percent())
}

func TestUserMessageLocalization(t *testing.T) {
	blocked := &Error{Kind: KindNotFoodBlocked, DetectedLabel: "laptop"}
	assert.Contains(t, UserMessage(blocked, "en"), `"laptop"`)
	assert.Contains(t, UserMessage(blocked, "zh-CN"), "laptop")
	assert.Contains(t, UserMessage(blocked, "zh-CN"), "食物")

	// Remote no-food rejections name the local classifier's best guess.
	noFood := &Error{Kind: KindNoFoodDetected, DetectedLabel: "coffee mug", DetectedConfidence: 0.72}
	assert.Contains(t, UserMessage(noFood, "en"), `"coffee mug"`)
	assert.Contains(t, UserMessage(noFood, "en"), "72%")
	assert.Contains(t, UserMessage(noFood, "zh-CN"), "coffee mug")

	timeout := &Error{Kind: KindTimeout}
	assert.Contains(t, UserMessage(timeout, "en"), "connection")
	assert.NotEmpty(t, UserMessage(timeout, "zh"))

	// Unknown languages fall back to English.
	assert.Equal(t, UserMessage(timeout, "en"), UserMessage(timeout, "fr"))
	assert.Equal(t, UserMessage(timeout, "en"), UserMessage(timeout, ""))

	// Unknown kinds fall back to the generic message.
	weird := &Error{Kind: ErrorKind(99)}
	assert.NotEmpty(t, UserMessage(weird, "en"))
}

type errorRecorder struct {
	NoOpStageCallback
	errors []error
}

func (r *errorRecorder) OnError(_ Stage, err error) {
	r.errors = append(r.errors, err)
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (*vision.AnalysisResult, bool, error) {
	return nil, false, assert.AnError
}

func (brokenCache) Put(context.Context, string, *vision.AnalysisResult) error {
	return assert.AnError
}

func (brokenCache) Delete(context.Context, string) error  { return assert.AnError }
func (brokenCache) Purge(context.Context) (int, error)    { return 0, assert.AnError }
func (brokenCache) Clear(context.Context) error           { return assert.AnError }
func (brokenCache) Stats(context.Context) (cache.Stats, error) {
	return cache.Stats{}, assert.AnError
}
func (brokenCache) Close() error { return nil }
