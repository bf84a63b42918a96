package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.PrimaryTimeout = 200 * time.Millisecond
	cfg.FallbackTimeout = 500 * time.Millisecond

	c, err := NewClient(cfg, nil)
	require.NoError(t, err)
	return c, srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func successEnvelope() envelope {
	return envelope{
		Success: true,
		Data: &AnalysisResult{
			Foods: []FoodItem{
				{
					Name:      "margherita pizza",
					Portion:   "2 slices",
					Calories:  540,
					Nutrition: Nutrition{Protein: 22, Fat: 18, Carbs: 64, Fiber: 4},
				},
				{Name: "side salad", Calories: 120},
			},
			TotalCalories: 660,
			Confidence:    ConfidenceHigh,
			Notes:         "portion sizes estimated from plate",
		},
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	var gotBody analyzeRequest
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/analyze", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(t, w, http.StatusOK, successEnvelope())
	}))

	res, err := c.Analyze(context.Background(), "data:image/jpeg;base64,QUJD", "jpeg")
	require.NoError(t, err)
	assert.Equal(t, "data:image/jpeg;base64,QUJD", gotBody.Image)
	assert.Equal(t, "jpeg", gotBody.Format)
	assert.Empty(t, gotBody.Regions)
	assert.Equal(t, 660, res.TotalCalories)
	assert.Len(t, res.Foods, 2)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
}

func TestAnalyzeSendsRegionHints(t *testing.T) {
	var gotBody analyzeRequest
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(t, w, http.StatusOK, successEnvelope())
	}))

	_, err := c.Analyze(context.Background(), "data:...", "jpeg",
		Region{X: 10, Y: 20, Width: 100, Height: 80})
	require.NoError(t, err)
	require.Len(t, gotBody.Regions, 1)
	assert.Equal(t, 100.0, gotBody.Regions[0].Width)
}

func TestAnalyzeParsesNestedNutrition(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"foods":[
			{"name":"fried rice","portion":"1 bowl","ingredients":"rice, egg, peas",
			 "calories":520,"nutrition":{"protein":14,"fat":16,"carbs":78,"fiber":3}}
		],"totalCalories":520,"confidence":"medium"}}`))
	}))

	res, err := c.Analyze(context.Background(), "data:...", "jpeg")
	require.NoError(t, err)
	require.Len(t, res.Foods, 1)
	f := res.Foods[0]
	assert.Equal(t, "1 bowl", f.Portion)
	assert.Equal(t, "rice, egg, peas", f.Ingredients)
	assert.Equal(t, 14.0, f.Nutrition.Protein)
	assert.Equal(t, 16.0, f.Nutrition.Fat)
	assert.Equal(t, 78.0, f.Nutrition.Carbs)
	assert.Equal(t, 3.0, f.Nutrition.Fiber)
}

func TestAnalyzeSuccessEnvelopeConfidenceTags(t *testing.T) {
	cases := []struct {
		tag  string
		kind ErrorKind
	}{
		{ConfidenceUnclear, KindImageUnclear},
		{ConfidenceNotFood, KindNotFood},
	}
	for _, tc := range cases {
		t.Run(tc.tag, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, http.StatusOK, envelope{
					Success: true,
					Data:    &AnalysisResult{Confidence: tc.tag},
				})
			}))

			_, err := c.Analyze(context.Background(), "data:...", "jpeg")
			var verr *Error
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.kind, verr.Kind)
		})
	}
}

func TestAnalyzeEmptyFoodsWithoutTag(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, envelope{
			Success: true,
			Data:    &AnalysisResult{Confidence: ConfidenceLow},
		})
	}))

	_, err := c.Analyze(context.Background(), "data:...", "jpeg")
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindNoFoodDetected, verr.Kind)
}

func TestAnalyzeAPIErrorCodes(t *testing.T) {
	cases := []struct {
		code string
		kind ErrorKind
	}{
		{CodeImageUnclear, KindImageUnclear},
		{CodeNotFood, KindNotFood},
		{CodeNoFoodDetected, KindNoFoodDetected},
		{"RATE_LIMITED", KindAPIError},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, http.StatusUnprocessableEntity, envelope{
					Success: false,
					Error:   &apiError{Code: tc.code, Message: "nope"},
				})
			}))

			_, err := c.Analyze(context.Background(), "data:...", "jpeg")
			var verr *Error
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.kind, verr.Kind)
			assert.Equal(t, tc.code, verr.Code)
			assert.Equal(t, "nope", verr.Message)
		})
	}
}

func TestAnalyzeTimeoutEscalation(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// First attempt: stall past the primary timeout.
			time.Sleep(350 * time.Millisecond)
			return
		}
		writeJSON(t, w, http.StatusOK, successEnvelope())
	}))

	res, err := c.Analyze(context.Background(), "data:...", "jpeg")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "timed-out primary retried once")
	assert.Equal(t, 660, res.TotalCalories)
}

func TestAnalyzeDoubleTimeout(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(700 * time.Millisecond)
	}))

	_, err := c.Analyze(context.Background(), "data:...", "jpeg")
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindTimeout, verr.Kind)
	assert.Equal(t, int32(2), calls.Load(), "exactly one retry")
}

func TestAnalyzeNonTimeoutErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	srv.Close() // force a connection error

	_, err := c.Analyze(context.Background(), "data:...", "jpeg")
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindNetwork, verr.Kind)
	assert.Equal(t, int32(0), calls.Load())
}

func TestAnalyzeCanceledContextNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(700 * time.Millisecond)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Analyze(ctx, "data:...", "jpeg")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "caller cancellation must not trigger the fallback")
}

func TestAnalyzeServerErrorWithoutEnvelope(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))

	_, err := c.Analyze(context.Background(), "data:...", "jpeg")
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindServer, verr.Kind)
}

func TestAnalyzeMalformedSuccessBody(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{not json"))
	}))

	_, err := c.Analyze(context.Background(), "data:...", "jpeg")
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindBadResponse, verr.Kind)
}

func TestParseAnalyzeResponseValidation(t *testing.T) {
	// Success envelope without data.
	_, err := parseAnalyzeResponse(200, []byte(`{"success":true}`))
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindBadResponse, verr.Kind)

	// Failure envelope without error detail.
	_, err = parseAnalyzeResponse(200, []byte(`{"success":false}`))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindBadResponse, verr.Kind)

	// Empty food list without an unclear/not-food tag.
	_, err = parseAnalyzeResponse(200, []byte(`{"success":true,"data":{"foods":[],"totalCalories":0}}`))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindNoFoodDetected, verr.Kind)
}

func TestValidateFillsTotalFromSum(t *testing.T) {
	r := AnalysisResult{
		Foods:      []FoodItem{{Name: "rice", Calories: 200}, {Name: "chicken", Calories: 300}},
		Confidence: ConfidenceMedium,
	}
	require.NoError(t, r.Validate())
	assert.Equal(t, 500, r.TotalCalories)
}

func TestValidateRejectsBadFields(t *testing.T) {
	bad := []AnalysisResult{
		{Foods: nil},
		{Foods: []FoodItem{{Name: "", Calories: 10}}},
		{Foods: []FoodItem{{Name: "x", Calories: -1}}},
		{Foods: []FoodItem{{Name: "x", Calories: 10, Nutrition: Nutrition{Protein: -2}}}},
		{Foods: []FoodItem{{Name: "x", Calories: 10}}, TotalCalories: -5},
	}
	for i := range bad {
		assert.Error(t, bad[i].Validate(), "case %d", i)
	}
}

func TestHealth(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	assert.NoError(t, c.Health(context.Background()))
}

func TestHealthFailure(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	err := c.Health(context.Background())
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindServer, verr.Kind)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)
}

func TestClientSendsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeJSON(t, w, http.StatusOK, successEnvelope())
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "secret-key"
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)

	_, err = c.Analyze(context.Background(), "data:...", "jpeg")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-key", gotAuth)
}
