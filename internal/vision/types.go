// Package vision is the client for the remote calorie-analysis API. It
// submits normalized food photos and returns structured nutrition
// estimates, escalating the request timeout once before giving up.
package vision

import "fmt"

// Confidence tags the service attaches to an analysis. Unclear and
// not-food analyses legitimately carry no foods and are surfaced as
// errors rather than results.
const (
	ConfidenceHigh    = "high"
	ConfidenceMedium  = "medium"
	ConfidenceLow     = "low"
	ConfidenceUnclear = "unclear"
	ConfidenceNotFood = "not_food"
)

// Nutrition is a per-food macro-nutrient breakdown in grams.
type Nutrition struct {
	Protein float64 `json:"protein"`
	Fat     float64 `json:"fat"`
	Carbs   float64 `json:"carbs"`
	Fiber   float64 `json:"fiber"`
}

// BoundingBox locates one food within the photo.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FoodItem is one recognized food with its estimated nutrition.
type FoodItem struct {
	Name        string       `json:"name"`
	Portion     string       `json:"portion,omitempty"`
	Ingredients string       `json:"ingredients,omitempty"`
	Calories    int          `json:"calories"`
	Nutrition   Nutrition    `json:"nutrition"`
	BoundingBox *BoundingBox `json:"boundingBox,omitempty"`
	Confidence  float64      `json:"confidence,omitempty"`
}

// AnalysisResult is a validated analysis of one photo.
type AnalysisResult struct {
	Foods         []FoodItem `json:"foods"`
	TotalCalories int        `json:"totalCalories"`
	Confidence    string     `json:"confidence,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// Validate checks structural invariants after the confidence tag has been
// handled: at least one named food, non-negative calories and macros. A
// zero TotalCalories is filled from the per-food sum.
func (r *AnalysisResult) Validate() error {
	if len(r.Foods) == 0 {
		return fmt.Errorf("analysis contains no foods")
	}
	sum := 0
	for i, f := range r.Foods {
		if f.Name == "" {
			return fmt.Errorf("food %d has no name", i)
		}
		if f.Calories < 0 {
			return fmt.Errorf("food %q has negative calories", f.Name)
		}
		n := f.Nutrition
		if n.Protein < 0 || n.Fat < 0 || n.Carbs < 0 || n.Fiber < 0 {
			return fmt.Errorf("food %q has negative nutrition values", f.Name)
		}
		sum += f.Calories
	}
	if r.TotalCalories < 0 {
		return fmt.Errorf("negative total calories")
	}
	if r.TotalCalories == 0 {
		r.TotalCalories = sum
	}
	return nil
}

// envelope is the wire format of every API response.
type envelope struct {
	Success bool            `json:"success"`
	Data    *AnalysisResult `json:"data,omitempty"`
	Error   *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
