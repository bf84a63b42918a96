package vision

import "fmt"

// API error codes returned by the analysis service.
const (
	CodeImageUnclear   = "IMAGE_UNCLEAR"
	CodeNotFood        = "NOT_FOOD"
	CodeNoFoodDetected = "NO_FOOD_DETECTED"
)

// ErrorKind classifies analysis failures.
type ErrorKind int

const (
	// KindTimeout indicates both the primary and the escalated attempt
	// timed out.
	KindTimeout ErrorKind = iota
	// KindNetwork indicates a transport failure other than a timeout.
	KindNetwork
	// KindServer indicates an HTTP-level failure (non-2xx without a
	// parseable error envelope).
	KindServer
	// KindImageUnclear indicates the service could not read the photo.
	KindImageUnclear
	// KindNotFood indicates the service decided the photo is not food.
	KindNotFood
	// KindNoFoodDetected indicates the service found nothing edible.
	KindNoFoodDetected
	// KindAPIError indicates an API error with an unrecognized code.
	KindAPIError
	// KindBadResponse indicates the body did not match the envelope or
	// failed validation.
	KindBadResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindImageUnclear:
		return "image_unclear"
	case KindNotFood:
		return "not_food"
	case KindNoFoodDetected:
		return "no_food_detected"
	case KindAPIError:
		return "api_error"
	case KindBadResponse:
		return "bad_response"
	default:
		return "unknown"
	}
}

// Error is a classified analysis failure. Code and Message carry the API's
// own error payload when one was returned.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("vision: %s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("vision: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("vision: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// kindForCode maps an API error code to its kind.
func kindForCode(code string) ErrorKind {
	switch code {
	case CodeImageUnclear:
		return KindImageUnclear
	case CodeNotFood:
		return KindNotFood
	case CodeNoFoodDetected:
		return KindNoFoodDetected
	default:
		return KindAPIError
	}
}
