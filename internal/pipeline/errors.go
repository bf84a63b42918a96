package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/snapcal-tech/snapcal/internal/normalize"
	"github.com/snapcal-tech/snapcal/internal/vision"
)

// ErrorKind classifies pipeline failures across all stages.
type ErrorKind int

const (
	// KindUnsupportedFormat: the upload's media type is not accepted.
	KindUnsupportedFormat ErrorKind = iota
	// KindFileTooLarge: the upload exceeds the byte ceiling.
	KindFileTooLarge
	// KindDecodeError: the payload is not a decodable image.
	KindDecodeError
	// KindCompressionFailed: re-encoding failed.
	KindCompressionFailed
	// KindNotFoodBlocked: the on-device gate refused the image. The
	// caller may arm an override and retry once.
	KindNotFoodBlocked
	// KindImageUnclear: the remote service could not read the photo.
	KindImageUnclear
	// KindRemoteNotFood: the remote service decided the photo is not food.
	KindRemoteNotFood
	// KindNoFoodDetected: the remote service found nothing edible.
	KindNoFoodDetected
	// KindTimeout: the remote call timed out even after escalation.
	KindTimeout
	// KindNetwork: the remote service was unreachable.
	KindNetwork
	// KindServer: the remote service failed.
	KindServer
	// KindCanceled: the caller canceled the run.
	KindCanceled
	// KindInternal: anything else.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindFileTooLarge:
		return "file_too_large"
	case KindDecodeError:
		return "decode_error"
	case KindCompressionFailed:
		return "compression_failed"
	case KindNotFoodBlocked:
		return "not_food_blocked"
	case KindImageUnclear:
		return "image_unclear"
	case KindRemoteNotFood:
		return "remote_not_food"
	case KindNoFoodDetected:
		return "no_food_detected"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindCanceled:
		return "canceled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline failure. Fingerprint and DetectedLabel
// are set where meaningful: a gate block carries both so the caller can
// arm an override and tell the user what was seen instead of food, and a
// remote not-food rejection carries the local classifier's top label.
type Error struct {
	Kind               ErrorKind
	Stage              Stage
	Fingerprint        string
	DetectedLabel      string
	DetectedConfidence float64
	Err                error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline %s: %s: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("pipeline %s: %s", e.Stage, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether re-submitting the same photo could succeed
// without changes (transient remote failures).
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork, KindServer:
		return true
	default:
		return false
	}
}

// classify wraps err into an *Error for the given stage, translating the
// per-package error taxonomies into pipeline kinds.
func classify(stage Stage, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCanceled, Stage: stage, Err: err}
	}

	var nerr *normalize.Error
	if errors.As(err, &nerr) {
		kind := KindInternal
		switch nerr.Kind {
		case normalize.KindUnsupportedFormat:
			kind = KindUnsupportedFormat
		case normalize.KindFileTooLarge:
			kind = KindFileTooLarge
		case normalize.KindDecodeError:
			kind = KindDecodeError
		case normalize.KindCompressionFailed:
			kind = KindCompressionFailed
		}
		return &Error{Kind: kind, Stage: stage, Err: err}
	}

	var verr *vision.Error
	if errors.As(err, &verr) {
		kind := KindServer
		switch verr.Kind {
		case vision.KindTimeout:
			kind = KindTimeout
		case vision.KindNetwork:
			kind = KindNetwork
		case vision.KindImageUnclear:
			kind = KindImageUnclear
		case vision.KindNotFood:
			kind = KindRemoteNotFood
		case vision.KindNoFoodDetected:
			kind = KindNoFoodDetected
		case vision.KindServer, vision.KindAPIError, vision.KindBadResponse:
			kind = KindServer
		}
		return &Error{Kind: kind, Stage: stage, Err: err}
	}

	return &Error{Kind: KindInternal, Stage: stage, Err: err}
}
