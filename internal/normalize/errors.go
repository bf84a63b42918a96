package normalize

import "fmt"

// ErrorKind classifies normalization failures.
type ErrorKind int

const (
	// KindUnsupportedFormat indicates the declared media type is not accepted.
	KindUnsupportedFormat ErrorKind = iota
	// KindFileTooLarge indicates the upload exceeds the byte ceiling.
	KindFileTooLarge
	// KindDecodeError indicates the payload could not be decoded as an image.
	KindDecodeError
	// KindCompressionFailed indicates the encoder stage failed.
	KindCompressionFailed
)

// String returns the stable name of the kind.
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
	default:
		return "unknown"
	}
}

// Error represents a failure during image normalization.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("normalize %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
