package prediction

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the workflow. Callers match them with errors.Is.
var (
	ErrDecode               = errors.New("image could not be decoded")
	ErrBackendUnavailable   = errors.New("inference backend unavailable")
	ErrClassificationFailed = errors.New("classification failed")
	ErrMalformedResponse    = errors.New("malformed inference response")
	ErrTransport            = errors.New("inference transport failure")
	ErrNotConnected         = errors.New("payment wallet not connected")
	ErrRecordNotFound       = errors.New("prediction record not found")
	ErrAlreadySettled       = errors.New("prediction already paid out")
	ErrSubmissionInFlight   = errors.New("prediction already in progress for this image")
	ErrPayoutInFlight       = errors.New("payout already in progress for this prediction")
)

// DecodeError reports an image that could not be parsed or resampled.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause == nil {
		return ErrDecode.Error()
	}
	return fmt.Sprintf("%v: %v", ErrDecode, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// ClassificationError carries the backend's Err payload verbatim.
type ClassificationError struct {
	Call    string
	Message string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("%s classification failed: %s", e.Call, e.Message)
}

func (e *ClassificationError) Is(target error) bool { return target == ErrClassificationFailed }

// MalformedResponseError describes a response with no usable tag or payload.
type MalformedResponseError struct {
	Call   string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: unexpected response shape: %s", e.Call, e.Reason)
}

func (e *MalformedResponseError) Is(target error) bool { return target == ErrMalformedResponse }

// UserMessage converts a workflow error into the status line shown to users.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var classErr *ClassificationError
	switch {
	case errors.Is(err, ErrDecode):
		return "Please choose a valid image."
	case errors.Is(err, ErrBackendUnavailable):
		return "Backend not initialized."
	case errors.As(err, &classErr):
		return "Prediction error: " + classErr.Message
	case errors.Is(err, ErrMalformedResponse):
		return "Unexpected prediction result."
	case errors.Is(err, ErrTransport):
		return "Prediction failed: could not reach the prediction service."
	case errors.Is(err, ErrNotConnected):
		return "Please connect your wallet first."
	case errors.Is(err, ErrRecordNotFound):
		return "Prediction not found."
	case errors.Is(err, ErrAlreadySettled):
		return "This prediction has already been paid out."
	case errors.Is(err, ErrSubmissionInFlight):
		return "A prediction for this image is already running."
	case errors.Is(err, ErrPayoutInFlight):
		return "A payout for this prediction is already running."
	default:
		return "Something went wrong. Please try again."
	}
}
