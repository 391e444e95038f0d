package studio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotRecording    = errors.New("not recording")
	ErrInvalidState    = errors.New("operation not allowed in current state")
	ErrSourceNotActive = errors.New("source not active")
	ErrSourceActive    = errors.New("source already active")
	ErrNoVideoSource   = errors.New("recording requires at least one video source")
	ErrSessionNotFound = errors.New("session not found")
	ErrEngineClosed    = errors.New("engine closed")
)

// Acquisition failure sentinels. Device providers wrap one of these so the
// SourceManager can classify the failure.
var (
	ErrPermissionDenied         = errors.New("permission denied")
	ErrDeviceNotFound           = errors.New("device not found")
	ErrConstraintsUnsatisfiable = errors.New("constraints unsatisfiable")
	ErrDeviceBusy               = errors.New("device busy")
)

// Classification tells callers how to react to an error.
type Classification int

const (
	ClassRetry    Classification = iota // Transient, retrying may succeed
	ClassPrompt                         // Needs user action (grant permission, plug device)
	ClassFallback                       // Engine degraded to a reduced configuration
	ClassFatal                          // Session cannot continue
)

func (c Classification) String() string {
	switch c {
	case ClassRetry:
		return "retry"
	case ClassPrompt:
		return "prompt"
	case ClassFallback:
		return "fallback"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classified is implemented by every typed engine error.
type Classified interface {
	error
	Classification() Classification
}

// Classify returns the classification of err, ClassFatal for unknown errors.
func Classify(err error) Classification {
	var c Classified
	if errors.As(err, &c) {
		return c.Classification()
	}
	return ClassFatal
}

// AcquisitionKind distinguishes device acquisition failures.
type AcquisitionKind int

const (
	AcquisitionPermissionDenied AcquisitionKind = iota
	AcquisitionDeviceNotFound
	AcquisitionConstraintsUnsatisfiable
	AcquisitionDeviceBusy
)

func (k AcquisitionKind) String() string {
	switch k {
	case AcquisitionPermissionDenied:
		return "permission-denied"
	case AcquisitionDeviceNotFound:
		return "device-not-found"
	case AcquisitionConstraintsUnsatisfiable:
		return "constraints-unsatisfiable"
	case AcquisitionDeviceBusy:
		return "device-busy"
	default:
		return "unknown"
	}
}

func (k AcquisitionKind) sentinel() error {
	switch k {
	case AcquisitionPermissionDenied:
		return ErrPermissionDenied
	case AcquisitionConstraintsUnsatisfiable:
		return ErrConstraintsUnsatisfiable
	case AcquisitionDeviceBusy:
		return ErrDeviceBusy
	default:
		return ErrDeviceNotFound
	}
}

// AcquisitionError reports a failure to open a capture device.
type AcquisitionError struct {
	Kind   AcquisitionKind
	Source SourceKind
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("acquire %s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("acquire %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Is matches the kind's sentinel, so errors.Is(err, ErrDeviceBusy) works
// whether or not the provider wrapped it.
func (e *AcquisitionError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *AcquisitionError) Classification() Classification {
	switch e.Kind {
	case AcquisitionDeviceBusy:
		return ClassRetry
	default:
		return ClassPrompt
	}
}

// classifyAcquisition maps a provider error to an AcquisitionError.
// Unrecognized errors count as a missing device.
func classifyAcquisition(kind SourceKind, err error) *AcquisitionError {
	var ae *AcquisitionError
	if errors.As(err, &ae) {
		return ae
	}
	k := AcquisitionDeviceNotFound
	switch {
	case errors.Is(err, ErrPermissionDenied):
		k = AcquisitionPermissionDenied
	case errors.Is(err, ErrConstraintsUnsatisfiable):
		k = AcquisitionConstraintsUnsatisfiable
	case errors.Is(err, ErrDeviceBusy):
		k = AcquisitionDeviceBusy
	}
	return &AcquisitionError{Kind: k, Source: kind, Err: err}
}

// CompositingUnsupportedError is returned when a second video source is
// requested on an engine that cannot composite.
type CompositingUnsupportedError struct {
	Replaced  SourceKind // Video source dropped in favor of Requested
	Requested SourceKind
}

func (e *CompositingUnsupportedError) Error() string {
	return fmt.Sprintf("compositing unsupported: cannot add %s alongside %s, switched to %s",
		e.Requested, e.Replaced, e.Requested)
}

func (e *CompositingUnsupportedError) Classification() Classification { return ClassFallback }

// EncoderErrorKind separates recoverable encoder faults from fatal ones.
type EncoderErrorKind int

const (
	EncoderTransient EncoderErrorKind = iota
	EncoderFatal
)

func (k EncoderErrorKind) String() string {
	if k == EncoderTransient {
		return "transient"
	}
	return "fatal"
}

// EncoderError reports an encoder session fault.
type EncoderError struct {
	Kind EncoderErrorKind
	Err  error
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("encoder %s: %v", e.Kind, e.Err)
}

func (e *EncoderError) Unwrap() error { return e.Err }

func (e *EncoderError) Classification() Classification {
	if e.Kind == EncoderTransient {
		return ClassRetry
	}
	return ClassFatal
}

// RestartFailedError reports a failed source change. Fallback lists the
// sources the engine reverted to; it is empty if the fallback failed too.
type RestartFailedError struct {
	Fallback []SourceKind
	Err      error
}

func (e *RestartFailedError) Error() string {
	if len(e.Fallback) == 0 {
		return fmt.Sprintf("restart failed without fallback: %v", e.Err)
	}
	kinds := make([]string, len(e.Fallback))
	for i, k := range e.Fallback {
		kinds[i] = k.String()
	}
	return fmt.Sprintf("restart failed, reverted to [%s]: %v", strings.Join(kinds, ","), e.Err)
}

func (e *RestartFailedError) Unwrap() error { return e.Err }

func (e *RestartFailedError) Classification() Classification {
	if len(e.Fallback) == 0 {
		return ClassFatal
	}
	return ClassFallback
}

// OutputTooSmallError is returned at finalize when the recording is below
// the minimum viable duration or size.
type OutputTooSmallError struct {
	Duration    time.Duration
	Bytes       int64
	MinDuration time.Duration
	MinBytes    int64
}

func (e *OutputTooSmallError) Error() string {
	return fmt.Sprintf("output too small: %s / %d bytes (minimum %s / %d bytes)",
		e.Duration.Round(time.Millisecond), e.Bytes, e.MinDuration, e.MinBytes)
}

func (e *OutputTooSmallError) Classification() Classification { return ClassFatal }

// SourceLostError reports a source that ended unexpectedly.
type SourceLostError struct {
	Source SourceKind
	ID     string
	Fatal  bool // No video source remained
}

func (e *SourceLostError) Error() string {
	return fmt.Sprintf("source lost: %s (%s)", e.Source, e.ID)
}

func (e *SourceLostError) Classification() Classification {
	if e.Fatal {
		return ClassFatal
	}
	return ClassFallback
}

// ErrorKind names the cause of the Error state.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindAcquisition    ErrorKind = "acquisition"
	ErrorKindEncoder        ErrorKind = "encoder"
	ErrorKindRestartFailed  ErrorKind = "restart-failed"
	ErrorKindOutputTooSmall ErrorKind = "output-too-small"
	ErrorKindSourceLost     ErrorKind = "source-lost"
	ErrorKindInternal       ErrorKind = "internal"
)

func errorKindOf(err error) ErrorKind {
	var (
		ae  *AcquisitionError
		ee  *EncoderError
		rfe *RestartFailedError
		ote *OutputTooSmallError
		sle *SourceLostError
	)
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.As(err, &ote):
		return ErrorKindOutputTooSmall
	case errors.As(err, &rfe):
		return ErrorKindRestartFailed
	case errors.As(err, &sle):
		return ErrorKindSourceLost
	case errors.As(err, &ee):
		return ErrorKindEncoder
	case errors.As(err, &ae):
		return ErrorKindAcquisition
	default:
		return ErrorKindInternal
	}
}
