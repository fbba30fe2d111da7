package pipeline

import "fmt"

// Stage identifies which pipeline stage a failure came from. The HTTP layer
// maps StageInput to a client error and everything else to a server error.
type Stage string

const (
	StageInput     Stage = "invalid_input"
	StageConvert   Stage = "conversion_failed"
	StageOCR       Stage = "ocr_failed"
	StageExtract   Stage = "extraction_failed"
	StageSerialize Stage = "serialization_failed"
)

// Error tags a failure with its stage. Inspect with errors.As.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ClientError reports whether the failure is the caller's fault.
func (e *Error) ClientError() bool { return e.Stage == StageInput }

func stageErrf(stage Stage, format string, args ...any) error {
	return &Error{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// StageError wraps err with a stage tag; used by the HTTP layer for
// serialization failures that happen outside the pipeline itself.
func StageError(stage Stage, err error) error {
	return &Error{Stage: stage, Err: err}
}
