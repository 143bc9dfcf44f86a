package core

import "errors"

var (
	ErrInvalidPipeline = errors.New("invalid pipeline")
	ErrStageFailed     = errors.New("stage failed")
	ErrNoImage         = errors.New("no image published for deployment")
)

// StageError reports a failed stage. Its message has secrets masked; the
// wrapped cause is kept for errors.Is/As.
type StageError struct {
	Stage string
	Err   error
	msg   string
}

func (e *StageError) Error() string {
	return "stage " + e.Stage + " failed: " + e.msg
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Is(target error) bool { return target == ErrStageFailed }
