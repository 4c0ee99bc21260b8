package updater

import (
	"errors"
	"fmt"
)

var (
	ErrDownloadFailed = errors.New("bundle download failed")
	ErrReplaceFailed  = errors.New("replace failed")
	ErrRestartFailed  = errors.New("restart failed")
	ErrVerifyFailed   = errors.New("new agent did not confirm health")

	// ErrRollbackIncomplete marks a rollback that could not restore every
	// managed file.
	ErrRollbackIncomplete = errors.New("rollback incomplete")

	ErrUpdateInProgress = errors.New("another update is in progress")
)

// StageError records the stage an update failed in and the outcome of the
// rollback that followed, if any.
type StageError struct {
	Stage       Stage
	Err         error
	RollbackErr error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("update failed while %s: %v", e.Stage, e.Err)
	if e.RollbackErr != nil {
		msg += fmt.Sprintf(" (rollback: %v)", e.RollbackErr)
	}
	return msg
}

func (e *StageError) Unwrap() []error {
	if e.RollbackErr != nil {
		return []error{e.Err, e.RollbackErr}
	}
	return []error{e.Err}
}
