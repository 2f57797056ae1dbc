package dispatch

import "errors"

var (
	ErrDisabled        = errors.New("dispatch engine disabled")
	ErrStopped         = errors.New("dispatch engine stopped")
	ErrStopping        = errors.New("dispatch engine stopping")
	ErrInvalidSchedule = errors.New("dispatch: invalid schedule")
	ErrBadRecurrence   = errors.New("dispatch: invalid recurrence expression")
)
