package reactor

import "errors"

var (
	ErrNilFailure          = errors.New("reactor: completion failed without an error")
	ErrUnregisteredTrigger = errors.New("reactor: trigger is not registered")
	ErrTerminated          = errors.New("reactor: terminated")
	ErrCapability          = errors.New("reactor: capability set is not implementable")
)
