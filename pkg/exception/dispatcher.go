package exception

import "github.com/yanun0323/errors"

// Dispatcher errors
var (
	ErrWorkerExecutableNotFound = errors.New("dispatcher: worker executable not found")
	ErrPublishUndefinedStatus   = errors.New("dispatcher: cannot publish undefined status")
	ErrDispatcherNotRunning     = errors.New("dispatcher: not running")
	ErrDispatcherAlreadyStarted = errors.New("dispatcher: already started")
	ErrDispatcherInvalidConfig  = errors.New("dispatcher: invalid config")
	ErrProcessFailedToStart     = errors.New("dispatcher: worker process failed to start")
	ErrProcessAbnormalExit      = errors.New("dispatcher: worker process terminated abnormally")
	ErrProcessPanicked          = errors.New("dispatcher: worker supervision panicked")
)

// Throttle errors
var (
	ErrThrottleNilHandler = errors.New("throttle: nil handler")
)
