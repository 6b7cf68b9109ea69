package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"gridworker/internal/model"
	"gridworker/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// supervise runs the worker of one admitted request. The capacity slot is
// released and a pass is requested however supervision ends.
func (s *Server) supervise(ctx context.Context, id model.RequestID) {
	defer s.workers.Done()
	defer func() {
		s.ledger.Release()
		s.throttle.Dispatch()
	}()
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("%s supervision panicked: %v\n%s", id, r, debug.Stack())
			s.fault(ctx, id, errors.Wrap(exception.ErrProcessPanicked, fmt.Sprint(r)))
		}
	}()

	if err := s.runWorker(ctx, id); err != nil {
		logs.Errorf("%s worker failed, err: %+v", id, err)
		s.fault(ctx, id, err)
	}
}

func (s *Server) runWorker(ctx context.Context, id model.RequestID) error {
	inv := NewInvocation(s.executable, s.cfg.EnvName, s.cfg.Host, id)
	proc, err := s.launcher.Launch(ctx, inv)
	if err != nil {
		return errors.Wrap(err, "launch worker").With("requestId", id)
	}
	logs.Debugf("%s started (launch %d): %s", id, s.launches.Next(), inv.CommandLine())

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for running := true; running; {
		select {
		case <-proc.Done():
			running = false
		case <-ticker.C:
			logs.Debugf("%s running...", id)
		}
	}

	code := proc.ExitCode()
	duration := proc.ExitedAt().Sub(proc.StartedAt())
	s.metrics.ObserveRun(duration)
	logs.Debugf("%s stopped: exit code %d (duration %s)", id, code, duration)

	switch {
	case code < 0:
		return errors.Wrap(exception.ErrProcessAbnormalExit, fmt.Sprintf("Request '%s' terminated abnormally: %d", id, code))
	case code == 0:
		logs.Warnf("%s worker reported failure", id)
	}
	return nil
}

// fault records err as the failure of id and publishes the Faulted response.
func (s *Server) fault(ctx context.Context, id model.RequestID, err error) {
	snap, ok := s.table.fault(id, model.NewExceptionDetail(err))
	if !ok {
		return
	}
	s.metrics.IncFault()
	s.publish(ctx, snap)
}
