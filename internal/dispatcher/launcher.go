package dispatcher

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gridworker/internal/model"
	"gridworker/pkg/exception"

	errs "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Invocation describes one launch of the worker executable.
type Invocation struct {
	RequestID model.RequestID
	Path      string
	Args      []string
	Dir       string
}

// NewInvocation builds the command line a worker expects for request id.
func NewInvocation(executable, envName string, host model.HostIdentity, id model.RequestID) Invocation {
	return Invocation{
		RequestID: id,
		Path:      executable,
		Args: []string{
			"/env:" + envName,
			"/hiid:" + host.InstanceOrDefault(),
			"/reqid:" + id.String(),
		},
		Dir: filepath.Dir(executable),
	}
}

func (inv Invocation) CommandLine() string {
	return inv.Path + " " + strings.Join(inv.Args, " ")
}

// Process is a launched worker.
type Process interface {
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed. A negative code means the
	// process did not exit on its own (killed by a signal).
	ExitCode() int
	StartedAt() time.Time
	ExitedAt() time.Time
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, inv Invocation) (Process, error)
}

// ExecLauncher starts workers as operating system processes.
// Output of the worker goes to the host's stdout and stderr.
type ExecLauncher struct {
	// Env is appended to the host environment when set.
	Env []string
}

// Launch starts the process. The process is not bound to ctx: a launched
// worker always runs to completion.
func (l ExecLauncher) Launch(_ context.Context, inv Invocation) (Process, error) {
	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(l.Env) != 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(exception.ErrProcessFailedToStart, err.Error()).With("path", inv.Path)
	}

	p := &execProcess{
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go p.wait(inv.RequestID)
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}

	mu     sync.Mutex
	exited time.Time
	code   int
}

func (p *execProcess) wait(id model.RequestID) {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		logs.Warnf("%s wait for worker process, err: %+v", id, err)
	}

	p.mu.Lock()
	p.exited = time.Now()
	p.code = code
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *execProcess) StartedAt() time.Time {
	return p.started
}

func (p *execProcess) ExitedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// ResolveExecutable returns the absolute path of the first regular file named
// name in searchPaths. An absolute name is checked as is.
func ResolveExecutable(searchPaths []string, name string) (string, error) {
	candidates := make([]string, 0, len(searchPaths)+1)
	if filepath.IsAbs(name) {
		candidates = append(candidates, name)
	} else {
		for _, dir := range searchPaths {
			if dir == "" {
				continue
			}
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		return abs, nil
	}
	return "", errs.Wrap(exception.ErrWorkerExecutableNotFound, "resolve worker executable").With("name", name)
}
