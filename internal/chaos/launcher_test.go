package chaos

import (
	"context"
	"testing"
	"time"

	"gridworker/internal/dispatcher"
	"gridworker/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitedProcess struct {
	done chan struct{}
	at   time.Time
}

func (p exitedProcess) Done() <-chan struct{} { return p.done }
func (p exitedProcess) ExitCode() int         { return 1 }
func (p exitedProcess) StartedAt() time.Time  { return p.at }
func (p exitedProcess) ExitedAt() time.Time   { return p.at }

type stubLauncher struct {
	calls int
}

func (l *stubLauncher) Launch(context.Context, dispatcher.Invocation) (dispatcher.Process, error) {
	l.calls++
	done := make(chan struct{})
	close(done)
	return exitedProcess{done: done, at: time.Now()}, nil
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, Config{AbnormalExitCode: -1}.Validate())
	assert.Error(t, Config{StartFailureRate: 1.5, AbnormalExitCode: -1}.Validate())
	assert.Error(t, Config{AbnormalExitRate: -0.1, AbnormalExitCode: -1}.Validate())
	assert.Error(t, Config{AbnormalExitCode: 3}.Validate())
	assert.Error(t, Config{AbnormalExitCode: -1, MaxDelay: -time.Second}.Validate())
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{AbnormalExitRate: 0.1}.Enabled())
}

func TestLauncherAlwaysFailsStart(t *testing.T) {
	stub := &stubLauncher{}
	l, err := NewLauncher(Config{Seed: 7, StartFailureRate: 1}, stub)
	require.NoError(t, err)

	_, err = l.Launch(t.Context(), dispatcher.Invocation{RequestID: model.NewRequestID()})
	require.ErrorIs(t, err, ErrInjectedStartFailure)
	assert.Zero(t, stub.calls)
}

func TestLauncherAbnormalExit(t *testing.T) {
	stub := &stubLauncher{}
	l, err := NewLauncher(Config{Seed: 7, AbnormalExitRate: 1, AbnormalExitCode: -9}, stub)
	require.NoError(t, err)

	proc, err := l.Launch(t.Context(), dispatcher.Invocation{RequestID: model.NewRequestID()})
	require.NoError(t, err)
	<-proc.Done()
	assert.Equal(t, -9, proc.ExitCode())
	assert.Equal(t, 1, stub.calls)
}

func TestLauncherIsDeterministicForSeed(t *testing.T) {
	outcomes := func() []bool {
		l, err := NewLauncher(Config{Seed: 42, StartFailureRate: 0.5}, &stubLauncher{})
		require.NoError(t, err)
		out := make([]bool, 32)
		for i := range out {
			_, err := l.Launch(t.Context(), dispatcher.Invocation{RequestID: model.NewRequestID()})
			out[i] = err != nil
		}
		return out
	}
	assert.Equal(t, outcomes(), outcomes())
}

func TestLauncherPassThrough(t *testing.T) {
	stub := &stubLauncher{}
	l, err := NewLauncher(Config{}, stub)
	require.NoError(t, err)

	proc, err := l.Launch(t.Context(), dispatcher.Invocation{RequestID: model.NewRequestID()})
	require.NoError(t, err)
	assert.Equal(t, 1, proc.ExitCode())
}
