package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"gridworker/pkg/uds"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	clientFlags.socket = ""
	clientFlags.host = ""

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestStatusCommandQueriesSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.sock")
	server, err := uds.NewServer(path)
	require.NoError(t, err)
	require.NoError(t, server.Listen())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() {
		_ = server.Serve(ctx, func(_ context.Context, conn *net.UnixConn) {
			req, err := uds.ReadFrame(conn, nil)
			if err != nil || string(req) != statusCommand {
				return
			}
			_ = uds.WriteFrame(conn, []byte(`{"host":"node-1","executing":2}`))
		})
	}()

	out, err := execute(t, "status", "--socket", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"host": "node-1"`)
	assert.Contains(t, out, `"executing": 2`)
}

func TestSubmitRequiresHost(t *testing.T) {
	_, err := execute(t, "submit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--host")
}

func TestSubmitPrintsRequestID(t *testing.T) {
	out, err := execute(t, "submit", "--host", "node-1", "--requester", "alice")
	require.NoError(t, err)
	assert.Len(t, bytes.TrimSpace([]byte(out)), 36)
}

func TestCancelRejectsMalformedID(t *testing.T) {
	_, err := execute(t, "cancel", "not-a-uuid")
	require.Error(t, err)
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gridworker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host:\n  computer: node-1\nbudget: 2\n"), 0o600))

	cmd := newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--budget", "5", "--instance", "blue", "--status-socket", filepath.Join(dir, "s.sock")}))
	configPath = path
	defer func() { configPath = "" }()

	loaded, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "node-1", loaded.Dispatcher.Host.Computer)
	assert.Equal(t, "blue", loaded.Dispatcher.Host.Instance)
	assert.Equal(t, 5, loaded.Dispatcher.Budget)
	assert.Equal(t, filepath.Join(dir, "s.sock"), loaded.Ops.StatusSocket)
}
