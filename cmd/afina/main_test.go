package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/garethgeorge/afina/internal/config"
	"github.com/garethgeorge/afina/internal/logging"
	"github.com/garethgeorge/afina/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, context.Background(), "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "afina dev\n"), out)
}

func TestInvalidFlags(t *testing.T) {
	_, err := execute(t, context.Background(), "serve", "--workers", "0", "--log-format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "workers")
	assert.Contains(t, err.Error(), "log format")

	_, err = execute(t, context.Background(), "--arena-size", "lots")
	assert.Error(t, err)
}

func TestBindFlags(t *testing.T) {
	cfg := config.Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(fs, &cfg)
	require.NoError(t, fs.Parse([]string{
		"--listen", "0.0.0.0:1", "-w", "3", "--compact-interval", "2s", "--compact-rate", "0.5",
	}))
	assert.Equal(t, "0.0.0.0:1", cfg.Listen)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.CompactInterval)
	assert.Equal(t, 0.5, cfg.CompactRate)
}

func TestRunServe(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.MetricsListen = "127.0.0.1:0"
	cfg.ArenaSize = 64 * 1024
	cfg.CompactInterval = 10 * time.Millisecond
	cfg.PidFile = filepath.Join(t.TempDir(), "afina.pid")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, io.Discard) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.PidFile)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	pid, err := os.ReadFile(cfg.PidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(pid))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
	_, err = os.Stat(cfg.PidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestCompactLoop(t *testing.T) {
	st, err := storage.New(make([]byte, 1024))
	require.NoError(t, err)
	defer st.Close()
	for i := 0; i < 6; i++ {
		require.NoError(t, st.Put(fmt.Sprintf("k%d", i), bytes.Repeat([]byte{'v'}, 20), 0))
	}
	require.NoError(t, st.Delete("k1"))
	require.NoError(t, st.Delete("k3"))
	require.Equal(t, 3, st.Stats().Arena.FreeRuns)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		compactLoop(ctx, st, 5*time.Millisecond, logging.Discard())
		close(stopped)
	}()

	assert.Eventually(t, func() bool { return st.Stats().Arena.FreeRuns == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-stopped
	assert.Equal(t, uint64(1), st.Stats().Compactions)
	require.NoError(t, st.Verify())
}
