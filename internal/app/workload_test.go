package app

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/journal"
	"mgmtagent/internal/infra/registry"
	"mgmtagent/internal/infra/units"
	"mgmtagent/internal/infra/watcher"
)

// TestHelperProcess is the child command used by workload tests. Its
// arguments after "--" are a sleep duration and an exit status.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) > 0 {
		if d, err := time.ParseDuration(args[0]); err == nil {
			time.Sleep(d)
		}
	}
	code := 0
	if len(args) > 1 {
		code, _ = strconv.Atoi(args[1])
	}
	os.Exit(code)
}

func helperCommand(t *testing.T, sleep time.Duration, code int) []string {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	return []string{os.Args[0], "-test.run=TestHelperProcess", "--", sleep.String(), strconv.Itoa(code)}
}

func TestWorkloadRunsAsSignificantUnit(t *testing.T) {
	tracker := units.NewTracker()
	w := NewWorkload(WorkloadOptions{
		Command: helperCommand(t, 200*time.Millisecond, 0),
		Units:   tracker,
		Logger:  zap.NewNop(),
	})
	require.False(t, w.Started())
	require.NoError(t, w.Start(context.Background()))
	require.True(t, w.Started())

	buf := make([]*units.Unit, 4)
	n, err := tracker.Enumerate(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, WorkloadUnitName, buf[0].Name())
	require.False(t, buf[0].Daemon())

	select {
	case <-w.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("workload did not exit")
	}
	require.NoError(t, w.Err())
	require.NoError(t, buf[0].Join())

	err = w.Start(context.Background())
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeFailedPrecond, code)
}

func TestWorkloadExitStatus(t *testing.T) {
	w := NewWorkload(WorkloadOptions{
		Command: helperCommand(t, 0, 3),
		Units:   units.NewTracker(),
	})
	require.NoError(t, w.Start(context.Background()))
	<-w.Done()
	require.Error(t, w.Err())
	require.Equal(t, 3, ExitCode(w.Err()))
	require.Equal(t, 0, ExitCode(nil))
}

func TestWorkloadCancelKillsCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorkload(WorkloadOptions{
		Command: helperCommand(t, time.Minute, 0),
		Units:   units.NewTracker(),
	})
	require.NoError(t, w.Start(ctx))
	cancel()
	select {
	case <-w.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled workload still running")
	}
	require.Error(t, w.Err())
}

func TestWorkloadRejectsEmptyCommand(t *testing.T) {
	w := NewWorkload(WorkloadOptions{Units: units.NewTracker()})
	err := w.Start(context.Background())
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeInvalidArgument, code)
	require.False(t, w.Started())
}

func TestApplicationRunStopsWhenCommandExits(t *testing.T) {
	registry.ClearAdvertisedHost()
	t.Cleanup(registry.ClearAdvertisedHost)

	port := freePort(t)
	journalPath := t.TempDir() + "/journal.db"

	application, cleanup, err := InitializeApplication(context.Background(), ServeConfig{
		AgentArgs: "bind=127.0.0.1,host=127.0.0.1,policy=create",
		Override: func(cfg *domain.EndpointConfig) {
			cfg.RegistryPort = port
			cfg.JournalPath = journalPath
		},
		Command: helperCommand(t, 300*time.Millisecond, 0),
	}, LoggingConfig{Logger: zap.NewNop()})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- application.Run() }()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("application did not stop after the command exited")
	}
	cleanup()

	w := application.Endpoint().Watcher()
	require.NotNil(t, w)
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not finish")
	}
	require.Equal(t, watcher.StateStopped, w.State())
	assertPortFree(t, port)

	j, err := journal.Open(journalPath, 0)
	require.NoError(t, err)
	defer j.Close()
	records, err := j.List(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, JournalEventStarted, records[0].Event)
	require.Equal(t, JournalEventStopped, records[1].Event)
}

func TestApplicationRunReturnsCommandExitStatus(t *testing.T) {
	registry.ClearAdvertisedHost()
	t.Cleanup(registry.ClearAdvertisedHost)

	port := freePort(t)
	application, cleanup, err := InitializeApplication(context.Background(), ServeConfig{
		AgentArgs: "bind=127.0.0.1,host=127.0.0.1,policy=create",
		Override:  func(cfg *domain.EndpointConfig) { cfg.RegistryPort = port },
		Command:   helperCommand(t, 100*time.Millisecond, 7),
	}, LoggingConfig{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer cleanup()

	errCh := make(chan error, 1)
	go func() { errCh <- application.Run() }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.Equal(t, 7, ExitCode(err))
	case <-time.After(15 * time.Second):
		t.Fatal("application did not stop after the command exited")
	}
	assertPortFree(t, port)
}

func TestNewEndpointConfigCommandEnablesAutoShutdown(t *testing.T) {
	cfg, err := NewEndpointConfig(context.Background(), ServeConfig{
		Command: []string{"true"},
	}, nil)
	require.NoError(t, err)
	require.True(t, cfg.AutoShutdown)

	cfg, err = NewEndpointConfig(context.Background(), ServeConfig{}, nil)
	require.NoError(t, err)
	require.False(t, cfg.AutoShutdown)
}
