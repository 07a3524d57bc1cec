package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/journal"
	"mgmtagent/internal/infra/registry"
)

func TestApplicationRunUntilCancelled(t *testing.T) {
	registry.ClearAdvertisedHost()
	t.Cleanup(registry.ClearAdvertisedHost)

	port := freePort(t)
	journalPath := t.TempDir() + "/journal.db"
	var out bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, cleanup, err := InitializeApplication(ctx, ServeConfig{
		AgentArgs: "bind=127.0.0.1,host=127.0.0.1,policy=create",
		Override: func(cfg *domain.EndpointConfig) {
			cfg.RegistryPort = port
			cfg.JournalPath = journalPath
		},
		Diagnostics: &out,
	}, LoggingConfig{Logger: zap.NewNop()})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- application.Run() }()

	require.Eventually(t, func() bool {
		return application.Endpoint().Ready()
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("application did not stop")
	}
	cleanup()

	require.Contains(t, out.String(), "public locator: service:mgmt:grpc://127.0.0.1:")
	assertPortFree(t, port)
	require.Empty(t, registry.AdvertisedHost())

	j, err := journal.Open(journalPath, 0)
	require.NoError(t, err)
	defer j.Close()
	records, err := j.List(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, JournalEventStarted, records[0].Event)
	require.Equal(t, JournalEventStopped, records[1].Event)
}

func TestInitializeApplicationRejectsBadConfig(t *testing.T) {
	_, _, err := InitializeApplication(context.Background(), ServeConfig{
		Override: func(cfg *domain.EndpointConfig) { cfg.DataPort = -1 },
	}, LoggingConfig{})
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeInvalidArgument, code)
}

func TestNewAuthenticator(t *testing.T) {
	a, err := NewAuthenticator(domain.EndpointConfig{}, nil, nil)
	require.NoError(t, err)
	require.Nil(t, a)

	a, err = NewAuthenticator(domain.EndpointConfig{
		Credentials: &domain.Credentials{Username: "alice", Password: "secret"},
	}, nil, nil)
	require.NoError(t, err)
	_, err = a.Authenticate([]string{"alice", "secret"})
	require.NoError(t, err)

	_, err = NewAuthenticator(domain.EndpointConfig{PasswordFile: t.TempDir() + "/missing"}, nil, nil)
	require.ErrorIs(t, err, domain.ErrMalformedCredentials)
}
