package app

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/auth"
	"mgmtagent/internal/infra/journal"
	"mgmtagent/internal/infra/registry"
	"mgmtagent/internal/infra/rpc"
	"mgmtagent/internal/infra/telemetry"
	"mgmtagent/internal/infra/units"
	"mgmtagent/internal/infra/watcher"
)

func testConfig(t *testing.T) domain.EndpointConfig {
	t.Helper()
	return domain.EndpointConfig{
		BindAddress:    "127.0.0.1",
		RegistryPort:   freePort(t),
		PublicHostName: "127.0.0.1",
		EndpointName:   domain.DefaultEndpointName,
		RegistryPolicy: domain.RegistryPolicyCreate,
	}
}

func newTestEndpoint(t *testing.T, cfg domain.EndpointConfig, mutate func(*EndpointOptions)) *Endpoint {
	t.Helper()
	registry.ClearAdvertisedHost()
	opts := EndpointOptions{
		Config:   cfg,
		Provider: telemetry.NewRuntimeProvider(telemetry.NewRuntimeRegistry(), nil),
		Units:    units.NewTracker(),
		Logger:   zap.NewNop(),
		HostName: func() (string, error) { return "node-a", nil },
	}
	if mutate != nil {
		mutate(&opts)
	}
	e := NewEndpoint(opts)
	t.Cleanup(func() {
		e.StopQuietly()
		registry.ClearAdvertisedHost()
	})
	return e
}

func TestEndpointStartStopReleasesPorts(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	e := newTestEndpoint(t, cfg, func(o *EndpointOptions) { o.Diagnostics = &out })

	require.NoError(t, e.Start(context.Background()))
	require.True(t, e.Ready())

	c := e.Connector()
	require.Equal(t, cfg.RegistryPort, c.RegistryPort())
	require.Equal(t, cfg.RegistryPort, c.DataPort())

	p := strconv.Itoa(cfg.RegistryPort)
	want := "service:mgmt:grpc://127.0.0.1:" + p + "/registry/grpc://127.0.0.1:" + p + "/mgmt"
	assert.Equal(t, want, c.PublicLocator().String())
	assert.Equal(t, "service:mgmt:grpc://node-a:"+p+"/registry/grpc://node-a:"+p+"/mgmt", c.LocalLocator().String())

	report := out.String()
	assert.Contains(t, report, "registry port: "+p)
	assert.Contains(t, report, "data port: "+p)
	assert.Contains(t, report, "local locator: service:mgmt:grpc://node-a:"+p)
	assert.Contains(t, report, "public locator: "+want)

	require.NoError(t, e.Stop())
	require.False(t, e.Ready())
	assertPortFree(t, cfg.RegistryPort)

	// The same port is usable by a new endpoint.
	again := newTestEndpoint(t, cfg, nil)
	require.NoError(t, again.Start(context.Background()))
	require.NoError(t, again.Stop())
	assertPortFree(t, cfg.RegistryPort)
}

func TestEndpointStopIsIdempotent(t *testing.T) {
	e := newTestEndpoint(t, testConfig(t), nil)
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
	select {
	case <-e.Done():
	default:
		t.Fatal("done channel not closed after stop")
	}

	err := e.Start(context.Background())
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeFailedPrecond, code)
}

func TestEndpointStopBeforeStart(t *testing.T) {
	e := newTestEndpoint(t, testConfig(t), nil)
	require.NoError(t, e.Stop())
	require.False(t, e.Ready())
}

func TestEndpointOwnDataPort(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataPort = freePort(t)
	e := newTestEndpoint(t, cfg, nil)

	require.NoError(t, e.Start(context.Background()))
	c := e.Connector()
	require.False(t, c.SharedPort())
	require.Equal(t, cfg.DataPort, c.DataPort())
	require.Equal(t, cfg.DataPort, c.PublicLocator().DataPort)
	require.Equal(t, cfg.RegistryPort, c.PublicLocator().RegistryPort)

	require.NoError(t, e.Stop())
	assertPortFree(t, cfg.RegistryPort)
	assertPortFree(t, cfg.DataPort)
}

func TestEndpointAdvertisedHost(t *testing.T) {
	e := newTestEndpoint(t, testConfig(t), nil)
	require.Empty(t, registry.AdvertisedHost())

	require.NoError(t, e.Start(context.Background()))
	require.Equal(t, "127.0.0.1", registry.AdvertisedHost())

	require.NoError(t, e.Stop())
	require.Empty(t, registry.AdvertisedHost())
}

func TestEndpointKeepsForeignAdvertisedHost(t *testing.T) {
	e := newTestEndpoint(t, testConfig(t), nil)
	registry.SetAdvertisedHost("mgmt.example.test")

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop())
	require.Equal(t, "mgmt.example.test", registry.AdvertisedHost())
}

func TestEndpointFailedConnectorUnbindsRegistry(t *testing.T) {
	cfg := testConfig(t)
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	cfg.DataPort = busy.Addr().(*net.TCPAddr).Port

	path := t.TempDir() + "/journal.db"
	j, err := journal.Open(path, 0)
	require.NoError(t, err)
	defer j.Close()

	e := newTestEndpoint(t, cfg, func(o *EndpointOptions) { o.Journal = j })
	err = e.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrBind)
	require.False(t, e.Ready())

	assertPortFree(t, cfg.RegistryPort)
	require.Empty(t, registry.AdvertisedHost())

	records, err := j.List(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, JournalEventStartFailed, records[0].Event)
	require.NotEmpty(t, records[0].Error)
}

func TestEndpointAutoShutdownStopsOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoShutdown = true

	j, err := journal.Open(t.TempDir()+"/journal.db", 0)
	require.NoError(t, err)
	defer j.Close()

	tracker := units.NewTracker()
	release := make(chan struct{})
	tracker.Go("worker", func() error {
		<-release
		return nil
	})

	e := newTestEndpoint(t, cfg, func(o *EndpointOptions) {
		o.Units = tracker
		o.Journal = j
	})
	require.NoError(t, e.Start(context.Background()))
	w := e.Watcher()
	require.NotNil(t, w)

	select {
	case <-e.Done():
		t.Fatal("endpoint stopped while a significant unit was running")
	case <-time.After(100 * time.Millisecond):
	}
	require.True(t, e.Ready())

	close(release)
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("endpoint did not stop after the worker finished")
	}
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not finish")
	}
	require.Equal(t, watcher.StateStopped, w.State())
	assertPortFree(t, cfg.RegistryPort)

	// An explicit stop afterwards changes nothing.
	require.NoError(t, e.Stop())

	records, err := j.List(0)
	require.NoError(t, err)
	var stops int
	for _, rec := range records {
		if rec.Event == JournalEventStopped {
			stops++
		}
	}
	require.Equal(t, 1, stops)
}

func TestEndpointTLSReusesRegistry(t *testing.T) {
	cfg := testConfig(t)
	cfg.TLS = domain.TLSConfig{Enabled: true}
	cfg.DataPort = freePort(t)

	secondCfg := cfg
	secondCfg.EndpointName = "second"
	secondCfg.DataPort = freePort(t)
	secondCfg.RegistryPolicy = domain.DefaultRegistryPolicy

	first := newTestEndpoint(t, cfg, nil)
	second := newTestEndpoint(t, secondCfg, nil)

	require.NoError(t, first.Start(context.Background()))
	require.NoError(t, second.Start(context.Background()))
	require.True(t, first.Registry().Local())
	require.False(t, second.Registry().Local())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry, err := first.Registry().Lookup(ctx, "second")
	require.NoError(t, err)
	require.Equal(t, secondCfg.DataPort, entry.Port)
	require.True(t, entry.TLS)

	client, err := rpc.Dial(ctx, second.Connector().PublicLocator().String(), rpc.ClientConfig{
		TLS: domain.TLSConfig{Enabled: true, InsecureSkipVerify: true},
	})
	require.NoError(t, err)
	defer client.Close()
	info, err := client.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", info.Endpoint)

	require.NoError(t, second.Stop())
	assertPortFree(t, secondCfg.DataPort)
	_, err = first.Registry().Lookup(ctx, "second")
	require.Error(t, err)

	require.NoError(t, first.Stop())
	assertPortFree(t, cfg.RegistryPort)
	assertPortFree(t, cfg.DataPort)
}

func TestEndpointWildcardBindPublishesPublicHost(t *testing.T) {
	cfg := testConfig(t)
	cfg.BindAddress = "0.0.0.0"
	e := newTestEndpoint(t, cfg, nil)

	require.NoError(t, e.Start(context.Background()))
	require.Empty(t, registry.AdvertisedHost())

	entry, err := e.Registry().Lookup(context.Background(), domain.DefaultEndpointName)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", entry.Host)

	require.NoError(t, e.Stop())
	assertPortFree(t, cfg.RegistryPort)
}

func TestEndpointAuthentication(t *testing.T) {
	cfg := testConfig(t)
	cfg.Credentials = &domain.Credentials{Username: "alice", Password: "secret"}
	e := newTestEndpoint(t, cfg, func(o *EndpointOptions) {
		o.Authenticator = auth.New(*cfg.Credentials, nil, nil)
	})
	require.NoError(t, e.Start(context.Background()))
	locator := e.Connector().PublicLocator().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	good, err := rpc.Dial(ctx, locator, rpc.ClientConfig{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	defer good.Close()
	info, err := good.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice", info.Principal)

	bad, err := rpc.Dial(ctx, locator, rpc.ClientConfig{Username: "alice", Password: "guess"})
	require.NoError(t, err)
	defer bad.Close()
	_, err = bad.Info(ctx)
	require.ErrorIs(t, err, domain.ErrAuthenticationFailed)

	// A rejected caller leaves other sessions working.
	_, err = good.Info(ctx)
	require.NoError(t, err)
}

func TestLoadConfigLayers(t *testing.T) {
	cfg, err := LoadConfig(context.Background(), "", "port=5678,user=alice,password=secret", func(c *domain.EndpointConfig) {
		c.EndpointName = "worker"
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 5678, cfg.RegistryPort)
	require.Equal(t, "worker", cfg.EndpointName)
	require.True(t, cfg.AuthEnabled())

	_, err = LoadConfig(context.Background(), "", "", func(c *domain.EndpointConfig) {
		c.RegistryPort = 0
	}, nil)
	require.Error(t, err)
}

func TestTLSHosts(t *testing.T) {
	hosts := tlsHosts(domain.EndpointConfig{PublicHostName: "mgmt.example.test", BindAddress: "10.0.0.5"})
	require.Contains(t, hosts, "mgmt.example.test")
	require.Contains(t, hosts, "10.0.0.5")
	require.Contains(t, hosts, "localhost")

	hosts = tlsHosts(domain.EndpointConfig{BindAddress: "0.0.0.0"})
	require.False(t, strings.Contains(strings.Join(hosts, ","), "0.0.0.0"))
}

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skip test due to listen error: %v", err)
	}
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return port
}

func assertPortFree(t *testing.T, port int) {
	t.Helper()
	lis, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	require.NoError(t, lis.Close())
}
