package registry

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/units"
)

func TestBindCreatesRegistryAndUnbindReleasesPort(t *testing.T) {
	port := freePort(t)
	binder := NewBinder(units.NewTracker(), nil, zap.NewNop())

	handle, err := binder.Bind(context.Background(), BindOptions{
		Address: "127.0.0.1",
		Port:    port,
		Policy:  domain.RegistryPolicyCreate,
	})
	require.NoError(t, err)
	require.True(t, handle.Local())
	require.Equal(t, port, handle.Port())
	handle.Serve()
	handle.Serve()

	client := dialRegistry(t, port)
	require.Eventually(t, func() bool {
		_, err := client.List(context.Background())
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, binder.Unbind(handle))
	assertPortFree(t, port)

	err = binder.Unbind(handle)
	require.ErrorIs(t, err, domain.ErrUnbind)
}

func TestBindUnbindWithoutServe(t *testing.T) {
	port := freePort(t)
	binder := NewBinder(units.NewTracker(), nil, nil)

	handle, err := binder.Bind(context.Background(), BindOptions{Address: "127.0.0.1", Port: port})
	require.NoError(t, err)
	require.NoError(t, binder.Unbind(handle))
	assertPortFree(t, port)
}

func TestBindPortInUse(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	port := lis.Addr().(*net.TCPAddr).Port

	binder := NewBinder(units.NewTracker(), nil, nil)
	_, err = binder.Bind(context.Background(), BindOptions{
		Address:      "127.0.0.1",
		Port:         port,
		ProbeTimeout: 100 * time.Millisecond,
		DialOptions:  []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	})
	require.ErrorIs(t, err, domain.ErrBind)
}

func TestBindRejectsInvalidOptions(t *testing.T) {
	binder := NewBinder(units.NewTracker(), nil, nil)

	_, err := binder.Bind(context.Background(), BindOptions{Port: 0})
	require.ErrorIs(t, err, domain.ErrBind)

	_, err = binder.Bind(context.Background(), BindOptions{Port: 70000})
	require.ErrorIs(t, err, domain.ErrBind)

	_, err = binder.Bind(context.Background(), BindOptions{Address: "not-an-ip", Port: 1099})
	require.ErrorIs(t, err, domain.ErrBind)
}

func TestBindProbeReusesRunningRegistry(t *testing.T) {
	port := freePort(t)
	tracker := units.NewTracker()
	binder := NewBinder(tracker, nil, nil)
	dial := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}

	first, err := binder.Bind(context.Background(), BindOptions{Address: "127.0.0.1", Port: port, DialOptions: dial})
	require.NoError(t, err)
	first.Serve()
	defer binder.UnbindQuietly(first)

	second, err := binder.Bind(context.Background(), BindOptions{
		Address:      "127.0.0.1",
		Port:         port,
		Policy:       domain.RegistryPolicyProbe,
		ProbeTimeout: 2 * time.Second,
		DialOptions:  dial,
	})
	require.NoError(t, err)
	require.False(t, second.Local())
	require.Nil(t, second.Server())

	entry := Entry{Name: "worker", Host: "127.0.0.1", Port: 9000}
	require.NoError(t, second.Publish(context.Background(), entry))

	got, err := first.Lookup(context.Background(), "worker")
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	require.NoError(t, second.Withdraw(context.Background(), "worker"))
	require.NoError(t, binder.Unbind(second))
	require.True(t, first.Exported())
}

func TestBindSetsAdvertisedHostOnlyWhenUnset(t *testing.T) {
	ClearAdvertisedHost()
	t.Cleanup(ClearAdvertisedHost)

	binder := NewBinder(units.NewTracker(), nil, nil)

	handle, err := binder.Bind(context.Background(), BindOptions{
		Address: "127.0.0.1",
		Port:    freePort(t),
		Policy:  domain.RegistryPolicyCreate,
	})
	require.NoError(t, err)
	require.True(t, handle.SetAdvertisedHost())
	require.Equal(t, "127.0.0.1", AdvertisedHost())
	require.NoError(t, binder.Unbind(handle))
	require.Empty(t, AdvertisedHost())

	SetAdvertisedHost("mgmt.example.test")
	handle, err = binder.Bind(context.Background(), BindOptions{
		Address: "127.0.0.1",
		Port:    freePort(t),
		Policy:  domain.RegistryPolicyCreate,
	})
	require.NoError(t, err)
	require.False(t, handle.SetAdvertisedHost())
	require.NoError(t, binder.Unbind(handle))
	require.Equal(t, "mgmt.example.test", AdvertisedHost())
}

func TestBindWildcardAddressIsNotAdvertised(t *testing.T) {
	ClearAdvertisedHost()
	t.Cleanup(ClearAdvertisedHost)

	binder := NewBinder(units.NewTracker(), nil, nil)
	handle, err := binder.Bind(context.Background(), BindOptions{
		Address: "0.0.0.0",
		Port:    freePort(t),
		Policy:  domain.RegistryPolicyCreate,
	})
	require.NoError(t, err)
	require.False(t, handle.SetAdvertisedHost())
	require.Empty(t, AdvertisedHost())
	require.NoError(t, binder.Unbind(handle))
}

func TestRegistryServiceOverGRPC(t *testing.T) {
	port := freePort(t)
	binder := NewBinder(units.NewTracker(), nil, nil)
	handle, err := binder.Bind(context.Background(), BindOptions{Address: "127.0.0.1", Port: port, Policy: domain.RegistryPolicyCreate})
	require.NoError(t, err)
	handle.Serve()
	defer binder.UnbindQuietly(handle)

	client := dialRegistry(t, port)
	ctx := context.Background()

	require.NoError(t, client.Bind(ctx, Entry{Name: "b", Host: "h", Port: 2}))
	require.NoError(t, client.Bind(ctx, Entry{Name: "a", Host: "h", Port: 1, TLS: true}))

	err = client.Bind(ctx, Entry{Name: "a", Host: "h", Port: 3})
	require.Equal(t, codes.AlreadyExists, status.Code(err))

	entries, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Name)
	require.True(t, entries[0].TLS)

	_, err = client.Lookup(ctx, "missing")
	require.Equal(t, codes.NotFound, status.Code(err))

	require.NoError(t, client.Unbind(ctx, "a"))
	err = client.Unbind(ctx, "a")
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestEntryValidate(t *testing.T) {
	require.NoError(t, Entry{Name: "mgmt", Port: 1}.Validate())
	require.Error(t, Entry{Name: "", Port: 1}.Validate())
	require.Error(t, Entry{Name: "a/b", Port: 1}.Validate())
	require.Error(t, Entry{Name: "mgmt", Port: 0}.Validate())
	require.Equal(t, "[::1]:7", Entry{Name: "x", Host: "::1", Port: 7}.Address())
}

func TestDialHost(t *testing.T) {
	require.Equal(t, "127.0.0.1", dialHost(""))
	require.Equal(t, "127.0.0.1", dialHost("0.0.0.0"))
	require.Equal(t, "::1", dialHost("::"))
	require.Equal(t, "10.0.0.5", dialHost("10.0.0.5"))
}

func dialRegistry(t *testing.T, port int) *Client {
	t.Helper()
	conn, err := grpc.NewClient(
		net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
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
