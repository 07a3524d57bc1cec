package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mgmtagent/internal/domain"
)

func TestAuthenticate(t *testing.T) {
	a := New(domain.Credentials{Username: "alice", Password: "secret"}, nil, nil)

	principal, err := a.Authenticate([]string{"alice", "secret"})
	require.NoError(t, err)
	require.Equal(t, "alice", principal.Name)

	principal, err = a.Authenticate([2]string{"alice", "secret"})
	require.NoError(t, err)
	require.Equal(t, "alice", principal.Name)

	rejected := [][]string{
		{"alice", "wrong"},
		{"bob", "secret"},
		{"", ""},
		{"Alice", "secret"},
	}
	for _, pair := range rejected {
		_, err := a.Authenticate(pair)
		require.ErrorIs(t, err, domain.ErrAuthenticationFailed, "pair %v", pair)
	}
}

func TestAuthenticateMalformed(t *testing.T) {
	a := New(domain.Credentials{Username: "alice", Password: "secret"}, nil, nil)

	cases := []any{
		nil,
		[]string{},
		[]string{"alice"},
		[]string{"alice", "secret", "extra"},
		"alice:secret",
		map[string]string{"alice": "secret"},
		[]any{"alice", "secret"},
	}
	for _, input := range cases {
		_, err := a.Authenticate(input)
		require.ErrorIs(t, err, domain.ErrMalformedCredentials, "input %#v", input)
		require.False(t, errors.Is(err, domain.ErrAuthenticationFailed))
	}
}

func TestSetCredentials(t *testing.T) {
	a := New(domain.Credentials{Username: "alice", Password: "secret"}, nil, zap.NewNop())
	a.SetCredentials(domain.Credentials{Username: "alice", Password: "rotated"})

	_, err := a.Authenticate([]string{"alice", "secret"})
	require.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	_, err = a.Authenticate([]string{"alice", "rotated"})
	require.NoError(t, err)
}

func TestParsePasswordFile(t *testing.T) {
	creds, err := parsePasswordFile([]byte("# management user\n\nalice=s3=cret\n"))
	require.NoError(t, err)
	assert.Equal(t, domain.Credentials{Username: "alice", Password: "s3=cret"}, creds)

	_, err = parsePasswordFile([]byte("alice=a\nbob=b\n"))
	require.Error(t, err)

	_, err = parsePasswordFile([]byte("# nothing\n"))
	require.Error(t, err)

	_, err = parsePasswordFile([]byte("alice\n"))
	require.Error(t, err)
}

func TestWatchReloadsPasswordFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "password")
	require.NoError(t, os.WriteFile(path, []byte("alice=one\n"), 0o600))

	creds, err := LoadPasswordFile(path)
	require.NoError(t, err)
	a := New(creds, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Watch(ctx, path, a, zap.NewNop()))

	require.NoError(t, os.WriteFile(path, []byte("alice=two\n"), 0o600))

	require.Eventually(t, func() bool {
		_, err := a.Authenticate([]string{"alice", "two"})
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}
