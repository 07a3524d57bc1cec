package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndList(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"), 0)
	require.NoError(t, err)
	defer j.Close()

	first, err := j.Append(Record{Event: "connector_started", Endpoint: "mgmt", RegistryPort: 44444, DataPort: 44444})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.False(t, first.Time.IsZero())

	_, err = j.Append(Record{Event: "connector_stopped", Endpoint: "mgmt"})
	require.NoError(t, err)

	records, err := j.List(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "connector_started", records[0].Event)
	require.Equal(t, "connector_stopped", records[1].Event)
	require.Equal(t, 44444, records[0].RegistryPort)

	latest, err := j.List(1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, "connector_stopped", latest[0].Event)
}

func TestPrune(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), 3)
	require.NoError(t, err)
	defer j.Close()

	for _, event := range []string{"a", "b", "c", "d", "e"} {
		_, err := j.Append(Record{Event: event})
		require.NoError(t, err)
	}

	records, err := j.List(0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "c", records[0].Event)
	require.Equal(t, "e", records[2].Event)
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, 0)
	require.NoError(t, err)
	_, err = j.Append(Record{Event: "connector_started"})
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	_, err = j.Append(Record{Event: "late"})
	require.ErrorIs(t, err, ErrClosed)

	j, err = Open(path, 0)
	require.NoError(t, err)
	defer j.Close()
	records, err := j.List(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ", 0)
	require.Error(t, err)
}
