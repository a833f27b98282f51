package state

import (
	"testing"

	"github.com/netkvm-hub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id, name string) *types.ClientRecord {
	return &types.ClientRecord{ID: id, Name: name, Transport: types.TransportNetwork}
}

func TestAddAndGetClient(t *testing.T) {
	r := NewRegistry()
	r.AddClient("10.0.0.5:9001", testRecord("10.0.0.5:9001", "Bob"))

	rec := r.GetClient("10.0.0.5:9001")
	require.NotNil(t, rec)
	assert.Equal(t, "Bob", rec.Name)
	assert.Equal(t, 1, r.Count())
	assert.Nil(t, r.GetClient("10.0.0.9:9001"))
}

func TestAddClientLastWriterWins(t *testing.T) {
	r := NewRegistry()
	r.AddClient("10.0.0.5:9001", testRecord("10.0.0.5:9001", "first"))
	r.AddClient("10.0.0.5:9001", testRecord("10.0.0.5:9001", "second"))

	assert.Equal(t, 1, r.Count())
	assert.Equal(t, "second", r.GetClient("10.0.0.5:9001").Name)
}

func TestSetActiveClient(t *testing.T) {
	r := NewRegistry()
	r.AddClient("a:1", testRecord("a:1", "a"))

	assert.True(t, r.SetActiveClient("a:1"))
	assert.Equal(t, "a:1", r.GetActiveClient())

	// Unknown id fails and leaves the selection unchanged.
	assert.False(t, r.SetActiveClient("b:2"))
	assert.Equal(t, "a:1", r.GetActiveClient())

	// Empty id always succeeds and clears.
	assert.True(t, r.SetActiveClient(""))
	assert.Equal(t, "", r.GetActiveClient())
}

func TestSetActiveIfNone(t *testing.T) {
	r := NewRegistry()
	r.AddClient("a:1", testRecord("a:1", "a"))
	r.AddClient("b:2", testRecord("b:2", "b"))

	// Unregistered id never activates.
	assert.False(t, r.SetActiveIfNone("c:3"))
	assert.Equal(t, "", r.GetActiveClient())

	assert.True(t, r.SetActiveIfNone("a:1"))
	assert.Equal(t, "a:1", r.GetActiveClient())

	// A selection already exists: the second claim loses.
	assert.False(t, r.SetActiveIfNone("b:2"))
	assert.Equal(t, "a:1", r.GetActiveClient())

	// Once cleared the claim works again.
	r.RemoveClient("a:1")
	assert.True(t, r.SetActiveIfNone("b:2"))
	assert.Equal(t, "b:2", r.GetActiveClient())
}

func TestRemoveClientClearsActive(t *testing.T) {
	r := NewRegistry()
	r.AddClient("a:1", testRecord("a:1", "a"))
	r.AddClient("b:2", testRecord("b:2", "b"))
	require.True(t, r.SetActiveClient("a:1"))

	r.RemoveClient("a:1")
	assert.Equal(t, "", r.GetActiveClient())
	assert.Equal(t, 1, r.Count())

	// Removing a non-active client leaves the selection alone.
	require.True(t, r.SetActiveClient("b:2"))
	r.RemoveClient("absent")
	assert.Equal(t, "b:2", r.GetActiveClient())
}

func TestActiveNeverDangling(t *testing.T) {
	// Whatever sequence of adds and removes runs, the active id is
	// either empty or a registered client.
	r := NewRegistry()
	ids := []string{"a:1", "b:2", "c:3"}
	for _, id := range ids {
		r.AddClient(id, testRecord(id, id))
		r.SetActiveClient(id)
	}
	for _, id := range ids {
		r.RemoveClient(id)
		active := r.GetActiveClient()
		if active != "" {
			assert.NotNil(t, r.GetClient(active))
		}
	}
	assert.Equal(t, "", r.GetActiveClient())
}

func TestFindClientByIP(t *testing.T) {
	r := NewRegistry()
	r.AddClient("10.0.0.5:9001", testRecord("10.0.0.5:9001", "net"))
	r.AddClient("USB:/dev/ttyUSB0", &types.ClientRecord{
		ID:        "USB:/dev/ttyUSB0",
		Name:      "serial",
		Transport: types.TransportUSB,
	})

	assert.Equal(t, "10.0.0.5:9001", r.FindClientByIP("10.0.0.5"))
	assert.Equal(t, "", r.FindClientByIP("10.0.0.99"))
}

func TestFrameCache(t *testing.T) {
	r := NewRegistry()
	r.AddClient("a:1", testRecord("a:1", "a"))

	assert.Nil(t, r.GetLatestFrame("a:1"))

	r.UpdateLatestFrame("a:1", []byte("frame-1"))
	r.UpdateLatestFrame("a:1", []byte("frame-2"))
	assert.Equal(t, []byte("frame-2"), r.GetLatestFrame("a:1"))

	// Removal drops the cached frame with the record.
	r.RemoveClient("a:1")
	assert.Nil(t, r.GetLatestFrame("a:1"))
}
